// Package camera holds the calibrated model of one camera of the rig: intrinsics, optional
// parametric and LWM distortion, and the per-frame extrinsics of its calibration images.
package camera

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/xromm/mocapcore/logging"
	"github.com/xromm/mocapcore/rimage/transform"
	"github.com/xromm/mocapcore/rimage/undistort"
	"github.com/xromm/mocapcore/spatialmath"
)

// Camera is one camera of the rig.
type Camera struct {
	Name string

	Intrinsics         *transform.PinholeCameraIntrinsics
	Distortion         *transform.BrownConrady
	HasModelDistortion bool

	// Field is the optional LWM undistortion, used when it is fitted.
	Field *undistort.Field

	Frames []*CalibrationFrame

	calibrated bool
	logger     logging.Logger
}

// NewCamera returns an uncalibrated camera of the given image size.
func NewCamera(name string, width, height int, logger logging.Logger) *Camera {
	if logger == nil {
		logger = logging.NewBlankLogger("camera")
	}
	return &Camera{
		Name:       name,
		Intrinsics: &transform.PinholeCameraIntrinsics{Width: width, Height: height},
		logger:     logger.Sublogger(name),
	}
}

// Width is the image width in pixels.
func (c *Camera) Width() int {
	return c.Intrinsics.Width
}

// Height is the image height in pixels.
func (c *Camera) Height() int {
	return c.Intrinsics.Height
}

// SetCalibration installs a camera matrix and an optional distortion model. k must be upper
// triangular with row 3 equal to (0, 0, 1); skew is dropped.
func (c *Camera) SetCalibration(k mat.Matrix, dist *transform.BrownConrady) error {
	if r, cols := k.Dims(); r != 3 || cols != 3 {
		return errors.Errorf("camera matrix must be 3x3, got %dx%d", r, cols)
	}
	if k.At(1, 0) != 0 || k.At(2, 0) != 0 || k.At(2, 1) != 0 || k.At(2, 2) != 1 {
		return errors.New("camera matrix must be upper triangular with unit scale")
	}
	intr := transform.NewPinholeCameraIntrinsicsFromMatrix(k, c.Intrinsics.Width, c.Intrinsics.Height)
	if err := intr.CheckValid(); err != nil {
		return err
	}
	if dist != nil {
		if err := dist.CheckValid(); err != nil {
			return err
		}
	}
	c.Intrinsics = intr
	c.Distortion = dist
	c.HasModelDistortion = !dist.IsZero()
	c.calibrated = true
	c.logger.Debugw("camera calibration set", "fx", intr.Fx, "fy", intr.Fy, "ppx", intr.Ppx, "ppy", intr.Ppy,
		"model_distortion", c.HasModelDistortion)
	return nil
}

// Reset drops the calibration but keeps the frames' detections.
func (c *Camera) Reset() {
	c.calibrated = false
	for _, f := range c.Frames {
		f.ClearPose()
	}
}

// IsCalibrated is true once a valid camera matrix was set.
func (c *Camera) IsCalibrated() bool {
	return c.calibrated && c.Intrinsics.CheckValid() == nil
}

// CameraMatrix returns K, or nil when uncalibrated.
func (c *Camera) CameraMatrix() *mat.Dense {
	if !c.IsCalibrated() {
		return nil
	}
	return c.Intrinsics.GetCameraMatrix()
}

// ResetFrames replaces the frames with n frames sized for points object points.
func (c *Camera) ResetFrames(n, points int) {
	c.Frames = make([]*CalibrationFrame, n)
	for i := range c.Frames {
		c.Frames[i] = NewCalibrationFrame(points)
	}
}

// Frame returns frame i.
func (c *Camera) Frame(i int) (*CalibrationFrame, bool) {
	if i < 0 || i >= len(c.Frames) {
		return nil, false
	}
	return c.Frames[i], true
}

func (c *Camera) fieldActive() bool {
	return c.Field != nil && c.Field.IsFitted()
}

func (c *Camera) modelActive(withModel bool) bool {
	return withModel && c.HasModelDistortion && c.IsCalibrated() && !c.Distortion.IsZero()
}

func (c *Camera) pinholeModel() *transform.PinholeCameraModel {
	return &transform.PinholeCameraModel{PinholeCameraIntrinsics: c.Intrinsics, Distortion: c.Distortion}
}

// UndistortPoint maps pt between the distorted image and the undistorted pinhole image. The
// undistort direction applies the LWM field and then the parametric model; the distort direction
// applies them in reverse. Points not covered by the field pass through it unchanged.
func (c *Camera) UndistortPoint(pt r2.Point, toUndistorted, withModel, withRefine bool) r2.Point {
	if toUndistorted {
		if c.fieldActive() {
			pt = c.Field.TransformPoint(pt, true, withRefine)
		}
		if c.modelActive(withModel) {
			pt = c.pinholeModel().UndistortPixel(pt)
		}
		return pt
	}
	if c.modelActive(withModel) {
		pt = c.pinholeModel().DistortPixel(pt)
	}
	if c.fieldActive() {
		pt = c.Field.TransformPoint(pt, false, withRefine)
	}
	return pt
}

// ProjectionMatrix returns K*[R|t] for frame i, false when the camera or the frame is not
// calibrated.
func (c *Camera) ProjectionMatrix(i int) (*mat.Dense, bool) {
	f, ok := c.Frame(i)
	if !ok || !f.Calibrated || !c.IsCalibrated() {
		return nil, false
	}
	return transform.ProjectionMatrix(c.Intrinsics.GetCameraMatrix(), f.Pose.Matrix34()), true
}

// ProjectPointUndistorted projects a world point into the undistorted image of frame i.
func (c *Camera) ProjectPointUndistorted(pt r3.Vector, i int) (r2.Point, bool) {
	p, ok := c.ProjectionMatrix(i)
	if !ok {
		return r2.Point{}, false
	}
	return transform.ProjectWithMatrix(p, pt)
}

// ProjectPoint projects a world point into the distorted image of frame i. It returns the zero
// point when the camera is uncalibrated or the point projects to infinity.
func (c *Camera) ProjectPoint(pt r3.Vector, i int) r2.Point {
	px, ok := c.ProjectPointUndistorted(pt, i)
	if !ok {
		return r2.Point{}
	}
	return c.UndistortPoint(px, false, true, true)
}

// CameraCenter returns the optical center of frame i in world coordinates.
func (c *Camera) CameraCenter(i int) (r3.Vector, bool) {
	f, ok := c.Frame(i)
	if !ok || !f.Calibrated {
		return r3.Vector{}, false
	}
	return f.Pose.Invert().Translation, true
}

// Ray returns the world ray through distorted pixel pt in frame i.
func (c *Camera) Ray(pt r2.Point, i int) (spatialmath.PluckerLine, bool) {
	f, ok := c.Frame(i)
	if !ok || !f.Calibrated || !c.IsCalibrated() {
		return spatialmath.PluckerLine{}, false
	}
	n := c.Intrinsics.PixelToNormalized(c.UndistortPoint(pt, true, true, true))
	camToWorld := f.Pose.Invert()
	dir := camToWorld.RotationMatrix().MulVec(r3.Vector{X: n.X, Y: n.Y, Z: 1})
	return spatialmath.NewPluckerLine(camToWorld.Translation, dir), true
}

// UpdateFrame recomputes the undistorted detections, projections and residuals of frame i for
// the given object points. Residuals of non-inliers are zero.
func (c *Camera) UpdateFrame(i int, object []r3.Vector) error {
	f, ok := c.Frame(i)
	if !ok {
		return errors.Errorf("frame %d out of range", i)
	}
	if len(object) != f.Size() {
		return errors.Errorf("frame %d holds %d points, object has %d", i, f.Size(), len(object))
	}
	for j := range object {
		f.DetectedUndistorted[j] = c.UndistortPoint(f.Detected[j], true, true, true)
		f.Error[j], f.ErrorUndistorted[j] = 0, 0
		if !f.Calibrated {
			f.Projected[j], f.ProjectedUndistorted[j] = r2.Point{}, r2.Point{}
			continue
		}
		f.ProjectedUndistorted[j], _ = c.ProjectPointUndistorted(object[j], i)
		f.Projected[j] = c.ProjectPoint(object[j], i)
		if f.Inliers[j] == Inlier {
			f.Error[j] = f.Projected[j].Sub(f.Detected[j]).Norm()
			f.ErrorUndistorted[j] = f.ProjectedUndistorted[j].Sub(f.DetectedUndistorted[j]).Norm()
		}
	}
	return nil
}

// ErrorStats summarizes the reprojection residuals of the inliers of a frame.
type ErrorStats struct {
	Count  int
	Mean   float64
	StdDev float64
	Max    float64
}

// ReprojectionError summarizes the distorted image residuals of frame i. Uncalibrated frames and
// frames without inliers report zero statistics.
func (c *Camera) ReprojectionError(i int) (ErrorStats, error) {
	f, ok := c.Frame(i)
	if !ok {
		return ErrorStats{}, errors.Errorf("frame %d out of range", i)
	}
	if !f.Calibrated {
		return ErrorStats{}, nil
	}
	var data stats.Float64Data
	for j, s := range f.Inliers {
		if s == Inlier {
			data = append(data, f.Error[j])
		}
	}
	if len(data) == 0 {
		return ErrorStats{}, nil
	}
	mean, err := data.Mean()
	if err != nil {
		return ErrorStats{}, err
	}
	sd, err := data.StandardDeviation()
	if err != nil {
		return ErrorStats{}, err
	}
	maxErr, err := data.Max()
	if err != nil {
		return ErrorStats{}, err
	}
	if math.IsNaN(sd) {
		sd = 0
	}
	return ErrorStats{Count: len(data), Mean: mean, StdDev: sd, Max: maxErr}, nil
}
