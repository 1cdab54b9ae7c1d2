package camera

import (
	"fmt"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"github.com/xromm/mocapcore/spatialmath"
)

// InlierState is the correspondence state of one calibration object point in a frame.
type InlierState int

// The numeric values are the codes written to inlier files.
const (
	NeverDetected InlierState = -1
	Outlier       InlierState = 0
	Inlier        InlierState = 1
)

func (s InlierState) String() string {
	switch s {
	case NeverDetected:
		return "never_detected"
	case Outlier:
		return "outlier"
	case Inlier:
		return "inlier"
	default:
		return fmt.Sprintf("InlierState(%d)", int(s))
	}
}

// ParseInlierState converts a file code to an InlierState.
func ParseInlierState(code int) (InlierState, error) {
	switch s := InlierState(code); s {
	case NeverDetected, Outlier, Inlier:
		return s, nil
	default:
		return NeverDetected, errors.Errorf("invalid inlier code %d", code)
	}
}

// CalibrationFrame holds the correspondences of one calibration image. All per-point slices have
// the length of the calibration object and are only ever replaced together by Reset.
type CalibrationFrame struct {
	Detected             []r2.Point
	DetectedUndistorted  []r2.Point
	Projected            []r2.Point
	ProjectedUndistorted []r2.Point
	Inliers              []InlierState
	Error                []float64
	ErrorUndistorted     []float64

	// Blobs are all blobs detected in the image, matched or not.
	Blobs []r2.Point

	// Pose is the world to camera extrinsic, meaningful only when Calibrated is set.
	Pose       spatialmath.Pose
	Calibrated bool
}

// NewCalibrationFrame returns a frame sized for n object points.
func NewCalibrationFrame(n int) *CalibrationFrame {
	f := &CalibrationFrame{}
	f.Reset(n)
	return f
}

// Reset reallocates every per-point slice for n points and clears the pose.
func (f *CalibrationFrame) Reset(n int) {
	if n < 0 {
		n = 0
	}
	f.Detected = make([]r2.Point, n)
	f.DetectedUndistorted = make([]r2.Point, n)
	f.Projected = make([]r2.Point, n)
	f.ProjectedUndistorted = make([]r2.Point, n)
	f.Inliers = make([]InlierState, n)
	for i := range f.Inliers {
		f.Inliers[i] = NeverDetected
	}
	f.Error = make([]float64, n)
	f.ErrorUndistorted = make([]float64, n)
	f.Pose = spatialmath.NewZeroPose()
	f.Calibrated = false
}

// Size is the number of object points the frame is sized for.
func (f *CalibrationFrame) Size() int {
	return len(f.Inliers)
}

// InlierCount returns how many points are inliers.
func (f *CalibrationFrame) InlierCount() int {
	n := 0
	for _, s := range f.Inliers {
		if s == Inlier {
			n++
		}
	}
	return n
}

// InlierIndices returns the indices of all inlier points.
func (f *CalibrationFrame) InlierIndices() []int {
	var out []int
	for i, s := range f.Inliers {
		if s == Inlier {
			out = append(out, i)
		}
	}
	return out
}

// SetPose stores an extrinsic and marks the frame calibrated.
func (f *CalibrationFrame) SetPose(p spatialmath.Pose) {
	f.Pose = p
	f.Calibrated = true
}

// ClearPose marks the frame uncalibrated and zeroes the residuals.
func (f *CalibrationFrame) ClearPose() {
	f.Pose = spatialmath.NewZeroPose()
	f.Calibrated = false
	for i := range f.Error {
		f.Error[i] = 0
		f.ErrorUndistorted[i] = 0
	}
}
