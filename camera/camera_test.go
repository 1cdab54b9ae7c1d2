package camera

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/xromm/mocapcore/logging"
	"github.com/xromm/mocapcore/rimage/transform"
	"github.com/xromm/mocapcore/rimage/undistort"
	"github.com/xromm/mocapcore/spatialmath"
)

func testK() *mat.Dense {
	return mat.NewDense(3, 3, []float64{800, 0, 320, 0, 800, 240, 0, 0, 1})
}

func calibratedCamera(t *testing.T, dist *transform.BrownConrady) *Camera {
	t.Helper()
	c := NewCamera("cam1", 640, 480, logging.NewTestLogger(t))
	test.That(t, c.IsCalibrated(), test.ShouldBeFalse)
	test.That(t, c.SetCalibration(testK(), dist), test.ShouldBeNil)
	test.That(t, c.IsCalibrated(), test.ShouldBeTrue)
	c.ResetFrames(1, 4)
	c.Frames[0].SetPose(spatialmath.Pose{
		Rotation:    r3.Vector{X: 0.05, Y: -0.1, Z: 0.02},
		Translation: r3.Vector{X: 1, Y: -2, Z: 50},
	})
	return c
}

func TestCalibrationFrameReset(t *testing.T) {
	f := NewCalibrationFrame(5)
	test.That(t, f.Size(), test.ShouldEqual, 5)
	test.That(t, len(f.Detected), test.ShouldEqual, 5)
	test.That(t, f.Inliers[3], test.ShouldEqual, NeverDetected)
	f.Inliers[1] = Inlier
	f.Inliers[2] = Inlier
	test.That(t, f.InlierCount(), test.ShouldEqual, 2)
	test.That(t, f.InlierIndices(), test.ShouldResemble, []int{1, 2})
	f.SetPose(spatialmath.Pose{Translation: r3.Vector{Z: 3}})
	test.That(t, f.Calibrated, test.ShouldBeTrue)

	f.Reset(3)
	test.That(t, f.Size(), test.ShouldEqual, 3)
	test.That(t, len(f.ErrorUndistorted), test.ShouldEqual, 3)
	test.That(t, f.InlierCount(), test.ShouldEqual, 0)
	test.That(t, f.Calibrated, test.ShouldBeFalse)

	s, err := ParseInlierState(-1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s, test.ShouldEqual, NeverDetected)
	test.That(t, s.String(), test.ShouldEqual, "never_detected")
	_, err = ParseInlierState(2)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSetCalibration(t *testing.T) {
	c := NewCamera("cam", 640, 480, nil)
	bad := mat.NewDense(3, 3, []float64{800, 0, 320, 1, 800, 240, 0, 0, 1})
	test.That(t, c.SetCalibration(bad, nil), test.ShouldNotBeNil)
	test.That(t, c.SetCalibration(mat.NewDense(2, 2, nil), nil), test.ShouldNotBeNil)
	zeroFocal := mat.NewDense(3, 3, []float64{0, 0, 320, 0, 800, 240, 0, 0, 1})
	test.That(t, c.SetCalibration(zeroFocal, nil), test.ShouldNotBeNil)
	test.That(t, c.IsCalibrated(), test.ShouldBeFalse)
	test.That(t, c.CameraMatrix(), test.ShouldBeNil)

	test.That(t, c.SetCalibration(testK(), &transform.BrownConrady{}), test.ShouldBeNil)
	test.That(t, c.HasModelDistortion, test.ShouldBeFalse)
	test.That(t, mat.Equal(c.CameraMatrix(), testK()), test.ShouldBeTrue)
	test.That(t, c.Width(), test.ShouldEqual, 640)
	test.That(t, c.Height(), test.ShouldEqual, 480)
}

func TestUncalibratedCameraIsNoop(t *testing.T) {
	c := NewCamera("cam", 640, 480, nil)
	c.ResetFrames(2, 3)
	_, ok := c.ProjectionMatrix(0)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, c.ProjectPoint(r3.Vector{X: 1, Y: 2, Z: 3}, 0), test.ShouldResemble, r2.Point{})
	pt := r2.Point{X: 12, Y: 34}
	test.That(t, c.UndistortPoint(pt, true, true, true), test.ShouldResemble, pt)
	test.That(t, c.UndistortPoint(pt, false, true, true), test.ShouldResemble, pt)
	_, ok = c.Ray(pt, 0)
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = c.CameraCenter(5)
	test.That(t, ok, test.ShouldBeFalse)
	stats, err := c.ReprojectionError(1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stats, test.ShouldResemble, ErrorStats{})
}

func TestProjection(t *testing.T) {
	c := calibratedCamera(t, nil)
	p, ok := c.ProjectionMatrix(0)
	test.That(t, ok, test.ShouldBeTrue)
	r, cols := p.Dims()
	test.That(t, r, test.ShouldEqual, 3)
	test.That(t, cols, test.ShouldEqual, 4)
	_, ok = c.ProjectionMatrix(1)
	test.That(t, ok, test.ShouldBeFalse)
	c.Frames[0].Calibrated = false
	_, ok = c.ProjectionMatrix(0)
	test.That(t, ok, test.ShouldBeFalse)
	c.Frames[0].Calibrated = true

	world := r3.Vector{X: 3, Y: -4, Z: 5}
	cam := c.Frames[0].Pose.Transform(world)
	want := r2.Point{X: 800*cam.X/cam.Z + 320, Y: 800*cam.Y/cam.Z + 240}
	got := c.ProjectPoint(world, 0)
	test.That(t, got.X, test.ShouldAlmostEqual, want.X, 1e-9)
	test.That(t, got.Y, test.ShouldAlmostEqual, want.Y, 1e-9)

	// a point on the camera plane projects to infinity
	front := NewCalibrationFrame(4)
	front.SetPose(spatialmath.Pose{Translation: r3.Vector{Z: 50}})
	c.Frames = append(c.Frames, front)
	test.That(t, c.ProjectPoint(r3.Vector{X: 1, Y: 1, Z: -50}, 1), test.ShouldResemble, r2.Point{})
	test.That(t, c.ProjectPoint(r3.Vector{}, 1), test.ShouldResemble, r2.Point{X: 320, Y: 240})

	center, ok := c.CameraCenter(0)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, c.Frames[0].Pose.Transform(center).Norm(), test.ShouldBeLessThan, 1e-9)

	ray, ok := c.Ray(got, 0)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, ray.Distance(world), test.ShouldBeLessThan, 1e-9)
}

func TestUndistortPointModelRoundTrip(t *testing.T) {
	dist := &transform.BrownConrady{RadialK1: -0.2, RadialK2: 0.05, TangentialP1: 0.001, TangentialP2: -0.002}
	c := calibratedCamera(t, dist)
	test.That(t, c.HasModelDistortion, test.ShouldBeTrue)
	for _, p := range []r2.Point{{X: 100, Y: 100}, {X: 320, Y: 240}, {X: 500, Y: 400}, {X: 600, Y: 50}} {
		d := c.UndistortPoint(p, false, true, false)
		test.That(t, c.UndistortPoint(d, true, true, false).Sub(p).Norm(), test.ShouldBeLessThan, 1e-6)
		test.That(t, c.UndistortPoint(p, false, false, false), test.ShouldResemble, p)
	}
	// the principal point is a fixed point of the model
	pp := c.UndistortPoint(r2.Point{X: 320, Y: 240}, false, true, false)
	test.That(t, pp.X, test.ShouldAlmostEqual, 320.)
	test.That(t, pp.Y, test.ShouldAlmostEqual, 240.)
}

func TestUndistortPointWithField(t *testing.T) {
	dist := &transform.BrownConrady{RadialK1: -0.1}
	c := calibratedCamera(t, dist)

	var distorted, reference []r2.Point
	for x := 0.; x <= 640; x += 40 {
		for y := 0.; y <= 480; y += 40 {
			ref := r2.Point{X: x, Y: y}
			reference = append(reference, ref)
			distorted = append(distorted, r2.Point{X: 1.01*x + 2, Y: 0.99*y - 1})
		}
	}
	c.Field = undistort.NewField(logging.NewTestLogger(t))
	test.That(t, c.Field.SetPoints(distorted, reference), test.ShouldBeNil)
	test.That(t, c.Field.Fit(), test.ShouldBeNil)

	for _, p := range []r2.Point{{X: 150, Y: 120}, {X: 320, Y: 240}, {X: 480, Y: 300}} {
		d := c.UndistortPoint(p, false, true, true)
		back := c.UndistortPoint(d, true, true, true)
		test.That(t, back.Sub(p).Norm(), test.ShouldBeLessThan, 1e-5)

		onlyField := c.UndistortPoint(p, true, false, true)
		test.That(t, onlyField.X, test.ShouldAlmostEqual, (p.X-2)/1.01, 1e-6)
		test.That(t, onlyField.Y, test.ShouldAlmostEqual, (p.Y+1)/0.99, 1e-6)
	}
}

func TestReprojectionError(t *testing.T) {
	c := calibratedCamera(t, nil)
	object := []r3.Vector{{X: 0, Y: 0, Z: 0}, {X: 5, Y: 0, Z: 0}, {X: 0, Y: 5, Z: 0}, {X: 0, Y: 0, Z: 5}}
	f := c.Frames[0]
	offsets := []r2.Point{{X: 1, Y: 0}, {X: 0, Y: 2}, {X: -3, Y: 0}, {X: 0, Y: 0}}
	for i, p := range object {
		f.Detected[i] = c.ProjectPoint(p, 0).Add(offsets[i])
		f.Inliers[i] = Inlier
	}
	f.Inliers[3] = Outlier
	test.That(t, c.UpdateFrame(0, object), test.ShouldBeNil)
	test.That(t, f.Error[0], test.ShouldAlmostEqual, 1., 1e-9)
	test.That(t, f.Error[1], test.ShouldAlmostEqual, 2., 1e-9)
	test.That(t, f.Error[3], test.ShouldEqual, 0.)
	test.That(t, f.ErrorUndistorted[2], test.ShouldAlmostEqual, 3., 1e-9)

	s, err := c.ReprojectionError(0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.Count, test.ShouldEqual, 3)
	test.That(t, s.Mean, test.ShouldAlmostEqual, 2., 1e-9)
	test.That(t, s.Max, test.ShouldAlmostEqual, 3., 1e-9)
	test.That(t, s.StdDev, test.ShouldAlmostEqual, math.Sqrt(2./3), 1e-9)

	test.That(t, c.UpdateFrame(0, object[:2]), test.ShouldNotBeNil)
	test.That(t, c.UpdateFrame(4, object), test.ShouldNotBeNil)

	c.Reset()
	test.That(t, c.IsCalibrated(), test.ShouldBeFalse)
	test.That(t, f.Calibrated, test.ShouldBeFalse)
}
