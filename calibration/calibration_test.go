package calibration

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/xromm/mocapcore/camera"
	"github.com/xromm/mocapcore/logging"
	"github.com/xromm/mocapcore/rimage/transform"
	"github.com/xromm/mocapcore/spatialmath"
)

func testK() *mat.Dense {
	return mat.NewDense(3, 3, []float64{800, 0, 320, 0, 800, 240, 0, 0, 1})
}

func cubeObject() *Object {
	return NewObject([]r3.Vector{
		{X: 0, Y: 0, Z: 0}, {X: 40, Y: 0, Z: 0}, {X: 0, Y: 40, Z: 0}, {X: 40, Y: 40, Z: 0},
		{X: 0, Y: 0, Z: 40}, {X: 40, Y: 0, Z: 40}, {X: 0, Y: 40, Z: 40}, {X: 40, Y: 40, Z: 40},
		{X: 20, Y: 0, Z: 20}, {X: 0, Y: 20, Z: 10}, {X: 20, Y: 40, Z: 30}, {X: 40, Y: 20, Z: 10},
	})
}

// lookAt returns a pose that rotates by rvec and puts center at depth on the optical axis.
func lookAt(rvec, center r3.Vector, depth float64) spatialmath.Pose {
	rm := spatialmath.RotationVectorToMatrix(rvec)
	return spatialmath.Pose{Rotation: rvec, Translation: r3.Vector{Z: depth}.Sub(rm.MulVec(center))}
}

// syntheticFrame images obj with noise, appends outlier blobs and shuffles them. It returns the
// blob index of every object point.
func syntheticFrame(
	t *testing.T, cam *camera.Camera, obj *Object, pose spatialmath.Pose, noise float64, outliers []r2.Point,
) []int {
	t.Helper()
	rng := rand.New(rand.NewSource(3))
	p := transform.ProjectionMatrix(testK(), pose.Matrix34())
	var blobs []r2.Point
	for _, pt := range obj.Points {
		px, ok := transform.ProjectWithMatrix(p, pt)
		test.That(t, ok, test.ShouldBeTrue)
		blobs = append(blobs, px.Add(r2.Point{X: rng.NormFloat64() * noise, Y: rng.NormFloat64() * noise}))
	}
	blobs = append(blobs, outliers...)
	perm := rng.Perm(len(blobs))
	shuffled := make([]r2.Point, len(blobs))
	truth := make([]int, obj.Len())
	for from, to := range perm {
		shuffled[to] = blobs[from]
		if from < obj.Len() {
			truth[from] = to
		}
	}
	cam.ResetFrames(1, obj.Len())
	cam.Frames[0].Blobs = shuffled
	return truth
}

var cornerOutliers = []r2.Point{{X: 30, Y: 30}, {X: 610, Y: 30}, {X: 30, Y: 450}, {X: 610, Y: 450}}

func TestObjectPlanarity(t *testing.T) {
	test.That(t, NewObject([]r3.Vector{{X: 0, Y: 0, Z: 0}, {X: 1, Y: 0, Z: 0}, {X: 0, Y: 1, Z: 0}, {X: 1, Y: 1, Z: 0}}).Planar, test.ShouldBeTrue)
	test.That(t, NewObject([]r3.Vector{{X: 5, Y: 0, Z: 0}, {X: 5, Y: 1, Z: 0}, {X: 5, Y: 0, Z: 1}, {X: 5, Y: 3, Z: 3}}).Planar, test.ShouldBeTrue)
	// planar but not axis aligned
	test.That(t, NewObject([]r3.Vector{{X: 0, Y: 0, Z: 0}, {X: 1, Y: 0, Z: -1}, {X: 0, Y: 1, Z: 0}, {X: 1, Y: 1, Z: -1}}).Planar, test.ShouldBeFalse)
	test.That(t, cubeObject().Planar, test.ShouldBeFalse)
	test.That(t, NewObject(nil).Planar, test.ShouldBeFalse)

	board, err := NewCheckerboardObject(Checkerboard{Rows: 3, Cols: 4, Spacing: 10})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, board.Len(), test.ShouldEqual, 12)
	test.That(t, board.Planar, test.ShouldBeTrue)
	test.That(t, board.Points[5], test.ShouldResemble, r3.Vector{X: 10, Y: 10})
	_, err = NewCheckerboardObject(Checkerboard{Rows: 1, Cols: 4, Spacing: 10})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestLoadObject(t *testing.T) {
	dir := t.TempDir()
	objPath := filepath.Join(dir, "cube.csv")
	refPath := filepath.Join(dir, "refs.txt")
	test.That(t, os.WriteFile(objPath, []byte("white\n0,0,0\n1,0,0\n0,1,0\n0,0,1\n"), 0o600), test.ShouldBeNil)
	test.That(t, os.WriteFile(refPath, []byte("1 origin\n4 top\n"), 0o600), test.ShouldBeNil)

	obj, err := LoadObject(objPath, refPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, obj.Len(), test.ShouldEqual, 4)
	test.That(t, obj.WhiteBlobs, test.ShouldBeTrue)
	test.That(t, obj.Planar, test.ShouldBeFalse)
	test.That(t, obj.Name(0), test.ShouldEqual, "origin")
	test.That(t, obj.Name(3), test.ShouldEqual, "top")
	test.That(t, obj.Name(1), test.ShouldEqual, "")

	test.That(t, os.WriteFile(refPath, []byte("9 missing\n"), 0o600), test.ShouldBeNil)
	_, err = LoadObject(objPath, refPath)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSetCorrespondencesMutualExclusion(t *testing.T) {
	obj := NewObject([]r3.Vector{{X: 100, Y: 100, Z: 0}, {X: 103, Y: 100, Z: 0}})
	cam := camera.NewCamera("cam", 640, 480, nil)
	cam.ResetFrames(1, 2)
	cam.Frames[0].Blobs = []r2.Point{{X: 102, Y: 100}, {X: 110, Y: 100}}
	c, err := NewRobustCalibrator(obj, cam, 0, DefaultSettings(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	// maps (X, Y, Z) to pixel (X, Y)
	p := mat.NewDense(3, 4, []float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 1})
	test.That(t, c.SetCorrespondences(p, 5), test.ShouldResemble, []int{-1, 0})
	test.That(t, c.SetCorrespondences(p, 10), test.ShouldResemble, []int{1, 0})
	test.That(t, c.SetCorrespondences(p, 0.5), test.ShouldResemble, []int{-1, -1})
}

func TestConcreteScenarioZeroThreshold(t *testing.T) {
	obj := NewObject([]r3.Vector{
		{X: -10, Y: -10, Z: 0}, {X: 10, Y: -10, Z: 0}, {X: 10, Y: 10, Z: 8}, {X: -10, Y: 10, Z: 5}, {X: 0, Y: 0, Z: 10}, {X: 5, Y: -5, Z: -5},
	})
	pose := spatialmath.Pose{Translation: r3.Vector{Z: 50}}
	p := transform.ProjectionMatrix(testK(), pose.Matrix34())

	cam := camera.NewCamera("cam", 640, 480, logging.NewTestLogger(t))
	cam.ResetFrames(1, obj.Len())
	for _, pt := range obj.Points {
		px, ok := transform.ProjectWithMatrix(p, pt)
		test.That(t, ok, test.ShouldBeTrue)
		cam.Frames[0].Blobs = append(cam.Frames[0].Blobs, px)
	}
	c, err := NewRobustCalibrator(obj, cam, 0, DefaultSettings(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	for _, threshold := range []float64{0, 0.5, 10} {
		test.That(t, c.SetCorrespondences(p, threshold), test.ShouldResemble, []int{0, 1, 2, 3, 4, 5})
	}

	test.That(t, c.SetInlierCorrespondences(FullCalibration, []int{0, 1, 2, 3, 4, 5}), test.ShouldBeNil)
	test.That(t, c.CalibrateFromInliers(context.Background()), test.ShouldBeNil)
	res := c.Result()
	test.That(t, res.Success, test.ShouldBeTrue)
	test.That(t, res.Decomposition.Degeneracy, test.ShouldEqual, transform.NotDegenerate)
	test.That(t, mat.EqualApprox(res.Decomposition.K, testK(), 1e-6), test.ShouldBeTrue)
	test.That(t, res.Intrinsics.Fx, test.ShouldAlmostEqual, 800, 1e-6)
	test.That(t, res.Intrinsics.Ppy, test.ShouldAlmostEqual, 240, 1e-6)
	test.That(t, res.Pose.AlmostEqual(pose, 1e-8, 1e-6), test.ShouldBeTrue)

	test.That(t, c.Apply(), test.ShouldBeNil)
	test.That(t, cam.IsCalibrated(), test.ShouldBeTrue)
	test.That(t, cam.Frames[0].InlierCount(), test.ShouldEqual, 6)
	stats, err := cam.ReprojectionError(0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stats.Max, test.ShouldBeLessThan, 1e-6)
}

func TestNotEnoughInliers(t *testing.T) {
	obj := cubeObject()
	cam := camera.NewCamera("cam", 640, 480, nil)
	syntheticFrame(t, cam, obj, lookAt(r3.Vector{X: 0.1}, r3.Vector{X: 20, Y: 20, Z: 20}, 160), 0, nil)
	c, err := NewRobustCalibrator(obj, cam, 0, DefaultSettings(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, c.CalibrateFromInliers(context.Background()), test.ShouldNotBeNil)
	match := []int{0, 1, 2, 3, 4, -1, -1, -1, -1, -1, -1, -1}
	test.That(t, c.SetInlierCorrespondences(FullCalibration, match), test.ShouldBeNil)
	err = c.CalibrateFromInliers(context.Background())
	test.That(t, errors.Is(err, ErrNotEnoughInliers), test.ShouldBeTrue)
	test.That(t, c.Result().Success, test.ShouldBeFalse)

	cam.Frames[0].SetPose(spatialmath.Pose{Translation: r3.Vector{Z: 1}})
	test.That(t, c.Apply(), test.ShouldBeNil)
	test.That(t, cam.Frames[0].Calibrated, test.ShouldBeFalse)
	test.That(t, cam.Frames[0].Inliers[0], test.ShouldEqual, camera.Inlier)
	test.That(t, cam.Frames[0].Inliers[6], test.ShouldEqual, camera.NeverDetected)
	test.That(t, cam.IsCalibrated(), test.ShouldBeFalse)

	test.That(t, c.SetInlierCorrespondences(FullCalibration, match[:3]), test.ShouldNotBeNil)
	err = c.SetupCorrespondencesRansacPose(context.Background())
	test.That(t, errors.Is(err, transform.ErrNoIntrinsics), test.ShouldBeTrue)
}

func TestRansacFullCalibration(t *testing.T) {
	logger := logging.NewTestLogger(t)
	obj := cubeObject()
	cam := camera.NewCamera("cam", 640, 480, logger)
	truePose := lookAt(r3.Vector{X: 0.1, Y: -0.2, Z: 0.05}, r3.Vector{X: 20, Y: 20, Z: 20}, 160)
	truth := syntheticFrame(t, cam, obj, truePose, 0.1, cornerOutliers)

	c, err := NewRobustCalibrator(obj, cam, 0, DefaultSettings(), logger)
	test.That(t, err, test.ShouldBeNil)
	for _, i := range []int{0, 1, 2, 4} {
		test.That(t, c.AddSeed(i, cam.Frames[0].Blobs[truth[i]]), test.ShouldBeNil)
	}
	test.That(t, c.AddSeed(99, r2.Point{}), test.ShouldNotBeNil)
	test.That(t, c.trialBudget(), test.ShouldEqual, 1000000/256)

	test.That(t, c.Run(context.Background(), FullCalibration), test.ShouldBeNil)
	res := c.Result()
	test.That(t, res.Success, test.ShouldBeTrue)
	test.That(t, res.Inliers(), test.ShouldEqual, obj.Len())
	test.That(t, res.Correspondences, test.ShouldResemble, truth)
	test.That(t, res.RMS, test.ShouldBeLessThan, 0.5)
	test.That(t, res.Intrinsics.Fx, test.ShouldAlmostEqual, 800, 40)
	test.That(t, res.Intrinsics.Fy, test.ShouldAlmostEqual, 800, 40)
	test.That(t, res.Intrinsics.Ppx, test.ShouldAlmostEqual, 320, 25)
	test.That(t, res.Intrinsics.Ppy, test.ShouldAlmostEqual, 240, 25)

	test.That(t, c.Apply(), test.ShouldBeNil)
	test.That(t, cam.IsCalibrated(), test.ShouldBeTrue)
	test.That(t, cam.Frames[0].Calibrated, test.ShouldBeTrue)
	stats, err := cam.ReprojectionError(0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stats.Count, test.ShouldEqual, obj.Len())
	test.That(t, stats.Max, test.ShouldBeLessThan, DefaultSettings().OutlierThreshold)
}

func TestRansacFullCalibrationPlanar(t *testing.T) {
	logger := logging.NewTestLogger(t)
	board, err := NewCheckerboardObject(Checkerboard{Rows: 3, Cols: 3, Spacing: 30})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, board.Planar, test.ShouldBeTrue)
	cam := camera.NewCamera("cam", 640, 480, logger)
	truePose := lookAt(r3.Vector{X: 0.35, Y: -0.3, Z: 0.1}, r3.Vector{X: 30, Y: 30}, 180)
	truth := syntheticFrame(t, cam, board, truePose, 0, cornerOutliers)

	c, err := NewRobustCalibrator(board, cam, 0, DefaultSettings(), logger)
	test.That(t, err, test.ShouldBeNil)
	for _, i := range []int{0, 1, 2, 3, 5, 7} {
		test.That(t, c.AddSeed(i, cam.Frames[0].Blobs[truth[i]]), test.ShouldBeNil)
	}
	test.That(t, c.sampleSize(FullCalibration), test.ShouldEqual, 6)

	test.That(t, c.Run(context.Background(), FullCalibration), test.ShouldBeNil)
	res := c.Result()
	test.That(t, res.Success, test.ShouldBeTrue)
	test.That(t, res.Correspondences, test.ShouldResemble, truth)
	test.That(t, res.Decomposition, test.ShouldBeNil)
	test.That(t, res.RMS, test.ShouldBeLessThan, 1e-3)
	test.That(t, res.Intrinsics.Fx, test.ShouldAlmostEqual, 800, 0.01)
	test.That(t, res.Intrinsics.Fy, test.ShouldAlmostEqual, 800, 0.01)
	test.That(t, res.Intrinsics.Ppx, test.ShouldEqual, 320)
	test.That(t, res.Intrinsics.Ppy, test.ShouldEqual, 240)
	test.That(t, res.Pose.AlmostEqual(truePose, 1e-5, 1e-3), test.ShouldBeTrue)

	test.That(t, c.Apply(), test.ShouldBeNil)
	test.That(t, cam.IsCalibrated(), test.ShouldBeTrue)
	test.That(t, cam.Frames[0].InlierCount(), test.ShouldEqual, 9)

	// a board facing the camera fixes no focal length
	flat := camera.NewCamera("flat", 640, 480, logger)
	truth = syntheticFrame(t, flat, board, lookAt(r3.Vector{}, r3.Vector{X: 30, Y: 30}, 180), 0, nil)
	c, err = NewRobustCalibrator(board, flat, 0, DefaultSettings(), logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.SetInlierCorrespondences(FullCalibration, truth), test.ShouldBeNil)
	err = c.CalibrateFromInliers(context.Background())
	test.That(t, errors.Is(err, transform.ErrDegenerateConfiguration), test.ShouldBeTrue)
	test.That(t, c.Result().Success, test.ShouldBeFalse)
}

func TestRansacWithoutSeeds(t *testing.T) {
	logger := logging.NewTestLogger(t)
	obj := NewObject([]r3.Vector{
		{X: -10, Y: -10, Z: 0}, {X: 10, Y: -10, Z: 0}, {X: 10, Y: 10, Z: 8}, {X: -10, Y: 10, Z: 5}, {X: 0, Y: 0, Z: 10}, {X: 5, Y: -5, Z: -5},
	})
	cam := camera.NewCamera("cam", 640, 480, logger)
	truePose := lookAt(r3.Vector{X: -0.1, Y: 0.15}, r3.Vector{}, 60)
	truth := syntheticFrame(t, cam, obj, truePose, 0, nil)

	settings := Settings{MaxTrials: 20000, MinTrials: 1000, Threshold: 2, RefineThreshold: 2, OutlierThreshold: 1, Seed: 7}
	c, err := NewRobustCalibrator(obj, cam, 0, settings, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.trialBudget(), test.ShouldEqual, 20000)

	test.That(t, c.Run(context.Background(), FullCalibration), test.ShouldBeNil)
	res := c.Result()
	test.That(t, res.Success, test.ShouldBeTrue)
	test.That(t, res.Correspondences, test.ShouldResemble, truth)
	test.That(t, res.Intrinsics.Fx, test.ShouldAlmostEqual, 800, 1e-3)
	test.That(t, res.Intrinsics.Ppx, test.ShouldAlmostEqual, 320, 1e-3)
	test.That(t, res.Pose.AlmostEqual(truePose, 1e-6, 1e-4), test.ShouldBeTrue)
}

func TestRansacHalfOutliers(t *testing.T) {
	logger := logging.NewTestLogger(t)
	obj := cubeObject()
	cam := camera.NewCamera("cam", 640, 480, logger)
	rng := rand.New(rand.NewSource(11))
	outliers := make([]r2.Point, obj.Len())
	for i := range outliers {
		outliers[i] = r2.Point{X: 20 + rng.Float64()*600, Y: 20 + rng.Float64()*440}
	}
	truePose := lookAt(r3.Vector{X: -0.15, Y: 0.1, Z: 0.2}, r3.Vector{X: 20, Y: 20, Z: 20}, 170)
	truth := syntheticFrame(t, cam, obj, truePose, 0.1, outliers)
	test.That(t, len(cam.Frames[0].Blobs), test.ShouldEqual, 2*obj.Len())

	c, err := NewRobustCalibrator(obj, cam, 0, DefaultSettings(), logger)
	test.That(t, err, test.ShouldBeNil)
	for _, i := range []int{0, 1, 2, 4, 7} {
		test.That(t, c.AddSeed(i, cam.Frames[0].Blobs[truth[i]]), test.ShouldBeNil)
	}
	test.That(t, c.trialBudget(), test.ShouldEqual, DefaultSettings().MinTrials)

	test.That(t, c.Run(context.Background(), FullCalibration), test.ShouldBeNil)
	res := c.Result()
	test.That(t, res.Success, test.ShouldBeTrue)
	test.That(t, res.Inliers(), test.ShouldEqual, obj.Len())
	test.That(t, res.Correspondences, test.ShouldResemble, truth)
	test.That(t, res.RMS, test.ShouldBeLessThan, 0.5)
	test.That(t, res.Intrinsics.Fx, test.ShouldAlmostEqual, 800, 40)
}

func TestRansacPoseOnly(t *testing.T) {
	logger := logging.NewTestLogger(t)
	board, err := NewCheckerboardObject(Checkerboard{Rows: 3, Cols: 3, Spacing: 30})
	test.That(t, err, test.ShouldBeNil)
	cam := camera.NewCamera("cam", 640, 480, logger)
	test.That(t, cam.SetCalibration(testK(), nil), test.ShouldBeNil)
	truePose := lookAt(r3.Vector{X: 0.2, Y: 0.1}, r3.Vector{X: 30, Y: 30}, 150)
	truth := syntheticFrame(t, cam, board, truePose, 0.1, cornerOutliers[:3])

	c, err := NewRobustCalibrator(board, cam, 0, DefaultSettings(), logger)
	test.That(t, err, test.ShouldBeNil)
	for _, i := range []int{0, 2, 6} {
		test.That(t, c.AddSeed(i, cam.Frames[0].Blobs[truth[i]]), test.ShouldBeNil)
	}
	test.That(t, c.sampleSize(PoseOnly), test.ShouldEqual, 5)

	scheduler := NewScheduler(logger)
	var results []TaskResult
	scheduler.OnDone(func(r TaskResult) { results = append(results, r) })
	scheduler.Submit(context.Background(), "pose", CalibrationTask(c, PoseOnly))
	scheduler.Wait()

	test.That(t, len(results), test.ShouldEqual, 1)
	test.That(t, results[0].Err, test.ShouldBeNil)
	res := c.Result()
	test.That(t, res.Mode, test.ShouldEqual, PoseOnly)
	test.That(t, res.Correspondences, test.ShouldResemble, truth)
	test.That(t, res.Pose.AlmostEqual(truePose, 0.01, 0.5), test.ShouldBeTrue)
	test.That(t, cam.Frames[0].Calibrated, test.ShouldBeTrue)
	test.That(t, cam.Frames[0].InlierCount(), test.ShouldEqual, 9)
	test.That(t, mat.Equal(cam.CameraMatrix(), testK()), test.ShouldBeTrue)
}

func TestRansacCancelled(t *testing.T) {
	obj := cubeObject()
	cam := camera.NewCamera("cam", 640, 480, nil)
	syntheticFrame(t, cam, obj, lookAt(r3.Vector{}, r3.Vector{X: 20, Y: 20, Z: 20}, 160), 0, nil)
	c, err := NewRobustCalibrator(obj, cam, 0, DefaultSettings(), nil)
	test.That(t, err, test.ShouldBeNil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	test.That(t, c.SetupCorrespondencesRansac(ctx), test.ShouldEqual, context.Canceled)
}
