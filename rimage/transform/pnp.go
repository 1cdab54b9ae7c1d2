package transform

import (
	"context"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/xromm/mocapcore/logging"
	"github.com/xromm/mocapcore/optimization"
	"github.com/xromm/mocapcore/spatialmath"
)

// planarTolerance is the smallest/largest singular value ratio under which a point set counts
// as planar.
const planarTolerance = 1e-9

// IsPlanar reports whether the points lie on a plane.
func IsPlanar(pts []r3.Vector) bool {
	if len(pts) < 4 {
		return true
	}
	_, _, values := planeBasis(pts)
	return values[0] == 0 || values[2] <= planarTolerance*values[0]
}

// planeBasis returns the centroid, the world to plane rotation (rows e1, e2, e1 x e2) and the
// singular values of the centered points.
func planeBasis(pts []r3.Vector) (r3.Vector, *spatialmath.RotationMatrix, []float64) {
	c := spatialmath.Centroid(pts)
	a := mat.NewDense(len(pts), 3, nil)
	for i, p := range pts {
		d := p.Sub(c)
		a.SetRow(i, []float64{d.X, d.Y, d.Z})
	}
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return c, spatialmath.IdentityRotation(), []float64{0, 0, 0}
	}
	var v mat.Dense
	svd.VTo(&v)
	e1 := r3.Vector{X: v.At(0, 0), Y: v.At(1, 0), Z: v.At(2, 0)}
	e2 := r3.Vector{X: v.At(0, 1), Y: v.At(1, 1), Z: v.At(2, 1)}
	e3 := e1.Cross(e2)
	values := svd.Values(nil)
	for len(values) < 3 {
		values = append(values, 0)
	}
	return c, spatialmath.NewRotationMatrix([]float64{
		e1.X, e1.Y, e1.Z,
		e2.X, e2.Y, e2.Z,
		e3.X, e3.Y, e3.Z,
	}), values
}

// SolvePnP estimates the world to camera pose from 3D points and their undistorted pixel
// positions. Planar targets (4+ points) go through a plane homography, other targets (6+
// points) through a DLT on normalized coordinates.
func SolvePnP(intrinsics *PinholeCameraIntrinsics, pts3d []r3.Vector, pts2d []r2.Point) (spatialmath.Pose, error) {
	if intrinsics == nil {
		return spatialmath.Pose{}, NewNoIntrinsicsError("pose estimation needs intrinsics")
	}
	if len(pts3d) != len(pts2d) {
		return spatialmath.Pose{}, errors.Errorf("point count mismatch %d != %d", len(pts3d), len(pts2d))
	}
	normalized := make([]r2.Point, len(pts2d))
	for i, p := range pts2d {
		normalized[i] = intrinsics.PixelToNormalized(p)
	}
	if IsPlanar(pts3d) {
		return planarPose(pts3d, normalized)
	}
	return dltPose(pts3d, normalized)
}

func dltPose(pts3d []r3.Vector, normalized []r2.Point) (spatialmath.Pose, error) {
	p, err := ComputeProjectionMatrixDLT(pts3d, normalized)
	if err != nil {
		return spatialmath.Pose{}, err
	}
	mats, err := performSVD(p.Slice(0, 3, 0, 3))
	if err != nil {
		return spatialmath.Pose{}, err
	}
	scale := (mats.Values[0] + mats.Values[1] + mats.Values[2]) / 3
	var r mat.Dense
	r.Mul(mats.U, mats.VT)
	t := r3.Vector{X: p.At(0, 3), Y: p.At(1, 3), Z: p.At(2, 3)}.Mul(1 / scale)
	if mat.Det(&r) < 0 {
		r.Scale(-1, &r)
		t = t.Mul(-1)
	}
	return spatialmath.NewPoseFromMatrix(spatialmath.RotationMatrixFromDense(&r), t), nil
}

func planarPose(pts3d []r3.Vector, normalized []r2.Point) (spatialmath.Pose, error) {
	if len(pts3d) < MinHomographyPoints {
		return spatialmath.Pose{}, errors.Wrapf(ErrNotEnoughPoints, "planar pose needs %d points", MinHomographyPoints)
	}
	c, toPlane, values := planeBasis(pts3d)
	if values[1] <= planarTolerance*values[0] {
		return spatialmath.Pose{}, errors.Wrap(ErrDegenerateConfiguration, "points are collinear")
	}
	local := make([]r2.Point, len(pts3d))
	for i, p := range pts3d {
		l := toPlane.MulVec(p.Sub(c))
		local[i] = r2.Point{X: l.X, Y: l.Y}
	}
	h, err := EstimateHomography(local, normalized)
	if err != nil {
		return spatialmath.Pose{}, err
	}
	h1 := r3.Vector{X: h.At(0, 0), Y: h.At(1, 0), Z: h.At(2, 0)}
	h2 := r3.Vector{X: h.At(0, 1), Y: h.At(1, 1), Z: h.At(2, 1)}
	h3 := r3.Vector{X: h.At(0, 2), Y: h.At(1, 2), Z: h.At(2, 2)}
	lambda := 2 / (h1.Norm() + h2.Norm())
	if h3.Z < 0 {
		lambda = -lambda
	}
	r1 := h1.Mul(lambda)
	r2v := h2.Mul(lambda)
	t := h3.Mul(lambda)
	r3v := r1.Cross(r2v)
	approx := mat.NewDense(3, 3, []float64{
		r1.X, r2v.X, r3v.X,
		r1.Y, r2v.Y, r3v.Y,
		r1.Z, r2v.Z, r3v.Z,
	})
	rp, err := nearestRotation(approx)
	if err != nil {
		return spatialmath.Pose{}, err
	}
	planeToCam := spatialmath.NewPoseFromMatrix(spatialmath.RotationMatrixFromDense(rp), t)
	worldToPlane := spatialmath.NewPoseFromMatrix(toPlane, toPlane.MulVec(c).Mul(-1))
	return spatialmath.Compose(planeToCam, worldToPlane), nil
}

// RefinePose minimizes the pixel reprojection error of a world to camera pose with
// Levenberg-Marquardt.
func RefinePose(
	ctx context.Context,
	intrinsics *PinholeCameraIntrinsics,
	pts3d []r3.Vector,
	pts2d []r2.Point,
	initial spatialmath.Pose,
	logger logging.Logger,
) (spatialmath.Pose, float64, error) {
	if len(pts3d) < 3 || len(pts3d) != len(pts2d) {
		return initial, 0, errors.Wrap(ErrNotEnoughPoints, "pose refinement needs 3 matching points")
	}
	problem := optimization.Problem{
		NumParams:    6,
		NumResiduals: 2 * len(pts3d),
		Residuals: func(dst, x []float64) {
			pose := spatialmath.Pose{
				Rotation:    r3.Vector{X: x[0], Y: x[1], Z: x[2]},
				Translation: r3.Vector{X: x[3], Y: x[4], Z: x[5]},
			}
			rm := pose.RotationMatrix()
			for i, p := range pts3d {
				pc := rm.MulVec(p).Add(pose.Translation)
				px, ok := intrinsics.PointToPixel(pc)
				if !ok {
					dst[2*i], dst[2*i+1] = math.MaxFloat32, math.MaxFloat32
					continue
				}
				dst[2*i] = px.X - pts2d[i].X
				dst[2*i+1] = px.Y - pts2d[i].Y
			}
		},
	}
	x0 := []float64{
		initial.Rotation.X, initial.Rotation.Y, initial.Rotation.Z,
		initial.Translation.X, initial.Translation.Y, initial.Translation.Z,
	}
	res, err := optimization.NewLevenbergMarquardt(optimization.DefaultSettings(), logger).Minimize(ctx, problem, x0)
	if err != nil {
		return initial, 0, err
	}
	x := res.X
	return spatialmath.Pose{
		Rotation:    r3.Vector{X: x[0], Y: x[1], Z: x[2]},
		Translation: r3.Vector{X: x[3], Y: x[4], Z: x[5]},
	}, math.Sqrt(res.Cost / float64(len(pts3d))), nil
}
