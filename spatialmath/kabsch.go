package spatialmath

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrDegeneratePoints is returned when the point sets cannot determine a rotation.
var ErrDegeneratePoints = errors.New("need at least 3 non-collinear corresponding points")

// collinearTolerance is relative to the largest singular value of the cross covariance.
const collinearTolerance = 1e-12

// Centroid returns the mean of the points.
func Centroid(pts []r3.Vector) r3.Vector {
	var c r3.Vector
	for _, p := range pts {
		c = c.Add(p)
	}
	if len(pts) == 0 {
		return c
	}
	return c.Mul(1 / float64(len(pts)))
}

// FitRigidTransform finds the pose minimizing sum |dst_i - (R*src_i + t)|^2 (Kabsch / Procrustes).
// The cross covariance K = sum y_i x_i^T of the centered sets is decomposed as U S V^T and the
// rotation is U diag(1, 1, det(U)det(V)) V^T so that reflections are never returned.
func FitRigidTransform(src, dst []r3.Vector) (Pose, error) {
	if len(src) != len(dst) {
		return Pose{}, errors.Errorf("point count mismatch %d != %d", len(src), len(dst))
	}
	if len(src) < 3 {
		return Pose{}, ErrDegeneratePoints
	}
	cs := Centroid(src)
	cd := Centroid(dst)

	k := mat.NewDense(3, 3, nil)
	for i := range src {
		x := src[i].Sub(cs)
		y := dst[i].Sub(cd)
		ya := [3]float64{y.X, y.Y, y.Z}
		xa := [3]float64{x.X, x.Y, x.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				k.Set(r, c, k.At(r, c)+ya[r]*xa[c])
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(k, mat.SVDFull); !ok {
		return Pose{}, errors.New("failed to factorize cross covariance")
	}
	values := svd.Values(nil)
	if values[0] == 0 || values[1] <= collinearTolerance*values[0] {
		return Pose{}, ErrDegeneratePoints
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	d := mat.NewDiagDense(3, []float64{1, 1, mat.Det(&u) * mat.Det(&v)})
	var r mat.Dense
	r.Product(&u, d, v.T())

	rm := RotationMatrixFromDense(&r)
	t := cd.Sub(rm.MulVec(cs))
	return NewPoseFromMatrix(rm, t), nil
}

// FitRigidTransformWithError fits the transform and returns the RMS residual distance.
func FitRigidTransformWithError(src, dst []r3.Vector) (Pose, float64, error) {
	pose, err := FitRigidTransform(src, dst)
	if err != nil {
		return Pose{}, 0, err
	}
	return pose, RigidTransformError(pose, src, dst), nil
}

// RigidTransformError returns the RMS distance between pose(src_i) and dst_i.
func RigidTransformError(pose Pose, src, dst []r3.Vector) float64 {
	if len(src) == 0 {
		return 0
	}
	rm := pose.RotationMatrix()
	var sum float64
	for i := range src {
		sum += rm.MulVec(src[i]).Add(pose.Translation).Sub(dst[i]).Norm2()
	}
	return sqrt(sum / float64(len(src)))
}
