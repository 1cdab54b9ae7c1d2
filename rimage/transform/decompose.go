package transform

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/xromm/mocapcore/spatialmath"
)

// DegenerateValue is stored in the raw decomposition for a focal term whose discriminant was
// not positive.
const DegenerateValue = -999.0

// Degeneracy flags the intrinsic terms that could not be extracted from a projection matrix.
type Degeneracy int

const (
	// NotDegenerate means every intrinsic was recovered.
	NotDegenerate Degeneracy = 0
	// DegenerateFocalX is set when ku - u0² - g² <= 0.
	DegenerateFocalX Degeneracy = 1 << 0
	// DegenerateFocalY is set when kv - v0² <= 0.
	DegenerateFocalY Degeneracy = 1 << 1
)

func (d Degeneracy) String() string {
	switch d {
	case NotDegenerate:
		return "none"
	case DegenerateFocalX:
		return "focal_x"
	case DegenerateFocalY:
		return "focal_y"
	case DegenerateFocalX | DegenerateFocalY:
		return "focal_x|focal_y"
	default:
		return fmt.Sprintf("degeneracy(%d)", int(d))
	}
}

// Decomposition is P = K[R|t] split into its factors. When Degeneracy is not NotDegenerate only
// the raw terms are meaningful and K and Pose are nil / zero.
type Decomposition struct {
	// raw closed form terms, -999 for degenerate focal terms
	A, B, Skew, U0, V0 float64
	Degeneracy         Degeneracy
	K                  *mat.Dense
	Pose               spatialmath.Pose
}

// Intrinsics returns the decomposed camera matrix as intrinsics of the given image size.
func (d *Decomposition) Intrinsics(width, height int) (*PinholeCameraIntrinsics, error) {
	if d.Degeneracy != NotDegenerate {
		return nil, errors.Errorf("degenerate decomposition (%s)", d.Degeneracy)
	}
	return NewPinholeCameraIntrinsicsFromMatrix(d.K, width, height), nil
}

// DecomposeProjectionMatrix extracts K, R and t from a 3x4 projection matrix in closed form.
// With M the left 3x3 block scaled so its third row has unit norm, M*M^T = K*K^T gives
//
//	u0 = k13, v0 = k23
//	b  = sqrt(kv - v0²)
//	g  = (k12 - u0*v0) / b
//	a  = sqrt(ku - u0² - g²)
//
// then R = K^-1 M and t = K^-1 p4, both negated if det(R) < 0, and R is projected onto SO(3).
func DecomposeProjectionMatrix(p mat.Matrix) (*Decomposition, error) {
	rows, cols := p.Dims()
	if rows != 3 || cols != 4 {
		return nil, errors.Errorf("expected a 3x4 projection matrix, got %dx%d", rows, cols)
	}
	m := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, p.At(i, j))
		}
	}
	p4 := mat.NewVecDense(3, []float64{p.At(0, 3), p.At(1, 3), p.At(2, 3)})

	s := mat.Norm(m.Slice(2, 3, 0, 3), 2)
	if s == 0 {
		return nil, errors.Wrap(ErrDegenerateConfiguration, "projection matrix has a zero third row")
	}
	m.Scale(1/s, m)
	p4.ScaleVec(1/s, p4)

	var bbt mat.Dense
	bbt.Mul(m, m.T())
	u0 := bbt.At(0, 2)
	v0 := bbt.At(1, 2)
	ku := bbt.At(0, 0)
	kv := bbt.At(1, 1)
	k12 := bbt.At(0, 1)

	d := &Decomposition{U0: u0, V0: v0}
	if disc := kv - v0*v0; disc > 0 {
		d.B = math.Sqrt(disc)
		d.Skew = (k12 - u0*v0) / d.B
	} else {
		d.B = DegenerateValue
		d.Degeneracy |= DegenerateFocalY
	}
	if disc := ku - u0*u0 - d.Skew*d.Skew; disc > 0 {
		d.A = math.Sqrt(disc)
	} else {
		d.A = DegenerateValue
		d.Degeneracy |= DegenerateFocalX
	}
	if d.Degeneracy != NotDegenerate {
		return d, nil
	}

	k := mat.NewDense(3, 3, []float64{
		d.A, d.Skew, u0,
		0, d.B, v0,
		0, 0, 1,
	})
	var kinv mat.Dense
	if err := kinv.Inverse(k); err != nil {
		return nil, errors.Wrap(err, "camera matrix is singular")
	}
	var r mat.Dense
	r.Mul(&kinv, m)
	var t mat.VecDense
	t.MulVec(&kinv, p4)
	if mat.Det(&r) < 0 {
		r.Scale(-1, &r)
		t.ScaleVec(-1, &t)
	}
	rot, err := nearestRotation(&r)
	if err != nil {
		return nil, err
	}
	d.K = k
	d.Pose = spatialmath.NewPoseFromMatrix(
		spatialmath.RotationMatrixFromDense(rot),
		r3.Vector{X: t.AtVec(0), Y: t.AtVec(1), Z: t.AtVec(2)},
	)
	return d, nil
}
