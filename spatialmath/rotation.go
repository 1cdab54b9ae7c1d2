package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// RotationMatrix is a 3x3 matrix in row major order.
// m_{ij} = mat[3*i+j].
type RotationMatrix struct {
	mat [9]float64
}

// NewRotationMatrix creates the rotation matrix from a row major slice of nine values.
func NewRotationMatrix(m []float64) *RotationMatrix {
	var rm RotationMatrix
	copy(rm.mat[:], m)
	return &rm
}

// IdentityRotation returns the identity rotation.
func IdentityRotation() *RotationMatrix {
	return &RotationMatrix{mat: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}}
}

// RotationMatrixFromDense copies the top-left 3x3 block of m.
func RotationMatrixFromDense(m mat.Matrix) *RotationMatrix {
	var rm RotationMatrix
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rm.mat[3*i+j] = m.At(i, j)
		}
	}
	return &rm
}

// At returns the value stored at row i, column j.
func (rm *RotationMatrix) At(i, j int) float64 {
	return rm.mat[3*i+j]
}

// Row returns row i as a vector.
func (rm *RotationMatrix) Row(i int) r3.Vector {
	return r3.Vector{X: rm.mat[3*i], Y: rm.mat[3*i+1], Z: rm.mat[3*i+2]}
}

// Col returns column j as a vector.
func (rm *RotationMatrix) Col(j int) r3.Vector {
	return r3.Vector{X: rm.mat[j], Y: rm.mat[3+j], Z: rm.mat[6+j]}
}

// Dense returns the matrix as a gonum Dense.
func (rm *RotationMatrix) Dense() *mat.Dense {
	return mat.NewDense(3, 3, append([]float64{}, rm.mat[:]...))
}

// Transpose returns the transpose, which is the inverse rotation.
func (rm *RotationMatrix) Transpose() *RotationMatrix {
	var t RotationMatrix
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t.mat[3*j+i] = rm.mat[3*i+j]
		}
	}
	return &t
}

// Mul returns rm * other.
func (rm *RotationMatrix) Mul(other *RotationMatrix) *RotationMatrix {
	var out RotationMatrix
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var s float64
			for k := 0; k < 3; k++ {
				s += rm.mat[3*i+k] * other.mat[3*k+j]
			}
			out.mat[3*i+j] = s
		}
	}
	return &out
}

// MulVec rotates v.
func (rm *RotationMatrix) MulVec(v r3.Vector) r3.Vector {
	return r3.Vector{X: rm.Row(0).Dot(v), Y: rm.Row(1).Dot(v), Z: rm.Row(2).Dot(v)}
}

// Det returns the determinant.
func (rm *RotationMatrix) Det() float64 {
	return rm.Row(0).Dot(rm.Row(1).Cross(rm.Row(2)))
}

// Quaternion converts the matrix to a unit quaternion (Shepperd's method).
func (rm *RotationMatrix) Quaternion() quat.Number {
	m := rm.mat
	tr := m[0] + m[4] + m[8]
	var q quat.Number
	switch {
	case tr > 0:
		s := 0.5 / math.Sqrt(tr+1)
		q = quat.Number{Real: 0.25 / s, Imag: (m[7] - m[5]) * s, Jmag: (m[2] - m[6]) * s, Kmag: (m[3] - m[1]) * s}
	case m[0] > m[4] && m[0] > m[8]:
		s := 2 * math.Sqrt(1+m[0]-m[4]-m[8])
		q = quat.Number{Real: (m[7] - m[5]) / s, Imag: 0.25 * s, Jmag: (m[1] + m[3]) / s, Kmag: (m[2] + m[6]) / s}
	case m[4] > m[8]:
		s := 2 * math.Sqrt(1+m[4]-m[0]-m[8])
		q = quat.Number{Real: (m[2] - m[6]) / s, Imag: (m[1] + m[3]) / s, Jmag: 0.25 * s, Kmag: (m[5] + m[7]) / s}
	default:
		s := 2 * math.Sqrt(1+m[8]-m[0]-m[4])
		q = quat.Number{Real: (m[3] - m[1]) / s, Imag: (m[2] + m[6]) / s, Jmag: (m[5] + m[7]) / s, Kmag: 0.25 * s}
	}
	return q
}

// RotationVector returns the Rodrigues vector of the rotation.
func (rm *RotationMatrix) RotationVector() r3.Vector {
	return QuatToR3AA(rm.Quaternion())
}

// RotationVectorToMatrix is the exponential map (Rodrigues' formula).
func RotationVectorToMatrix(v r3.Vector) *RotationMatrix {
	theta := v.Norm()
	if theta < 1e-15 {
		// first order: I + [v]x
		return &RotationMatrix{mat: [9]float64{
			1, -v.Z, v.Y,
			v.Z, 1, -v.X,
			-v.Y, v.X, 1,
		}}
	}
	k := v.Mul(1 / theta)
	s, c := math.Sincos(theta)
	cc := 1 - c
	return &RotationMatrix{mat: [9]float64{
		c + k.X*k.X*cc, k.X*k.Y*cc - k.Z*s, k.X*k.Z*cc + k.Y*s,
		k.Y*k.X*cc + k.Z*s, c + k.Y*k.Y*cc, k.Y*k.Z*cc - k.X*s,
		k.Z*k.X*cc - k.Y*s, k.Z*k.Y*cc + k.X*s, c + k.Z*k.Z*cc,
	}}
}

// SkewSymmetric returns [v]x, the cross product matrix of v.
func SkewSymmetric(v r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}

// RotationAngleBetween returns the angle of the relative rotation between two rotation vectors.
func RotationAngleBetween(a, b r3.Vector) float64 {
	rel := RotationVectorToMatrix(a).Transpose().Mul(RotationVectorToMatrix(b))
	return rel.RotationVector().Norm()
}
