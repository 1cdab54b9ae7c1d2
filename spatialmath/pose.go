package spatialmath

import (
	"fmt"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Pose is a rigid transform x' = R*x + T with R given as a Rodrigues rotation vector. It is the
// extrinsic of a camera frame (world to camera) and the pose of a rigid body (body to world).
type Pose struct {
	Rotation    r3.Vector `json:"rotation"`
	Translation r3.Vector `json:"translation"`
}

// NewZeroPose returns the identity transform.
func NewZeroPose() Pose {
	return Pose{}
}

// NewPoseFromMatrix builds a pose from a rotation matrix and a translation.
func NewPoseFromMatrix(rm *RotationMatrix, t r3.Vector) Pose {
	return Pose{Rotation: rm.RotationVector(), Translation: t}
}

// RotationMatrix returns R.
func (p Pose) RotationMatrix() *RotationMatrix {
	return RotationVectorToMatrix(p.Rotation)
}

// Transform applies the pose to a point.
func (p Pose) Transform(pt r3.Vector) r3.Vector {
	return p.RotationMatrix().MulVec(pt).Add(p.Translation)
}

// Invert returns the inverse transform.
func (p Pose) Invert() Pose {
	rt := p.RotationMatrix().Transpose()
	return Pose{Rotation: p.Rotation.Mul(-1), Translation: rt.MulVec(p.Translation).Mul(-1)}
}

// Compose returns the pose equivalent to applying b then a.
func Compose(a, b Pose) Pose {
	ra := a.RotationMatrix()
	r := ra.Mul(b.RotationMatrix())
	return Pose{Rotation: r.RotationVector(), Translation: ra.MulVec(b.Translation).Add(a.Translation)}
}

// Matrix34 returns [R|t] as a 3x4 Dense.
func (p Pose) Matrix34() *mat.Dense {
	rm := p.RotationMatrix()
	out := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Set(i, j, rm.At(i, j))
		}
	}
	out.Set(0, 3, p.Translation.X)
	out.Set(1, 3, p.Translation.Y)
	out.Set(2, 3, p.Translation.Z)
	return out
}

// AlmostEqual compares rotation angle and translation distance against the given tolerances.
func (p Pose) AlmostEqual(other Pose, angleTol, distTol float64) bool {
	return RotationAngleBetween(p.Rotation, other.Rotation) <= angleTol &&
		p.Translation.Sub(other.Translation).Norm() <= distTol
}

func (p Pose) String() string {
	return fmt.Sprintf("{rvec: [%.6f %.6f %.6f], t: [%.6f %.6f %.6f]}",
		p.Rotation.X, p.Rotation.Y, p.Rotation.Z, p.Translation.X, p.Translation.Y, p.Translation.Z)
}
