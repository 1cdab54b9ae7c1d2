package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
)

// MaxContinuousRotationJump is the largest angle allowed between consecutive rotation vectors
// before the equivalent vector on the other side of the double cover is substituted.
const MaxContinuousRotationJump = 150 * math.Pi / 180

// EquivalentRotationVector returns -v/|v| * (2pi - |v|), the same rotation expressed with the
// opposite axis.
func EquivalentRotationVector(v r3.Vector) r3.Vector {
	n := v.Norm()
	if n == 0 {
		return v
	}
	return v.Mul(-(2*math.Pi - n) / n)
}

// AngleBetweenVectors returns the angle between the directions of two vectors, zero if either
// is zero.
func AngleBetweenVectors(a, b r3.Vector) float64 {
	na, nb := a.Norm(), b.Norm()
	if na == 0 || nb == 0 {
		return 0
	}
	c := a.Dot(b) / (na * nb)
	return math.Acos(math.Max(-1, math.Min(1, c)))
}

// MakeRotationsContinuous rewrites rotation vectors in place so that no two consecutive valid
// entries differ by more than MaxContinuousRotationJump. Entries with valid[i] false are skipped
// and do not break the chain. It returns the number of substitutions made.
func MakeRotationsContinuous(rvecs []r3.Vector, valid []bool) int {
	changed := 0
	prev := -1
	for i := range rvecs {
		if i < len(valid) && !valid[i] {
			continue
		}
		if prev >= 0 && AngleBetweenVectors(rvecs[prev], rvecs[i]) > MaxContinuousRotationJump {
			rvecs[i] = EquivalentRotationVector(rvecs[i])
			changed++
		}
		prev = i
	}
	return changed
}
