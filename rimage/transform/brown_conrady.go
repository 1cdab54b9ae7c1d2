package transform

import (
	"math"

	"github.com/pkg/errors"
)

// NumDistortionCoefficients is the number of Brown-Conrady coefficients stored per camera.
const NumDistortionCoefficients = 8

// BrownConrady is the rational radial + tangential lens model:
//
//	r² = x² + y²
//	radial = (1 + k1*r² + k2*r⁴ + k3*r⁶) / (1 + k4*r² + k5*r⁴ + k6*r⁶)
//	x_d = x*radial + 2*p1*x*y + p2*(r² + 2*x²)
//	y_d = y*radial + p1*(r² + 2*y²) + 2*p2*x*y
//
// Transform maps undistorted normalized coordinates to distorted ones.
type BrownConrady struct {
	RadialK1     float64 `json:"rk1"`
	RadialK2     float64 `json:"rk2"`
	TangentialP1 float64 `json:"tp1"`
	TangentialP2 float64 `json:"tp2"`
	RadialK3     float64 `json:"rk3"`
	RadialK4     float64 `json:"rk4"`
	RadialK5     float64 `json:"rk5"`
	RadialK6     float64 `json:"rk6"`
}

// NewBrownConrady takes the coefficients in file order (k1, k2, p1, p2, k3, k4, k5, k6). Missing
// trailing values are zero.
func NewBrownConrady(inp []float64) (*BrownConrady, error) {
	if len(inp) > NumDistortionCoefficients {
		return nil, errors.Errorf("list of parameters too long, expected max %d, got %d", NumDistortionCoefficients, len(inp))
	}
	var p [NumDistortionCoefficients]float64
	copy(p[:], inp)
	return &BrownConrady{p[0], p[1], p[2], p[3], p[4], p[5], p[6], p[7]}, nil
}

// ModelType returns the type of distortion model.
func (bc *BrownConrady) ModelType() DistortionType {
	return BrownConradyDistortionType
}

// CheckValid checks if the fields for BrownConrady have valid inputs.
func (bc *BrownConrady) CheckValid() error {
	if bc == nil {
		return InvalidDistortionError("BrownConrady shaped distortion_parameters not provided")
	}
	for _, v := range bc.Parameters() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return InvalidDistortionError("coefficients must be finite")
		}
	}
	return nil
}

// Parameters returns the coefficients in file order.
func (bc *BrownConrady) Parameters() []float64 {
	if bc == nil {
		return []float64{}
	}
	return []float64{
		bc.RadialK1, bc.RadialK2, bc.TangentialP1, bc.TangentialP2,
		bc.RadialK3, bc.RadialK4, bc.RadialK5, bc.RadialK6,
	}
}

// IsZero is true when the model is the identity.
func (bc *BrownConrady) IsZero() bool {
	if bc == nil {
		return true
	}
	for _, v := range bc.Parameters() {
		if v != 0 {
			return false
		}
	}
	return true
}

// Transform distorts undistorted normalized coordinates.
func (bc *BrownConrady) Transform(x, y float64) (float64, float64) {
	if bc == nil {
		return x, y
	}
	r2 := x*x + y*y
	r4 := r2 * r2
	r6 := r4 * r2
	radial := (1 + bc.RadialK1*r2 + bc.RadialK2*r4 + bc.RadialK3*r6) /
		(1 + bc.RadialK4*r2 + bc.RadialK5*r4 + bc.RadialK6*r6)
	xd := x*radial + 2*bc.TangentialP1*x*y + bc.TangentialP2*(r2+2*x*x)
	yd := y*radial + bc.TangentialP1*(r2+2*y*y) + 2*bc.TangentialP2*x*y
	return xd, yd
}
