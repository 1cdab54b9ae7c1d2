package transform

import "github.com/pkg/errors"

// DistortionType names a lens distortion model.
type DistortionType string

const (
	// BrownConradyDistortionType is the 8 coefficient rational radial + tangential model
	// (k1, k2, p1, p2, k3, k4, k5, k6).
	BrownConradyDistortionType = DistortionType("brown_conrady")
	// RadialDistortionType is the polynomial radial model (k1, k2, k3) without tangential terms.
	RadialDistortionType = DistortionType("radial")
	// InverseBrownConradyDistortionType removes Brown-Conrady distortion iteratively.
	InverseBrownConradyDistortionType = DistortionType("inverse_brown_conrady")
)

// Distorter is a transform on normalized image coordinates (x = (u - ppx) / fx).
type Distorter interface {
	ModelType() DistortionType
	CheckValid() error
	Parameters() []float64
	Transform(x, y float64) (float64, float64)
}

// InvalidDistortionError is used when the distortion coefficients are invalid.
func InvalidDistortionError(msg string) error {
	return errors.Wrap(errors.New("invalid distortion coefficients"), msg)
}

// LensModel builds the forward Brown-Conrady model of a camera from a configured model name.
// An empty name means brown_conrady. Radial coefficients are placed at k1, k2 and k3.
func LensModel(distortionType DistortionType, parameters []float64) (*BrownConrady, error) {
	switch distortionType {
	case "", BrownConradyDistortionType:
		return NewBrownConrady(parameters)
	case RadialDistortionType:
		if len(parameters) > 3 {
			return nil, InvalidDistortionError("radial model takes at most 3 coefficients")
		}
		var k [3]float64
		copy(k[:], parameters)
		return &BrownConrady{RadialK1: k[0], RadialK2: k[1], RadialK3: k[2]}, nil
	default:
		return nil, errors.Errorf("%q is not a lens model", distortionType)
	}
}

// NewDistorter returns a Distorter given a DistortionType and its parameters. The inverse model
// takes the coefficients of the Brown-Conrady model it removes.
func NewDistorter(distortionType DistortionType, parameters []float64) (Distorter, error) {
	if distortionType == InverseBrownConradyDistortionType {
		bc, err := NewBrownConrady(parameters)
		if err != nil {
			return nil, err
		}
		return NewInverseBrownConrady(bc), nil
	}
	return LensModel(distortionType, parameters)
}
