package transform

// InverseBrownConrady applies the inverse of the Brown-Conrady distortion model.
// Given distorted normalized points, it computes the undistorted points with the fixed-point
// iteration
//
//	x = (x_d - dx(x, y)) / radial(x, y)
//
// where dx is the tangential term. It converges for the moderate distortion of calibrated lenses.
type InverseBrownConrady struct {
	Model         *BrownConrady `json:"model"`
	MaxIterations int           `json:"max_iterations,omitempty"`
	Tolerance     float64       `json:"tolerance,omitempty"`
}

const (
	defaultInverseIterations = 100
	defaultInverseTolerance  = 1e-14
)

// NewInverseBrownConrady inverts the given forward model.
func NewInverseBrownConrady(model *BrownConrady) *InverseBrownConrady {
	return &InverseBrownConrady{Model: model}
}

// CheckValid checks if the fields for InverseBrownConrady have valid inputs.
func (ibc *InverseBrownConrady) CheckValid() error {
	if ibc == nil {
		return InvalidDistortionError("InverseBrownConrady shaped distortion_parameters not provided")
	}
	return ibc.Model.CheckValid()
}

// ModelType returns the type of distortion model.
func (ibc *InverseBrownConrady) ModelType() DistortionType {
	return InverseBrownConradyDistortionType
}

// Parameters returns the parameters of the forward model.
func (ibc *InverseBrownConrady) Parameters() []float64 {
	if ibc == nil {
		return []float64{}
	}
	return ibc.Model.Parameters()
}

// Transform converts distorted normalized coordinates to undistorted ones.
func (ibc *InverseBrownConrady) Transform(xd, yd float64) (float64, float64) {
	if ibc == nil || ibc.Model.IsZero() {
		return xd, yd
	}
	bc := ibc.Model
	maxIterations := ibc.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultInverseIterations
	}
	tolerance := ibc.Tolerance
	if tolerance <= 0 {
		tolerance = defaultInverseTolerance
	}

	x, y := xd, yd
	for i := 0; i < maxIterations; i++ {
		r2 := x*x + y*y
		r4 := r2 * r2
		r6 := r4 * r2
		icdist := (1 + bc.RadialK4*r2 + bc.RadialK5*r4 + bc.RadialK6*r6) /
			(1 + bc.RadialK1*r2 + bc.RadialK2*r4 + bc.RadialK3*r6)
		deltaX := 2*bc.TangentialP1*x*y + bc.TangentialP2*(r2+2*x*x)
		deltaY := bc.TangentialP1*(r2+2*y*y) + 2*bc.TangentialP2*x*y
		nx := (xd - deltaX) * icdist
		ny := (yd - deltaY) * icdist
		step := (nx-x)*(nx-x) + (ny-y)*(ny-y)
		x, y = nx, ny
		if step < tolerance*tolerance {
			break
		}
	}
	return x, y
}
