package transform

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// View is one observation of a 3D point: the projection matrix of the camera and the
// undistorted pixel position.
type View struct {
	P     mat.Matrix
	Point r2.Point
}

// TriangulatePoint computes the 3D point seen by at least two views with the linear method: each
// view adds the rows v*p3 - p2 and p1 - u*p3 and the point is the null vector of the stack.
func TriangulatePoint(views []View) (r3.Vector, error) {
	if len(views) < 2 {
		return r3.Vector{}, errors.Wrap(ErrNotEnoughPoints, "triangulation needs at least 2 views")
	}
	a := mat.NewDense(2*len(views), 4, nil)
	for i, v := range views {
		for j := 0; j < 4; j++ {
			p1, p2, p3 := v.P.At(0, j), v.P.At(1, j), v.P.At(2, j)
			a.Set(2*i, j, v.Point.Y*p3-p2)
			a.Set(2*i+1, j, p1-v.Point.X*p3)
		}
	}
	mats, err := performSVD(a)
	if err != nil {
		return r3.Vector{}, err
	}
	w := mats.V.At(3, 3)
	if w == 0 {
		return r3.Vector{}, errors.Wrap(ErrDegenerateConfiguration, "triangulated point at infinity")
	}
	return r3.Vector{X: mats.V.At(0, 3) / w, Y: mats.V.At(1, 3) / w, Z: mats.V.At(2, 3) / w}, nil
}

// TriangulationError returns the mean pixel distance between the views and the projections of pt.
func TriangulationError(views []View, pt r3.Vector) float64 {
	if len(views) == 0 {
		return 0
	}
	var sum float64
	for _, v := range views {
		proj, ok := ProjectWithMatrix(v.P, pt)
		if !ok {
			continue
		}
		sum += proj.Sub(v.Point).Norm()
	}
	return sum / float64(len(views))
}

// RefineTriangulatedPoint minimizes the summed squared reprojection error of pt over all views
// with BFGS.
func RefineTriangulatedPoint(views []View, pt r3.Vector) (r3.Vector, error) {
	f := func(x []float64) float64 {
		var sum float64
		p := r3.Vector{X: x[0], Y: x[1], Z: x[2]}
		for _, v := range views {
			proj, ok := ProjectWithMatrix(v.P, p)
			if !ok {
				continue
			}
			d := proj.Sub(v.Point)
			sum += d.Dot(d)
		}
		return sum
	}
	problem := optimize.Problem{
		Func: f,
		Grad: func(grad, x []float64) {
			fd.Gradient(grad, f, x, &fd.Settings{Formula: fd.Central})
		},
	}
	settings := &optimize.Settings{
		MajorIterations: 200,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-12,
			Relative:   1e-12,
			Iterations: 5,
		},
	}
	result, err := optimize.Minimize(problem, []float64{pt.X, pt.Y, pt.Z}, settings, &optimize.BFGS{})
	if err != nil {
		// the best location found so far is still returned when the iteration limit is hit
		if result == nil || result.F > f([]float64{pt.X, pt.Y, pt.Z}) {
			return pt, errors.Wrap(err, "triangulation refinement failed")
		}
	}
	return r3.Vector{X: result.X[0], Y: result.X[1], Z: result.X[2]}, nil
}
