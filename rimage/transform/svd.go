package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrNotEnoughPoints is returned when a solver receives fewer points than it needs.
var ErrNotEnoughPoints = errors.New("not enough points")

// ErrDegenerateConfiguration is returned when the points do not constrain the solution.
var ErrDegenerateConfiguration = errors.New("degenerate point configuration")

// nullSpaceTolerance is the relative singular value under which a direction counts as null.
const nullSpaceTolerance = 1e-10

// matsSVD stores the matrices from SVD decomposition.
type matsSVD struct {
	U      *mat.Dense
	V      *mat.Dense
	VT     *mat.Dense
	S      *mat.Dense
	Values []float64
}

// performSVD performs SVD on inputMatrix and returns matrices U, Sigma and V from the decomposition.
func performSVD(inputMatrix mat.Matrix) (*matsSVD, error) {
	var svd mat.SVD
	if ok := svd.Factorize(inputMatrix, mat.SVDFull); !ok {
		return nil, errors.New("failed to factorize matrix")
	}
	u, v, vt := &mat.Dense{}, &mat.Dense{}, &mat.Dense{}
	svd.UTo(u)
	svd.VTo(v)
	vt.CloneFrom(v.T())
	singularValues := svd.Values(nil)
	sigma := mat.DenseCopyOf(mat.NewDiagDense(len(singularValues), singularValues))
	return &matsSVD{U: u, V: v, VT: vt, S: sigma, Values: singularValues}, nil
}

// nullVector returns the right singular vector of the smallest singular value of a, which
// minimizes |a*x| with |x| = 1. It fails when the null space has more than one dimension.
func nullVector(a *mat.Dense) ([]float64, error) {
	rows, cols := a.Dims()
	if rows < cols-1 {
		return nil, ErrNotEnoughPoints
	}
	mats, err := performSVD(a)
	if err != nil {
		return nil, err
	}
	values := mats.Values
	// with fewer rows than columns gonum returns min(rows, cols) values
	if len(values) >= cols-1 && values[0] > 0 && values[cols-2] <= nullSpaceTolerance*values[0] {
		return nil, ErrDegenerateConfiguration
	}
	out := make([]float64, cols)
	for i := range out {
		out[i] = mats.V.At(i, cols-1)
	}
	return out, nil
}

// nearestRotation projects a 3x3 matrix onto SO(3) (U*V^T), flipping the sign when the
// determinant is negative.
func nearestRotation(m mat.Matrix) (*mat.Dense, error) {
	mats, err := performSVD(m)
	if err != nil {
		return nil, err
	}
	var r mat.Dense
	r.Mul(mats.U, mats.VT)
	if mat.Det(&r) < 0 {
		d := mat.NewDiagDense(3, []float64{1, 1, -1})
		r.Product(mats.U, d, mats.VT)
	}
	return &r, nil
}

// normalizePoints normalizes points as described in Multiple View Geometry, Alg 4.2.
func normalizePoints(pts []r2.Point) ([]r2.Point, *mat.Dense) {
	nPoints := len(pts)
	mu := r2.Point{}
	for _, pt := range pts {
		mu = mu.Add(pt)
	}
	mu = mu.Mul(1. / float64(nPoints))
	d := 0.0
	for _, pt := range pts {
		d += pt.Sub(mu).Norm() / float64(nPoints)
	}
	scale := 1.0
	if d > 0 {
		scale = math.Sqrt(2) / d
	}
	T := mat.NewDense(3, 3, []float64{
		scale, 0, -scale * mu.X,
		0, scale, -scale * mu.Y,
		0, 0, 1,
	})
	pointsTransformed := make([]r2.Point, nPoints)
	for i := range pointsTransformed {
		pointsTransformed[i] = pts[i].Sub(mu).Mul(scale)
	}
	return pointsTransformed, T
}

// normalizePoints3D centers 3D points and scales them to mean distance sqrt(3).
func normalizePoints3D(pts []r3.Vector) ([]r3.Vector, *mat.Dense) {
	nPoints := len(pts)
	var mu r3.Vector
	for _, pt := range pts {
		mu = mu.Add(pt)
	}
	mu = mu.Mul(1. / float64(nPoints))
	d := 0.0
	for _, pt := range pts {
		d += pt.Sub(mu).Norm() / float64(nPoints)
	}
	scale := 1.0
	if d > 0 {
		scale = math.Sqrt(3) / d
	}
	T := mat.NewDense(4, 4, []float64{
		scale, 0, 0, -scale * mu.X,
		0, scale, 0, -scale * mu.Y,
		0, 0, scale, -scale * mu.Z,
		0, 0, 0, 1,
	})
	out := make([]r3.Vector, nPoints)
	for i := range out {
		out[i] = pts[i].Sub(mu).Mul(scale)
	}
	return out, T
}

// eye create an identity matrix of size nxn.
func eye(n int) *mat.Dense {
	if n <= 0 {
		return nil
	}
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}
