package transform

import (
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// MinHomographyPoints is the number of correspondences a homography needs.
const MinHomographyPoints = 4

// Homography is a 3x3 projective transform of the plane.
type Homography struct {
	matrix *mat.Dense
}

// NewHomography wraps a row major 3x3 matrix.
func NewHomography(vals []float64) (*Homography, error) {
	if len(vals) != 9 {
		return nil, errors.Errorf("input to NewHomography must have length of 9. Has length of %v", len(vals))
	}
	return &Homography{mat.NewDense(3, 3, append([]float64{}, vals...))}, nil
}

// At returns the value of the homography at the given row and column.
func (h *Homography) At(row, col int) float64 {
	return h.matrix.At(row, col)
}

// Matrix returns a copy of the homography.
func (h *Homography) Matrix() *mat.Dense {
	return mat.DenseCopyOf(h.matrix)
}

// Apply will transform the given point according to the homography. ok is false when the point
// maps to infinity.
func (h *Homography) Apply(pt r2.Point) (r2.Point, bool) {
	x := h.At(0, 0)*pt.X + h.At(0, 1)*pt.Y + h.At(0, 2)
	y := h.At(1, 0)*pt.X + h.At(1, 1)*pt.Y + h.At(1, 2)
	z := h.At(2, 0)*pt.X + h.At(2, 1)*pt.Y + h.At(2, 2)
	if z == 0 {
		return r2.Point{}, false
	}
	return r2.Point{X: x / z, Y: y / z}, true
}

// Inverse inverts the homography.
func (h *Homography) Inverse() (*Homography, error) {
	var hInv mat.Dense
	if err := hInv.Inverse(h.matrix); err != nil {
		return nil, errors.Wrap(err, "homography is not invertible")
	}
	return &Homography{&hInv}, nil
}

// EstimateHomography computes H with dst ~ H*src from at least four correspondences (normalized
// DLT on the 2n x 9 system). H is scaled so that H[2][2] = 1 when possible.
func EstimateHomography(src, dst []r2.Point) (*Homography, error) {
	if len(src) != len(dst) {
		return nil, errors.Errorf("point count mismatch %d != %d", len(src), len(dst))
	}
	if len(src) < MinHomographyPoints {
		return nil, errors.Wrapf(ErrNotEnoughPoints, "homography needs %d points, got %d", MinHomographyPoints, len(src))
	}
	ns, ts := normalizePoints(src)
	nd, td := normalizePoints(dst)
	a := mat.NewDense(2*len(ns), 9, nil)
	for i := range ns {
		X, Y := ns[i].X, ns[i].Y
		x, y := nd[i].X, nd[i].Y
		a.SetRow(2*i, []float64{X, Y, 1, 0, 0, 0, -x * X, -x * Y, -x})
		a.SetRow(2*i+1, []float64{0, 0, 0, X, Y, 1, -y * X, -y * Y, -y})
	}
	hv, err := nullVector(a)
	if err != nil {
		return nil, errors.Wrap(err, "cannot solve homography")
	}
	var tdInv mat.Dense
	if err := tdInv.Inverse(td); err != nil {
		return nil, errors.Wrap(err, "cannot invert normalization")
	}
	var hm mat.Dense
	hm.Product(&tdInv, mat.NewDense(3, 3, hv), ts)
	if s := hm.At(2, 2); s != 0 {
		hm.Scale(1/s, &hm)
	}
	return &Homography{&hm}, nil
}
