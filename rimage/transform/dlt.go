package transform

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// MinDLTPoints is the number of correspondences a full projection matrix needs.
const MinDLTPoints = 6

// ComputeProjectionMatrixDLT estimates the 3x4 matrix P with x ~ P*X from 2D-3D correspondences
// using the direct linear transform: the unit null vector of the 2n x 12 system
//
//	[X Y Z 1 0 0 0 0 -uX -uY -uZ -u]
//	[0 0 0 0 X Y Z 1 -vX -vY -vZ -v]
//
// Coordinates are normalized first (Hartley) and the result is denormalized and scaled so that
// the third row of the left 3x3 block has unit norm.
func ComputeProjectionMatrixDLT(pts3d []r3.Vector, pts2d []r2.Point) (*mat.Dense, error) {
	if len(pts3d) != len(pts2d) {
		return nil, errors.Errorf("point count mismatch %d != %d", len(pts3d), len(pts2d))
	}
	if len(pts3d) < MinDLTPoints {
		return nil, errors.Wrapf(ErrNotEnoughPoints, "DLT needs %d points, got %d", MinDLTPoints, len(pts3d))
	}
	n2, t2 := normalizePoints(pts2d)
	n3, t3 := normalizePoints3D(pts3d)

	a := mat.NewDense(2*len(n3), 12, nil)
	for i := range n3 {
		X, Y, Z := n3[i].X, n3[i].Y, n3[i].Z
		u, v := n2[i].X, n2[i].Y
		a.SetRow(2*i, []float64{X, Y, Z, 1, 0, 0, 0, 0, -u * X, -u * Y, -u * Z, -u})
		a.SetRow(2*i+1, []float64{0, 0, 0, 0, X, Y, Z, 1, -v * X, -v * Y, -v * Z, -v})
	}
	h, err := nullVector(a)
	if err != nil {
		return nil, errors.Wrap(err, "cannot solve DLT")
	}
	pn := mat.NewDense(3, 4, h)

	var t2inv mat.Dense
	if err := t2inv.Inverse(t2); err != nil {
		return nil, errors.Wrap(err, "cannot invert normalization")
	}
	var p mat.Dense
	p.Product(&t2inv, pn, t3)
	return normalizeProjectionMatrix(&p), nil
}

// normalizeProjectionMatrix scales p so that the third row of its left 3x3 block has unit norm
// and that block has a positive determinant, which gives points in front of the camera a
// positive depth.
func normalizeProjectionMatrix(p *mat.Dense) *mat.Dense {
	s := mat.Norm(p.Slice(2, 3, 0, 3), 2)
	if s == 0 {
		return p
	}
	if mat.Det(p.Slice(0, 3, 0, 3)) < 0 {
		s = -s
	}
	p.Scale(1/s, p)
	return p
}

// ReprojectionErrors returns |project(P, X_i) - x_i| per point, -1 for points that cannot be
// projected.
func ReprojectionErrors(p mat.Matrix, pts3d []r3.Vector, pts2d []r2.Point) []float64 {
	out := make([]float64, len(pts3d))
	for i := range pts3d {
		proj, ok := ProjectWithMatrix(p, pts3d[i])
		if !ok {
			out[i] = -1
			continue
		}
		out[i] = proj.Sub(pts2d[i]).Norm()
	}
	return out
}
