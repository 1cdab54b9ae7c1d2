package undistort

import (
	"image"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"github.com/xromm/mocapcore/rimage/transform"
)

// DefaultReferenceSupport is the number of grid points nearest the center used to estimate the
// undistorted grid.
const DefaultReferenceSupport = 9

// EstimateReference computes undistorted reference positions for a detected grid. Distortion is
// smallest at the center, so a homography from grid indices to pixels is fit on the support
// points nearest center and every grid index is mapped through it.
func EstimateReference(distorted []r2.Point, grid []image.Point, center r2.Point, support int) ([]r2.Point, error) {
	return estimateReference(distorted, grid, nil, center, support)
}

// estimateReference is EstimateReference drawing the support from inliers only; a nil mask
// accepts every point.
func estimateReference(
	distorted []r2.Point, grid []image.Point, inliers []bool, center r2.Point, support int,
) ([]r2.Point, error) {
	if len(distorted) != len(grid) {
		return nil, errors.Errorf("point count mismatch %d != %d", len(distorted), len(grid))
	}
	order := make([]int, 0, len(distorted))
	for i := range distorted {
		if inliers == nil || inliers[i] {
			order = append(order, i)
		}
	}
	if support < transform.MinHomographyPoints {
		support = DefaultReferenceSupport
	}
	if len(order) < support {
		support = len(order)
	}
	if support < transform.MinHomographyPoints {
		return nil, errors.Wrap(transform.ErrNotEnoughPoints, "reference estimation")
	}
	sort.SliceStable(order, func(a, b int) bool {
		return distorted[order[a]].Sub(center).Norm() < distorted[order[b]].Sub(center).Norm()
	})
	src := make([]r2.Point, support)
	dst := make([]r2.Point, support)
	for i := 0; i < support; i++ {
		g := grid[order[i]]
		src[i] = r2.Point{X: float64(g.X), Y: float64(g.Y)}
		dst[i] = distorted[order[i]]
	}
	h, err := transform.EstimateHomography(src, dst)
	if err != nil {
		return nil, err
	}
	out := make([]r2.Point, len(grid))
	for i, g := range grid {
		p, ok := h.Apply(r2.Point{X: float64(g.X), Y: float64(g.Y)})
		if !ok {
			return nil, errors.Errorf("grid index %v maps to infinity", g)
		}
		out[i] = p
	}
	return out, nil
}
