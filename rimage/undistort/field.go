// Package undistort implements the local weighted mean (LWM) lens distortion model: a
// non-parametric map fit from a detected calibration grid, used for image intensifiers whose
// distortion is not well described by a radial polynomial.
package undistort

import (
	"image"
	"math"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"github.com/xromm/mocapcore/logging"
	"github.com/xromm/mocapcore/rimage/transform"
)

const (
	// DefaultNeighborCount is the number of grid points each local polynomial is fit to.
	DefaultNeighborCount = 12
	// MinNeighborCount is the smallest neighbourhood that constrains a quadratic.
	MinNeighborCount = 6

	refineMaxIterations = 100
	refineTolerance     = 1e-6
)

// ErrNotFitted is returned by operations that need a fitted field.
var ErrNotFitted = errors.New("undistortion field is not fitted")

// Field is a pair of LWM maps fit on the same grid: forward maps distorted pixels to undistorted
// ones and inverse maps undistorted pixels back. The inverse map is the reference for refined
// transforms, so TransformPoint with refinement round trips exactly up to the refinement
// tolerance.
type Field struct {
	logger        logging.Logger
	NeighborCount int
	// ReferenceSupport is the number of grid points nearest the center the reference grid is
	// estimated from. Only used for fields built with SetGrid.
	ReferenceSupport int

	distorted []r2.Point
	reference []r2.Point
	grid      []image.Point
	inliers   []bool

	center    r2.Point
	hasCenter bool

	forward []ControlPoint
	inverse []ControlPoint

	needsRecalibration bool

	remapMu sync.Mutex
	remap   *Remap
}

// NewField returns an empty field.
func NewField(logger logging.Logger) *Field {
	if logger == nil {
		logger = logging.NewBlankLogger("undistort")
	}
	return &Field{logger: logger, NeighborCount: DefaultNeighborCount, ReferenceSupport: DefaultReferenceSupport}
}

// SetPoints replaces the grid: detected (distorted) points and their undistorted reference
// positions. All points start as inliers.
func (f *Field) SetPoints(distorted, reference []r2.Point) error {
	if len(distorted) != len(reference) {
		return errors.Errorf("point count mismatch %d != %d", len(distorted), len(reference))
	}
	f.setDistorted(distorted)
	f.reference = append([]r2.Point{}, reference...)
	f.grid = nil
	return nil
}

// SetGrid replaces the grid with detected points and their row/column indices. The reference
// positions are estimated on every Fit from the inliers nearest the center, so moving the center
// changes both maps. Without a center the centroid of the detections is used.
func (f *Field) SetGrid(distorted []r2.Point, grid []image.Point) error {
	if len(distorted) != len(grid) {
		return errors.Errorf("point count mismatch %d != %d", len(distorted), len(grid))
	}
	f.setDistorted(distorted)
	f.grid = append([]image.Point{}, grid...)
	f.reference = nil
	return nil
}

func (f *Field) setDistorted(distorted []r2.Point) {
	f.distorted = append([]r2.Point{}, distorted...)
	f.inliers = make([]bool, len(distorted))
	for i := range f.inliers {
		f.inliers[i] = true
	}
	f.needsRecalibration = true
}

// estimateReference rebuilds the reference grid of a SetGrid field around its center.
func (f *Field) estimateReference() error {
	center, ok := f.Center()
	if !ok {
		for _, p := range f.distorted {
			center = center.Add(p)
		}
		center = center.Mul(1 / float64(len(f.distorted)))
	}
	ref, err := estimateReference(f.distorted, f.grid, f.inliers, center, f.ReferenceSupport)
	if err != nil {
		return errors.Wrap(err, "estimating reference grid")
	}
	f.reference = ref
	return nil
}

// Distorted returns the grid points in distorted space.
func (f *Field) Distorted() []r2.Point {
	return f.distorted
}

// Reference returns the undistorted grid positions.
func (f *Field) Reference() []r2.Point {
	return f.reference
}

// Inliers returns the inlier mask of the grid.
func (f *Field) Inliers() []bool {
	return f.inliers
}

// SetInlier changes the membership of one grid point and flags the field for recalibration.
func (f *Field) SetInlier(i int, inlier bool) {
	if i < 0 || i >= len(f.inliers) || f.inliers[i] == inlier {
		return
	}
	f.inliers[i] = inlier
	f.needsRecalibration = true
}

// SetCenter marks the point of minimal distortion.
func (f *Field) SetCenter(pt r2.Point) {
	if f.hasCenter && f.center == pt {
		return
	}
	f.center = pt
	f.hasCenter = true
	f.needsRecalibration = true
}

// Center returns the center and whether one was set.
func (f *Field) Center() (r2.Point, bool) {
	return f.center, f.hasCenter
}

// NeedsRecalibration is true when the grid, inliers or center changed since the last fit.
func (f *Field) NeedsRecalibration() bool {
	return f.needsRecalibration
}

// IsFitted is true once both maps exist.
func (f *Field) IsFitted() bool {
	return len(f.forward) > 0 && len(f.inverse) > 0
}

// ForwardControlPoints returns the distorted to undistorted control points.
func (f *Field) ForwardControlPoints() []ControlPoint {
	return f.forward
}

// InverseControlPoints returns the undistorted to distorted control points.
func (f *Field) InverseControlPoints() []ControlPoint {
	return f.inverse
}

// Fit fits the forward and inverse maps on the inlier grid points.
func (f *Field) Fit() error {
	k := f.NeighborCount
	if k == 0 {
		k = DefaultNeighborCount
	}
	if k < MinNeighborCount {
		return errors.Errorf("neighbor count %d below minimum %d", k, MinNeighborCount)
	}
	if f.grid != nil {
		if len(f.distorted) == 0 {
			return errors.Wrap(transform.ErrNotEnoughPoints, "empty grid")
		}
		if err := f.estimateReference(); err != nil {
			return err
		}
	}
	forward, err := fitLocalMaps(f.distorted, f.reference, f.inliers, k)
	if err != nil {
		return errors.Wrap(err, "fitting forward map")
	}
	inverse, err := fitLocalMaps(f.reference, f.distorted, f.inliers, k)
	if err != nil {
		return errors.Wrap(err, "fitting inverse map")
	}
	f.forward = forward
	f.inverse = inverse
	f.needsRecalibration = false
	f.remapMu.Lock()
	f.remap = nil
	f.remapMu.Unlock()
	f.logger.Debugw("fitted undistortion field", "control_points", len(forward), "neighbors", k, "center", f.center)
	return nil
}

// TransformLWM applies one of the maps. ok is false when no control point covers pt.
func (f *Field) TransformLWM(pt r2.Point, toUndistorted bool) (r2.Point, bool) {
	if toUndistorted {
		return evaluateLWM(f.forward, pt)
	}
	return evaluateLWM(f.inverse, pt)
}

// TransformPoint maps pt between distorted and undistorted space. Uncovered points are returned
// unchanged. With refinement the undistorted estimate is corrected until the inverse map
// reproduces pt.
func (f *Field) TransformPoint(pt r2.Point, toUndistorted, withRefine bool) r2.Point {
	out, ok := f.TransformLWM(pt, toUndistorted)
	if !ok {
		return pt
	}
	if !toUndistorted || !withRefine {
		return out
	}
	return f.refineUndistorted(pt, out)
}

// refineUndistorted solves inverse(u) = distorted with a damped fixed-point iteration seeded by
// the forward map. The step halves whenever the residual grows.
func (f *Field) refineUndistorted(distorted, u r2.Point) r2.Point {
	d, ok := evaluateLWM(f.inverse, u)
	if !ok {
		return u
	}
	residual := distorted.Sub(d)
	errNorm := residual.Norm()
	step := 1.0
	for i := 0; i < refineMaxIterations && errNorm > refineTolerance; i++ {
		candidate := u.Add(residual.Mul(step))
		cd, ok := evaluateLWM(f.inverse, candidate)
		if !ok {
			step /= 2
			continue
		}
		cres := distorted.Sub(cd)
		if cn := cres.Norm(); cn < errNorm {
			u, residual, errNorm = candidate, cres, cn
		} else {
			step /= 2
		}
		if step < 1e-8 {
			break
		}
	}
	return u
}

// Coverage returns the fraction of pts covered by the forward map.
func (f *Field) Coverage(pts []r2.Point) float64 {
	if len(pts) == 0 {
		return 0
	}
	covered := 0
	for _, p := range pts {
		if _, ok := evaluateLWM(f.forward, p); ok {
			covered++
		}
	}
	return float64(covered) / float64(len(pts))
}

// ResidualErrors returns the distance between the refined undistortion of each inlier grid point
// and its reference position, NaN for outliers and for a grid without reference positions yet.
func (f *Field) ResidualErrors() []float64 {
	out := make([]float64, len(f.distorted))
	for i := range f.distorted {
		if !f.inliers[i] || len(f.reference) != len(f.distorted) {
			out[i] = math.NaN()
			continue
		}
		out[i] = f.TransformPoint(f.distorted[i], true, true).Sub(f.reference[i]).Norm()
	}
	return out
}
