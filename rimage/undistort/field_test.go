package undistort

import (
	"image"
	"image/color"
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"

	"github.com/xromm/mocapcore/logging"
)

var distortionCenter = r2.Point{X: 320, Y: 240}

// barrel applies a smooth radial distortion around the image center.
func barrel(p r2.Point) r2.Point {
	d := p.Sub(distortionCenter)
	return distortionCenter.Add(d.Mul(1 + 2e-7*d.Dot(d)))
}

func syntheticGrid() (distorted, reference []r2.Point) {
	for i := 0; i < 15; i++ {
		for j := 0; j < 14; j++ {
			ref := r2.Point{X: 40 + 40*float64(i), Y: 40 + 30*float64(j)}
			reference = append(reference, ref)
			distorted = append(distorted, barrel(ref))
		}
	}
	return distorted, reference
}

func fittedField(t *testing.T) *Field {
	t.Helper()
	f := NewField(logging.NewTestLogger(t))
	distorted, reference := syntheticGrid()
	test.That(t, f.SetPoints(distorted, reference), test.ShouldBeNil)
	test.That(t, f.NeedsRecalibration(), test.ShouldBeTrue)
	test.That(t, f.Fit(), test.ShouldBeNil)
	test.That(t, f.IsFitted(), test.ShouldBeTrue)
	test.That(t, f.NeedsRecalibration(), test.ShouldBeFalse)
	return f
}

func TestFieldAccuracy(t *testing.T) {
	f := fittedField(t)
	for _, p := range []r2.Point{{X: 200, Y: 200}, {X: 320, Y: 240}, {X: 450, Y: 300}, {X: 150, Y: 350}, {X: 500, Y: 100}} {
		u := f.TransformPoint(barrel(p), true, true)
		test.That(t, u.Sub(p).Norm(), test.ShouldBeLessThan, 0.1)
		d := f.TransformPoint(p, false, false)
		test.That(t, d.Sub(barrel(p)).Norm(), test.ShouldBeLessThan, 0.1)
	}
	for _, e := range f.ResidualErrors() {
		test.That(t, e, test.ShouldBeLessThan, 0.1)
	}
	test.That(t, len(f.ForwardControlPoints()), test.ShouldEqual, 15*14)
	test.That(t, len(f.InverseControlPoints()), test.ShouldEqual, 15*14)
}

func TestFieldRoundTrip(t *testing.T) {
	f := fittedField(t)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		p := r2.Point{X: 100 + rng.Float64()*440, Y: 90 + rng.Float64()*300}

		// undistort(distort(p))
		d := f.TransformPoint(p, false, true)
		u := f.TransformPoint(d, true, true)
		test.That(t, u.Sub(p).Norm(), test.ShouldBeLessThan, 1e-5)

		// distort(undistort(p))
		u = f.TransformPoint(p, true, true)
		back := f.TransformPoint(u, false, true)
		test.That(t, back.Sub(p).Norm(), test.ShouldBeLessThan, 1e-5)
	}
}

func TestFieldCoverage(t *testing.T) {
	f := fittedField(t)
	far := r2.Point{X: -500, Y: -500}
	_, ok := f.TransformLWM(far, true)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, f.TransformPoint(far, true, true), test.ShouldResemble, far)
	test.That(t, f.Coverage([]r2.Point{far, {X: 320, Y: 240}}), test.ShouldAlmostEqual, 0.5)

	empty := NewField(nil)
	_, ok = empty.TransformLWM(r2.Point{X: 1, Y: 1}, false)
	test.That(t, ok, test.ShouldBeFalse)
	_, err := empty.Remap(10, 10)
	test.That(t, err, test.ShouldEqual, ErrNotFitted)
}

func TestFieldRecalibrationFlag(t *testing.T) {
	f := fittedField(t)
	f.SetCenter(r2.Point{X: 320, Y: 240})
	test.That(t, f.NeedsRecalibration(), test.ShouldBeTrue)
	c, ok := f.Center()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, c, test.ShouldResemble, r2.Point{X: 320, Y: 240})
	test.That(t, f.Fit(), test.ShouldBeNil)

	f.SetCenter(r2.Point{X: 320, Y: 240})
	test.That(t, f.NeedsRecalibration(), test.ShouldBeFalse)
	f.SetInlier(0, true)
	test.That(t, f.NeedsRecalibration(), test.ShouldBeFalse)
	f.SetInlier(0, false)
	test.That(t, f.NeedsRecalibration(), test.ShouldBeTrue)
	test.That(t, f.Inliers()[0], test.ShouldBeFalse)
	test.That(t, f.Fit(), test.ShouldBeNil)
	test.That(t, len(f.ForwardControlPoints()), test.ShouldEqual, 15*14-1)

	small := NewField(nil)
	test.That(t, small.SetPoints([]r2.Point{{X: 1, Y: 1}}, []r2.Point{{X: 1, Y: 1}}), test.ShouldBeNil)
	test.That(t, small.Fit(), test.ShouldNotBeNil)
	test.That(t, small.SetPoints([]r2.Point{{X: 1, Y: 1}}, nil), test.ShouldNotBeNil)
}

func syntheticIndexedGrid() ([]r2.Point, []image.Point) {
	var distorted []r2.Point
	var grid []image.Point
	for i := 0; i < 15; i++ {
		for j := 0; j < 14; j++ {
			distorted = append(distorted, barrel(r2.Point{X: 40 + 40*float64(i), Y: 40 + 30*float64(j)}))
			grid = append(grid, image.Point{X: i, Y: j})
		}
	}
	return distorted, grid
}

func TestFieldGridFollowsCenter(t *testing.T) {
	distorted, grid := syntheticIndexedGrid()
	f := NewField(logging.NewTestLogger(t))
	test.That(t, f.SetGrid(distorted, grid), test.ShouldBeNil)
	test.That(t, f.SetGrid(distorted, grid[:3]), test.ShouldNotBeNil)
	test.That(t, f.SetGrid(distorted, grid), test.ShouldBeNil)
	for _, e := range f.ResidualErrors() {
		test.That(t, math.IsNaN(e), test.ShouldBeTrue)
	}

	// without a center the reference grows from the centroid of the detections
	test.That(t, f.Fit(), test.ShouldBeNil)
	_, reference := syntheticGrid()
	for i, r := range f.Reference() {
		test.That(t, r.Sub(reference[i]).Norm(), test.ShouldBeLessThan, 1.)
	}

	f.SetCenter(distortionCenter)
	test.That(t, f.Fit(), test.ShouldBeNil)
	centered := f.Reference()
	for i, r := range centered {
		test.That(t, r.Sub(reference[i]).Norm(), test.ShouldBeLessThan, 1.)
	}
	pt := r2.Point{X: 520, Y: 400}
	before := f.TransformPoint(pt, true, true)
	test.That(t, before.Sub(pt).Norm(), test.ShouldBeGreaterThan, 1.)

	f.SetCenter(r2.Point{X: 100, Y: 100})
	test.That(t, f.NeedsRecalibration(), test.ShouldBeTrue)
	test.That(t, f.Fit(), test.ShouldBeNil)
	test.That(t, f.NeedsRecalibration(), test.ShouldBeFalse)
	moved := f.Reference()
	test.That(t, moved[len(moved)-1].Sub(centered[len(centered)-1]).Norm(), test.ShouldBeGreaterThan, 1.)
	after := f.TransformPoint(pt, true, true)
	test.That(t, after.Sub(before).Norm(), test.ShouldBeGreaterThan, 1.)

	// fields with explicit reference positions keep them
	g := fittedField(t)
	fixed := g.Reference()
	g.SetCenter(r2.Point{X: 100, Y: 100})
	test.That(t, g.Fit(), test.ShouldBeNil)
	test.That(t, g.Reference(), test.ShouldResemble, fixed)
}

func discMask(w, h int, center r2.Point, radius float64) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (r2.Point{X: float64(x), Y: float64(y)}).Sub(center).Norm() <= radius {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return img
}

func TestRemoveOutliers(t *testing.T) {
	f := NewField(logging.NewTestLogger(t))
	distorted := []r2.Point{{X: 320, Y: 240}, {X: 400, Y: 240}, {X: 320, Y: 330}, {X: 40, Y: 40}, {X: 600, Y: 440}, {X: 320, Y: 432}}
	test.That(t, f.SetPoints(distorted, distorted), test.ShouldBeNil)

	removed, err := f.RemoveOutliers(discMask(640, 480, r2.Point{X: 320, Y: 240}, 200), 10)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, removed, test.ShouldEqual, 3)
	test.That(t, f.Inliers(), test.ShouldResemble, []bool{true, true, true, false, false, false})

	// a full frame mask only trims the border band
	g := NewField(nil)
	pts := []r2.Point{{X: 5, Y: 100}, {X: 320, Y: 240}, {X: 634, Y: 200}, {X: 300, Y: 475}}
	test.That(t, g.SetPoints(pts, pts), test.ShouldBeNil)
	removed, err = g.RemoveOutliers(discMask(640, 480, r2.Point{X: 320, Y: 240}, 1000), 10)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, removed, test.ShouldEqual, 3)
	test.That(t, g.Inliers()[1], test.ShouldBeTrue)

	_, err = g.RemoveOutliers(image.NewGray(image.Rect(0, 0, 4, 4)), 1)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestMinimalEnclosingCircle(t *testing.T) {
	c := MinimalEnclosingCircle([]r2.Point{{X: 0, Y: 0}, {X: 2, Y: 0}, {X: 0, Y: 2}, {X: 2, Y: 2}, {X: 1, Y: 1}})
	test.That(t, c.Center.X, test.ShouldAlmostEqual, 1.)
	test.That(t, c.Center.Y, test.ShouldAlmostEqual, 1.)
	test.That(t, c.Radius, test.ShouldAlmostEqual, 1.4142135623730951)

	c = MinimalEnclosingCircle([]r2.Point{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 3, Y: 0}})
	test.That(t, c.Center.X, test.ShouldAlmostEqual, 1.5)
	test.That(t, c.Radius, test.ShouldAlmostEqual, 1.5)

	rng := rand.New(rand.NewSource(11))
	var pts []r2.Point
	for i := 0; i < 500; i++ {
		pts = append(pts, r2.Point{X: rng.NormFloat64() * 30, Y: rng.NormFloat64() * 10})
	}
	c = MinimalEnclosingCircle(pts)
	for _, p := range pts {
		test.That(t, c.Contains(p), test.ShouldBeTrue)
	}
	test.That(t, MinimalEnclosingCircle(nil).Radius, test.ShouldEqual, 0.)
}
