package spatialmath

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestPluckerSphere(t *testing.T) {
	l := NewPluckerLine(r3.Vector{}, r3.Vector{Z: 2})
	test.That(t, l.Direction.Norm(), test.ShouldAlmostEqual, 1.)

	ss := l.SphereIntersections(r3.Vector{Z: 10}, 3)
	test.That(t, ss, test.ShouldResemble, []float64{7, 13})

	ss = l.SphereIntersections(r3.Vector{X: 5, Z: 10}, 3)
	test.That(t, ss, test.ShouldBeEmpty)

	test.That(t, l.Distance(r3.Vector{X: 4, Z: 100}), test.ShouldAlmostEqual, 4.)

	off := NewPluckerLine(r3.Vector{X: 1, Y: 1}, r3.Vector{Z: 1})
	test.That(t, off.ClosestPointToOrigin().Distance(r3.Vector{X: 1, Y: 1}), test.ShouldBeLessThan, 1e-12)
}

func TestPluckerTransformAndClosest(t *testing.T) {
	l := NewPluckerLine(r3.Vector{}, r3.Vector{X: 1})
	p := Pose{Rotation: r3.Vector{Z: math.Pi / 2}, Translation: r3.Vector{Z: 5}}
	moved := l.Transform(p)
	test.That(t, moved.Direction.Y, test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, moved.Origin.Z, test.ShouldAlmostEqual, 5.)

	a := NewPluckerLine(r3.Vector{X: -10, Y: 1}, r3.Vector{X: 1})
	b := NewPluckerLine(r3.Vector{Y: -10, Z: -1}, r3.Vector{Y: 1})
	mid, gap, ok := ClosestPointBetween(a, b)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, gap, test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, mid.Distance(r3.Vector{Y: 1, Z: -0.5}), test.ShouldBeLessThan, 1e-12)

	_, _, ok = ClosestPointBetween(a, a)
	test.That(t, ok, test.ShouldBeFalse)
}
