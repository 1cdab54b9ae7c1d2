package spatialmath

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
)

// PluckerLine is a 3D line stored as unit direction and moment (origin x direction), together
// with the origin that line parameters are measured from. For camera rays the origin is the
// projection center so positive parameters lie in front of the camera.
type PluckerLine struct {
	Origin    r3.Vector
	Direction r3.Vector
	Moment    r3.Vector
}

// NewPluckerLine creates a line through origin along direction. The direction is normalized.
func NewPluckerLine(origin, direction r3.Vector) PluckerLine {
	d := direction.Normalize()
	return PluckerLine{Origin: origin, Direction: d, Moment: origin.Cross(d)}
}

// PointAt returns origin + s*direction.
func (l PluckerLine) PointAt(s float64) r3.Vector {
	return l.Origin.Add(l.Direction.Mul(s))
}

// ClosestPointToOrigin returns d x m.
func (l PluckerLine) ClosestPointToOrigin() r3.Vector {
	return l.Direction.Cross(l.Moment)
}

// Distance returns the distance from p to the line.
func (l PluckerLine) Distance(p r3.Vector) float64 {
	return p.Cross(l.Direction).Sub(l.Moment).Norm()
}

// Transform moves the line by a pose.
func (l PluckerLine) Transform(p Pose) PluckerLine {
	return NewPluckerLine(p.Transform(l.Origin), p.RotationMatrix().MulVec(l.Direction))
}

// SphereIntersections returns the line parameters where the line meets the sphere, in increasing
// order. Tangent lines return one parameter, misses return none.
func (l PluckerLine) SphereIntersections(center r3.Vector, radius float64) []float64 {
	oc := l.Origin.Sub(center)
	// |oc + s*d|^2 = r^2 with |d| = 1
	b := oc.Dot(l.Direction)
	c := oc.Norm2() - radius*radius
	disc := b*b - c
	switch {
	case disc < 0:
		return nil
	case disc == 0:
		return []float64{-b}
	}
	sq := math.Sqrt(disc)
	out := []float64{-b - sq, -b + sq}
	sort.Float64s(out)
	return out
}

// ClosestPointBetween returns the midpoint of the shortest segment between two lines and its
// length. ok is false for parallel lines.
func ClosestPointBetween(a, b PluckerLine) (mid r3.Vector, gap float64, ok bool) {
	w := a.Origin.Sub(b.Origin)
	ab := a.Direction.Dot(b.Direction)
	denom := 1 - ab*ab
	if denom < 1e-12 {
		return r3.Vector{}, 0, false
	}
	d := a.Direction.Dot(w)
	e := b.Direction.Dot(w)
	s := (ab*e - d) / denom
	t := (e - ab*d) / denom
	pa := a.PointAt(s)
	pb := b.PointAt(t)
	return pa.Add(pb).Mul(0.5), pa.Distance(pb), true
}

func sqrt(x float64) float64 {
	if x <= 0 {
		return 0
	}
	return math.Sqrt(x)
}
