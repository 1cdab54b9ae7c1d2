package undistort

import (
	"image"
	"math"
	"math/rand"

	"github.com/disintegration/imaging"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
)

// Circle is a circle in pixel coordinates.
type Circle struct {
	Center r2.Point
	Radius float64
}

// Contains reports whether pt lies in the circle, with a small tolerance for rounding.
func (c Circle) Contains(pt r2.Point) bool {
	return pt.Sub(c.Center).Norm() <= c.Radius*(1+1e-12)+1e-9
}

func circleFrom2(a, b r2.Point) Circle {
	center := a.Add(b).Mul(0.5)
	return Circle{Center: center, Radius: a.Sub(center).Norm()}
}

func circleFrom3(a, b, c r2.Point) (Circle, bool) {
	bx, by := b.X-a.X, b.Y-a.Y
	cx, cy := c.X-a.X, c.Y-a.Y
	d := 2 * (bx*cy - by*cx)
	if d == 0 {
		return Circle{}, false
	}
	b2 := bx*bx + by*by
	c2 := cx*cx + cy*cy
	ux := (cy*b2 - by*c2) / d
	uy := (bx*c2 - cx*b2) / d
	center := r2.Point{X: ux + a.X, Y: uy + a.Y}
	return Circle{Center: center, Radius: math.Hypot(ux, uy)}, true
}

// MinimalEnclosingCircle returns the smallest circle containing all points (Welzl's algorithm,
// iterative form, on a shuffled copy).
func MinimalEnclosingCircle(pts []r2.Point) Circle {
	if len(pts) == 0 {
		return Circle{}
	}
	p := append([]r2.Point{}, pts...)
	rng := rand.New(rand.NewSource(int64(len(p))))
	rng.Shuffle(len(p), func(i, j int) { p[i], p[j] = p[j], p[i] })

	c := Circle{Center: p[0]}
	for i := 1; i < len(p); i++ {
		if c.Contains(p[i]) {
			continue
		}
		c = Circle{Center: p[i]}
		for j := 0; j < i; j++ {
			if c.Contains(p[j]) {
				continue
			}
			c = circleFrom2(p[i], p[j])
			for k := 0; k < j; k++ {
				if c.Contains(p[k]) {
					continue
				}
				if cc, ok := circleFrom3(p[i], p[j], p[k]); ok {
					c = cc
				} else {
					// collinear: the widest pair spans the circle
					c = widest(p[i], p[j], p[k])
				}
			}
		}
	}
	return c
}

func widest(a, b, c r2.Point) Circle {
	best := circleFrom2(a, b)
	for _, cand := range []Circle{circleFrom2(a, c), circleFrom2(b, c)} {
		if cand.Radius > best.Radius {
			best = cand
		}
	}
	return best
}

// foregroundExtremes returns, for every row of the mask, the leftmost and rightmost pixel whose
// gray level exceeds threshold. Their enclosing circle equals that of the whole foreground.
func foregroundExtremes(mask image.Image, level uint8) []r2.Point {
	origin := mask.Bounds().Min
	gray := imaging.Grayscale(mask)
	w, h := gray.Bounds().Dx(), gray.Bounds().Dy()
	var out []r2.Point
	for y := 0; y < h; y++ {
		left, right := -1, -1
		row := gray.Pix[y*gray.Stride:]
		for x := 0; x < w; x++ {
			if row[4*x] > level {
				if left < 0 {
					left = x
				}
				right = x
			}
		}
		if left >= 0 {
			out = append(out, r2.Point{X: float64(left + origin.X), Y: float64(y + origin.Y)})
			if right != left {
				out = append(out, r2.Point{X: float64(right + origin.X), Y: float64(y + origin.Y)})
			}
		}
	}
	return out
}

// BorderCircle returns the minimal enclosing circle of the foreground of mask (gray level > 127).
func BorderCircle(mask image.Image) (Circle, error) {
	pts := foregroundExtremes(mask, 127)
	if len(pts) == 0 {
		return Circle{}, errors.New("mask has no foreground pixels")
	}
	return MinimalEnclosingCircle(pts), nil
}

// RemoveOutliers marks grid points as outliers when they lie outside radius - 1.5*threshold of
// the foreground circle of mask or within threshold pixels of the image border. It returns the
// number of points newly marked. It must run before Fit.
func (f *Field) RemoveOutliers(mask image.Image, threshold float64) (int, error) {
	circle, err := BorderCircle(mask)
	if err != nil {
		return 0, err
	}
	b := mask.Bounds()
	limit := circle.Radius - 1.5*threshold
	removed := 0
	for i, p := range f.distorted {
		if !f.inliers[i] {
			continue
		}
		outside := p.Sub(circle.Center).Norm() > limit
		nearBorder := p.X < float64(b.Min.X)+threshold || p.Y < float64(b.Min.Y)+threshold ||
			p.X > float64(b.Max.X-1)-threshold || p.Y > float64(b.Max.Y-1)-threshold
		if outside || nearBorder {
			f.SetInlier(i, false)
			removed++
		}
	}
	f.logger.Debugw("removed undistortion grid outliers", "removed", removed, "circle_radius", circle.Radius)
	return removed, nil
}
