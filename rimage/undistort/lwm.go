package undistort

import (
	"sort"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ControlPoint is one local polynomial of an LWM map. The polynomial is evaluated in coordinates
// relative to Center:
//
//	f(dx, dy) = c0 + c1*dx + c2*dy + c3*dx² + c4*dx*dy + c5*dy²
//
// with CoeffX for the output x and CoeffY for the output y.
type ControlPoint struct {
	Center r2.Point   `json:"center"`
	Radius float64    `json:"radius"`
	CoeffX [6]float64 `json:"coeff_x"`
	CoeffY [6]float64 `json:"coeff_y"`
}

func monomials(dx, dy float64) [6]float64 {
	return [6]float64{1, dx, dy, dx * dx, dx * dy, dy * dy}
}

// Eval evaluates the local polynomial at pt.
func (cp ControlPoint) Eval(pt r2.Point) r2.Point {
	m := monomials(pt.X-cp.Center.X, pt.Y-cp.Center.Y)
	var x, y float64
	for i := range m {
		x += cp.CoeffX[i] * m[i]
		y += cp.CoeffY[i] * m[i]
	}
	return r2.Point{X: x, Y: y}
}

// weight is the cubic smoothstep 1 - 3R² + 2R³ of the normalized distance, zero outside the
// radius.
func weight(dist, radius float64) float64 {
	if radius <= 0 || dist >= radius {
		return 0
	}
	r := dist / radius
	return 1 - 3*r*r + 2*r*r*r
}

func evaluateLWM(cps []ControlPoint, pt r2.Point) (r2.Point, bool) {
	var sum r2.Point
	var wsum float64
	for _, cp := range cps {
		w := weight(pt.Sub(cp.Center).Norm(), cp.Radius)
		if w <= 0 {
			continue
		}
		sum = sum.Add(cp.Eval(pt).Mul(w))
		wsum += w
	}
	if wsum == 0 {
		return r2.Point{}, false
	}
	return sum.Mul(1 / wsum), true
}

type neighbor struct {
	index int
	dist  float64
}

// fitLocalMaps fits one control point per inlier of src mapping src to dst.
func fitLocalMaps(src, dst []r2.Point, inliers []bool, k int) ([]ControlPoint, error) {
	var idx []int
	for i := range src {
		if i < len(inliers) && inliers[i] {
			idx = append(idx, i)
		}
	}
	if len(idx) < k {
		return nil, errors.Errorf("need %d inlier grid points, have %d", k, len(idx))
	}
	out := make([]ControlPoint, 0, len(idx))
	neighbors := make([]neighbor, len(idx))
	for _, i := range idx {
		c := src[i]
		for j, n := range idx {
			neighbors[j] = neighbor{index: n, dist: src[n].Sub(c).Norm()}
		}
		sort.Slice(neighbors, func(a, b int) bool { return neighbors[a].dist < neighbors[b].dist })
		used := neighbors[:k]

		a := mat.NewDense(k, 6, nil)
		bx := mat.NewVecDense(k, nil)
		by := mat.NewVecDense(k, nil)
		for r, n := range used {
			m := monomials(src[n.index].X-c.X, src[n.index].Y-c.Y)
			a.SetRow(r, m[:])
			bx.SetVec(r, dst[n.index].X)
			by.SetVec(r, dst[n.index].Y)
		}
		var cx, cy mat.VecDense
		if err := cx.SolveVec(a, bx); err != nil {
			return nil, errors.Wrapf(err, "local fit at grid point %d", i)
		}
		if err := cy.SolveVec(a, by); err != nil {
			return nil, errors.Wrapf(err, "local fit at grid point %d", i)
		}
		cp := ControlPoint{Center: c, Radius: used[k-1].dist}
		for j := 0; j < 6; j++ {
			cp.CoeffX[j] = cx.AtVec(j)
			cp.CoeffY[j] = cy.AtVec(j)
		}
		out = append(out, cp)
	}
	return out, nil
}
