package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// focalSystemTolerance is the relative determinant under which the two focal constraints of a
// plane view are treated as one.
const focalSystemTolerance = 1e-6

// maxFocalRatio bounds the focal length in units of the image diagonal. Longer estimates come from
// a plane that is nearly parallel to the image.
const maxFocalRatio = 100

// PlanarIntrinsics estimates the focal lengths of a camera from one view of a planar target. The
// principal point is fixed at the image center and skew at zero. The plane homography then gives
// two linear constraints on 1/fx² and 1/fy². When the plane is tilted about a single image axis
// the constraints coincide and fx = fy is assumed. A plane parallel to the image has no solution.
func PlanarIntrinsics(pts3d []r3.Vector, pts2d []r2.Point, width, height int) (*PinholeCameraIntrinsics, error) {
	if len(pts3d) != len(pts2d) {
		return nil, errors.Errorf("point count mismatch %d != %d", len(pts3d), len(pts2d))
	}
	if len(pts3d) < MinHomographyPoints {
		return nil, errors.Wrapf(ErrNotEnoughPoints, "planar intrinsics need %d points", MinHomographyPoints)
	}
	if !IsPlanar(pts3d) {
		return nil, errors.New("planar intrinsics need coplanar points")
	}
	c, toPlane, values := planeBasis(pts3d)
	if values[1] <= planarTolerance*values[0] {
		return nil, errors.Wrap(ErrDegenerateConfiguration, "points are collinear")
	}
	cx, cy := float64(width)/2, float64(height)/2
	local := make([]r2.Point, len(pts3d))
	centered := make([]r2.Point, len(pts2d))
	for i, p := range pts3d {
		l := toPlane.MulVec(p.Sub(c))
		local[i] = r2.Point{X: l.X, Y: l.Y}
		centered[i] = r2.Point{X: pts2d[i].X - cx, Y: pts2d[i].Y - cy}
	}
	h, err := EstimateHomography(local, centered)
	if err != nil {
		return nil, err
	}
	h1 := r3.Vector{X: h.At(0, 0), Y: h.At(1, 0), Z: h.At(2, 0)}
	h2 := r3.Vector{X: h.At(0, 1), Y: h.At(1, 1), Z: h.At(2, 1)}

	// K⁻¹h1 and K⁻¹h2 are orthogonal and of equal length.
	a00, a01, b0 := h1.X*h2.X, h1.Y*h2.Y, -h1.Z*h2.Z
	a10, a11, b1 := h1.X*h1.X-h2.X*h2.X, h1.Y*h1.Y-h2.Y*h2.Y, h2.Z*h2.Z-h1.Z*h1.Z

	var fx, fy float64
	det := a00*a11 - a01*a10
	if scale := (math.Abs(a00) + math.Abs(a01)) * (math.Abs(a10) + math.Abs(a11)); math.Abs(det) > focalSystemTolerance*scale {
		a := (b0*a11 - a01*b1) / det
		b := (a00*b1 - b0*a10) / det
		if a > 0 && b > 0 {
			fx, fy = 1/math.Sqrt(a), 1/math.Sqrt(b)
		}
	}
	if fx == 0 {
		u0, u1 := a00+a01, a10+a11
		den := u0*u0 + u1*u1
		if den == 0 {
			return nil, errors.Wrap(ErrDegenerateConfiguration, "plane homography constrains no focal length")
		}
		a := (u0*b0 + u1*b1) / den
		if !(a > 0) {
			return nil, errors.Wrap(ErrDegenerateConfiguration, "plane is parallel to the image")
		}
		fx = 1 / math.Sqrt(a)
		fy = fx
	}
	if limit := maxFocalRatio * math.Hypot(float64(width), float64(height)); fx > limit || fy > limit {
		return nil, errors.Wrap(ErrDegenerateConfiguration, "plane is parallel to the image")
	}
	intr := &PinholeCameraIntrinsics{Width: width, Height: height, Fx: fx, Fy: fy, Ppx: cx, Ppy: cy}
	if err := intr.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "planar intrinsics")
	}
	return intr, nil
}
