// Package calibration estimates camera intrinsics and per-frame extrinsics from images of a
// known calibration object, with RANSAC correspondence search and an inlier growth loop.
package calibration

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/xromm/mocapcore/pointfile"
)

// Checkerboard describes a planar checkerboard target. Points are the inner corners.
type Checkerboard struct {
	Rows    int     `json:"rows"`
	Cols    int     `json:"cols"`
	Spacing float64 `json:"spacing"`
}

// Object is the physical calibration target. It is built once and passed explicitly to every
// calibration call.
type Object struct {
	Points       []r3.Vector
	Planar       bool
	WhiteBlobs   bool
	Checkerboard *Checkerboard
	References   []pointfile.Reference
}

// NewObject returns an object for points. Planar is set when the points are constant along any
// of the three axes.
func NewObject(points []r3.Vector) *Object {
	return &Object{Points: points, Planar: isAxisPlanar(points)}
}

// isAxisPlanar ORs the per-axis flags: the target counts as planar when x, y or z is the same
// for every point.
func isAxisPlanar(points []r3.Vector) bool {
	if len(points) == 0 {
		return false
	}
	xplanar, yplanar, zplanar := true, true, true
	first := points[0]
	for _, p := range points[1:] {
		xplanar = xplanar && p.X == first.X
		yplanar = yplanar && p.Y == first.Y
		zplanar = zplanar && p.Z == first.Z
	}
	return xplanar || yplanar || zplanar
}

// LoadObject reads an object definition file and, when referencesPath is not empty, its
// references file.
func LoadObject(path, referencesPath string) (*Object, error) {
	file, err := pointfile.ReadFile(path, pointfile.ReadObject)
	if err != nil {
		return nil, err
	}
	obj := NewObject(file.Points)
	obj.WhiteBlobs = file.White
	if referencesPath != "" {
		refs, err := pointfile.ReadFile(referencesPath, pointfile.ReadReferences)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			if ref.ID > len(obj.Points) {
				return nil, errors.Errorf("reference %q has id %d but the object has %d points", ref.Name, ref.ID, len(obj.Points))
			}
		}
		obj.References = refs
	}
	return obj, nil
}

// NewCheckerboardObject generates the inner corners of a checkerboard in the z = 0 plane, row
// by row.
func NewCheckerboardObject(board Checkerboard) (*Object, error) {
	if board.Rows < 2 || board.Cols < 2 || board.Spacing <= 0 {
		return nil, errors.Errorf("invalid checkerboard %+v", board)
	}
	points := make([]r3.Vector, 0, board.Rows*board.Cols)
	for r := 0; r < board.Rows; r++ {
		for c := 0; c < board.Cols; c++ {
			points = append(points, r3.Vector{X: float64(c) * board.Spacing, Y: float64(r) * board.Spacing})
		}
	}
	obj := NewObject(points)
	obj.Checkerboard = &board
	return obj, nil
}

// Len is the number of object points.
func (o *Object) Len() int {
	return len(o.Points)
}

// Name returns the reference name of point i, or "" when it has none.
func (o *Object) Name(i int) string {
	for _, ref := range o.References {
		if ref.ID == i+1 {
			return ref.Name
		}
	}
	return ""
}
