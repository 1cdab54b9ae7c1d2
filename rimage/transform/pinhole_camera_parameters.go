package transform

import (
	"fmt"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrNoIntrinsics is when a camera does not have intrinsics parameters or other parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// NewNoIntrinsicsError is used when the intriniscs are not defined.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrapf(ErrNoIntrinsics, "%s", msg)
}

// PinholeCameraIntrinsics holds the parameters necessary to do a perspective projection of a 3D scene to the 2D plane.
// Skew is always zero.
type PinholeCameraIntrinsics struct {
	Width  int     `json:"width_px"`
	Height int     `json:"height_px"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
}

// CheckValid checks if the fields for PinholeCameraIntrinsics have valid inputs.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if params.Width == 0 || params.Height == 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid size (%#v, %#v)", params.Width, params.Height))
	}
	if params.Fx <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fx = %#v", params.Fx))
	}
	if params.Fy <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fy = %#v", params.Fy))
	}
	return nil
}

// NewPinholeCameraIntrinsicsFromMatrix reads fx, fy, ppx, ppy from an upper triangular camera
// matrix. Skew is dropped.
func NewPinholeCameraIntrinsicsFromMatrix(k mat.Matrix, width, height int) *PinholeCameraIntrinsics {
	return &PinholeCameraIntrinsics{
		Width:  width,
		Height: height,
		Fx:     k.At(0, 0),
		Fy:     k.At(1, 1),
		Ppx:    k.At(0, 2),
		Ppy:    k.At(1, 2),
	}
}

// PixelToNormalized returns ((u - ppx) / fx, (v - ppy) / fy).
func (params *PinholeCameraIntrinsics) PixelToNormalized(pt r2.Point) r2.Point {
	return r2.Point{X: (pt.X - params.Ppx) / params.Fx, Y: (pt.Y - params.Ppy) / params.Fy}
}

// NormalizedToPixel is the inverse of PixelToNormalized.
func (params *PinholeCameraIntrinsics) NormalizedToPixel(pt r2.Point) r2.Point {
	return r2.Point{X: pt.X*params.Fx + params.Ppx, Y: pt.Y*params.Fy + params.Ppy}
}

// PointToPixel projects a 3D point in camera coordinates. ok is false for points at zero depth.
func (params *PinholeCameraIntrinsics) PointToPixel(pt r3.Vector) (r2.Point, bool) {
	if pt.Z == 0 {
		return r2.Point{}, false
	}
	return r2.Point{X: pt.X/pt.Z*params.Fx + params.Ppx, Y: pt.Y/pt.Z*params.Fy + params.Ppy}, true
}

// GetCameraMatrix creates a new camera matrix and returns it.
// Camera matrix:
// [[fx 0 ppx],
//
//	[0 fy ppy],
//	[0 0  1]]
func (params *PinholeCameraIntrinsics) GetCameraMatrix() *mat.Dense {
	if params == nil {
		return nil
	}
	cameraMatrix := mat.NewDense(3, 3, nil)
	cameraMatrix.Set(0, 0, params.Fx)
	cameraMatrix.Set(1, 1, params.Fy)
	cameraMatrix.Set(0, 2, params.Ppx)
	cameraMatrix.Set(1, 2, params.Ppy)
	cameraMatrix.Set(2, 2, 1)
	return cameraMatrix
}

// PinholeCameraModel is the model of a pinhole camera with an optional lens distortion.
type PinholeCameraModel struct {
	*PinholeCameraIntrinsics `json:"intrinsic_parameters"`
	Distortion               *BrownConrady `json:"distortion,omitempty"`
}

// DistortPixel applies the lens model to an undistorted pixel.
func (params *PinholeCameraModel) DistortPixel(pt r2.Point) r2.Point {
	if params.Distortion.IsZero() {
		return pt
	}
	n := params.PixelToNormalized(pt)
	x, y := params.Distortion.Transform(n.X, n.Y)
	return params.NormalizedToPixel(r2.Point{X: x, Y: y})
}

// UndistortPixel removes the lens model from a distorted pixel.
func (params *PinholeCameraModel) UndistortPixel(pt r2.Point) r2.Point {
	if params.Distortion.IsZero() {
		return pt
	}
	n := params.PixelToNormalized(pt)
	x, y := NewInverseBrownConrady(params.Distortion).Transform(n.X, n.Y)
	return params.NormalizedToPixel(r2.Point{X: x, Y: y})
}

// ProjectionMatrix returns K * [R|t] for the given extrinsic [R|t].
func ProjectionMatrix(k, extrinsic mat.Matrix) *mat.Dense {
	var p mat.Dense
	p.Mul(k, extrinsic)
	return &p
}

// ProjectWithMatrix projects a 3D point with a 3x4 projection matrix. ok is false when the
// homogeneous scale is zero.
func ProjectWithMatrix(p mat.Matrix, pt r3.Vector) (r2.Point, bool) {
	x := [4]float64{pt.X, pt.Y, pt.Z, 1}
	var h [3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			h[i] += p.At(i, j) * x[j]
		}
	}
	if h[2] == 0 {
		return r2.Point{}, false
	}
	return r2.Point{X: h[0] / h[2], Y: h[1] / h[2]}, true
}
