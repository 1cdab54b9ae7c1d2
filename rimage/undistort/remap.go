package undistort

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"github.com/xromm/mocapcore/utils"
)

// Remap is a dense lookup table: for each pixel of the undistorted image the position in the
// distorted image it samples. Pixels not covered by the field map to themselves.
type Remap struct {
	Width, Height int
	X, Y          []float32
}

// At returns the source position for undistorted pixel (x, y).
func (r *Remap) At(x, y int) r2.Point {
	i := y*r.Width + x
	return r2.Point{X: float64(r.X[i]), Y: float64(r.Y[i])}
}

// Remap returns the lookup table for the given image size, building it on first use.
func (f *Field) Remap(width, height int) (*Remap, error) {
	if !f.IsFitted() {
		return nil, ErrNotFitted
	}
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid size %dx%d", width, height)
	}
	f.remapMu.Lock()
	defer f.remapMu.Unlock()
	if f.remap != nil && f.remap.Width == width && f.remap.Height == height {
		return f.remap, nil
	}
	r := &Remap{Width: width, Height: height, X: make([]float32, width*height), Y: make([]float32, width*height)}
	utils.ParallelForEachPixel(image.Point{width, height}, func(x, y int) {
		src := f.TransformPoint(r2.Point{X: float64(x), Y: float64(y)}, false, false)
		r.X[y*width+x] = float32(src.X)
		r.Y[y*width+x] = float32(src.Y)
	})
	f.remap = r
	return r, nil
}

// UndistortImage resamples img through the field with bilinear interpolation. Samples that fall
// more than half a pixel outside the source image are black.
func (f *Field) UndistortImage(img image.Image) (*image.NRGBA, error) {
	if img == nil {
		return nil, errors.New("input image is nil")
	}
	src := imaging.Clone(img)
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	r, err := f.Remap(w, h)
	if err != nil {
		return nil, err
	}
	dst := imaging.New(w, h, color.NRGBA{0, 0, 0, 255})
	utils.ParallelForEachPixel(image.Point{w, h}, func(x, y int) {
		c, ok := bilinear(src, r.At(x, y))
		if ok {
			i := y*dst.Stride + 4*x
			copy(dst.Pix[i:i+4], c[:])
		}
	})
	return dst, nil
}

func bilinear(img *image.NRGBA, pt r2.Point) ([4]uint8, bool) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if pt.X < -0.5 || pt.Y < -0.5 || pt.X > float64(w)-0.5 || pt.Y > float64(h)-0.5 {
		return [4]uint8{}, false
	}
	// samples within half a pixel of the edge clamp to it
	pt.X = math.Max(0, math.Min(float64(w-1), pt.X))
	pt.Y = math.Max(0, math.Min(float64(h-1), pt.Y))
	x0, y0 := int(math.Floor(pt.X)), int(math.Floor(pt.Y))
	x1, y1 := x0+1, y0+1
	if x1 > w-1 {
		x1 = w - 1
	}
	if y1 > h-1 {
		y1 = h - 1
	}
	fx, fy := pt.X-float64(x0), pt.Y-float64(y0)
	var out [4]uint8
	for c := 0; c < 4; c++ {
		p00 := float64(img.Pix[y0*img.Stride+4*x0+c])
		p10 := float64(img.Pix[y0*img.Stride+4*x1+c])
		p01 := float64(img.Pix[y1*img.Stride+4*x0+c])
		p11 := float64(img.Pix[y1*img.Stride+4*x1+c])
		v := p00*(1-fx)*(1-fy) + p10*fx*(1-fy) + p01*(1-fx)*fy + p11*fx*fy
		out[c] = uint8(math.Round(math.Max(0, math.Min(255, v))))
	}
	return out, true
}
