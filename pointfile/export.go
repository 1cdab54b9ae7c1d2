package pointfile

import (
	"bufio"
	"encoding/csv"
	"io"
	"math"
	"strings"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/xromm/mocapcore/rimage/undistort"
	"github.com/xromm/mocapcore/spatialmath"
)

// NumDLTCoefficients is the number of free parameters of a projection matrix scaled so that its
// last element is 1.
const NumDLTCoefficients = 11

// DLTCoefficients returns the 11 DLT parameters of a 3x4 projection matrix in row-major order.
func DLTCoefficients(p mat.Matrix) ([]float64, error) {
	if r, c := p.Dims(); r != 3 || c != 4 {
		return nil, errors.Errorf("projection matrix must be 3x4, got %dx%d", r, c)
	}
	s := p.At(2, 3)
	if s == 0 {
		return nil, errors.New("projection matrix has zero scale")
	}
	out := make([]float64, 0, NumDLTCoefficients)
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			if i == 2 && j == 3 {
				continue
			}
			out = append(out, p.At(i, j)/s)
		}
	}
	return out, nil
}

// DLTMatrix rebuilds the projection matrix of 11 DLT parameters.
func DLTMatrix(coeffs []float64) (*mat.Dense, error) {
	if len(coeffs) != NumDLTCoefficients {
		return nil, errors.Errorf("need %d DLT coefficients, got %d", NumDLTCoefficients, len(coeffs))
	}
	vals := append(append([]float64{}, coeffs...), 1)
	return mat.NewDense(3, 4, vals), nil
}

// WriteDLT writes one CSV row of DLT parameters per projection matrix. Nil matrices (uncalibrated
// camera or frame) are written as NaN.
func WriteDLT(w io.Writer, cams []mat.Matrix) error {
	cw := csv.NewWriter(w)
	for _, p := range cams {
		coeffs := make([]float64, NumDLTCoefficients)
		if p == nil {
			for i := range coeffs {
				coeffs[i] = math.NaN()
			}
		} else {
			var err error
			if coeffs, err = DLTCoefficients(p); err != nil {
				return err
			}
		}
		if err := cw.Write(formatRow(coeffs...)); err != nil {
			return errors.Wrap(err, "writing DLT row")
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadDLT reads rows of 11 DLT parameters. Rows of NaN come back as nil matrices.
func ReadDLT(r io.Reader) ([]*mat.Dense, error) {
	rows, err := readRows(r, NumDLTCoefficients)
	if err != nil {
		return nil, err
	}
	out := make([]*mat.Dense, len(rows))
	for i, row := range rows {
		if math.IsNaN(row[0]) {
			continue
		}
		if out[i], err = DLTMatrix(row[:NumDLTCoefficients]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func formatRow(vals ...float64) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = formatFloat(v)
	}
	return out
}

// MayaCam is a calibrated camera view in the labeled block format used to hand cameras to 3D
// animation tools.
type MayaCam struct {
	Width, Height int
	K             *mat.Dense
	Rotation      *spatialmath.RotationMatrix
	Translation   r3.Vector
}

const (
	mayaImageSize    = "image size"
	mayaCameraMatrix = "camera matrix"
	mayaRotation     = "rotation"
	mayaTranslation  = "translation"
)

// WriteMayaCam writes the image size, camera matrix, rotation and translation sections.
func WriteMayaCam(w io.Writer, cam MayaCam) error {
	lines := []string{mayaImageSize, joinValues(float64(cam.Width), float64(cam.Height)), "", mayaCameraMatrix}
	for i := 0; i < 3; i++ {
		lines = append(lines, joinValues(cam.K.At(i, 0), cam.K.At(i, 1), cam.K.At(i, 2)))
	}
	lines = append(lines, "", mayaRotation)
	for i := 0; i < 3; i++ {
		row := cam.Rotation.Row(i)
		lines = append(lines, joinValues(row.X, row.Y, row.Z))
	}
	lines = append(lines, "", mayaTranslation,
		formatFloat(cam.Translation.X), formatFloat(cam.Translation.Y), formatFloat(cam.Translation.Z))
	return writeLines(w, lines)
}

// ReadMayaCam parses the sections written by WriteMayaCam.
func ReadMayaCam(r io.Reader) (*MayaCam, error) {
	sections := map[string][][]float64{}
	var current string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		vals := parseValues(line)
		if len(vals) == 0 {
			current = strings.ToLower(line)
			continue
		}
		sections[current] = append(sections[current], vals)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading MayaCam file")
	}

	size := sections[mayaImageSize]
	k := sections[mayaCameraMatrix]
	rot := sections[mayaRotation]
	t := sections[mayaTranslation]
	switch {
	case len(size) < 1 || len(size[0]) < 2:
		return nil, errors.New("MayaCam file has no image size")
	case len(k) < 3 || len(rot) < 3 || len(t) < 3:
		return nil, errors.New("MayaCam file is missing camera matrix, rotation or translation rows")
	}
	cam := &MayaCam{Width: int(size[0][0]), Height: int(size[0][1]), K: mat.NewDense(3, 3, nil)}
	rvals := make([]float64, 0, 9)
	for i := 0; i < 3; i++ {
		if len(k[i]) < 3 || len(rot[i]) < 3 {
			return nil, errors.Errorf("MayaCam row %d has fewer than 3 values", i)
		}
		cam.K.SetRow(i, k[i][:3])
		rvals = append(rvals, rot[i][:3]...)
	}
	cam.Rotation = spatialmath.NewRotationMatrix(rvals)
	cam.Translation = r3.Vector{X: t[0][0], Y: t[1][0], Z: t[2][0]}
	return cam, nil
}

// WriteRemap writes the dense undistortion lookup table as "x,y,source x,source y" rows.
func WriteRemap(w io.Writer, remap *undistort.Remap) error {
	cw := csv.NewWriter(w)
	for y := 0; y < remap.Height; y++ {
		for x := 0; x < remap.Width; x++ {
			src := remap.At(x, y)
			if err := cw.Write(formatRow(float64(x), float64(y), src.X, src.Y)); err != nil {
				return errors.Wrap(err, "writing remap row")
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// WritePointPairs writes matched "input x,input y,reference x,reference y" rows.
func WritePointPairs(w io.Writer, input, reference []r2.Point) error {
	if len(input) != len(reference) {
		return errors.Errorf("point count mismatch %d != %d", len(input), len(reference))
	}
	cw := csv.NewWriter(w)
	for i := range input {
		if err := cw.Write(formatRow(input[i].X, input[i].Y, reference[i].X, reference[i].Y)); err != nil {
			return errors.Wrap(err, "writing point pair")
		}
	}
	cw.Flush()
	return cw.Error()
}
