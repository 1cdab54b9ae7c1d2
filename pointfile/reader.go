// Package pointfile reads and writes the plain text point, matrix and coefficient files of a
// calibration session. Readers are tolerant: values may be separated by commas and/or
// whitespace, lines yielding no values are skipped, and nothing is returned on error.
package pointfile

import (
	"bufio"
	"image"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/xromm/mocapcore/camera"
	"github.com/xromm/mocapcore/rimage/transform"
	"github.com/xromm/mocapcore/spatialmath"
)

func isSeparator(r rune) bool {
	return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\r'
}

// splitFields splits a line on commas and whitespace.
func splitFields(line string) []string {
	return strings.FieldsFunc(line, isSeparator)
}

// parseValues parses the leading numeric fields of a line, stopping at the first field that is
// not a number.
func parseValues(line string) []float64 {
	var out []float64
	for _, f := range splitFields(line) {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			break
		}
		out = append(out, v)
	}
	return out
}

// readRows returns the numeric rows of r that hold at least minValues values.
func readRows(r io.Reader, minValues int) ([][]float64, error) {
	var rows [][]float64
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		vals := parseValues(scanner.Text())
		if len(vals) == 0 || len(vals) < minValues {
			continue
		}
		rows = append(rows, vals)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading point file")
	}
	return rows, nil
}

// ReadPoints2D reads one x,y point per line.
func ReadPoints2D(r io.Reader) ([]r2.Point, error) {
	rows, err := readRows(r, 2)
	if err != nil {
		return nil, err
	}
	out := make([]r2.Point, len(rows))
	for i, row := range rows {
		out[i] = r2.Point{X: row[0], Y: row[1]}
	}
	return out, nil
}

// ReadPoints3D reads one x,y,z point per line.
func ReadPoints3D(r io.Reader) ([]r3.Vector, error) {
	rows, err := readRows(r, 3)
	if err != nil {
		return nil, err
	}
	out := make([]r3.Vector, len(rows))
	for i, row := range rows {
		out[i] = r3.Vector{X: row[0], Y: row[1], Z: row[2]}
	}
	return out, nil
}

// ReadGridPoints reads a detected undistortion grid, one x,y,column,row entry per line.
func ReadGridPoints(r io.Reader) ([]r2.Point, []image.Point, error) {
	rows, err := readRows(r, 4)
	if err != nil {
		return nil, nil, err
	}
	pts := make([]r2.Point, len(rows))
	grid := make([]image.Point, len(rows))
	for i, row := range rows {
		pts[i] = r2.Point{X: row[0], Y: row[1]}
		grid[i] = image.Pt(int(math.Round(row[2])), int(math.Round(row[3])))
	}
	return pts, grid, nil
}

// ReadInliers reads one inlier code (1, 0 or -1) per line.
func ReadInliers(r io.Reader) ([]camera.InlierState, error) {
	rows, err := readRows(r, 1)
	if err != nil {
		return nil, err
	}
	out := make([]camera.InlierState, len(rows))
	for i, row := range rows {
		s, err := camera.ParseInlierState(int(row[0]))
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", i+1)
		}
		out[i] = s
	}
	return out, nil
}

// ReadRotation reads a 3x3 rotation matrix, one row per line.
func ReadRotation(r io.Reader) (*spatialmath.RotationMatrix, error) {
	rows, err := readRows(r, 3)
	if err != nil {
		return nil, err
	}
	if len(rows) < 3 {
		return nil, errors.Errorf("rotation needs 3 rows, got %d", len(rows))
	}
	vals := make([]float64, 0, 9)
	for _, row := range rows[:3] {
		vals = append(vals, row[:3]...)
	}
	return spatialmath.NewRotationMatrix(vals), nil
}

// ReadTranslation reads a 3x1 translation, one value per line.
func ReadTranslation(r io.Reader) (r3.Vector, error) {
	rows, err := readRows(r, 1)
	if err != nil {
		return r3.Vector{}, err
	}
	if len(rows) < 3 {
		return r3.Vector{}, errors.Errorf("translation needs 3 values, got %d", len(rows))
	}
	return r3.Vector{X: rows[0][0], Y: rows[1][0], Z: rows[2][0]}, nil
}

// ReadDistortion reads the 8 distortion coefficients (k1 k2 p1 p2 k3 k4 k5 k6), one per line.
func ReadDistortion(r io.Reader) (*transform.BrownConrady, error) {
	rows, err := readRows(r, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) < transform.NumDistortionCoefficients {
		return nil, errors.Errorf("distortion needs %d coefficients, got %d", transform.NumDistortionCoefficients, len(rows))
	}
	vals := make([]float64, transform.NumDistortionCoefficients)
	for i := range vals {
		vals[i] = rows[i][0]
	}
	return transform.NewBrownConrady(vals)
}

// ReadFile opens path and hands it to read.
func ReadFile[T any](path string, read func(io.Reader) (T, error)) (T, error) {
	var zero T
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return zero, errors.Wrapf(err, "opening %s", path)
	}
	defer utils.UncheckedErrorFunc(f.Close)
	out, err := read(f)
	if err != nil {
		return zero, errors.Wrapf(err, "reading %s", path)
	}
	return out, nil
}
