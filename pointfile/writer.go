package pointfile

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/xromm/mocapcore/camera"
	"github.com/xromm/mocapcore/rimage/transform"
	"github.com/xromm/mocapcore/spatialmath"
)

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func joinValues(vals ...float64) string {
	return strings.Join(lo.Map(vals, func(v float64, _ int) string { return formatFloat(v) }), ",")
}

func writeLines(w io.Writer, lines []string) error {
	bw := bufio.NewWriter(w)
	for _, l := range lines {
		if _, err := bw.WriteString(l + "\n"); err != nil {
			return errors.Wrap(err, "writing point file")
		}
	}
	return bw.Flush()
}

// WritePoints2D writes one x,y point per line.
func WritePoints2D(w io.Writer, pts []r2.Point) error {
	return writeLines(w, lo.Map(pts, func(p r2.Point, _ int) string { return joinValues(p.X, p.Y) }))
}

// WritePoints3D writes one x,y,z point per line.
func WritePoints3D(w io.Writer, pts []r3.Vector) error {
	return writeLines(w, lo.Map(pts, func(p r3.Vector, _ int) string { return joinValues(p.X, p.Y, p.Z) }))
}

// WriteInliers writes one inlier code per line.
func WriteInliers(w io.Writer, inliers []camera.InlierState) error {
	return writeLines(w, lo.Map(inliers, func(s camera.InlierState, _ int) string { return strconv.Itoa(int(s)) }))
}

// WriteRotation writes a 3x3 rotation, one row per line.
func WriteRotation(w io.Writer, rm *spatialmath.RotationMatrix) error {
	lines := make([]string, 3)
	for i := range lines {
		row := rm.Row(i)
		lines[i] = joinValues(row.X, row.Y, row.Z)
	}
	return writeLines(w, lines)
}

// WriteTranslation writes a 3x1 translation, one value per line.
func WriteTranslation(w io.Writer, t r3.Vector) error {
	return writeLines(w, []string{formatFloat(t.X), formatFloat(t.Y), formatFloat(t.Z)})
}

// WriteDistortion writes the 8 distortion coefficients, one per line. A nil model writes zeros.
func WriteDistortion(w io.Writer, bc *transform.BrownConrady) error {
	vals := make([]float64, transform.NumDistortionCoefficients)
	if bc != nil {
		vals = bc.Parameters()
	}
	return writeLines(w, lo.Map(vals, func(v float64, _ int) string { return formatFloat(v) }))
}

// WriteFile creates path and hands it to write.
func WriteFile(path string, write func(io.Writer) error) (err error) {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	if err := write(f); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return nil
}
