package cli

import (
	"io"
	"math"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/xromm/mocapcore/camera"
	"github.com/xromm/mocapcore/config"
	"github.com/xromm/mocapcore/pointfile"
)

// UndistortAction writes the undistortion lookup table of every camera with a grid and the
// undistorted grid image when one is configured.
func UndistortAction(c *cli.Context) error {
	p, err := loadProject(c)
	if err != nil {
		return err
	}
	n := 0
	g, _ := errgroup.WithContext(c.Context)
	for i, cam := range p.cameras {
		if cam.Field == nil {
			continue
		}
		attrs := p.attrs[i]
		g.Go(func() error {
			return errors.Wrapf(p.writeUndistortion(cam, attrs), "camera %s", cam.Name)
		})
		n++
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if n == 0 {
		return errors.New("no camera has an undistortion_grid")
	}
	printf(c.App.Writer, "undistortion of %d cameras written to %s", n, p.outDir)
	return nil
}

func (p *project) writeUndistortion(cam *camera.Camera, attrs *config.CameraAttributes) error {
	field := cam.Field
	remap, err := field.Remap(cam.Width(), cam.Height())
	if err != nil {
		return err
	}
	if err := pointfile.WriteFile(p.path(cam.Name+"_lut.csv"), func(w io.Writer) error {
		return pointfile.WriteRemap(w, remap)
	}); err != nil {
		return err
	}
	if err := pointfile.WriteFile(p.path(cam.Name+"_grid_pairs.csv"), func(w io.Writer) error {
		return pointfile.WritePointPairs(w, field.Distorted(), field.Reference())
	}); err != nil {
		return err
	}
	p.logger.Infow("undistortion field", "camera", cam.Name, "coverage", field.Coverage(field.Distorted()))
	if err := writeResidualHistogram(p.path(cam.Name+"_residuals.png"), cam.Name, field.ResidualErrors()); err != nil {
		return err
	}

	if attrs.UndistortionImage == "" {
		return nil
	}
	img, err := imaging.Open(attrs.UndistortionImage)
	if err != nil {
		return errors.Wrapf(err, "opening %s", attrs.UndistortionImage)
	}
	out, err := field.UndistortImage(img)
	if err != nil {
		return err
	}
	return imaging.Save(out, p.path(cam.Name+"_undistorted.png"))
}

// residualBins is the histogram resolution of the grid fit residual plot.
const residualBins = 20

// writeResidualHistogram plots the distribution of the grid residuals of a fitted field in
// pixels.
func writeResidualHistogram(path, name string, residuals []float64) error {
	residuals = lo.Filter(residuals, func(r float64, _ int) bool { return !math.IsNaN(r) })
	if len(residuals) == 0 || floats.Max(residuals) == floats.Min(residuals) {
		return nil
	}
	plt := plot.New()
	plt.Title.Text = name + " grid residuals"
	plt.X.Label.Text = "px"
	plt.Y.Label.Text = "points"
	hist, err := plotter.NewHist(plotter.Values(residuals), residualBins)
	if err != nil {
		return errors.Wrap(err, "residual histogram")
	}
	plt.Add(hist)
	return plt.Save(6*vg.Inch, 4*vg.Inch, path)
}
