package cli

import (
	"image"
	"io"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gonum.org/v1/gonum/mat"

	"github.com/xromm/mocapcore/calibration"
	"github.com/xromm/mocapcore/camera"
	"github.com/xromm/mocapcore/config"
	"github.com/xromm/mocapcore/logging"
	"github.com/xromm/mocapcore/pointfile"
	"github.com/xromm/mocapcore/rimage/transform"
	"github.com/xromm/mocapcore/rimage/undistort"
)

// project is a loaded configuration with its cameras and calibration object.
type project struct {
	cfg     *config.Config
	object  *calibration.Object
	cameras []*camera.Camera
	attrs   []*config.CameraAttributes
	outDir  string
	logger  logging.Logger
}

func newLogger(c *cli.Context) logging.Logger {
	if c.Bool(flagDebug) {
		return logging.NewDebugLogger("xcal")
	}
	return logging.NewLogger("xcal")
}

// loadProject reads the configuration, builds the cameras with their prior calibration, fields
// and blob frames, and prepares the output directory.
func loadProject(c *cli.Context) (*project, error) {
	logger := newLogger(c)
	cfg, err := config.Read(c.String(flagConfig), logger)
	if err != nil {
		return nil, err
	}
	if !c.Bool(flagDebug) && cfg.LogLevel != "" {
		level, err := logging.LevelFromString(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		logger.SetLevel(level)
	}

	outDir := c.String(flagOutput)
	if outDir == "" {
		outDir = cfg.OutputDir
	}
	if outDir == "" {
		outDir = "."
	}
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return nil, errors.Wrapf(err, "creating output directory %s", outDir)
	}

	obj, err := cfg.Object.Load()
	if err != nil {
		return nil, errors.Wrap(err, "loading calibration object")
	}
	p := &project{cfg: cfg, object: obj, outDir: outDir, logger: logger}
	for _, cc := range cfg.Cameras {
		attrs, err := cc.CameraAttributes()
		if err != nil {
			return nil, err
		}
		cam, err := p.loadCamera(cc, attrs)
		if err != nil {
			return nil, errors.Wrapf(err, "camera %s", cc.Name)
		}
		p.cameras = append(p.cameras, cam)
		p.attrs = append(p.attrs, attrs)
	}
	return p, nil
}

func (p *project) loadCamera(cc config.CameraConfig, attrs *config.CameraAttributes) (*camera.Camera, error) {
	cam := camera.NewCamera(cc.Name, cc.Width, cc.Height, p.logger)
	if attrs.CameraMatrix != nil {
		dist, err := transform.LensModel(transform.DistortionType(attrs.DistortionModel), attrs.Distortion)
		if err != nil {
			return nil, err
		}
		if err := cam.SetCalibration(mat.NewDense(3, 3, attrs.CameraMatrix), dist); err != nil {
			return nil, err
		}
	}
	if attrs.UndistortionGrid != "" {
		field, err := p.fitField(cam, attrs)
		if err != nil {
			return nil, err
		}
		cam.Field = field
	}
	cam.ResetFrames(len(attrs.Blobs), p.object.Len())
	for i, path := range attrs.Blobs {
		blobs, err := pointfile.ReadFile(path, pointfile.ReadPoints2D)
		if err != nil {
			return nil, err
		}
		cam.Frames[i].Blobs = blobs
	}
	return cam, nil
}

type gridFile struct {
	points []r2.Point
	grid   []image.Point
}

func readGridFile(r io.Reader) (gridFile, error) {
	pts, grid, err := pointfile.ReadGridPoints(r)
	return gridFile{points: pts, grid: grid}, err
}

// fitField fits the LWM field of a camera on its detected grid. Reference positions are
// extrapolated from the grid points nearest the configured center, the image center by default.
// With a grid image the points outside its illuminated circle are dropped first.
func (p *project) fitField(cam *camera.Camera, attrs *config.CameraAttributes) (*undistort.Field, error) {
	gf, err := pointfile.ReadFile(attrs.UndistortionGrid, readGridFile)
	if err != nil {
		return nil, err
	}
	center := r2.Point{X: float64(cam.Width()) / 2, Y: float64(cam.Height()) / 2}
	if len(attrs.UndistortionCenter) == 2 {
		center = r2.Point{X: attrs.UndistortionCenter[0], Y: attrs.UndistortionCenter[1]}
	}
	logger := p.logger.Sublogger("undistort").With("camera", cam.Name)
	field := undistort.NewField(logger)
	field.NeighborCount = p.cfg.Undistortion.NeighborCount
	if err := field.SetGrid(gf.points, gf.grid); err != nil {
		return nil, err
	}
	field.SetCenter(center)
	if attrs.UndistortionImage != "" {
		img, err := imaging.Open(attrs.UndistortionImage)
		if err != nil {
			return nil, errors.Wrapf(err, "opening grid image %s", attrs.UndistortionImage)
		}
		removed, err := field.RemoveOutliers(img, p.cfg.Undistortion.OutlierThreshold)
		if err != nil {
			return nil, err
		}
		logger.Infow("grid outliers removed", "removed", removed)
	}
	if err := field.Fit(); err != nil {
		return nil, err
	}
	return field, nil
}

// path returns the output path of name.
func (p *project) path(name string) string {
	return filepath.Join(p.outDir, name)
}
