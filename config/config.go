// Package config defines the project configuration of a calibration and tracking run.
package config

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/xromm/mocapcore/calibration"
	"github.com/xromm/mocapcore/logging"
	"github.com/xromm/mocapcore/rimage/transform"
	"github.com/xromm/mocapcore/rimage/undistort"
)

// Config is a whole project: cameras, calibration object, algorithm settings and the trial to
// track.
type Config struct {
	Cameras      []CameraConfig     `json:"cameras"`
	Object       ObjectConfig       `json:"object"`
	Calibration  CalibrationConfig  `json:"calibration"`
	Undistortion UndistortionConfig `json:"undistortion"`
	Tracking     *TrackingConfig    `json:"tracking,omitempty"`
	LogLevel     string             `json:"log_level,omitempty"`
	OutputDir    string             `json:"output_dir,omitempty"`

	ConfigFilePath string `json:"-"`
}

// CameraConfig describes one camera. Camera specific inputs live in Attributes and are decoded
// with CameraAttributes.
type CameraConfig struct {
	Name       string                 `json:"name"`
	Width      int                    `json:"width"`
	Height     int                    `json:"height"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// CameraAttributes are the per camera inputs.
type CameraAttributes struct {
	// CameraMatrix is a row major 3x3 matrix of a previous calibration.
	CameraMatrix []float64 `json:"camera_matrix"`
	// DistortionModel is brown_conrady (default) or radial.
	DistortionModel string `json:"distortion_model"`
	// Distortion holds the coefficients of DistortionModel.
	Distortion []float64 `json:"distortion"`
	// Blobs are the detected blob files, one per calibration frame.
	Blobs []string `json:"blobs"`
	// Seeds pin object points to pixels, keyed by object point index, per calibration frame.
	Seeds []map[string][]float64 `json:"seeds"`

	UndistortionGrid  string `json:"undistortion_grid"`
	UndistortionImage string `json:"undistortion_image"`
	// UndistortionCenter is the pixel of least distortion, the image center when unset.
	UndistortionCenter []float64 `json:"undistortion_center,omitempty"`
}

// ObjectConfig locates the calibration object. Either Path or Checkerboard must be given.
type ObjectConfig struct {
	Path         string                    `json:"path,omitempty"`
	References   string                    `json:"references,omitempty"`
	Checkerboard *calibration.Checkerboard `json:"checkerboard,omitempty"`
}

// CalibrationConfig are the calibration search settings.
type CalibrationConfig struct {
	calibration.Settings
	Mode string `json:"mode"`
}

// UndistortionConfig are the LWM field settings.
type UndistortionConfig struct {
	NeighborCount    int     `json:"neighbor_count"`
	OutlierThreshold float64 `json:"outlier_threshold"`
}

// TrackingConfig describes the trial: markers with their 2D point files per camera and bodies.
type TrackingConfig struct {
	Frames           int            `json:"frames"`
	CalibrationFrame int            `json:"calibration_frame"`
	Markers          []MarkerConfig `json:"markers"`
	Bodies           []BodyConfig   `json:"bodies"`
	Refine           bool           `json:"refine"`
	Optimize         bool           `json:"optimize"`
	FilterHalfWidth  int            `json:"filter_half_width"`
}

// MarkerConfig names a marker and its 2D point file per camera.
type MarkerConfig struct {
	Name   string   `json:"name"`
	Points []string `json:"points"`
}

// BodyConfig names a body, its markers and where its references come from: a points file or,
// when empty, the markers in ReferenceFrame.
type BodyConfig struct {
	Name           string   `json:"name"`
	Markers        []string `json:"markers"`
	References     string   `json:"references,omitempty"`
	ReferenceFrame int      `json:"reference_frame"`
	// Dummies are markers of other bodies followed as extra points, referenced in ReferenceFrame.
	Dummies []string `json:"dummies,omitempty"`
}

// Default returns a configuration with default algorithm settings and nothing else.
func Default() *Config {
	return &Config{
		Calibration: CalibrationConfig{Settings: calibration.DefaultSettings(), Mode: "full"},
		Undistortion: UndistortionConfig{
			NeighborCount:    undistort.DefaultNeighborCount,
			OutlierThreshold: 3,
		},
		LogLevel: "info",
	}
}

// CalibrationMode parses Mode.
func (c *CalibrationConfig) CalibrationMode() (calibration.Mode, error) {
	switch c.Mode {
	case "", "full":
		return calibration.FullCalibration, nil
	case "pose":
		return calibration.PoseOnly, nil
	default:
		return 0, errors.Errorf("unknown calibration mode %q", c.Mode)
	}
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate() error {
	var errs error
	if len(c.Cameras) == 0 {
		errs = multierr.Append(errs, utils.NewConfigValidationFieldRequiredError("", "cameras"))
	}
	names := map[string]bool{}
	for i, cam := range c.Cameras {
		path := fmt.Sprintf("cameras.%d", i)
		if err := cam.Validate(path); err != nil {
			errs = multierr.Append(errs, err)
		}
		if names[cam.Name] {
			errs = multierr.Append(errs, utils.NewConfigValidationError(path, errors.Errorf("duplicate camera name %q", cam.Name)))
		}
		names[cam.Name] = true
	}
	errs = multierr.Append(errs, c.Object.Validate("object"))
	errs = multierr.Append(errs, c.Calibration.Validate("calibration"))
	errs = multierr.Append(errs, c.Undistortion.Validate("undistortion"))
	if c.Tracking != nil {
		errs = multierr.Append(errs, c.Tracking.Validate("tracking", len(c.Cameras)))
	}
	if _, err := logging.LevelFromString(c.LogLevel); c.LogLevel != "" && err != nil {
		errs = multierr.Append(errs, utils.NewConfigValidationError("log_level", err))
	}
	return errs
}

// Validate ensures the camera is usable.
func (c *CameraConfig) Validate(path string) error {
	if c.Name == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "name")
	}
	if c.Width <= 0 || c.Height <= 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("invalid image size %dx%d", c.Width, c.Height))
	}
	attrs, err := c.CameraAttributes()
	if err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	if attrs.CameraMatrix != nil && len(attrs.CameraMatrix) != 9 {
		return utils.NewConfigValidationError(path, errors.Errorf("camera_matrix needs 9 values, got %d", len(attrs.CameraMatrix)))
	}
	if _, err := transform.LensModel(transform.DistortionType(attrs.DistortionModel), attrs.Distortion); err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	if attrs.UndistortionCenter != nil && len(attrs.UndistortionCenter) != 2 {
		return utils.NewConfigValidationError(path, errors.Errorf("undistortion_center needs 2 values, got %d", len(attrs.UndistortionCenter)))
	}
	if len(attrs.Seeds) > len(attrs.Blobs) {
		return utils.NewConfigValidationError(path, errors.New("more seed sets than blob files"))
	}
	return nil
}

// CameraAttributes decodes Attributes. Unknown keys are an error.
func (c *CameraConfig) CameraAttributes() (*CameraAttributes, error) {
	var attrs CameraAttributes
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:  "json",
		Result:   &attrs,
		Metadata: &md,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(c.Attributes); err != nil {
		return nil, errors.Wrapf(err, "decoding attributes of camera %s", c.Name)
	}
	if len(md.Unused) > 0 {
		return nil, errors.Errorf("camera %s has unknown attributes %v", c.Name, md.Unused)
	}
	return &attrs, nil
}

// Validate ensures exactly one object source is set.
func (o *ObjectConfig) Validate(path string) error {
	switch {
	case o.Path == "" && o.Checkerboard == nil:
		return utils.NewConfigValidationFieldRequiredError(path, "path")
	case o.Path != "" && o.Checkerboard != nil:
		return utils.NewConfigValidationError(path, errors.New("path and checkerboard are exclusive"))
	case o.Checkerboard != nil && (o.Checkerboard.Rows < 2 || o.Checkerboard.Cols < 2 || o.Checkerboard.Spacing <= 0):
		return utils.NewConfigValidationError(path, errors.New("checkerboard needs at least 2x2 corners and a positive spacing"))
	}
	return nil
}

// Load builds the calibration object.
func (o *ObjectConfig) Load() (*calibration.Object, error) {
	if o.Checkerboard != nil {
		return calibration.NewCheckerboardObject(*o.Checkerboard)
	}
	return calibration.LoadObject(o.Path, o.References)
}

// Validate checks the search settings.
func (c *CalibrationConfig) Validate(path string) error {
	var errs error
	if _, err := c.CalibrationMode(); err != nil {
		errs = multierr.Append(errs, utils.NewConfigValidationError(path, err))
	}
	if c.MaxTrials < 1 || c.MinTrials < 1 || c.MinTrials > c.MaxTrials {
		errs = multierr.Append(errs, utils.NewConfigValidationError(path,
			errors.Errorf("invalid trial bounds min %d max %d", c.MinTrials, c.MaxTrials)))
	}
	if c.Threshold < 0 || c.RefineThreshold < 0 || c.OutlierThreshold < 0 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(path, errors.New("thresholds must not be negative")))
	}
	return errs
}

// Validate checks the field settings.
func (u *UndistortionConfig) Validate(path string) error {
	if u.NeighborCount < undistort.MinNeighborCount {
		return utils.NewConfigValidationError(path,
			errors.Errorf("neighbor_count %d below minimum %d", u.NeighborCount, undistort.MinNeighborCount))
	}
	if u.OutlierThreshold <= 0 {
		return utils.NewConfigValidationError(path, errors.New("outlier_threshold must be positive"))
	}
	return nil
}

// Validate checks the trial against the number of cameras.
func (t *TrackingConfig) Validate(path string, cameras int) error {
	var errs error
	if t.Frames <= 0 {
		errs = multierr.Append(errs, utils.NewConfigValidationFieldRequiredError(path, "frames"))
	}
	if t.FilterHalfWidth < 0 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(path, errors.New("filter_half_width must not be negative")))
	}
	markers := map[string]bool{}
	for i, m := range t.Markers {
		mp := fmt.Sprintf("%s.markers.%d", path, i)
		if m.Name == "" {
			errs = multierr.Append(errs, utils.NewConfigValidationFieldRequiredError(mp, "name"))
			continue
		}
		if len(m.Points) != cameras {
			errs = multierr.Append(errs, utils.NewConfigValidationError(mp,
				errors.Errorf("marker %s has %d point files for %d cameras", m.Name, len(m.Points), cameras)))
		}
		markers[m.Name] = true
	}
	for i, b := range t.Bodies {
		bp := fmt.Sprintf("%s.bodies.%d", path, i)
		if b.Name == "" {
			errs = multierr.Append(errs, utils.NewConfigValidationFieldRequiredError(bp, "name"))
		}
		for _, m := range append(append([]string(nil), b.Markers...), b.Dummies...) {
			if !markers[m] {
				errs = multierr.Append(errs, utils.NewConfigValidationError(bp, errors.Errorf("unknown marker %q", m)))
			}
		}
	}
	return errs
}
