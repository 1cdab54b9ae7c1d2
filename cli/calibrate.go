package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gonum.org/v1/gonum/mat"

	"github.com/xromm/mocapcore/calibration"
	"github.com/xromm/mocapcore/camera"
	"github.com/xromm/mocapcore/config"
	"github.com/xromm/mocapcore/pointfile"
)

// CalibrateAction calibrates every camera and writes the calibration files.
func CalibrateAction(c *cli.Context) error {
	p, err := loadProject(c)
	if err != nil {
		return err
	}
	modeCfg := p.cfg.Calibration
	if c.IsSet(flagMode) {
		modeCfg.Mode = c.String(flagMode)
	}
	mode, err := modeCfg.CalibrationMode()
	if err != nil {
		return err
	}
	if err := p.calibrate(c.Context, mode); err != nil {
		return err
	}
	if err := p.writeCalibration(); err != nil {
		return err
	}
	if err := writeCalibrationSummary(c.App.Writer, p.cameras); err != nil {
		return err
	}
	printf(c.App.Writer, "calibration written to %s", p.outDir)
	return nil
}

// calibrate runs the first frame of every camera in mode, then poses the remaining frames of
// the cameras that are calibrated by then.
func (p *project) calibrate(ctx context.Context, mode calibration.Mode) error {
	if err := p.runCalibration(ctx, mode, func(frame int) bool { return frame == 0 }); err != nil {
		return err
	}
	if err := p.runCalibration(ctx, calibration.PoseOnly, func(frame int) bool { return frame > 0 }); err != nil {
		return err
	}
	for _, cam := range p.cameras {
		for i, f := range cam.Frames {
			if !f.Calibrated {
				p.logger.Warnw("frame not calibrated", "camera", cam.Name, "frame", i)
				continue
			}
			if err := cam.UpdateFrame(i, p.object.Points); err != nil {
				return err
			}
			stats, err := cam.ReprojectionError(i)
			if err != nil {
				return err
			}
			p.logger.Infow("frame calibrated", "camera", cam.Name, "frame", i, "inliers", stats.Count,
				"mean_error", stats.Mean, "sd_error", stats.StdDev, "max_error", stats.Max)
		}
	}
	return ctx.Err()
}

func (p *project) runCalibration(ctx context.Context, mode calibration.Mode, include func(frame int) bool) error {
	sched := calibration.NewScheduler(p.logger.Sublogger("scheduler"))
	sched.OnDone(func(r calibration.TaskResult) {
		if r.Err != nil {
			p.logger.Warnw("calibration failed", "task", r.Name, "error", r.Err)
		}
	})
	for ci, cam := range p.cameras {
		for f := range cam.Frames {
			if !include(f) {
				continue
			}
			if mode == calibration.PoseOnly && !cam.IsCalibrated() {
				p.logger.Warnw("skipping pose of uncalibrated camera", "camera", cam.Name, "frame", f)
				continue
			}
			cal, err := calibration.NewRobustCalibrator(p.object, cam, f, p.cfg.Calibration.Settings,
				p.logger.Sublogger(cam.Name))
			if err != nil {
				return err
			}
			if err := addSeeds(cal, p.attrs[ci], f); err != nil {
				return errors.Wrapf(err, "camera %s frame %d", cam.Name, f)
			}
			sched.Submit(ctx, fmt.Sprintf("%s frame %d", cam.Name, f), calibration.CalibrationTask(cal, mode))
		}
	}
	sched.Wait()
	return ctx.Err()
}

func addSeeds(cal *calibration.RobustCalibrator, attrs *config.CameraAttributes, frame int) error {
	if frame >= len(attrs.Seeds) {
		return nil
	}
	for key, px := range attrs.Seeds[frame] {
		idx, err := strconv.Atoi(key)
		if err != nil {
			return errors.Wrapf(err, "seed key %q", key)
		}
		if len(px) != 2 {
			return errors.Errorf("seed %d needs 2 pixel values, got %d", idx, len(px))
		}
		if err := cal.AddSeed(idx, r2.Point{X: px[0], Y: px[1]}); err != nil {
			return err
		}
	}
	return nil
}

// writeCalibration writes the DLT table of all views plus per view MayaCam, detections and
// inlier files.
func (p *project) writeCalibration() error {
	var views []mat.Matrix
	for _, cam := range p.cameras {
		for i, f := range cam.Frames {
			prefix := fmt.Sprintf("%s_frame%d", cam.Name, i)
			pm, ok := cam.ProjectionMatrix(i)
			if !ok {
				views = append(views, nil)
				continue
			}
			views = append(views, pm)
			maya := pointfile.MayaCam{
				Width:       cam.Width(),
				Height:      cam.Height(),
				K:           cam.CameraMatrix(),
				Rotation:    f.Pose.RotationMatrix(),
				Translation: f.Pose.Translation,
			}
			if err := pointfile.WriteFile(p.path(prefix+"_mayacam.txt"), func(w io.Writer) error {
				return pointfile.WriteMayaCam(w, maya)
			}); err != nil {
				return err
			}
			if err := p.writeFrame(prefix, f); err != nil {
				return err
			}
		}
		if cam.HasModelDistortion {
			if err := pointfile.WriteFile(p.path(cam.Name+"_distortion.csv"), func(w io.Writer) error {
				return pointfile.WriteDistortion(w, cam.Distortion)
			}); err != nil {
				return err
			}
		}
	}
	return pointfile.WriteFile(p.path("dlt.csv"), func(w io.Writer) error {
		return pointfile.WriteDLT(w, views)
	})
}

func (p *project) writeFrame(prefix string, f *camera.CalibrationFrame) error {
	if err := pointfile.WriteFile(p.path(prefix+"_inliers.csv"), func(w io.Writer) error {
		return pointfile.WriteInliers(w, f.Inliers)
	}); err != nil {
		return err
	}
	if err := pointfile.WriteFile(p.path(prefix+"_rotation.csv"), func(w io.Writer) error {
		return pointfile.WriteRotation(w, f.Pose.RotationMatrix())
	}); err != nil {
		return err
	}
	if err := pointfile.WriteFile(p.path(prefix+"_translation.csv"), func(w io.Writer) error {
		return pointfile.WriteTranslation(w, f.Pose.Translation)
	}); err != nil {
		return err
	}
	return pointfile.WriteFile(p.path(prefix+"_points.csv"), func(w io.Writer) error {
		return pointfile.WritePoints2D(w, f.Detected)
	})
}

func printf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(w, format+"\n", a...)
}
