package cli

import (
	"context"
	"encoding/csv"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/xromm/mocapcore/config"
	"github.com/xromm/mocapcore/pointfile"
	"github.com/xromm/mocapcore/rigidbody"
)

// TrackAction calibrates the cameras, triangulates the markers of the configured trial and
// writes the marker positions and body poses.
func TrackAction(c *cli.Context) error {
	p, err := loadProject(c)
	if err != nil {
		return err
	}
	tc := p.cfg.Tracking
	if tc == nil {
		return errors.New("configuration has no tracking section")
	}
	mode, err := p.cfg.Calibration.CalibrationMode()
	if err != nil {
		return err
	}
	if err := p.calibrate(c.Context, mode); err != nil {
		return err
	}
	trial, err := p.buildTrial(tc)
	if err != nil {
		return err
	}
	refine := !c.Bool(flagNoRefine)
	if err := p.track(c.Context, trial, tc, refine); err != nil {
		return err
	}
	if err := p.writeTrial(trial); err != nil {
		return err
	}
	writeTrackingSummary(c.App.Writer, trial)
	printf(c.App.Writer, "tracked %d bodies over %d frames, results in %s", len(trial.Bodies), trial.NumFrames, p.outDir)
	return nil
}

// buildTrial creates the markers from their per camera 2D files. NaN rows are frames where the
// marker was not detected.
func (p *project) buildTrial(tc *config.TrackingConfig) (*rigidbody.Trial, error) {
	trial := rigidbody.NewTrial("trial", p.cameras, tc.CalibrationFrame, tc.Frames, p.logger)
	byName := map[string]int{}
	for _, mc := range tc.Markers {
		idx := trial.AddMarker(mc.Name)
		byName[mc.Name] = idx
		for ci, path := range mc.Points {
			pts, err := pointfile.ReadFile(path, pointfile.ReadPoints2D)
			if err != nil {
				return nil, err
			}
			if len(pts) != tc.Frames {
				return nil, errors.Errorf("marker %s camera %d has %d frames, want %d", mc.Name, ci, len(pts), tc.Frames)
			}
			for f, pt := range pts {
				if math.IsNaN(pt.X) || math.IsNaN(pt.Y) {
					continue
				}
				trial.Markers[idx].Set2D(ci, f, pt, rigidbody.Tracked)
			}
		}
	}
	for _, bc := range tc.Bodies {
		markers := make([]int, len(bc.Markers))
		for i, name := range bc.Markers {
			markers[i] = byName[name]
		}
		if _, err := trial.AddBody(bc.Name, markers); err != nil {
			return nil, err
		}
	}
	return trial, nil
}

func (p *project) track(ctx context.Context, trial *rigidbody.Trial, tc *config.TrackingConfig, refine bool) error {
	if err := trial.ReconstructAll(ctx, refine && tc.Refine); err != nil {
		return err
	}
	for i, bc := range tc.Bodies {
		if err := setReferences(trial.Bodies[i], trial.Markers, bc); err != nil {
			return errors.Wrapf(err, "references of body %s", bc.Name)
		}
		if err := addDummies(trial.Bodies[i], trial.Markers, bc); err != nil {
			return errors.Wrapf(err, "dummies of body %s", bc.Name)
		}
	}
	optimize := refine && tc.Optimize
	if err := trial.ComputePoses(ctx, optimize); err != nil {
		return err
	}
	var filter rigidbody.PoseFilter = rigidbody.PassThroughFilter{}
	if tc.FilterHalfWidth > 0 {
		filter = rigidbody.MovingAverageFilter{HalfWidth: tc.FilterHalfWidth}
	}
	for _, b := range trial.Bodies {
		if err := b.FilterTransformations(filter); err != nil {
			return err
		}
		if !optimize {
			continue
		}
		for f := 0; f < trial.NumFrames; f++ {
			b.SetOptimized(trial.Markers, f)
		}
	}
	return nil
}

// addDummies attaches the configured markers of other bodies to b, referenced in the body's
// reference frame.
func addDummies(b *rigidbody.RigidBody, markers []*rigidbody.Marker, bc config.BodyConfig) error {
	for _, name := range bc.Dummies {
		_, idx, ok := lo.FindIndexOf(markers, func(m *rigidbody.Marker) bool { return m.Name == name })
		if !ok {
			return errors.Errorf("unknown dummy marker %q", name)
		}
		if err := b.AddMarkerDummyAt(idx, markers, bc.ReferenceFrame); err != nil {
			return err
		}
	}
	return nil
}

func setReferences(b *rigidbody.RigidBody, markers []*rigidbody.Marker, bc config.BodyConfig) (err error) {
	if bc.References == "" {
		return b.SetReferencesFromFrame(markers, bc.ReferenceFrame)
	}
	//nolint:gosec
	f, err := os.Open(bc.References)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return b.SetReferencesFromFile(f, markers, bc.ReferenceFrame)
}

// writeTrial writes the 3D position of every marker per frame, NaN where unknown, and the raw
// and filtered poses of every body.
func (p *project) writeTrial(trial *rigidbody.Trial) error {
	nan := r3.Vector{X: math.NaN(), Y: math.NaN(), Z: math.NaN()}
	for _, m := range trial.Markers {
		pts := make([]r3.Vector, trial.NumFrames)
		for f := range pts {
			pts[f] = nan
			if m.Has3D(f) {
				pts[f] = m.Points3D[f]
			}
		}
		if err := pointfile.WriteFile(p.path(m.Name+"_3d.csv"), func(w io.Writer) error {
			return pointfile.WritePoints3D(w, pts)
		}); err != nil {
			return err
		}
	}
	for _, b := range trial.Bodies {
		if err := pointfile.WriteFile(p.path(b.Name+"_poses.csv"), func(w io.Writer) error {
			return writeBodyPoses(w, b)
		}); err != nil {
			return err
		}
	}
	return nil
}

var poseHeader = []string{
	"frame", "rx", "ry", "rz", "tx", "ty", "tz",
	"filtered_rx", "filtered_ry", "filtered_rz", "filtered_tx", "filtered_ty", "filtered_tz", "error",
}

func writeBodyPoses(w io.Writer, b *rigidbody.RigidBody) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(poseHeader); err != nil {
		return err
	}
	for f := range b.Poses {
		row := []float64{float64(f)}
		row = append(row, poseValues(b.Poses[f].Rotation, b.Poses[f].Translation, b.PoseComputed[f])...)
		filtered := f < len(b.FilteredComputed) && b.FilteredComputed[f]
		if filtered {
			row = append(row, poseValues(b.FilteredPoses[f].Rotation, b.FilteredPoses[f].Translation, true)...)
		} else {
			row = append(row, poseValues(r3.Vector{}, r3.Vector{}, false)...)
		}
		row = append(row, b.Errors[f])
		if err := cw.Write(formatValues(row)); err != nil {
			return errors.Wrap(err, "writing pose row")
		}
	}
	cw.Flush()
	return cw.Error()
}

func poseValues(rot, trans r3.Vector, ok bool) []float64 {
	if !ok {
		n := math.NaN()
		return []float64{n, n, n, n, n, n}
	}
	return []float64{rot.X, rot.Y, rot.Z, trans.X, trans.Y, trans.Z}
}

func formatValues(vals []float64) []string {
	return lo.Map(vals, func(v float64, _ int) string {
		return strconv.FormatFloat(v, 'g', -1, 64)
	})
}
