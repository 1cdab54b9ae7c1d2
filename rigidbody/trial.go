package rigidbody

import (
	"context"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/xromm/mocapcore/camera"
	"github.com/xromm/mocapcore/logging"
	"github.com/xromm/mocapcore/rimage/transform"
	"github.com/xromm/mocapcore/utils"
)

// Trial is a sequence of frames recorded by a set of calibrated cameras with the markers and
// bodies tracked in it.
type Trial struct {
	Name      string
	Cameras   []*camera.Camera
	Markers   []*Marker
	Bodies    []*RigidBody
	NumFrames int
	Solver    *Solver

	logger logging.Logger
}

// NewTrial returns an empty trial of frames frames.
func NewTrial(name string, cams []*camera.Camera, calibrationFrame, frames int, logger logging.Logger) *Trial {
	logger = logger.Sublogger(name)
	return &Trial{
		Name:      name,
		Cameras:   cams,
		NumFrames: frames,
		Solver:    NewSolver(cams, calibrationFrame, logger),
		logger:    logger,
	}
}

// AddMarker appends a new undefined marker and returns its index.
func (t *Trial) AddMarker(name string) int {
	t.Markers = append(t.Markers, NewMarker(name, len(t.Cameras), t.NumFrames))
	return len(t.Markers) - 1
}

// AddBody appends a body over existing markers.
func (t *Trial) AddBody(name string, markers []int) (*RigidBody, error) {
	for _, m := range markers {
		if m < 0 || m >= len(t.Markers) {
			return nil, errors.Errorf("body %s: marker index %d out of range", name, m)
		}
	}
	b := NewRigidBody(name, markers, t.NumFrames)
	t.Bodies = append(t.Bodies, b)
	return b, nil
}

// ReconstructMarker triangulates marker m in frame from every camera with a detection. At least
// two views are required; otherwise the 3D position is cleared. The reconstructed status is the
// least trusted status among the views used.
func (t *Trial) ReconstructMarker(m, frame int, refine bool) bool {
	mk := t.Markers[m]
	var views []transform.View
	status := ManualAndOptimized
	for c, cam := range t.Cameras {
		if !mk.Has2D(c, frame) {
			continue
		}
		p, ok := cam.ProjectionMatrix(t.Solver.CalibrationFrame)
		if !ok {
			continue
		}
		views = append(views, transform.View{P: p, Point: cam.UndistortPoint(mk.Points2D[c][frame], true, true, true)})
		if s := mk.Status2D[c][frame]; s < status {
			status = s
		}
	}
	if len(views) < 2 {
		mk.Set3D(frame, r3.Vector{}, Undefined)
		mk.Error3D[frame] = 0
		return false
	}
	pt, err := transform.TriangulatePoint(views)
	if err != nil {
		t.logger.Debugw("triangulation failed", "marker", mk.Name, "frame", frame, "error", err)
		mk.Set3D(frame, r3.Vector{}, Undefined)
		mk.Error3D[frame] = 0
		return false
	}
	if refine {
		if refined, err := transform.RefineTriangulatedPoint(views, pt); err == nil {
			pt = refined
		}
	}
	mk.Set3D(frame, pt, status)
	mk.Error3D[frame] = transform.TriangulationError(views, pt)
	return true
}

// ReconstructMarkers triangulates every marker in frame and returns how many succeeded.
func (t *Trial) ReconstructMarkers(frame int, refine bool) int {
	n := 0
	for m := range t.Markers {
		if t.ReconstructMarker(m, frame, refine) {
			n++
		}
	}
	return n
}

// ReconstructAll triangulates every marker in every frame.
func (t *Trial) ReconstructAll(ctx context.Context, refine bool) error {
	for f := 0; f < t.NumFrames; f++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		t.ReconstructMarkers(f, refine)
	}
	return nil
}

// ComputePoses computes the pose of every body in every frame, one goroutine per body, and
// optionally refines each against the 2D detections.
func (t *Trial) ComputePoses(ctx context.Context, optimize bool) error {
	fs := make([]utils.SimpleFunc, 0, len(t.Bodies))
	for _, b := range t.Bodies {
		fs = append(fs, func(ctx context.Context) error {
			return t.computeBodyPoses(ctx, b, optimize)
		})
	}
	elapsed, err := utils.RunInParallel(ctx, fs)
	if err != nil {
		return err
	}
	t.logger.Infow("computed poses", "bodies", len(t.Bodies), "frames", t.NumFrames, "elapsed", elapsed)
	return nil
}

func (t *Trial) computeBodyPoses(ctx context.Context, b *RigidBody, optimize bool) error {
	if !b.HasReferences() {
		return errors.Errorf("body %s has no references", b.Name)
	}
	computed := 0
	for f := 0; f < t.NumFrames; f++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !t.Solver.ComputePose(b, t.Markers, f) {
			continue
		}
		computed++
		if !optimize {
			continue
		}
		if _, err := t.Solver.Optimize(ctx, b, t.Markers, f); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			t.logger.Debugw("pose refinement skipped", "body", b.Name, "frame", f, "error", err)
		}
	}
	flips := b.MakeRotationsContinuous()
	mean := b.ComputeErrors(t.Markers)
	t.logger.Debugw("body poses", "body", b.Name, "computed", computed, "flips", flips, "mean_error", mean)
	return nil
}
