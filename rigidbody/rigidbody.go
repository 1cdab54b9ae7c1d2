// Package rigidbody estimates the 6-DOF pose of rigid marker constellations frame by frame:
// closed form alignment when three or more markers are known, recovery from camera rays when
// fewer are, and reprojection error refinement.
package rigidbody

import (
	"io"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/stat"

	"github.com/xromm/mocapcore/pointfile"
	"github.com/xromm/mocapcore/spatialmath"
	"github.com/xromm/mocapcore/utils"
)

// MaxPermutationPoints bounds the brute force reference assignment, which tries n! orderings.
const MaxPermutationPoints = 9

// ErrTooManyPoints is returned when a reference assignment would exceed MaxPermutationPoints.
var ErrTooManyPoints = errors.New("too many points for reference assignment")

// DummyPoint is an extra point that stabilizes pose fitting in frames with few visible markers.
// It either follows a marker of another body or has fixed world coordinates per frame.
type DummyPoint struct {
	Name string
	// Reference is the point in body coordinates.
	Reference r3.Vector
	// Marker is the index of the borrowed marker, -1 for fixed coordinates.
	Marker      int
	Coordinates []r3.Vector
	Valid       []bool
}

// PoseFilter smooths a pose sequence. Frames with valid false have no pose.
type PoseFilter interface {
	Filter(poses []spatialmath.Pose, valid []bool) ([]spatialmath.Pose, []bool, error)
}

// RigidBody is a set of markers moving together.
type RigidBody struct {
	Name    string
	Markers []int
	// References are the marker positions in body coordinates, centred on their centroid.
	References []r3.Vector
	Dummies    []*DummyPoint

	Poses        []spatialmath.Pose
	PoseComputed []bool

	FilteredPoses    []spatialmath.Pose
	FilteredComputed []bool

	// Errors is the mean marker fit error per frame, NaN where no pose was computed.
	Errors []float64
}

// NewRigidBody returns a body over the given trial marker indices.
func NewRigidBody(name string, markers []int, frames int) *RigidBody {
	b := &RigidBody{
		Name:         name,
		Markers:      append([]int{}, markers...),
		Poses:        make([]spatialmath.Pose, frames),
		PoseComputed: make([]bool, frames),
		Errors:       make([]float64, frames),
	}
	for i := range b.Errors {
		b.Errors[i] = math.NaN()
	}
	return b
}

// NumFrames is the number of frames the body is sized for.
func (b *RigidBody) NumFrames() int {
	return len(b.Poses)
}

// HasReferences is true once every marker has a reference position.
func (b *RigidBody) HasReferences() bool {
	return len(b.References) == len(b.Markers) && len(b.Markers) > 0
}

// SetReferences stores marker positions in body coordinates after centring them. Dummy references
// and computed poses are moved by the same offset, so points must be expressed in the frame they
// currently use.
func (b *RigidBody) SetReferences(points []r3.Vector) error {
	if len(points) != len(b.Markers) {
		return errors.Errorf("body %s has %d markers, got %d references", b.Name, len(b.Markers), len(points))
	}
	c := spatialmath.Centroid(points)
	b.References = make([]r3.Vector, len(points))
	for i, p := range points {
		b.References[i] = p.Sub(c)
	}
	b.moveOrigin(c)
	return nil
}

// moveOrigin puts the body origin at c, given in current body coordinates. World positions of
// the dummies and of the posed body stay where they are.
func (b *RigidBody) moveOrigin(c r3.Vector) {
	if c == (r3.Vector{}) {
		return
	}
	for _, d := range b.Dummies {
		d.Reference = d.Reference.Sub(c)
	}
	shift := func(poses []spatialmath.Pose, valid []bool) {
		for f := range poses {
			if f < len(valid) && valid[f] {
				poses[f].Translation = poses[f].Transform(c)
			}
		}
	}
	shift(b.Poses, b.PoseComputed)
	shift(b.FilteredPoses, b.FilteredComputed)
}

// SetReferencesFromFrame uses the 3D marker positions of frame as references. Every marker must
// be valid in that frame.
func (b *RigidBody) SetReferencesFromFrame(markers []*Marker, frame int) error {
	points := make([]r3.Vector, len(b.Markers))
	for i, m := range b.Markers {
		if !markers[m].Has3D(frame) {
			return errors.Errorf("marker %s has no 3D position in frame %d", markers[m].Name, frame)
		}
		points[i] = markers[m].Points3D[frame]
	}
	return b.SetReferences(points)
}

// AssignReferences orders unordered reference points to the body's markers by trying every
// assignment and keeping the one whose rigid fit to the markers' 3D positions in frame has the
// smallest error. The cost is n! fits, so n is limited to MaxPermutationPoints.
func (b *RigidBody) AssignReferences(points []r3.Vector, markers []*Marker, frame int) error {
	n := len(b.Markers)
	if len(points) != n {
		return errors.Errorf("body %s has %d markers, got %d references", b.Name, n, len(points))
	}
	if n > MaxPermutationPoints {
		return errors.Wrapf(ErrTooManyPoints, "%d points, max %d", n, MaxPermutationPoints)
	}
	var known []int
	for i, m := range b.Markers {
		if markers[m].Has3D(frame) {
			known = append(known, i)
		}
	}
	if len(known) < 3 {
		return errors.Wrapf(spatialmath.ErrDegeneratePoints, "%d markers known in frame %d", len(known), frame)
	}
	dst := make([]r3.Vector, len(known))
	for j, i := range known {
		dst[j] = markers[b.Markers[i]].Points3D[frame]
	}

	src := make([]r3.Vector, len(known))
	best := math.Inf(1)
	var bestPerm []int
	err := utils.ForEachPermutation(n, MaxPermutationPoints, func(perm []int) bool {
		for j, i := range known {
			src[j] = points[perm[i]]
		}
		_, fitErr, err := spatialmath.FitRigidTransformWithError(src, dst)
		if err == nil && fitErr < best {
			best = fitErr
			bestPerm = append(bestPerm[:0], perm...)
		}
		return true
	})
	if errors.Is(err, utils.ErrTooManyPermutations) {
		return errors.Wrapf(ErrTooManyPoints, "%d points, max %d", n, MaxPermutationPoints)
	}
	if err != nil {
		return err
	}
	if bestPerm == nil {
		return errors.Wrap(spatialmath.ErrDegeneratePoints, "no assignment produced a fit")
	}
	ordered := make([]r3.Vector, n)
	for i := range ordered {
		ordered[i] = points[bestPerm[i]]
	}
	return b.SetReferences(ordered)
}

// SetReferencesFromFile reads unordered reference points and assigns them with
// AssignReferences.
func (b *RigidBody) SetReferencesFromFile(r io.Reader, markers []*Marker, frame int) error {
	points, err := pointfile.ReadPoints3D(r)
	if err != nil {
		return err
	}
	return b.AssignReferences(points, markers, frame)
}

// AddMarkerDummy adds a dummy that follows marker of another body.
func (b *RigidBody) AddMarkerDummy(name string, reference r3.Vector, marker int) {
	b.Dummies = append(b.Dummies, &DummyPoint{Name: name, Reference: reference, Marker: marker})
}

// AddMarkerDummyAt adds a dummy following marker whose reference is taken from its position
// relative to the body in frame. The body needs references and a fit in that frame.
func (b *RigidBody) AddMarkerDummyAt(marker int, markers []*Marker, frame int) error {
	if marker < 0 || marker >= len(markers) {
		return errors.Errorf("marker %d out of range", marker)
	}
	if lo.Contains(b.Markers, marker) {
		return errors.Errorf("marker %s already belongs to body %s", markers[marker].Name, b.Name)
	}
	if !markers[marker].Has3D(frame) {
		return errors.Errorf("marker %s has no 3D position in frame %d", markers[marker].Name, frame)
	}
	pose, _, err := b.FitAndComputeError(markers, frame)
	if err != nil {
		return errors.Wrapf(err, "dummy %s", markers[marker].Name)
	}
	b.AddMarkerDummy(markers[marker].Name, pose.Invert().Transform(markers[marker].Points3D[frame]), marker)
	return nil
}

// AddCoordinateDummy adds a dummy with fixed world coordinates per frame.
func (b *RigidBody) AddCoordinateDummy(name string, reference r3.Vector, coords []r3.Vector, valid []bool) error {
	if len(coords) != b.NumFrames() || len(valid) != b.NumFrames() {
		return errors.Errorf("dummy %s needs %d frames of coordinates", name, b.NumFrames())
	}
	b.Dummies = append(b.Dummies, &DummyPoint{
		Name:        name,
		Reference:   reference,
		Marker:      -1,
		Coordinates: append([]r3.Vector{}, coords...),
		Valid:       append([]bool{}, valid...),
	})
	return nil
}

// correspondences returns body and world positions of every marker and dummy known in frame.
func (b *RigidBody) correspondences(markers []*Marker, frame int) (src, dst []r3.Vector) {
	if b.HasReferences() {
		for i, m := range b.Markers {
			if markers[m].Has3D(frame) {
				src = append(src, b.References[i])
				dst = append(dst, markers[m].Points3D[frame])
			}
		}
	}
	for _, d := range b.Dummies {
		switch {
		case d.Marker >= 0 && d.Marker < len(markers) && markers[d.Marker].Has3D(frame):
			src = append(src, d.Reference)
			dst = append(dst, markers[d.Marker].Points3D[frame])
		case d.Marker < 0 && frame < len(d.Valid) && d.Valid[frame]:
			src = append(src, d.Reference)
			dst = append(dst, d.Coordinates[frame])
		}
	}
	return src, dst
}

// FitAndComputeError fits a pose to the known points of frame and returns it with its RMS
// error.
func (b *RigidBody) FitAndComputeError(markers []*Marker, frame int) (spatialmath.Pose, float64, error) {
	src, dst := b.correspondences(markers, frame)
	return spatialmath.FitRigidTransformWithError(src, dst)
}

// SetPose stores the pose of frame.
func (b *RigidBody) SetPose(frame int, pose spatialmath.Pose) {
	b.Poses[frame] = pose
	b.PoseComputed[frame] = true
}

// ClearPose marks frame as having no pose.
func (b *RigidBody) ClearPose(frame int) {
	b.Poses[frame] = spatialmath.NewZeroPose()
	b.PoseComputed[frame] = false
}

// MarkerPosition returns where the body pose of frame puts marker i of the body.
func (b *RigidBody) MarkerPosition(i, frame int) (r3.Vector, bool) {
	if !b.PoseComputed[frame] || i >= len(b.References) {
		return r3.Vector{}, false
	}
	return b.Poses[frame].Transform(b.References[i]), true
}

// ComputeErrors fills Errors with the mean distance between fitted and measured marker positions
// and returns the mean over all frames with a pose.
func (b *RigidBody) ComputeErrors(markers []*Marker) float64 {
	var means []float64
	for f := range b.Errors {
		b.Errors[f] = math.NaN()
		if !b.PoseComputed[f] || !b.HasReferences() {
			continue
		}
		var dists []float64
		for i, m := range b.Markers {
			if markers[m].Has3D(f) {
				dists = append(dists, b.Poses[f].Transform(b.References[i]).Distance(markers[m].Points3D[f]))
			}
		}
		if len(dists) == 0 {
			continue
		}
		b.Errors[f] = stat.Mean(dists, nil)
		means = append(means, b.Errors[f])
	}
	if len(means) == 0 {
		return math.NaN()
	}
	return stat.Mean(means, nil)
}

// SetOptimized writes the body predicted positions of frame back to the markers whose status is
// tracked, set or manual, marking them optimized.
func (b *RigidBody) SetOptimized(markers []*Marker, frame int) int {
	n := 0
	for i, m := range b.Markers {
		pos, ok := b.MarkerPosition(i, frame)
		if !ok {
			return 0
		}
		mk := markers[m]
		status := mk.Status3D[frame]
		if opt := status.Optimized(); opt != status {
			mk.Set3D(frame, pos, opt)
			n++
		}
	}
	return n
}

// ComputeCoordinateSystemAverage re-registers the references as the average of the markers'
// positions mapped into body coordinates by every computed pose.
func (b *RigidBody) ComputeCoordinateSystemAverage(markers []*Marker) error {
	if !b.HasReferences() {
		return errors.Errorf("body %s has no references", b.Name)
	}
	sums := make([]r3.Vector, len(b.Markers))
	counts := make([]int, len(b.Markers))
	for f := range b.Poses {
		if !b.PoseComputed[f] {
			continue
		}
		inv := b.Poses[f].Invert()
		for i, m := range b.Markers {
			if markers[m].Has3D(f) {
				sums[i] = sums[i].Add(inv.Transform(markers[m].Points3D[f]))
				counts[i]++
			}
		}
	}
	avg := make([]r3.Vector, len(b.Markers))
	for i := range avg {
		if counts[i] == 0 {
			return errors.Errorf("marker %d of body %s is never seen with a pose", i, b.Name)
		}
		avg[i] = sums[i].Mul(1 / float64(counts[i]))
	}
	return b.SetReferences(avg)
}

// MakeRotationsContinuous removes axis-angle flips from the computed poses. It returns the number
// of rotations replaced by their equivalent.
func (b *RigidBody) MakeRotationsContinuous() int {
	rvecs := make([]r3.Vector, len(b.Poses))
	for i, p := range b.Poses {
		rvecs[i] = p.Rotation
	}
	n := spatialmath.MakeRotationsContinuous(rvecs, b.PoseComputed)
	for i := range b.Poses {
		b.Poses[i].Rotation = rvecs[i]
	}
	return n
}

// FilterTransformations runs filter over the computed poses and stores the result as the
// filtered poses.
func (b *RigidBody) FilterTransformations(filter PoseFilter) error {
	poses, valid, err := filter.Filter(b.Poses, b.PoseComputed)
	if err != nil {
		return errors.Wrapf(err, "filtering body %s", b.Name)
	}
	if len(poses) != len(b.Poses) || len(valid) != len(b.Poses) {
		return errors.Errorf("filter returned %d poses for %d frames", len(poses), len(b.Poses))
	}
	b.FilteredPoses = poses
	b.FilteredComputed = valid
	return nil
}
