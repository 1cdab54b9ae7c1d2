package calibration

import (
	"context"
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/xromm/mocapcore/camera"
	"github.com/xromm/mocapcore/logging"
	"github.com/xromm/mocapcore/optimization"
	"github.com/xromm/mocapcore/rimage/transform"
	"github.com/xromm/mocapcore/spatialmath"
)

// ErrNotEnoughInliers is returned when fewer than MinInliers correspondences survive.
var ErrNotEnoughInliers = errors.New("not enough inlier correspondences")

// MinInliers is the smallest inlier set a calibration or pose is accepted from.
const MinInliers = transform.MinDLTPoints

const (
	fullSampleSize        = 6
	planarPoseSampleSize  = 5
	maxRefineIterations   = 50
	trialBudgetSeedFactor = 4
)

// Mode selects what a RobustCalibrator estimates.
type Mode int

const (
	// FullCalibration estimates intrinsics and the frame pose.
	FullCalibration Mode = iota
	// PoseOnly estimates the frame pose with the camera intrinsics fixed.
	PoseOnly
)

func (m Mode) String() string {
	if m == PoseOnly {
		return "pose"
	}
	return "full"
}

// Settings tune the RANSAC search and the inlier growth loop. Thresholds are in pixels.
type Settings struct {
	MaxTrials int `json:"max_trials"`
	MinTrials int `json:"min_trials"`
	// Threshold is the match distance used to score hypotheses.
	Threshold float64 `json:"threshold"`
	// RefineThreshold is the match distance used when re-matching during refinement.
	RefineThreshold float64 `json:"refine_threshold"`
	// OutlierThreshold is the largest residual an inlier may keep after a refit.
	OutlierThreshold float64 `json:"outlier_threshold"`
	Seed             int64   `json:"seed"`
}

// DefaultSettings returns the default search settings.
func DefaultSettings() Settings {
	return Settings{
		MaxTrials:        1000000,
		MinTrials:        1000,
		Threshold:        10,
		RefineThreshold:  5,
		OutlierThreshold: 3,
		Seed:             1,
	}
}

// Seed is a user-marked correspondence between object point Object and an image position.
type Seed struct {
	Object int
	Point  r2.Point
}

// Result is the outcome of a calibration run, held by the calibrator until Apply.
type Result struct {
	Mode Mode
	// Correspondences maps every object point to a blob index, -1 when unmatched.
	Correspondences []int
	// Rejected marks object points that were matched at some stage and later dropped.
	Rejected   []bool
	Projection *mat.Dense
	Intrinsics *transform.PinholeCameraIntrinsics
	Pose       spatialmath.Pose
	// Decomposition is the closed form decomposition of the final DLT, nil in pose mode and for
	// planar targets.
	Decomposition *transform.Decomposition
	Success       bool
	RMS           float64
}

// Inliers returns the number of matched object points.
func (r *Result) Inliers() int {
	n := 0
	for _, b := range r.Correspondences {
		if b >= 0 {
			n++
		}
	}
	return n
}

// RobustCalibrator calibrates one frame of one camera. It reads the camera and frame when built
// and writes to them only in Apply.
type RobustCalibrator struct {
	object   *Object
	cam      *camera.Camera
	frame    int
	settings Settings
	logger   logging.Logger
	rng      *rand.Rand

	// blobs are the undistorted detections, rawBlobs the detections as found in the image.
	blobs    []r2.Point
	rawBlobs []r2.Point
	seeds    []Seed

	result *Result
}

// NewRobustCalibrator prepares the calibration of frame of cam from the frame's blobs.
func NewRobustCalibrator(
	object *Object,
	cam *camera.Camera,
	frame int,
	settings Settings,
	logger logging.Logger,
) (*RobustCalibrator, error) {
	f, ok := cam.Frame(frame)
	if !ok {
		return nil, errors.Errorf("camera %s has no frame %d", cam.Name, frame)
	}
	if f.Size() != object.Len() {
		return nil, errors.Errorf("frame holds %d points but the object has %d", f.Size(), object.Len())
	}
	if logger == nil {
		logger = logging.NewBlankLogger("calibration")
	}
	c := &RobustCalibrator{
		object:   object,
		cam:      cam,
		frame:    frame,
		settings: settings,
		logger:   logger,
		rng:      rand.New(rand.NewSource(settings.Seed)),
	}
	c.SetBlobs(f.Blobs)
	return c, nil
}

// SetBlobs replaces the detections. They are undistorted with the camera's LWM field, and with
// its parametric model when the camera is already calibrated.
func (c *RobustCalibrator) SetBlobs(blobs []r2.Point) {
	c.rawBlobs = append([]r2.Point{}, blobs...)
	c.blobs = make([]r2.Point, len(blobs))
	for i, b := range blobs {
		c.blobs[i] = c.undistort(b)
	}
}

func (c *RobustCalibrator) undistort(pt r2.Point) r2.Point {
	return c.cam.UndistortPoint(pt, true, c.cam.IsCalibrated(), true)
}

// AddSeed marks a known correspondence. pt is a distorted image position.
func (c *RobustCalibrator) AddSeed(object int, pt r2.Point) error {
	if object < 0 || object >= c.object.Len() {
		return errors.Errorf("object point %d out of range", object)
	}
	for i, s := range c.seeds {
		if s.Object == object {
			c.seeds[i].Point = c.undistort(pt)
			return nil
		}
	}
	c.seeds = append(c.seeds, Seed{Object: object, Point: c.undistort(pt)})
	return nil
}

// Result returns the current result, nil before any search ran.
func (c *RobustCalibrator) Result() *Result {
	return c.result
}

// SetInlierCorrespondences replaces the search result with known correspondences, for example
// ones loaded from a file. match maps object points to blob indices, -1 when unmatched.
func (c *RobustCalibrator) SetInlierCorrespondences(mode Mode, match []int) error {
	if len(match) != c.object.Len() {
		return errors.Errorf("got %d correspondences for %d object points", len(match), c.object.Len())
	}
	for i, b := range match {
		if b >= len(c.blobs) {
			return errors.Errorf("object point %d matched to missing blob %d", i, b)
		}
	}
	c.result = &Result{
		Mode:            mode,
		Correspondences: append([]int{}, match...),
		Rejected:        make([]bool, len(match)),
	}
	return nil
}

// trialBudget shrinks the trial count by a constant factor per known seed.
func (c *RobustCalibrator) trialBudget() int {
	budget := c.settings.MaxTrials
	for range c.seeds {
		budget /= trialBudgetSeedFactor
	}
	if budget < c.settings.MinTrials {
		budget = c.settings.MinTrials
	}
	return budget
}

func (c *RobustCalibrator) sampleSize(mode Mode) int {
	if mode == PoseOnly && c.object.Planar {
		return planarPoseSampleSize
	}
	return fullSampleSize
}

// SetupCorrespondencesRansac searches correspondences for a full calibration.
func (c *RobustCalibrator) SetupCorrespondencesRansac(ctx context.Context) error {
	return c.ransac(ctx, FullCalibration)
}

// SetupCorrespondencesRansacPose searches correspondences for a pose with known intrinsics.
func (c *RobustCalibrator) SetupCorrespondencesRansacPose(ctx context.Context) error {
	if !c.cam.IsCalibrated() {
		return errors.Wrap(transform.ErrNoIntrinsics, "pose search needs a calibrated camera")
	}
	return c.ransac(ctx, PoseOnly)
}

func (c *RobustCalibrator) ransac(ctx context.Context, mode Mode) error {
	size := c.sampleSize(mode)
	if len(c.seeds) > size {
		return errors.Errorf("%d seeds exceed the sample size %d", len(c.seeds), size)
	}
	random := size - len(c.seeds)
	if c.object.Len() < size || len(c.blobs) < random {
		return errors.Wrapf(transform.ErrNotEnoughPoints, "need %d object points and %d blobs", size, random)
	}

	budget := c.trialBudget()
	best := &Result{Mode: mode}
	bestCount := -1
	pts3d := make([]r3.Vector, size)
	pts2d := make([]r2.Point, size)
	trials := 0
	for ; trials < budget; trials++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.drawSample(pts3d, pts2d)
		p, err := c.hypothesis(mode, pts3d, pts2d)
		if err != nil {
			continue
		}
		match := c.SetCorrespondences(p, c.settings.Threshold)
		if count := countMatches(match); count > bestCount {
			bestCount = count
			best.Correspondences = match
			best.Projection = p
			if count == c.object.Len() {
				break
			}
		}
	}
	if bestCount < 0 {
		return errors.Wrap(transform.ErrDegenerateConfiguration, "no RANSAC sample produced a hypothesis")
	}
	best.Rejected = make([]bool, c.object.Len())
	c.result = best
	c.logger.Debugw("ransac finished", "mode", mode, "trials", trials, "budget", budget, "inliers", bestCount)
	return nil
}

// drawSample fills the seeds followed by random distinct object point / blob pairs.
func (c *RobustCalibrator) drawSample(pts3d []r3.Vector, pts2d []r2.Point) {
	usedObj := make(map[int]bool, len(pts3d))
	for i, s := range c.seeds {
		pts3d[i] = c.object.Points[s.Object]
		pts2d[i] = s.Point
		usedObj[s.Object] = true
	}
	usedBlob := make(map[int]bool, len(pts3d))
	for i := len(c.seeds); i < len(pts3d); i++ {
		o := c.rng.Intn(c.object.Len())
		for usedObj[o] {
			o = c.rng.Intn(c.object.Len())
		}
		b := c.rng.Intn(len(c.blobs))
		for usedBlob[b] {
			b = c.rng.Intn(len(c.blobs))
		}
		usedObj[o], usedBlob[b] = true, true
		pts3d[i] = c.object.Points[o]
		pts2d[i] = c.blobs[b]
	}
}

func (c *RobustCalibrator) hypothesis(mode Mode, pts3d []r3.Vector, pts2d []r2.Point) (*mat.Dense, error) {
	if mode == FullCalibration {
		if !c.object.Planar {
			return transform.ComputeProjectionMatrixDLT(pts3d, pts2d)
		}
		intr, pose, err := c.planarCamera(pts3d, pts2d)
		if err != nil {
			return nil, err
		}
		return transform.ProjectionMatrix(intr.GetCameraMatrix(), pose.Matrix34()), nil
	}
	pose, err := transform.SolvePnP(c.cam.Intrinsics, pts3d, pts2d)
	if err != nil {
		return nil, err
	}
	return transform.ProjectionMatrix(c.cam.Intrinsics.GetCameraMatrix(), pose.Matrix34()), nil
}

func countMatches(match []int) int {
	n := 0
	for _, b := range match {
		if b >= 0 {
			n++
		}
	}
	return n
}

// SetCorrespondences projects every object point with p and matches it to the nearest blob within
// threshold (inclusive). A blob serves at most one object point: when a point finds a blob held by
// a point that is farther away it takes the blob over and the other point searches again, until
// no point can take a blob from another. The result maps object points to blob indices, -1 when
// unmatched.
func (c *RobustCalibrator) SetCorrespondences(p mat.Matrix, threshold float64) []int {
	n := c.object.Len()
	proj := make([]r2.Point, n)
	valid := make([]bool, n)
	for i, pt := range c.object.Points {
		proj[i], valid[i] = transform.ProjectWithMatrix(p, pt)
	}
	match := make([]int, n)
	for i := range match {
		match[i] = -1
	}
	owner := make([]int, len(c.blobs))
	for i := range owner {
		owner[i] = -1
	}
	dist := func(o, b int) float64 {
		return proj[o].Sub(c.blobs[b]).Norm()
	}

	for changed := true; changed; {
		changed = false
		for i := 0; i < n; i++ {
			if match[i] >= 0 || !valid[i] {
				continue
			}
			best, bestDist := -1, threshold
			for b := range c.blobs {
				d := dist(i, b)
				if d > bestDist || (best >= 0 && d == bestDist) {
					continue
				}
				if o := owner[b]; o >= 0 && dist(o, b) <= d {
					continue
				}
				best, bestDist = b, d
			}
			if best < 0 {
				continue
			}
			if o := owner[best]; o >= 0 {
				match[o] = -1
				changed = true
			}
			owner[best] = i
			match[i] = best
		}
	}
	return match
}

// correspondences returns the matched object points and undistorted blobs.
func (c *RobustCalibrator) correspondences(match []int) ([]r3.Vector, []r2.Point, []int) {
	var pts3d []r3.Vector
	var pts2d []r2.Point
	var idx []int
	for i, b := range match {
		if b < 0 {
			continue
		}
		pts3d = append(pts3d, c.object.Points[i])
		pts2d = append(pts2d, c.blobs[b])
		idx = append(idx, i)
	}
	return pts3d, pts2d, idx
}

// planarCamera starts a planar target calibration: focal lengths from the plane homography with
// the principal point at the image center, then the pose from them.
func (c *RobustCalibrator) planarCamera(
	pts3d []r3.Vector, pts2d []r2.Point,
) (*transform.PinholeCameraIntrinsics, spatialmath.Pose, error) {
	intr, err := transform.PlanarIntrinsics(pts3d, pts2d, c.cam.Width(), c.cam.Height())
	if err != nil {
		return nil, spatialmath.Pose{}, err
	}
	pose, err := transform.SolvePnP(intr, pts3d, pts2d)
	if err != nil {
		return nil, spatialmath.Pose{}, err
	}
	return intr, pose, nil
}

// CalibrateFromInliers fits the model to the current correspondences. In full mode a DLT is
// decomposed in closed form and refined with Levenberg-Marquardt; a planar target starts from its
// homography instead and keeps the principal point at the image center. In pose mode a PnP pose is
// refined the same way.
func (c *RobustCalibrator) CalibrateFromInliers(ctx context.Context) error {
	if c.result == nil {
		return errors.New("no correspondences; run a RANSAC search first")
	}
	pts3d, pts2d, _ := c.correspondences(c.result.Correspondences)
	if len(pts3d) < MinInliers {
		c.result.Success = false
		return errors.Wrapf(ErrNotEnoughInliers, "%d inliers", len(pts3d))
	}
	if c.result.Mode == PoseOnly {
		if !c.cam.IsCalibrated() {
			return errors.Wrap(transform.ErrNoIntrinsics, "pose needs a calibrated camera")
		}
		return c.poseFromInliers(ctx, pts3d, pts2d)
	}

	if c.object.Planar {
		c.result.Decomposition = nil
		intr, pose, err := c.planarCamera(pts3d, pts2d)
		if err != nil {
			c.result.Success = false
			return errors.Wrap(err, "planar calibration from inliers")
		}
		intr, pose, rms, err := refineCamera(ctx, intr, pose, pts3d, pts2d, true, c.logger)
		if err != nil {
			return err
		}
		c.store(intr, pose, rms)
		return nil
	}

	p, err := transform.ComputeProjectionMatrixDLT(pts3d, pts2d)
	if err != nil {
		return errors.Wrap(err, "DLT on inliers")
	}
	dec, err := transform.DecomposeProjectionMatrix(p)
	if err != nil {
		return errors.Wrap(err, "decomposing projection matrix")
	}
	c.result.Decomposition = dec
	if dec.Degeneracy != transform.NotDegenerate {
		c.result.Success = false
		return errors.Wrapf(transform.ErrDegenerateConfiguration, "degenerate intrinsics (%s)", dec.Degeneracy)
	}
	intr, err := dec.Intrinsics(c.cam.Width(), c.cam.Height())
	if err != nil {
		return err
	}
	intr, pose, rms, err := refineCamera(ctx, intr, dec.Pose, pts3d, pts2d, false, c.logger)
	if err != nil {
		return err
	}
	c.store(intr, pose, rms)
	return nil
}

func (c *RobustCalibrator) poseFromInliers(ctx context.Context, pts3d []r3.Vector, pts2d []r2.Point) error {
	pose, err := transform.SolvePnP(c.cam.Intrinsics, pts3d, pts2d)
	if err != nil {
		return errors.Wrap(err, "pose from inliers")
	}
	pose, rms, err := transform.RefinePose(ctx, c.cam.Intrinsics, pts3d, pts2d, pose, c.logger)
	if err != nil {
		return err
	}
	intr := *c.cam.Intrinsics
	c.store(&intr, pose, rms)
	return nil
}

func (c *RobustCalibrator) store(intr *transform.PinholeCameraIntrinsics, pose spatialmath.Pose, rms float64) {
	c.result.Intrinsics = intr
	c.result.Pose = pose
	c.result.RMS = rms
	c.result.Projection = transform.ProjectionMatrix(intr.GetCameraMatrix(), pose.Matrix34())
	c.result.Success = true
}

// refineCamera minimizes the pixel reprojection error over fx, fy, cx, cy and the pose, or over
// fx, fy and the pose when fixPrincipalPoint is set. Lens distortion stays at zero so a single
// frame cannot overfit it.
func refineCamera(
	ctx context.Context,
	intr *transform.PinholeCameraIntrinsics,
	pose spatialmath.Pose,
	pts3d []r3.Vector,
	pts2d []r2.Point,
	fixPrincipalPoint bool,
	logger logging.Logger,
) (*transform.PinholeCameraIntrinsics, spatialmath.Pose, float64, error) {
	// x is fx, fy, [cx, cy,] rvec, t
	unpack := func(x []float64) (*transform.PinholeCameraIntrinsics, spatialmath.Pose) {
		in := &transform.PinholeCameraIntrinsics{
			Width: intr.Width, Height: intr.Height,
			Fx: x[0], Fy: x[1], Ppx: intr.Ppx, Ppy: intr.Ppy,
		}
		rest := x[2:]
		if !fixPrincipalPoint {
			in.Ppx, in.Ppy = x[2], x[3]
			rest = x[4:]
		}
		return in, spatialmath.Pose{
			Rotation:    r3.Vector{X: rest[0], Y: rest[1], Z: rest[2]},
			Translation: r3.Vector{X: rest[3], Y: rest[4], Z: rest[5]},
		}
	}
	x0 := []float64{intr.Fx, intr.Fy}
	if !fixPrincipalPoint {
		x0 = append(x0, intr.Ppx, intr.Ppy)
	}
	x0 = append(x0,
		pose.Rotation.X, pose.Rotation.Y, pose.Rotation.Z,
		pose.Translation.X, pose.Translation.Y, pose.Translation.Z,
	)
	problem := optimization.Problem{
		NumParams:    len(x0),
		NumResiduals: 2 * len(pts3d),
		Residuals: func(dst, x []float64) {
			in, ps := unpack(x)
			rm := ps.RotationMatrix()
			for i, p := range pts3d {
				px, ok := in.PointToPixel(rm.MulVec(p).Add(ps.Translation))
				if !ok {
					dst[2*i], dst[2*i+1] = math.MaxFloat32, math.MaxFloat32
					continue
				}
				dst[2*i] = px.X - pts2d[i].X
				dst[2*i+1] = px.Y - pts2d[i].Y
			}
		},
	}
	res, err := optimization.NewLevenbergMarquardt(optimization.DefaultSettings(), logger).Minimize(ctx, problem, x0)
	if err != nil {
		return nil, spatialmath.Pose{}, 0, errors.Wrap(err, "refining camera")
	}
	in, ps := unpack(res.X)
	if err := in.CheckValid(); err != nil {
		return nil, spatialmath.Pose{}, 0, errors.Wrap(err, "refined camera is invalid")
	}
	return in, ps, math.Sqrt(res.Cost / float64(len(pts3d))), nil
}

// RefineResults runs the inlier growth loop: refit, re-match at RefineThreshold, drop residuals
// above OutlierThreshold, until the inlier count stops growing. With fewer than MinInliers
// survivors the result is marked failed and ErrNotEnoughInliers returned.
func (c *RobustCalibrator) RefineResults(ctx context.Context) error {
	if c.result == nil {
		return errors.New("no correspondences; run a RANSAC search first")
	}
	prev := -1
	for iter := 0; iter < maxRefineIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.CalibrateFromInliers(ctx); err != nil {
			c.result.Success = false
			return err
		}
		match := c.SetCorrespondences(c.result.Projection, c.settings.RefineThreshold)
		for i, b := range match {
			if b < 0 {
				if c.result.Correspondences[i] >= 0 {
					c.result.Rejected[i] = true
				}
				continue
			}
			proj, _ := transform.ProjectWithMatrix(c.result.Projection, c.object.Points[i])
			if proj.Sub(c.blobs[b]).Norm() > c.settings.OutlierThreshold {
				match[i] = -1
				c.result.Rejected[i] = true
				continue
			}
			c.result.Rejected[i] = false
		}
		c.result.Correspondences = match
		count := countMatches(match)
		c.logger.Debugw("refinement iteration", "iteration", iter, "inliers", count, "rms", c.result.RMS)
		if count <= prev {
			break
		}
		prev = count
	}
	if countMatches(c.result.Correspondences) < MinInliers {
		c.result.Success = false
		return errors.Wrapf(ErrNotEnoughInliers, "%d inliers after refinement", countMatches(c.result.Correspondences))
	}
	return c.CalibrateFromInliers(ctx)
}

// Run performs the RANSAC search and the refinement for mode.
func (c *RobustCalibrator) Run(ctx context.Context, mode Mode) error {
	var err error
	if mode == PoseOnly {
		err = c.SetupCorrespondencesRansacPose(ctx)
	} else {
		err = c.SetupCorrespondencesRansac(ctx)
	}
	if err != nil {
		return err
	}
	return c.RefineResults(ctx)
}

// Apply writes the result into the camera and frame. A failed result leaves the camera untouched
// and marks the frame uncalibrated.
func (c *RobustCalibrator) Apply() error {
	if c.result == nil {
		return errors.New("nothing to apply")
	}
	f, ok := c.cam.Frame(c.frame)
	if !ok {
		return errors.Errorf("camera %s has no frame %d", c.cam.Name, c.frame)
	}
	for i, b := range c.result.Correspondences {
		switch {
		case b >= 0:
			f.Detected[i] = c.rawBlobs[b]
			f.Inliers[i] = camera.Inlier
		case c.result.Rejected[i]:
			f.Inliers[i] = camera.Outlier
		default:
			f.Inliers[i] = camera.NeverDetected
		}
	}
	if !c.result.Success {
		f.ClearPose()
		return nil
	}
	if c.result.Mode == FullCalibration {
		if err := c.cam.SetCalibration(c.result.Intrinsics.GetCameraMatrix(), nil); err != nil {
			return err
		}
	}
	f.SetPose(c.result.Pose)
	return c.cam.UpdateFrame(c.frame, c.object.Points)
}
