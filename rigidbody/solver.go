package rigidbody

import (
	"context"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/xromm/mocapcore/camera"
	"github.com/xromm/mocapcore/logging"
	"github.com/xromm/mocapcore/optimization"
	"github.com/xromm/mocapcore/spatialmath"
	"github.com/xromm/mocapcore/utils"
)

const (
	// MaxRayCombinations bounds the candidate combinations tried when recovering a pose from
	// camera rays.
	MaxRayCombinations = 4096
	// rayDistanceTolerance is the relative distance mismatch accepted for a ray candidate
	// against a second known marker.
	rayDistanceTolerance = 0.05
)

// ErrNotEnoughObservations is returned when a pose cannot be constrained in a frame.
var ErrNotEnoughObservations = errors.New("not enough observations")

// Solver computes body poses from the markers of a trial seen by calibrated cameras.
type Solver struct {
	Cameras []*camera.Camera
	// CalibrationFrame selects the calibrated frame of every camera that holds its extrinsics.
	CalibrationFrame int

	logger logging.Logger
}

// NewSolver returns a solver over cams.
func NewSolver(cams []*camera.Camera, calibrationFrame int, logger logging.Logger) *Solver {
	return &Solver{
		Cameras:          cams,
		CalibrationFrame: calibrationFrame,
		logger:           logger,
	}
}

// ComputePose computes the pose of body in frame. With three or more known markers and dummies it
// uses a closed form fit, otherwise it falls back to PoseFrom2D. The pose is cleared when neither
// works.
func (s *Solver) ComputePose(body *RigidBody, markers []*Marker, frame int) bool {
	src, dst := body.correspondences(markers, frame)
	if len(src) >= 3 {
		pose, err := spatialmath.FitRigidTransform(src, dst)
		if err == nil {
			body.SetPose(frame, pose)
			return true
		}
		s.logger.Debugw("rigid fit failed", "body", body.Name, "frame", frame, "error", err)
	}
	if pose, err := s.PoseFrom2D(body, markers, frame); err == nil {
		body.SetPose(frame, pose)
		return true
	}
	body.ClearPose(frame)
	return false
}

type rayCandidates struct {
	reference r3.Vector
	points    []r3.Vector
}

// PoseFrom2D recovers the pose of body in frame when only one or two markers have 3D positions.
// Each missing marker seen by a camera contributes the points where its ray meets the sphere
// around a known marker with the reference distance as radius. With two known markers the
// candidates must also agree with the distance to the second one. The combination of candidates
// with the smallest rigid fit error wins.
func (s *Solver) PoseFrom2D(body *RigidBody, markers []*Marker, frame int) (spatialmath.Pose, error) {
	if !body.HasReferences() {
		return spatialmath.Pose{}, errors.Errorf("body %s has no references", body.Name)
	}
	var knownRef, knownPos []r3.Vector
	var missing []int
	for i, m := range body.Markers {
		if markers[m].Has3D(frame) {
			knownRef = append(knownRef, body.References[i])
			knownPos = append(knownPos, markers[m].Points3D[frame])
		} else {
			missing = append(missing, i)
		}
	}
	if len(knownRef) == 0 {
		return spatialmath.Pose{}, errors.Wrapf(ErrNotEnoughObservations, "body %s frame %d has no 3D markers", body.Name, frame)
	}

	var cands []rayCandidates
	for _, i := range missing {
		mk := markers[body.Markers[i]]
		rc := rayCandidates{reference: body.References[i]}
		for c, cam := range s.Cameras {
			if !mk.Has2D(c, frame) {
				continue
			}
			ray, ok := cam.Ray(mk.Points2D[c][frame], s.CalibrationFrame)
			if !ok {
				continue
			}
			rc.points = append(rc.points, rayPoints(ray, rc.reference, knownRef, knownPos)...)
		}
		if len(rc.points) > 0 {
			cands = append(cands, rc)
		}
	}
	if len(knownRef)+len(cands) < 3 {
		return spatialmath.Pose{}, errors.Wrapf(ErrNotEnoughObservations,
			"body %s frame %d: %d known markers and %d rays", body.Name, frame, len(knownRef), len(cands))
	}

	counts := make([]int, len(cands))
	total := 1
	for i, c := range cands {
		counts[i] = len(c.points)
		total *= counts[i]
	}
	if total > MaxRayCombinations {
		return spatialmath.Pose{}, errors.Errorf("body %s frame %d: %d ray combinations, max %d",
			body.Name, frame, total, MaxRayCombinations)
	}

	src := append([]r3.Vector{}, knownRef...)
	dst := append([]r3.Vector{}, knownPos...)
	for _, c := range cands {
		src = append(src, c.reference)
		dst = append(dst, r3.Vector{})
	}
	best := math.Inf(1)
	var bestPose spatialmath.Pose
	utils.ForEachCombination(counts, func(choice []int) bool {
		for j, k := range choice {
			dst[len(knownPos)+j] = cands[j].points[k]
		}
		pose, fitErr, err := spatialmath.FitRigidTransformWithError(src, dst)
		if err == nil && fitErr < best {
			best = fitErr
			bestPose = pose
		}
		return true
	})
	if math.IsInf(best, 1) {
		return spatialmath.Pose{}, errors.Wrapf(spatialmath.ErrDegeneratePoints, "body %s frame %d", body.Name, frame)
	}
	s.logger.Debugw("pose from rays", "body", body.Name, "frame", frame, "rays", len(cands), "error", best)
	return bestPose, nil
}

// rayPoints intersects ray with the sphere around the first known marker and keeps the points in
// front of the camera that are consistent with the second known marker, if any.
func rayPoints(ray spatialmath.PluckerLine, ref r3.Vector, knownRef, knownPos []r3.Vector) []r3.Vector {
	radius := ref.Distance(knownRef[0])
	var out []r3.Vector
	for _, t := range ray.SphereIntersections(knownPos[0], radius) {
		if t <= 0 {
			continue
		}
		p := ray.PointAt(t)
		if len(knownRef) > 1 {
			want := ref.Distance(knownRef[1])
			if math.Abs(p.Distance(knownPos[1])-want) > rayDistanceTolerance*want {
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

type observation struct {
	reference r3.Vector
	p         *mat.Dense
	pixel     r2.Point
}

// observations collects the undistorted 2D detections of the body markers in frame.
func (s *Solver) observations(body *RigidBody, markers []*Marker, frame int) []observation {
	var obs []observation
	for c, cam := range s.Cameras {
		p, ok := cam.ProjectionMatrix(s.CalibrationFrame)
		if !ok {
			continue
		}
		for i, m := range body.Markers {
			mk := markers[m]
			if !mk.Has2D(c, frame) {
				continue
			}
			obs = append(obs, observation{
				reference: body.References[i],
				p:         p,
				pixel:     cam.UndistortPoint(mk.Points2D[c][frame], true, true, true),
			})
		}
	}
	return obs
}

func poseFromParams(x []float64) spatialmath.Pose {
	return spatialmath.Pose{
		Rotation:    r3.Vector{X: x[0], Y: x[1], Z: x[2]},
		Translation: r3.Vector{X: x[3], Y: x[4], Z: x[5]},
	}
}

// Optimize refines the pose of body in frame by minimizing the reprojection error of its markers
// in all cameras. It returns the RMS pixel error of the refined pose.
func (s *Solver) Optimize(ctx context.Context, body *RigidBody, markers []*Marker, frame int) (float64, error) {
	if !body.PoseComputed[frame] {
		return 0, errors.Errorf("body %s has no pose in frame %d", body.Name, frame)
	}
	obs := s.observations(body, markers, frame)
	if 2*len(obs) < 6 {
		return 0, errors.Wrapf(ErrNotEnoughObservations, "body %s frame %d has %d 2D detections", body.Name, frame, len(obs))
	}
	start := body.Poses[frame]
	x0 := []float64{
		start.Rotation.X, start.Rotation.Y, start.Rotation.Z,
		start.Translation.X, start.Translation.Y, start.Translation.Z,
	}
	problem := optimization.Problem{
		NumParams:    6,
		NumResiduals: 2 * len(obs),
		Residuals: func(dst, x []float64) {
			reprojectionResiduals(dst, obs, poseFromParams(x))
		},
		Jacobian: func(dst *mat.Dense, x []float64) {
			reprojectionJacobian(dst, obs, poseFromParams(x))
		},
	}
	lm := optimization.NewLevenbergMarquardt(optimization.DefaultSettings(), s.logger)
	res, err := lm.Minimize(ctx, problem, x0)
	if err != nil {
		return 0, errors.Wrapf(err, "optimizing body %s frame %d", body.Name, frame)
	}
	if res.Cost > res.InitialCost {
		return math.Sqrt(res.InitialCost / float64(len(obs))), nil
	}
	body.SetPose(frame, poseFromParams(res.X))
	return math.Sqrt(res.Cost / float64(len(obs))), nil
}

func reprojectionResiduals(dst []float64, obs []observation, pose spatialmath.Pose) {
	rm := pose.RotationMatrix()
	for i, o := range obs {
		w := rm.MulVec(o.reference).Add(pose.Translation)
		px, ok := projectWith(o.p, w)
		if !ok {
			dst[2*i], dst[2*i+1] = 0, 0
			continue
		}
		dst[2*i] = px.X - o.pixel.X
		dst[2*i+1] = px.Y - o.pixel.Y
	}
}

func projectWith(p *mat.Dense, w r3.Vector) (r2.Point, bool) {
	h := [3]float64{}
	for r := 0; r < 3; r++ {
		h[r] = p.At(r, 0)*w.X + p.At(r, 1)*w.Y + p.At(r, 2)*w.Z + p.At(r, 3)
	}
	if h[2] == 0 {
		return r2.Point{}, false
	}
	return r2.Point{X: h[0] / h[2], Y: h[1] / h[2]}, true
}

// reprojectionJacobian fills the analytic Jacobian of the residuals with respect to the rotation
// vector and translation of the body pose. The derivative of R(v)p uses
//
//	dR/dv_i = (v_i [v]x + [v x (I - R) e_i]x) R / |v|²
//
// which reduces to [e_i]x at the identity.
func reprojectionJacobian(dst *mat.Dense, obs []observation, pose spatialmath.Pose) {
	v := pose.Rotation
	theta2 := v.Norm2()
	rm := pose.RotationMatrix()
	basis := [3]r3.Vector{{X: 1}, {Y: 1}, {Z: 1}}
	for i, o := range obs {
		rp := rm.MulVec(o.reference)
		w := rp.Add(pose.Translation)
		var h [3]float64
		var p3 [3][3]float64
		for r := 0; r < 3; r++ {
			h[r] = o.p.At(r, 0)*w.X + o.p.At(r, 1)*w.Y + o.p.At(r, 2)*w.Z + o.p.At(r, 3)
			for c := 0; c < 3; c++ {
				p3[r][c] = o.p.At(r, c)
			}
		}
		if h[2] == 0 {
			for c := 0; c < 6; c++ {
				dst.Set(2*i, c, 0)
				dst.Set(2*i+1, c, 0)
			}
			continue
		}
		u, vv := h[0]/h[2], h[1]/h[2]
		// d(u, v)/dw
		du := r3.Vector{
			X: (p3[0][0] - u*p3[2][0]) / h[2],
			Y: (p3[0][1] - u*p3[2][1]) / h[2],
			Z: (p3[0][2] - u*p3[2][2]) / h[2],
		}
		dv := r3.Vector{
			X: (p3[1][0] - vv*p3[2][0]) / h[2],
			Y: (p3[1][1] - vv*p3[2][1]) / h[2],
			Z: (p3[1][2] - vv*p3[2][2]) / h[2],
		}
		for k, e := range basis {
			var dw r3.Vector
			if theta2 < 1e-16 {
				dw = e.Cross(o.reference)
			} else {
				vk := v.Dot(e)
				a := v.Cross(e.Sub(rm.MulVec(e)))
				dw = v.Cross(rp).Mul(vk).Add(a.Cross(rp)).Mul(1 / theta2)
			}
			dst.Set(2*i, k, du.Dot(dw))
			dst.Set(2*i+1, k, dv.Dot(dw))
		}
		dst.Set(2*i, 3, du.X)
		dst.Set(2*i, 4, du.Y)
		dst.Set(2*i, 5, du.Z)
		dst.Set(2*i+1, 3, dv.X)
		dst.Set(2*i+1, 4, dv.Y)
		dst.Set(2*i+1, 5, dv.Z)
	}
}
