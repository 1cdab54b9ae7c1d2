package rigidbody

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/xromm/mocapcore/spatialmath"
)

// PassThroughFilter returns the poses unchanged.
type PassThroughFilter struct{}

// Filter implements PoseFilter.
func (PassThroughFilter) Filter(poses []spatialmath.Pose, valid []bool) ([]spatialmath.Pose, []bool, error) {
	return append([]spatialmath.Pose{}, poses...), append([]bool{}, valid...), nil
}

// MovingAverageFilter averages rotation vectors and translations over a centred window of valid
// frames. Rotations should be made continuous first.
type MovingAverageFilter struct {
	HalfWidth int
}

// Filter implements PoseFilter. Frames without a pose stay invalid.
func (f MovingAverageFilter) Filter(poses []spatialmath.Pose, valid []bool) ([]spatialmath.Pose, []bool, error) {
	if f.HalfWidth < 0 {
		return nil, nil, errors.Errorf("negative filter half width %d", f.HalfWidth)
	}
	if len(poses) != len(valid) {
		return nil, nil, errors.Errorf("%d poses with %d flags", len(poses), len(valid))
	}
	out := make([]spatialmath.Pose, len(poses))
	for i := range poses {
		if !valid[i] {
			continue
		}
		var rot, trans r3.Vector
		n := 0
		for j := i - f.HalfWidth; j <= i+f.HalfWidth; j++ {
			if j < 0 || j >= len(poses) || !valid[j] {
				continue
			}
			rot = rot.Add(poses[j].Rotation)
			trans = trans.Add(poses[j].Translation)
			n++
		}
		out[i] = spatialmath.Pose{Rotation: rot.Mul(1 / float64(n)), Translation: trans.Mul(1 / float64(n))}
	}
	return out, append([]bool{}, valid...), nil
}
