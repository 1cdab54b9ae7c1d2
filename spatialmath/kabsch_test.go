package spatialmath

import (
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestFitRigidTransformExact(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 20; trial++ {
		truth := Pose{
			Rotation: r3.Vector{X: rng.Float64()*4 - 2, Y: rng.Float64()*4 - 2, Z: rng.Float64()*2 - 1},
			Translation: r3.Vector{
				X: rng.Float64()*200 - 100, Y: rng.Float64()*200 - 100, Z: rng.Float64()*200 - 100,
			},
		}
		n := 3 + trial%5
		src := make([]r3.Vector, n)
		dst := make([]r3.Vector, n)
		for i := range src {
			src[i] = r3.Vector{X: rng.Float64() * 50, Y: rng.Float64() * 50, Z: rng.Float64() * 50}
			dst[i] = truth.Transform(src[i])
		}
		got, rms, err := FitRigidTransformWithError(src, dst)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, rms, test.ShouldBeLessThan, 1e-9)
		test.That(t, RotationAngleBetween(got.Rotation, truth.Rotation), test.ShouldBeLessThan, 1e-6)
		test.That(t, got.Translation.Distance(truth.Translation), test.ShouldBeLessThan, 1e-9)
	}
}

func TestFitRigidTransformNoReflection(t *testing.T) {
	src := []r3.Vector{{X: 1}, {Y: 1}, {Z: 1}, {}}
	// mirror image through the xy plane
	dst := []r3.Vector{{X: 1}, {Y: 1}, {Z: -1}, {}}
	got, err := FitRigidTransform(src, dst)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.RotationMatrix().Det(), test.ShouldAlmostEqual, 1, 1e-12)
}

func TestFitRigidTransformDegenerate(t *testing.T) {
	_, err := FitRigidTransform([]r3.Vector{{}, {X: 1}}, []r3.Vector{{}, {X: 1}})
	test.That(t, errors.Is(err, ErrDegeneratePoints), test.ShouldBeTrue)

	line := []r3.Vector{{}, {X: 1}, {X: 2}, {X: 5}}
	_, err = FitRigidTransform(line, line)
	test.That(t, errors.Is(err, ErrDegeneratePoints), test.ShouldBeTrue)

	_, err = FitRigidTransform(line, line[:3])
	test.That(t, err, test.ShouldNotBeNil)
}
