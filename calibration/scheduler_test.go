package calibration

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/xromm/mocapcore/logging"
)

func TestScheduler(t *testing.T) {
	s := NewScheduler(logging.NewTestLogger(t))
	var mu sync.Mutex
	idle := 0
	s.OnIdle(func() {
		mu.Lock()
		idle++
		mu.Unlock()
	})
	results := map[uuid.UUID]error{}
	s.OnDone(func(r TaskResult) { results[r.ID] = r.Err })

	written := 0
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		ids = append(ids, s.Submit(context.Background(), "ok", func(ctx context.Context) (func() error, error) {
			return func() error {
				written++
				return nil
			}, nil
		}))
	}
	failing := s.Submit(context.Background(), "fail", func(ctx context.Context) (func() error, error) {
		return nil, errors.New("boom")
	})
	s.Wait()

	test.That(t, written, test.ShouldEqual, 5)
	test.That(t, s.InFlight(), test.ShouldEqual, 0)
	test.That(t, len(results), test.ShouldEqual, 6)
	for _, id := range ids {
		test.That(t, results[id], test.ShouldBeNil)
	}
	test.That(t, results[failing], test.ShouldNotBeNil)
	mu.Lock()
	test.That(t, idle, test.ShouldBeGreaterThanOrEqualTo, 1)
	mu.Unlock()
}

func TestSchedulerWriteBackAfterFailure(t *testing.T) {
	s := NewScheduler(nil)
	called := false
	var got error
	s.OnDone(func(r TaskResult) { got = r.Err })
	s.Submit(context.Background(), "partial", func(ctx context.Context) (func() error, error) {
		return func() error {
			called = true
			return nil
		}, errors.New("not enough inliers")
	})
	s.Wait()
	test.That(t, called, test.ShouldBeTrue)
	test.That(t, got, test.ShouldNotBeNil)
}

func TestSchedulerPanic(t *testing.T) {
	s := NewScheduler(logging.NewTestLogger(t))
	s.Submit(context.Background(), "panics", func(ctx context.Context) (func() error, error) {
		panic("bad task")
	})
	s.Wait()
	test.That(t, s.InFlight(), test.ShouldEqual, 0)
}
