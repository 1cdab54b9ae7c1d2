package calibration

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/xromm/mocapcore/logging"
)

// Task is a background computation. It must not touch shared model objects; the returned
// write-back, if any, does that after the task finished, even when the task failed.
type Task func(ctx context.Context) (writeBack func() error, err error)

// TaskResult reports the end of a task.
type TaskResult struct {
	ID   uuid.UUID
	Name string
	Err  error
}

// Scheduler runs every submitted task on its own goroutine. Write-backs run one at a time, and
// the idle callback fires whenever the last in-flight task completes. Running tasks are never
// interrupted.
type Scheduler struct {
	logger logging.Logger

	inFlight *atomic.Int64
	wg       sync.WaitGroup

	// writeMu serializes write-backs and callbacks.
	writeMu sync.Mutex
	onIdle  func()
	onDone  func(TaskResult)
}

// NewScheduler returns an idle scheduler.
func NewScheduler(logger logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewBlankLogger("scheduler")
	}
	return &Scheduler{logger: logger, inFlight: atomic.NewInt64(0)}
}

// OnIdle sets the callback run when the in-flight count drops to zero.
func (s *Scheduler) OnIdle(f func()) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.onIdle = f
}

// OnDone sets the callback run after each task and its write-back.
func (s *Scheduler) OnDone(f func(TaskResult)) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.onDone = f
}

// InFlight returns the number of tasks not yet completed.
func (s *Scheduler) InFlight() int64 {
	return s.inFlight.Load()
}

// Submit starts task and returns its id.
func (s *Scheduler) Submit(ctx context.Context, name string, task Task) uuid.UUID {
	id := uuid.New()
	s.inFlight.Inc()
	s.wg.Add(1)
	utils.PanicCapturingGo(func() {
		defer s.wg.Done()
		defer s.finish()
		s.logger.Debugw("task started", "id", id, "name", name)
		writeBack, err := task(ctx)

		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		if writeBack != nil {
			err = multierr.Combine(err, writeBack())
		}
		if err != nil {
			s.logger.Warnw("task failed", "id", id, "name", name, "error", err)
		} else {
			s.logger.Debugw("task finished", "id", id, "name", name)
		}
		if s.onDone != nil {
			s.onDone(TaskResult{ID: id, Name: name, Err: err})
		}
	})
	return id
}

func (s *Scheduler) finish() {
	if s.inFlight.Dec() != 0 {
		return
	}
	s.writeMu.Lock()
	onIdle := s.onIdle
	s.writeMu.Unlock()
	if onIdle != nil {
		onIdle()
	}
}

// Wait blocks until every submitted task completed.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// CalibrationTask wraps a calibrator run. Apply is the write-back.
func CalibrationTask(c *RobustCalibrator, mode Mode) Task {
	return func(ctx context.Context) (func() error, error) {
		err := c.Run(ctx, mode)
		if err != nil && c.Result() == nil {
			return nil, err
		}
		// a failed refinement still writes back so the frame shows as uncalibrated
		return c.Apply, err
	}
}
