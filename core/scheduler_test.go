package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/Deepreo/swapcron/core"
	"github.com/Deepreo/swapcron/errors"
)

// mockScheduler implements core.Scheduler for testing purposes
type mockScheduler struct {
	jobs   map[string]core.JobFunc
	paused map[string]bool
}

func (s *mockScheduler) Start() {}

func (s *mockScheduler) Shutdown() error {
	return nil
}

func (s *mockScheduler) Available() bool { return true }

func (s *mockScheduler) Add(id string, fn core.JobFunc, trigger core.Trigger) (string, error) {
	if s.jobs == nil {
		s.jobs = make(map[string]core.JobFunc)
		s.paused = make(map[string]bool)
	}
	s.jobs[id] = fn
	return id, nil
}

func (s *mockScheduler) Pause(id string) error {
	if _, ok := s.jobs[id]; !ok {
		return errors.ErrJobNotFound
	}
	s.paused[id] = true
	return nil
}

func (s *mockScheduler) Resume(id string) error {
	if _, ok := s.jobs[id]; !ok {
		return errors.ErrJobNotFound
	}
	s.paused[id] = false
	return nil
}

func (s *mockScheduler) Remove(id string) error {
	if _, ok := s.jobs[id]; !ok {
		return errors.ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *mockScheduler) Has(id string) bool {
	_, ok := s.jobs[id]
	return ok
}

func (s *mockScheduler) NextRun(id string) (time.Time, error) { return time.Time{}, nil }

func (s *mockScheduler) Jobs() []core.JobInfo { return nil }

func (s *mockScheduler) fire(id string) error {
	fn, ok := s.jobs[id]
	if !ok {
		return errors.ErrJobNotFound
	}
	return fn(context.Background(), id)
}

func (s *mockScheduler) Use(middleware ...core.SchedulerMiddleware) {}

func TestSchedulerInterface(t *testing.T) {
	var _ core.Scheduler = (*mockScheduler)(nil)

	t.Run("Add passes job id", func(t *testing.T) {
		scheduler := &mockScheduler{}
		var got string
		_, err := scheduler.Add("test-job", func(ctx context.Context, jobID string) error {
			got = jobID
			return nil
		}, core.EveryTrigger(time.Minute))
		if err != nil {
			t.Errorf("Add failed: %v", err)
		}
		if err := scheduler.fire("test-job"); err != nil {
			t.Errorf("fire failed: %v", err)
		}
		if got != "test-job" {
			t.Errorf("expected callback to receive job id, got %q", got)
		}
	})

	t.Run("Middleware Definition", func(t *testing.T) {
		var _ core.SchedulerMiddleware = func(next core.JobFunc) core.JobFunc {
			return func(ctx context.Context, jobID string) error {
				return next(ctx, jobID)
			}
		}
	})
}
