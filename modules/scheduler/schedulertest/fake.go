// Package schedulertest provides a core.Scheduler whose timers only fire
// when the test says so.
package schedulertest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Deepreo/swapcron/core"
	"github.com/Deepreo/swapcron/errors"
)

type job struct {
	fn      core.JobFunc
	trigger core.Trigger
	paused  bool
}

type Fake struct {
	mu      sync.Mutex
	started bool
	jobs    map[string]*job
	removed []string
}

// New returns a started Fake.
func New() *Fake {
	return &Fake{started: true, jobs: map[string]*job{}}
}

// NewStopped returns a Fake that rejects Add like a scheduler that was
// never started.
func NewStopped() *Fake {
	return &Fake{jobs: map[string]*job{}}
}

func (f *Fake) Start() {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
}

func (f *Fake) Shutdown() error {
	f.mu.Lock()
	f.started = false
	f.mu.Unlock()
	return nil
}

func (f *Fake) Available() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *Fake) Add(id string, fn core.JobFunc, trigger core.Trigger) (string, error) {
	if err := trigger.Validate(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		return "", errors.UnavailableError(errors.ErrSchedulerUnavailable)
	}
	if _, ok := f.jobs[id]; ok {
		return "", fmt.Errorf("job with id %s already exists", id)
	}
	f.jobs[id] = &job{fn: fn, trigger: trigger}
	return id, nil
}

func (f *Fake) get(id string) (*job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, errors.NotFoundError(fmt.Errorf("%w: %s", errors.ErrJobNotFound, id))
	}
	return j, nil
}

func (f *Fake) Pause(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, err := f.get(id)
	if err != nil {
		return err
	}
	j.paused = true
	return nil
}

func (f *Fake) Resume(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, err := f.get(id)
	if err != nil {
		return err
	}
	j.paused = false
	return nil
}

func (f *Fake) Remove(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.get(id); err != nil {
		return err
	}
	delete(f.jobs, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *Fake) Has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.jobs[id]
	return ok
}

// NextRun is always one minute from now for active jobs.
func (f *Fake) NextRun(id string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, err := f.get(id)
	if err != nil {
		return time.Time{}, err
	}
	if j.paused {
		return time.Time{}, nil
	}
	return time.Now().Add(time.Minute).UTC(), nil
}

func (f *Fake) Jobs() []core.JobInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.JobInfo, 0, len(f.jobs))
	for id, j := range f.jobs {
		state := core.JobStateActive
		if j.paused {
			state = core.JobStatePaused
		}
		out = append(out, core.JobInfo{ID: id, Trigger: j.trigger, State: state})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

func (f *Fake) Use(middleware ...core.SchedulerMiddleware) {}

// Fire runs the callback registered under id synchronously, as a timer
// would. Paused jobs do not fire.
func (f *Fake) Fire(ctx context.Context, id string) error {
	f.mu.Lock()
	j, err := f.get(id)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if j.paused {
		return nil
	}
	return j.fn(ctx, id)
}

// Callback returns the function registered under id.
func (f *Fake) Callback(id string) (core.JobFunc, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, false
	}
	return j.fn, true
}

func (f *Fake) Trigger(id string) (core.Trigger, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return core.Trigger{}, false
	}
	return j.trigger, true
}

func (f *Fake) Paused(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	return ok && j.paused
}

// Removed lists ids passed to a successful Remove, in order.
func (f *Fake) Removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

var _ core.Scheduler = (*Fake)(nil)
