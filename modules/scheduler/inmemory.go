package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/Deepreo/swapcron/core"
	"github.com/Deepreo/swapcron/errors"
)

type entry struct {
	id      string
	trigger core.Trigger
	fn      core.JobFunc
	job     gocron.Job
	paused  bool
}

type InMemoryScheduler struct {
	scheduler   gocron.Scheduler
	jobs        map[string]*entry
	middlewares []core.SchedulerMiddleware
	logger      *slog.Logger
	started     bool
	ctx         context.Context
	cancel      context.CancelFunc
	mu          sync.RWMutex
}

type options struct {
	logger   *slog.Logger
	clock    clockwork.Clock
	location *time.Location
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock swaps the wall clock gocron uses to compute run times.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithLocation sets the timezone cron expressions are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(o *options) {
		o.location = loc
	}
}

func NewInMemoryScheduler(opts ...Option) (*InMemoryScheduler, error) {
	o := &options{logger: slog.Default(), location: time.UTC}
	for _, opt := range opts {
		opt(o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &InMemoryScheduler{
		jobs:   make(map[string]*entry),
		logger: o.logger,
		ctx:    ctx,
		cancel: cancel,
	}

	schedOpts := []gocron.SchedulerOption{
		gocron.WithLocation(o.location),
		gocron.WithLogger(o.logger),
		gocron.WithGlobalJobOptions(
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithEventListeners(
				gocron.AfterJobRunsWithError(func(jobID uuid.UUID, jobName string, err error) {
					s.logger.Error("scheduled job failed", "job_id", jobName, "error", err)
				}),
				gocron.AfterJobRunsWithPanic(func(jobID uuid.UUID, jobName string, recoverData any) {
					s.logger.Error("scheduled job panicked", "job_id", jobName, "panic", recoverData)
				}),
			),
		),
	}
	if o.clock != nil {
		schedOpts = append(schedOpts, gocron.WithClock(o.clock))
	}

	gs, err := gocron.NewScheduler(schedOpts...)
	if err != nil {
		cancel()
		return nil, err
	}
	s.scheduler = gs
	return s, nil
}

func (s *InMemoryScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduler.Start()
	s.started = true
}

func (s *InMemoryScheduler) Shutdown() error {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	err := s.scheduler.Shutdown()
	s.cancel()
	return err
}

func (s *InMemoryScheduler) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

func (s *InMemoryScheduler) Use(middleware ...core.SchedulerMiddleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, middleware...)
}

func (s *InMemoryScheduler) applyMiddlewares(fn core.JobFunc) core.JobFunc {
	chain := fn
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		chain = s.middlewares[i](chain)
	}
	return chain
}

// Add registers a live timer under id. It does not touch any job store.
func (s *InMemoryScheduler) Add(id string, fn core.JobFunc, trigger core.Trigger) (string, error) {
	if err := trigger.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return "", errors.UnavailableError(errors.ErrSchedulerUnavailable)
	}
	if _, exists := s.jobs[id]; exists {
		return "", errors.DomainError(fmt.Errorf("job with id %s already exists", id))
	}

	e := &entry{id: id, trigger: trigger, fn: s.applyMiddlewares(fn)}
	if err := s.arm(e); err != nil {
		return "", err
	}
	s.jobs[id] = e
	return id, nil
}

// arm creates the gocron job for e. Callers hold s.mu.
func (s *InMemoryScheduler) arm(e *entry) error {
	var def gocron.JobDefinition
	if e.trigger.IsCron() {
		def = gocron.CronJob(e.trigger.Cron.Expression(), false)
	} else {
		def = gocron.DurationJob(e.trigger.Every)
	}

	job, err := s.scheduler.NewJob(
		def,
		gocron.NewTask(s.fire, e.id, e.fn),
		gocron.WithName(e.id),
	)
	if err != nil {
		return errors.ValidationError(fmt.Errorf("schedule %s for job %s: %w", e.trigger, e.id, err))
	}
	e.job = job
	e.paused = false
	return nil
}

// fire runs one execution. A panic is turned into an error so that one job
// can never take the timer pool down with it.
func (s *InMemoryScheduler) fire(id string, fn core.JobFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", id, r)
		}
	}()
	return fn(s.ctx, id)
}

func (s *InMemoryScheduler) lookup(id string) (*entry, error) {
	e, ok := s.jobs[id]
	if !ok {
		return nil, errors.NotFoundError(fmt.Errorf("%w: %s", errors.ErrJobNotFound, id))
	}
	return e, nil
}

// Pause stops future fires but keeps the callback and trigger so Resume can
// re-arm the job. Pausing a paused job is a no-op.
func (s *InMemoryScheduler) Pause(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	if e.paused {
		return nil
	}
	if err := s.scheduler.RemoveJob(e.job.ID()); err != nil {
		return err
	}
	e.job = nil
	e.paused = true
	return nil
}

// Resume re-arms a paused job from its stored trigger. Resuming an active
// job is a no-op.
func (s *InMemoryScheduler) Resume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	if !e.paused {
		return nil
	}
	return s.arm(e)
}

// Remove cancels future fires. A fire already in progress runs to completion.
func (s *InMemoryScheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	if !e.paused && e.job != nil {
		if err := s.scheduler.RemoveJob(e.job.ID()); err != nil {
			return err
		}
	}
	delete(s.jobs, id)
	return nil
}

func (s *InMemoryScheduler) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.jobs[id]
	return ok
}

func (s *InMemoryScheduler) NextRun(id string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := s.lookup(id)
	if err != nil {
		return time.Time{}, err
	}
	if e.paused {
		return time.Time{}, nil
	}
	return e.job.NextRun()
}

func (s *InMemoryScheduler) Jobs() []core.JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]core.JobInfo, 0, len(s.jobs))
	for id, e := range s.jobs {
		info := core.JobInfo{ID: id, Trigger: e.trigger, State: core.JobStateActive}
		if e.paused {
			info.State = core.JobStatePaused
		} else if next, err := e.job.NextRun(); err == nil {
			info.NextRun = next
		}
		out = append(out, info)
	}
	return out
}
