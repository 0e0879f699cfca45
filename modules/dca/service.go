package dca

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/Deepreo/swapcron/core"
	"github.com/Deepreo/swapcron/errors"
	"github.com/Deepreo/swapcron/modules/lock"
	"github.com/Deepreo/swapcron/modules/telemetry"
)

// Kind tags DCA records in the shared job collection.
const Kind = "dca"

// TickAction is what a DCA job does on every cron tick.
type TickAction interface {
	Execute(ctx context.Context, job *core.CronJob, params Params) error
}

type TickActionFunc func(ctx context.Context, job *core.CronJob, params Params) error

func (f TickActionFunc) Execute(ctx context.Context, job *core.CronJob, params Params) error {
	return f(ctx, job, params)
}

type CreateJob struct {
	Cron   string `json:"cron"`
	Params Params `json:"params"`
}

type Service struct {
	store     core.JobStore
	scheduler core.Scheduler
	locks     *lock.Keyed
	action    TickAction
	reporter  errors.Reporter
	metrics   *telemetry.Metrics
	clock     clockwork.Clock
	logger    *slog.Logger
}

type Option func(*Service)

func WithReporter(r errors.Reporter) Option {
	return func(s *Service) { s.reporter = r }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func NewService(store core.JobStore, scheduler core.Scheduler, locks *lock.Keyed, action TickAction, opts ...Option) *Service {
	s := &Service{
		store:     store,
		scheduler: scheduler,
		locks:     locks,
		action:    action,
		clock:     clockwork.NewRealClock(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.reporter == nil {
		s.reporter = errors.NewLogReporter(s.logger)
	}
	if s.metrics == nil {
		s.metrics = telemetry.New()
	}
	return s
}

// parseCron never rejects an expression. A spec with the wrong number of
// fields is logged and used as far as it goes.
func (s *Service) parseCron(ctx context.Context, jobID, expr string) core.CronSpec {
	spec := core.ParseCronSpec(expr)
	if err := spec.Validate(); err != nil {
		s.logger.WarnContext(ctx, "malformed cron spec, missing fields run on every unit",
			"job_id", jobID,
			"cron", expr,
			"effective", spec.Expression(),
			"error", err,
		)
	}
	return spec
}

func (s *Service) register(ctx context.Context, job *core.CronJob) error {
	spec := s.parseCron(ctx, job.ID, job.Cron)
	if _, err := s.scheduler.Add(job.ID, s.Tick, core.CronTrigger(spec)); err != nil {
		return err
	}
	s.refreshNextRun(job)
	return nil
}

func (s *Service) refreshNextRun(job *core.CronJob) {
	next, err := s.scheduler.NextRun(job.ID)
	if err != nil || next.IsZero() {
		job.NextRun = nil
		return
	}
	next = next.UTC()
	job.NextRun = &next
}

// unregister drops the timer. A timer that is already gone is logged and
// otherwise ignored.
func (s *Service) unregister(ctx context.Context, id string) {
	if err := s.scheduler.Remove(id); err != nil {
		if errors.Is(errors.ErrJobNotFound, err) {
			s.logger.DebugContext(ctx, "no live timer to remove", "job_id", id)
			return
		}
		s.logger.WarnContext(ctx, "failed to remove timer", "job_id", id, "error", err)
	}
}

// Create persists a new active job and arms its cron timer.
func (s *Service) Create(ctx context.Context, req CreateJob) (*core.CronJob, error) {
	if strings.TrimSpace(req.Cron) == "" {
		return nil, errors.ValidationError(fmt.Errorf("cron is required"))
	}
	params := req.Params
	if err := params.Normalize(); err != nil {
		return nil, err
	}
	if !s.scheduler.Available() {
		return nil, errors.UnavailableError(errors.ErrSchedulerUnavailable)
	}
	args, err := params.Args()
	if err != nil {
		return nil, errors.AppError(fmt.Errorf("encode job args: %w", err))
	}

	now := s.clock.Now().UTC()
	job := &core.CronJob{
		ID:        uuid.NewString(),
		Kind:      Kind,
		Cron:      req.Cron,
		Status:    core.JobActive,
		Args:      args,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.register(ctx, job); err != nil {
		return nil, err
	}
	if err := s.store.UpsertCronJob(ctx, job); err != nil {
		s.unregister(ctx, job.ID)
		return nil, err
	}
	s.logger.InfoContext(ctx, "dca job created", "job_id", job.ID, "cron", job.Cron)
	return job, nil
}

func (s *Service) Get(ctx context.Context, id string) (*core.CronJob, error) {
	return s.store.GetCronJob(ctx, id)
}

func (s *Service) List(ctx context.Context, statuses ...core.JobStatus) ([]*core.CronJob, error) {
	return s.store.FindCronJobs(ctx, core.CronJobFilter{Statuses: statuses})
}

// Pause stops the timer and marks the record paused.
func (s *Service) Pause(ctx context.Context, id string) (*core.CronJob, error) {
	token, err := s.locks.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer token.Release()

	job, err := s.store.GetCronJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status == core.JobRemoved {
		return nil, errors.DomainError(fmt.Errorf("job %s was removed", id))
	}
	if err := s.scheduler.Pause(id); err != nil {
		if !errors.Is(errors.ErrJobNotFound, err) {
			return nil, err
		}
		s.logger.WarnContext(ctx, "pause: no live timer", "job_id", id)
	}
	job.Status = core.JobPaused
	job.NextRun = nil
	job.UpdatedAt = s.clock.Now().UTC()
	if err := s.store.UpsertCronJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Resume re-arms the timer from the stored cron spec. A job without a live
// timer, for example after a restart, is registered again.
func (s *Service) Resume(ctx context.Context, id string) (*core.CronJob, error) {
	if !s.scheduler.Available() {
		return nil, errors.UnavailableError(errors.ErrSchedulerUnavailable)
	}
	token, err := s.locks.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer token.Release()

	job, err := s.store.GetCronJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status == core.JobRemoved {
		return nil, errors.DomainError(fmt.Errorf("job %s was removed", id))
	}

	if s.scheduler.Has(id) {
		if err := s.scheduler.Resume(id); err != nil {
			return nil, err
		}
		s.refreshNextRun(job)
	} else if err := s.register(ctx, job); err != nil {
		return nil, err
	}

	job.Status = core.JobActive
	job.UpdatedAt = s.clock.Now().UTC()
	if err := s.store.UpsertCronJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Remove drops the timer and marks the record removed. Removed records are
// kept for history and never rehydrated.
func (s *Service) Remove(ctx context.Context, id string) (*core.CronJob, error) {
	token, err := s.locks.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer token.Release()

	job, err := s.store.GetCronJob(ctx, id)
	if err != nil {
		return nil, err
	}
	s.unregister(ctx, id)
	job.Status = core.JobRemoved
	job.NextRun = nil
	job.UpdatedAt = s.clock.Now().UTC()
	if err := s.store.UpsertCronJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Rehydrate registers every active record that has no live timer and
// returns how many were registered.
func (s *Service) Rehydrate(ctx context.Context) (int, error) {
	if !s.scheduler.Available() {
		return 0, errors.UnavailableError(errors.ErrSchedulerUnavailable)
	}
	jobs, err := s.store.FindCronJobs(ctx, core.CronJobFilter{Statuses: []core.JobStatus{core.JobActive}})
	if err != nil {
		return 0, err
	}

	registered := 0
	for _, job := range jobs {
		if s.scheduler.Has(job.ID) {
			continue
		}
		if err := s.register(ctx, job); err != nil {
			s.logger.ErrorContext(ctx, "failed to rehydrate job", "job_id", job.ID, "error", err)
			continue
		}
		registered++
		job.UpdatedAt = s.clock.Now().UTC()
		if err := s.store.UpsertCronJob(ctx, job); err != nil {
			s.logger.WarnContext(ctx, "failed to store next run", "job_id", job.ID, "error", err)
		}
	}
	s.logger.InfoContext(ctx, "rehydrated dca jobs", "count", registered, "active", len(jobs))
	return registered, nil
}

// Tick is the timer callback of every DCA job.
func (s *Service) Tick(ctx context.Context, jobID string) error {
	token, err := s.locks.Acquire(ctx, jobID)
	if err != nil {
		return err
	}
	defer token.Release()

	job, err := s.store.GetCronJob(ctx, jobID)
	if errors.Is(errors.ErrRecordNotFound, err) {
		s.unregister(ctx, jobID)
		return nil
	}
	if err != nil {
		return err
	}
	switch job.Status {
	case core.JobActive:
	case core.JobRemoved:
		s.unregister(ctx, jobID)
		return nil
	default:
		return nil
	}

	start := s.clock.Now()
	runErr := s.run(ctx, job)
	latency := s.clock.Since(start)

	s.record(ctx, job.ID, runErr, latency)

	now := s.clock.Now().UTC()
	job.LastRun = &now
	job.UpdatedAt = now
	s.refreshNextRun(job)
	return s.store.UpsertCronJob(ctx, job)
}

func (s *Service) run(ctx context.Context, job *core.CronJob) error {
	params, err := DecodeParams(job.Args)
	if err != nil {
		return err
	}
	if err := params.Normalize(); err != nil {
		return err
	}
	return s.action.Execute(ctx, job, params)
}

func (s *Service) record(ctx context.Context, jobID string, runErr error, latency time.Duration) {
	event := &core.TickEvent{
		ID:        uuid.NewString(),
		Type:      core.EventTypeTick,
		JobID:     jobID,
		Success:   runErr == nil,
		Latency:   latency.Seconds(),
		Timestamp: s.clock.Now().UTC(),
	}
	result := "ok"
	if runErr != nil {
		result = "error"
		event.Error = runErr.Error()
		s.reporter.Report(ctx, "dca.tick", runErr)
	}
	s.metrics.TickRuns.WithLabelValues(result).Inc()
	s.metrics.TickLatency.Observe(latency.Seconds())

	if err := s.store.AppendEvent(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to record tick", "job_id", jobID, "error", err)
	}
}
