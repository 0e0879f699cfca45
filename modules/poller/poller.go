package poller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Deepreo/swapcron/core"
	"github.com/Deepreo/swapcron/errors"
	"github.com/Deepreo/swapcron/modules/lock"
	"github.com/Deepreo/swapcron/modules/telemetry"
)

const (
	JobPrefix  = "swap_track_"
	SweepJobID = "swap_tracks_sweep"
)

// JobID is the timer, lock and notification key for a track.
func JobID(trackID string) string {
	return JobPrefix + trackID
}

type Config struct {
	Interval      time.Duration `mapstructure:"interval"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 12
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	return c
}

type TrackRequest struct {
	SwapID     string `json:"swap_id"`
	Endpoint   string `json:"endpoint"`
	TxHash     string `json:"txHash"`
	FromWallet string `json:"from_wallet"`
	ToWallet   string `json:"to_wallet"`
	TokenIn    string `json:"token_in"`
	TokenOut   string `json:"token_out"`
	Amount     string `json:"amount"`
}

// Poller drives each tracked swap from pending to a terminal status or to
// timeout, one timer fire at a time.
type Poller struct {
	store     core.JobStore
	scheduler core.Scheduler
	locks     *lock.Keyed
	source    core.StatusSource
	bus       core.NotificationBus
	reporter  errors.Reporter
	metrics   *telemetry.Metrics
	clock     clockwork.Clock
	logger    *slog.Logger
	tracer    trace.Tracer
	cfg       Config
}

type Option func(*Poller)

func WithReporter(r errors.Reporter) Option {
	return func(p *Poller) { p.reporter = r }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Poller) { p.metrics = m }
}

func WithClock(clock clockwork.Clock) Option {
	return func(p *Poller) { p.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) { p.logger = logger }
}

func New(store core.JobStore, scheduler core.Scheduler, locks *lock.Keyed, source core.StatusSource, bus core.NotificationBus, cfg Config, opts ...Option) *Poller {
	p := &Poller{
		store:     store,
		scheduler: scheduler,
		locks:     locks,
		source:    source,
		bus:       bus,
		clock:     clockwork.NewRealClock(),
		logger:    slog.Default(),
		tracer:    otel.Tracer("swapcron-poller"),
		cfg:       cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.reporter == nil {
		p.reporter = errors.NewLogReporter(p.logger)
	}
	if p.metrics == nil {
		p.metrics = telemetry.New()
	}
	return p
}

// Track persists a pending record and starts polling it.
func (p *Poller) Track(ctx context.Context, req TrackRequest) (*core.SwapTrack, error) {
	if strings.TrimSpace(req.Endpoint) == "" {
		return nil, errors.ValidationError(fmt.Errorf("endpoint is required"))
	}
	if !p.scheduler.Available() {
		return nil, errors.UnavailableError(errors.ErrSchedulerUnavailable)
	}

	now := p.clock.Now().UTC()
	track := &core.SwapTrack{
		ID:         uuid.NewString(),
		SwapID:     req.SwapID,
		Endpoint:   req.Endpoint,
		Status:     core.TrackPending,
		TxHash:     req.TxHash,
		FromWallet: req.FromWallet,
		ToWallet:   req.ToWallet,
		TokenIn:    req.TokenIn,
		TokenOut:   req.TokenOut,
		Amount:     req.Amount,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := p.store.UpsertTrack(ctx, track); err != nil {
		return nil, err
	}
	// The record is durable at this point; the sweep re-arms a missing timer.
	if err := p.register(track.ID); err != nil {
		p.reporter.Report(ctx, "SwapTracker", fmt.Errorf("arm track %s: %w", track.ID, err))
		return track, nil
	}
	p.logger.InfoContext(ctx, "tracking swap", "track_id", track.ID, "swap_id", track.SwapID)
	return track, nil
}

func (p *Poller) register(trackID string) error {
	_, err := p.scheduler.Add(JobID(trackID), p.fire, core.EveryTrigger(p.cfg.Interval))
	return err
}

func (p *Poller) fire(ctx context.Context, jobID string) error {
	return p.Poll(ctx, strings.TrimPrefix(jobID, JobPrefix))
}

// Poll runs one attempt for trackID under the track's lock.
func (p *Poller) Poll(ctx context.Context, trackID string) (err error) {
	jobID := JobID(trackID)
	ctx, span := p.tracer.Start(ctx, "poll_track", trace.WithAttributes(
		attribute.String("swapcron.track_id", trackID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	token, err := p.locks.Acquire(ctx, jobID)
	if err != nil {
		return err
	}
	defer token.Release()

	track, err := p.store.GetTrack(ctx, trackID)
	if errors.Is(errors.ErrRecordNotFound, err) {
		p.deregister(ctx, jobID)
		return nil
	}
	if err != nil {
		return err
	}
	if track.Terminal() {
		p.deregister(ctx, jobID)
		return nil
	}

	now := p.clock.Now().UTC()
	track.PollCount++
	if track.StartedAt == nil {
		track.StartedAt = &now
	}

	outcome := "ok"
	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	report, fetchErr := p.source.Fetch(fetchCtx, track.Endpoint)
	cancel()
	if fetchErr != nil {
		outcome = "transport_error"
		p.reporter.Report(ctx, "poller", fetchErr)
	} else {
		if track.TxHash == "" && report.TxHash != "" {
			track.TxHash = report.TxHash
		}
		if status, ok := core.TerminalStatus(report.Status); ok {
			track.Status = status
			track.CompletedAt = &now
		}
	}

	if track.CompletedAt == nil && track.PollCount >= p.cfg.MaxAttempts {
		track.Status = core.TrackTimeout
		track.CompletedAt = &now
	}
	track.UpdatedAt = now
	span.SetAttributes(
		attribute.Int("swapcron.poll_count", track.PollCount),
		attribute.String("swapcron.status", string(track.Status)),
	)

	if err := p.store.UpsertTrack(ctx, track); err != nil {
		return err
	}
	p.metrics.PollAttempts.WithLabelValues(outcome).Inc()

	if track.CompletedAt != nil {
		p.metrics.TrackTransitions.WithLabelValues(string(track.Status)).Inc()
		p.logger.InfoContext(ctx, "track finished",
			"track_id", track.ID,
			"status", track.Status,
			"poll_count", track.PollCount,
		)
		p.publish(ctx, track)
		p.deregister(ctx, jobID)
	}
	return nil
}

func (p *Poller) publish(ctx context.Context, track *core.SwapTrack) {
	entity := track.EntityID()
	n := core.Notification{
		SwapID:  entity,
		TrackID: track.ID,
		Status:  track.Status,
		TxHash:  track.TxHash,
		Final:   true,
	}
	if err := p.bus.Publish(ctx, core.SwapTopic(entity), n); err != nil {
		p.reporter.Report(ctx, "poller.publish", err)
	}
}

// deregister removes the timer. A timer that is already gone is fine.
func (p *Poller) deregister(ctx context.Context, jobID string) {
	if err := p.scheduler.Remove(jobID); err != nil && !errors.Is(errors.ErrJobNotFound, err) {
		p.logger.WarnContext(ctx, "failed to remove poll timer", "job_id", jobID, "error", err)
	}
}

// Rehydrate registers a timer for every open track that lacks one and
// returns how many were registered.
func (p *Poller) Rehydrate(ctx context.Context) (int, error) {
	if !p.scheduler.Available() {
		return 0, errors.UnavailableError(errors.ErrSchedulerUnavailable)
	}
	tracks, err := p.store.FindTracks(ctx, core.TrackFilter{OpenOnly: true})
	if err != nil {
		return 0, err
	}

	registered := 0
	for _, track := range tracks {
		if p.scheduler.Has(JobID(track.ID)) {
			continue
		}
		if err := p.register(track.ID); err != nil {
			p.logger.WarnContext(ctx, "failed to rehydrate track", "track_id", track.ID, "error", err)
			continue
		}
		registered++
	}
	if registered > 0 {
		p.logger.InfoContext(ctx, "rehydrated swap tracks", "count", registered)
	}
	return registered, nil
}

// StartSweep periodically re-runs Rehydrate so that tracks whose timer was
// lost are picked up again.
func (p *Poller) StartSweep() error {
	if p.scheduler.Has(SweepJobID) {
		if err := p.scheduler.Remove(SweepJobID); err != nil {
			return err
		}
	}
	_, err := p.scheduler.Add(SweepJobID, func(ctx context.Context, _ string) error {
		_, err := p.Rehydrate(ctx)
		return err
	}, core.EveryTrigger(p.cfg.SweepInterval))
	return err
}

func (p *Poller) Get(ctx context.Context, trackID string) (*core.SwapTrack, error) {
	return p.store.GetTrack(ctx, trackID)
}
