// Package metrics aggregates tick history into the dashboard summary. The
// summary is recomputed on a timer and cached so reads never hit the store.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Deepreo/swapcron/core"
	"github.com/Deepreo/swapcron/errors"
	"github.com/Deepreo/swapcron/modules/cache"
	"github.com/Deepreo/swapcron/modules/dca"
)

const (
	JobID      = "metrics_collection"
	SummaryKey = "metrics:summary"
	window     = 24 * time.Hour
)

type Config struct {
	Interval time.Duration `mapstructure:"interval"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 2 * c.Interval
	}
	return c
}

// Catalogue is the set of token symbols that count towards TVL.
type Catalogue interface {
	Symbols() []string
	Refresh(ctx context.Context) error
}

type JobStats struct {
	Total      int     `json:"total"`
	Success    int     `json:"success"`
	Failure    int     `json:"failure"`
	AvgLatency float64 `json:"avg_latency"`
}

type Snapshot struct {
	Timestamp      time.Time           `json:"timestamp"`
	RunningJobs    int                 `json:"running_jobs"`
	SuccessRate24h float64             `json:"success_rate_24h"`
	AvgLatency24h  float64             `json:"avg_latency_24h"`
	PerJob         map[string]JobStats `json:"per_job"`
	TVL            float64             `json:"tvl"`
}

type Snapshotter struct {
	store     core.JobStore
	scheduler core.Scheduler
	cache     cache.Cache
	catalogue Catalogue
	clock     clockwork.Clock
	logger    *slog.Logger
	cfg       Config

	mu   sync.RWMutex
	last *Snapshot
}

type Option func(*Snapshotter)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Snapshotter) { s.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Snapshotter) { s.logger = logger }
}

func New(store core.JobStore, scheduler core.Scheduler, c cache.Cache, catalogue Catalogue, cfg Config, opts ...Option) *Snapshotter {
	s := &Snapshotter{
		store:     store,
		scheduler: scheduler,
		cache:     c,
		catalogue: catalogue,
		clock:     clockwork.NewRealClock(),
		logger:    slog.Default(),
		cfg:       cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Compute reads the store, builds a fresh snapshot and caches it.
func (s *Snapshotter) Compute(ctx context.Context) (*Snapshot, error) {
	now := s.clock.Now().UTC()

	active, err := s.store.FindCronJobs(ctx, core.CronJobFilter{Statuses: []core.JobStatus{core.JobActive}})
	if err != nil {
		return nil, err
	}
	events, err := s.store.FindEvents(ctx, core.EventFilter{Type: core.EventTypeTick, Since: now.Add(-window)})
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Timestamp:   now,
		RunningJobs: len(active),
		PerJob:      map[string]JobStats{},
	}

	success := 0
	latency := 0.0
	for _, e := range events {
		stat := snap.PerJob[e.JobID]
		stat.Total++
		stat.AvgLatency += e.Latency
		if e.Success {
			stat.Success++
			success++
		} else {
			stat.Failure++
		}
		snap.PerJob[e.JobID] = stat
		latency += e.Latency
	}
	for id, stat := range snap.PerJob {
		stat.AvgLatency /= float64(stat.Total)
		snap.PerJob[id] = stat
	}
	if total := len(events); total > 0 {
		snap.SuccessRate24h = float64(success) / float64(total) * 100
		snap.AvgLatency24h = latency / float64(total)
	}

	snap.TVL, err = s.TVL(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.last = snap
	s.mu.Unlock()

	if s.cache != nil {
		data, err := json.Marshal(snap)
		if err != nil {
			return nil, err
		}
		if err := s.cache.Set(ctx, SummaryKey, data, s.cfg.CacheTTL); err != nil {
			s.logger.WarnContext(ctx, "failed to cache metrics snapshot", "error", err)
		}
	}
	s.logger.DebugContext(ctx, "metrics updated", "running_jobs", snap.RunningJobs, "events", len(events))
	return snap, nil
}

// TVL sums the budget share of every tracked basket coin over active and
// paused jobs.
func (s *Snapshotter) TVL(ctx context.Context) (float64, error) {
	symbols := s.catalogue.Symbols()
	if len(symbols) == 0 {
		if err := s.catalogue.Refresh(ctx); err != nil {
			s.logger.WarnContext(ctx, "token catalogue unavailable for tvl", "error", err)
		}
		symbols = s.catalogue.Symbols()
	}
	tracked := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		tracked[strings.ToUpper(sym)] = struct{}{}
	}

	jobs, err := s.store.FindCronJobs(ctx, core.CronJobFilter{Statuses: []core.JobStatus{core.JobActive, core.JobPaused}})
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, job := range jobs {
		params, err := dca.DecodeParams(job.Args)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping job with unreadable args", "job_id", job.ID, "error", err)
			continue
		}
		for _, coin := range params.Coins {
			if _, ok := tracked[strings.ToUpper(coin.Symbol)]; !ok {
				continue
			}
			total += params.Allocation(coin)
		}
	}
	return total, nil
}

// Start computes once and then every Interval on the scheduler. A previous
// collection job is replaced.
func (s *Snapshotter) Start(ctx context.Context) error {
	if _, err := s.Compute(ctx); err != nil {
		s.logger.WarnContext(ctx, "initial metrics computation failed", "error", err)
	}
	if s.scheduler.Has(JobID) {
		if err := s.scheduler.Remove(JobID); err != nil {
			return err
		}
	}
	_, err := s.scheduler.Add(JobID, func(ctx context.Context, _ string) error {
		_, err := s.Compute(ctx)
		return err
	}, core.EveryTrigger(s.cfg.Interval))
	return err
}

// Summary returns the latest snapshot, from memory, the shared cache or a
// fresh computation in that order.
func (s *Snapshotter) Summary(ctx context.Context) (*Snapshot, error) {
	s.mu.RLock()
	last := s.last
	s.mu.RUnlock()
	if last != nil {
		return last, nil
	}

	if s.cache != nil {
		data, err := s.cache.Get(ctx, SummaryKey)
		if err == nil {
			var snap Snapshot
			if err := json.Unmarshal(data, &snap); err == nil {
				return &snap, nil
			}
		} else if !errors.Is(cache.ErrMiss, err) {
			s.logger.WarnContext(ctx, "failed to read cached metrics", "error", err)
		}
	}
	return s.Compute(ctx)
}

func (s *Snapshotter) Job(ctx context.Context, id string) (JobStats, error) {
	snap, err := s.Summary(ctx)
	if err != nil {
		return JobStats{}, err
	}
	stat, ok := snap.PerJob[id]
	if !ok {
		return JobStats{}, errors.NotFoundError(fmt.Errorf("%w: no metrics for job %s", errors.ErrRecordNotFound, id))
	}
	return stat, nil
}
