package api

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

type Check func(ctx context.Context) error

// DetailedCheck is a Check that also reports component state, such as a
// job count, alongside the verdict.
type DetailedCheck func(ctx context.Context) (map[string]any, error)

type ComponentHealth struct {
	Status  string         `json:"status"`
	Error   string         `json:"error,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

type HealthReport struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentHealth `json:"components"`
}

// Health runs every registered check concurrently. The overall status is
// ok only when all checks pass.
type Health struct {
	mu      sync.RWMutex
	checks  map[string]DetailedCheck
	timeout time.Duration
	clock   clockwork.Clock
}

func NewHealth(timeout time.Duration, clock clockwork.Clock) *Health {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Health{checks: map[string]DetailedCheck{}, timeout: timeout, clock: clock}
}

func (h *Health) Add(name string, check Check) {
	h.AddDetailed(name, func(ctx context.Context) (map[string]any, error) {
		return nil, check(ctx)
	})
}

func (h *Health) AddDetailed(name string, check DetailedCheck) {
	h.mu.Lock()
	h.checks[name] = check
	h.mu.Unlock()
}

func (h *Health) Handle(ctx context.Context, _ *EmptyRequest) (*HealthReport, error) {
	return h.Run(ctx), nil
}

func (h *Health) Run(ctx context.Context) *HealthReport {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	checks := make([]DetailedCheck, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		checks = append(checks, h.checks[name])
	}
	h.mu.RUnlock()

	// A failing check never cancels the others, so every goroutine returns nil.
	results := make([]ComponentHealth, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			details, err := check(ctx)
			results[i] = ComponentHealth{Status: StatusOK, Details: details}
			if err != nil {
				results[i].Status = StatusError
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	report := &HealthReport{
		Status:     StatusOK,
		Timestamp:  h.clock.Now().UTC(),
		Components: make(map[string]ComponentHealth, len(results)),
	}
	for i, result := range results {
		report.Components[names[i]] = result
		if result.Status != StatusOK {
			report.Status = StatusError
		}
	}
	return report
}
