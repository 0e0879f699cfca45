package errors

import (
	"context"
	"log/slog"
	"sync"
)

// Reporter surfaces failures that are handled locally and must not
// interrupt the caller, such as a failed status fetch inside a poll step.
type Reporter interface {
	Report(ctx context.Context, source string, err error)
}

// Critical and retryable errors are recognised through these optional
// behaviours rather than concrete types.
type criticalError interface{ Critical() bool }
type retryableError interface{ Retryable() bool }

// LogReporter logs every report, hands critical errors to an alert hook and
// counts retryable ones per source.
type LogReporter struct {
	logger  *slog.Logger
	alert   func(ctx context.Context, source string, err error)
	mu      sync.Mutex
	reports map[string]int
	retries map[string]int
}

type ReporterOption func(*LogReporter)

// WithAlert sets the hook called for errors whose Critical method returns true.
func WithAlert(fn func(ctx context.Context, source string, err error)) ReporterOption {
	return func(r *LogReporter) {
		r.alert = fn
	}
}

func NewLogReporter(logger *slog.Logger, opts ...ReporterOption) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &LogReporter{
		logger:  logger,
		reports: make(map[string]int),
		retries: make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *LogReporter) Report(ctx context.Context, source string, err error) {
	if err == nil {
		return
	}
	r.logger.ErrorContext(ctx, "component error",
		"source", source,
		"level", GetLevel(err).String(),
		"error", err,
	)

	r.mu.Lock()
	r.reports[source]++
	var retry retryableError
	if As(err, &retry) && retry.Retryable() {
		r.retries[source]++
	}
	r.mu.Unlock()

	var critical criticalError
	if r.alert != nil && As(err, &critical) && critical.Critical() {
		r.alert(ctx, source, err)
	}
}

// Counts returns how many errors each source has reported.
func (r *LogReporter) Counts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.reports))
	for k, v := range r.reports {
		out[k] = v
	}
	return out
}

// Retries returns how many retryable errors each source has reported.
func (r *LogReporter) Retries() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.retries))
	for k, v := range r.retries {
		out[k] = v
	}
	return out
}
