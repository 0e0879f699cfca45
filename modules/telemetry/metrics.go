package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Deepreo/swapcron/core"
)

// Metrics holds the process collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	PollAttempts     *prometheus.CounterVec
	TrackTransitions *prometheus.CounterVec
	TickRuns         *prometheus.CounterVec
	TickLatency      prometheus.Histogram
	JobRuns          *prometheus.CounterVec
	JobDuration      prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PollAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swapcron",
			Subsystem: "poller",
			Name:      "attempts_total",
			Help:      "Poll attempts by outcome.",
		}, []string{"outcome"}),
		TrackTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swapcron",
			Subsystem: "poller",
			Name:      "transitions_total",
			Help:      "Tracks that reached a terminal status.",
		}, []string{"status"}),
		TickRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swapcron",
			Subsystem: "dca",
			Name:      "ticks_total",
			Help:      "Recurring tick executions by result.",
		}, []string{"result"}),
		TickLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "swapcron",
			Subsystem: "dca",
			Name:      "tick_latency_seconds",
			Help:      "Tick action latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swapcron",
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Timer fires by result.",
		}, []string{"result"}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "swapcron",
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Time spent inside job callbacks.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.PollAttempts,
		m.TrackTransitions,
		m.TickRuns,
		m.TickLatency,
		m.JobRuns,
		m.JobDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SchedulerMiddleware counts every timer fire and its duration.
func (m *Metrics) SchedulerMiddleware() core.SchedulerMiddleware {
	return func(next core.JobFunc) core.JobFunc {
		return func(ctx context.Context, jobID string) error {
			start := time.Now()
			err := next(ctx, jobID)
			m.JobDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				m.JobRuns.WithLabelValues("error").Inc()
			} else {
				m.JobRuns.WithLabelValues("ok").Inc()
			}
			return err
		}
	}
}
