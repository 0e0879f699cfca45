package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerMiddleware(t *testing.T) {
	m := New()
	wrapped := m.SchedulerMiddleware()(func(ctx context.Context, jobID string) error {
		if jobID == "bad" {
			return errors.New("boom")
		}
		return nil
	})

	assert.NoError(t, wrapped(context.Background(), "good"))
	assert.Error(t, wrapped(context.Background(), "bad"))
	assert.NoError(t, wrapped(context.Background(), "good"))

	body := scrape(t, m)
	assert.Contains(t, body, `swapcron_scheduler_job_runs_total{result="ok"} 2`)
	assert.Contains(t, body, `swapcron_scheduler_job_runs_total{result="error"} 1`)
	assert.Contains(t, body, `swapcron_scheduler_job_duration_seconds_count 3`)
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestHandler(t *testing.T) {
	m := New()
	m.PollAttempts.WithLabelValues("ok").Inc()

	assert.Contains(t, scrape(t, m), `swapcron_poller_attempts_total{outcome="ok"} 1`)
}
