package core_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Deepreo/swapcron/core"
	commonErrors "github.com/Deepreo/swapcron/errors"
)

func TestParseCronSpec(t *testing.T) {
	tests := []struct {
		name      string
		expr      string
		want      string
		malformed bool
	}{
		{name: "five fields", expr: "*/5 1 * * mon", want: "*/5 1 * * mon"},
		{name: "extra whitespace", expr: "  0   12 1 *  * ", want: "0 12 1 * *"},
		{name: "two fields leave tail unconstrained", expr: "30 2", want: "30 2 * * *", malformed: true},
		{name: "single field", expr: "15", want: "15 * * * *", malformed: true},
		{name: "empty fires every minute", expr: "", want: "* * * * *", malformed: true},
		{name: "surplus tokens are dropped", expr: "0 0 1 1 * 2030", want: "0 0 1 1 *", malformed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := core.ParseCronSpec(tt.expr)
			assert.Equal(t, tt.want, spec.Expression())

			err := spec.Validate()
			if tt.malformed {
				require.Error(t, err)
				assert.True(t, errors.Is(err, commonErrors.ErrMalformedSchedule))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseCronSpec_Positional(t *testing.T) {
	spec := core.ParseCronSpec("5 4 3 2")
	assert.Equal(t, "5", spec.Minute)
	assert.Equal(t, "4", spec.Hour)
	assert.Equal(t, "3", spec.Day)
	assert.Equal(t, "2", spec.Month)
	assert.Equal(t, "", spec.DayOfWeek)
}

func TestTrigger(t *testing.T) {
	assert.Error(t, core.Trigger{}.Validate())
	assert.NoError(t, core.EverySeconds(5).Validate())
	assert.Equal(t, 5*time.Second, core.EverySeconds(5).Every)
	assert.False(t, core.EverySeconds(5).IsCron())

	cron := core.CronTrigger(core.ParseCronSpec("0 9 * * 1"))
	assert.True(t, cron.IsCron())
	assert.NoError(t, cron.Validate())
	assert.Equal(t, "cron(0 9 * * 1)", cron.String())
}

func TestTerminalStatus(t *testing.T) {
	for _, raw := range []string{"Completed", "SUCCESS", "failed", " error ", "Reverted", "cancelled", "Canceled"} {
		st, ok := core.TerminalStatus(raw)
		assert.True(t, ok, raw)
		assert.True(t, st.Terminal(), raw)
	}
	for _, raw := range []string{"processing", "pending", "", "waiting", "timeout"} {
		_, ok := core.TerminalStatus(raw)
		assert.False(t, ok, raw)
	}
	assert.True(t, core.TrackTimeout.Terminal())
	assert.False(t, core.TrackPending.Terminal())
}
