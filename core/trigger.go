package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/Deepreo/swapcron/errors"
)

// cronFieldCount is the number of positional fields in a stored cron string:
// minute, hour, day, month, day-of-week.
const cronFieldCount = 5

// CronSpec holds the five cron fields. An empty field means "every unit".
type CronSpec struct {
	Minute    string `json:"minute"`
	Hour      string `json:"hour"`
	Day       string `json:"day"`
	Month     string `json:"month"`
	DayOfWeek string `json:"day_of_week"`

	// tokens is the number of whitespace separated tokens in the source
	// expression.
	tokens int
}

// ParseCronSpec zips the whitespace separated tokens of expr onto minute,
// hour, day, month and day-of-week in that order. Missing trailing fields
// stay unconstrained and surplus tokens are ignored; the expression is never
// rejected here. Call Validate to learn whether the token count was off.
//
// NOTE: "30 2" therefore fires at 02:30 every day. Stored jobs rely on this
// lenient reading, so it is kept as is and only flagged by Validate.
func ParseCronSpec(expr string) CronSpec {
	parts := strings.Fields(expr)
	spec := CronSpec{tokens: len(parts)}
	fields := []*string{&spec.Minute, &spec.Hour, &spec.Day, &spec.Month, &spec.DayOfWeek}
	for i, part := range parts {
		if i >= len(fields) {
			break
		}
		*fields[i] = part
	}
	return spec
}

// Validate returns ErrMalformedSchedule when the source expression did not
// have exactly five fields.
func (c CronSpec) Validate() error {
	if c.tokens != cronFieldCount {
		return fmt.Errorf("%w: expected %d fields, got %d", errors.ErrMalformedSchedule, cronFieldCount, c.tokens)
	}
	return nil
}

// Expression renders the spec as a standard five-field crontab line.
func (c CronSpec) Expression() string {
	fields := []string{c.Minute, c.Hour, c.Day, c.Month, c.DayOfWeek}
	for i, f := range fields {
		if f == "" {
			fields[i] = "*"
		}
	}
	return strings.Join(fields, " ")
}

// Trigger is either a cron specification or a fixed interval.
type Trigger struct {
	Cron  *CronSpec     `json:"cron,omitempty"`
	Every time.Duration `json:"every,omitempty"`
}

func CronTrigger(spec CronSpec) Trigger {
	return Trigger{Cron: &spec}
}

func EveryTrigger(interval time.Duration) Trigger {
	return Trigger{Every: interval}
}

// EverySeconds builds an interval trigger from whole seconds.
func EverySeconds(seconds int) Trigger {
	return Trigger{Every: time.Duration(seconds) * time.Second}
}

func (t Trigger) IsCron() bool {
	return t.Cron != nil
}

func (t Trigger) Validate() error {
	if t.Cron == nil && t.Every <= 0 {
		return errors.ValidationError(fmt.Errorf("trigger needs a cron spec or a positive interval"))
	}
	return nil
}

func (t Trigger) String() string {
	if t.Cron != nil {
		return "cron(" + t.Cron.Expression() + ")"
	}
	return "every(" + t.Every.String() + ")"
}
