package errors

// Scheduling error taxonomy. Callers compare with errors.Is; the wrapping
// helpers above attach a level so the HTTP layer can pick a status code.
var (
	// ErrSchedulerUnavailable means the durable store never came up and
	// scheduling is disabled for the lifetime of the process.
	ErrSchedulerUnavailable = New("scheduler unavailable")

	// ErrJobNotFound is returned by pause/resume/remove for an id with no
	// live timer.
	ErrJobNotFound = New("job not found")

	// ErrTransportFailure wraps any failure to obtain a usable answer from an
	// external status source.
	ErrTransportFailure = New("transport failure")

	// ErrMalformedSchedule flags a cron expression whose field count is not
	// five. The schedule is still registered with wildcards for the gaps.
	ErrMalformedSchedule = New("malformed schedule spec")

	// ErrRecordNotFound is returned by job stores when no document exists
	// under the requested id.
	ErrRecordNotFound = New("record not found")
)
