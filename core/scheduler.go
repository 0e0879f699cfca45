package core

import (
	"context"
	"time"
)

// JobFunc is the function signature for scheduled jobs. The job identity is
// always passed so callbacks re-read current state instead of capturing it
// at registration time.
type JobFunc func(ctx context.Context, jobID string) error

// SchedulerMiddleware wraps a JobFunc to add cross-cutting concerns.
type SchedulerMiddleware func(next JobFunc) JobFunc

// JobState is the in-memory timer state of a registered job.
type JobState string

const (
	JobStateActive JobState = "active"
	JobStatePaused JobState = "paused"
)

// JobInfo describes a live registration.
type JobInfo struct {
	ID      string
	Trigger Trigger
	State   JobState
	NextRun time.Time
}

// Scheduler defines the interface for scheduling jobs.
type Scheduler interface {
	Start()
	Shutdown() error
	// Available reports whether the scheduler has been started and accepts jobs.
	Available() bool
	Add(id string, fn JobFunc, trigger Trigger) (string, error)
	Pause(id string) error
	Resume(id string) error
	Remove(id string) error
	Has(id string) bool
	NextRun(id string) (time.Time, error)
	Jobs() []JobInfo
	Use(middleware ...SchedulerMiddleware)
}
