package core

import (
	"context"
	"time"
)

type CronJobFilter struct {
	// Statuses restricts results to the listed statuses; empty means all.
	Statuses []JobStatus
}

func (f CronJobFilter) Match(j *CronJob) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if j.Status == s {
			return true
		}
	}
	return false
}

type TrackFilter struct {
	// OpenOnly keeps records whose completed_at is unset.
	OpenOnly bool
	Statuses []TrackStatus
	SwapID   string
}

func (f TrackFilter) Match(t *SwapTrack) bool {
	if f.OpenOnly && t.CompletedAt != nil {
		return false
	}
	if f.SwapID != "" && t.SwapID != f.SwapID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if t.Status == s {
			return true
		}
	}
	return false
}

type EventFilter struct {
	Type  string
	JobID string
	// Since keeps events at or after this instant; zero means no bound.
	Since time.Time
}

func (f EventFilter) Match(e *TickEvent) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.JobID != "" && e.JobID != f.JobID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// SwapFilter selects swaps for history listings. Results are newest first.
type SwapFilter struct {
	User  string
	Limit int
}

func (f SwapFilter) Match(s *Swap) bool {
	return f.User == "" || s.User == f.User
}

// JobStore is the durable home of every job document. Implementations
// return errors.ErrRecordNotFound for missing ids and never hand out
// references to their internal state.
type JobStore interface {
	GetCronJob(ctx context.Context, id string) (*CronJob, error)
	UpsertCronJob(ctx context.Context, job *CronJob) error
	FindCronJobs(ctx context.Context, filter CronJobFilter) ([]*CronJob, error)

	GetTrack(ctx context.Context, id string) (*SwapTrack, error)
	UpsertTrack(ctx context.Context, track *SwapTrack) error
	FindTracks(ctx context.Context, filter TrackFilter) ([]*SwapTrack, error)

	GetSwap(ctx context.Context, id string) (*Swap, error)
	UpsertSwap(ctx context.Context, swap *Swap) error
	FindSwaps(ctx context.Context, filter SwapFilter) ([]*Swap, error)

	AppendEvent(ctx context.Context, event *TickEvent) error
	FindEvents(ctx context.Context, filter EventFilter) ([]*TickEvent, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
