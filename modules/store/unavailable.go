package store

import (
	"context"
	"fmt"

	"github.com/Deepreo/swapcron/core"
	"github.com/Deepreo/swapcron/errors"
)

// Unavailable stands in for the store when the database could not be
// reached at startup. Every call fails with an unavailable error carrying
// the connection failure.
type Unavailable struct {
	cause error
}

func NewUnavailable(cause error) *Unavailable {
	return &Unavailable{cause: cause}
}

func (u *Unavailable) err() error {
	return errors.UnavailableError(fmt.Errorf("%w: job store not connected: %v", errors.ErrSchedulerUnavailable, u.cause))
}

func (u *Unavailable) GetCronJob(ctx context.Context, id string) (*core.CronJob, error) {
	return nil, u.err()
}

func (u *Unavailable) UpsertCronJob(ctx context.Context, job *core.CronJob) error {
	return u.err()
}

func (u *Unavailable) FindCronJobs(ctx context.Context, filter core.CronJobFilter) ([]*core.CronJob, error) {
	return nil, u.err()
}

func (u *Unavailable) GetTrack(ctx context.Context, id string) (*core.SwapTrack, error) {
	return nil, u.err()
}

func (u *Unavailable) UpsertTrack(ctx context.Context, track *core.SwapTrack) error {
	return u.err()
}

func (u *Unavailable) FindTracks(ctx context.Context, filter core.TrackFilter) ([]*core.SwapTrack, error) {
	return nil, u.err()
}

func (u *Unavailable) GetSwap(ctx context.Context, id string) (*core.Swap, error) {
	return nil, u.err()
}

func (u *Unavailable) UpsertSwap(ctx context.Context, swap *core.Swap) error {
	return u.err()
}

func (u *Unavailable) FindSwaps(ctx context.Context, filter core.SwapFilter) ([]*core.Swap, error) {
	return nil, u.err()
}

func (u *Unavailable) AppendEvent(ctx context.Context, event *core.TickEvent) error {
	return u.err()
}

func (u *Unavailable) FindEvents(ctx context.Context, filter core.EventFilter) ([]*core.TickEvent, error) {
	return nil, u.err()
}

func (u *Unavailable) HealthCheck(ctx context.Context) error {
	return u.err()
}

func (u *Unavailable) Close(ctx context.Context) error {
	return nil
}

var _ core.JobStore = (*Unavailable)(nil)
