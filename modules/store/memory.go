package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Deepreo/swapcron/core"
	"github.com/Deepreo/swapcron/errors"
)

// Memory is a process-local JobStore. Everything is lost on restart, so it
// only backs tests and the "memory" driver.
type Memory struct {
	mu     sync.RWMutex
	jobs   map[string]*core.CronJob
	tracks map[string]*core.SwapTrack
	swaps  map[string]*core.Swap
	events []*core.TickEvent
	closed bool
}

func NewMemory() *Memory {
	return &Memory{
		jobs:   make(map[string]*core.CronJob),
		tracks: make(map[string]*core.SwapTrack),
		swaps:  make(map[string]*core.Swap),
	}
}

func notFound(kind, id string) error {
	return errors.NotFoundError(fmt.Errorf("%w: %s %s", errors.ErrRecordNotFound, kind, id))
}

func (m *Memory) GetCronJob(ctx context.Context, id string) (*core.CronJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, notFound("cron job", id)
	}
	return j.Clone(), nil
}

func (m *Memory) UpsertCronJob(ctx context.Context, job *core.CronJob) error {
	if job == nil || job.ID == "" {
		return errors.ValidationError(fmt.Errorf("cron job id is required"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *Memory) FindCronJobs(ctx context.Context, filter core.CronJobFilter) ([]*core.CronJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.CronJob, 0)
	for _, j := range m.jobs {
		if filter.Match(j) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (m *Memory) GetTrack(ctx context.Context, id string) (*core.SwapTrack, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tracks[id]
	if !ok {
		return nil, notFound("track", id)
	}
	return t.Clone(), nil
}

func (m *Memory) UpsertTrack(ctx context.Context, track *core.SwapTrack) error {
	if track == nil || track.ID == "" {
		return errors.ValidationError(fmt.Errorf("track id is required"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks[track.ID] = track.Clone()
	return nil
}

func (m *Memory) FindTracks(ctx context.Context, filter core.TrackFilter) ([]*core.SwapTrack, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.SwapTrack, 0)
	for _, t := range m.tracks {
		if filter.Match(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (m *Memory) GetSwap(ctx context.Context, id string) (*core.Swap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.swaps[id]
	if !ok {
		return nil, notFound("swap", id)
	}
	return s.Clone(), nil
}

func (m *Memory) UpsertSwap(ctx context.Context, swap *core.Swap) error {
	if swap == nil || swap.ID == "" {
		return errors.ValidationError(fmt.Errorf("swap id is required"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.swaps[swap.ID] = swap.Clone()
	return nil
}

func (m *Memory) FindSwaps(ctx context.Context, filter core.SwapFilter) ([]*core.Swap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Swap, 0)
	for _, s := range m.swaps {
		if filter.Match(s) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) AppendEvent(ctx context.Context, event *core.TickEvent) error {
	if event == nil {
		return errors.ValidationError(fmt.Errorf("event is required"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := *event
	m.events = append(m.events, &e)
	return nil
}

func (m *Memory) FindEvents(ctx context.Context, filter core.EventFilter) ([]*core.TickEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.TickEvent, 0)
	for _, e := range m.events {
		if filter.Match(e) {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *Memory) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.UnavailableError(fmt.Errorf("memory store closed"))
	}
	return nil
}

func (m *Memory) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
