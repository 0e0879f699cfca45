package dca

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Deepreo/swapcron/core"
	commonErrors "github.com/Deepreo/swapcron/errors"
	"github.com/Deepreo/swapcron/modules/lock"
	"github.com/Deepreo/swapcron/modules/scheduler/schedulertest"
	"github.com/Deepreo/swapcron/modules/store"
	"github.com/Deepreo/swapcron/modules/telemetry"
)

type recordingAction struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (a *recordingAction) Execute(ctx context.Context, job *core.CronJob, params Params) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, job.ID)
	return a.err
}

func (a *recordingAction) ids() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

type countingReporter struct {
	mu    sync.Mutex
	count int
}

func (r *countingReporter) Report(ctx context.Context, source string, err error) {
	r.mu.Lock()
	r.count++
	r.mu.Unlock()
}

type fixture struct {
	svc      *Service
	store    *store.Memory
	sched    *schedulertest.Fake
	action   *recordingAction
	reporter *countingReporter
	clock    *clockwork.FakeClock
}

func newFixture(t *testing.T, sched *schedulertest.Fake) *fixture {
	t.Helper()
	locks, err := lock.NewKeyed(64)
	require.NoError(t, err)
	f := &fixture{
		store:    store.NewMemory(),
		sched:    sched,
		action:   &recordingAction{},
		reporter: &countingReporter{},
		clock:    clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)),
	}
	f.svc = NewService(f.store, f.sched, locks, f.action,
		WithReporter(f.reporter),
		WithMetrics(telemetry.New()),
		WithClock(f.clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return f
}

func basket() Params {
	return Params{
		User:          "0x1111111111111111111111111111111111111111",
		SourceChain:   1,
		InputToken:    "USDC",
		BudgetPerTick: 100,
		Coins: []Coin{
			{Symbol: "WETH", Weight: 60},
			{Symbol: "WBTC", Weight: 40, ChainID: 42161},
		},
	}
}

func storedJob(id, cron string, status core.JobStatus) *core.CronJob {
	args, _ := basket().Args()
	return &core.CronJob{ID: id, Kind: Kind, Cron: cron, Status: status, Args: args}
}

func TestCreate(t *testing.T) {
	f := newFixture(t, schedulertest.New())
	job, err := f.svc.Create(context.Background(), CreateJob{Cron: "0 9 * * *", Params: basket()})
	require.NoError(t, err)

	stored, err := f.store.GetCronJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobActive, stored.Status)
	assert.Equal(t, Kind, stored.Kind)
	assert.NotNil(t, stored.NextRun)

	trigger, ok := f.sched.Trigger(job.ID)
	require.True(t, ok)
	require.True(t, trigger.IsCron())
	assert.Equal(t, "0 9 * * *", trigger.Cron.Expression())

	params, err := DecodeParams(stored.Args)
	require.NoError(t, err)
	assert.Equal(t, stored.Args["user"], params.User)
	assert.Equal(t, params.User, params.Receiver)
	require.Len(t, params.Coins, 2)
	assert.Equal(t, int64(1), params.Coins[0].ChainID)
	assert.Equal(t, int64(42161), params.Coins[1].ChainID)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t, schedulertest.New())

	bad := basket()
	bad.Coins[0].Weight = 10
	_, err := f.svc.Create(context.Background(), CreateJob{Cron: "* * * * *", Params: bad})
	require.Error(t, err)
	assert.Equal(t, commonErrors.ERR_VALIDATION, commonErrors.GetLevel(err))

	_, err = f.svc.Create(context.Background(), CreateJob{Params: basket()})
	assert.Equal(t, commonErrors.ERR_VALIDATION, commonErrors.GetLevel(err))
	assert.Empty(t, f.sched.Jobs())
}

func TestCreate_EqualWeighting(t *testing.T) {
	f := newFixture(t, schedulertest.New())
	p := basket()
	p.Weighting = WeightingEqual
	p.Coins = append(p.Coins, Coin{Symbol: "LINK"}, Coin{Symbol: "UNI"})

	job, err := f.svc.Create(context.Background(), CreateJob{Cron: "0 0 * * 1", Params: p})
	require.NoError(t, err)
	params, err := DecodeParams(job.Args)
	require.NoError(t, err)
	for _, c := range params.Coins {
		assert.InDelta(t, 25.0, c.Weight, 1e-9)
	}
}

func TestCreate_SchedulerUnavailable(t *testing.T) {
	f := newFixture(t, schedulertest.NewStopped())
	_, err := f.svc.Create(context.Background(), CreateJob{Cron: "* * * * *", Params: basket()})
	assert.True(t, commonErrors.Is(commonErrors.ErrSchedulerUnavailable, err))

	jobs, err := f.store.FindCronJobs(context.Background(), core.CronJobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRehydrate(t *testing.T) {
	f := newFixture(t, schedulertest.New())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.store.UpsertCronJob(ctx, storedJob(fmt.Sprintf("active-%d", i), "*/5 * * * *", core.JobActive)))
	}
	require.NoError(t, f.store.UpsertCronJob(ctx, storedJob("paused", "* * * * *", core.JobPaused)))
	require.NoError(t, f.store.UpsertCronJob(ctx, storedJob("removed", "* * * * *", core.JobRemoved)))

	n, err := f.svc.Rehydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, f.sched.Jobs(), 3)
	assert.False(t, f.sched.Has("paused"))
	assert.False(t, f.sched.Has("removed"))

	for i := 0; i < 3; i++ {
		require.NoError(t, f.sched.Fire(ctx, fmt.Sprintf("active-%d", i)))
	}
	assert.ElementsMatch(t, []string{"active-0", "active-1", "active-2"}, f.action.ids())

	n, err = f.svc.Rehydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRehydrate_MalformedCronDegrades(t *testing.T) {
	f := newFixture(t, schedulertest.New())
	ctx := context.Background()
	require.NoError(t, f.store.UpsertCronJob(ctx, storedJob("short", "30 2", core.JobActive)))

	n, err := f.svc.Rehydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	trigger, ok := f.sched.Trigger("short")
	require.True(t, ok)
	assert.Equal(t, "30 2 * * *", trigger.Cron.Expression())
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t, schedulertest.New())
	ctx := context.Background()
	job, err := f.svc.Create(ctx, CreateJob{Cron: "15 */2 * * *", Params: basket()})
	require.NoError(t, err)
	before, _ := f.sched.Trigger(job.ID)

	paused, err := f.svc.Pause(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobPaused, paused.Status)
	assert.Nil(t, paused.NextRun)
	assert.True(t, f.sched.Paused(job.ID))

	require.NoError(t, f.sched.Fire(ctx, job.ID))
	assert.Empty(t, f.action.ids())

	resumed, err := f.svc.Resume(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobActive, resumed.Status)
	assert.NotNil(t, resumed.NextRun)
	after, _ := f.sched.Trigger(job.ID)
	assert.Equal(t, before.Cron.Expression(), after.Cron.Expression())

	require.NoError(t, f.sched.Fire(ctx, job.ID))
	assert.Equal(t, []string{job.ID}, f.action.ids())
}

func TestResume_RegistersFromStoredCron(t *testing.T) {
	f := newFixture(t, schedulertest.New())
	ctx := context.Background()
	require.NoError(t, f.store.UpsertCronJob(ctx, storedJob("after-restart", "0 12 * * 5", core.JobPaused)))

	job, err := f.svc.Resume(ctx, "after-restart")
	require.NoError(t, err)
	assert.Equal(t, core.JobActive, job.Status)

	trigger, ok := f.sched.Trigger("after-restart")
	require.True(t, ok)
	assert.Equal(t, "0 12 * * 5", trigger.Cron.Expression())
}

func TestPause_NoLiveTimer(t *testing.T) {
	f := newFixture(t, schedulertest.New())
	ctx := context.Background()
	require.NoError(t, f.store.UpsertCronJob(ctx, storedJob("idle", "* * * * *", core.JobActive)))

	job, err := f.svc.Pause(ctx, "idle")
	require.NoError(t, err)
	assert.Equal(t, core.JobPaused, job.Status)
}

func TestUnknownJob(t *testing.T) {
	f := newFixture(t, schedulertest.New())
	ctx := context.Background()

	_, err := f.svc.Pause(ctx, "nope")
	assert.Equal(t, commonErrors.ERR_NOT_FOUND, commonErrors.GetLevel(err))
	_, err = f.svc.Resume(ctx, "nope")
	assert.Equal(t, commonErrors.ERR_NOT_FOUND, commonErrors.GetLevel(err))
	_, err = f.svc.Remove(ctx, "nope")
	assert.Equal(t, commonErrors.ERR_NOT_FOUND, commonErrors.GetLevel(err))
}

func TestRemove(t *testing.T) {
	f := newFixture(t, schedulertest.New())
	ctx := context.Background()
	job, err := f.svc.Create(ctx, CreateJob{Cron: "* * * * *", Params: basket()})
	require.NoError(t, err)

	removed, err := f.svc.Remove(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobRemoved, removed.Status)
	assert.False(t, f.sched.Has(job.ID))

	n, err := f.svc.Rehydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = f.svc.Resume(ctx, job.ID)
	assert.Equal(t, commonErrors.ERR_DOMAIN, commonErrors.GetLevel(err))
}

func TestTick_RecordsEvents(t *testing.T) {
	f := newFixture(t, schedulertest.New())
	ctx := context.Background()
	job, err := f.svc.Create(ctx, CreateJob{Cron: "* * * * *", Params: basket()})
	require.NoError(t, err)

	require.NoError(t, f.sched.Fire(ctx, job.ID))
	f.action.err = fmt.Errorf("relay down")
	require.NoError(t, f.sched.Fire(ctx, job.ID))

	events, err := f.store.FindEvents(ctx, core.EventFilter{Type: core.EventTypeTick, JobID: job.ID})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].Success)
	assert.False(t, events[1].Success)
	assert.Equal(t, "relay down", events[1].Error)
	assert.Equal(t, 1, f.reporter.count)

	stored, err := f.store.GetCronJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastRun)
	assert.Equal(t, f.clock.Now().UTC(), *stored.LastRun)
}

func TestTick_MissingRecordDeregisters(t *testing.T) {
	f := newFixture(t, schedulertest.New())
	ctx := context.Background()
	_, err := f.sched.Add("ghost", f.svc.Tick, core.CronTrigger(core.ParseCronSpec("* * * * *")))
	require.NoError(t, err)

	require.NoError(t, f.sched.Fire(ctx, "ghost"))
	assert.False(t, f.sched.Has("ghost"))
	assert.Empty(t, f.action.ids())
}

func TestTick_SkipsInactive(t *testing.T) {
	f := newFixture(t, schedulertest.New())
	ctx := context.Background()
	require.NoError(t, f.store.UpsertCronJob(ctx, storedJob("p", "* * * * *", core.JobPaused)))
	_, err := f.sched.Add("p", f.svc.Tick, core.CronTrigger(core.ParseCronSpec("* * * * *")))
	require.NoError(t, err)

	require.NoError(t, f.sched.Fire(ctx, "p"))
	assert.Empty(t, f.action.ids())
	assert.True(t, f.sched.Has("p"))
}
