package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Deepreo/swapcron/core"
	"github.com/Deepreo/swapcron/errors"
	"github.com/Deepreo/swapcron/modules/database"
)

const schema = `
CREATE TABLE IF NOT EXISTS cron_jobs (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL DEFAULT '',
	cron       TEXT NOT NULL,
	status     TEXT NOT NULL,
	next_run   TIMESTAMPTZ,
	last_run   TIMESTAMPTZ,
	args       JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS cron_jobs_status_idx ON cron_jobs (status);

CREATE TABLE IF NOT EXISTS swap_tracks (
	id           TEXT PRIMARY KEY,
	swap_id      TEXT NOT NULL DEFAULT '',
	endpoint     TEXT NOT NULL,
	status       TEXT NOT NULL,
	poll_count   INTEGER NOT NULL DEFAULT 0,
	tx_hash      TEXT NOT NULL DEFAULT '',
	from_wallet  TEXT NOT NULL DEFAULT '',
	to_wallet    TEXT NOT NULL DEFAULT '',
	token_in     TEXT NOT NULL DEFAULT '',
	token_out    TEXT NOT NULL DEFAULT '',
	amount       TEXT NOT NULL DEFAULT '',
	started_at   TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS swap_tracks_open_idx ON swap_tracks (completed_at) WHERE completed_at IS NULL;
CREATE INDEX IF NOT EXISTS swap_tracks_swap_idx ON swap_tracks (swap_id);

CREATE TABLE IF NOT EXISTS tick_events (
	id        TEXT PRIMARY KEY,
	type      TEXT NOT NULL,
	job_id    TEXT NOT NULL,
	success   BOOLEAN NOT NULL,
	latency   DOUBLE PRECISION NOT NULL,
	error     TEXT NOT NULL DEFAULT '',
	timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS tick_events_type_ts_idx ON tick_events (type, timestamp DESC);

CREATE TABLE IF NOT EXISTS swaps (
	id           TEXT PRIMARY KEY,
	user_address TEXT NOT NULL,
	receiver     TEXT NOT NULL DEFAULT '',
	src_chain    BIGINT NOT NULL,
	dst_chain    BIGINT NOT NULL,
	chain_id     BIGINT,
	token_in     TEXT NOT NULL DEFAULT '',
	token_out    TEXT NOT NULL DEFAULT '',
	amount       TEXT NOT NULL DEFAULT '',
	quote        JSONB,
	steps        JSONB,
	status       TEXT NOT NULL,
	request_id   TEXT NOT NULL DEFAULT '',
	route_id     TEXT NOT NULL DEFAULT '',
	tx_hash      TEXT NOT NULL DEFAULT '',
	execution    JSONB,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	executed_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS swaps_user_created_idx ON swaps (user_address, created_at DESC);
`

// querier is the part of the pgx pool the store issues statements on.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres stores jobs, tracks, events and swaps in four tables on the
// shared pgx pool.
type Postgres struct {
	db *database.Database
	q  querier
}

func NewPostgres(db *database.Database) *Postgres {
	return &Postgres{db: db, q: db.Pool}
}

// EnsureSchema creates the tables and indexes when they are missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	return p.db.InTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, schema); err != nil {
			return errors.InfraError(fmt.Errorf("failed to create schema: %w", err))
		}
		return nil
	})
}

const cronJobColumns = `id, kind, cron, status, next_run, last_run, args, created_at, updated_at`

func scanCronJob(row pgx.Row) (*core.CronJob, error) {
	var (
		j      core.CronJob
		status string
	)
	if err := row.Scan(&j.ID, &j.Kind, &j.Cron, &status, &j.NextRun, &j.LastRun, &j.Args, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Status = core.JobStatus(status)
	return &j, nil
}

func (p *Postgres) GetCronJob(ctx context.Context, id string) (*core.CronJob, error) {
	row := p.q.QueryRow(ctx, `SELECT `+cronJobColumns+` FROM cron_jobs WHERE id = $1`, id)
	j, err := scanCronJob(row)
	if errors.Is(pgx.ErrNoRows, err) {
		return nil, notFound("cron job", id)
	}
	if err != nil {
		return nil, errors.InfraError(err)
	}
	return j, nil
}

func (p *Postgres) UpsertCronJob(ctx context.Context, job *core.CronJob) error {
	if job == nil || job.ID == "" {
		return errors.ValidationError(fmt.Errorf("cron job id is required"))
	}
	_, err := p.q.Exec(ctx, `
		INSERT INTO cron_jobs (`+cronJobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			cron = EXCLUDED.cron,
			status = EXCLUDED.status,
			next_run = EXCLUDED.next_run,
			last_run = EXCLUDED.last_run,
			args = EXCLUDED.args,
			updated_at = EXCLUDED.updated_at`,
		job.ID, job.Kind, job.Cron, string(job.Status), job.NextRun, job.LastRun, job.Args, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return errors.InfraError(fmt.Errorf("upsert cron job %s: %w", job.ID, err))
	}
	return nil
}

func cronJobsQuery(filter core.CronJobFilter) (string, []any) {
	query := `SELECT ` + cronJobColumns + ` FROM cron_jobs`
	var args []any
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, statuses)
	}
	return query + ` ORDER BY created_at`, args
}

func (p *Postgres) FindCronJobs(ctx context.Context, filter core.CronJobFilter) ([]*core.CronJob, error) {
	query, args := cronJobsQuery(filter)
	rows, err := p.q.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.InfraError(err)
	}
	defer rows.Close()

	out := make([]*core.CronJob, 0)
	for rows.Next() {
		j, err := scanCronJob(rows)
		if err != nil {
			return nil, errors.InfraError(err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.InfraError(err)
	}
	return out, nil
}

const trackColumns = `id, swap_id, endpoint, status, poll_count, tx_hash, from_wallet, to_wallet,
	token_in, token_out, amount, started_at, created_at, updated_at, completed_at`

func scanTrack(row pgx.Row) (*core.SwapTrack, error) {
	var (
		t      core.SwapTrack
		status string
	)
	err := row.Scan(&t.ID, &t.SwapID, &t.Endpoint, &status, &t.PollCount, &t.TxHash, &t.FromWallet, &t.ToWallet,
		&t.TokenIn, &t.TokenOut, &t.Amount, &t.StartedAt, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	t.Status = core.TrackStatus(status)
	return &t, nil
}

func (p *Postgres) GetTrack(ctx context.Context, id string) (*core.SwapTrack, error) {
	row := p.q.QueryRow(ctx, `SELECT `+trackColumns+` FROM swap_tracks WHERE id = $1`, id)
	t, err := scanTrack(row)
	if errors.Is(pgx.ErrNoRows, err) {
		return nil, notFound("track", id)
	}
	if err != nil {
		return nil, errors.InfraError(err)
	}
	return t, nil
}

func (p *Postgres) UpsertTrack(ctx context.Context, track *core.SwapTrack) error {
	if track == nil || track.ID == "" {
		return errors.ValidationError(fmt.Errorf("track id is required"))
	}
	_, err := p.q.Exec(ctx, `
		INSERT INTO swap_tracks (`+trackColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			poll_count = EXCLUDED.poll_count,
			tx_hash = EXCLUDED.tx_hash,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at`,
		track.ID, track.SwapID, track.Endpoint, string(track.Status), track.PollCount, track.TxHash,
		track.FromWallet, track.ToWallet, track.TokenIn, track.TokenOut, track.Amount,
		track.StartedAt, track.CreatedAt, track.UpdatedAt, track.CompletedAt,
	)
	if err != nil {
		return errors.InfraError(fmt.Errorf("upsert track %s: %w", track.ID, err))
	}
	return nil
}

func tracksQuery(filter core.TrackFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if filter.OpenOnly {
		where = append(where, `completed_at IS NULL`)
	}
	if filter.SwapID != "" {
		args = append(args, filter.SwapID)
		where = append(where, fmt.Sprintf(`swap_id = $%d`, len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf(`status = ANY($%d)`, len(args)))
	}

	query := `SELECT ` + trackColumns + ` FROM swap_tracks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	return query + ` ORDER BY created_at`, args
}

func (p *Postgres) FindTracks(ctx context.Context, filter core.TrackFilter) ([]*core.SwapTrack, error) {
	query, args := tracksQuery(filter)
	rows, err := p.q.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.InfraError(err)
	}
	defer rows.Close()

	out := make([]*core.SwapTrack, 0)
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, errors.InfraError(err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.InfraError(err)
	}
	return out, nil
}

func (p *Postgres) AppendEvent(ctx context.Context, event *core.TickEvent) error {
	if event == nil {
		return errors.ValidationError(fmt.Errorf("event is required"))
	}
	_, err := p.q.Exec(ctx, `
		INSERT INTO tick_events (id, type, job_id, success, latency, error, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.Type, event.JobID, event.Success, event.Latency, event.Error, event.Timestamp,
	)
	if err != nil {
		return errors.InfraError(fmt.Errorf("append event: %w", err))
	}
	return nil
}

func eventsQuery(filter core.EventFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if filter.Type != "" {
		args = append(args, filter.Type)
		where = append(where, fmt.Sprintf(`type = $%d`, len(args)))
	}
	if filter.JobID != "" {
		args = append(args, filter.JobID)
		where = append(where, fmt.Sprintf(`job_id = $%d`, len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		where = append(where, fmt.Sprintf(`timestamp >= $%d`, len(args)))
	}

	query := `SELECT id, type, job_id, success, latency, error, timestamp FROM tick_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	return query + ` ORDER BY timestamp`, args
}

func (p *Postgres) FindEvents(ctx context.Context, filter core.EventFilter) ([]*core.TickEvent, error) {
	query, args := eventsQuery(filter)
	rows, err := p.q.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.InfraError(err)
	}
	defer rows.Close()

	out := make([]*core.TickEvent, 0)
	for rows.Next() {
		var e core.TickEvent
		if err := rows.Scan(&e.ID, &e.Type, &e.JobID, &e.Success, &e.Latency, &e.Error, &e.Timestamp); err != nil {
			return nil, errors.InfraError(err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.InfraError(err)
	}
	return out, nil
}

const swapColumns = `id, user_address, receiver, src_chain, dst_chain, chain_id, token_in, token_out, amount,
	quote, steps, status, request_id, route_id, tx_hash, execution, created_at, updated_at, executed_at`

func scanSwap(row pgx.Row) (*core.Swap, error) {
	var (
		s      core.Swap
		status string
	)
	err := row.Scan(&s.ID, &s.User, &s.Receiver, &s.SrcChain, &s.DstChain, &s.ChainID, &s.TokenIn, &s.TokenOut, &s.Amount,
		&s.Quote, &s.Steps, &status, &s.RequestID, &s.RouteID, &s.TxHash, &s.Execution, &s.CreatedAt, &s.UpdatedAt, &s.ExecutedAt)
	if err != nil {
		return nil, err
	}
	s.Status = core.SwapStatus(status)
	return &s, nil
}

func (p *Postgres) GetSwap(ctx context.Context, id string) (*core.Swap, error) {
	row := p.q.QueryRow(ctx, `SELECT `+swapColumns+` FROM swaps WHERE id = $1`, id)
	s, err := scanSwap(row)
	if errors.Is(pgx.ErrNoRows, err) {
		return nil, notFound("swap", id)
	}
	if err != nil {
		return nil, errors.InfraError(err)
	}
	return s, nil
}

func (p *Postgres) UpsertSwap(ctx context.Context, swap *core.Swap) error {
	if swap == nil || swap.ID == "" {
		return errors.ValidationError(fmt.Errorf("swap id is required"))
	}
	_, err := p.q.Exec(ctx, `
		INSERT INTO swaps (`+swapColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO UPDATE SET
			quote = EXCLUDED.quote,
			steps = EXCLUDED.steps,
			status = EXCLUDED.status,
			request_id = EXCLUDED.request_id,
			route_id = EXCLUDED.route_id,
			tx_hash = EXCLUDED.tx_hash,
			execution = EXCLUDED.execution,
			updated_at = EXCLUDED.updated_at,
			executed_at = EXCLUDED.executed_at`,
		swap.ID, swap.User, swap.Receiver, swap.SrcChain, swap.DstChain, swap.ChainID, swap.TokenIn, swap.TokenOut, swap.Amount,
		swap.Quote, swap.Steps, string(swap.Status), swap.RequestID, swap.RouteID, swap.TxHash, swap.Execution,
		swap.CreatedAt, swap.UpdatedAt, swap.ExecutedAt,
	)
	if err != nil {
		return errors.InfraError(fmt.Errorf("upsert swap %s: %w", swap.ID, err))
	}
	return nil
}

func swapsQuery(filter core.SwapFilter) (string, []any) {
	query := `SELECT ` + swapColumns + ` FROM swaps`
	var args []any
	if filter.User != "" {
		args = append(args, filter.User)
		query += ` WHERE user_address = $1`
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	return query, args
}

func (p *Postgres) FindSwaps(ctx context.Context, filter core.SwapFilter) ([]*core.Swap, error) {
	query, args := swapsQuery(filter)
	rows, err := p.q.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.InfraError(err)
	}
	defer rows.Close()

	out := make([]*core.Swap, 0)
	for rows.Next() {
		s, err := scanSwap(rows)
		if err != nil {
			return nil, errors.InfraError(err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.InfraError(err)
	}
	return out, nil
}

func (p *Postgres) HealthCheck(ctx context.Context) error {
	return p.db.HealthCheck(ctx)
}

func (p *Postgres) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.db.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
