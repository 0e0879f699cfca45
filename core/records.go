package core

import (
	"strings"
	"time"
)

// JobStatus is the persisted lifecycle status of a cron job record.
type JobStatus string

const (
	JobActive  JobStatus = "active"
	JobPaused  JobStatus = "paused"
	JobRemoved JobStatus = "removed"
)

// CronJob is a recurring task persisted in the job store. Its ID is also the
// scheduler timer key and the lock key.
type CronJob struct {
	ID        string         `json:"id" bson:"_id"`
	Kind      string         `json:"kind" bson:"kind"`
	Cron      string         `json:"cron" bson:"cron"`
	Status    JobStatus      `json:"status" bson:"status"`
	NextRun   *time.Time     `json:"next_run,omitempty" bson:"next_run,omitempty"`
	LastRun   *time.Time     `json:"last_run,omitempty" bson:"last_run,omitempty"`
	Args      map[string]any `json:"args,omitempty" bson:"args,omitempty"`
	CreatedAt time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" bson:"updated_at"`
}

func (j *CronJob) Clone() *CronJob {
	if j == nil {
		return nil
	}
	c := *j
	if j.NextRun != nil {
		t := *j.NextRun
		c.NextRun = &t
	}
	if j.LastRun != nil {
		t := *j.LastRun
		c.LastRun = &t
	}
	if j.Args != nil {
		c.Args = make(map[string]any, len(j.Args))
		for k, v := range j.Args {
			c.Args[k] = v
		}
	}
	return &c
}

// TrackStatus is the internal status of a poll-tracking record.
type TrackStatus string

const (
	TrackPending   TrackStatus = "pending"
	TrackCompleted TrackStatus = "completed"
	TrackSuccess   TrackStatus = "success"
	TrackFailed    TrackStatus = "failed"
	TrackError     TrackStatus = "error"
	TrackReverted  TrackStatus = "reverted"
	TrackCancelled TrackStatus = "cancelled"
	TrackCanceled  TrackStatus = "canceled"
	TrackTimeout   TrackStatus = "timeout"
)

var terminalVocabulary = map[string]TrackStatus{
	"completed": TrackCompleted,
	"success":   TrackSuccess,
	"failed":    TrackFailed,
	"error":     TrackError,
	"reverted":  TrackReverted,
	"cancelled": TrackCancelled,
	"canceled":  TrackCanceled,
}

// TerminalStatus maps an external status string onto the terminal
// vocabulary, ignoring case and surrounding whitespace. Anything outside the
// vocabulary is still pending.
func TerminalStatus(raw string) (TrackStatus, bool) {
	st, ok := terminalVocabulary[strings.ToLower(strings.TrimSpace(raw))]
	return st, ok
}

// Terminal reports whether the status is absorbing.
func (s TrackStatus) Terminal() bool {
	if s == TrackTimeout {
		return true
	}
	_, ok := terminalVocabulary[string(s)]
	return ok
}

// SwapTrack is the poll-tracking record for one external swap.
type SwapTrack struct {
	ID          string      `json:"id" bson:"_id"`
	SwapID      string      `json:"swap_id,omitempty" bson:"swap_id,omitempty"`
	Endpoint    string      `json:"endpoint" bson:"endpoint"`
	Status      TrackStatus `json:"status" bson:"status"`
	PollCount   int         `json:"poll_count" bson:"poll_count"`
	TxHash      string      `json:"txHash,omitempty" bson:"txHash,omitempty"`
	FromWallet  string      `json:"from_wallet,omitempty" bson:"from_wallet,omitempty"`
	ToWallet    string      `json:"to_wallet,omitempty" bson:"to_wallet,omitempty"`
	TokenIn     string      `json:"token_in,omitempty" bson:"token_in,omitempty"`
	TokenOut    string      `json:"token_out,omitempty" bson:"token_out,omitempty"`
	Amount      string      `json:"amount,omitempty" bson:"amount,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty" bson:"started_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at" bson:"updated_at"`
	CompletedAt *time.Time  `json:"completed_at" bson:"completed_at"`
}

// Terminal reports whether the record reached an absorbing state.
func (t *SwapTrack) Terminal() bool {
	return t.CompletedAt != nil || t.Status.Terminal()
}

// EntityID is the id notifications for this record are keyed by.
func (t *SwapTrack) EntityID() string {
	if t.SwapID != "" {
		return t.SwapID
	}
	return t.ID
}

func (t *SwapTrack) Clone() *SwapTrack {
	if t == nil {
		return nil
	}
	c := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// EventTypeTick is the event type recorded for each cron tick execution.
const EventTypeTick = "dca_tick"

// TickEvent records one execution of a recurring job.
type TickEvent struct {
	ID        string    `json:"id" bson:"_id"`
	Type      string    `json:"type" bson:"type"`
	JobID     string    `json:"job_id" bson:"job_id"`
	Success   bool      `json:"success" bson:"success"`
	Latency   float64   `json:"latency" bson:"latency"`
	Error     string    `json:"error,omitempty" bson:"error,omitempty"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// SwapStatus is the lifecycle status of a quoted swap.
type SwapStatus string

const (
	SwapNew       SwapStatus = "new"
	SwapExecuting SwapStatus = "executing"
)

// SwapStep is one signed step of a quoted route. Endpoint, when present,
// is the status document the step is checked against.
type SwapStep struct {
	ID       string `json:"id" bson:"id"`
	Endpoint string `json:"endpoint,omitempty" bson:"endpoint,omitempty"`
	Data     any    `json:"data,omitempty" bson:"data,omitempty"`
}

// Swap is a quoted cross-chain swap and what happened to it afterwards.
type Swap struct {
	ID         string         `json:"swap_id" bson:"_id"`
	User       string         `json:"user" bson:"user"`
	Receiver   string         `json:"receiver" bson:"receiver"`
	SrcChain   int64          `json:"src_chain" bson:"src_chain"`
	DstChain   int64          `json:"dst_chain" bson:"dst_chain"`
	ChainID    *int64         `json:"chain_id,omitempty" bson:"chain_id,omitempty"`
	TokenIn    string         `json:"token_in" bson:"token_in"`
	TokenOut   string         `json:"token_out" bson:"token_out"`
	Amount     string         `json:"amount" bson:"amount"`
	Quote      map[string]any `json:"quote,omitempty" bson:"quote,omitempty"`
	Steps      []SwapStep     `json:"steps,omitempty" bson:"steps,omitempty"`
	Status     SwapStatus     `json:"status" bson:"status"`
	RequestID  string         `json:"request_id,omitempty" bson:"request_id,omitempty"`
	RouteID    string         `json:"route_id,omitempty" bson:"route_id,omitempty"`
	TxHash     string         `json:"tx_hash,omitempty" bson:"tx_hash,omitempty"`
	Execution  map[string]any `json:"execution,omitempty" bson:"execution,omitempty"`
	CreatedAt  time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at" bson:"updated_at"`
	ExecutedAt *time.Time     `json:"executed_at,omitempty" bson:"executed_at,omitempty"`
}

func (s *Swap) Clone() *Swap {
	if s == nil {
		return nil
	}
	c := *s
	if s.ChainID != nil {
		v := *s.ChainID
		c.ChainID = &v
	}
	if s.ExecutedAt != nil {
		v := *s.ExecutedAt
		c.ExecutedAt = &v
	}
	c.Quote = cloneDoc(s.Quote)
	c.Execution = cloneDoc(s.Execution)
	if s.Steps != nil {
		c.Steps = append([]SwapStep(nil), s.Steps...)
	}
	return &c
}

func cloneDoc(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
