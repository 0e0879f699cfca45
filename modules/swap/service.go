// Package swap quotes one-off cross-chain swaps, keeps a record of each one
// and follows it through execution.
package swap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/Deepreo/swapcron/core"
	"github.com/Deepreo/swapcron/errors"
	"github.com/Deepreo/swapcron/modules/cache"
	"github.com/Deepreo/swapcron/modules/lock"
	"github.com/Deepreo/swapcron/modules/poller"
	"github.com/Deepreo/swapcron/modules/relay"
)

const (
	DefaultHistoryTTL   = time.Minute
	DefaultHistoryLimit = 100

	historyAll = "all"
)

// Relay is the part of the relay client the swap flow needs.
type Relay interface {
	Quote(ctx context.Context, params map[string]any) (map[string]any, error)
	ExecuteRoute(ctx context.Context, route map[string]any) (map[string]any, error)
	RouteStatus(ctx context.Context, routeID string) (map[string]any, error)
	IntentStatus(ctx context.Context, requestID string) (map[string]any, error)
	ExecutionStatus(ctx context.Context, requestID string) (map[string]any, error)
	Chains(ctx context.Context) ([]relay.Chain, error)
}

// Resolver turns token symbols into addresses and chain ids into names.
type Resolver interface {
	Resolve(ctx context.Context, chainID int64, token string) string
	ChainName(chainID int64) string
}

type Tracker interface {
	Track(ctx context.Context, req poller.TrackRequest) (*core.SwapTrack, error)
}

type Store interface {
	GetSwap(ctx context.Context, id string) (*core.Swap, error)
	UpsertSwap(ctx context.Context, swap *core.Swap) error
	FindSwaps(ctx context.Context, filter core.SwapFilter) ([]*core.Swap, error)
}

type CreateSwap struct {
	User             string `json:"user"`
	SourceChain      string `json:"source_chain"`
	DestinationChain string `json:"destination_chain"`
	TokenIn          string `json:"token_in"`
	TokenOut         string `json:"token_out"`
	Amount           string `json:"amount"`
	Receiver         string `json:"receiver"`
	ChainID          *int64 `json:"chain_id,omitempty"`
}

// Quoted is the answer to a swap creation: the stored id plus the parts
// of the quote a wallet needs to sign the steps.
type Quoted struct {
	SwapID  string          `json:"swap_id"`
	Steps   []core.SwapStep `json:"steps"`
	Fees    any             `json:"fees,omitempty"`
	Details any             `json:"details,omitempty"`
}

type StatusView struct {
	SwapID  string          `json:"swap_id"`
	Status  core.SwapStatus `json:"status"`
	TxHash  string          `json:"tx_hash,omitempty"`
	ChainID *int64          `json:"chain_id"`
}

type History struct {
	Swaps []*core.Swap `json:"swaps"`
}

type Service struct {
	store    Store
	relay    Relay
	resolver Resolver
	tracker  Tracker
	cache    cache.Cache
	locks    *lock.Keyed
	reporter errors.Reporter
	clock    clockwork.Clock
	logger   *slog.Logger

	historyTTL   time.Duration
	historyLimit int
}

type Option func(*Service)

// WithTracker starts a swap track for every step that carries a status
// endpoint once the swap is executed.
func WithTracker(t Tracker) Option {
	return func(s *Service) { s.tracker = t }
}

func WithReporter(r errors.Reporter) Option {
	return func(s *Service) { s.reporter = r }
}

func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func NewService(store Store, relay Relay, resolver Resolver, c cache.Cache, locks *lock.Keyed, opts ...Option) *Service {
	s := &Service{
		store:        store,
		relay:        relay,
		resolver:     resolver,
		cache:        c,
		locks:        locks,
		clock:        clockwork.NewRealClock(),
		logger:       slog.Default(),
		historyTTL:   DefaultHistoryTTL,
		historyLimit: DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.reporter == nil {
		s.reporter = errors.NewLogReporter(s.logger)
	}
	return s
}

func lockKey(id string) string { return "swap_" + id }

func parseChain(field, v string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, errors.ValidationError(fmt.Errorf("invalid %s %q", field, v))
	}
	return id, nil
}

// Create quotes the swap and stores it with status new. A quote that comes
// back empty is an upstream failure.
func (s *Service) Create(ctx context.Context, req CreateSwap) (*Quoted, error) {
	src, err := parseChain("source_chain", req.SourceChain)
	if err != nil {
		return nil, err
	}
	dst, err := parseChain("destination_chain", req.DestinationChain)
	if err != nil {
		return nil, err
	}
	if req.TokenIn == "" || req.TokenOut == "" || req.Amount == "" {
		return nil, errors.ValidationError(fmt.Errorf("token_in, token_out and amount are required"))
	}
	if !ValidAddress(req.User, s.resolver.ChainName(src)) {
		return nil, errors.ValidationError(fmt.Errorf("invalid user address %q", req.User))
	}
	if !ValidAddress(req.Receiver, s.resolver.ChainName(dst)) {
		return nil, errors.ValidationError(fmt.Errorf("invalid receiver address %q", req.Receiver))
	}

	quote, err := s.relay.Quote(ctx, map[string]any{
		"originChainId":      src,
		"destinationChainId": dst,
		"inputToken":         s.resolver.Resolve(ctx, src, req.TokenIn),
		"outputToken":        s.resolver.Resolve(ctx, dst, req.TokenOut),
		"inputAmount":        req.Amount,
		"user":               req.User,
		"receiver":           req.Receiver,
		"tradeType":          "EXACT_INPUT",
	})
	if err != nil {
		return nil, err
	}
	if len(quote) == 0 {
		return nil, errors.InfraError(fmt.Errorf("quote unavailable"))
	}

	now := s.clock.Now().UTC()
	container := quoteContainer(quote)
	steps := extractSteps(container)
	record := &core.Swap{
		ID:        uuid.NewString(),
		User:      req.User,
		Receiver:  req.Receiver,
		SrcChain:  src,
		DstChain:  dst,
		ChainID:   req.ChainID,
		TokenIn:   req.TokenIn,
		TokenOut:  req.TokenOut,
		Amount:    req.Amount,
		Quote:     quote,
		Steps:     steps,
		Status:    core.SwapNew,
		RequestID: firstRequestID(container),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.UpsertSwap(ctx, record); err != nil {
		return nil, err
	}
	s.invalidateHistory(ctx, record.User)
	s.logger.InfoContext(ctx, "swap quoted", "swap_id", record.ID, "steps", len(steps), "request_id", record.RequestID)

	return &Quoted{
		SwapID:  record.ID,
		Steps:   steps,
		Fees:    container["fees"],
		Details: container["details"],
	}, nil
}

func (s *Service) Get(ctx context.Context, id string) (*core.Swap, error) {
	return s.store.GetSwap(ctx, id)
}

// Execute submits route, or the stored quote when route is empty, to the
// relay and starts tracking every step that names a status endpoint.
func (s *Service) Execute(ctx context.Context, id string, route map[string]any) (*core.Swap, error) {
	token, err := s.locks.Acquire(ctx, lockKey(id))
	if err != nil {
		return nil, err
	}
	defer token.Release()

	record, err := s.store.GetSwap(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.ExecutedAt != nil {
		return nil, errors.DomainError(fmt.Errorf("swap %s was already executed", id))
	}
	if len(route) == 0 {
		route = record.Quote
	}

	execution, err := s.relay.ExecuteRoute(ctx, route)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	record.Execution = execution
	record.Status = core.SwapExecuting
	record.ExecutedAt = &now
	record.UpdatedAt = now
	if v := stringField(execution, "routeId"); v != "" {
		record.RouteID = v
	}
	if v := stringField(execution, "requestId"); v != "" {
		record.RequestID = v
	}
	s.apply(record, relay.StatusFromDoc(execution))
	if err := s.store.UpsertSwap(ctx, record); err != nil {
		return nil, err
	}
	s.invalidateHistory(ctx, record.User)
	s.logger.InfoContext(ctx, "swap executed", "swap_id", id, "route_id", record.RouteID, "request_id", record.RequestID)

	s.trackSteps(ctx, record)
	return record, nil
}

func (s *Service) trackSteps(ctx context.Context, record *core.Swap) {
	if s.tracker == nil {
		return
	}
	for _, step := range record.Steps {
		if step.Endpoint == "" {
			continue
		}
		_, err := s.tracker.Track(ctx, poller.TrackRequest{
			SwapID:     record.ID,
			Endpoint:   step.Endpoint,
			TxHash:     record.TxHash,
			FromWallet: record.User,
			ToWallet:   record.Receiver,
			TokenIn:    record.TokenIn,
			TokenOut:   record.TokenOut,
			Amount:     record.Amount,
		})
		if err != nil {
			s.reporter.Report(ctx, "SwapExecutor", fmt.Errorf("track step %s of swap %s: %w", step.ID, record.ID, err))
		}
	}
}

// Status refreshes the swap from the relay and returns the result. A route
// id is asked for its route status; a request id for its intent status,
// then its execution status when no intent path exists. When the relay
// cannot answer the stored status is returned unchanged.
func (s *Service) Status(ctx context.Context, id string) (*StatusView, error) {
	token, err := s.locks.Acquire(ctx, lockKey(id))
	if err != nil {
		return nil, err
	}
	defer token.Release()

	record, err := s.store.GetSwap(ctx, id)
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	switch {
	case record.RouteID != "":
		doc, err = s.relay.RouteStatus(ctx, record.RouteID)
	case record.RequestID != "":
		doc, err = s.relay.IntentStatus(ctx, record.RequestID)
		if errors.Is(relay.ErrNoRoute, err) {
			doc, err = s.relay.ExecutionStatus(ctx, record.RequestID)
		}
	}
	if err != nil {
		s.reporter.Report(ctx, "SwapStatus", fmt.Errorf("swap %s: %w", id, err))
	} else if doc != nil && s.apply(record, relay.StatusFromDoc(doc)) {
		record.UpdatedAt = s.clock.Now().UTC()
		if err := s.store.UpsertSwap(ctx, record); err != nil {
			return nil, err
		}
		s.invalidateHistory(ctx, record.User)
	}

	return &StatusView{
		SwapID:  record.ID,
		Status:  record.Status,
		TxHash:  record.TxHash,
		ChainID: record.ChainID,
	}, nil
}

// apply folds a status report into record and reports whether anything
// changed. A known transaction hash is never replaced.
func (s *Service) apply(record *core.Swap, report core.StatusReport) bool {
	changed := false
	if report.Status != "" && core.SwapStatus(report.Status) != record.Status {
		record.Status = core.SwapStatus(report.Status)
		changed = true
	}
	if record.TxHash == "" && report.TxHash != "" {
		record.TxHash = report.TxHash
		changed = true
	}
	return changed
}

func historyKey(user string) string {
	if user == "" {
		user = historyAll
	}
	return "history:" + user
}

// History lists swaps newest first, for one user or for everyone. Listings
// are cached for the history TTL.
func (s *Service) History(ctx context.Context, user string) (*History, error) {
	key := historyKey(user)
	if raw, err := s.cache.Get(ctx, key); err == nil {
		var cached History
		if err := json.Unmarshal(raw, &cached); err == nil {
			return &cached, nil
		}
		s.logger.WarnContext(ctx, "discarding undecodable history entry", "key", key)
	} else if !errors.Is(cache.ErrMiss, err) {
		s.logger.WarnContext(ctx, "history cache read failed", "key", key, "error", err)
	}

	swaps, err := s.store.FindSwaps(ctx, core.SwapFilter{User: user, Limit: s.historyLimit})
	if err != nil {
		return nil, err
	}
	out := &History{Swaps: swaps}
	if raw, err := json.Marshal(out); err == nil {
		if err := s.cache.Set(ctx, key, raw, s.historyTTL); err != nil {
			s.logger.WarnContext(ctx, "history cache write failed", "key", key, "error", err)
		}
	}
	return out, nil
}

func (s *Service) invalidateHistory(ctx context.Context, user string) {
	for _, key := range []string{historyKey(user), historyKey("")} {
		if err := s.cache.Del(ctx, key); err != nil {
			s.logger.WarnContext(ctx, "history cache invalidation failed", "key", key, "error", err)
		}
	}
}

// quoteContainer returns the object that holds steps, fees and details.
// Some relay versions nest it under "result".
func quoteContainer(quote map[string]any) map[string]any {
	if result, ok := quote["result"].(map[string]any); ok {
		return result
	}
	return quote
}

// extractSteps keeps, per step, its id, the payload of its first item and
// the endpoint its progress is checked against.
func extractSteps(container map[string]any) []core.SwapStep {
	raw, _ := container["steps"].([]any)
	steps := make([]core.SwapStep, 0, len(raw))
	for _, entry := range raw {
		step, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		out := core.SwapStep{ID: stringField(step, "id")}
		if items, _ := step["items"].([]any); len(items) > 0 {
			if item, ok := items[0].(map[string]any); ok {
				if data, ok := item["data"]; ok && data != nil {
					out.Data = data
				} else if tx, ok := item["tx"]; ok && tx != nil {
					out.Data = tx
				}
			}
		}
		if check, ok := step["check"].(map[string]any); ok {
			out.Endpoint = stringField(check, "endpoint")
		}
		steps = append(steps, out)
	}
	return steps
}

func firstRequestID(container map[string]any) string {
	if id := stringField(container, "requestId"); id != "" {
		return id
	}
	raw, _ := container["steps"].([]any)
	for _, entry := range raw {
		if step, ok := entry.(map[string]any); ok {
			if id := stringField(step, "requestId"); id != "" {
				return id
			}
		}
	}
	return ""
}

func stringField(doc map[string]any, key string) string {
	v, _ := doc[key].(string)
	return v
}
