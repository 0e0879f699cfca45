package swap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Deepreo/swapcron/core"
	"github.com/Deepreo/swapcron/errors"
	"github.com/Deepreo/swapcron/modules/cache"
	"github.com/Deepreo/swapcron/modules/lock"
	"github.com/Deepreo/swapcron/modules/poller"
	"github.com/Deepreo/swapcron/modules/relay"
	"github.com/Deepreo/swapcron/modules/store"
)

const (
	userAddr     = "0x1111111111111111111111111111111111111111"
	receiverAddr = "0x2222222222222222222222222222222222222222"
	solanaAddr   = "11111111111111111111111111111111"
	solanaChain  = 792703809
)

type fakeRelay struct {
	mu        sync.Mutex
	quote     map[string]any
	quoteErr  error
	quoted    []map[string]any
	execution map[string]any
	executed  []map[string]any

	routeStatus     map[string]any
	intentStatus    map[string]any
	intentErr       error
	executionStatus map[string]any
	calls           []string

	chains []relay.Chain
}

func (r *fakeRelay) record(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *fakeRelay) Quote(ctx context.Context, params map[string]any) (map[string]any, error) {
	r.record("quote")
	r.quoted = append(r.quoted, params)
	return r.quote, r.quoteErr
}

func (r *fakeRelay) ExecuteRoute(ctx context.Context, route map[string]any) (map[string]any, error) {
	r.record("execute")
	r.executed = append(r.executed, route)
	return r.execution, nil
}

func (r *fakeRelay) RouteStatus(ctx context.Context, routeID string) (map[string]any, error) {
	r.record("route:" + routeID)
	return r.routeStatus, nil
}

func (r *fakeRelay) IntentStatus(ctx context.Context, requestID string) (map[string]any, error) {
	r.record("intent:" + requestID)
	return r.intentStatus, r.intentErr
}

func (r *fakeRelay) ExecutionStatus(ctx context.Context, requestID string) (map[string]any, error) {
	r.record("execution:" + requestID)
	return r.executionStatus, nil
}

func (r *fakeRelay) Chains(ctx context.Context) ([]relay.Chain, error) {
	r.record("chains")
	return r.chains, nil
}

type namedChains map[int64]string

func (n namedChains) Resolve(ctx context.Context, chainID int64, token string) string {
	if strings.EqualFold(token, "USDC") {
		return fmt.Sprintf("0xusdc-%d", chainID)
	}
	return token
}

func (n namedChains) ChainName(chainID int64) string { return n[chainID] }

type recordingTracker struct {
	requests []poller.TrackRequest
	err      error
}

func (t *recordingTracker) Track(ctx context.Context, req poller.TrackRequest) (*core.SwapTrack, error) {
	t.requests = append(t.requests, req)
	if t.err != nil {
		return nil, t.err
	}
	return &core.SwapTrack{ID: fmt.Sprintf("t-%d", len(t.requests)), SwapID: req.SwapID}, nil
}

type countingReporter struct {
	sources []string
}

func (r *countingReporter) Report(ctx context.Context, source string, err error) {
	r.sources = append(r.sources, source)
}

type fixture struct {
	svc      *Service
	relay    *fakeRelay
	store    *store.Memory
	tracker  *recordingTracker
	reporter *countingReporter
	clock    *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	locks, err := lock.NewKeyed(16)
	require.NoError(t, err)
	f := &fixture{
		relay:    &fakeRelay{},
		store:    store.NewMemory(),
		tracker:  &recordingTracker{},
		reporter: &countingReporter{},
		clock:    clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)),
	}
	f.svc = NewService(f.store, f.relay, namedChains{1: "ethereum", 8453: "base", solanaChain: "solana"},
		cache.NewMemory(f.clock, "test:"), locks,
		WithTracker(f.tracker),
		WithReporter(f.reporter),
		WithClock(f.clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return f
}

func relayQuote() map[string]any {
	return map[string]any{
		"result": map[string]any{
			"steps": []any{
				map[string]any{
					"id":        "deposit",
					"requestId": "0xreq",
					"items": []any{
						map[string]any{"data": map[string]any{"to": receiverAddr, "value": "1000"}},
					},
					"check": map[string]any{"endpoint": "/intents/status?requestId=0xreq"},
				},
				map[string]any{
					"id":    "approve",
					"items": []any{map[string]any{"tx": map[string]any{"to": "0xspender"}}},
				},
				"not-a-step",
			},
			"fees":    map[string]any{"gas": "21000"},
			"details": map[string]any{"rate": "0.98"},
		},
	}
}

func validCreate() CreateSwap {
	return CreateSwap{
		User:             userAddr,
		SourceChain:      "1",
		DestinationChain: "8453",
		TokenIn:          "USDC",
		TokenOut:         "WETH",
		Amount:           "1000000",
		Receiver:         receiverAddr,
	}
}

func TestCreate_StoresQuotedSwap(t *testing.T) {
	f := newFixture(t)
	f.relay.quote = relayQuote()
	ctx := context.Background()

	quoted, err := f.svc.Create(ctx, validCreate())
	require.NoError(t, err)
	require.NotEmpty(t, quoted.SwapID)
	require.Len(t, quoted.Steps, 2)
	assert.Equal(t, "deposit", quoted.Steps[0].ID)
	assert.Equal(t, "/intents/status?requestId=0xreq", quoted.Steps[0].Endpoint)
	assert.Equal(t, map[string]any{"to": receiverAddr, "value": "1000"}, quoted.Steps[0].Data)
	assert.Equal(t, map[string]any{"to": "0xspender"}, quoted.Steps[1].Data)
	assert.Empty(t, quoted.Steps[1].Endpoint)
	assert.Equal(t, map[string]any{"gas": "21000"}, quoted.Fees)
	assert.Equal(t, map[string]any{"rate": "0.98"}, quoted.Details)

	require.Len(t, f.relay.quoted, 1)
	params := f.relay.quoted[0]
	assert.Equal(t, int64(1), params["originChainId"])
	assert.Equal(t, int64(8453), params["destinationChainId"])
	assert.Equal(t, "0xusdc-1", params["inputToken"])
	assert.Equal(t, "WETH", params["outputToken"])
	assert.Equal(t, "EXACT_INPUT", params["tradeType"])

	stored, err := f.store.GetSwap(ctx, quoted.SwapID)
	require.NoError(t, err)
	assert.Equal(t, core.SwapNew, stored.Status)
	assert.Equal(t, "0xreq", stored.RequestID)
	assert.Equal(t, "USDC", stored.TokenIn)
	assert.Equal(t, f.clock.Now(), stored.CreatedAt)
	assert.Nil(t, stored.ExecutedAt)
}

func TestCreate_Validation(t *testing.T) {
	cases := map[string]func(*CreateSwap){
		"source chain":     func(r *CreateSwap) { r.SourceChain = "eth" },
		"destination":      func(r *CreateSwap) { r.DestinationChain = "" },
		"user address":     func(r *CreateSwap) { r.User = "0x123" },
		"receiver address": func(r *CreateSwap) { r.Receiver = "not-an-address" },
		"amount":           func(r *CreateSwap) { r.Amount = "" },
		"evm user on solana": func(r *CreateSwap) {
			r.SourceChain = fmt.Sprint(solanaChain)
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.relay.quote = relayQuote()
			req := validCreate()
			mutate(&req)

			_, err := f.svc.Create(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, errors.ERR_VALIDATION, errors.GetLevel(err))
			assert.Empty(t, f.relay.quoted, "invalid requests never reach the relay")
		})
	}
}

func TestCreate_SolanaAddress(t *testing.T) {
	f := newFixture(t)
	f.relay.quote = relayQuote()
	req := validCreate()
	req.SourceChain = fmt.Sprint(solanaChain)
	req.User = solanaAddr

	_, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, ValidAddress(userAddr, "Solana"))
	assert.False(t, ValidAddress("0OIl", "solana"), "characters outside the base58 alphabet")
	assert.True(t, ValidAddress(userAddr, ""))
}

func TestCreate_EmptyQuoteIsUpstreamFailure(t *testing.T) {
	f := newFixture(t)
	f.relay.quote = map[string]any{}

	_, err := f.svc.Create(context.Background(), validCreate())
	require.Error(t, err)
	assert.Equal(t, errors.ERR_INFRASTRUCTURE, errors.GetLevel(err))

	history, err := f.svc.History(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, history.Swaps)
}

func TestGet_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Get(context.Background(), "missing")
	assert.True(t, errors.Is(errors.ErrRecordNotFound, err))
}

func TestExecute_SubmitsQuoteAndTracksSteps(t *testing.T) {
	f := newFixture(t)
	f.relay.quote = relayQuote()
	f.relay.execution = map[string]any{"routeId": "route-7"}
	ctx := context.Background()

	quoted, err := f.svc.Create(ctx, validCreate())
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	executed, err := f.svc.Execute(ctx, quoted.SwapID, nil)
	require.NoError(t, err)
	assert.Equal(t, core.SwapExecuting, executed.Status)
	assert.Equal(t, "route-7", executed.RouteID)
	assert.Equal(t, "0xreq", executed.RequestID)
	require.NotNil(t, executed.ExecutedAt)
	assert.Equal(t, f.clock.Now(), *executed.ExecutedAt)

	require.Len(t, f.relay.executed, 1)
	assert.Equal(t, relayQuote(), f.relay.executed[0], "the stored quote is submitted when no route is given")

	require.Len(t, f.tracker.requests, 1, "only steps with a check endpoint are tracked")
	tr := f.tracker.requests[0]
	assert.Equal(t, quoted.SwapID, tr.SwapID)
	assert.Equal(t, "/intents/status?requestId=0xreq", tr.Endpoint)
	assert.Equal(t, userAddr, tr.FromWallet)
	assert.Equal(t, receiverAddr, tr.ToWallet)

	_, err = f.svc.Execute(ctx, quoted.SwapID, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ERR_DOMAIN, errors.GetLevel(err))
	assert.Len(t, f.relay.executed, 1)
}

func TestExecute_TrackFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.relay.quote = relayQuote()
	f.relay.execution = map[string]any{"requestId": "0xnew", "status": "pending"}
	f.tracker.err = errors.UnavailableError(errors.ErrSchedulerUnavailable)
	ctx := context.Background()

	quoted, err := f.svc.Create(ctx, validCreate())
	require.NoError(t, err)

	executed, err := f.svc.Execute(ctx, quoted.SwapID, map[string]any{"signed": true})
	require.NoError(t, err)
	assert.Equal(t, "0xnew", executed.RequestID)
	assert.Equal(t, core.SwapStatus("pending"), executed.Status)
	assert.Equal(t, []map[string]any{{"signed": true}}, f.relay.executed)
	assert.Equal(t, []string{"SwapExecutor"}, f.reporter.sources)
}

func seedSwap(t *testing.T, f *fixture, s *core.Swap) {
	t.Helper()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = f.clock.Now()
	}
	if s.Status == "" {
		s.Status = core.SwapNew
	}
	require.NoError(t, f.store.UpsertSwap(context.Background(), s))
}

func TestStatus_IntentFallsBackToExecutionStatus(t *testing.T) {
	f := newFixture(t)
	chain := int64(8453)
	seedSwap(t, f, &core.Swap{ID: "s-1", RequestID: "0xreq", ChainID: &chain})
	f.relay.intentErr = errors.NotFoundError(relay.ErrNoRoute)
	f.relay.executionStatus = map[string]any{"state": "success", "transactionHash": "0xabc"}
	ctx := context.Background()

	view, err := f.svc.Status(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, core.SwapStatus("success"), view.Status)
	assert.Equal(t, "0xabc", view.TxHash)
	assert.Equal(t, &chain, view.ChainID)
	assert.Equal(t, []string{"intent:0xreq", "execution:0xreq"}, f.relay.calls)

	stored, err := f.store.GetSwap(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", stored.TxHash)

	f.relay.executionStatus = map[string]any{"status": "success", "txHash": "0xdef"}
	view, err = f.svc.Status(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", view.TxHash, "a known transaction hash is kept")
}

func TestStatus_RouteTakesPrecedence(t *testing.T) {
	f := newFixture(t)
	seedSwap(t, f, &core.Swap{ID: "s-2", RequestID: "0xreq", RouteID: "route-1", Status: core.SwapExecuting})
	f.relay.routeStatus = map[string]any{"status": "completed"}

	view, err := f.svc.Status(context.Background(), "s-2")
	require.NoError(t, err)
	assert.Equal(t, core.SwapStatus("completed"), view.Status)
	assert.Equal(t, []string{"route:route-1"}, f.relay.calls)
}

func TestStatus_UpstreamFailureKeepsStoredStatus(t *testing.T) {
	f := newFixture(t)
	seedSwap(t, f, &core.Swap{ID: "s-3", RequestID: "0xreq", Status: core.SwapExecuting, TxHash: "0x1"})
	f.relay.intentErr = errors.InfraError(fmt.Errorf("%w: 500", relay.ErrUpstreamStatus))

	view, err := f.svc.Status(context.Background(), "s-3")
	require.NoError(t, err)
	assert.Equal(t, core.SwapExecuting, view.Status)
	assert.Equal(t, "0x1", view.TxHash)
	assert.Equal(t, []string{"SwapStatus"}, f.reporter.sources)
	assert.Equal(t, []string{"intent:0xreq"}, f.relay.calls, "only a missing intent path falls back")
}

func TestStatus_NothingToAsk(t *testing.T) {
	f := newFixture(t)
	seedSwap(t, f, &core.Swap{ID: "s-4"})

	view, err := f.svc.Status(context.Background(), "s-4")
	require.NoError(t, err)
	assert.Equal(t, core.SwapNew, view.Status)
	assert.Empty(t, f.relay.calls)

	_, err = f.svc.Status(context.Background(), "missing")
	assert.True(t, errors.Is(errors.ErrRecordNotFound, err))
}

func TestHistory_CachedForTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedSwap(t, f, &core.Swap{ID: "old", User: userAddr, CreatedAt: f.clock.Now().Add(-time.Hour)})
	seedSwap(t, f, &core.Swap{ID: "new", User: userAddr})
	seedSwap(t, f, &core.Swap{ID: "other", User: receiverAddr})

	history, err := f.svc.History(ctx, userAddr)
	require.NoError(t, err)
	require.Len(t, history.Swaps, 2)
	assert.Equal(t, "new", history.Swaps[0].ID)
	assert.Equal(t, "old", history.Swaps[1].ID)

	all, err := f.svc.History(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all.Swaps, 3)

	seedSwap(t, f, &core.Swap{ID: "late", User: userAddr})
	history, err = f.svc.History(ctx, userAddr)
	require.NoError(t, err)
	assert.Len(t, history.Swaps, 2, "served from cache")

	f.clock.Advance(DefaultHistoryTTL + time.Second)
	history, err = f.svc.History(ctx, userAddr)
	require.NoError(t, err)
	assert.Len(t, history.Swaps, 3)
}

func TestHistory_CreateInvalidatesListing(t *testing.T) {
	f := newFixture(t)
	f.relay.quote = relayQuote()
	ctx := context.Background()

	history, err := f.svc.History(ctx, userAddr)
	require.NoError(t, err)
	assert.Empty(t, history.Swaps)

	_, err = f.svc.Create(ctx, validCreate())
	require.NoError(t, err)

	history, err = f.svc.History(ctx, userAddr)
	require.NoError(t, err)
	assert.Len(t, history.Swaps, 1)
	all, err := f.svc.History(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all.Swaps, 1)
}

func decimals(n int) *int { return &n }

func TestChainsAndTokens(t *testing.T) {
	f := newFixture(t)
	f.relay.chains = []relay.Chain{
		{
			ID: 1, Name: "ethereum", DisplayName: "Ethereum", IconURL: "https://icons/eth.png",
			Currency:        &relay.Currency{Symbol: "ETH", Address: "0x0000000000000000000000000000000000000000"},
			ERC20Currencies: []relay.Currency{{Symbol: "USDC", Name: "USD Coin", Address: "0xa0b8", Decimals: decimals(6), IconURL: "https://icons/usdc.png"}},
		},
		{
			ID: 8453, Name: "base",
			FeaturedTokens:  []relay.Currency{{Symbol: "WETH", Address: "0x4200", Decimals: decimals(18), LogoURI: "https://logos/weth.png"}},
			ERC20Currencies: []relay.Currency{{Symbol: "DAI", Address: "0x50c5"}},
		},
	}
	ctx := context.Background()

	chains, err := f.svc.Chains(ctx)
	require.NoError(t, err)
	require.Len(t, chains, 2)
	assert.Equal(t, ChainView{ChainID: 1, Name: "Ethereum", Icon: "https://icons/eth.png", Currency: f.relay.chains[0].Currency}, chains[0])
	assert.Equal(t, "base", chains[1].Name, "the short name stands in for a missing display name")

	tokens, err := f.svc.Tokens(ctx, 1)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "USDC", tokens[0].Symbol)
	assert.Equal(t, 6, *tokens[0].Decimals)
	assert.Equal(t, "https://icons/usdc.png", tokens[0].LogoURI)

	tokens, err = f.svc.Tokens(ctx, 8453)
	require.NoError(t, err)
	require.Len(t, tokens, 1, "featured tokens win over the erc20 list")
	assert.Equal(t, "https://logos/weth.png", tokens[0].LogoURI)

	tokens, err = f.svc.Tokens(ctx, 999)
	require.NoError(t, err)
	assert.NotNil(t, tokens)
	assert.Empty(t, tokens)
}
