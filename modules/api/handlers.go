// Package api wires the HTTP endpoints onto the fiber server.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/Deepreo/swapcron/core"
	"github.com/Deepreo/swapcron/errors"
	"github.com/Deepreo/swapcron/modules/dca"
	"github.com/Deepreo/swapcron/modules/metrics"
	"github.com/Deepreo/swapcron/modules/poller"
	"github.com/Deepreo/swapcron/modules/servers"
	"github.com/Deepreo/swapcron/modules/swap"
)

type Tracker interface {
	Track(ctx context.Context, req poller.TrackRequest) (*core.SwapTrack, error)
	Get(ctx context.Context, trackID string) (*core.SwapTrack, error)
}

type Jobs interface {
	Create(ctx context.Context, req dca.CreateJob) (*core.CronJob, error)
	Get(ctx context.Context, id string) (*core.CronJob, error)
	List(ctx context.Context, statuses ...core.JobStatus) ([]*core.CronJob, error)
	Pause(ctx context.Context, id string) (*core.CronJob, error)
	Resume(ctx context.Context, id string) (*core.CronJob, error)
	Remove(ctx context.Context, id string) (*core.CronJob, error)
}

type Swaps interface {
	Create(ctx context.Context, req swap.CreateSwap) (*swap.Quoted, error)
	Get(ctx context.Context, id string) (*core.Swap, error)
	Execute(ctx context.Context, id string, route map[string]any) (*core.Swap, error)
	Status(ctx context.Context, id string) (*swap.StatusView, error)
	History(ctx context.Context, user string) (*swap.History, error)
	Chains(ctx context.Context) ([]swap.ChainView, error)
	Tokens(ctx context.Context, chainID int64) ([]swap.TokenView, error)
}

type MetricsReader interface {
	Summary(ctx context.Context) (*metrics.Snapshot, error)
	Job(ctx context.Context, id string) (metrics.JobStats, error)
	TVL(ctx context.Context) (float64, error)
}

type EventReader interface {
	FindEvents(ctx context.Context, filter core.EventFilter) ([]*core.TickEvent, error)
}

type Dependencies struct {
	Tracker    Tracker
	Jobs       Jobs
	Swaps      Swaps
	Metrics    MetricsReader
	Events     EventReader
	Quoter     dca.Quoter
	Resolver   dca.Resolver
	Bus        core.NotificationBus
	Health     *Health
	Prometheus http.Handler
	Stream     StreamConfig
	Logger     *slog.Logger
}

// Register mounts every endpoint on server.
func Register(server *servers.HttpServer, deps Dependencies) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	core.RegisterEndpoint[*TrackSwapRequest, *core.SwapTrack](server, http.MethodPost, "/swap/track", &trackSwapHandler{tracker: deps.Tracker})
	core.RegisterEndpoint[*IDRequest, *core.SwapTrack](server, http.MethodGet, "/swap/track/:id", &getTrackHandler{tracker: deps.Tracker})

	// The literal /swap/track routes are registered first so they are never
	// taken for a swap id.
	if deps.Swaps != nil {
		core.RegisterEndpoint[*CreateSwapRequest, *swap.Quoted](server, http.MethodPost, "/swap", &createSwapHandler{swaps: deps.Swaps})
		core.RegisterEndpoint[*IDRequest, *core.Swap](server, http.MethodGet, "/swap/:id", &getSwapHandler{swaps: deps.Swaps})
		core.RegisterEndpoint[*IDRequest, *swap.StatusView](server, http.MethodGet, "/swap/:id/status", &swapStatusHandler{swaps: deps.Swaps})
		core.RegisterEndpoint[*ExecuteSwapRequest, *core.Swap](server, http.MethodPost, "/swap/:id/execute", &executeSwapHandler{swaps: deps.Swaps})
		core.RegisterEndpoint[*HistoryRequest, *swap.History](server, http.MethodGet, "/history", &historyHandler{swaps: deps.Swaps})
		core.RegisterEndpoint[*EmptyRequest, []swap.ChainView](server, http.MethodGet, "/chains", &chainsHandler{swaps: deps.Swaps})
		core.RegisterEndpoint[*TokensRequest, []swap.TokenView](server, http.MethodGet, "/tokens/:chain_id", &tokensHandler{swaps: deps.Swaps})
	}

	core.RegisterEndpoint[*CreateJobRequest, *core.CronJob](server, http.MethodPost, "/dca/jobs", &createJobHandler{jobs: deps.Jobs})
	core.RegisterEndpoint[*ListJobsRequest, []*core.CronJob](server, http.MethodGet, "/dca/jobs", &listJobsHandler{jobs: deps.Jobs})
	core.RegisterEndpoint[*IDRequest, *core.CronJob](server, http.MethodGet, "/dca/jobs/:id", &jobActionHandler{action: deps.Jobs.Get})
	core.RegisterEndpoint[*IDRequest, *core.CronJob](server, http.MethodPost, "/dca/jobs/:id/pause", &jobActionHandler{action: deps.Jobs.Pause})
	core.RegisterEndpoint[*IDRequest, *core.CronJob](server, http.MethodPost, "/dca/jobs/:id/resume", &jobActionHandler{action: deps.Jobs.Resume})
	core.RegisterEndpoint[*IDRequest, *core.CronJob](server, http.MethodDelete, "/dca/jobs/:id", &jobActionHandler{action: deps.Jobs.Remove})

	core.RegisterEndpoint[*EmptyRequest, *metrics.Snapshot](server, http.MethodGet, "/metrics/summary", &summaryHandler{metrics: deps.Metrics})
	core.RegisterEndpoint[*IDRequest, metrics.JobStats](server, http.MethodGet, "/metrics/dca/:id", &jobMetricsHandler{metrics: deps.Metrics})
	core.RegisterEndpoint[*EmptyRequest, *TVLResponse](server, http.MethodGet, "/metrics/tvl", &tvlHandler{metrics: deps.Metrics})
	core.RegisterEndpoint[*EventsRequest, []*core.TickEvent](server, http.MethodGet, "/events", &eventsHandler{events: deps.Events})

	if deps.Quoter != nil && deps.Resolver != nil {
		core.RegisterEndpoint[*QuoteRequest, map[string]any](server, http.MethodPost, "/quote", &quoteHandler{quoter: deps.Quoter, resolver: deps.Resolver})
	}
	if deps.Health != nil {
		core.RegisterEndpoint[*EmptyRequest, *HealthReport](server, http.MethodGet, "/health", deps.Health)
	}

	app := server.GetApp()
	if deps.Bus != nil {
		app.Get("/swap/:swap_id/events", newStreamHandler(deps.Bus, deps.Stream, deps.Logger).handle)
	}
	if deps.Prometheus != nil {
		app.Get("/metrics", adaptor.HTTPHandler(deps.Prometheus))
	}
}

type EmptyRequest struct{}

func (r *EmptyRequest) Validate() error { return nil }

type IDRequest struct {
	ID string `params:"id"`
}

func (r *IDRequest) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

type TrackSwapRequest struct {
	SwapID     string `json:"swap_id"`
	Endpoint   string `json:"endpoint"`
	TxHash     string `json:"txHash"`
	FromWallet string `json:"from_wallet"`
	ToWallet   string `json:"to_wallet"`
	TokenIn    string `json:"token_in"`
	TokenOut   string `json:"token_out"`
	Amount     string `json:"amount"`
}

func (r *TrackSwapRequest) Validate() error {
	if strings.TrimSpace(r.Endpoint) == "" {
		return fmt.Errorf("endpoint is required")
	}
	return nil
}

type trackSwapHandler struct {
	tracker Tracker
}

func (h *trackSwapHandler) Handle(ctx context.Context, req *TrackSwapRequest) (*core.SwapTrack, error) {
	return h.tracker.Track(ctx, poller.TrackRequest{
		SwapID:     req.SwapID,
		Endpoint:   req.Endpoint,
		TxHash:     req.TxHash,
		FromWallet: req.FromWallet,
		ToWallet:   req.ToWallet,
		TokenIn:    req.TokenIn,
		TokenOut:   req.TokenOut,
		Amount:     req.Amount,
	})
}

type getTrackHandler struct {
	tracker Tracker
}

func (h *getTrackHandler) Handle(ctx context.Context, req *IDRequest) (*core.SwapTrack, error) {
	return h.tracker.Get(ctx, req.ID)
}

type CreateSwapRequest struct {
	User             string `json:"user"`
	SourceChain      string `json:"source_chain"`
	DestinationChain string `json:"destination_chain"`
	TokenIn          string `json:"token_in"`
	TokenOut         string `json:"token_out"`
	Amount           string `json:"amount"`
	Receiver         string `json:"receiver"`
	ChainID          *int64 `json:"chain_id"`
}

func (r *CreateSwapRequest) Validate() error {
	if strings.TrimSpace(r.User) == "" || strings.TrimSpace(r.Receiver) == "" {
		return fmt.Errorf("user and receiver are required")
	}
	return nil
}

type createSwapHandler struct {
	swaps Swaps
}

func (h *createSwapHandler) Handle(ctx context.Context, req *CreateSwapRequest) (*swap.Quoted, error) {
	return h.swaps.Create(ctx, swap.CreateSwap{
		User:             req.User,
		SourceChain:      req.SourceChain,
		DestinationChain: req.DestinationChain,
		TokenIn:          req.TokenIn,
		TokenOut:         req.TokenOut,
		Amount:           req.Amount,
		Receiver:         req.Receiver,
		ChainID:          req.ChainID,
	})
}

type getSwapHandler struct {
	swaps Swaps
}

func (h *getSwapHandler) Handle(ctx context.Context, req *IDRequest) (*core.Swap, error) {
	return h.swaps.Get(ctx, req.ID)
}

type swapStatusHandler struct {
	swaps Swaps
}

func (h *swapStatusHandler) Handle(ctx context.Context, req *IDRequest) (*swap.StatusView, error) {
	return h.swaps.Status(ctx, req.ID)
}

// ExecuteSwapRequest carries the signed route. An empty route submits the
// stored quote.
type ExecuteSwapRequest struct {
	ID    string         `params:"id"`
	Route map[string]any `json:"route"`
}

func (r *ExecuteSwapRequest) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

type executeSwapHandler struct {
	swaps Swaps
}

func (h *executeSwapHandler) Handle(ctx context.Context, req *ExecuteSwapRequest) (*core.Swap, error) {
	return h.swaps.Execute(ctx, req.ID, req.Route)
}

type HistoryRequest struct {
	User string `query:"user"`
}

func (r *HistoryRequest) Validate() error { return nil }

type historyHandler struct {
	swaps Swaps
}

func (h *historyHandler) Handle(ctx context.Context, req *HistoryRequest) (*swap.History, error) {
	return h.swaps.History(ctx, strings.TrimSpace(req.User))
}

type chainsHandler struct {
	swaps Swaps
}

func (h *chainsHandler) Handle(ctx context.Context, _ *EmptyRequest) ([]swap.ChainView, error) {
	return h.swaps.Chains(ctx)
}

type TokensRequest struct {
	ChainID string `params:"chain_id"`
}

func (r *TokensRequest) Validate() error {
	if _, err := strconv.ParseInt(r.ChainID, 10, 64); err != nil {
		return fmt.Errorf("invalid chain_id %q", r.ChainID)
	}
	return nil
}

type tokensHandler struct {
	swaps Swaps
}

func (h *tokensHandler) Handle(ctx context.Context, req *TokensRequest) ([]swap.TokenView, error) {
	id, _ := strconv.ParseInt(req.ChainID, 10, 64)
	return h.swaps.Tokens(ctx, id)
}

type CreateJobRequest struct {
	Cron   string     `json:"cron"`
	Params dca.Params `json:"params"`
}

func (r *CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.Cron) == "" {
		return fmt.Errorf("cron is required")
	}
	return nil
}

type createJobHandler struct {
	jobs Jobs
}

func (h *createJobHandler) Handle(ctx context.Context, req *CreateJobRequest) (*core.CronJob, error) {
	return h.jobs.Create(ctx, dca.CreateJob{Cron: req.Cron, Params: req.Params})
}

type ListJobsRequest struct {
	Status string `query:"status"`
}

func (r *ListJobsRequest) Validate() error {
	switch core.JobStatus(r.Status) {
	case "", core.JobActive, core.JobPaused, core.JobRemoved:
		return nil
	}
	return fmt.Errorf("unknown status %q", r.Status)
}

type listJobsHandler struct {
	jobs Jobs
}

func (h *listJobsHandler) Handle(ctx context.Context, req *ListJobsRequest) ([]*core.CronJob, error) {
	if req.Status == "" {
		return h.jobs.List(ctx)
	}
	return h.jobs.List(ctx, core.JobStatus(req.Status))
}

// jobActionHandler serves the endpoints that take a job id and return the
// updated record.
type jobActionHandler struct {
	action func(ctx context.Context, id string) (*core.CronJob, error)
}

func (h *jobActionHandler) Handle(ctx context.Context, req *IDRequest) (*core.CronJob, error) {
	return h.action(ctx, req.ID)
}

type summaryHandler struct {
	metrics MetricsReader
}

func (h *summaryHandler) Handle(ctx context.Context, _ *EmptyRequest) (*metrics.Snapshot, error) {
	return h.metrics.Summary(ctx)
}

type jobMetricsHandler struct {
	metrics MetricsReader
}

func (h *jobMetricsHandler) Handle(ctx context.Context, req *IDRequest) (metrics.JobStats, error) {
	return h.metrics.Job(ctx, req.ID)
}

type TVLResponse struct {
	TVL float64 `json:"tvl"`
}

type tvlHandler struct {
	metrics MetricsReader
}

func (h *tvlHandler) Handle(ctx context.Context, _ *EmptyRequest) (*TVLResponse, error) {
	tvl, err := h.metrics.TVL(ctx)
	if err != nil {
		return nil, err
	}
	return &TVLResponse{TVL: tvl}, nil
}

// EventsRequest filters tick events by unix time in seconds.
type EventsRequest struct {
	Since float64 `query:"since"`
	JobID string  `query:"job_id"`
}

func (r *EventsRequest) Validate() error {
	if r.Since < 0 {
		return fmt.Errorf("since must not be negative")
	}
	return nil
}

type eventsHandler struct {
	events EventReader
}

func (h *eventsHandler) Handle(ctx context.Context, req *EventsRequest) ([]*core.TickEvent, error) {
	filter := core.EventFilter{Type: core.EventTypeTick, JobID: req.JobID}
	if req.Since > 0 {
		sec := int64(req.Since)
		filter.Since = time.Unix(sec, int64((req.Since-float64(sec))*float64(time.Second))).UTC()
	}
	return h.events.FindEvents(ctx, filter)
}

type QuoteRequest struct {
	SourceChain      string `json:"source_chain"`
	DestinationChain string `json:"destination_chain"`
	TokenIn          string `json:"token_in"`
	TokenOut         string `json:"token_out"`
	Amount           string `json:"amount"`
	User             string `json:"user"`
	Receiver         string `json:"receiver"`
}

func (r *QuoteRequest) Validate() error {
	if _, err := strconv.ParseInt(r.SourceChain, 10, 64); err != nil {
		return fmt.Errorf("invalid source_chain")
	}
	if _, err := strconv.ParseInt(r.DestinationChain, 10, 64); err != nil {
		return fmt.Errorf("invalid destination_chain")
	}
	if r.TokenIn == "" || r.TokenOut == "" || r.Amount == "" || r.User == "" {
		return fmt.Errorf("token_in, token_out, amount and user are required")
	}
	return nil
}

type quoteHandler struct {
	quoter   dca.Quoter
	resolver dca.Resolver
}

func (h *quoteHandler) Handle(ctx context.Context, req *QuoteRequest) (map[string]any, error) {
	src, _ := strconv.ParseInt(req.SourceChain, 10, 64)
	dst, _ := strconv.ParseInt(req.DestinationChain, 10, 64)
	receiver := req.Receiver
	if receiver == "" {
		receiver = req.User
	}
	quote, err := h.quoter.Quote(ctx, map[string]any{
		"originChainId":      src,
		"destinationChainId": dst,
		"inputToken":         h.resolver.Resolve(ctx, src, req.TokenIn),
		"outputToken":        h.resolver.Resolve(ctx, dst, req.TokenOut),
		"inputAmount":        req.Amount,
		"user":               req.User,
		"receiver":           receiver,
		"tradeType":          "EXACT_INPUT",
	})
	if err != nil {
		return nil, err
	}
	if quote == nil {
		return nil, errors.InfraError(fmt.Errorf("quote unavailable"))
	}
	return quote, nil
}
