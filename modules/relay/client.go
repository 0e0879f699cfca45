package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/Deepreo/swapcron/errors"
)

type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

type Config struct {
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RateLimit    float64       `mapstructure:"rate_limit"`
	Burst        int           `mapstructure:"burst"`
	QuoteRetries uint          `mapstructure:"quote_retries"`
	RetryWait    time.Duration `mapstructure:"retry_wait"`
	Breaker      BreakerConfig `mapstructure:"breaker"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BaseURL == "" {
		out.BaseURL = "https://api.relay.link"
	}
	if out.Timeout <= 0 {
		out.Timeout = 10 * time.Second
	}
	if out.RateLimit <= 0 {
		out.RateLimit = 10
	}
	if out.Burst <= 0 {
		out.Burst = int(out.RateLimit)
		if out.Burst < 1 {
			out.Burst = 1
		}
	}
	if out.QuoteRetries == 0 {
		out.QuoteRetries = 3
	}
	if out.RetryWait <= 0 {
		out.RetryWait = time.Second
	}
	return out
}

// UpstreamError is a non-success HTTP answer from the relay API.
type UpstreamError struct {
	Path   string
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("relay %s returned %d: %s", e.Path, e.Status, e.Body)
}

// Retryable marks server-side and throttling failures.
func (e *UpstreamError) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// ErrUpstreamStatus is wrapped by every UpstreamError returned from a
// multi-path call that stopped on a non-404 status.
var ErrUpstreamStatus = errors.New("relay upstream status")

// ErrNoRoute means every candidate path answered 404.
var ErrNoRoute = errors.New("relay: no candidate path found")

var (
	routeExecutePaths   = []string{"/route", "/route/execute", "/v1/route", "/v1/route/execute", "/api/v1/route/execute"}
	routeStatusPaths    = []string{"/route-status", "/v1/route-status", "/route/status", "/api/v1/route-status"}
	intentStatusPaths   = []string{"/intents/status", "/intent-status", "/v1/intents/status"}
	executionStatusPath = []string{"/execution-status", "/execution/status", "/v1/execution-status", "/status"}
)

// Client talks to the relay aggregator API.
type Client struct {
	http    *http.Client
	base    string
	limiter *rate.Limiter
	retries uint
	wait    time.Duration
	logger  *slog.Logger
}

func NewClient(cfg *Config, logger *slog.Logger) *Client {
	c := cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:    &http.Client{Timeout: c.Timeout},
		base:    c.BaseURL,
		limiter: rate.NewLimiter(rate.Limit(c.RateLimit), c.Burst),
		retries: c.QuoteRetries,
		wait:    c.RetryWait,
		logger:  logger,
	}
}

// BaseURL is the API root relative endpoints are resolved against.
func (c *Client) BaseURL() string { return c.base }

func (c *Client) do(ctx context.Context, method, rawURL string, body any) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

func ok(status int) bool { return status >= 200 && status < 300 }

// translateQuote maps legacy quote parameters onto the current names. A
// current name that is already present wins.
func translateQuote(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	rename := [][2]string{
		{"inputToken", "originCurrency"},
		{"outputToken", "destinationCurrency"},
		{"inputAmount", "amount"},
		{"userAddress", "user"},
		{"receiverAddress", "recipient"},
		{"receiver", "recipient"},
	}
	for _, r := range rename {
		if v, legacy := out[r[0]]; legacy {
			if _, current := out[r[1]]; !current {
				out[r[1]] = v
				delete(out, r[0])
			}
		}
	}
	return out
}

// Quote requests a swap quote, retrying transport failures and retryable
// statuses with exponential backoff.
func (c *Client) Quote(ctx context.Context, params map[string]any) (map[string]any, error) {
	payload := translateQuote(params)
	attempt := 0

	op := func() (map[string]any, error) {
		attempt++
		status, body, err := c.do(ctx, http.MethodPost, c.base+"/quote", payload)
		if err != nil {
			c.logger.WarnContext(ctx, "relay quote request failed", "attempt", attempt, "error", err)
			return nil, err
		}
		if !ok(status) {
			upstream := &UpstreamError{Path: "/quote", Status: status, Body: string(body)}
			c.logger.WarnContext(ctx, "relay quote failed", "attempt", attempt, "status", status)
			if !upstream.Retryable() {
				return nil, backoff.Permanent(upstream)
			}
			return nil, upstream
		}
		var out map[string]any
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("decode quote: %w", err))
		}
		return out, nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.wait
	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(c.retries),
	)
	if err != nil {
		return nil, errors.InfraError(fmt.Errorf("relay quote: %w", err))
	}
	return result, nil
}

// firstFound tries each candidate path in order. Only a 404 moves on to the
// next path; any other failure stops the walk.
func (c *Client) firstFound(ctx context.Context, method string, paths []string, query url.Values, body any) (map[string]any, error) {
	for _, path := range paths {
		target := c.base + path
		if len(query) > 0 {
			target += "?" + query.Encode()
		}
		status, data, err := c.do(ctx, method, target, body)
		if err != nil {
			return nil, errors.InfraError(fmt.Errorf("relay %s: %w", path, err))
		}
		if status == http.StatusNotFound {
			c.logger.WarnContext(ctx, "relay path returned 404", "path", path)
			continue
		}
		if !ok(status) {
			return nil, errors.InfraError(fmt.Errorf("%w: %w", ErrUpstreamStatus, &UpstreamError{Path: path, Status: status, Body: string(data)}))
		}
		var out map[string]any
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, errors.InfraError(fmt.Errorf("decode %s: %w", path, err))
		}
		return out, nil
	}
	return nil, errors.NotFoundError(ErrNoRoute)
}

func (c *Client) ExecuteRoute(ctx context.Context, route map[string]any) (map[string]any, error) {
	return c.firstFound(ctx, http.MethodPost, routeExecutePaths, nil, route)
}

func (c *Client) RouteStatus(ctx context.Context, routeID string) (map[string]any, error) {
	return c.firstFound(ctx, http.MethodGet, routeStatusPaths, url.Values{"routeId": {routeID}}, nil)
}

func (c *Client) IntentStatus(ctx context.Context, requestID string) (map[string]any, error) {
	return c.firstFound(ctx, http.MethodGet, intentStatusPaths, url.Values{"requestId": {requestID}}, nil)
}

func (c *Client) ExecutionStatus(ctx context.Context, requestID string) (map[string]any, error) {
	return c.firstFound(ctx, http.MethodGet, executionStatusPath, url.Values{"requestId": {requestID}}, nil)
}

// Health probes the relay API health endpoint.
func (c *Client) Health(ctx context.Context) error {
	status, body, err := c.do(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return errors.UnavailableError(fmt.Errorf("relay health: %w", err))
	}
	if !ok(status) {
		return errors.UnavailableError(&UpstreamError{Path: "/health", Status: status, Body: string(body)})
	}
	return nil
}

// ChainID accepts both numeric and string ids.
type ChainID int64

func (id *ChainID) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chain id %s: %w", string(b), err)
	}
	*id = ChainID(v)
	return nil
}

type Currency struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Address  string `json:"address"`
	Decimals *int   `json:"decimals,omitempty"`
	LogoURI  string `json:"logoURI,omitempty"`
	IconURL  string `json:"iconUrl,omitempty"`
}

type Chain struct {
	ID              ChainID    `json:"id"`
	Name            string     `json:"name"`
	DisplayName     string     `json:"displayName"`
	IconURL         string     `json:"iconUrl"`
	Currency        *Currency  `json:"currency"`
	ERC20Currencies []Currency `json:"erc20Currencies"`
	FeaturedTokens  []Currency `json:"featuredTokens"`
}

// Chains lists supported chains with their native and featured tokens.
// Older deployments answer with the list under "result" instead of
// "chains".
func (c *Client) Chains(ctx context.Context) ([]Chain, error) {
	status, body, err := c.do(ctx, http.MethodGet, c.base+"/chains", nil)
	if err != nil {
		return nil, errors.InfraError(fmt.Errorf("relay chains: %w", err))
	}
	if !ok(status) {
		return nil, errors.InfraError(&UpstreamError{Path: "/chains", Status: status, Body: string(body)})
	}

	var resp struct {
		Chains []json.RawMessage `json:"chains"`
		Result []json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.InfraError(fmt.Errorf("decode chains: %w", err))
	}
	entries := resp.Chains
	if entries == nil {
		entries = resp.Result
	}
	out := make([]Chain, 0, len(entries))
	for _, raw := range entries {
		var ch Chain
		if err := json.Unmarshal(raw, &ch); err != nil {
			c.logger.WarnContext(ctx, "skipping malformed chain entry", "error", err)
			continue
		}
		out = append(out, ch)
	}
	return out, nil
}
