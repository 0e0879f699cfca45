package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/Deepreo/swapcron/core"
	"github.com/Deepreo/swapcron/errors"
)

// StatusSource fetches swap status documents for the poller. A reference is
// either an absolute URL or a path under the client's base URL.
type StatusSource struct {
	client  *Client
	breaker *gobreaker.CircuitBreaker
}

func NewStatusSource(client *Client, cfg BreakerConfig, logger *slog.Logger) *StatusSource {
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "relay-status",
		Timeout: openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return &StatusSource{client: client, breaker: breaker}
}

func (s *StatusSource) resolve(reference string) string {
	if strings.HasPrefix(reference, "http://") || strings.HasPrefix(reference, "https://") {
		return reference
	}
	if !strings.HasPrefix(reference, "/") {
		reference = "/" + reference
	}
	return s.client.BaseURL() + reference
}

func (s *StatusSource) Fetch(ctx context.Context, reference string) (core.StatusReport, error) {
	target := s.resolve(reference)

	res, err := s.breaker.Execute(func() (interface{}, error) {
		status, body, err := s.client.do(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		if !ok(status) {
			return nil, &UpstreamError{Path: reference, Status: status, Body: string(body)}
		}
		return body, nil
	})
	if err != nil {
		return core.StatusReport{}, transportFailure(reference, err)
	}

	report, err := ParseStatus(res.([]byte))
	if err != nil {
		return core.StatusReport{}, transportFailure(reference, err)
	}
	return report, nil
}

func transportFailure(reference string, err error) error {
	return errors.InfraError(fmt.Errorf("%w: %s: %w", errors.ErrTransportFailure, reference, err))
}

// ParseStatus reads the status and transaction reference out of a status
// document. Status comes from "status" or "state"; the transaction from
// "txHash", "transactionHash" or "hash", first non-empty wins.
func ParseStatus(body []byte) (core.StatusReport, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return core.StatusReport{}, fmt.Errorf("decode status document: %w", err)
	}
	return StatusFromDoc(doc), nil
}

// StatusFromDoc applies the ParseStatus field rules to a decoded document.
func StatusFromDoc(doc map[string]any) core.StatusReport {
	return core.StatusReport{
		Status: firstString(doc, "status", "state"),
		TxHash: firstString(doc, "txHash", "transactionHash", "hash"),
	}
}

func firstString(doc map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := doc[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
