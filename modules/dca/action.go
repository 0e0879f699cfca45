package dca

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/Deepreo/swapcron/core"
	"github.com/Deepreo/swapcron/errors"
)

// Quoter is the part of the relay client a tick needs.
type Quoter interface {
	Quote(ctx context.Context, params map[string]any) (map[string]any, error)
}

// Resolver turns token symbols into addresses.
type Resolver interface {
	Resolve(ctx context.Context, chainID int64, token string) string
}

// QuoteAction requests one quote per basket coin for its share of the
// budget. The tick fails if any coin could not be quoted.
type QuoteAction struct {
	quoter   Quoter
	resolver Resolver
	logger   *slog.Logger
}

func NewQuoteAction(quoter Quoter, resolver Resolver, logger *slog.Logger) *QuoteAction {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuoteAction{quoter: quoter, resolver: resolver, logger: logger}
}

func (a *QuoteAction) Execute(ctx context.Context, job *core.CronJob, params Params) error {
	inputToken := a.resolver.Resolve(ctx, params.SourceChain, params.InputToken)

	var errs []error
	for _, coin := range params.Coins {
		amount := params.Allocation(coin)
		if amount <= 0 {
			continue
		}
		quote, err := a.quoter.Quote(ctx, map[string]any{
			"originChainId":      params.SourceChain,
			"destinationChainId": coin.ChainID,
			"inputToken":         inputToken,
			"outputToken":        a.resolver.Resolve(ctx, coin.ChainID, coin.Symbol),
			"inputAmount":        strconv.FormatFloat(amount, 'f', -1, 64),
			"user":               params.User,
			"receiver":           params.Receiver,
			"tradeType":          "EXACT_INPUT",
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", coin.Symbol, err))
			continue
		}
		a.logger.InfoContext(ctx, "dca quote received",
			"job_id", job.ID,
			"symbol", coin.Symbol,
			"amount", amount,
			"steps", stepCount(quote),
		)
	}
	return errors.Join(errs...)
}

func stepCount(quote map[string]any) int {
	if result, ok := quote["result"].(map[string]any); ok {
		quote = result
	}
	steps, _ := quote["steps"].([]any)
	return len(steps)
}
