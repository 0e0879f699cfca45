package dca

import (
	"fmt"
	"math"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"github.com/Deepreo/swapcron/errors"
)

const (
	WeightingEqual  = "equal"
	WeightingCustom = "custom"
)

type Coin struct {
	Symbol  string  `mapstructure:"symbol" json:"symbol"`
	Weight  float64 `mapstructure:"weight" json:"weight"`
	ChainID int64   `mapstructure:"chain_id" json:"chain_id,omitempty"`
}

// Params are the typed arguments of a DCA job. They live in CronJob.Args.
type Params struct {
	User          string  `mapstructure:"user" json:"user"`
	Receiver      string  `mapstructure:"receiver" json:"receiver,omitempty"`
	SourceChain   int64   `mapstructure:"source_chain" json:"source_chain"`
	InputToken    string  `mapstructure:"input_token" json:"input_token"`
	BudgetPerTick float64 `mapstructure:"budget_per_tick" json:"budget_per_tick"`
	Weighting     string  `mapstructure:"weighting" json:"weighting,omitempty"`
	Coins         []Coin  `mapstructure:"coins" json:"coins"`
}

// DecodeParams reads Params out of stored job args. Numbers may arrive as
// any numeric type or as strings depending on the store driver.
func DecodeParams(args map[string]any) (Params, error) {
	var p Params
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &p,
		TagName:          "mapstructure",
	})
	if err != nil {
		return Params{}, err
	}
	if err := decoder.Decode(args); err != nil {
		return Params{}, errors.ValidationError(fmt.Errorf("invalid job args: %w", err))
	}
	return p, nil
}

// Normalize fills equal weights and defaults, then validates the basket.
func (p *Params) Normalize() error {
	p.User = strings.TrimSpace(p.User)
	if p.User == "" {
		return errors.ValidationError(fmt.Errorf("user is required"))
	}
	if p.Receiver == "" {
		p.Receiver = p.User
	}
	if p.SourceChain <= 0 {
		return errors.ValidationError(fmt.Errorf("source_chain is required"))
	}
	if strings.TrimSpace(p.InputToken) == "" {
		return errors.ValidationError(fmt.Errorf("input_token is required"))
	}
	if p.BudgetPerTick <= 0 {
		return errors.ValidationError(fmt.Errorf("budget_per_tick must be positive"))
	}
	if len(p.Coins) == 0 {
		return errors.ValidationError(fmt.Errorf("basket needs at least one coin"))
	}
	if p.Weighting == "" {
		p.Weighting = WeightingCustom
	}

	switch p.Weighting {
	case WeightingEqual:
		w := 100 / float64(len(p.Coins))
		for i := range p.Coins {
			p.Coins[i].Weight = w
		}
	case WeightingCustom:
		total := 0.0
		for _, c := range p.Coins {
			total += c.Weight
		}
		if math.Abs(total-100) > 0.001 {
			return errors.ValidationError(fmt.Errorf("weights must sum to 100, got %g", total))
		}
	default:
		return errors.ValidationError(fmt.Errorf("unknown weighting %q", p.Weighting))
	}

	for i, c := range p.Coins {
		if strings.TrimSpace(c.Symbol) == "" {
			return errors.ValidationError(fmt.Errorf("coin %d has no symbol", i))
		}
		if c.ChainID <= 0 {
			p.Coins[i].ChainID = p.SourceChain
		}
	}
	return nil
}

// Args encodes the params back into the generic shape stored on the job.
func (p Params) Args() (map[string]any, error) {
	out := map[string]any{}
	if err := mapstructure.Decode(p, &out); err != nil {
		return nil, err
	}
	coins := make([]any, 0, len(p.Coins))
	for _, c := range p.Coins {
		coins = append(coins, map[string]any{
			"symbol":   c.Symbol,
			"weight":   c.Weight,
			"chain_id": c.ChainID,
		})
	}
	out["coins"] = coins
	return out, nil
}

// Allocation is the share of the per-tick budget assigned to one coin.
func (p Params) Allocation(c Coin) float64 {
	return p.BudgetPerTick * c.Weight / 100
}
