package dca

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Deepreo/swapcron/core"
)

type fakeQuoter struct {
	mu     sync.Mutex
	params []map[string]any
	fail   string
}

func (q *fakeQuoter) Quote(ctx context.Context, params map[string]any) (map[string]any, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.params = append(q.params, params)
	if q.fail != "" && params["outputToken"] == q.fail {
		return nil, errors.New("no route")
	}
	return map[string]any{"steps": []any{map[string]any{"id": "swap"}}}, nil
}

type mapResolver map[string]string

func (m mapResolver) Resolve(ctx context.Context, chainID int64, token string) string {
	if addr, ok := m[strings.ToUpper(token)]; ok {
		return addr
	}
	return token
}

func TestQuoteAction(t *testing.T) {
	q := &fakeQuoter{}
	action := NewQuoteAction(q, mapResolver{"USDC": "0xusdc", "WETH": "0xweth", "WBTC": "0xwbtc"}, nil)

	p := basket()
	require.NoError(t, p.Normalize())
	require.NoError(t, action.Execute(context.Background(), &core.CronJob{ID: "j1"}, p))

	require.Len(t, q.params, 2)
	assert.Equal(t, "0xusdc", q.params[0]["inputToken"])
	assert.Equal(t, "0xweth", q.params[0]["outputToken"])
	assert.Equal(t, "60", q.params[0]["inputAmount"])
	assert.Equal(t, int64(1), q.params[0]["destinationChainId"])
	assert.Equal(t, "40", q.params[1]["inputAmount"])
	assert.Equal(t, int64(42161), q.params[1]["destinationChainId"])
	assert.Equal(t, p.User, q.params[1]["receiver"])
}

func TestQuoteAction_PartialFailure(t *testing.T) {
	q := &fakeQuoter{fail: "0xwbtc"}
	action := NewQuoteAction(q, mapResolver{"WETH": "0xweth", "WBTC": "0xwbtc"}, nil)

	p := basket()
	require.NoError(t, p.Normalize())
	err := action.Execute(context.Background(), &core.CronJob{ID: "j1"}, p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WBTC")
	assert.Len(t, q.params, 2, "remaining coins are still quoted")
}

func TestDecodeParams_WeakTypes(t *testing.T) {
	p, err := DecodeParams(map[string]any{
		"user":            "0xabc",
		"source_chain":    "137",
		"input_token":     "USDC",
		"budget_per_tick": int32(50),
		"coins": []any{
			map[string]any{"symbol": "WETH", "weight": "100", "chain_id": float64(10)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(137), p.SourceChain)
	assert.Equal(t, 50.0, p.BudgetPerTick)
	require.Len(t, p.Coins, 1)
	assert.Equal(t, 100.0, p.Coins[0].Weight)
	assert.Equal(t, int64(10), p.Coins[0].ChainID)
	assert.NoError(t, p.Normalize())
}

func TestDecodeParams_Invalid(t *testing.T) {
	_, err := DecodeParams(map[string]any{"coins": "not a list"})
	assert.Error(t, err)
}
