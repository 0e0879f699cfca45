package tokens

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Deepreo/swapcron/modules/relay"
)

func catalogue() []relay.Chain {
	return []relay.Chain{{
		ID:       8453,
		Name:     "base",
		Currency: &relay.Currency{Symbol: "eth"},
		ERC20Currencies: []relay.Currency{
			{Symbol: "usdc", Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"},
		},
	}}
}

func TestCache_GetAndTTL(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	var loads atomic.Int32
	c := New(func(ctx context.Context) ([]relay.Chain, error) {
		loads.Add(1)
		return catalogue(), nil
	}, Config{TTL: time.Hour}, WithClock(clock))

	addr, ok := c.Get(ctx, 8453, "USDC")
	require.True(t, ok)
	assert.Equal(t, "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", addr)

	addr, ok = c.Get(ctx, 8453, "eth")
	require.True(t, ok)
	assert.Equal(t, NativeAddress, addr)
	assert.Equal(t, int32(1), loads.Load())
	assert.Equal(t, "base", c.ChainName(8453))

	clock.Advance(59 * time.Minute)
	c.Get(ctx, 8453, "USDC")
	assert.Equal(t, int32(1), loads.Load(), "fresh entries are served from memory")

	clock.Advance(2 * time.Minute)
	c.Get(ctx, 8453, "USDC")
	assert.Equal(t, int32(2), loads.Load(), "expired catalogue is reloaded")
}

func TestCache_Fallback(t *testing.T) {
	ctx := context.Background()
	c := New(func(ctx context.Context) ([]relay.Chain, error) {
		return nil, errors.New("relay down")
	}, Config{}, WithClock(clockwork.NewFakeClock()))

	assert.Error(t, c.Refresh(ctx))
	assert.True(t, c.Fallback())

	addr, ok := c.Get(ctx, 137, "wmatic")
	require.True(t, ok)
	assert.Equal(t, "0x0d500B1d8E8eF31E21C99d1Db9A6444d3ADf1270", addr)
	assert.Equal(t, "Polygon", c.ChainName(137))
	assert.Contains(t, c.Symbols(), "BNB")
}

func TestCache_Resolve(t *testing.T) {
	ctx := context.Background()
	c := New(func(ctx context.Context) ([]relay.Chain, error) {
		return catalogue(), nil
	}, Config{}, WithClock(clockwork.NewFakeClock()))

	address := "0x1111111111111111111111111111111111111111"
	assert.Equal(t, address, c.Resolve(ctx, 8453, address))
	assert.Equal(t, "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", c.Resolve(ctx, 8453, "usdc"))
	assert.Equal(t, "PEPE", c.Resolve(ctx, 8453, "PEPE"), "unknown symbols pass through")

	assert.Equal(t, "USDC", c.Symbol(ctx, 8453, "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"))
	assert.Equal(t, address, c.Symbol(ctx, 8453, address))
}
