package tokens

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Deepreo/swapcron/modules/relay"
)

const NativeAddress = "0x0000000000000000000000000000000000000000"

// Loader returns the current chain catalogue.
type Loader func(ctx context.Context) ([]relay.Chain, error)

type Config struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// Cache maps token symbols to addresses per chain. It reloads lazily once
// the TTL has passed or when a chain is missing, and falls back to a
// built-in table when the catalogue cannot be loaded.
type Cache struct {
	mu       sync.RWMutex
	load     Loader
	clock    clockwork.Clock
	ttl      time.Duration
	logger   *slog.Logger
	tokens   map[int64]map[string]string
	names    map[int64]string
	loadedAt time.Time
	fallback bool
}

type Option func(*Cache)

func WithClock(clock clockwork.Clock) Option {
	return func(c *Cache) { c.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

func New(load Loader, cfg Config, opts ...Option) *Cache {
	c := &Cache{
		load:   load,
		clock:  clockwork.NewRealClock(),
		ttl:    cfg.TTL,
		logger: slog.Default(),
		tokens: map[int64]map[string]string{},
		names:  map[int64]string{},
	}
	if c.ttl <= 0 {
		c.ttl = time.Hour
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) stale(chainID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.loadedAt.IsZero() || c.clock.Since(c.loadedAt) > c.ttl {
		return true
	}
	_, ok := c.tokens[chainID]
	return !ok
}

// Refresh reloads the catalogue. On failure or an empty answer the
// fallback table replaces the contents.
func (c *Cache) Refresh(ctx context.Context) error {
	chains, err := c.load(ctx)
	tokens, names := index(chains)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadedAt = c.clock.Now()

	if err != nil || len(tokens) == 0 {
		c.logger.WarnContext(ctx, "token catalogue unavailable, using fallback tokens", "error", err)
		c.tokens = copyTable(fallbackTokens)
		for id, name := range fallbackNames {
			c.names[id] = name
		}
		c.fallback = true
		return err
	}

	c.tokens = tokens
	for id, name := range names {
		c.names[id] = name
	}
	c.fallback = false
	c.logger.InfoContext(ctx, "token catalogue loaded", "chains", len(tokens))
	return nil
}

func (c *Cache) ensure(ctx context.Context, chainID int64) {
	if c.stale(chainID) {
		_ = c.Refresh(ctx)
	}
}

// Get returns the address of symbol on chainID.
func (c *Cache) Get(ctx context.Context, chainID int64, symbol string) (string, bool) {
	c.ensure(ctx, chainID)
	c.mu.RLock()
	defer c.mu.RUnlock()
	addr, ok := c.tokens[chainID][strings.ToUpper(symbol)]
	return addr, ok
}

// Resolve turns a symbol into an address. Addresses and unknown symbols
// are returned unchanged.
func (c *Cache) Resolve(ctx context.Context, chainID int64, token string) string {
	if IsAddress(token) {
		return token
	}
	if addr, ok := c.Get(ctx, chainID, token); ok {
		return addr
	}
	c.logger.WarnContext(ctx, "token not found in catalogue", "chain_id", chainID, "token", token)
	return token
}

// Symbol is the reverse lookup of Resolve.
func (c *Cache) Symbol(ctx context.Context, chainID int64, address string) string {
	c.ensure(ctx, chainID)
	c.mu.RLock()
	defer c.mu.RUnlock()
	for sym, addr := range c.tokens[chainID] {
		if strings.EqualFold(addr, address) {
			return sym
		}
	}
	return address
}

// Symbols lists every known symbol across chains, sorted.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := map[string]struct{}{}
	for _, m := range c.tokens {
		for sym := range m {
			seen[sym] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (c *Cache) ChainName(chainID int64) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.names[chainID]
}

// Fallback reports whether the built-in table is in use.
func (c *Cache) Fallback() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fallback
}

func IsAddress(token string) bool {
	return len(token) == 42 && strings.HasPrefix(strings.ToLower(token), "0x")
}

func index(chains []relay.Chain) (map[int64]map[string]string, map[int64]string) {
	tokens := map[int64]map[string]string{}
	names := map[int64]string{}
	for _, ch := range chains {
		id := int64(ch.ID)
		if name := ch.Name; name != "" {
			names[id] = name
		} else if ch.DisplayName != "" {
			names[id] = ch.DisplayName
		}

		symbols := map[string]string{}
		if ch.Currency != nil && ch.Currency.Symbol != "" {
			symbols[strings.ToUpper(ch.Currency.Symbol)] = NativeAddress
		}
		for _, list := range [][]relay.Currency{ch.ERC20Currencies, ch.FeaturedTokens} {
			for _, t := range list {
				if t.Symbol != "" && t.Address != "" {
					symbols[strings.ToUpper(t.Symbol)] = t.Address
				}
			}
		}
		if len(symbols) > 0 {
			tokens[id] = symbols
		}
	}
	return tokens, names
}

func copyTable(in map[int64]map[string]string) map[int64]map[string]string {
	out := make(map[int64]map[string]string, len(in))
	for id, m := range in {
		cp := make(map[string]string, len(m))
		for k, v := range m {
			cp[k] = v
		}
		out[id] = cp
	}
	return out
}

var fallbackNames = map[int64]string{
	1:     "Ethereum",
	137:   "Polygon",
	56:    "BNB Smart Chain",
	42161: "Arbitrum One",
	10:    "Optimism",
}

var fallbackTokens = map[int64]map[string]string{
	1: {
		"ETH":  NativeAddress,
		"USDT": "0xdAC17F958D2ee523a2206206994597C13D831ec7",
		"USDC": "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		"WETH": "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
	},
	137: {
		"MATIC":  NativeAddress,
		"USDT":   "0xc2132D05D31c914a87C6611C10748AEb04B58e8F",
		"USDC":   "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174",
		"WMATIC": "0x0d500B1d8E8eF31E21C99d1Db9A6444d3ADf1270",
	},
	56: {
		"BNB":  NativeAddress,
		"USDT": "0x55d398326f99059fF775485246999027B3197955",
		"USDC": "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d",
		"WBNB": "0xbb4CdB9CBd36B01bD1cBaEF60aF814C3bFc7c70d",
	},
	42161: {
		"ETH":  NativeAddress,
		"USDT": "0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9",
		"USDC": "0xFF970A61A04b1cA14834A43f5dE4533eBDDB5CC8",
		"WETH": "0x82aF49447D8a07e3bd95BD0d56f35241523fBab1",
	},
	10: {
		"ETH":  NativeAddress,
		"USDT": "0x94b008aA00579c1307B0EF2c499aD98a8ce58e58",
		"USDC": "0x7F5c764cBc14f9669B88837ca1490cCa17c31607",
		"WETH": "0x4200000000000000000000000000000000000006",
	},
}
