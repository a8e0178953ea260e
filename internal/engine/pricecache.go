package engine

import (
	"sync"
	"time"

	"github.com/huyquangict/nof1.ai/internal/exchange"
)

// PriceCache keeps the freshest ticker per symbol, fed by the WebSocket
// stream. Reads older than the staleness limit are rejected so risk
// evaluation falls back to a REST ticker instead of acting on a dead
// feed.
type PriceCache struct {
	mu      sync.RWMutex
	tickers map[string]exchange.Ticker
	maxAge  time.Duration
	now     func() time.Time
}

// NewPriceCache builds a cache with the given staleness limit.
func NewPriceCache(maxAge time.Duration) *PriceCache {
	return &PriceCache{
		tickers: make(map[string]exchange.Ticker),
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// Update stores a ticker observation.
func (c *PriceCache) Update(t exchange.Ticker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickers[t.Symbol] = t
}

// Get returns the cached ticker for symbol if it is fresh enough.
func (c *PriceCache) Get(symbol string) (exchange.Ticker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tickers[symbol]
	if !ok {
		return exchange.Ticker{}, false
	}
	if c.maxAge > 0 && c.now().Sub(t.Ts) > c.maxAge {
		return exchange.Ticker{}, false
	}
	return t, true
}
