package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/huyquangict/nof1.ai/internal/exchange"
)

func TestPriceCacheFreshness(t *testing.T) {
	now := time.Now()
	c := NewPriceCache(10 * time.Second)
	c.now = func() time.Time { return now }

	_, ok := c.Get("BTCUSDT")
	assert.False(t, ok)

	c.Update(exchange.Ticker{Symbol: "BTCUSDT", LastPrice: 50000, Ts: now})
	ticker, ok := c.Get("BTCUSDT")
	assert.True(t, ok)
	assert.Equal(t, 50000.0, ticker.LastPrice)

	// Past the staleness limit the entry is rejected so callers fall
	// back to REST.
	c.now = func() time.Time { return now.Add(11 * time.Second) }
	_, ok = c.Get("BTCUSDT")
	assert.False(t, ok)
}

func TestPriceCacheKeepsLatest(t *testing.T) {
	c := NewPriceCache(0) // no staleness limit
	c.Update(exchange.Ticker{Symbol: "BTCUSDT", LastPrice: 100, Ts: time.Now()})
	c.Update(exchange.Ticker{Symbol: "BTCUSDT", LastPrice: 101, Ts: time.Now()})

	ticker, ok := c.Get("BTCUSDT")
	assert.True(t, ok)
	assert.Equal(t, 101.0, ticker.LastPrice)
}
