package bitunix

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huyquangict/nof1.ai/internal/exchange"
)

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"BTC", "BTCUSDT"},
		{"btc", "BTCUSDT"},
		{"BTCUSDT", "BTCUSDT"},
		{" ethusdt ", "ETHUSDT"},
		{"sol", "SOLUSDT"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeSymbol(tt.in))
	}
}

func TestCoreSymbol(t *testing.T) {
	assert.Equal(t, "BTC", CoreSymbol("BTCUSDT"))
	assert.Equal(t, "ETH", CoreSymbol("ethusdt"))
}

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want exchange.OrderStatus
	}{
		{"NEW", exchange.StatusNew},
		{"INIT", exchange.StatusNew},
		{"PART_FILLED", exchange.StatusPartiallyFilled},
		{"FILLED", exchange.StatusFilled},
		{"filled", exchange.StatusFilled},
		{"CANCELED", exchange.StatusCancelled},
		{"REJECTED", exchange.StatusRejected},
		{"whatever", exchange.StatusUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeStatus(tt.raw), tt.raw)
	}
}

func TestContractInfoMultiplier(t *testing.T) {
	var calls atomic.Int32
	payload := `{"code":0,"data":[{"symbol":"BTCUSDT","tradeStep":"0.001","minTradeVolume":"0.001"}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/api/v1/futures/market/trading_pairs", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	c := NewREST("k", "s", srv.URL, time.Second)

	// Venue omits the multiplier: the linear-contract default of 1
	// applies and the value is cached.
	info, err := c.ContractInfo(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1.0, info.Multiplier)
	assert.Equal(t, 0.001, info.LotStep)
	assert.Equal(t, 0.001, info.MinQty)

	_, err = c.ContractInfo(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "second lookup must be served from cache")

	// An explicit multiplier is honored verbatim.
	payload = `{"code":0,"data":[{"symbol":"ETHUSDT","multiplier":"0.01","tradeStep":"0.001","minTradeVolume":"0.001"}]}`
	info, err = c.ContractInfo(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, 0.01, info.Multiplier)
}

func TestParseTickerRejectsMalformedFrames(t *testing.T) {
	_, ok := parseTicker([]byte(`{"ch":"depth_books"}`))
	assert.False(t, ok)

	_, ok = parseTicker([]byte(`{"ch":"ticker","symbol":"BTCUSDT","data":{"la":"0","mp":"1"}}`))
	assert.False(t, ok)

	tk, ok := parseTicker([]byte(`{"ch":"ticker","symbol":"BTCUSDT","ts":1700000000000,"data":{"la":"42000.5","mp":"42001"}}`))
	assert.True(t, ok)
	assert.Equal(t, "BTCUSDT", tk.Symbol)
	assert.Equal(t, 42000.5, tk.LastPrice)
	assert.Equal(t, 42001.0, tk.MarkPrice)
}
