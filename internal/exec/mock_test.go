package exec

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/huyquangict/nof1.ai/internal/cfg"
	"github.com/huyquangict/nof1.ai/internal/exchange"
	"github.com/huyquangict/nof1.ai/internal/metrics"
	"github.com/huyquangict/nof1.ai/internal/storage"
)

// mockExchange implements exchange.Client with overridable behavior and
// records every mutating call.
type mockExchange struct {
	tickerPrice map[string]float64
	account     exchange.Account
	positions   [][]exchange.Position // successive Positions() answers; last repeats
	posCalls    int
	contracts   map[string]exchange.ContractInfo

	placeFn func(req exchange.OrderRequest) (exchange.Order, error)
	orderFn func(id string) (exchange.Order, error)

	placed    []exchange.OrderRequest
	cancelled []string
	leverages map[string]int
}

func newMockExchange() *mockExchange {
	m := &mockExchange{
		tickerPrice: map[string]float64{"BTCUSDT": 100},
		account:     exchange.Account{TotalBalance: 1_000_000, AvailableBalance: 1_000_000},
		contracts: map[string]exchange.ContractInfo{
			"BTCUSDT": {Symbol: "BTCUSDT", Multiplier: 1, LotStep: 0.001, MinQty: 0.001},
			"ETHUSDT": {Symbol: "ETHUSDT", Multiplier: 1, LotStep: 0.001, MinQty: 0.001},
		},
		leverages: make(map[string]int),
	}
	m.placeFn = func(req exchange.OrderRequest) (exchange.Order, error) {
		id := fmt.Sprintf("order-%d", len(m.placed))
		return exchange.Order{
			ID:       id,
			ClientID: req.ClientID,
			Symbol:   req.Symbol,
			Side:     req.Side,
			Status:   exchange.StatusNew,
			Quantity: req.Quantity,
		}, nil
	}
	m.orderFn = func(id string) (exchange.Order, error) {
		// Default: fills completely at the ticker price.
		for _, req := range m.placed {
			return exchange.Order{
				ID:           id,
				Symbol:       req.Symbol,
				Status:       exchange.StatusFilled,
				Quantity:     req.Quantity,
				FilledQty:    req.Quantity,
				AvgFillPrice: m.tickerPrice[req.Symbol],
			}, nil
		}
		return exchange.Order{}, fmt.Errorf("unknown order %s", id)
	}
	return m
}

func (m *mockExchange) Ticker(_ context.Context, symbol string) (exchange.Ticker, error) {
	price, ok := m.tickerPrice[symbol]
	if !ok {
		return exchange.Ticker{}, &exchange.MarketDataError{Symbol: symbol, Err: fmt.Errorf("no ticker")}
	}
	return exchange.Ticker{Symbol: symbol, LastPrice: price, MarkPrice: price, Ts: time.Now()}, nil
}

func (m *mockExchange) Candles(context.Context, string, string, int) ([]exchange.Candle, error) {
	return nil, nil
}

func (m *mockExchange) FundingRate(_ context.Context, symbol string) (exchange.FundingRate, error) {
	return exchange.FundingRate{Symbol: symbol}, nil
}

func (m *mockExchange) Account(context.Context) (exchange.Account, error) {
	return m.account, nil
}

func (m *mockExchange) Positions(context.Context) ([]exchange.Position, error) {
	if len(m.positions) == 0 {
		return nil, nil
	}
	idx := m.posCalls
	if idx >= len(m.positions) {
		idx = len(m.positions) - 1
	}
	m.posCalls++
	return m.positions[idx], nil
}

func (m *mockExchange) PlaceOrder(_ context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	order, err := m.placeFn(req)
	if err == nil {
		m.placed = append(m.placed, req)
	}
	return order, err
}

func (m *mockExchange) CancelOrder(_ context.Context, orderID string) error {
	m.cancelled = append(m.cancelled, orderID)
	return nil
}

func (m *mockExchange) Order(_ context.Context, orderID string) (exchange.Order, error) {
	return m.orderFn(orderID)
}

func (m *mockExchange) SetLeverage(_ context.Context, symbol string, leverage int) error {
	m.leverages[symbol] = leverage
	return nil
}

func (m *mockExchange) ContractInfo(_ context.Context, symbol string) (exchange.ContractInfo, error) {
	info, ok := m.contracts[symbol]
	if !ok {
		return exchange.ContractInfo{}, fmt.Errorf("unknown contract %s", symbol)
	}
	return info, nil
}

func testRC() *cfg.RiskConfig {
	return &cfg.RiskConfig{
		LeverageMin:           1,
		LeverageMax:           20,
		WarningDrawdownPct:    10,
		BlockNewDrawdownPct:   15,
		ForceCloseDrawdownPct: 20,
		PeakArmThresholdPct:   5,
		PeakRetracementPct:    30,
		MaxHoldingDuration:    36 * time.Hour,
		MaxPositions:          5,
		MaxAddCount:           2,
		MaxExposureMultiple:   10,
		FeeRate:               0.0005,
		OpenSlippagePct:       0.02,
		CloseSlippagePct:      0.03,
		OrderPollAttempts:     4,
		OrderPollDelay:        time.Millisecond,
		StopLossTiers:         cfg.DefaultStopLossTiers(1, 20),
	}
}

func newTestExecutor(t *testing.T, mock *mockExchange) (*Executor, *storage.Store) {
	t.Helper()
	store, err := storage.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	return New(mock, store, testRC(), m, false), store
}
