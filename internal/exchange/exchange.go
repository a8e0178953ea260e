// Package exchange defines the normalized capability contract the core
// consumes. Concrete adapters (see the bitunix subpackage) translate
// exchange-native payloads into these types before anything reaches the
// risk or execution logic, so the core never branches on payload shape
// and never assumes a contract multiplier without a ContractInfo lookup.
package exchange

import (
	"context"
	"fmt"
	"math"
	"time"
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
)

// Opposite returns the other direction.
func (s PositionSide) Opposite() PositionSide {
	if s == Long {
		return Short
	}
	return Long
}

// OrderSide is the exchange-native order direction.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OpenSide returns the order side that opens a position in direction s.
func OpenSide(s PositionSide) OrderSide {
	if s == Long {
		return Buy
	}
	return Sell
}

// CloseSide returns the order side that closes a position in direction s.
func CloseSide(s PositionSide) OrderSide {
	if s == Long {
		return Sell
	}
	return Buy
}

// OrderStatus is the normalized lifecycle state of an order.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusUnknown         OrderStatus = "UNKNOWN"
)

// Final reports whether the status is terminal. Cancelling a finished
// order is a no-op the adapter must never attempt.
func (s OrderStatus) Final() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// Ticker is a point-in-time price observation.
type Ticker struct {
	Symbol    string
	LastPrice float64
	MarkPrice float64
	Ts        time.Time
}

// Candle is one normalized OHLCV bar.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// FundingRate is the current funding rate for a perpetual symbol.
type FundingRate struct {
	Symbol      string
	Rate        float64
	NextFunding time.Time
}

// Account is the normalized account state. TotalBalance is the realized
// wallet balance; unrealized PnL is carried separately and only ever
// folded in via Equity. This is the one place that decision is made.
type Account struct {
	TotalBalance     float64
	AvailableBalance float64
	UnrealizedPnl    float64
}

// Equity returns realized balance plus unrealized PnL.
func (a Account) Equity() float64 {
	return a.TotalBalance + a.UnrealizedPnl
}

// Position is an exchange-reported open exposure. Adapters return only
// positions with non-zero quantity.
type Position struct {
	Symbol           string
	Side             PositionSide
	Quantity         float64
	EntryPrice       float64
	MarkPrice        float64
	Leverage         int
	LiquidationPrice float64
	UnrealizedPnl    float64
}

// OrderRequest describes an order to place. Price zero means market.
type OrderRequest struct {
	Symbol     string
	Side       OrderSide
	Quantity   float64
	Price      float64
	ReduceOnly bool
	ClientID   string
}

// Order is the normalized state of a placed order.
type Order struct {
	ID           string
	ClientID     string
	Symbol       string
	Side         OrderSide
	Status       OrderStatus
	Quantity     float64
	FilledQty    float64
	AvgFillPrice float64
	Fee          float64
	CreatedAt    time.Time
}

// ContractInfo carries per-symbol contract metadata. Multiplier is the
// quanto multiplier converting contracts into underlying quantity.
type ContractInfo struct {
	Symbol     string
	Multiplier float64
	LotStep    float64
	MinQty     float64
}

// Client is the capability set the core requires from an exchange.
type Client interface {
	Ticker(ctx context.Context, symbol string) (Ticker, error)
	Candles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	FundingRate(ctx context.Context, symbol string) (FundingRate, error)
	Account(ctx context.Context) (Account, error)
	Positions(ctx context.Context) ([]Position, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	Order(ctx context.Context, orderID string) (Order, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	ContractInfo(ctx context.Context, symbol string) (ContractInfo, error)
}

// MarketDataError marks a failed or non-finite market-data read. The
// controller skips the affected symbol for the tick instead of aborting.
type MarketDataError struct {
	Symbol string
	Err    error
}

func (e *MarketDataError) Error() string {
	return fmt.Sprintf("market data for %s: %v", e.Symbol, e.Err)
}

func (e *MarketDataError) Unwrap() error { return e.Err }

// ValidatePrice rejects zero, negative, NaN and infinite prices at the
// adapter boundary.
func ValidatePrice(symbol string, price float64) error {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return &MarketDataError{Symbol: symbol, Err: fmt.Errorf("non-finite or zero price %v", price)}
	}
	return nil
}
