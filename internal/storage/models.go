package storage

import (
	"time"

	"github.com/huyquangict/nof1.ai/internal/exchange"
)

// Position is one open exposure, at most one row per symbol. Created on
// a confirmed opening fill, mutated on every reconciliation tick and on
// adds, removed on full close. The local row is authoritative for
// metadata (OpenedAt, order ids, peak ratchet); the exchange is
// authoritative for existence and quantity.
type Position struct {
	Symbol           string                `json:"symbol"`
	Side             exchange.PositionSide `json:"side"`
	Quantity         float64               `json:"quantity"`
	EntryPrice       float64               `json:"entryPrice"`
	CurrentPrice     float64               `json:"currentPrice"`
	Leverage         int                   `json:"leverage"`
	LiquidationPrice float64               `json:"liquidationPrice"`
	UnrealizedPnl    float64               `json:"unrealizedPnl"`
	PeakPnlPercent   float64               `json:"peakPnlPercent"`
	OpenedAt         time.Time             `json:"openedAt"`
	StopLoss         float64               `json:"stopLoss,omitempty"`
	ProfitTarget     float64               `json:"profitTarget,omitempty"`
	AddCount         int                   `json:"addCount"`
	OrderIDs         []string              `json:"orderIds,omitempty"`
}

// TradeType distinguishes opening from closing fills.
type TradeType string

const (
	TradeOpen  TradeType = "open"
	TradeClose TradeType = "close"
)

// Trade is an append-only ledger entry for an executed fill. Pnl is nil
// for opens. EntryPrice and Multiplier are kept on close trades so the
// corrector can re-derive the expected net PnL later. Estimated marks
// fills recorded from best-known values after the poll budget ran out.
type Trade struct {
	OrderID    string                `json:"orderId"`
	Symbol     string                `json:"symbol"`
	Side       exchange.PositionSide `json:"side"`
	Type       TradeType             `json:"type"`
	Price      float64               `json:"price"`
	EntryPrice float64               `json:"entryPrice,omitempty"`
	Quantity   float64               `json:"quantity"`
	Leverage   int                   `json:"leverage"`
	Multiplier float64               `json:"multiplier"`
	Fee        float64               `json:"fee"`
	Pnl        *float64              `json:"pnl"`
	Reason     string                `json:"reason,omitempty"`
	Status     string                `json:"status"`
	Estimated  bool                  `json:"estimated,omitempty"`
	Corrected  bool                  `json:"corrected,omitempty"`
	Timestamp  time.Time             `json:"timestamp"`
}

// AccountSnapshot is a periodic immutable record of account state.
// TotalBalance is realized wallet balance; unrealized PnL is carried
// separately (the adapter boundary enforces this).
type AccountSnapshot struct {
	Timestamp        time.Time `json:"timestamp"`
	TotalBalance     float64   `json:"totalBalance"`
	AvailableBalance float64   `json:"availableBalance"`
	UnrealizedPnl    float64   `json:"unrealizedPnl"`
	RealizedPnl      float64   `json:"realizedPnl"`
	ReturnPercent    float64   `json:"returnPercent"`
}

// AuditRecord is the per-tick audit trail. Recent records are fed back
// into the decision snapshot so the model sees its own history.
type AuditRecord struct {
	Timestamp     time.Time `json:"timestamp"`
	Iteration     uint64    `json:"iteration"`
	MarketDigest  string    `json:"marketDigest"`
	DecisionText  string    `json:"decisionText"`
	Actions       []string  `json:"actions"`
	AccountValue  float64   `json:"accountValue"`
	PositionCount int       `json:"positionCount"`
}
