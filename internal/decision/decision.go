// Package decision defines the contract between the engine and the
// external decision generator: the engine hands over a consistent
// snapshot, the generator returns a free-form rationale plus zero or
// more structured trade intents. The engine executes intents exactly
// as given, subject to its own pre-trade guards; it may reject an
// intent but never silently alters its parameters.
package decision

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/huyquangict/nof1.ai/internal/exchange"
	"github.com/huyquangict/nof1.ai/internal/storage"
)

// IntentKind distinguishes the structured intents a generator may emit.
type IntentKind string

const (
	IntentOpen  IntentKind = "open"
	IntentClose IntentKind = "close"
)

// Intent is one structured trade instruction. Open intents carry side,
// leverage, and quote-currency size; close intents carry the percentage
// of the position to unwind (100 closes fully).
type Intent struct {
	Kind        IntentKind            `json:"kind"`
	Symbol      string                `json:"symbol"`
	Side        exchange.PositionSide `json:"side,omitempty"`
	Leverage    int                   `json:"leverage,omitempty"`
	AmountQuote float64               `json:"amountQuote,omitempty"`
	Percentage  float64               `json:"percentage,omitempty"`
}

// Validate checks intent shape before it reaches the executor. The
// executor re-validates the trading guards; this only rejects
// structurally meaningless intents.
func (i Intent) Validate() error {
	if i.Symbol == "" {
		return fmt.Errorf("intent missing symbol")
	}
	switch i.Kind {
	case IntentOpen:
		if i.Side != exchange.Long && i.Side != exchange.Short {
			return fmt.Errorf("open intent for %s has invalid side %q", i.Symbol, i.Side)
		}
		if i.Leverage <= 0 {
			return fmt.Errorf("open intent for %s has non-positive leverage %d", i.Symbol, i.Leverage)
		}
		if i.AmountQuote <= 0 || math.IsNaN(i.AmountQuote) || math.IsInf(i.AmountQuote, 0) {
			return fmt.Errorf("open intent for %s has invalid amount %v", i.Symbol, i.AmountQuote)
		}
	case IntentClose:
		if i.Percentage <= 0 || i.Percentage > 100 {
			return fmt.Errorf("close intent for %s has invalid percentage %v", i.Symbol, i.Percentage)
		}
	default:
		return fmt.Errorf("unknown intent kind %q", i.Kind)
	}
	return nil
}

// Decision is the generator's full answer for one tick.
type Decision struct {
	Rationale string   `json:"rationale"`
	Intents   []Intent `json:"intents"`
}

// SortIntents orders a decision batch for execution: closes first, then
// opens, each group in stable symbol order. Freeing margin before
// committing it keeps the exposure guard honest within a batch.
func SortIntents(intents []Intent) {
	rank := func(k IntentKind) int {
		if k == IntentClose {
			return 0
		}
		return 1
	}
	sort.SliceStable(intents, func(a, b int) bool {
		if rank(intents[a].Kind) != rank(intents[b].Kind) {
			return rank(intents[a].Kind) < rank(intents[b].Kind)
		}
		return intents[a].Symbol < intents[b].Symbol
	})
}

// MarketState is the per-symbol market context included in a snapshot.
type MarketState struct {
	Symbol      string  `json:"symbol"`
	LastPrice   float64 `json:"lastPrice"`
	MarkPrice   float64 `json:"markPrice"`
	FundingRate float64 `json:"fundingRate"`
}

// Snapshot is the consistent view handed to the generator each tick.
type Snapshot struct {
	Timestamp     time.Time             `json:"timestamp"`
	Iteration     uint64                `json:"iteration"`
	Market        []MarketState         `json:"market"`
	Account       exchange.Account      `json:"account"`
	Positions     []storage.Position    `json:"positions"`
	RecentTrades  []storage.Trade       `json:"recentTrades"`
	RecentAudits  []storage.AuditRecord `json:"recentDecisions"`
	BlockNewOpens bool                  `json:"blockNewOpens"`
}

// Generator produces a decision from a snapshot. Implementations must
// honor the context deadline.
type Generator interface {
	Generate(ctx context.Context, snap Snapshot) (Decision, error)
}
