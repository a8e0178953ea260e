// Package pnl holds the pure PnL and fee math for multiplier-based
// contracts, including the corrector for close trades whose recorded
// PnL was aliased to full notional value.
package pnl

import (
	"fmt"
	"math"
	"sync"

	"github.com/huyquangict/nof1.ai/internal/exchange"
)

// DefaultFeeRate is the taker fee per leg.
const DefaultFeeRate = 0.0005

// ErrMissingMultiplier is returned when a symbol has no registered
// contract multiplier. Callers must fail closed rather than assume 1.
var ErrMissingMultiplier = fmt.Errorf("contract multiplier not registered")

// Fee is the fee for one leg: price x quantity x multiplier x rate.
func Fee(price, quantity, multiplier, rate float64) float64 {
	return price * quantity * multiplier * rate
}

// Gross is the realized PnL before fees.
func Gross(side exchange.PositionSide, entry, exit, quantity, multiplier float64) float64 {
	gross := (exit - entry) * quantity * multiplier
	if side == exchange.Short {
		gross = -gross
	}
	return gross
}

// Net is gross PnL minus the open and close leg fees.
func Net(side exchange.PositionSide, entry, exit, quantity, multiplier, rate float64) float64 {
	openFee := Fee(entry, quantity, multiplier, rate)
	closeFee := Fee(exit, quantity, multiplier, rate)
	return Gross(side, entry, exit, quantity, multiplier) - openFee - closeFee
}

// RoundTripFee is the sum of the open and close leg fees.
func RoundTripFee(entry, exit, quantity, multiplier, rate float64) float64 {
	return Fee(entry, quantity, multiplier, rate) + Fee(exit, quantity, multiplier, rate)
}

// Correct checks a caller-supplied close PnL against the known aliasing
// bug where PnL is recorded as full notional value (exit x qty x
// multiplier). If the supplied value sits closer to notional than to
// the expected net PnL it is replaced. The substitution is a fixed
// point: correcting a corrected value changes nothing. This check is
// mandatory before any persisted write of a close trade.
func Correct(supplied float64, side exchange.PositionSide, entry, exit, quantity, multiplier, rate float64) (float64, bool) {
	notional := exit * quantity * multiplier
	expected := Net(side, entry, exit, quantity, multiplier, rate)

	if math.Abs(supplied-notional) < math.Abs(supplied-expected) {
		return expected, true
	}
	return supplied, false
}

// Multipliers is the per-symbol contract multiplier registry, fed from
// exchange ContractInfo lookups. Lookup of an unregistered symbol is a
// data-quality error, never a silent default.
type Multipliers struct {
	mu sync.RWMutex
	m  map[string]float64
}

func NewMultipliers() *Multipliers {
	return &Multipliers{m: make(map[string]float64)}
}

// Register records the multiplier for a symbol.
func (r *Multipliers) Register(symbol string, multiplier float64) error {
	if multiplier <= 0 || math.IsNaN(multiplier) || math.IsInf(multiplier, 0) {
		return fmt.Errorf("invalid multiplier %v for %s", multiplier, symbol)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[symbol] = multiplier
	return nil
}

// Lookup returns the registered multiplier or ErrMissingMultiplier.
func (r *Multipliers) Lookup(symbol string) (float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mult, ok := r.m[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingMultiplier, symbol)
	}
	return mult, nil
}
