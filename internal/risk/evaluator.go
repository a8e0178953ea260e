// Package risk implements the per-position close rules and the
// account-level circuit breaker. Both are pure given their inputs;
// callers persist the side effects (peak ratchet, snapshots).
package risk

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/huyquangict/nof1.ai/internal/cfg"
	"github.com/huyquangict/nof1.ai/internal/exchange"
	"github.com/huyquangict/nof1.ai/internal/storage"
)

// CloseReason identifies which rule forced a close.
type CloseReason string

const (
	ReasonNone         CloseReason = ""
	ReasonMaxHoldTime  CloseReason = "MAX_HOLD_TIME"
	ReasonStopLoss     CloseReason = "STOP_LOSS"
	ReasonTrailingStop CloseReason = "TRAILING_STOP"
	ReasonPeakDrawdown CloseReason = "PEAK_DRAWDOWN"
)

// Verdict is the outcome of evaluating one position. PeakPnlPercent is
// the post-ratchet high-water mark the caller must persist regardless
// of whether the position closes.
type Verdict struct {
	Close          bool
	Reason         CloseReason
	PnlPercent     float64
	PeakPnlPercent float64
}

// LeveragedPnlPercent is price-change% relative to entry, sign-flipped
// for shorts, multiplied by leverage. All stop/take-profit comparisons
// use this unit.
func LeveragedPnlPercent(side exchange.PositionSide, entry, price float64, leverage int) float64 {
	if entry == 0 {
		return 0
	}
	changePct := (price - entry) / entry * 100
	if side == exchange.Short {
		changePct = -changePct
	}
	return changePct * float64(leverage)
}

// trailingFloor maps the position's peak leveraged PnL% to the profit
// floor below which the trailing stop fires. Below the lowest step the
// floor degenerates to the stop-loss threshold and the trailing rule
// stays inert.
func trailingFloor(peakPnlPct, stopThreshold float64) float64 {
	switch {
	case peakPnlPct >= 25:
		return 15
	case peakPnlPct >= 15:
		return 8
	case peakPnlPct >= 8:
		return 3
	default:
		return stopThreshold
	}
}

// Evaluate runs the close rules in fixed priority order: holding-time
// expiry, leverage-tiered stop-loss, trailing take-profit, then
// peak-drawdown protection. The first match wins, but every matching
// rule is logged. The peak ratchet in the returned verdict never moves
// backward.
func Evaluate(pos *storage.Position, price float64, now time.Time, rc *cfg.RiskConfig) Verdict {
	pnlPct := LeveragedPnlPercent(pos.Side, pos.EntryPrice, price, pos.Leverage)

	peak := pos.PeakPnlPercent
	if pnlPct > peak {
		peak = pnlPct
	}

	v := Verdict{PnlPercent: pnlPct, PeakPnlPercent: peak}

	held := now.Sub(pos.OpenedAt)
	expired := held >= rc.MaxHoldingDuration

	stopThreshold := rc.StopLossThreshold(pos.Leverage)
	stopHit := pnlPct <= stopThreshold

	floor := trailingFloor(peak, stopThreshold)
	trailingHit := pnlPct < floor && floor > stopThreshold

	drawdownHit := false
	retracement := 0.0
	if peak > rc.PeakArmThresholdPct {
		retracement = (peak - pnlPct) / peak * 100
		drawdownHit = retracement >= rc.PeakRetracementPct
	}

	switch {
	case expired:
		log.Warn().Str("symbol", pos.Symbol).Dur("held", held).Msg("holding time expired")
	case stopHit:
		log.Warn().Str("symbol", pos.Symbol).Float64("pnl_pct", pnlPct).Float64("threshold", stopThreshold).Msg("stop-loss hit")
	case trailingHit:
		log.Warn().Str("symbol", pos.Symbol).Float64("pnl_pct", pnlPct).Float64("floor", floor).Msg("trailing stop hit")
	case drawdownHit:
		log.Warn().Str("symbol", pos.Symbol).Float64("retracement_pct", retracement).Msg("peak drawdown hit")
	default:
		log.Debug().
			Str("symbol", pos.Symbol).
			Str("side", string(pos.Side)).
			Float64("pnl_pct", pnlPct).
			Float64("peak_pnl_pct", peak).
			Msg("position within risk limits")
	}

	// Later rules that also matched still get a trace entry so audits
	// can see near-misses.
	if expired && stopHit {
		log.Debug().Str("symbol", pos.Symbol).Msg("stop-loss also matched behind holding-time expiry")
	}
	if (expired || stopHit) && trailingHit {
		log.Debug().Str("symbol", pos.Symbol).Msg("trailing stop also matched behind a higher-priority rule")
	}
	if (expired || stopHit || trailingHit) && drawdownHit {
		log.Debug().Str("symbol", pos.Symbol).Msg("peak drawdown also matched behind a higher-priority rule")
	}

	switch {
	case expired:
		v.Close, v.Reason = true, ReasonMaxHoldTime
	case stopHit:
		v.Close, v.Reason = true, ReasonStopLoss
	case trailingHit:
		v.Close, v.Reason = true, ReasonTrailingStop
	case drawdownHit:
		v.Close, v.Reason = true, ReasonPeakDrawdown
	}
	return v
}
