package engine

import (
	"github.com/rs/zerolog/log"

	"github.com/huyquangict/nof1.ai/internal/pnl"
	"github.com/huyquangict/nof1.ai/internal/storage"
)

// FixHistoricalPnl re-runs the notional-alias corrector across every
// persisted close trade. The corrector is a fixed point, so the job is
// safe to run repeatedly; it only tightens correctness and never adds
// trades. Rows written before the multiplier was recorded fall back to
// the registry; mults may be nil. Returns the number of rows rewritten.
func (c *Controller) FixHistoricalPnl(mults *pnl.Multipliers) (int, error) {
	trades, err := c.store.AllTrades()
	if err != nil {
		return 0, err
	}

	fixed := 0
	for _, trade := range trades {
		if trade.Type != storage.TradeClose || trade.Pnl == nil {
			continue
		}

		multiplier := trade.Multiplier
		if multiplier <= 0 && mults != nil {
			if m, err := mults.Lookup(trade.Symbol); err == nil {
				multiplier = m
			}
		}
		if multiplier <= 0 || trade.EntryPrice <= 0 {
			// Not enough data to re-derive the expected PnL. Fail
			// closed: leave the row alone rather than guess.
			log.Warn().
				Str("order_id", trade.OrderID).
				Str("symbol", trade.Symbol).
				Msg("close trade missing multiplier or entry price, skipping correction")
			continue
		}

		corrected, wasCorrected := pnl.Correct(
			*trade.Pnl, trade.Side, trade.EntryPrice, trade.Price,
			trade.Quantity, multiplier, c.rc.FeeRate,
		)
		if !wasCorrected {
			continue
		}

		log.Info().
			Str("order_id", trade.OrderID).
			Str("symbol", trade.Symbol).
			Float64("recorded_pnl", *trade.Pnl).
			Float64("corrected_pnl", corrected).
			Msg("rewriting close trade with corrected pnl")

		trade.Pnl = &corrected
		trade.Multiplier = multiplier
		trade.Corrected = true
		if err := c.store.SaveTrade(trade); err != nil {
			return fixed, err
		}
		c.m.PnlCorrections.Inc()
		fixed++
	}
	return fixed, nil
}
