package exec

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/huyquangict/nof1.ai/internal/risk"
	"github.com/huyquangict/nof1.ai/internal/storage"
)

// Reconcile overwrites local position state with exchange-reported
// truth. The exchange is authoritative for existence and quantity;
// local rows keep the metadata the exchange does not return (opened-at,
// linked order ids, the peak ratchet). A zero-positions read while
// local rows exist is treated as a transient-read signal and requires a
// confirming re-read before anything is deleted.
func (e *Executor) Reconcile(ctx context.Context) error {
	local, err := e.store.Positions()
	if err != nil {
		return fmt.Errorf("read local positions: %w", err)
	}

	live, err := e.ex.Positions(ctx)
	if err != nil {
		return &ReconciliationAmbiguity{LocalCount: len(local), ExchangeCount: -1, Err: err}
	}

	if len(live) == 0 && len(local) > 0 {
		e.m.ReconcileRetries.Inc()
		log.Warn().Int("local", len(local)).Msg("exchange reported zero positions, re-reading before deletion")

		confirm, err := e.ex.Positions(ctx)
		if err != nil {
			return &ReconciliationAmbiguity{LocalCount: len(local), ExchangeCount: 0, Err: err}
		}
		if len(confirm) > 0 {
			live = confirm
		}
		// A confirmed second zero read is accepted as truth below.
	}

	liveBySymbol := make(map[string]int, len(live))
	for i := range live {
		liveBySymbol[live[i].Symbol] = i
	}

	for _, row := range local {
		idx, ok := liveBySymbol[row.Symbol]
		if !ok {
			// Closed externally (liquidation, manual close). The trade
			// history still holds whatever we recorded; the row goes.
			log.Warn().Str("symbol", row.Symbol).Msg("position gone on exchange, removing local row")
			e.m.ReconcileDivergence.Inc()
			if err := e.store.DeletePosition(row.Symbol); err != nil {
				return fmt.Errorf("delete reconciled position %s: %w", row.Symbol, err)
			}
			continue
		}

		lp := live[idx]
		delete(liveBySymbol, row.Symbol)

		if row.Quantity != lp.Quantity || row.Side != lp.Side {
			e.m.ReconcileDivergence.Inc()
			log.Info().
				Str("symbol", row.Symbol).
				Float64("local_qty", row.Quantity).
				Float64("live_qty", lp.Quantity).
				Msg("adjusting local position to exchange state")
		}

		row.Side = lp.Side
		row.Quantity = lp.Quantity
		if lp.EntryPrice > 0 {
			row.EntryPrice = lp.EntryPrice
		}
		if lp.MarkPrice > 0 {
			row.CurrentPrice = lp.MarkPrice
		}
		if lp.Leverage > 0 {
			row.Leverage = lp.Leverage
		}
		row.LiquidationPrice = lp.LiquidationPrice
		row.UnrealizedPnl = lp.UnrealizedPnl

		// Keep the peak ratchet moving with the freshest price.
		if row.EntryPrice > 0 && row.CurrentPrice > 0 {
			pnlPct := risk.LeveragedPnlPercent(row.Side, row.EntryPrice, row.CurrentPrice, row.Leverage)
			if pnlPct > row.PeakPnlPercent {
				row.PeakPnlPercent = pnlPct
			}
		}

		if err := e.store.SavePosition(row); err != nil {
			return fmt.Errorf("persist reconciled position %s: %w", row.Symbol, err)
		}
	}

	// Positions the exchange knows about that we have no row for:
	// adopt them so risk evaluation covers them from the next pass.
	for _, idx := range liveBySymbol {
		lp := live[idx]
		e.m.ReconcileDivergence.Inc()
		log.Warn().Str("symbol", lp.Symbol).Msg("adopting exchange position with no local row")

		if err := e.store.SavePosition(storage.Position{
			Symbol:           lp.Symbol,
			Side:             lp.Side,
			Quantity:         lp.Quantity,
			EntryPrice:       lp.EntryPrice,
			CurrentPrice:     lp.MarkPrice,
			Leverage:         lp.Leverage,
			LiquidationPrice: lp.LiquidationPrice,
			UnrealizedPnl:    lp.UnrealizedPnl,
			OpenedAt:         e.now(),
		}); err != nil {
			return fmt.Errorf("adopt position %s: %w", lp.Symbol, err)
		}
	}

	count, err := e.store.Positions()
	if err == nil {
		e.m.ActivePositions.Set(float64(len(count)))
	}
	return nil
}
