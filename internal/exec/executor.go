// Package exec places and reconciles orders against an eventually
// consistent exchange. It owns the pre-trade guards, the fill-polling
// state machine, the slippage guard with best-effort rollback, and the
// anti-flicker reconciliation of exchange state into the local ledger.
package exec

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/huyquangict/nof1.ai/internal/cfg"
	"github.com/huyquangict/nof1.ai/internal/common"
	"github.com/huyquangict/nof1.ai/internal/exchange"
	"github.com/huyquangict/nof1.ai/internal/metrics"
	"github.com/huyquangict/nof1.ai/internal/pnl"
	"github.com/huyquangict/nof1.ai/internal/storage"
)

// Executor runs individual trade attempts. It never mutates position
// state before an order resolves, so an aborted attempt leaves the
// ledger exactly as it found it.
type Executor struct {
	ex     exchange.Client
	store  *storage.Store
	rc     *cfg.RiskConfig
	m      *metrics.Metrics
	dryRun bool
	now    func() time.Time
}

// New builds an executor.
func New(ex exchange.Client, store *storage.Store, rc *cfg.RiskConfig, m *metrics.Metrics, dryRun bool) *Executor {
	return &Executor{ex: ex, store: store, rc: rc, m: m, dryRun: dryRun, now: time.Now}
}

// OpenRequest is a validated-at-execution-time open or add intent.
type OpenRequest struct {
	Symbol      string
	Side        exchange.PositionSide
	Leverage    int
	AmountQuote float64
}

// CloseRequest unwinds part or all of an open position. Reason records
// which rule or decision requested the close.
type CloseRequest struct {
	Symbol     string
	Percentage float64
	Reason     string
}

// Open validates, sizes, places, and confirms an opening (or adding)
// market order, then persists the resulting position and trade rows.
func (e *Executor) Open(ctx context.Context, req OpenRequest) error {
	if err := e.validateOpen(req); err != nil {
		e.m.OrderRejections.WithLabelValues("validation").Inc()
		return err
	}

	info, err := e.ex.ContractInfo(ctx, req.Symbol)
	if err != nil {
		return fmt.Errorf("contract info for %s: %w", req.Symbol, err)
	}
	if info.Multiplier <= 0 {
		// Fail closed on missing contract metadata rather than assume
		// a unit multiplier.
		return fmt.Errorf("open %s: %w", req.Symbol, pnl.ErrMissingMultiplier)
	}

	ticker, err := e.ex.Ticker(ctx, req.Symbol)
	if err != nil {
		return err
	}
	price := ticker.LastPrice

	existing, err := e.localPosition(req.Symbol)
	if err != nil {
		return err
	}

	if err := e.checkGuards(ctx, req, existing, price, info.Multiplier); err != nil {
		e.m.OrderRejections.WithLabelValues("guard").Inc()
		return err
	}

	quantity, err := e.sizeOrder(req, price, info)
	if err != nil {
		e.m.OrderRejections.WithLabelValues("size").Inc()
		return err
	}

	if !e.dryRun {
		if err := e.ex.SetLeverage(ctx, req.Symbol, req.Leverage); err != nil {
			return &ExecutionError{Symbol: req.Symbol, Err: fmt.Errorf("set leverage: %w", err)}
		}
	}

	order, estimated, err := e.placeAndConfirm(ctx, exchange.OrderRequest{
		Symbol:   req.Symbol,
		Side:     exchange.OpenSide(req.Side),
		Quantity: quantity,
		ClientID: uuid.NewString(),
	}, price)
	if err != nil {
		return err
	}
	e.m.OrdersTotal.WithLabelValues("open").Inc()

	fillPrice := order.AvgFillPrice
	if fillPrice <= 0 {
		fillPrice = price
	}
	fillQty := order.FilledQty
	if fillQty <= 0 {
		fillQty = quantity
	}

	// Opens are strict about slippage: reject and unwind rather than
	// start the position from a price the strategy never asked for.
	if slip := math.Abs(fillPrice-price) / price; slip > e.rc.OpenSlippagePct {
		e.m.SlippageRejections.Inc()
		rolledBack := e.rollback(ctx, req.Symbol, req.Side, fillQty)
		rej := &SlippageRejection{
			Symbol:       req.Symbol,
			RequestPrice: price,
			FillPrice:    fillPrice,
			Tolerance:    e.rc.OpenSlippagePct,
			RolledBack:   rolledBack,
		}
		log.Error().Err(rej).Str("symbol", req.Symbol).Msg("open rejected on slippage")
		return rej
	}

	fee := pnl.Fee(fillPrice, fillQty, info.Multiplier, e.rc.FeeRate)
	now := e.now()

	if err := e.store.SaveTrade(storage.Trade{
		OrderID:    order.ID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       storage.TradeOpen,
		Price:      fillPrice,
		Quantity:   fillQty,
		Leverage:   req.Leverage,
		Multiplier: info.Multiplier,
		Fee:        fee,
		Status:     string(order.Status),
		Estimated:  estimated,
		Timestamp:  now,
	}); err != nil {
		return fmt.Errorf("persist open trade: %w", err)
	}

	pos := e.mergePosition(existing, req, fillPrice, fillQty, order.ID, now)
	if err := e.store.SavePosition(pos); err != nil {
		return fmt.Errorf("persist position: %w", err)
	}

	log.Info().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Int("leverage", req.Leverage).
		Float64("quantity", fillQty).
		Float64("fill_price", fillPrice).
		Float64("fee", fee).
		Bool("estimated", estimated).
		Bool("add", existing != nil).
		Msg("position opened")
	return nil
}

// Close unwinds percentage of the live exchange position (100 closes
// fully). The live position, not the local cache, decides quantity so a
// stale row cannot trigger an oversized close.
func (e *Executor) Close(ctx context.Context, req CloseRequest) error {
	if req.Percentage <= 0 || req.Percentage > 100 {
		return rejectf(req.Symbol, "close percentage %v out of (0,100]", req.Percentage)
	}

	local, err := e.localPosition(req.Symbol)
	if err != nil {
		return err
	}

	live, err := e.livePosition(ctx, req.Symbol)
	if err != nil {
		return err
	}
	if live == nil && local != nil {
		// A zero read against a known local row is a transient-read
		// signal, same as in Reconcile: confirm with a second read
		// before anything is deleted.
		e.m.ReconcileRetries.Inc()
		log.Warn().Str("symbol", req.Symbol).Msg("exchange reported no position on close, re-reading before deletion")
		live, err = e.livePosition(ctx, req.Symbol)
		if err != nil {
			return err
		}
	}
	if live == nil {
		// Confirmed flat on the exchange. Drop the stale local row and
		// let the audit trail show why.
		log.Warn().Str("symbol", req.Symbol).Str("reason", req.Reason).Msg("close requested but exchange reports no position")
		return e.store.DeletePosition(req.Symbol)
	}

	info, err := e.ex.ContractInfo(ctx, req.Symbol)
	if err != nil {
		return fmt.Errorf("contract info for %s: %w", req.Symbol, err)
	}
	if info.Multiplier <= 0 {
		return fmt.Errorf("close %s: %w", req.Symbol, pnl.ErrMissingMultiplier)
	}

	quantity := live.Quantity * req.Percentage / 100
	if info.LotStep > 0 {
		quantity = math.Floor(quantity/info.LotStep) * info.LotStep
	}
	// A partial close that would strand dust below the minimum order
	// size becomes a full close.
	if remaining := live.Quantity - quantity; remaining > 0 && remaining < info.MinQty {
		quantity = live.Quantity
	}
	if quantity <= 0 {
		return rejectf(req.Symbol, "close quantity rounds to zero (live %v, pct %v)", live.Quantity, req.Percentage)
	}

	entryPrice := live.EntryPrice
	leverage := live.Leverage
	if local != nil {
		if local.EntryPrice > 0 {
			entryPrice = local.EntryPrice
		}
		if local.Leverage > 0 {
			leverage = local.Leverage
		}
	}

	refPrice := live.MarkPrice
	if refPrice <= 0 {
		if t, err := e.ex.Ticker(ctx, req.Symbol); err == nil {
			refPrice = t.LastPrice
		} else {
			refPrice = entryPrice
		}
	}

	order, estimated, err := e.placeAndConfirm(ctx, exchange.OrderRequest{
		Symbol:     req.Symbol,
		Side:       exchange.CloseSide(live.Side),
		Quantity:   quantity,
		ReduceOnly: true,
		ClientID:   uuid.NewString(),
	}, refPrice)
	if err != nil {
		return err
	}
	e.m.OrdersTotal.WithLabelValues("close").Inc()

	fillPrice := order.AvgFillPrice
	if fillPrice <= 0 {
		fillPrice = refPrice
	}
	fillQty := order.FilledQty
	if fillQty <= 0 {
		fillQty = quantity
	}

	// Closes may be forced risk exits; excessive slippage is logged,
	// never blocked.
	if slip := math.Abs(fillPrice-refPrice) / refPrice; slip > e.rc.CloseSlippagePct {
		log.Warn().
			Str("symbol", req.Symbol).
			Float64("request_price", refPrice).
			Float64("fill_price", fillPrice).
			Float64("slippage_pct", slip*100).
			Msg("close filled outside slippage tolerance")
	}

	// Net PnL comes from the actual fill, and every close write runs
	// through the notional-alias corrector.
	net := pnl.Net(live.Side, entryPrice, fillPrice, fillQty, info.Multiplier, e.rc.FeeRate)
	corrected, wasCorrected := pnl.Correct(net, live.Side, entryPrice, fillPrice, fillQty, info.Multiplier, e.rc.FeeRate)
	if wasCorrected {
		e.m.PnlCorrections.Inc()
	}
	fee := pnl.Fee(fillPrice, fillQty, info.Multiplier, e.rc.FeeRate)
	now := e.now()

	if err := e.store.SaveTrade(storage.Trade{
		OrderID:    order.ID,
		Symbol:     req.Symbol,
		Side:       live.Side,
		Type:       storage.TradeClose,
		Price:      fillPrice,
		EntryPrice: entryPrice,
		Quantity:   fillQty,
		Leverage:   leverage,
		Multiplier: info.Multiplier,
		Fee:        fee,
		Pnl:        &corrected,
		Reason:     req.Reason,
		Status:     string(order.Status),
		Estimated:  estimated,
		Corrected:  wasCorrected,
		Timestamp:  now,
	}); err != nil {
		return fmt.Errorf("persist close trade: %w", err)
	}

	if local != nil {
		e.cancelResidualOrders(ctx, local.OrderIDs)
	}

	if fillQty >= live.Quantity {
		if err := e.store.DeletePosition(req.Symbol); err != nil {
			return fmt.Errorf("remove closed position: %w", err)
		}
	} else if local != nil {
		local.Quantity = live.Quantity - fillQty
		local.CurrentPrice = fillPrice
		if err := e.store.SavePosition(*local); err != nil {
			return fmt.Errorf("persist reduced position: %w", err)
		}
	}

	log.Info().
		Str("symbol", req.Symbol).
		Str("reason", req.Reason).
		Float64("quantity", fillQty).
		Float64("fill_price", fillPrice).
		Float64("pnl", corrected).
		Bool("pnl_corrected", wasCorrected).
		Bool("estimated", estimated).
		Msg("position closed")
	return nil
}

func (e *Executor) validateOpen(req OpenRequest) error {
	if req.Symbol == "" {
		return rejectf(req.Symbol, "missing symbol")
	}
	if req.Side != exchange.Long && req.Side != exchange.Short {
		return rejectf(req.Symbol, "invalid side %q", req.Side)
	}
	if req.AmountQuote <= 0 || math.IsNaN(req.AmountQuote) || math.IsInf(req.AmountQuote, 0) {
		return rejectf(req.Symbol, "amount %v is not a finite positive number", req.AmountQuote)
	}
	if req.Leverage < e.rc.LeverageMin || req.Leverage > e.rc.LeverageMax {
		return rejectf(req.Symbol, "leverage %d outside [%d,%d]", req.Leverage, e.rc.LeverageMin, e.rc.LeverageMax)
	}
	return nil
}

// checkGuards re-validates the pre-trade guards at execution time; the
// snapshot the decision was made from may already be stale.
func (e *Executor) checkGuards(ctx context.Context, req OpenRequest, existing *storage.Position, price, multiplier float64) error {
	positions, err := e.store.Positions()
	if err != nil {
		return fmt.Errorf("read local positions: %w", err)
	}

	if existing != nil {
		if existing.Side != req.Side {
			return rejectf(req.Symbol, "opposite-direction open while %s position exists; close it first", existing.Side)
		}
		if existing.AddCount >= e.rc.MaxAddCount {
			return rejectf(req.Symbol, "add count %d reached limit %d", existing.AddCount, e.rc.MaxAddCount)
		}
		existingNotional := existing.Quantity * price * multiplier
		if addNotional := req.AmountQuote * float64(req.Leverage); addNotional > existingNotional*0.5 {
			return rejectf(req.Symbol, "add notional %.2f exceeds 50%% of existing notional %.2f", addNotional, existingNotional)
		}
	} else if len(positions) >= e.rc.MaxPositions {
		return rejectf(req.Symbol, "position count %d reached limit %d", len(positions), e.rc.MaxPositions)
	}

	account, err := e.ex.Account(ctx)
	if err != nil {
		return fmt.Errorf("read account: %w", err)
	}

	var openNotional float64
	for _, pos := range positions {
		p := pos.CurrentPrice
		if p <= 0 {
			p = pos.EntryPrice
		}
		mult := multiplier
		if pos.Symbol != req.Symbol {
			info, err := e.ex.ContractInfo(ctx, pos.Symbol)
			if err != nil {
				return fmt.Errorf("contract info for %s: %w", pos.Symbol, err)
			}
			mult = info.Multiplier
		}
		openNotional += pos.Quantity * p * mult
	}
	newNotional := req.AmountQuote * float64(req.Leverage)
	if limit := e.rc.MaxExposureMultiple * account.Equity(); openNotional+newNotional > limit {
		return rejectf(req.Symbol, "total notional %.2f would exceed exposure limit %.2f", openNotional+newNotional, limit)
	}
	return nil
}

func (e *Executor) sizeOrder(req OpenRequest, price float64, info exchange.ContractInfo) (float64, error) {
	quantity := req.AmountQuote * float64(req.Leverage) / (price * info.Multiplier)
	if info.LotStep > 0 {
		quantity = math.Floor(quantity/info.LotStep) * info.LotStep
	}
	if quantity < info.MinQty || quantity <= 0 {
		return 0, rejectf(req.Symbol, "quantity %.10g below exchange minimum %.10g", quantity, info.MinQty)
	}
	return quantity, nil
}

// placeAndConfirm places a market order and polls for a final status
// within the fixed budget. On exhaustion it degrades to best-known
// values and reports estimated=true so auditors can tell confirmed from
// estimated fills.
func (e *Executor) placeAndConfirm(ctx context.Context, req exchange.OrderRequest, refPrice float64) (exchange.Order, bool, error) {
	if e.dryRun {
		log.Info().Str("symbol", req.Symbol).Str("side", string(req.Side)).Float64("quantity", req.Quantity).Msg("dry run, order not sent")
		return exchange.Order{
			ID:           "dry-" + req.ClientID,
			ClientID:     req.ClientID,
			Symbol:       req.Symbol,
			Side:         req.Side,
			Status:       exchange.StatusFilled,
			Quantity:     req.Quantity,
			FilledQty:    req.Quantity,
			AvgFillPrice: refPrice,
			CreatedAt:    e.now(),
		}, false, nil
	}

	placed, err := e.ex.PlaceOrder(ctx, req)
	if err != nil {
		return exchange.Order{}, false, &ExecutionError{Symbol: req.Symbol, Err: err}
	}

	start := e.now()
	final := placed
	err = common.Retry(ctx, e.rc.OrderPollAttempts, e.rc.OrderPollDelay, nil, func() error {
		order, err := e.ex.Order(ctx, placed.ID)
		if err != nil {
			return err
		}
		final = order
		if !order.Status.Final() {
			return fmt.Errorf("order %s still %s", placed.ID, order.Status)
		}
		return nil
	})
	e.m.OrderPollDuration.Observe(e.now().Sub(start).Seconds())

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return exchange.Order{}, false, &ExecutionError{Symbol: req.Symbol, OrderID: placed.ID, Err: ctxErr}
		}
		// Poll budget exhausted. The order may still fill; proceed with
		// the best-known values and flag the result as estimated.
		e.m.OrderPollExhausted.Inc()
		log.Warn().
			Str("symbol", req.Symbol).
			Str("order_id", placed.ID).
			Str("status", string(final.Status)).
			Msg("poll budget exhausted, recording estimated fill")
		return final, true, nil
	}

	switch final.Status {
	case exchange.StatusRejected, exchange.StatusCancelled:
		return exchange.Order{}, false, &ExecutionError{
			Symbol:  req.Symbol,
			OrderID: placed.ID,
			Err:     fmt.Errorf("order finished %s without filling", final.Status),
		}
	}
	return final, false, nil
}

// rollback places a best-effort compensating reduce-only order after a
// slippage rejection. Failure to roll back is logged, not escalated;
// the rejection itself is already surfaced to the caller.
func (e *Executor) rollback(ctx context.Context, symbol string, side exchange.PositionSide, quantity float64) bool {
	if e.dryRun {
		return true
	}
	_, err := e.ex.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:     symbol,
		Side:       exchange.CloseSide(side),
		Quantity:   quantity,
		ReduceOnly: true,
		ClientID:   uuid.NewString(),
	})
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("slippage rollback order failed")
		return false
	}
	return true
}

// cancelResidualOrders cancels linked orders that are still open. Orders
// are queried first; cancelling an already-finished order is never
// attempted.
func (e *Executor) cancelResidualOrders(ctx context.Context, orderIDs []string) {
	for _, id := range orderIDs {
		order, err := e.ex.Order(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("order_id", id).Msg("residual order lookup failed")
			continue
		}
		if order.Status.Final() {
			continue
		}
		if err := e.ex.CancelOrder(ctx, id); err != nil {
			log.Warn().Err(err).Str("order_id", id).Msg("residual order cancel failed")
		}
	}
}

func (e *Executor) localPosition(symbol string) (*storage.Position, error) {
	pos, err := e.store.Position(symbol)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read position %s: %w", symbol, err)
	}
	return &pos, nil
}

func (e *Executor) livePosition(ctx context.Context, symbol string) (*exchange.Position, error) {
	positions, err := e.ex.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("read live positions: %w", err)
	}
	for i := range positions {
		if positions[i].Symbol == symbol {
			return &positions[i], nil
		}
	}
	return nil, nil
}

// mergePosition folds a confirmed opening fill into the local row:
// fresh open creates it, an add recomputes the weighted entry price and
// bumps the add counter.
func (e *Executor) mergePosition(existing *storage.Position, req OpenRequest, fillPrice, fillQty float64, orderID string, now time.Time) storage.Position {
	if existing == nil {
		return storage.Position{
			Symbol:       req.Symbol,
			Side:         req.Side,
			Quantity:     fillQty,
			EntryPrice:   fillPrice,
			CurrentPrice: fillPrice,
			Leverage:     req.Leverage,
			OpenedAt:     now,
			OrderIDs:     []string{orderID},
		}
	}

	pos := *existing
	totalQty := pos.Quantity + fillQty
	pos.EntryPrice = (pos.EntryPrice*pos.Quantity + fillPrice*fillQty) / totalQty
	pos.Quantity = totalQty
	pos.CurrentPrice = fillPrice
	pos.AddCount++
	pos.OrderIDs = append(pos.OrderIDs, orderID)
	return pos
}
