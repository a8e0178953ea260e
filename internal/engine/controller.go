// Package engine orchestrates the position lifecycle: one tick runs the
// account guard, the per-position risk rules, forced closes, the
// external decision generator, intent execution, a final
// reconciliation, and the audit record. Ticks never overlap.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/huyquangict/nof1.ai/internal/cfg"
	"github.com/huyquangict/nof1.ai/internal/decision"
	"github.com/huyquangict/nof1.ai/internal/exchange"
	"github.com/huyquangict/nof1.ai/internal/exec"
	"github.com/huyquangict/nof1.ai/internal/metrics"
	"github.com/huyquangict/nof1.ai/internal/risk"
	"github.com/huyquangict/nof1.ai/internal/storage"
)

// ErrHalted signals a fatal condition: the account circuit breaker
// fired force-close-all, or persistence failed unrecoverably. The
// scheduler stops; a human restarts the process.
var ErrHalted = errors.New("engine halted")

// Controller runs one tick at a time over explicit dependencies. It
// holds no ambient global state.
type Controller struct {
	ex      exchange.Client
	store   *storage.Store
	rc      *cfg.RiskConfig
	exec    *exec.Executor
	gen     decision.Generator
	m       *metrics.Metrics
	prices  *PriceCache
	symbols []string

	iteration uint64
	now       func() time.Time
}

// New builds a controller. gen may be nil; the engine then runs risk
// rules and reconciliation only.
func New(ex exchange.Client, store *storage.Store, rc *cfg.RiskConfig, executor *exec.Executor, gen decision.Generator, m *metrics.Metrics, prices *PriceCache, symbols []string) *Controller {
	return &Controller{
		ex:      ex,
		store:   store,
		rc:      rc,
		exec:    executor,
		gen:     gen,
		m:       m,
		prices:  prices,
		symbols: symbols,
		now:     time.Now,
	}
}

// Tick runs one full pass. A returned ErrHalted stops the scheduler;
// any other error aborts only this tick.
func (c *Controller) Tick(ctx context.Context) error {
	start := c.now()
	c.iteration++
	defer func() {
		c.m.TickDuration.Observe(c.now().Sub(start).Seconds())
		c.m.TicksTotal.Inc()
	}()

	log.Info().Uint64("iteration", c.iteration).Msg("tick started")

	// Reconcile first so the guard and risk rules see ground truth, not
	// whatever the previous tick left cached.
	if err := c.exec.Reconcile(ctx); err != nil {
		var amb *exec.ReconciliationAmbiguity
		if !errors.As(err, &amb) {
			return fmt.Errorf("pre-tick reconcile: %w", err)
		}
		// Ambiguity keeps local state untouched; proceed on it.
		log.Warn().Err(err).Msg("reconciliation ambiguous, continuing on local state")
		c.m.ErrorsTotal.Inc()
	}

	account, err := c.ex.Account(ctx)
	if err != nil {
		return fmt.Errorf("read account: %w", err)
	}
	equity := account.Equity()

	peak, err := c.store.PeakEquity()
	if err != nil {
		return fmt.Errorf("read peak equity: %w", err)
	}
	if equity > peak {
		peak = equity
	}

	guard := risk.GuardAccount(equity, peak, c.rc)
	c.m.AccountDrawdown.Set(guard.DrawdownPct)
	c.m.GuardLevel.Set(float64(guard.Level))
	if guard.Level != risk.GuardNormal {
		log.Warn().
			Str("level", guard.Level.String()).
			Str("reason", guard.Reason).
			Float64("equity", equity).
			Float64("peak", peak).
			Msg("account guard tripped")
	}

	var actions []string

	if guard.Level == risk.GuardForceClose {
		actions = append(actions, c.closeAll(ctx, guard.Reason)...)
		c.saveSnapshot(account)
		c.saveAudit("account guard: "+guard.Reason, "", actions, equity, 0)
		return fmt.Errorf("%w: %s", ErrHalted, guard.Reason)
	}

	actions = append(actions, c.evaluatePositions(ctx)...)

	c.saveSnapshot(account)

	var rationale string
	if c.gen != nil {
		rationale, actions = c.runDecision(ctx, account, guard.Level, actions)
	}

	if err := c.exec.Reconcile(ctx); err != nil {
		log.Warn().Err(err).Msg("post-execution reconcile failed")
		c.m.ErrorsTotal.Inc()
	}

	positions, _ := c.store.Positions()
	c.saveAudit(rationale, c.marketDigest(ctx), actions, equity, len(positions))

	log.Info().
		Uint64("iteration", c.iteration).
		Int("actions", len(actions)).
		Int("positions", len(positions)).
		Float64("equity", equity).
		Msg("tick finished")
	return nil
}

// evaluatePositions runs the risk rules over every open position in
// ascending symbol order, persisting peak-ratchet updates even for
// positions that stay open.
func (c *Controller) evaluatePositions(ctx context.Context) []string {
	var actions []string

	positions, err := c.store.Positions()
	if err != nil {
		log.Error().Err(err).Msg("cannot read positions for risk evaluation")
		c.m.ErrorsTotal.Inc()
		return actions
	}

	for _, pos := range positions {
		price, err := c.freshPrice(ctx, pos.Symbol)
		if err != nil {
			// Market-data failures skip the symbol, never the tick.
			log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("no usable price, skipping symbol this tick")
			c.m.ErrorsTotal.Inc()
			continue
		}

		verdict := risk.Evaluate(&pos, price, c.now(), c.rc)

		if verdict.PeakPnlPercent > pos.PeakPnlPercent || price != pos.CurrentPrice {
			pos.PeakPnlPercent = verdict.PeakPnlPercent
			pos.CurrentPrice = price
			if err := c.store.SavePosition(pos); err != nil {
				log.Error().Err(err).Str("symbol", pos.Symbol).Msg("persisting peak ratchet failed")
				c.m.ErrorsTotal.Inc()
			}
		}

		if !verdict.Close {
			continue
		}

		if err := c.exec.Close(ctx, exec.CloseRequest{
			Symbol:     pos.Symbol,
			Percentage: 100,
			Reason:     string(verdict.Reason),
		}); err != nil {
			log.Error().Err(err).Str("symbol", pos.Symbol).Msg("forced close failed")
			c.m.ErrorsTotal.Inc()
			continue
		}
		c.m.ForcedCloses.WithLabelValues(string(verdict.Reason)).Inc()
		actions = append(actions, fmt.Sprintf("forced close %s: %s (pnl %.2f%%)", pos.Symbol, verdict.Reason, verdict.PnlPercent))
	}
	return actions
}

// runDecision hands the snapshot to the generator and executes the
// returned intents, closes before opens. Guard levels are honored at
// execution time: block-new drops open intents but closes still run.
func (c *Controller) runDecision(ctx context.Context, account exchange.Account, level risk.GuardLevel, actions []string) (string, []string) {
	blockNew := level >= risk.GuardBlockNew

	snap, err := c.buildSnapshot(ctx, account, blockNew)
	if err != nil {
		log.Error().Err(err).Msg("building decision snapshot failed")
		c.m.ErrorsTotal.Inc()
		return "", actions
	}

	c.m.DecisionCalls.Inc()
	dec, err := c.gen.Generate(ctx, snap)
	if err != nil {
		c.m.DecisionFails.Inc()
		log.Error().Err(err).Msg("decision generator failed, proceeding without intents")
		return "", actions
	}

	decision.SortIntents(dec.Intents)
	for _, intent := range dec.Intents {
		switch intent.Kind {
		case decision.IntentClose:
			err = c.exec.Close(ctx, exec.CloseRequest{
				Symbol:     intent.Symbol,
				Percentage: intent.Percentage,
				Reason:     "decision",
			})
			if err == nil {
				actions = append(actions, fmt.Sprintf("close %s %.0f%%", intent.Symbol, intent.Percentage))
			}
		case decision.IntentOpen:
			if blockNew {
				log.Warn().Str("symbol", intent.Symbol).Msg("open intent dropped: new positions blocked by account guard")
				actions = append(actions, fmt.Sprintf("blocked open %s", intent.Symbol))
				continue
			}
			err = c.exec.Open(ctx, exec.OpenRequest{
				Symbol:      intent.Symbol,
				Side:        intent.Side,
				Leverage:    intent.Leverage,
				AmountQuote: intent.AmountQuote,
			})
			if err == nil {
				actions = append(actions, fmt.Sprintf("open %s %s %dx %.2f", intent.Symbol, intent.Side, intent.Leverage, intent.AmountQuote))
			}
		}
		if err != nil {
			log.Error().Err(err).Str("symbol", intent.Symbol).Str("kind", string(intent.Kind)).Msg("intent execution failed")
			c.m.ErrorsTotal.Inc()
			actions = append(actions, fmt.Sprintf("rejected %s %s: %v", intent.Kind, intent.Symbol, err))
		}
	}
	return dec.Rationale, actions
}

// closeAll unwinds every open position. Used only by the account-level
// force-close path.
func (c *Controller) closeAll(ctx context.Context, reason string) []string {
	var actions []string

	positions, err := c.store.Positions()
	if err != nil {
		log.Error().Err(err).Msg("cannot read positions for force-close-all")
		return actions
	}
	for _, pos := range positions {
		if err := c.exec.Close(ctx, exec.CloseRequest{
			Symbol:     pos.Symbol,
			Percentage: 100,
			Reason:     "FORCE_CLOSE_ALL",
		}); err != nil {
			log.Error().Err(err).Str("symbol", pos.Symbol).Msg("force-close failed")
			c.m.ErrorsTotal.Inc()
			continue
		}
		c.m.ForcedCloses.WithLabelValues("FORCE_CLOSE_ALL").Inc()
		actions = append(actions, "force close "+pos.Symbol+": "+reason)
	}
	return actions
}

// freshPrice prefers the WebSocket cache, falling back to a REST
// ticker. Both paths validate before the price reaches risk math.
func (c *Controller) freshPrice(ctx context.Context, symbol string) (float64, error) {
	if c.prices != nil {
		if t, ok := c.prices.Get(symbol); ok {
			return t.LastPrice, nil
		}
	}
	t, err := c.ex.Ticker(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return t.LastPrice, nil
}

func (c *Controller) buildSnapshot(ctx context.Context, account exchange.Account, blockNew bool) (decision.Snapshot, error) {
	positions, err := c.store.Positions()
	if err != nil {
		return decision.Snapshot{}, fmt.Errorf("read positions: %w", err)
	}
	trades, err := c.store.RecentTrades(20)
	if err != nil {
		return decision.Snapshot{}, fmt.Errorf("read recent trades: %w", err)
	}
	audits, err := c.store.RecentAudits(5)
	if err != nil {
		return decision.Snapshot{}, fmt.Errorf("read recent audits: %w", err)
	}

	var market []decision.MarketState
	for _, symbol := range c.symbols {
		state := decision.MarketState{Symbol: symbol}
		var ticker exchange.Ticker
		ok := false
		if c.prices != nil {
			ticker, ok = c.prices.Get(symbol)
		}
		if !ok {
			t, err := c.ex.Ticker(ctx, symbol)
			if err != nil {
				log.Warn().Err(err).Str("symbol", symbol).Msg("no market data for snapshot")
				continue
			}
			ticker = t
		}
		state.LastPrice = ticker.LastPrice
		state.MarkPrice = ticker.MarkPrice
		if fr, err := c.ex.FundingRate(ctx, symbol); err == nil {
			state.FundingRate = fr.Rate
		}
		market = append(market, state)
	}

	return decision.Snapshot{
		Timestamp:     c.now(),
		Iteration:     c.iteration,
		Market:        market,
		Account:       account,
		Positions:     positions,
		RecentTrades:  trades,
		RecentAudits:  audits,
		BlockNewOpens: blockNew,
	}, nil
}

func (c *Controller) saveSnapshot(account exchange.Account) {
	snap := storage.AccountSnapshot{
		Timestamp:        c.now(),
		TotalBalance:     account.TotalBalance,
		AvailableBalance: account.AvailableBalance,
		UnrealizedPnl:    account.UnrealizedPnl,
	}
	if first, err := c.store.FirstSnapshot(); err == nil && first.TotalBalance > 0 {
		snap.RealizedPnl = account.TotalBalance - first.TotalBalance
		snap.ReturnPercent = (account.Equity() - first.TotalBalance) / first.TotalBalance * 100
	}
	if err := c.store.SaveSnapshot(snap); err != nil {
		log.Error().Err(err).Msg("persisting account snapshot failed")
		c.m.ErrorsTotal.Inc()
	}
}

func (c *Controller) saveAudit(decisionText, digest string, actions []string, equity float64, positionCount int) {
	if err := c.store.SaveAudit(storage.AuditRecord{
		Timestamp:     c.now(),
		Iteration:     c.iteration,
		MarketDigest:  digest,
		DecisionText:  decisionText,
		Actions:       actions,
		AccountValue:  equity,
		PositionCount: positionCount,
	}); err != nil {
		log.Error().Err(err).Msg("persisting audit record failed")
		c.m.ErrorsTotal.Inc()
	}
}

// marketDigest is a compact per-symbol price summary recorded with each
// audit row.
func (c *Controller) marketDigest(ctx context.Context) string {
	var parts []string
	for _, symbol := range c.symbols {
		if price, err := c.freshPrice(ctx, symbol); err == nil {
			parts = append(parts, fmt.Sprintf("%s=%.8g", symbol, price))
		}
	}
	return strings.Join(parts, ";")
}
