package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/huyquangict/nof1.ai/internal/cfg"
	"github.com/huyquangict/nof1.ai/internal/exchange"
	"github.com/huyquangict/nof1.ai/internal/storage"
)

func testRiskConfig() *cfg.RiskConfig {
	return &cfg.RiskConfig{
		LeverageMin:           1,
		LeverageMax:           20,
		WarningDrawdownPct:    10,
		BlockNewDrawdownPct:   15,
		ForceCloseDrawdownPct: 20,
		PeakArmThresholdPct:   5,
		PeakRetracementPct:    30,
		MaxHoldingDuration:    36 * time.Hour,
		StopLossTiers:         cfg.DefaultStopLossTiers(1, 20),
	}
}

func position(side exchange.PositionSide, entry float64, leverage int, openedAt time.Time) *storage.Position {
	return &storage.Position{
		Symbol:     "BTCUSDT",
		Side:       side,
		Quantity:   1,
		EntryPrice: entry,
		Leverage:   leverage,
		OpenedAt:   openedAt,
	}
}

func TestLeveragedPnlPercent(t *testing.T) {
	assert.InDelta(t, 8.0, LeveragedPnlPercent(exchange.Long, 100, 100.8, 10), 1e-9)
	assert.InDelta(t, -8.0, LeveragedPnlPercent(exchange.Short, 100, 100.8, 10), 1e-9)
	assert.InDelta(t, 8.0, LeveragedPnlPercent(exchange.Short, 100, 99.2, 10), 1e-9)
	assert.Equal(t, 0.0, LeveragedPnlPercent(exchange.Long, 0, 100, 10))
}

func TestHoldingTimeHardCap(t *testing.T) {
	rc := testRiskConfig()
	now := time.Now()
	pos := position(exchange.Long, 100, 10, now.Add(-36*time.Hour))
	// Deep in profit, but the time cap wins regardless of PnL.
	pos.PeakPnlPercent = 40

	v := Evaluate(pos, 104, now, rc)
	assert.True(t, v.Close)
	assert.Equal(t, ReasonMaxHoldTime, v.Reason)

	fresh := position(exchange.Long, 100, 10, now.Add(-35*time.Hour))
	v = Evaluate(fresh, 104, now, rc)
	assert.False(t, v.Close)
}

func TestLeverageTieredStopLoss(t *testing.T) {
	rc := testRiskConfig()
	now := time.Now()

	// leverage 20 -> tier threshold -10. Price change -0.5% -> PnL -10%.
	pos := position(exchange.Long, 100, 20, now)
	v := Evaluate(pos, 99.5, now, rc)
	assert.True(t, v.Close)
	assert.Equal(t, ReasonStopLoss, v.Reason)

	// leverage 3 -> threshold -20. Same -10% leveraged loss survives.
	pos = position(exchange.Long, 100, 3, now)
	v = Evaluate(pos, 100-100*(10.0/3.0)/100, now, rc)
	assert.False(t, v.Close, "pnl=-10%% must survive the -20%% tier")
}

func TestTrailingStopScenario(t *testing.T) {
	rc := testRiskConfig()
	now := time.Now()
	pos := position(exchange.Long, 100, 10, now)

	// First observation: +0.8% price -> +8% leveraged PnL, floor becomes 3.
	v := Evaluate(pos, 100.8, now, rc)
	assert.False(t, v.Close)
	assert.InDelta(t, 8.0, v.PeakPnlPercent, 1e-9)
	pos.PeakPnlPercent = v.PeakPnlPercent

	// PnL drops to +2% (< floor 3) -> trailing stop fires.
	v = Evaluate(pos, 100.2, now, rc)
	assert.True(t, v.Close)
	assert.Equal(t, ReasonTrailingStop, v.Reason)
}

func TestTrailingFloorSteps(t *testing.T) {
	assert.Equal(t, 15.0, trailingFloor(25, -10))
	assert.Equal(t, 8.0, trailingFloor(15, -10))
	assert.Equal(t, 3.0, trailingFloor(8, -10))
	assert.Equal(t, -10.0, trailingFloor(7.9, -10))
}

func TestPeakDrawdownProtection(t *testing.T) {
	rc := testRiskConfig()
	now := time.Now()

	// Peak 10%, current 7% -> 30% retracement, inclusive boundary fires.
	pos := position(exchange.Long, 100, 10, now)
	pos.PeakPnlPercent = 10
	v := Evaluate(pos, 100.7, now, rc)
	assert.True(t, v.Close)
	assert.Equal(t, ReasonPeakDrawdown, v.Reason)

	// Not armed below the 5% peak threshold.
	pos = position(exchange.Long, 100, 10, now)
	pos.PeakPnlPercent = 4
	v = Evaluate(pos, 100.1, now, rc)
	assert.False(t, v.Close)
}

func TestPeakRatchetIsMonotonic(t *testing.T) {
	rc := testRiskConfig()
	now := time.Now()
	pos := position(exchange.Long, 100, 10, now)

	prices := []float64{100.2, 100.5, 100.3, 100.6, 100.1, 100.4}
	peak := 0.0
	for _, p := range prices {
		v := Evaluate(pos, p, now, rc)
		assert.GreaterOrEqual(t, v.PeakPnlPercent, peak, "ratchet must never move backward")
		peak = v.PeakPnlPercent
		pos.PeakPnlPercent = v.PeakPnlPercent
	}
	assert.InDelta(t, 6.0, peak, 1e-9) // best observation: +0.6% x 10
}

func TestShortSideStopLoss(t *testing.T) {
	rc := testRiskConfig()
	now := time.Now()

	// Short at 100, price rises 0.5% with 20x -> -10% leveraged PnL.
	pos := position(exchange.Short, 100, 20, now)
	v := Evaluate(pos, 100.5, now, rc)
	assert.True(t, v.Close)
	assert.Equal(t, ReasonStopLoss, v.Reason)
}
