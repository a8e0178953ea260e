package risk

import (
	"fmt"

	"github.com/huyquangict/nof1.ai/internal/cfg"
)

// GuardLevel is the account-level circuit breaker state.
type GuardLevel int

const (
	GuardNormal GuardLevel = iota
	GuardWarn
	GuardBlockNew
	GuardForceClose
)

func (l GuardLevel) String() string {
	switch l {
	case GuardWarn:
		return "warn"
	case GuardBlockNew:
		return "block_new_positions"
	case GuardForceClose:
		return "force_close_all"
	default:
		return "normal"
	}
}

// GuardResult carries the circuit breaker outcome for one tick.
type GuardResult struct {
	Level           GuardLevel
	Reason          string
	DrawdownPct     float64
	AbsoluteTrigger bool
}

// GuardAccount evaluates the account circuit breaker. The absolute
// stop-loss/take-profit floor and ceiling are checked first and trigger
// force-close-all regardless of drawdown; otherwise drawdown from peak
// selects the level, evaluated force-close first with inclusive
// boundaries.
func GuardAccount(equity, peak float64, rc *cfg.RiskConfig) GuardResult {
	if rc.AccountStopLossAbs > 0 && equity <= rc.AccountStopLossAbs {
		return GuardResult{
			Level:           GuardForceClose,
			Reason:          fmt.Sprintf("account value %.2f breached absolute stop loss %.2f", equity, rc.AccountStopLossAbs),
			AbsoluteTrigger: true,
		}
	}
	if rc.AccountTakeProfitAbs > 0 && equity >= rc.AccountTakeProfitAbs {
		return GuardResult{
			Level:           GuardForceClose,
			Reason:          fmt.Sprintf("account value %.2f reached absolute take profit %.2f", equity, rc.AccountTakeProfitAbs),
			AbsoluteTrigger: true,
		}
	}

	if peak <= 0 {
		return GuardResult{Level: GuardNormal}
	}

	drawdown := (peak - equity) / peak * 100
	res := GuardResult{DrawdownPct: drawdown}

	switch {
	case drawdown >= rc.ForceCloseDrawdownPct:
		res.Level = GuardForceClose
		res.Reason = fmt.Sprintf("drawdown %.2f%% >= force-close threshold %.2f%%", drawdown, rc.ForceCloseDrawdownPct)
	case drawdown >= rc.BlockNewDrawdownPct:
		res.Level = GuardBlockNew
		res.Reason = fmt.Sprintf("drawdown %.2f%% >= block-new threshold %.2f%%", drawdown, rc.BlockNewDrawdownPct)
	case drawdown >= rc.WarningDrawdownPct:
		res.Level = GuardWarn
		res.Reason = fmt.Sprintf("drawdown %.2f%% >= warning threshold %.2f%%", drawdown, rc.WarningDrawdownPct)
	default:
		res.Level = GuardNormal
	}
	return res
}
