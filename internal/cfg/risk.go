package cfg

import (
	"fmt"
	"sort"
	"time"

	"github.com/huyquangict/nof1.ai/internal/common"
)

// StopLossTier maps a leverage ceiling to the leveraged-PnL% threshold
// at or below which a position is force-closed. Tiers are evaluated in
// ascending MaxLeverage order; the first tier whose ceiling covers the
// position's leverage applies.
type StopLossTier struct {
	MaxLeverage  int     `yaml:"maxLeverage" json:"maxLeverage"`
	ThresholdPct float64 `yaml:"thresholdPct" json:"thresholdPct"`
}

// RiskConfig is the process-wide risk rule set. It is read-only during
// a tick; reload is an explicit operation.
type RiskConfig struct {
	AccountStopLossAbs   float64 `yaml:"accountStopLossAbs" json:"accountStopLossAbs"`
	AccountTakeProfitAbs float64 `yaml:"accountTakeProfitAbs" json:"accountTakeProfitAbs"`

	WarningDrawdownPct    float64 `yaml:"warningDrawdownPct" json:"warningDrawdownPct"`
	BlockNewDrawdownPct   float64 `yaml:"blockNewDrawdownPct" json:"blockNewDrawdownPct"`
	ForceCloseDrawdownPct float64 `yaml:"forceCloseDrawdownPct" json:"forceCloseDrawdownPct"`

	LeverageMin   int            `yaml:"leverageMin" json:"leverageMin"`
	LeverageMax   int            `yaml:"leverageMax" json:"leverageMax"`
	StopLossTiers []StopLossTier `yaml:"stopLossTiers" json:"stopLossTiers"`

	PeakArmThresholdPct float64 `yaml:"peakArmThresholdPct" json:"peakArmThresholdPct"`
	PeakRetracementPct  float64 `yaml:"peakRetracementPct" json:"peakRetracementPct"`

	MaxHoldingDuration  time.Duration `yaml:"-" json:"maxHoldingDuration"`
	MaxHoldingRaw       string        `yaml:"maxHolding" json:"-"`
	MaxPositions        int           `yaml:"maxPositions" json:"maxPositions"`
	MaxAddCount         int           `yaml:"maxAddCount" json:"maxAddCount"`
	MaxExposureMultiple float64       `yaml:"maxExposureMultiple" json:"maxExposureMultiple"`

	FeeRate          float64 `yaml:"feeRate" json:"feeRate"`
	OpenSlippagePct  float64 `yaml:"openSlippagePct" json:"openSlippagePct"`
	CloseSlippagePct float64 `yaml:"closeSlippagePct" json:"closeSlippagePct"`

	OrderPollAttempts int           `yaml:"orderPollAttempts" json:"orderPollAttempts"`
	OrderPollDelay    time.Duration `yaml:"-" json:"orderPollDelay"`
	OrderPollDelayRaw string        `yaml:"orderPollDelay" json:"-"`
}

// RiskConfigFile is the YAML shape of the risk section.
type RiskConfigFile = RiskConfig

func riskFromFile(rc RiskConfigFile) RiskConfig {
	out := rc
	if d, err := time.ParseDuration(rc.MaxHoldingRaw); err == nil && d > 0 {
		out.MaxHoldingDuration = d
	}
	if d, err := time.ParseDuration(rc.OrderPollDelayRaw); err == nil && d > 0 {
		out.OrderPollDelay = d
	}
	return out
}

func riskFromEnv() RiskConfig {
	return RiskConfig{
		AccountStopLossAbs:   getFloatOrDefault(common.EnvAccountStopLoss, 0),
		AccountTakeProfitAbs: getFloatOrDefault(common.EnvAccountTakeProf, 0),
		LeverageMin:          getIntOrDefault(common.EnvLeverageMin, common.DefaultLeverageMin),
		LeverageMax:          getIntOrDefault(common.EnvLeverageMax, common.DefaultLeverageMax),
		MaxPositions:         getIntOrDefault(common.EnvMaxPositions, common.DefaultMaxPositions),
		MaxExposureMultiple:  getFloatOrDefault(common.EnvMaxExposure, common.DefaultMaxExposure),
	}
}

func (rc *RiskConfig) applyDefaults() {
	if rc.WarningDrawdownPct == 0 {
		rc.WarningDrawdownPct = common.DefaultWarningDrawdownPct
	}
	if rc.BlockNewDrawdownPct == 0 {
		rc.BlockNewDrawdownPct = common.DefaultBlockNewDrawdownPct
	}
	if rc.ForceCloseDrawdownPct == 0 {
		rc.ForceCloseDrawdownPct = common.DefaultForceCloseDrawdownPct
	}
	if rc.LeverageMin == 0 {
		rc.LeverageMin = common.DefaultLeverageMin
	}
	if rc.LeverageMax == 0 {
		rc.LeverageMax = common.DefaultLeverageMax
	}
	if rc.PeakArmThresholdPct == 0 {
		rc.PeakArmThresholdPct = common.DefaultPeakArmThresholdPct
	}
	if rc.PeakRetracementPct == 0 {
		rc.PeakRetracementPct = common.DefaultPeakRetracementPct
	}
	if rc.MaxHoldingDuration == 0 {
		rc.MaxHoldingDuration = common.DefaultMaxHoldingHours * time.Hour
	}
	if rc.MaxPositions == 0 {
		rc.MaxPositions = common.DefaultMaxPositions
	}
	if rc.MaxAddCount == 0 {
		rc.MaxAddCount = common.DefaultMaxAddCount
	}
	if rc.MaxExposureMultiple == 0 {
		rc.MaxExposureMultiple = common.DefaultMaxExposure
	}
	if rc.FeeRate == 0 {
		rc.FeeRate = common.DefaultFeeRate
	}
	if rc.OpenSlippagePct == 0 {
		rc.OpenSlippagePct = common.DefaultOpenSlippagePct
	}
	if rc.CloseSlippagePct == 0 {
		rc.CloseSlippagePct = common.DefaultCloseSlippagePct
	}
	if rc.OrderPollAttempts == 0 {
		rc.OrderPollAttempts = common.DefaultOrderPollAttempts
	}
	if rc.OrderPollDelay == 0 {
		rc.OrderPollDelay = 500 * time.Millisecond
	}
	if len(rc.StopLossTiers) == 0 {
		rc.StopLossTiers = DefaultStopLossTiers(rc.LeverageMin, rc.LeverageMax)
	}
	sort.Slice(rc.StopLossTiers, func(i, j int) bool {
		return rc.StopLossTiers[i].MaxLeverage < rc.StopLossTiers[j].MaxLeverage
	})
}

// DefaultStopLossTiers derives the tier table from the strategy's
// leverage range: positions levered in the lower third of the range
// tolerate -20% leveraged PnL, the middle third -15%, the top third -10%.
func DefaultStopLossTiers(min, max int) []StopLossTier {
	if max <= min {
		return []StopLossTier{{MaxLeverage: max, ThresholdPct: -15}}
	}
	span := max - min
	low := min + span/3
	mid := min + (2*span)/3
	return []StopLossTier{
		{MaxLeverage: low, ThresholdPct: -20},
		{MaxLeverage: mid, ThresholdPct: -15},
		{MaxLeverage: max, ThresholdPct: -10},
	}
}

// StopLossThreshold returns the leveraged-PnL% stop threshold for the
// given leverage. Leverage above every tier ceiling uses the tightest
// (last) tier.
func (rc *RiskConfig) StopLossThreshold(leverage int) float64 {
	for _, tier := range rc.StopLossTiers {
		if leverage <= tier.MaxLeverage {
			return tier.ThresholdPct
		}
	}
	if n := len(rc.StopLossTiers); n > 0 {
		return rc.StopLossTiers[n-1].ThresholdPct
	}
	return -15
}

// Validate checks internal consistency of the rule set.
func (rc *RiskConfig) Validate() error {
	if rc.LeverageMin < 1 {
		return fmt.Errorf("leverageMin must be >= 1, got %d", rc.LeverageMin)
	}
	if rc.LeverageMax < rc.LeverageMin {
		return fmt.Errorf("leverageMax %d below leverageMin %d", rc.LeverageMax, rc.LeverageMin)
	}
	if rc.WarningDrawdownPct <= 0 || rc.BlockNewDrawdownPct <= rc.WarningDrawdownPct || rc.ForceCloseDrawdownPct <= rc.BlockNewDrawdownPct {
		return fmt.Errorf("drawdown thresholds must be strictly increasing: warning=%.1f blockNew=%.1f forceClose=%.1f",
			rc.WarningDrawdownPct, rc.BlockNewDrawdownPct, rc.ForceCloseDrawdownPct)
	}
	if rc.MaxHoldingDuration <= 0 {
		return fmt.Errorf("maxHolding must be positive, got %v", rc.MaxHoldingDuration)
	}
	if rc.MaxPositions < 1 {
		return fmt.Errorf("maxPositions must be >= 1, got %d", rc.MaxPositions)
	}
	if rc.MaxExposureMultiple <= 0 {
		return fmt.Errorf("maxExposureMultiple must be positive, got %f", rc.MaxExposureMultiple)
	}
	if rc.FeeRate < 0 || rc.FeeRate > 0.01 {
		return fmt.Errorf("feeRate must be between 0 and 0.01, got %f", rc.FeeRate)
	}
	if rc.OpenSlippagePct <= 0 || rc.CloseSlippagePct < rc.OpenSlippagePct {
		return fmt.Errorf("slippage tolerances must satisfy 0 < open <= close, got open=%f close=%f",
			rc.OpenSlippagePct, rc.CloseSlippagePct)
	}
	for _, tier := range rc.StopLossTiers {
		if tier.ThresholdPct >= 0 {
			return fmt.Errorf("stop-loss tier threshold must be negative, got %f for leverage <= %d",
				tier.ThresholdPct, tier.MaxLeverage)
		}
	}
	return nil
}
