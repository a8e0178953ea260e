package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huyquangict/nof1.ai/internal/common"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONFIG_FILE", common.EnvAPIKey, common.EnvSecretKey, common.EnvSymbols,
		common.EnvBaseURL, common.EnvWsURL, common.EnvDryRun, common.EnvForceLiveTrading,
		common.EnvTickInterval, common.EnvMetricsPort, common.EnvLeverageMax,
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(common.EnvAPIKey, "k")
	t.Setenv(common.EnvSecretKey, "s")
	t.Setenv(common.EnvSymbols, "BTCUSDT,ETHUSDT")
	t.Setenv(common.EnvDryRun, "true")

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, s.Symbols)
	assert.Equal(t, 5*time.Minute, s.TickInterval)
	assert.Equal(t, common.DefaultMetricsPort, s.MetricsPort)
	assert.Equal(t, 36*time.Hour, s.Risk.MaxHoldingDuration)
	assert.Equal(t, common.DefaultMaxAddCount, s.Risk.MaxAddCount)
	assert.True(t, s.DryRun)
}

func TestLoadMissingCredentials(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	require.Error(t, err)
}

func TestLiveTradingRequiresExplicitOptIn(t *testing.T) {
	clearEnv(t)
	t.Setenv(common.EnvAPIKey, "k")
	t.Setenv(common.EnvSecretKey, "s")
	t.Setenv(common.EnvDryRun, "false")

	_, err := Load()
	require.ErrorContains(t, err, "FORCE_LIVE_TRADING")

	t.Setenv(common.EnvForceLiveTrading, "true")
	_, err = Load()
	require.NoError(t, err)
}

func TestLoadFromYAML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
api:
  key: yaml-key
  secret: yaml-secret
  baseURL: https://fapi.example.com
  wsURL: wss://fapi.example.com/public
trading:
  symbols: [BTCUSDT, SOLUSDT]
  tickInterval: 3m
  dryRun: true
risk:
  leverageMin: 1
  leverageMax: 20
  maxHolding: 36h
  maxPositions: 4
  accountStopLossAbs: 500
system:
  pingInterval: 15s
  restTimeout: 5s
  metricsPort: 9100
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	t.Setenv("CONFIG_FILE", path)

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "yaml-key", s.Key)
	assert.Equal(t, []string{"BTCUSDT", "SOLUSDT"}, s.Symbols)
	assert.Equal(t, 3*time.Minute, s.TickInterval)
	assert.Equal(t, 9100, s.MetricsPort)
	assert.Equal(t, 4, s.Risk.MaxPositions)
	assert.Equal(t, 500.0, s.Risk.AccountStopLossAbs)
	assert.Equal(t, 36*time.Hour, s.Risk.MaxHoldingDuration)
}

func TestEnvOverridesYAMLSecrets(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
api:
  key: yaml-key
  secret: yaml-secret
  baseURL: https://fapi.example.com
  wsURL: wss://fapi.example.com/public
trading:
  dryRun: true
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv(common.EnvAPIKey, "env-key")

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "env-key", s.Key)
	assert.Equal(t, "yaml-secret", s.Secret)
}

func TestStopLossThresholdTiers(t *testing.T) {
	rc := RiskConfig{LeverageMin: 1, LeverageMax: 20}
	rc.applyDefaults()

	// span 19: low band <= 7, mid band <= 13, top band <= 20.
	assert.Equal(t, -20.0, rc.StopLossThreshold(3))
	assert.Equal(t, -15.0, rc.StopLossThreshold(10))
	assert.Equal(t, -10.0, rc.StopLossThreshold(20))
	// Above all ceilings falls into the tightest tier.
	assert.Equal(t, -10.0, rc.StopLossThreshold(25))
}

func TestRiskValidation(t *testing.T) {
	rc := RiskConfig{LeverageMin: 1, LeverageMax: 20}
	rc.applyDefaults()
	require.NoError(t, rc.Validate())

	bad := rc
	bad.BlockNewDrawdownPct = bad.WarningDrawdownPct
	assert.Error(t, bad.Validate())

	bad = rc
	bad.LeverageMax = 0
	assert.Error(t, bad.Validate())

	bad = rc
	bad.StopLossTiers = []StopLossTier{{MaxLeverage: 20, ThresholdPct: 5}}
	assert.Error(t, bad.Validate())
}
