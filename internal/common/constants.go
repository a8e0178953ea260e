package common

// Trading symbols
const (
	BTCUSDTSymbol = "BTCUSDT"
	ETHUSDTSymbol = "ETHUSDT"
	SOLUSDTSymbol = "SOLUSDT"
	BNBUSDTSymbol = "BNBUSDT"
	XRPUSDTSymbol = "XRPUSDT"
)

// Environment variable keys
const (
	EnvAPIKey           = "EXCHANGE_API_KEY"
	EnvSecretKey        = "EXCHANGE_SECRET_KEY"
	EnvForceLiveTrading = "FORCE_LIVE_TRADING"
	EnvSymbols          = "SYMBOLS"
	EnvBaseURL          = "BASE_URL"
	EnvWsURL            = "WS_URL"
	EnvDataPath         = "DATA_PATH"
	EnvDryRun           = "DRY_RUN"
	EnvMetricsPort      = "METRICS_PORT"
	EnvTickInterval     = "TICK_INTERVAL"
	EnvRESTTimeout      = "REST_TIMEOUT"
	EnvPingInterval     = "PING_INTERVAL"
	EnvLeverageMin      = "LEVERAGE_MIN"
	EnvLeverageMax      = "LEVERAGE_MAX"
	EnvMaxPositions     = "MAX_POSITIONS"
	EnvMaxExposure      = "MAX_EXPOSURE_MULTIPLE"
	EnvAccountStopLoss  = "ACCOUNT_STOP_LOSS"
	EnvAccountTakeProf  = "ACCOUNT_TAKE_PROFIT"
	EnvLLMBaseURL       = "LLM_BASE_URL"
	EnvLLMAPIKey        = "LLM_API_KEY"
	EnvLLMModel         = "LLM_MODEL"
)

// Configuration defaults
const (
	DefaultBaseURL      = "https://fapi.bitunix.com"
	DefaultWsURL        = "wss://fapi.bitunix.com/public"
	DefaultMetricsPort  = 8080
	DefaultLeverageMin  = 1
	DefaultLeverageMax  = 20
	DefaultMaxPositions = 5
	DefaultMaxExposure  = 10.0 // total open notional <= 10x account equity
	DefaultFeeRate      = 0.0005
	DefaultMaxAddCount  = 2
)

// Risk defaults, percentages unless stated otherwise
const (
	DefaultWarningDrawdownPct    = 10.0
	DefaultBlockNewDrawdownPct   = 15.0
	DefaultForceCloseDrawdownPct = 20.0
	DefaultPeakRetracementPct    = 30.0
	DefaultPeakArmThresholdPct   = 5.0
	DefaultMaxHoldingHours       = 36
)

// Order execution defaults
const (
	DefaultOrderPollAttempts = 4
	DefaultOpenSlippagePct   = 0.02
	DefaultCloseSlippagePct  = 0.03
	DefaultReconcileRetries  = 2
	DefaultDecisionRetries   = 3
)

// Common error messages
const (
	ErrMsgAPIKeyRequired           = "API key and secret are required"
	ErrMsgBaseURLRequired          = "base URL cannot be empty"
	ErrMsgSymbolRequired           = "at least one trading symbol must be specified"
	ErrMsgForceLiveTradingRequired = "live trading requires FORCE_LIVE_TRADING=true environment variable"
)
