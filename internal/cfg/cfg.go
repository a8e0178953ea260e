package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/huyquangict/nof1.ai/internal/common"
)

type Settings struct {
	Key, Secret string
	Symbols     []string
	BaseURL     string
	WsURL       string
	Ping        time.Duration
	RESTTimeout time.Duration
	DataPath    string
	MetricsPort int
	DryRun      bool

	TickInterval time.Duration

	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string

	Risk RiskConfig
}

type ConfigFile struct {
	API struct {
		Key     string `yaml:"key"`
		Secret  string `yaml:"secret"`
		BaseURL string `yaml:"baseURL"`
		WsURL   string `yaml:"wsURL"`
	} `yaml:"api"`

	Trading struct {
		Symbols      []string `yaml:"symbols"`
		TickInterval string   `yaml:"tickInterval"`
		DryRun       bool     `yaml:"dryRun"`
	} `yaml:"trading"`

	Risk RiskConfigFile `yaml:"risk"`

	LLM struct {
		BaseURL string `yaml:"baseURL"`
		APIKey  string `yaml:"apiKey"`
		Model   string `yaml:"model"`
	} `yaml:"llm"`

	System struct {
		DataPath     string `yaml:"dataPath"`
		PingInterval string `yaml:"pingInterval"`
		MetricsPort  int    `yaml:"metricsPort"`
		RESTTimeout  string `yaml:"restTimeout"`
	} `yaml:"system"`
}

func Load() (Settings, error) {
	if configPath := os.Getenv("CONFIG_FILE"); configPath != "" {
		return loadFromYAML(configPath)
	}
	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	ping, err := time.ParseDuration(config.System.PingInterval)
	if err != nil {
		ping = 15 * time.Second
	}
	restTimeout, err := time.ParseDuration(config.System.RESTTimeout)
	if err != nil {
		restTimeout = 5 * time.Second
	}
	tickInterval, err := time.ParseDuration(config.Trading.TickInterval)
	if err != nil {
		tickInterval = 5 * time.Minute
	}

	// Secrets from the environment always win over the file.
	key := getEnvOrDefault(common.EnvAPIKey, config.API.Key)
	secret := getEnvOrDefault(common.EnvSecretKey, config.API.Secret)

	settings := Settings{
		Key:          key,
		Secret:       secret,
		Symbols:      getSymbolsFromEnvOrConfig(config.Trading.Symbols),
		BaseURL:      getEnvOrDefault(common.EnvBaseURL, config.API.BaseURL),
		WsURL:        getEnvOrDefault(common.EnvWsURL, config.API.WsURL),
		Ping:         ping,
		RESTTimeout:  restTimeout,
		DataPath:     getEnvOrDefault(common.EnvDataPath, config.System.DataPath),
		MetricsPort:  getIntFromEnvOrConfig(common.EnvMetricsPort, config.System.MetricsPort),
		DryRun:       getBoolFromEnvOrConfig(common.EnvDryRun, config.Trading.DryRun),
		TickInterval: tickInterval,
		LLMBaseURL:   getEnvOrDefault(common.EnvLLMBaseURL, config.LLM.BaseURL),
		LLMAPIKey:    getEnvOrDefault(common.EnvLLMAPIKey, config.LLM.APIKey),
		LLMModel:     getEnvOrDefault(common.EnvLLMModel, config.LLM.Model),
		Risk:         riskFromFile(config.Risk),
	}
	applyDefaults(&settings)

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

func loadFromEnv() (Settings, error) {
	key, err := getEnvRequired(common.EnvAPIKey)
	if err != nil {
		return Settings{}, err
	}
	secret, err := getEnvRequired(common.EnvSecretKey)
	if err != nil {
		return Settings{}, err
	}

	settings := Settings{
		Key:          key,
		Secret:       secret,
		Symbols:      splitOrDefault(os.Getenv(common.EnvSymbols), []string{common.BTCUSDTSymbol}),
		BaseURL:      getEnvOrDefault(common.EnvBaseURL, common.DefaultBaseURL),
		WsURL:        getEnvOrDefault(common.EnvWsURL, common.DefaultWsURL),
		Ping:         getDurationOrDefault(common.EnvPingInterval, 15*time.Second),
		RESTTimeout:  getDurationOrDefault(common.EnvRESTTimeout, 5*time.Second),
		DataPath:     os.Getenv(common.EnvDataPath), // optional
		MetricsPort:  getIntOrDefault(common.EnvMetricsPort, common.DefaultMetricsPort),
		DryRun:       getBoolOrDefault(common.EnvDryRun, false),
		TickInterval: getDurationOrDefault(common.EnvTickInterval, 5*time.Minute),
		LLMBaseURL:   os.Getenv(common.EnvLLMBaseURL),
		LLMAPIKey:    os.Getenv(common.EnvLLMAPIKey),
		LLMModel:     getEnvOrDefault(common.EnvLLMModel, "gpt-4o"),
		Risk:         riskFromEnv(),
	}
	applyDefaults(&settings)

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

func applyDefaults(s *Settings) {
	if s.TickInterval <= 0 {
		s.TickInterval = 5 * time.Minute
	}
	if s.MetricsPort == 0 {
		s.MetricsPort = common.DefaultMetricsPort
	}
	s.Risk.applyDefaults()
}

func getEnvRequired(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("required environment variable %s is missing", key)
	}
	return v, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitOrDefault(v string, def []string) []string {
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func getSymbolsFromEnvOrConfig(configSymbols []string) []string {
	if env := os.Getenv(common.EnvSymbols); env != "" {
		return splitOrDefault(env, configSymbols)
	}
	if len(configSymbols) > 0 {
		return configSymbols
	}
	return []string{common.BTCUSDTSymbol}
}

func getIntFromEnvOrConfig(key string, configValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return 0
}

func getBoolFromEnvOrConfig(key string, configValue bool) bool {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseBool(env); err == nil {
			return val
		}
	}
	return configValue
}

func validateSettings(settings *Settings) error {
	if settings.Key == "" || settings.Secret == "" {
		return fmt.Errorf(common.ErrMsgAPIKeyRequired)
	}
	if len(settings.Symbols) == 0 {
		return fmt.Errorf(common.ErrMsgSymbolRequired)
	}
	if settings.BaseURL == "" {
		return fmt.Errorf(common.ErrMsgBaseURLRequired)
	}
	if settings.WsURL == "" {
		return fmt.Errorf("WebSocket URL cannot be empty")
	}

	if settings.Ping < time.Second || settings.Ping > 5*time.Minute {
		return fmt.Errorf("ping interval must be between 1s and 5m, got %v", settings.Ping)
	}
	if settings.RESTTimeout < time.Second || settings.RESTTimeout > time.Minute {
		return fmt.Errorf("REST timeout must be between 1s and 1m, got %v", settings.RESTTimeout)
	}
	if settings.TickInterval < 10*time.Second || settings.TickInterval > time.Hour {
		return fmt.Errorf("tick interval must be between 10s and 1h, got %v", settings.TickInterval)
	}
	if settings.MetricsPort < 1024 || settings.MetricsPort > 65535 {
		return fmt.Errorf("metrics port must be between 1024 and 65535, got %d", settings.MetricsPort)
	}

	if !settings.DryRun && os.Getenv(common.EnvForceLiveTrading) != "true" {
		return fmt.Errorf(common.ErrMsgForceLiveTradingRequired)
	}

	return settings.Risk.Validate()
}
