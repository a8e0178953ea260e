package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/huyquangict/nof1.ai/internal/cfg"
	"github.com/huyquangict/nof1.ai/internal/decision"
	"github.com/huyquangict/nof1.ai/internal/engine"
	"github.com/huyquangict/nof1.ai/internal/exchange"
	"github.com/huyquangict/nof1.ai/internal/exchange/bitunix"
	"github.com/huyquangict/nof1.ai/internal/exec"
	"github.com/huyquangict/nof1.ai/internal/metrics"
	"github.com/huyquangict/nof1.ai/internal/pnl"
	"github.com/huyquangict/nof1.ai/internal/storage"
)

// priceStaleness bounds how old a WebSocket ticker may be before risk
// evaluation falls back to a REST read.
const priceStaleness = 30 * time.Second

// decisionTimeout covers a single LLM round trip including retries.
const decisionTimeout = 2 * time.Minute

func main() {
	_ = godotenv.Load()
	setupLogging()

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	store, err := storage.New(c.DataPath)
	if err != nil {
		log.Fatal().Err(err).Msg("storage initialization failed")
	}
	defer store.Close()

	rest := bitunix.NewREST(c.Key, c.Secret, c.BaseURL, c.RESTTimeout)

	prices := engine.NewPriceCache(priceStaleness)
	var wg sync.WaitGroup
	startMarketData(ctx, &wg, c, prices, m)

	executor := exec.New(rest, store, &c.Risk, m, c.DryRun)
	controller := engine.New(rest, store, &c.Risk, executor, buildGenerator(c), m, prices, c.Symbols)

	if err := controller.SyncRiskConfig(); err != nil {
		log.Fatal().Err(err).Msg("risk config sync failed")
	}

	// Re-derive PnL for historical close trades before the first tick so
	// the decision snapshot never feeds stale notional-aliased numbers
	// back into the model.
	if fixed, err := controller.FixHistoricalPnl(warmMultipliers(ctx, rest, c.Symbols)); err != nil {
		log.Warn().Err(err).Msg("historical pnl correction failed")
	} else if fixed > 0 {
		log.Info().Int("trades", fixed).Msg("historical pnl corrected")
	}

	startMetricsServer(ctx, c)

	log.Info().
		Strs("symbols", c.Symbols).
		Dur("tick_interval", c.TickInterval).
		Bool("dry_run", c.DryRun).
		Msg("trader starting")

	runErr := controllerRun(ctx, cancel, controller, c.TickInterval)

	cancel()
	waitForShutdown(&wg)
	if runErr != nil && runErr != context.Canceled {
		log.Error().Err(runErr).Msg("trader stopped")
		os.Exit(1)
	}
	log.Info().Msg("trader stopped")
}

func setupLogging() {
	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// buildGenerator returns the LLM decision generator, or nil when the
// LLM endpoint is not configured. A nil generator runs the engine in
// risk-management-only mode: positions are still evaluated and closed,
// but nothing new is opened.
func buildGenerator(c cfg.Settings) decision.Generator {
	if c.LLMBaseURL == "" || c.LLMAPIKey == "" {
		log.Warn().Msg("LLM endpoint not configured, running risk management only")
		return nil
	}
	return decision.NewLLMClient(c.LLMBaseURL, c.LLMAPIKey, c.LLMModel, decisionTimeout)
}

// warmMultipliers loads contract metadata for the configured symbols so
// legacy trade rows without a recorded multiplier can still be
// corrected. A symbol that fails to load is simply absent; the fixer
// fails closed on it.
func warmMultipliers(ctx context.Context, ex exchange.Client, symbols []string) *pnl.Multipliers {
	mults := pnl.NewMultipliers()
	for _, symbol := range symbols {
		info, err := ex.ContractInfo(ctx, symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("contract info unavailable at startup")
			continue
		}
		if err := mults.Register(info.Symbol, info.Multiplier); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("contract multiplier rejected")
			continue
		}
		log.Info().Str("symbol", info.Symbol).Float64("multiplier", info.Multiplier).Msg("contract metadata loaded")
	}
	return mults
}

// startMarketData runs the WebSocket stream and the goroutines that
// drain its channels into the price cache.
func startMarketData(ctx context.Context, wg *sync.WaitGroup, c cfg.Settings, prices *engine.PriceCache, m *metrics.Metrics) {
	tickers := make(chan exchange.Ticker, 64)
	errs := make(chan error, 32)

	ws := bitunix.NewWS(c.WsURL)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ws.Stream(ctx, c.Symbols, tickers, errs, c.Ping); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("WebSocket stream ended")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-tickers:
				m.TickersReceived.Inc()
				prices.Update(t)
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				log.Warn().Err(err).Msg("market data error")
				m.WSReconnects.Inc()
				m.ErrorsTotal.Inc()
			}
		}
	}()
}

// startMetricsServer serves Prometheus metrics and a health endpoint.
func startMetricsServer(ctx context.Context, c cfg.Settings) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", c.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		if err := server.Shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("failed to shutdown metrics server")
		}
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

// controllerRun drives the scheduler and cancels the root context on
// SIGINT/SIGTERM so the tick loop and market data stop together.
func controllerRun(ctx context.Context, cancel context.CancelFunc, controller *engine.Controller, interval time.Duration) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			log.Info().Msg("shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	return controller.Run(ctx, interval)
}

// waitForShutdown waits for the background goroutines with a timeout.
func waitForShutdown(wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all goroutines stopped")
	case <-time.After(10 * time.Second):
		log.Warn().Msg("shutdown timeout, forcing exit")
	}
}
