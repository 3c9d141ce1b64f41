// Cross-exchange spot arbitrage engine.
//
// Architecture:
//
//	main.go              entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     orchestrator: wires all components and the bus fan-out
//	market/              per-venue order book mirrors (WebSocket feeds, REST pollers)
//	arb/                 depth-aware opportunity calculator + routing detector
//	strategy/            smart-threshold controller, two-leg executor, passive rebalancer
//	exchange/            venue REST clients, HMAC auth, rate limiting, sandbox ledger
//	rebalance/           inventory deviations and transfer proposals across venues
//	safety/              loss-streak and drawdown kill-switch
//	stats/               SQLite event store, aggregates, activity heatmap
//	state/               durable operator toggles (AppState)
//	api/                 dashboard HTTP endpoints + WebSocket push
//	notify/              optional Redis transaction publisher
//
// How it makes money:
//
//	The engine mirrors the same spot pair on several exchanges. When one
//	venue's ask plus all fees sits below another venue's bid, it buys on the
//	cheap venue and sells on the expensive one, keeping the net spread. The
//	strategy controller tunes how large that spread must be by time of day,
//	the rebalancer keeps inventory spread across venues so both legs stay
//	fundable, and the safety monitor halts trading on loss streaks or
//	drawdown.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"crossarb/internal/config"
	"crossarb/internal/engine"
)

// version is stamped by the build, e.g. -ldflags "-X main.version=1.4.0".
var version = "dev"

func main() {
	// Optional .env for local development; deployments use real env vars.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ARB_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	eng, err := engine.New(*cfg, version, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("cross-exchange arbitrage engine started",
		"version", version,
		"exchanges", len(cfg.Exchanges),
		"pairs", len(cfg.Pairs),
		"dashboard", cfg.Server.Enabled,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
