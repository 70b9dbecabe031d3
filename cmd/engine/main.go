// Perp Market Maker — a tick-driven market-making engine for perpetual
// futures venues.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires the pieces, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: 100ms tick loop driving regime → grid → intent diff → gateway
//	engine/inventory.go  — signed coin positions with volume-weighted entries and realized PnL
//	strategy/regime.go   — volatility/latency/funding/churn classifier producing a spread multiplier
//	strategy/grid.go     — 3-tier quote ladder with inventory skew and maker-profitability floor
//	strategy/ofi.go      — order-flow-imbalance monitor that suppresses the adverse side
//	strategy/sim.go      — shadow-mode fill simulator with per-order trade watermarks
//	risk/breakers.go     — drawdown stop, cancel/fill guard, feed-stall watchdog, halt state
//	recon/recon.go       — authoritative-state reconciliation after feed discontinuities
//	market/data.go       — per-asset book/trade/funding hub with rolling volatility
//	exchange/ws.go       — venue WebSocket feed (books, trades, own fills) with auto-reconnect
//	exchange/client.go   — signed REST client for order actions and account state
//	exchange/gateway.go  — order write path: live (signed actions) or shadow (in-memory mirror)
//	screener/screener.go — Redis bridge: asset configs in, fills and heartbeats out
//	store/store.go       — JSON file persistence for positions and session accounting
//
// How it makes money:
//
//	The engine rests post-only limit orders on both sides of the mid in a
//	three-tier ladder and earns the maker rebate plus the spread when both
//	sides turn over. Inventory skew shifts the whole ladder toward the exit
//	as a position builds, and the regime classifier widens the ladder when
//	volatility, latency or order churn make tight quotes toxic.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"perp-mm/internal/config"
	"perp-mm/internal/engine"
	"perp-mm/internal/exchange"
	"perp-mm/internal/screener"
	"perp-mm/internal/store"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("MM_CONFIG"); p != "" {
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

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	deps, err := wireDeps(cfg, logger)
	if err != nil {
		logger.Error("failed to wire dependencies", "error", err)
		os.Exit(1)
	}

	eng, err := engine.New(cfg, deps)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if cfg.ShadowMode {
		logger.Warn("SHADOW MODE: no real orders will be placed")
	}
	logger.Info("perp market maker starting",
		"session_id", eng.SessionID(),
		"assets", cfg.Assets,
		"starting_capital_usd", cfg.Risk.StartingCapitalUSD,
		"max_drawdown_frac", cfg.Risk.MaxDrawdownFrac,
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := eng.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("engine stopped", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
	<-done

	// Safety net: never leave orders resting after shutdown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if n, err := deps.Gateway.CancelAll(shutdownCtx); err != nil {
		logger.Error("shutdown cancel-all failed", "error", err)
	} else if n > 0 {
		logger.Info("cancelled resting orders on shutdown", "count", n)
	}

	if deps.Link != nil {
		deps.Link.Close()
	}
	if deps.Store != nil {
		deps.Store.Close()
	}
	logger.Info("shutdown complete")
}

// wireDeps builds the engine's collaborators from config. Shadow mode swaps
// the live gateway for the in-memory mirror and skips wallet setup entirely.
func wireDeps(cfg *config.Config, logger *slog.Logger) (engine.Deps, error) {
	deps := engine.Deps{Logger: logger}

	var signer *exchange.Signer
	userAddr := ""
	if !cfg.ShadowMode {
		s, err := exchange.NewSigner(cfg.Wallet.PrivateKey)
		if err != nil {
			return deps, err
		}
		signer = s
		userAddr = s.Address()
	}

	client := exchange.NewClient(cfg.Feed.RESTURL, signer, logger)
	deps.Funding = client
	deps.Feed = exchange.NewFeed(cfg.Feed.WSURL, cfg.Assets, userAddr, logger)

	if cfg.ShadowMode {
		sim := exchange.NewSimGateway(cfg.Risk.StartingCapitalUSD, logger)
		deps.Gateway = sim
		deps.State = sim
	} else {
		deps.Gateway = exchange.NewLiveGateway(client, logger)
		deps.State = client
	}

	if cfg.Redis.Enabled {
		link, err := screener.New(cfg.Redis.URL, logger)
		if err != nil {
			return deps, err
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := link.Ping(pingCtx); err != nil {
			// The engine runs fine on built-in defaults; the screener is an
			// enhancement, not a dependency.
			logger.Warn("redis unreachable, running without screener", "error", err)
			link.Close()
		} else {
			deps.Link = link
		}
	}

	if cfg.Store.DataDir != "" {
		st, err := store.Open(cfg.Store.DataDir)
		if err != nil {
			return deps, err
		}
		deps.Store = st
	}

	return deps, nil
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
