package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"gridbot/bot"
	"gridbot/config"
	"gridbot/exchange"
	"gridbot/logger"
	"gridbot/metrics"
)

func main() {
	// .env is optional, real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("configuration error: %v", err)
	}

	if err := logger.Init(&logger.Config{Level: cfg.LogLevel, File: cfg.LogFile}); err != nil {
		logger.Fatalf("logger initialization failed: %v", err)
	}

	logger.Infof("grid bot starting: exchange=%s symbol=%s levels=%d leverage=%dx",
		cfg.Exchange, cfg.Symbol, cfg.GridLevels, cfg.Leverage)

	client, err := newExchangeClient(cfg)
	if err != nil {
		logger.Fatalf("exchange setup failed: %v", err)
	}

	if cfg.MetricsPort > 0 {
		metrics.Serve(cfg.MetricsPort)
	}

	b, err := bot.New(cfg, client)
	if err != nil {
		logger.Fatalf("startup failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := b.Run(ctx); err != nil {
		logger.Fatalf("run loop error: %v", err)
	}
	logger.Info("grid bot exited cleanly")
}

func newExchangeClient(cfg *config.Config) (exchange.Client, error) {
	switch cfg.Exchange {
	case "binance":
		return exchange.NewBinanceClient(cfg)
	case "hyperliquid":
		return exchange.NewHyperliquidClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported exchange %q (want binance or hyperliquid)", cfg.Exchange)
	}
}
