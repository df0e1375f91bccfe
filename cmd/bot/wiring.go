package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_wheel/internal/broker"
	"github.com/eddiefleurent/scranton_wheel/internal/config"
	"github.com/eddiefleurent/scranton_wheel/internal/engine"
	"github.com/eddiefleurent/scranton_wheel/internal/mock"
	"github.com/eddiefleurent/scranton_wheel/internal/retry"
	"github.com/eddiefleurent/scranton_wheel/internal/storage"
)

// mockStartingCash funds the simulated account.
const mockStartingCash = 100000

func newLogger(cfg config.EnvironmentConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// buildGateway layers retries over the circuit breaker over the provider.
func buildGateway(cfg *config.Config, logger logrus.FieldLogger) broker.Gateway {
	var base broker.Gateway
	switch cfg.Broker.Provider {
	case "mock":
		// Simulated fills need no fault isolation.
		return mock.NewGateway(mockStartingCash)
	default:
		base = broker.NewTradierAPI(cfg.Broker.APIKey, cfg.Broker.AccountID, broker.TradierOptions{
			Logger:  logger,
			BaseURL: cfg.Broker.APIEndpoint,
			Timeout: cfg.Broker.Timeout,
			Sandbox: cfg.IsPaperTrading(),
			Limits: broker.RateLimits{
				MarketData: cfg.Broker.RateLimits.MarketData,
				Trading:    cfg.Broker.RateLimits.Trading,
				Standard:   cfg.Broker.RateLimits.Standard,
			},
		})
	}
	breaker := broker.NewCircuitBreakerGateway(base, broker.DefaultCircuitBreakerSettings(), logger)
	return retry.NewClient(breaker, logger, retry.Config{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
	})
}

func buildBlobStore(ctx context.Context, cfg config.StorageConfig) (storage.BlobStore, error) {
	switch cfg.Backend {
	case "s3":
		return storage.NewS3BlobStore(ctx, cfg.S3.Bucket, cfg.S3.Region, cfg.S3.Prefix)
	default:
		return storage.NewFileBlobStore(cfg.Path)
	}
}

func buildEngine(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (*engine.Engine, error) {
	blobs, err := buildBlobStore(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("opening %s batch store: %w", cfg.Storage.Backend, err)
	}
	if dir := filepath.Dir(cfg.Storage.WheelStatePath); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating wheel state directory: %w", err)
		}
	}
	wheelStore, err := storage.NewWheelStore(cfg.Storage.WheelStatePath)
	if err != nil {
		return nil, err
	}
	store := storage.NewOpportunityStore(blobs, cfg.OpportunityMaxAge(), logger)
	return engine.New(cfg, buildGateway(cfg, logger), store, wheelStore, logger), nil
}

// runOnce executes a single operation and prints its summary as JSON.
func runOnce(ctx context.Context, eng *engine.Engine, mode string, out io.Writer) error {
	var (
		result any
		err    error
	)
	switch strings.ToLower(mode) {
	case "scan":
		result, err = eng.Scan(ctx)
	case "run":
		result, err = eng.Run(ctx)
	case "monitor":
		result, err = eng.Monitor(ctx)
	case "reconcile":
		result, err = eng.Reconcile(ctx)
	case "audit":
		result, err = eng.Audit(ctx)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
