package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_wheel/internal/config"
	"github.com/eddiefleurent/scranton_wheel/internal/engine"
	"github.com/eddiefleurent/scranton_wheel/internal/metrics"
	"github.com/eddiefleurent/scranton_wheel/internal/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	var configPath, mode string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&mode, "mode", "serve", "serve | scan | run | monitor | reconcile | audit")
	flag.Parse()

	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := newLogger(cfg.Environment)
	logger.WithFields(logrus.Fields{
		"mode":     cfg.Environment.Mode,
		"provider": cfg.Broker.Provider,
		"symbols":  len(cfg.Strategy.Symbols),
	}).Info("Starting wheel engine")
	if !cfg.IsPaperTrading() {
		logger.Warn("LIVE TRADING MODE - real money at risk")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()
	eng, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize engine")
	}

	if mode != "serve" {
		if err := runOnce(ctx, eng, mode, os.Stdout); err != nil {
			logger.WithError(err).Fatalf("%s failed", mode)
		}
		return
	}

	if err := serve(ctx, cfg, eng, logger); err != nil {
		logger.WithError(err).Fatal("Server error")
	}
	logger.Info("Wheel engine stopped")
}

// serve runs the HTTP control surface and the optional cron schedule until ctx ends.
func serve(ctx context.Context, cfg *config.Config, eng *engine.Engine, logger logrus.FieldLogger) error {
	sched, err := newScheduler(ctx, cfg.Schedule, cfg.Location(), eng, logger)
	if err != nil {
		return fmt.Errorf("configuring schedule: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	srv := server.NewServer(server.Config{
		Port:      cfg.Server.Port,
		AuthToken: cfg.Server.AuthToken,
		Location:  cfg.Location(),
	}, eng, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("Shutdown signal received, stopping server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
