// Command integration runs read-only smoke checks against the Tradier sandbox.
// It never submits orders.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_wheel/internal/broker"
	"github.com/eddiefleurent/scranton_wheel/internal/config"
	"github.com/eddiefleurent/scranton_wheel/internal/gaprisk"
	"github.com/eddiefleurent/scranton_wheel/internal/retry"
	"github.com/eddiefleurent/scranton_wheel/internal/strategy"
)

type check struct {
	name string
	run  func(ctx context.Context) error
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	timeout := flag.Duration("timeout", 2*time.Minute, "Overall deadline")
	flag.Parse()

	_ = godotenv.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if !cfg.IsPaperTrading() || cfg.Broker.Provider != "tradier" {
		logger.Fatal("Integration checks require environment.mode 'paper' and broker.provider 'tradier'")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	gateway := retry.NewClient(
		broker.NewTradierAPI(cfg.Broker.APIKey, cfg.Broker.AccountID, broker.TradierOptions{
			Logger:  logger,
			Timeout: cfg.Broker.Timeout,
			Sandbox: true,
		}),
		logger,
		retry.Config{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.InitialBackoff,
			MaxBackoff:     cfg.Retry.MaxBackoff,
		},
	)

	passed, total := runChecks(ctx, checks(cfg, gateway, logger), logger)
	fmt.Printf("\n%d/%d checks passed\n", passed, total)
	if passed != total {
		os.Exit(1)
	}
}

func checks(cfg *config.Config, gw broker.Gateway, logger logrus.FieldLogger) []check {
	symbol := cfg.Strategy.Symbols[0]
	return []check{
		{"broker connectivity", func(ctx context.Context) error {
			acct, err := gw.GetAccount(ctx)
			if err != nil {
				return err
			}
			logger.WithFields(logrus.Fields{
				"portfolio_value": acct.PortfolioValue,
				"buying_power":    acct.OptionsBuyingPower,
			}).Info("Account")
			return nil
		}},
		{"positions", func(ctx context.Context) error {
			positions, err := gw.GetPositions(ctx)
			if err != nil {
				return err
			}
			logger.WithField("count", len(positions)).Info("Positions")
			return nil
		}},
		{"quote " + symbol, func(ctx context.Context) error {
			q, err := gw.GetQuote(ctx, symbol)
			if err != nil {
				return err
			}
			if q.Last <= 0 && q.Bid <= 0 {
				return errors.New("quote has no price")
			}
			return nil
		}},
		{"option chain " + symbol, func(ctx context.Context) error {
			exps, err := gw.GetExpirations(ctx, symbol)
			if err != nil {
				return err
			}
			if len(exps) == 0 {
				return errors.New("no expirations")
			}
			chain, err := gw.GetOptionChain(ctx, symbol, exps[0])
			if err != nil {
				return err
			}
			logger.WithFields(logrus.Fields{
				"expiration": exps[0].Format("2006-01-02"),
				"contracts":  len(chain),
			}).Info("Option chain")
			return nil
		}},
		{"gap analysis " + symbol, func(ctx context.Context) error {
			a := gaprisk.NewFilter(gw, cfg.GapRisk, cfg.Location(), logger).Analyze(ctx, symbol)
			logger.WithFields(logrus.Fields{
				"risk_score": a.RiskScore,
				"suitable":   a.Suitable,
			}).Info("Gap analysis")
			return nil
		}},
		{"put scan dry run", func(ctx context.Context) error {
			res, err := strategy.NewScanner(gw, nil, cfg.Strategy, logger).ScanPuts(ctx, nil)
			if err != nil {
				return err
			}
			logger.WithFields(logrus.Fields{
				"opportunities": len(res.Opportunities),
				"skipped":       len(res.Skipped),
			}).Info("Put scan")
			return nil
		}},
	}
}

func runChecks(ctx context.Context, list []check, logger logrus.FieldLogger) (passed, total int) {
	for i, c := range list {
		entry := logger.WithField("check", fmt.Sprintf("%d/%d %s", i+1, len(list), c.name))
		if err := c.run(ctx); err != nil {
			entry.WithError(err).Error("FAILED")
			continue
		}
		entry.Info("PASSED")
		passed++
	}
	return passed, len(list)
}
