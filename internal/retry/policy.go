// Package retry provides an explicit retry policy for broker calls and a
// Gateway decorator that applies it to every call site.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"
)

// Config controls attempts and exponential backoff.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig is three attempts backing off from 1s up to 30s.
var DefaultConfig = Config{
	MaxAttempts:    3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
}

func (c Config) sanitized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	return c
}

// Predicate decides whether an error is worth another attempt.
type Predicate func(error) bool

// Policy is a retry policy bound to a predicate and a logger.
type Policy struct {
	logger    logrus.FieldLogger
	retryable Predicate
	config    Config
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewPolicy creates a policy. A nil logger falls back to the standard logrus logger.
func NewPolicy(cfg Config, retryable Predicate, logger logrus.FieldLogger) *Policy {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Policy{
		logger:    logger.WithField("component", "retry"),
		retryable: retryable,
		config:    cfg.sanitized(),
		sleep:     sleepCtx,
	}
}

// Config returns the effective configuration.
func (p *Policy) Config() Config {
	return p.config
}

// Do runs fn until it succeeds, returns a non-retryable error, attempts run out, or ctx ends.
func Do[T any](ctx context.Context, p *Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	backoff := p.config.InitialBackoff

	for attempt := 1; attempt <= p.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%s canceled after %d attempts: %w", op, attempt-1, lastErr)
			}
			return zero, fmt.Errorf("%s canceled: %w", op, err)
		}

		res, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				p.logger.WithFields(logrus.Fields{"op": op, "attempt": attempt}).Info("Call succeeded after retry")
			}
			return res, nil
		}
		lastErr = err

		if p.retryable == nil || !p.retryable(err) {
			return zero, err
		}
		if attempt == p.config.MaxAttempts {
			break
		}

		p.logger.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
			"backoff": backoff.String(),
			"error":   err.Error(),
		}).Warn("Transient error, retrying")

		if err := p.sleep(ctx, backoff); err != nil {
			return zero, fmt.Errorf("%s canceled during backoff: %w", op, lastErr)
		}
		backoff = p.nextBackoff(backoff)
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", op, p.config.MaxAttempts, lastErr)
}

// nextBackoff doubles the delay, caps it, then adds up to 25% jitter.
func (p *Policy) nextBackoff(current time.Duration) time.Duration {
	backoff := current * 2
	if backoff > p.config.MaxBackoff {
		backoff = p.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			p.logger.WithError(err).Debug("Failed to generate jitter")
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
