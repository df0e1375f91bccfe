package orders

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_wheel/internal/broker"
)

// Outcome is how a tracked order ended.
type Outcome string

const (
	OutcomeFilled  Outcome = "filled"
	OutcomeFailed  Outcome = "failed"
	OutcomeTimeout Outcome = "timeout"
)

// TrackerConfig controls order status polling.
type TrackerConfig struct {
	PollInterval time.Duration
	Timeout      time.Duration
	CallTimeout  time.Duration
}

// DefaultTrackerConfig is used for any zero field.
var DefaultTrackerConfig = TrackerConfig{
	PollInterval: 2 * time.Second,
	Timeout:      30 * time.Second,
	CallTimeout:  5 * time.Second,
}

// OrderGetter reads order status from the broker.
type OrderGetter interface {
	GetOrder(ctx context.Context, orderID string) (*broker.Order, error)
}

// Tracker polls submitted orders until they reach a terminal state.
type Tracker struct {
	orders OrderGetter
	logger logrus.FieldLogger
	cfg    TrackerConfig
}

func NewTracker(orders OrderGetter, cfg TrackerConfig, logger logrus.FieldLogger) *Tracker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultTrackerConfig.PollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTrackerConfig.Timeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultTrackerConfig.CallTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Tracker{
		orders: orders,
		cfg:    cfg,
		logger: logger.WithField("component", "order_tracker"),
	}
}

// Await polls orderID until it fills, fails or the tracker timeout elapses.
// The first check happens immediately. A timeout is an outcome, not an error;
// an error is returned only when the parent ctx is done.
func (t *Tracker) Await(ctx context.Context, orderID string) (*broker.Order, Outcome, error) {
	waitCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	log := t.logger.WithField("order_id", orderID)
	var last *broker.Order
	for {
		if order, outcome, done := t.check(waitCtx, orderID, log); order != nil {
			last = order
			if done {
				log.WithFields(logrus.Fields{
					"status":   order.Status,
					"exec_qty": order.ExecQuantity,
					"outcome":  outcome,
				}).Debug("Order reached terminal state")
				return order, outcome, nil
			}
		}

		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return last, "", err
			}
			log.WithField("timeout", t.cfg.Timeout.String()).Warn("Order still working at polling timeout")
			return last, OutcomeTimeout, nil
		case <-ticker.C:
		}
	}
}

func (t *Tracker) check(ctx context.Context, orderID string, log logrus.FieldLogger) (*broker.Order, Outcome, bool) {
	callCtx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout)
	defer cancel()

	order, err := t.orders.GetOrder(callCtx, orderID)
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			log.WithError(err).Debug("Order status check failed")
		}
		return nil, "", false
	}
	if order == nil || order.Status == "" {
		return nil, "", false
	}
	if isCompletelyFilled(order) {
		return order, OutcomeFilled, true
	}
	switch strings.ToLower(order.Status) {
	case "canceled", "cancelled", "rejected", "expired", "error":
		return order, OutcomeFailed, true
	}
	return order, "", false
}

// isCompletelyFilled treats an order as filled when the broker says so or when the
// executed quantity covers the request, which catches "partial" orders that finished.
func isCompletelyFilled(o *broker.Order) bool {
	const epsilon = 1e-6
	if strings.EqualFold(o.Status, "filled") {
		return true
	}
	if o.Quantity <= epsilon || o.ExecQuantity <= epsilon {
		return false
	}
	return o.ExecQuantity >= o.Quantity-epsilon
}
