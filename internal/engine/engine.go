// Package engine orchestrates the wheel: it scans for opportunities, executes
// the latest fresh batch, manages open short options and reconciles the wheel
// state with the broker.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_wheel/internal/broker"
	"github.com/eddiefleurent/scranton_wheel/internal/config"
	"github.com/eddiefleurent/scranton_wheel/internal/gaprisk"
	"github.com/eddiefleurent/scranton_wheel/internal/metrics"
	"github.com/eddiefleurent/scranton_wheel/internal/models"
	"github.com/eddiefleurent/scranton_wheel/internal/orders"
	"github.com/eddiefleurent/scranton_wheel/internal/risk"
	"github.com/eddiefleurent/scranton_wheel/internal/sizing"
	"github.com/eddiefleurent/scranton_wheel/internal/storage"
	"github.com/eddiefleurent/scranton_wheel/internal/strategy"
)

// Engine runs the four wheel operations. Run, Monitor and Reconcile are
// serialized; Scan may run alongside them.
type Engine struct {
	cfg         *config.Config
	gateway     broker.Gateway
	gap         *gaprisk.Filter
	scanner     *strategy.Scanner
	sizer       *sizing.Sizer
	validator   *risk.Validator
	coordinator *orders.Coordinator
	tracker     *orders.Tracker
	store       *storage.OpportunityStore
	wheelStore  *storage.WheelStore
	wheel       *models.WheelStateMachine
	logger      logrus.FieldLogger
	now         func() time.Time

	opMu        sync.Mutex
	openOptions map[string]int

	statusMu sync.RWMutex
	status   Status
}

// New wires the engine components around gateway. The wheel state machine is
// restored from wheelStore.
func New(cfg *config.Config, gateway broker.Gateway, store *storage.OpportunityStore, wheelStore *storage.WheelStore, logger logrus.FieldLogger) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gap := gaprisk.NewFilter(gateway, cfg.GapRisk, cfg.Location(), logger)
	snapshot := wheelStore.Snapshot()
	openOptions := snapshot.OpenOptions
	if openOptions == nil {
		openOptions = make(map[string]int)
	}

	e := &Engine{
		cfg:         cfg,
		gateway:     gateway,
		gap:         gap,
		scanner:     strategy.NewScanner(gateway, gap, cfg.Strategy, logger),
		sizer:       sizing.NewSizer(cfg.Risk, logger),
		validator:   risk.NewValidator(cfg.Risk, cfg.Strategy, logger),
		coordinator: orders.NewCoordinator(gateway, gap, cfg.Execution, logger),
		tracker:     orders.NewTracker(gateway, orders.TrackerConfig{Timeout: cfg.Execution.OrderTimeout}, logger),
		store:       store,
		wheelStore:  wheelStore,
		wheel:       wheelStore.Machine(),
		openOptions: openOptions,
		logger:      logger.WithField("component", "engine"),
		now:         time.Now,
	}
	e.status = Status{
		StartedAt: e.now().UTC(),
		Mode:      cfg.Environment.Mode,
		Provider:  cfg.Broker.Provider,
	}
	return e
}

// Status returns a copy of the latest operation summaries.
func (e *Engine) Status() Status {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.status
}

func (e *Engine) updateStatus(fn func(*Status)) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	fn(&e.status)
}

// finish records metrics and the last error for one operation.
func (e *Engine) finish(op string, start time.Time, err error) {
	metrics.RecordOperation(op, e.now().Sub(start), err)
	if err == nil {
		return
	}
	at := e.now().UTC()
	e.updateStatus(func(s *Status) {
		s.LastError = fmt.Sprintf("%s: %v", op, err)
		s.LastErrorAt = &at
	})
	e.logger.WithError(err).WithField("operation", op).Error("Operation failed")
}

// Account passes through to the broker.
func (e *Engine) Account(ctx context.Context) (*broker.Account, error) {
	return e.gateway.GetAccount(ctx)
}

// Positions passes through to the broker.
func (e *Engine) Positions(ctx context.Context) ([]broker.Position, error) {
	return e.gateway.GetPositions(ctx)
}

// Config returns the configuration with secrets masked.
func (e *Engine) Config() config.Config {
	return e.cfg.Redacted()
}

// Wheel returns the current wheel states and completed cycles.
func (e *Engine) Wheel() WheelView {
	states := e.wheel.States()
	view := WheelView{
		States: make([]WheelStateView, 0, len(states)),
		Cycles: e.wheel.Cycles(),
	}
	for _, st := range states {
		view.States = append(view.States, WheelStateView{WheelState: st, Phase: st.Phase()})
	}
	return view
}

// GapAnalysis scores a single symbol's gap risk on demand.
func (e *Engine) GapAnalysis(ctx context.Context, symbol string) gaprisk.Analysis {
	return e.gap.Analyze(ctx, symbol)
}
