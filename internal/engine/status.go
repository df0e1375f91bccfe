package engine

import (
	"time"

	"github.com/eddiefleurent/scranton_wheel/internal/models"
	"github.com/eddiefleurent/scranton_wheel/internal/orders"
	"github.com/eddiefleurent/scranton_wheel/internal/strategy"
)

// Status is the engine's view of its most recent operations.
type Status struct {
	StartedAt     time.Time         `json:"started_at"`
	LastErrorAt   *time.Time        `json:"last_error_at,omitempty"`
	LastScan      *ScanSummary      `json:"last_scan,omitempty"`
	LastRun       *RunSummary       `json:"last_run,omitempty"`
	LastMonitor   *MonitorSummary   `json:"last_monitor,omitempty"`
	LastReconcile *ReconcileSummary `json:"last_reconcile,omitempty"`
	Mode          string            `json:"mode"`
	Provider      string            `json:"provider"`
	LastError     string            `json:"last_error,omitempty"`
}

// ScanSummary describes one persisted scan batch.
type ScanSummary struct {
	ScanTime      time.Time            `json:"scan_time"`
	ExpiresAt     time.Time            `json:"expires_at"`
	BatchID       string               `json:"batch_id"`
	Opportunities []models.Opportunity `json:"opportunities"`
	Skipped       []strategy.Skip      `json:"skipped,omitempty"`
	Puts          int                  `json:"puts"`
	Calls         int                  `json:"calls"`
	Cleaned       int                  `json:"cleaned"`
}

// Rejection is a batch opportunity dropped before selection.
type Rejection struct {
	Symbol       string `json:"symbol"`
	OptionSymbol string `json:"option_symbol"`
	Reason       string `json:"reason"`
}

// RunSummary describes one execution pass.
type RunSummary struct {
	StartedAt  time.Time                `json:"started_at"`
	BatchID    string                   `json:"batch_id,omitempty"`
	Message    string                   `json:"message"`
	Rejected   []Rejection              `json:"rejected,omitempty"`
	Selection  orders.Selection         `json:"selection"`
	Results    []orders.ExecutionResult `json:"results"`
	Considered int                      `json:"considered"`
	Submitted  int                      `json:"submitted"`
	Succeeded  int                      `json:"succeeded"`
}

// Monitor actions.
const (
	ActionHold         = "hold"
	ActionProfitTarget = "profit_target"
	ActionStopLoss     = "stop_loss"
	ActionError        = "error"
)

// MonitorDecision is the outcome for one open short option.
type MonitorDecision struct {
	OptionSymbol string  `json:"option_symbol"`
	Underlying   string  `json:"underlying"`
	Type         string  `json:"type"`
	Action       string  `json:"action"`
	OrderID      string  `json:"order_id,omitempty"`
	OrderStatus  string  `json:"order_status,omitempty"`
	Error        string  `json:"error,omitempty"`
	Contracts    int     `json:"contracts"`
	Credit       float64 `json:"credit"`
	CostToClose  float64 `json:"cost_to_close"`
	ProfitPct    float64 `json:"profit_pct"`
}

// MonitorSummary describes one pass over open short options.
type MonitorSummary struct {
	StartedAt time.Time         `json:"started_at"`
	Decisions []MonitorDecision `json:"decisions"`
	Closed    int               `json:"closed"`
}

// Reconcile event kinds.
const (
	EventPutAssigned   = "put_assigned"
	EventCallAssigned  = "call_assigned"
	EventPutsOpened    = "puts_opened"
	EventPutsClosed    = "puts_closed"
	EventCallsOpened   = "calls_opened"
	EventCallsClosed   = "calls_closed"
	EventReconcileFail = "reconcile_failed"
)

// ReconcileEvent is one change applied to the wheel state.
type ReconcileEvent struct {
	Symbol         string  `json:"symbol"`
	Kind           string  `json:"kind"`
	Detail         string  `json:"detail,omitempty"`
	Quantity       int     `json:"quantity"`
	Price          float64 `json:"price,omitempty"`
	CapitalGain    float64 `json:"capital_gain,omitempty"`
	CycleCompleted bool    `json:"cycle_completed,omitempty"`
}

// ReconcileSummary describes one reconciliation against broker positions.
type ReconcileSummary struct {
	ReconciledAt time.Time        `json:"reconciled_at"`
	Events       []ReconcileEvent `json:"events"`
}

// WheelStateView is a wheel state with its derived phase.
type WheelStateView struct {
	models.WheelState
	Phase models.Phase `json:"phase"`
}

// WheelView is the full wheel bookkeeping.
type WheelView struct {
	States []WheelStateView    `json:"states"`
	Cycles []models.WheelCycle `json:"cycles"`
}
