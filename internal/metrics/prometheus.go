// Package metrics exposes Prometheus collectors for the wheel engine.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Engine operations
	OperationRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wheel_operation_runs_total",
			Help: "Total number of engine operations",
		},
		[]string{"operation", "status"}, // operation: scan|run|monitor|reconcile, status: success|error
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wheel_operation_duration_seconds",
			Help:    "Engine operation duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"operation"},
	)

	OperationLastRun = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wheel_operation_last_run_timestamp",
			Help: "Unix timestamp of last engine operation",
		},
		[]string{"operation"},
	)

	// Opportunity flow
	OpportunitiesFound = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wheel_opportunities_found_total",
			Help: "Opportunities produced by scans",
		},
		[]string{"type"}, // type: put|call
	)

	GapRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wheel_gap_rejections_total",
			Help: "Symbols or trades blocked by the gap risk filter",
		},
		[]string{"stage"}, // stage: quality|execution|fail_closed
	)

	RiskRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wheel_risk_rejections_total",
			Help: "Candidates rejected by risk validation or sizing",
		},
		[]string{"check"},
	)

	// Orders
	OrdersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wheel_orders_submitted_total",
			Help: "Orders submitted to the broker by outcome",
		},
		[]string{"side", "outcome"}, // outcome: success|<error type>
	)

	// Portfolio
	PortfolioValue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wheel_portfolio_value_dollars",
			Help: "Portfolio value at the last account snapshot",
		},
	)

	WheelCyclesCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wheel_cycles_completed_total",
			Help: "Completed put to stock to call-away cycles",
		},
	)
)

var initOnce sync.Once

// Init registers all collectors with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(OperationRuns)
		prometheus.MustRegister(OperationDuration)
		prometheus.MustRegister(OperationLastRun)

		prometheus.MustRegister(OpportunitiesFound)
		prometheus.MustRegister(GapRejections)
		prometheus.MustRegister(RiskRejections)

		prometheus.MustRegister(OrdersSubmitted)

		prometheus.MustRegister(PortfolioValue)
		prometheus.MustRegister(WheelCyclesCompleted)
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordOperation records one engine operation.
func RecordOperation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	OperationRuns.WithLabelValues(operation, status).Inc()
	OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	OperationLastRun.WithLabelValues(operation).SetToCurrentTime()
}

// RecordOrder records one order submission outcome.
func RecordOrder(side, outcome string) {
	OrdersSubmitted.WithLabelValues(side, outcome).Inc()
}
