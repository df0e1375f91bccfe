package engine

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/eddiefleurent/scranton_wheel/internal/broker"
)

// Drift is one field where the wheel state disagrees with the broker.
type Drift struct {
	Symbol string `json:"symbol"`
	Field  string `json:"field"` // stock_shares | active_puts | active_calls
	Broker int    `json:"broker"`
	Wheel  int    `json:"wheel"`
}

// AuditReport compares broker positions with the wheel state without changing either.
type AuditReport struct {
	AuditedAt time.Time `json:"audited_at"`
	Drifts    []Drift   `json:"drifts"`
	// Untracked lists underlyings held at the broker that are not in the configured universe.
	Untracked []string `json:"untracked,omitempty"`
}

// Clean reports whether the next reconciliation would be a no-op.
func (r *AuditReport) Clean() bool {
	return len(r.Drifts) == 0
}

// Audit reports what Reconcile would change.
func (e *Engine) Audit(ctx context.Context) (*AuditReport, error) {
	positions, err := e.gateway.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}
	b := newBook(positions)

	var tracked []string
	for _, st := range e.wheel.States() {
		tracked = append(tracked, st.Symbol)
	}

	report := &AuditReport{AuditedAt: e.now().UTC(), Drifts: []Drift{}}
	for _, sym := range b.sortedSymbols(tracked) {
		st := e.wheel.State(sym)
		fields := []Drift{
			{Field: "stock_shares", Broker: b.shares[sym], Wheel: st.StockShares},
			{Field: "active_puts", Broker: b.contracts(sym, broker.OptionTypePut), Wheel: st.ActivePuts},
			{Field: "active_calls", Broker: b.contracts(sym, broker.OptionTypeCall), Wheel: st.ActiveCalls},
		}
		for _, d := range fields {
			if d.Broker != d.Wheel {
				d.Symbol = sym
				report.Drifts = append(report.Drifts, d)
			}
		}
		if b.symbols[sym] && !slices.Contains(e.cfg.Strategy.Symbols, sym) {
			report.Untracked = append(report.Untracked, sym)
		}
	}
	return report, nil
}
