package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_wheel/internal/broker"
	"github.com/eddiefleurent/scranton_wheel/internal/metrics"
	"github.com/eddiefleurent/scranton_wheel/internal/models"
)

// Reconcile brings the wheel state in line with broker positions. Share
// increases are put assignments, share decreases are call assignments, and
// short option counts are synced afterwards.
func (e *Engine) Reconcile(ctx context.Context) (summary *ReconcileSummary, err error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.reconcileLocked(ctx)
}

// reconcileLocked requires opMu.
func (e *Engine) reconcileLocked(ctx context.Context) (summary *ReconcileSummary, err error) {
	start := e.now()
	defer func() { e.finish("reconcile", start, err) }()

	positions, err := e.gateway.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}
	b := newBook(positions)

	var tracked []string
	for _, st := range e.wheel.States() {
		tracked = append(tracked, st.Symbol)
	}

	summary = &ReconcileSummary{ReconciledAt: start.UTC(), Events: []ReconcileEvent{}}
	for _, sym := range b.sortedSymbols(tracked) {
		summary.Events = append(summary.Events, e.reconcileShares(ctx, sym, b, start)...)
		summary.Events = append(summary.Events, e.reconcileOptions(sym, b, start)...)
	}

	e.openOptions = b.openOptions()
	if err := e.wheelStore.SaveMachine(e.wheel, e.openOptions); err != nil {
		return summary, fmt.Errorf("saving wheel state: %w", err)
	}

	if len(summary.Events) > 0 {
		e.logger.WithField("events", len(summary.Events)).Info("Wheel state reconciled")
	}
	e.updateStatus(func(s *Status) { s.LastReconcile = summary })
	return summary, nil
}

func (e *Engine) reconcileShares(ctx context.Context, sym string, b *book, now time.Time) []ReconcileEvent {
	st := e.wheel.State(sym)
	held := b.shares[sym]
	log := e.logger.WithFields(logrus.Fields{"symbol": sym, "wheel_shares": st.StockShares, "broker_shares": held})

	switch {
	case held > st.StockShares:
		delta := held - st.StockShares
		price := e.vanishedStrike(sym, broker.OptionTypePut, b)
		if price <= 0 {
			price = newLotCost(b, st, delta)
		}
		res, err := e.wheel.HandlePutAssignment(sym, delta, price, now)
		if err != nil {
			log.WithError(err).Warn("Put assignment not applied")
			return []ReconcileEvent{{Symbol: sym, Kind: EventReconcileFail, Detail: err.Error(), Quantity: delta}}
		}
		log.WithFields(logrus.Fields{"shares": delta, "price": price, "phase": res.PhaseAfter}).Info("Put assignment detected")
		return []ReconcileEvent{{Symbol: sym, Kind: EventPutAssigned, Quantity: delta, Price: price}}

	case held < st.StockShares:
		delta := st.StockShares - held
		price := e.vanishedStrike(sym, broker.OptionTypeCall, b)
		if price <= 0 {
			if q, err := e.gateway.GetQuote(ctx, sym); err == nil {
				price = q.Last
			}
		}
		if price <= 0 {
			price = st.CostBasisPerShare
		}
		res, err := e.wheel.HandleCallAssignment(sym, delta, price, now)
		if err != nil {
			log.WithError(err).Warn("Call assignment not applied")
			return []ReconcileEvent{{Symbol: sym, Kind: EventReconcileFail, Detail: err.Error(), Quantity: delta}}
		}
		if res.CycleCompleted {
			metrics.WheelCyclesCompleted.Inc()
		}
		log.WithFields(logrus.Fields{
			"shares":          delta,
			"price":           price,
			"capital_gain":    res.CapitalGain,
			"cycle_completed": res.CycleCompleted,
		}).Info("Call assignment detected")
		return []ReconcileEvent{{
			Symbol:         sym,
			Kind:           EventCallAssigned,
			Quantity:       delta,
			Price:          price,
			CapitalGain:    res.CapitalGain,
			CycleCompleted: res.CycleCompleted,
		}}
	}
	return nil
}

// reconcileOptions syncs the active put and call counts with the broker.
func (e *Engine) reconcileOptions(sym string, b *book, now time.Time) []ReconcileEvent {
	var events []ReconcileEvent
	st := e.wheel.State(sym)

	switch diff := b.contracts(sym, broker.OptionTypePut) - st.ActivePuts; {
	case diff > 0:
		premium := b.creditPerShare(sym, broker.OptionTypePut)
		if err := e.wheel.AddPut(sym, diff, premium, now); err == nil {
			events = append(events, ReconcileEvent{Symbol: sym, Kind: EventPutsOpened, Quantity: diff, Price: premium})
		}
	case diff < 0:
		e.wheel.RemovePut(sym, -diff)
		events = append(events, ReconcileEvent{Symbol: sym, Kind: EventPutsClosed, Quantity: -diff})
	}

	switch diff := b.contracts(sym, broker.OptionTypeCall) - st.ActiveCalls; {
	case diff > 0:
		premium := b.creditPerShare(sym, broker.OptionTypeCall)
		if err := e.wheel.AddCall(sym, diff, premium, now); err != nil {
			e.logger.WithError(err).WithField("symbol", sym).Warn("Short calls exceed tracked shares")
			events = append(events, ReconcileEvent{Symbol: sym, Kind: EventReconcileFail, Detail: err.Error(), Quantity: diff})
		} else {
			events = append(events, ReconcileEvent{Symbol: sym, Kind: EventCallsOpened, Quantity: diff, Price: premium})
		}
	case diff < 0:
		e.wheel.RemoveCall(sym, -diff)
		events = append(events, ReconcileEvent{Symbol: sym, Kind: EventCallsClosed, Quantity: -diff})
	}
	return events
}

// vanishedStrike returns the strike of a short option that was open at the
// last reconciliation and has since shrunk or disappeared. Assigned puts are
// the deepest in the money, so the highest strike wins for puts and the
// lowest for calls.
func (e *Engine) vanishedStrike(sym string, optionType broker.OptionType, b *book) float64 {
	best := 0.0
	for occSym, was := range e.openOptions {
		occ, err := broker.ParseOptionSymbol(occSym)
		if err != nil || occ.Underlying != sym || occ.Type != optionType {
			continue
		}
		if b.shorts[occSym] >= was {
			continue
		}
		switch {
		case best == 0:
			best = occ.Strike
		case optionType == broker.OptionTypePut && occ.Strike > best:
			best = occ.Strike
		case optionType == broker.OptionTypeCall && occ.Strike < best:
			best = occ.Strike
		}
	}
	return best
}

// newLotCost backs the per-share cost of newly arrived shares out of the
// broker's total cost basis.
func newLotCost(b *book, st models.WheelState, delta int) float64 {
	total := b.stockCost[st.Symbol]
	if cost := (total - float64(st.StockShares)*st.CostBasisPerShare) / float64(delta); cost > 0 {
		return cost
	}
	return b.costPerShare(st.Symbol)
}
