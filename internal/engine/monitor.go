package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_wheel/internal/broker"
	"github.com/eddiefleurent/scranton_wheel/internal/metrics"
	"github.com/eddiefleurent/scranton_wheel/internal/models"
	"github.com/eddiefleurent/scranton_wheel/internal/orders"
	"github.com/eddiefleurent/scranton_wheel/internal/util"
)

const priceTick = 0.01

// Monitor buys back short options that reached the profit target or the stop
// loss. The wheel state picks up closed contracts at the next reconciliation.
func (e *Engine) Monitor(ctx context.Context) (summary *MonitorSummary, err error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	start := e.now()
	defer func() { e.finish("monitor", start, err) }()

	positions, err := e.gateway.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}

	summary = &MonitorSummary{StartedAt: start.UTC(), Decisions: []MonitorDecision{}}
	for _, p := range positions {
		occ, ok := p.Option()
		if !ok || !p.IsShort() {
			continue
		}
		d := e.evaluate(ctx, p, occ)
		if d.Action == ActionProfitTarget || d.Action == ActionStopLoss {
			e.close(ctx, &d)
			if d.OrderID != "" {
				summary.Closed++
			}
		}
		summary.Decisions = append(summary.Decisions, d)
	}

	e.logger.WithFields(logrus.Fields{
		"positions": len(summary.Decisions),
		"closed":    summary.Closed,
	}).Info("Monitor complete")
	e.updateStatus(func(s *Status) { s.LastMonitor = summary })
	return summary, nil
}

// evaluate decides whether a short option should be closed.
func (e *Engine) evaluate(ctx context.Context, p broker.Position, occ broker.OptionSymbol) MonitorDecision {
	contracts := p.Contracts()
	d := MonitorDecision{
		OptionSymbol: occ.String(),
		Underlying:   occ.Underlying,
		Type:         string(occ.Type),
		Contracts:    contracts,
		Action:       ActionHold,
	}
	if contracts > 0 {
		d.Credit = -p.CostBasis / float64(contracts*models.SharesPerContract)
	}
	if d.Credit <= 0 {
		d.Action = ActionError
		d.Error = "credit unknown"
		return d
	}

	quote, err := e.gateway.GetQuote(ctx, d.OptionSymbol)
	if err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"option_symbol": d.OptionSymbol,
			"recoverable":   true,
		}).Warn("Option quote failed")
		d.Action = ActionError
		d.Error = err.Error()
		return d
	}
	d.CostToClose = quote.Ask
	if d.CostToClose <= 0 {
		d.CostToClose = util.MidPrice(quote.Bid, quote.Ask)
	}
	if d.CostToClose <= 0 {
		d.CostToClose = quote.Last
	}
	if d.CostToClose <= 0 {
		d.Action = ActionError
		d.Error = "no price to close"
		return d
	}

	d.ProfitPct = (d.Credit - d.CostToClose) / d.Credit
	mcfg := e.cfg.Monitor
	switch {
	case mcfg.ProfitTarget > 0 && d.ProfitPct >= mcfg.ProfitTarget:
		d.Action = ActionProfitTarget
	case mcfg.StopLossMultiple > 0 && d.CostToClose-d.Credit >= mcfg.StopLossMultiple*d.Credit:
		d.Action = ActionStopLoss
	}
	return d
}

// close submits the buy-to-close order for d.
func (e *Engine) close(ctx context.Context, d *MonitorDecision) {
	req := broker.OrderRequest{
		Underlying:   d.Underlying,
		OptionSymbol: d.OptionSymbol,
		Side:         broker.SideBuyToClose,
		Type:         broker.OrderTypeLimit,
		Quantity:     d.Contracts,
		LimitPrice:   util.CeilToTick(d.CostToClose, priceTick),
	}
	if d.Action == ActionStopLoss {
		req.Type = broker.OrderTypeMarket
		req.LimitPrice = 0
	}

	log := e.logger.WithFields(logrus.Fields{
		"option_symbol": d.OptionSymbol,
		"action":        d.Action,
		"profit_pct":    d.ProfitPct,
	})
	order, err := e.gateway.SubmitOrder(ctx, req)
	if err != nil {
		kind := broker.Classify(err)
		metrics.RecordOrder(string(req.Side), string(kind))
		log.WithError(err).WithField("recoverable", true).Warn("Close order failed")
		d.Error = err.Error()
		return
	}
	metrics.RecordOrder(string(req.Side), "success")
	d.OrderID = order.ID

	_, outcome, err := e.tracker.Await(ctx, order.ID)
	if err != nil {
		d.Error = err.Error()
		return
	}
	d.OrderStatus = string(outcome)
	entry := log.WithFields(logrus.Fields{"order_id": order.ID, "outcome": outcome})
	if outcome == orders.OutcomeFilled {
		entry.Info("Close order filled")
		return
	}
	entry.WithField("recoverable", true).Warn("Close order not filled")
}
