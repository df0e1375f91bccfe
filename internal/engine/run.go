package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_wheel/internal/broker"
	"github.com/eddiefleurent/scranton_wheel/internal/metrics"
	"github.com/eddiefleurent/scranton_wheel/internal/models"
	"github.com/eddiefleurent/scranton_wheel/internal/orders"
	"github.com/eddiefleurent/scranton_wheel/internal/sizing"
)

// Run executes the latest fresh, unexecuted batch. Every opportunity is sized
// and validated against one account snapshot, the coordinator selects under
// the buying-power budget and the batch is marked executed with the results.
// A missing or stale batch is not an error.
func (e *Engine) Run(ctx context.Context) (summary *RunSummary, err error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	start := e.now()
	defer func() { e.finish("run", start, err) }()

	if _, rerr := e.reconcileLocked(ctx); rerr != nil {
		e.logger.WithError(rerr).WithField("recoverable", true).Warn("Pre-run reconciliation failed")
	}

	summary = &RunSummary{StartedAt: start.UTC(), Results: []orders.ExecutionResult{}}
	batch, err := e.store.LatestPending(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("loading pending batch: %w", err)
	}
	if batch == nil {
		summary.Message = "no fresh opportunities to execute"
		e.logger.Info("No pending scan batch")
		e.updateStatus(func(s *Status) { s.LastRun = summary })
		return summary, nil
	}
	summary.BatchID = batch.ID
	summary.Considered = len(batch.Opportunities)

	acct, err := e.gateway.GetAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching account: %w", err)
	}
	positions, err := e.gateway.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}
	metrics.PortfolioValue.Set(acct.PortfolioValue)

	candidates, rejected := e.prepare(batch.Opportunities, *acct, positions)
	summary.Rejected = rejected

	sel, results := e.coordinator.SelectAndExecute(ctx, candidates, sizing.AvailableBuyingPower(*acct))
	summary.Selection = sel
	summary.Results = results
	summary.Submitted = len(results)

	records := make([]models.ExecutionRecord, len(results))
	for i, r := range results {
		records[i] = r.Record()
		if r.Success {
			summary.Succeeded++
		}
	}
	summary.Message = fmt.Sprintf("%d of %d orders placed", summary.Succeeded, summary.Submitted)

	// Orders are out; the batch must be marked even if the caller has gone away.
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Execution.OrderTimeout)
	defer cancel()
	if _, err := e.store.MarkExecuted(markCtx, batch.ID, e.now(), records); err != nil {
		e.updateStatus(func(s *Status) { s.LastRun = summary })
		return summary, fmt.Errorf("marking batch %s executed: %w", batch.ID, err)
	}

	e.logger.WithFields(logrus.Fields{
		"batch_id":  batch.ID,
		"rejected":  len(rejected),
		"selected":  len(sel.Selected),
		"succeeded": summary.Succeeded,
	}).Info("Run complete")
	e.updateStatus(func(s *Status) { s.LastRun = summary })
	return summary, nil
}

// prepare sizes and validates each opportunity against the same snapshot.
func (e *Engine) prepare(opps []models.Opportunity, acct broker.Account, positions []broker.Position) ([]orders.Candidate, []Rejection) {
	b := newBook(positions)
	var (
		candidates []orders.Candidate
		rejected   []Rejection
	)
	reject := func(opp models.Opportunity, reason string) {
		rejected = append(rejected, Rejection{Symbol: opp.Underlying, OptionSymbol: opp.OptionSymbol, Reason: reason})
	}

	for _, opp := range opps {
		var size sizing.Result
		if opp.IsPut() {
			if !e.wheel.CanSellPuts(opp.Underlying) {
				reject(opp, "wheel phase "+e.wheel.Phase(opp.Underlying).String())
				continue
			}
			size = e.sizer.SizePut(opp, acct)
		} else {
			free := b.shares[opp.Underlying] - b.contracts(opp.Underlying, broker.OptionTypeCall)*models.SharesPerContract
			size = e.sizer.SizeCall(opp, free)
		}
		if size.RecommendedContracts <= 0 {
			metrics.RiskRejections.WithLabelValues("sizing").Inc()
			reject(opp, size.Reason)
			continue
		}
		if ok, reason := e.validator.Validate(opp, size.RecommendedContracts, acct, positions); !ok {
			reject(opp, reason)
			continue
		}
		candidates = append(candidates, orders.Candidate{Opportunity: opp, Contracts: size.RecommendedContracts})
	}
	return candidates, rejected
}
