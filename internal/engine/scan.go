package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_wheel/internal/broker"
	"github.com/eddiefleurent/scranton_wheel/internal/models"
	"github.com/eddiefleurent/scranton_wheel/internal/strategy"
)

// Scan discovers puts on the universe and covered calls on held lots, then
// persists them as one batch. Old batches past retention are pruned.
func (e *Engine) Scan(ctx context.Context) (summary *ScanSummary, err error) {
	start := e.now()
	defer func() { e.finish("scan", start, err) }()

	positions, err := e.gateway.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}
	b := newBook(positions)

	exclude := make(map[string]bool, len(b.symbols))
	for sym := range b.symbols {
		exclude[sym] = true
	}
	for _, st := range e.wheel.States() {
		if !e.wheel.CanSellPuts(st.Symbol) {
			exclude[st.Symbol] = true
		}
	}

	puts, err := e.scanner.ScanPuts(ctx, exclude)
	if err != nil {
		return nil, fmt.Errorf("scanning puts: %w", err)
	}
	calls, err := e.scanner.ScanCalls(ctx, e.holdings(b))
	if err != nil {
		return nil, fmt.Errorf("scanning calls: %w", err)
	}

	opps := make([]models.Opportunity, 0, len(puts.Opportunities)+len(calls.Opportunities))
	opps = append(opps, puts.Opportunities...)
	opps = append(opps, calls.Opportunities...)

	batch, err := e.store.Save(ctx, start, opps)
	if err != nil {
		return nil, fmt.Errorf("saving scan batch: %w", err)
	}

	summary = &ScanSummary{
		ScanTime:      batch.ScanTime,
		ExpiresAt:     batch.ExpiresAt,
		BatchID:       batch.ID,
		Opportunities: opps,
		Skipped:       append(puts.Skipped, calls.Skipped...),
		Puts:          len(puts.Opportunities),
		Calls:         len(calls.Opportunities),
	}

	removed, cerr := e.store.Cleanup(ctx, start, e.cfg.Retention())
	if cerr != nil {
		e.logger.WithError(cerr).WithField("recoverable", true).Warn("Batch cleanup failed")
	}
	summary.Cleaned = removed

	e.logger.WithFields(logrus.Fields{
		"batch_id": batch.ID,
		"puts":     summary.Puts,
		"calls":    summary.Calls,
		"skipped":  len(summary.Skipped),
	}).Info("Scan complete")
	e.updateStatus(func(s *Status) { s.LastScan = summary })
	return summary, nil
}

// holdings lists stock positions with the shares not already covered by a short call.
func (e *Engine) holdings(b *book) []strategy.Holding {
	var out []strategy.Holding
	for _, sym := range b.sortedSymbols(nil) {
		shares := b.shares[sym]
		if shares <= 0 {
			continue
		}
		free := shares - b.contracts(sym, broker.OptionTypeCall)*models.SharesPerContract
		if free < models.SharesPerContract {
			continue
		}
		basis := b.costPerShare(sym)
		if st := e.wheel.State(sym); st.StockShares > 0 && st.CostBasisPerShare > 0 {
			basis = st.CostBasisPerShare
		}
		out = append(out, strategy.Holding{Symbol: sym, Shares: free, CostBasisPerShare: basis})
	}
	return out
}
