// Package orders selects sized candidates under a buying-power budget and
// submits them to the broker.
package orders

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/scranton_wheel/internal/broker"
	"github.com/eddiefleurent/scranton_wheel/internal/config"
	"github.com/eddiefleurent/scranton_wheel/internal/metrics"
	"github.com/eddiefleurent/scranton_wheel/internal/models"
	"github.com/eddiefleurent/scranton_wheel/internal/util"
)

const (
	// DefaultMaxWorkers bounds concurrent submissions when none is configured.
	DefaultMaxWorkers = 10
	// DefaultOrderTimeout applies to each submission when none is configured.
	DefaultOrderTimeout = 30 * time.Second

	priceTick = 0.01
)

// Skip reasons reported by Select.
const (
	SkipDuplicateUnderlying = "duplicate underlying"
	SkipInsufficientBP      = "insufficient buying power"
	SkipRunCap              = "run position cap reached"
	SkipNoContracts         = "no contracts"
)

// Error types reported in ExecutionResult beyond broker.ErrorType.
const (
	ErrorGapRisk    = "gap_risk"
	ErrorValidation = "validation"
	ErrorPanic      = "panic"
)

// Submitter is the slice of the broker gateway needed to place orders.
type Submitter interface {
	SubmitOrder(ctx context.Context, req broker.OrderRequest) (*broker.Order, error)
}

// GapChecker re-evaluates gap risk right before submission.
type GapChecker interface {
	CanExecuteTrade(ctx context.Context, symbol string) (bool, string)
}

// Candidate is a validated opportunity with its sized contract count.
type Candidate struct {
	Opportunity models.Opportunity `json:"opportunity"`
	Contracts   int                `json:"contracts"`
}

// Collateral is the buying power the candidate reserves.
func (c Candidate) Collateral() float64 {
	return c.Opportunity.CollateralPerContract() * float64(c.Contracts)
}

// ROI is premium over collateral, the ranking key for selection.
func (c Candidate) ROI() float64 {
	return c.Opportunity.ROI()
}

// Skipped is a candidate left out during selection.
type Skipped struct {
	Symbol       string `json:"symbol"`
	OptionSymbol string `json:"option_symbol"`
	Reason       string `json:"reason"`
}

// Selection is the outcome of the greedy selection pass.
type Selection struct {
	Selected             []Candidate `json:"selected"`
	Skipped              []Skipped   `json:"skipped,omitempty"`
	StartingBuyingPower  float64     `json:"starting_buying_power"`
	RemainingBuyingPower float64     `json:"remaining_buying_power"`
}

// ExecutionResult is the outcome of one submission.
type ExecutionResult struct {
	Symbol       string  `json:"symbol"`
	OptionSymbol string  `json:"option_symbol"`
	OrderID      string  `json:"order_id,omitempty"`
	ErrorType    string  `json:"error_type,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
	LimitPrice   float64 `json:"limit_price,omitempty"`
	Contracts    int     `json:"contracts"`
	Success      bool    `json:"success"`
}

// Record converts the result to its persisted form.
func (r ExecutionResult) Record() models.ExecutionRecord {
	return models.ExecutionRecord{
		Symbol:       r.Symbol,
		OptionSymbol: r.OptionSymbol,
		OrderID:      r.OrderID,
		ErrorType:    r.ErrorType,
		ErrorMessage: r.ErrorMessage,
		Contracts:    r.Contracts,
		Success:      r.Success,
	}
}

// Coordinator ranks candidates, selects within buying power and submits the
// selection concurrently. One submission failing never affects the others.
type Coordinator struct {
	submitter Submitter
	gap       GapChecker
	logger    logrus.FieldLogger
	newTag    func() string
	cfg       config.ExecutionConfig
}

// NewCoordinator creates a coordinator. gap may be nil to skip the pre-trade check.
func NewCoordinator(submitter Submitter, gap GapChecker, cfg config.ExecutionConfig, logger logrus.FieldLogger) *Coordinator {
	if submitter == nil {
		panic("orders.NewCoordinator: submitter must not be nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = DefaultOrderTimeout
	}
	return &Coordinator{
		submitter: submitter,
		gap:       gap,
		cfg:       cfg,
		logger:    logger.WithField("component", "coordinator"),
		newTag:    func() string { return "wheel-" + uuid.NewString() },
	}
}

// Select sorts candidates by ROI and accepts them greedily while their
// collateral fits in a local copy of buyingPower. At most one candidate per
// underlying is accepted. The ledger is never touched after Select returns.
func (c *Coordinator) Select(candidates []Candidate, buyingPower float64) Selection {
	ranked := append([]Candidate(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		ri, rj := ranked[i].ROI(), ranked[j].ROI()
		if ri != rj {
			return ri > rj
		}
		return ranked[i].Opportunity.OptionSymbol < ranked[j].Opportunity.OptionSymbol
	})

	sel := Selection{StartingBuyingPower: buyingPower}
	remaining := buyingPower
	taken := make(map[string]bool)
	skip := func(cand Candidate, reason string) {
		sel.Skipped = append(sel.Skipped, Skipped{
			Symbol:       cand.Opportunity.Underlying,
			OptionSymbol: cand.Opportunity.OptionSymbol,
			Reason:       reason,
		})
	}

	for _, cand := range ranked {
		underlying := cand.Opportunity.Underlying
		if underlying == "" {
			underlying = cand.Opportunity.Symbol
		}
		switch {
		case cand.Contracts <= 0:
			skip(cand, SkipNoContracts)
		case taken[underlying]:
			skip(cand, SkipDuplicateUnderlying)
		case c.cfg.MaxNewPositionsPerRun > 0 && len(sel.Selected) >= c.cfg.MaxNewPositionsPerRun:
			skip(cand, SkipRunCap)
		case cand.Collateral() > remaining:
			skip(cand, SkipInsufficientBP)
		default:
			taken[underlying] = true
			remaining -= cand.Collateral()
			sel.Selected = append(sel.Selected, cand)
		}
	}
	sel.RemainingBuyingPower = remaining

	c.logger.WithFields(logrus.Fields{
		"candidates":   len(candidates),
		"selected":     len(sel.Selected),
		"skipped":      len(sel.Skipped),
		"buying_power": buyingPower,
		"remaining":    remaining,
	}).Info("Selected candidates for execution")
	return sel
}

// Execute submits every candidate through a bounded worker pool and returns one
// result per candidate in input order. Cancelling ctx does not abort
// submissions already scheduled; each has its own timeout.
func (c *Coordinator) Execute(ctx context.Context, selected []Candidate) []ExecutionResult {
	results := make([]ExecutionResult, len(selected))
	if len(selected) == 0 {
		return results
	}

	base := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(min(c.cfg.MaxWorkers, len(selected)))
	for i, cand := range selected {
		g.Go(func() error {
			results[i] = c.submit(base, cand)
			return nil
		})
	}
	_ = g.Wait()

	ok := 0
	for _, r := range results {
		if r.Success {
			ok++
		}
	}
	c.logger.WithFields(logrus.Fields{
		"submitted": len(results),
		"succeeded": ok,
		"failed":    len(results) - ok,
	}).Info("Order submission complete")
	return results
}

// SelectAndExecute runs Select then Execute.
func (c *Coordinator) SelectAndExecute(ctx context.Context, candidates []Candidate, buyingPower float64) (Selection, []ExecutionResult) {
	sel := c.Select(candidates, buyingPower)
	return sel, c.Execute(ctx, sel.Selected)
}

func (c *Coordinator) submit(ctx context.Context, cand Candidate) (res ExecutionResult) {
	opp := cand.Opportunity
	res = ExecutionResult{
		Symbol:       opp.Underlying,
		OptionSymbol: opp.OptionSymbol,
		Contracts:    cand.Contracts,
	}
	log := c.logger.WithFields(logrus.Fields{
		"symbol":        opp.Underlying,
		"option_symbol": opp.OptionSymbol,
		"contracts":     cand.Contracts,
	})

	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{
				"panic":       r,
				"recoverable": true,
				"stack":       string(debug.Stack()),
			}).Error("Order submission panicked")
			res.Success = false
			res.OrderID = ""
			res.ErrorType = ErrorPanic
			res.ErrorMessage = fmt.Sprintf("panic: %v", r)
			metrics.RecordOrder(string(broker.SideSellToOpen), ErrorPanic)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.OrderTimeout)
	defer cancel()

	if c.gap != nil {
		if ok, reason := c.gap.CanExecuteTrade(ctx, opp.Underlying); !ok {
			metrics.GapRejections.WithLabelValues("execution").Inc()
			log.WithField("reason", reason).Info("Order blocked by pre-trade gap check")
			res.ErrorType = ErrorGapRisk
			res.ErrorMessage = reason
			metrics.RecordOrder(string(broker.SideSellToOpen), ErrorGapRisk)
			return res
		}
	}

	req := broker.OrderRequest{
		Underlying:   opp.Underlying,
		OptionSymbol: opp.OptionSymbol,
		Side:         broker.SideSellToOpen,
		Type:         broker.OrderTypeLimit,
		Quantity:     cand.Contracts,
		LimitPrice:   util.RoundToTick(opp.Premium, priceTick),
		Tag:          c.newTag(),
	}
	res.LimitPrice = req.LimitPrice
	if err := req.Validate(); err != nil {
		res.ErrorType = ErrorValidation
		res.ErrorMessage = err.Error()
		metrics.RecordOrder(string(req.Side), ErrorValidation)
		log.WithError(err).Warn("Order failed validation")
		return res
	}

	order, err := c.submitter.SubmitOrder(ctx, req)
	if err != nil {
		kind := broker.Classify(err)
		res.ErrorType = string(kind)
		res.ErrorMessage = err.Error()
		metrics.RecordOrder(string(req.Side), string(kind))
		log.WithError(err).WithFields(logrus.Fields{
			"error_type":  kind,
			"recoverable": true,
		}).Warn("Order submission failed")
		return res
	}

	res.Success = true
	if order != nil {
		res.OrderID = order.ID
	}
	metrics.RecordOrder(string(req.Side), "success")
	log.WithFields(logrus.Fields{
		"order_id":    res.OrderID,
		"limit_price": req.LimitPrice,
	}).Info("Order submitted")
	return res
}
