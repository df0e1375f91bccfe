package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/scranton_wheel/internal/broker"
	"github.com/eddiefleurent/scranton_wheel/internal/config"
	"github.com/eddiefleurent/scranton_wheel/internal/metrics"
	"github.com/eddiefleurent/scranton_wheel/internal/models"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	requests []broker.OrderRequest
	errs     map[string]error
	panics   map[string]bool
	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
	seq      int
}

func (f *fakeSubmitter) SubmitOrder(ctx context.Context, req broker.OrderRequest) (*broker.Order, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.panics[req.Underlying] {
		panic("boom")
	}
	if err := f.errs[req.Underlying]; err != nil {
		return nil, err
	}
	f.seq++
	return &broker.Order{ID: fmt.Sprintf("%d", 1000+f.seq), Status: "pending", Symbol: req.OptionSymbol}, nil
}

type fakeGapChecker struct {
	blocked map[string]string
}

func (f fakeGapChecker) CanExecuteTrade(_ context.Context, symbol string) (bool, string) {
	if reason, ok := f.blocked[symbol]; ok {
		return false, reason
	}
	return true, ""
}

func putCandidate(underlying string, strike, premium float64, contracts int) Candidate {
	return Candidate{
		Opportunity: models.Opportunity{
			Symbol:       underlying,
			Underlying:   underlying,
			OptionSymbol: fmt.Sprintf("%s251017P%08d", underlying, int(strike*1000)),
			Type:         broker.OptionTypePut,
			Strike:       strike,
			Premium:      premium,
		},
		Contracts: contracts,
	}
}

func newTestCoordinator(sub Submitter, gap GapChecker, cfg config.ExecutionConfig) *Coordinator {
	logger, _ := test.NewNullLogger()
	c := NewCoordinator(sub, gap, cfg, logger)
	c.newTag = func() string { return "wheel-test" }
	return c
}

func selectedSymbols(sel Selection) []string {
	out := make([]string, 0, len(sel.Selected))
	for _, c := range sel.Selected {
		out = append(out, c.Opportunity.Underlying)
	}
	return out
}

func TestSelect_RanksByROIWithinBuyingPower(t *testing.T) {
	c := newTestCoordinator(&fakeSubmitter{}, nil, config.ExecutionConfig{})

	candidates := []Candidate{
		putCandidate("KO", 60, 0.60, 1),   // 1.00%, 6000
		putCandidate("AMD", 150, 3.00, 1), // 2.00%, 15000
		putCandidate("F", 12, 0.18, 2),    // 1.50%, 2400
		putCandidate("T", 20, 0.10, 1),    // 0.50%, 2000
	}
	sel := c.Select(candidates, 20000)

	// AMD (15000) fits, F (2400) fits, KO (6000) does not, T (2000) does.
	assert.Equal(t, []string{"AMD", "F", "T"}, selectedSymbols(sel))
	assert.InDelta(t, 600.0, sel.RemainingBuyingPower, 1e-9)
	assert.Equal(t, 20000.0, sel.StartingBuyingPower)
	require.Len(t, sel.Skipped, 1)
	assert.Equal(t, "KO", sel.Skipped[0].Symbol)
	assert.Equal(t, SkipInsufficientBP, sel.Skipped[0].Reason)
}

func TestSelect_OnePerUnderlying(t *testing.T) {
	c := newTestCoordinator(&fakeSubmitter{}, nil, config.ExecutionConfig{})

	candidates := []Candidate{
		putCandidate("AAPL", 220, 2.2, 1),
		putCandidate("AAPL", 210, 2.5, 1),
		putCandidate("AAPL", 200, 1.0, 1),
		putCandidate("MSFT", 400, 4.0, 1),
		putCandidate("MSFT", 390, 3.0, 1),
	}
	sel := c.Select(candidates, 1_000_000)

	seen := map[string]int{}
	for _, s := range sel.Selected {
		seen[s.Opportunity.Underlying]++
	}
	for sym, n := range seen {
		assert.Equal(t, 1, n, "underlying %s selected more than once", sym)
	}
	require.Len(t, sel.Selected, 2)
	// The highest-ROI strike wins for each underlying.
	assert.Equal(t, 210.0, sel.Selected[0].Opportunity.Strike)
	assert.Len(t, sel.Skipped, 3)
	for _, s := range sel.Skipped {
		assert.Equal(t, SkipDuplicateUnderlying, s.Reason)
	}
}

func TestSelect_RunCapAndZeroContracts(t *testing.T) {
	c := newTestCoordinator(&fakeSubmitter{}, nil, config.ExecutionConfig{MaxNewPositionsPerRun: 1})

	sel := c.Select([]Candidate{
		putCandidate("KO", 60, 0.60, 0),
		putCandidate("PFE", 25, 0.50, 1),
		putCandidate("T", 20, 0.30, 1),
	}, 100000)

	assert.Equal(t, []string{"PFE"}, selectedSymbols(sel))
	reasons := map[string]string{}
	for _, s := range sel.Skipped {
		reasons[s.Symbol] = s.Reason
	}
	assert.Equal(t, SkipNoContracts, reasons["KO"])
	assert.Equal(t, SkipRunCap, reasons["T"])
}

func TestSelect_DoesNotMutateInput(t *testing.T) {
	c := newTestCoordinator(&fakeSubmitter{}, nil, config.ExecutionConfig{})
	in := []Candidate{putCandidate("T", 20, 0.1, 1), putCandidate("AMD", 150, 3, 1)}
	_ = c.Select(in, 1e6)
	assert.Equal(t, "T", in[0].Opportunity.Underlying)
}

func TestExecute_IsolatesFailures(t *testing.T) {
	sub := &fakeSubmitter{
		errs: map[string]error{
			"BAD": &broker.APIError{Status: 400, Body: "invalid symbol"},
			"BP":  &broker.APIError{Status: 400, Body: "insufficient buying power"},
		},
		panics: map[string]bool{"BOOM": true},
	}
	c := newTestCoordinator(sub, nil, config.ExecutionConfig{})

	selected := []Candidate{
		putCandidate("KO", 60, 0.605, 1),
		putCandidate("BAD", 10, 0.2, 1),
		putCandidate("BOOM", 10, 0.2, 1),
		putCandidate("BP", 10, 0.2, 1),
		putCandidate("PFE", 25, 0.5, 2),
	}
	results := c.Execute(context.Background(), selected)
	require.Len(t, results, 5)

	assert.True(t, results[0].Success)
	assert.NotEmpty(t, results[0].OrderID)
	assert.InDelta(t, 0.61, results[0].LimitPrice, 1e-9)

	assert.False(t, results[1].Success)
	assert.Equal(t, string(broker.ErrorInvalidSymbol), results[1].ErrorType)

	assert.False(t, results[2].Success)
	assert.Equal(t, ErrorPanic, results[2].ErrorType)
	assert.Contains(t, results[2].ErrorMessage, "boom")

	assert.Equal(t, string(broker.ErrorInsufficientFunds), results[3].ErrorType)

	assert.True(t, results[4].Success)
	assert.Equal(t, 2, results[4].Contracts)

	assert.Len(t, sub.requests, 5)
	for _, req := range sub.requests {
		assert.Equal(t, broker.SideSellToOpen, req.Side)
		assert.Equal(t, broker.OrderTypeLimit, req.Type)
		assert.Equal(t, "wheel-test", req.Tag)
	}
}

func TestExecute_BoundedConcurrency(t *testing.T) {
	sub := &fakeSubmitter{delay: 20 * time.Millisecond}
	c := newTestCoordinator(sub, nil, config.ExecutionConfig{MaxWorkers: 2})

	var selected []Candidate
	for i := 0; i < 6; i++ {
		selected = append(selected, putCandidate(fmt.Sprintf("S%d", i), 10, 0.2, 1))
	}
	results := c.Execute(context.Background(), selected)

	for _, r := range results {
		assert.True(t, r.Success)
	}
	assert.LessOrEqual(t, sub.peak.Load(), int32(2))
	assert.GreaterOrEqual(t, sub.peak.Load(), int32(1))
}

func TestExecute_IgnoresBatchCancellation(t *testing.T) {
	sub := &fakeSubmitter{}
	c := newTestCoordinator(sub, nil, config.ExecutionConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := c.Execute(ctx, []Candidate{putCandidate("KO", 60, 0.6, 1)})
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
}

func TestExecute_PerOrderTimeout(t *testing.T) {
	sub := &fakeSubmitter{delay: 50 * time.Millisecond}
	c := newTestCoordinator(sub, nil, config.ExecutionConfig{OrderTimeout: 5 * time.Millisecond})

	results := c.Execute(context.Background(), []Candidate{putCandidate("KO", 60, 0.6, 1)})
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, string(broker.ErrorTransient), results[0].ErrorType)
}

func TestExecute_GapCheckBlocksSubmission(t *testing.T) {
	sub := &fakeSubmitter{}
	gap := fakeGapChecker{blocked: map[string]string{"TSLA": "current gap 4.00% exceeds execution threshold 1.50%"}}
	c := newTestCoordinator(sub, gap, config.ExecutionConfig{})

	before := testutil.ToFloat64(metrics.GapRejections.WithLabelValues("execution"))
	results := c.Execute(context.Background(), []Candidate{
		putCandidate("TSLA", 200, 5, 1),
		putCandidate("KO", 60, 0.6, 1),
	})

	assert.False(t, results[0].Success)
	assert.Equal(t, ErrorGapRisk, results[0].ErrorType)
	assert.True(t, strings.Contains(results[0].ErrorMessage, "execution threshold"))
	assert.True(t, results[1].Success)
	require.Len(t, sub.requests, 1)
	assert.Equal(t, "KO", sub.requests[0].Underlying)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.GapRejections.WithLabelValues("execution")))
}

func TestExecute_ValidationFailure(t *testing.T) {
	sub := &fakeSubmitter{}
	c := newTestCoordinator(sub, nil, config.ExecutionConfig{})

	results := c.Execute(context.Background(), []Candidate{putCandidate("KO", 60, 0, 1)})
	assert.Equal(t, ErrorValidation, results[0].ErrorType)
	assert.Empty(t, sub.requests)
}

func TestExecute_RecordsOrderMetrics(t *testing.T) {
	sub := &fakeSubmitter{errs: map[string]error{"BAD": errors.New("connection reset by peer")}}
	c := newTestCoordinator(sub, nil, config.ExecutionConfig{})

	success := metrics.OrdersSubmitted.WithLabelValues("sell_to_open", "success")
	transient := metrics.OrdersSubmitted.WithLabelValues("sell_to_open", "transient")
	okBefore, failBefore := testutil.ToFloat64(success), testutil.ToFloat64(transient)

	c.Execute(context.Background(), []Candidate{
		putCandidate("KO", 60, 0.6, 1),
		putCandidate("BAD", 10, 0.2, 1),
	})

	assert.Equal(t, okBefore+1, testutil.ToFloat64(success))
	assert.Equal(t, failBefore+1, testutil.ToFloat64(transient))
}

func TestSelectAndExecute(t *testing.T) {
	sub := &fakeSubmitter{}
	c := newTestCoordinator(sub, nil, config.ExecutionConfig{})

	sel, results := c.SelectAndExecute(context.Background(), []Candidate{
		putCandidate("KO", 60, 0.6, 1),
		putCandidate("KO", 55, 0.6, 1),
	}, 10000)
	assert.Len(t, sel.Selected, 1)
	require.Len(t, results, 1)

	rec := results[0].Record()
	assert.True(t, rec.Success)
	assert.Equal(t, "KO", rec.Symbol)
	assert.Equal(t, results[0].OrderID, rec.OrderID)
}

func TestExecute_Empty(t *testing.T) {
	c := newTestCoordinator(&fakeSubmitter{}, nil, config.ExecutionConfig{})
	assert.Empty(t, c.Execute(context.Background(), nil))
}
