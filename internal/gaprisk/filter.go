// Package gaprisk scores overnight gap risk per symbol and gates both stock
// eligibility and order submission on it.
package gaprisk

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/eddiefleurent/scranton_wheel/internal/broker"
	"github.com/eddiefleurent/scranton_wheel/internal/config"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

const (
	tradingDaysPerYear = 252
	// minGapSamples is the fewest overnight gaps accepted for a frequency estimate.
	minGapSamples = 10
	// failClosedGapPercent stands in for the current gap when it cannot be measured.
	failClosedGapPercent = 100.0

	weightFrequency  = 0.4
	weightVolatility = 0.3
	weightCurrentGap = 0.3
)

// MarketData is the subset of broker.Gateway the filter reads.
type MarketData interface {
	GetQuote(ctx context.Context, symbol string) (*broker.Quote, error)
	GetDailyBars(ctx context.Context, symbol string, start, end time.Time) ([]broker.Bar, error)
}

// Analysis is the gap risk assessment for one symbol.
type Analysis struct {
	AnalyzedAt           time.Time `json:"analyzed_at"`
	Symbol               string    `json:"symbol"`
	Reason               string    `json:"reason,omitempty"`
	RiskScore            float64   `json:"risk_score"`
	GapFrequency         float64   `json:"gap_frequency"`
	HistoricalVolatility float64   `json:"historical_volatility"`
	AverageGapPercent    float64   `json:"average_gap_percent"`
	MaxGapPercent        float64   `json:"max_gap_percent"`
	CurrentGapPercent    float64   `json:"current_gap_percent"`
	SampleDays           int       `json:"sample_days"`
	Suitable             bool      `json:"suitable_for_trading"`
	FailedClosed         bool      `json:"failed_closed,omitempty"`
}

// Filter evaluates gap risk from daily bars and the live quote.
type Filter struct {
	data   MarketData
	logger logrus.FieldLogger
	now    func() time.Time
	loc    *time.Location
	cfg    config.GapRiskConfig
}

// NewFilter creates a gap risk filter. loc is the exchange timezone used for the
// market-open delay.
func NewFilter(data MarketData, cfg config.GapRiskConfig, loc *time.Location, logger logrus.FieldLogger) *Filter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Filter{
		data:   data,
		cfg:    cfg,
		loc:    loc,
		logger: logger.WithField("component", "gap_risk"),
		now:    time.Now,
	}
}

// Enabled reports whether gap detection is active.
func (f *Filter) Enabled() bool {
	return f.cfg.EnableGapDetection
}

// Analyze scores the symbol's historical and current-day gap risk.
func (f *Filter) Analyze(ctx context.Context, symbol string) Analysis {
	now := f.now()
	analysis := Analysis{Symbol: symbol, AnalyzedAt: now.UTC(), Suitable: true}
	if !f.cfg.EnableGapDetection {
		return analysis
	}

	// Calendar window wide enough to cover the lookback in trading days.
	start := now.AddDate(0, 0, -(f.cfg.GapLookbackDays*7/5 + 10))
	bars, err := f.data.GetDailyBars(ctx, symbol, start, now)
	if err != nil {
		f.logger.WithFields(logrus.Fields{
			"symbol":      symbol,
			"fail_closed": true,
			"error":       err.Error(),
		}).Warn("Gap history unavailable, treating symbol as unsuitable")
		analysis.Suitable = false
		analysis.FailedClosed = true
		analysis.RiskScore = 1
		analysis.Reason = "gap history unavailable"
		return analysis
	}
	if len(bars) > f.cfg.GapLookbackDays+1 {
		bars = bars[len(bars)-(f.cfg.GapLookbackDays+1):]
	}

	gaps := GapSeries(bars)
	analysis.SampleDays = len(gaps)
	if len(gaps) < minGapSamples {
		analysis.Suitable = false
		analysis.RiskScore = 1
		analysis.Reason = fmt.Sprintf("insufficient history: %d gaps", len(gaps))
		return analysis
	}

	analysis.GapFrequency = Frequency(gaps, f.cfg.QualityGapThreshold)
	analysis.AverageGapPercent, analysis.MaxGapPercent = absStats(gaps)
	analysis.HistoricalVolatility = AnnualizedVolatility(DailyReturns(bars))

	currentGap, failed := f.currentGap(ctx, symbol)
	analysis.CurrentGapPercent = currentGap
	analysis.FailedClosed = failed

	analysis.RiskScore = f.riskScore(analysis.GapFrequency, analysis.HistoricalVolatility, currentGap)

	switch {
	case analysis.GapFrequency > f.cfg.MaxGapFrequency:
		analysis.Suitable = false
		analysis.Reason = fmt.Sprintf("gap frequency %.2f exceeds %.2f", analysis.GapFrequency, f.cfg.MaxGapFrequency)
	case analysis.HistoricalVolatility > f.cfg.MaxHistoricalVol:
		analysis.Suitable = false
		analysis.Reason = fmt.Sprintf("historical volatility %.2f exceeds %.2f", analysis.HistoricalVolatility, f.cfg.MaxHistoricalVol)
	case math.Abs(currentGap) > f.cfg.MaxOvernightGapPercent:
		analysis.Suitable = false
		if failed {
			analysis.Reason = "current gap unavailable"
		} else {
			analysis.Reason = fmt.Sprintf("current gap %.2f%% exceeds %.2f%%", currentGap, f.cfg.MaxOvernightGapPercent)
		}
	}

	f.logger.WithFields(logrus.Fields{
		"symbol":      symbol,
		"risk_score":  analysis.RiskScore,
		"frequency":   analysis.GapFrequency,
		"volatility":  analysis.HistoricalVolatility,
		"current_gap": currentGap,
		"suitable":    analysis.Suitable,
	}).Debug("Gap analysis complete")

	return analysis
}

// CanExecuteTrade re-checks the current gap against the stricter execution threshold
// immediately before an order is submitted.
func (f *Filter) CanExecuteTrade(ctx context.Context, symbol string) (bool, string) {
	if !f.cfg.EnableGapDetection {
		return true, ""
	}

	if f.withinOpenDelay(f.now()) {
		return false, fmt.Sprintf("within %d minutes of market open", f.cfg.MarketOpenDelayMinutes)
	}

	gap, failed := f.currentGap(ctx, symbol)
	if failed {
		return false, "current gap unavailable"
	}
	if math.Abs(gap) > f.cfg.ExecutionGapThreshold {
		f.logger.WithFields(logrus.Fields{
			"symbol":    symbol,
			"gap":       gap,
			"threshold": f.cfg.ExecutionGapThreshold,
		}).Info("Trade blocked by execution gap threshold")
		return false, fmt.Sprintf("current gap %.2f%% exceeds execution threshold %.2f%%", gap, f.cfg.ExecutionGapThreshold)
	}
	return true, ""
}

// currentGap measures today's open against the prior close. Any failure is
// reported as a large gap.
func (f *Filter) currentGap(ctx context.Context, symbol string) (gap float64, failedClosed bool) {
	quote, err := f.data.GetQuote(ctx, symbol)
	if err != nil || quote == nil || quote.PrevClose <= 0 {
		entry := f.logger.WithFields(logrus.Fields{"symbol": symbol, "fail_closed": true})
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Warn("Current gap unavailable, failing closed")
		return failClosedGapPercent, true
	}

	open := quote.Open
	if open <= 0 {
		// pre-market: the last trade is the best proxy for the open
		open = quote.Last
	}
	if open <= 0 {
		f.logger.WithFields(logrus.Fields{"symbol": symbol, "fail_closed": true}).Warn("No open or last price, failing closed")
		return failClosedGapPercent, true
	}
	return (open - quote.PrevClose) / quote.PrevClose * 100, false
}

func (f *Filter) withinOpenDelay(now time.Time) bool {
	if f.cfg.MarketOpenDelayMinutes <= 0 {
		return false
	}
	local := now.In(f.loc)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}
	open := time.Date(local.Year(), local.Month(), local.Day(), 9, 30, 0, 0, f.loc)
	until := open.Add(time.Duration(f.cfg.MarketOpenDelayMinutes) * time.Minute)
	return !local.Before(open) && local.Before(until)
}

func (f *Filter) riskScore(frequency, volatility, currentGap float64) float64 {
	return weightFrequency*ratio(frequency, f.cfg.MaxGapFrequency) +
		weightVolatility*ratio(volatility, f.cfg.MaxHistoricalVol) +
		weightCurrentGap*ratio(math.Abs(currentGap), f.cfg.MaxOvernightGapPercent)
}

// ratio scales v by its cap into [0,1]. A non-positive cap saturates.
func ratio(v, limit float64) float64 {
	if limit <= 0 {
		if v > 0 {
			return 1
		}
		return 0
	}
	return math.Min(math.Max(v/limit, 0), 1)
}

// GapSeries returns overnight gaps in percent: (open - previous close) / previous close * 100.
func GapSeries(bars []broker.Bar) []float64 {
	if len(bars) < 2 {
		return nil
	}
	gaps := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prev := bars[i-1].Close
		if prev <= 0 || bars[i].Open <= 0 {
			continue
		}
		gaps = append(gaps, (bars[i].Open-prev)/prev*100)
	}
	return gaps
}

// Frequency is the fraction of gaps whose magnitude strictly exceeds threshold.
func Frequency(gaps []float64, threshold float64) float64 {
	if len(gaps) == 0 {
		return 0
	}
	n := 0
	for _, g := range gaps {
		if math.Abs(g) > threshold {
			n++
		}
	}
	return float64(n) / float64(len(gaps))
}

// DailyReturns computes close-to-close percentage returns.
func DailyReturns(bars []broker.Bar) []float64 {
	if len(bars) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prev := bars[i-1].Close
		if prev <= 0 {
			continue
		}
		returns = append(returns, (bars[i].Close-prev)/prev)
	}
	return returns
}

// AnnualizedVolatility annualizes the standard deviation of daily returns.
func AnnualizedVolatility(dailyReturns []float64) float64 {
	if len(dailyReturns) < 2 {
		return 0
	}
	return stat.StdDev(dailyReturns, nil) * math.Sqrt(tradingDaysPerYear)
}

func absStats(gaps []float64) (mean, maxAbs float64) {
	abs := make([]float64, len(gaps))
	for i, g := range gaps {
		abs[i] = math.Abs(g)
		if abs[i] > maxAbs {
			maxAbs = abs[i]
		}
	}
	return stat.Mean(abs, nil), maxAbs
}
