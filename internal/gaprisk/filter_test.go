package gaprisk

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/eddiefleurent/scranton_wheel/internal/broker"
	"github.com/eddiefleurent/scranton_wheel/internal/config"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeData struct {
	bars     []broker.Bar
	barsErr  error
	quote    *broker.Quote
	quoteErr error
}

func (f *fakeData) GetQuote(_ context.Context, _ string) (*broker.Quote, error) {
	return f.quote, f.quoteErr
}

func (f *fakeData) GetDailyBars(_ context.Context, _ string, _, _ time.Time) ([]broker.Bar, error) {
	return f.bars, f.barsErr
}

// barsWithGaps builds a flat-close series whose overnight gaps are exactly gaps (in percent).
func barsWithGaps(gaps []float64) []broker.Bar {
	day := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	bars := []broker.Bar{{Date: day, Open: 100, Close: 100}}
	for i, g := range gaps {
		bars = append(bars, broker.Bar{
			Date:  day.AddDate(0, 0, i+1),
			Open:  100 * (1 + g/100),
			Close: 100,
		})
	}
	return bars
}

func gapsWithOutliers(total, outliers int) []float64 {
	gaps := make([]float64, total)
	for i := range gaps {
		gaps[i] = 0.5
		if i < outliers {
			gaps[i] = 3.0
		}
	}
	return gaps
}

func testConfig() config.GapRiskConfig {
	return config.GapRiskConfig{
		EnableGapDetection:     true,
		MaxOvernightGapPercent: 3.0,
		GapLookbackDays:        20,
		MaxGapFrequency:        0.15,
		QualityGapThreshold:    2.0,
		ExecutionGapThreshold:  1.5,
		MarketOpenDelayMinutes: 15,
		MaxHistoricalVol:       0.60,
	}
}

var ny = time.FixedZone("EDT", -4*3600)

func newTestFilter(data MarketData, cfg config.GapRiskConfig, now time.Time) *Filter {
	logger, _ := test.NewNullLogger()
	f := NewFilter(data, cfg, ny, logger)
	f.now = func() time.Time { return now }
	return f
}

// 11:00 New York on a Tuesday, well past the open delay.
var midday = time.Date(2025, 9, 23, 15, 0, 0, 0, time.UTC)

func calmQuote() *broker.Quote {
	return &broker.Quote{Symbol: "KO", Open: 100.5, PrevClose: 100, Last: 100.7}
}

func TestGapSeriesAndFrequency(t *testing.T) {
	gaps := GapSeries(barsWithGaps([]float64{1, -2.5, 0.2, 2}))
	require.Len(t, gaps, 4)
	assert.InDelta(t, -2.5, gaps[1], 1e-9)

	// 2.0 is not strictly above the 2.0 threshold
	assert.InDelta(t, 0.25, Frequency(gaps, 2.0), 1e-12)
	assert.Zero(t, Frequency(nil, 2.0))
	assert.Nil(t, GapSeries(nil))
}

func TestAnnualizedVolatility(t *testing.T) {
	assert.Zero(t, AnnualizedVolatility([]float64{0.01}))

	returns := []float64{0.01, -0.01, 0.01, -0.01}
	// sample std of ±0.01 over 4 points = 0.011547
	assert.InDelta(t, 0.011547*math.Sqrt(252), AnnualizedVolatility(returns), 1e-4)
}

func TestAnalyze_FrequencyBoundary(t *testing.T) {
	tests := []struct {
		name     string
		outliers int
		suitable bool
	}{
		{"below cap", 2, true},
		{"equal to cap passes", 3, true},
		{"above cap excluded", 4, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := &fakeData{bars: barsWithGaps(gapsWithOutliers(20, tt.outliers)), quote: calmQuote()}
			a := newTestFilter(data, testConfig(), midday).Analyze(context.Background(), "KO")
			assert.Equal(t, tt.suitable, a.Suitable, a.Reason)
			assert.Equal(t, 20, a.SampleDays)
			if !tt.suitable {
				assert.Contains(t, a.Reason, "gap frequency")
			}
		})
	}
}

func TestAnalyze_RiskScore(t *testing.T) {
	data := &fakeData{bars: barsWithGaps(gapsWithOutliers(20, 3)), quote: calmQuote()}
	a := newTestFilter(data, testConfig(), midday).Analyze(context.Background(), "KO")

	// frequency at cap contributes the full 0.4, flat closes give zero volatility,
	// a 0.5% gap against a 3% cap contributes 0.3 * 1/6
	assert.InDelta(t, 0.4+0.05, a.RiskScore, 1e-9)
	assert.InDelta(t, 0.5, a.CurrentGapPercent, 1e-9)
	assert.GreaterOrEqual(t, a.RiskScore, 0.0)
	assert.LessOrEqual(t, a.RiskScore, 1.0)
}

func TestAnalyze_HighVolatility(t *testing.T) {
	bars := barsWithGaps(gapsWithOutliers(20, 0))
	for i := range bars {
		if i%2 == 1 {
			bars[i].Close = 106
			bars[i].Open = 100.5
		}
	}
	// re-open each even bar near the previous close to keep gaps small
	for i := 2; i < len(bars); i += 2 {
		bars[i].Open = bars[i-1].Close
	}
	data := &fakeData{bars: bars, quote: calmQuote()}
	a := newTestFilter(data, testConfig(), midday).Analyze(context.Background(), "KO")

	assert.Greater(t, a.HistoricalVolatility, 0.6)
	assert.False(t, a.Suitable)
	assert.Contains(t, a.Reason, "volatility")
}

func TestAnalyze_CurrentGapTooLarge(t *testing.T) {
	data := &fakeData{
		bars:  barsWithGaps(gapsWithOutliers(20, 0)),
		quote: &broker.Quote{Open: 96, PrevClose: 100},
	}
	a := newTestFilter(data, testConfig(), midday).Analyze(context.Background(), "KO")
	assert.False(t, a.Suitable)
	assert.InDelta(t, -4.0, a.CurrentGapPercent, 1e-9)
	assert.False(t, a.FailedClosed)
}

func TestAnalyze_FailsClosedOnQuoteError(t *testing.T) {
	data := &fakeData{
		bars:     barsWithGaps(gapsWithOutliers(20, 0)),
		quoteErr: &broker.APIError{Status: 503, Body: "unavailable"},
	}
	a := newTestFilter(data, testConfig(), midday).Analyze(context.Background(), "KO")
	assert.False(t, a.Suitable)
	assert.True(t, a.FailedClosed)
	assert.Equal(t, "current gap unavailable", a.Reason)
}

func TestAnalyze_HistoryProblems(t *testing.T) {
	short := &fakeData{bars: barsWithGaps([]float64{0.1, 0.2}), quote: calmQuote()}
	a := newTestFilter(short, testConfig(), midday).Analyze(context.Background(), "KO")
	assert.False(t, a.Suitable)
	assert.Contains(t, a.Reason, "insufficient history")

	failing := &fakeData{barsErr: errors.New("timeout"), quote: calmQuote()}
	a = newTestFilter(failing, testConfig(), midday).Analyze(context.Background(), "KO")
	assert.False(t, a.Suitable)
	assert.True(t, a.FailedClosed)
}

func TestAnalyze_TrimsToLookback(t *testing.T) {
	// 30 gaps where the oldest 10 are all outliers; a 20-day lookback drops them
	gaps := append(gapsWithOutliers(10, 10), gapsWithOutliers(20, 0)...)
	data := &fakeData{bars: barsWithGaps(gaps), quote: calmQuote()}
	a := newTestFilter(data, testConfig(), midday).Analyze(context.Background(), "KO")
	assert.Equal(t, 20, a.SampleDays)
	assert.Zero(t, a.GapFrequency)
	assert.True(t, a.Suitable)
}

func TestAnalyze_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.EnableGapDetection = false
	data := &fakeData{barsErr: errors.New("should not be called")}
	a := newTestFilter(data, cfg, midday).Analyze(context.Background(), "KO")
	assert.True(t, a.Suitable)
	assert.Zero(t, a.RiskScore)
}

func TestCanExecuteTrade(t *testing.T) {
	openDelay := time.Date(2025, 9, 23, 13, 40, 0, 0, time.UTC) // 09:40 New York
	afterDelay := time.Date(2025, 9, 23, 13, 46, 0, 0, time.UTC)
	saturday := time.Date(2025, 9, 27, 13, 40, 0, 0, time.UTC)

	tests := []struct {
		name    string
		now     time.Time
		data    *fakeData
		allowed bool
		reason  string
	}{
		{"calm midday", midday, &fakeData{quote: calmQuote()}, true, ""},
		{"inside open delay", openDelay, &fakeData{quote: calmQuote()}, false, "market open"},
		{"after open delay", afterDelay, &fakeData{quote: calmQuote()}, true, ""},
		{"weekend ignores delay", saturday, &fakeData{quote: calmQuote()}, true, ""},
		{
			name:    "passes quality but fails execution threshold",
			now:     midday,
			data:    &fakeData{quote: &broker.Quote{Open: 101.8, PrevClose: 100}},
			allowed: false,
			reason:  "execution threshold",
		},
		{
			name:    "below execution threshold passes",
			now:     midday,
			data:    &fakeData{quote: &broker.Quote{Open: 101.4, PrevClose: 100}},
			allowed: true,
		},
		{"quote failure fails closed", midday, &fakeData{quoteErr: errors.New("connection reset")}, false, "unavailable"},
		{"missing prev close fails closed", midday, &fakeData{quote: &broker.Quote{Open: 100}}, false, "unavailable"},
		{"pre-market uses last", midday, &fakeData{quote: &broker.Quote{Last: 100.4, PrevClose: 100}}, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := newTestFilter(tt.data, testConfig(), tt.now).CanExecuteTrade(context.Background(), "KO")
			assert.Equal(t, tt.allowed, ok, reason)
			if tt.reason != "" {
				assert.Contains(t, reason, tt.reason)
			}
		})
	}
}

func TestCanExecuteTrade_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.EnableGapDetection = false
	ok, _ := newTestFilter(&fakeData{quoteErr: errors.New("x")}, cfg, midday).CanExecuteTrade(context.Background(), "KO")
	assert.True(t, ok)
}
