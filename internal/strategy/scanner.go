// Package strategy discovers and scores wheel candidates: cash-secured puts on
// the configured universe and covered calls on held shares.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/eddiefleurent/scranton_wheel/internal/broker"
	"github.com/eddiefleurent/scranton_wheel/internal/config"
	"github.com/eddiefleurent/scranton_wheel/internal/gaprisk"
	"github.com/eddiefleurent/scranton_wheel/internal/metrics"
	"github.com/eddiefleurent/scranton_wheel/internal/models"
	"github.com/eddiefleurent/scranton_wheel/internal/util"
	"github.com/sirupsen/logrus"
)

// MarketData is the subset of broker.Gateway the scanner reads.
type MarketData interface {
	GetQuote(ctx context.Context, symbol string) (*broker.Quote, error)
	GetExpirations(ctx context.Context, symbol string) ([]time.Time, error)
	GetOptionChain(ctx context.Context, symbol string, expiration time.Time) ([]broker.OptionContract, error)
}

// GapAnalyzer scores a symbol's overnight gap risk.
type GapAnalyzer interface {
	Analyze(ctx context.Context, symbol string) gaprisk.Analysis
}

// Holding is a stock position eligible for covered calls.
type Holding struct {
	Symbol            string  `json:"symbol"`
	Shares            int     `json:"shares"`
	CostBasisPerShare float64 `json:"cost_basis_per_share"`
}

// Skip records why a symbol produced no candidates.
type Skip struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

// Result is the output of one scan.
type Result struct {
	Opportunities []models.Opportunity `json:"opportunities"`
	Skipped       []Skip               `json:"skipped,omitempty"`
}

var errNoExpiration = errors.New("no expiration within target dte")

// Scanner produces scored candidates. It runs sequentially; one symbol's failure
// is recorded as a skip and does not stop the scan.
type Scanner struct {
	data   MarketData
	gap    GapAnalyzer
	logger logrus.FieldLogger
	now    func() time.Time
	cfg    config.StrategyConfig
}

// NewScanner creates a scanner. gap may be nil to disable gap screening.
func NewScanner(data MarketData, gap GapAnalyzer, cfg config.StrategyConfig, logger logrus.FieldLogger) *Scanner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scanner{
		data:   data,
		gap:    gap,
		cfg:    cfg,
		logger: logger.WithField("component", "scanner"),
		now:    time.Now,
	}
}

// ScanPuts scores cash-secured puts across the configured universe, skipping any
// symbol in exclude (symbols with existing positions).
func (s *Scanner) ScanPuts(ctx context.Context, exclude map[string]bool) (Result, error) {
	res := Result{Opportunities: []models.Opportunity{}}
	for _, raw := range s.cfg.Symbols {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("put scan canceled: %w", err)
		}
		symbol := strings.ToUpper(strings.TrimSpace(raw))
		if exclude[symbol] {
			res.Skipped = append(res.Skipped, Skip{Symbol: symbol, Reason: "existing position"})
			continue
		}

		opps, reason, err := s.scanPutSymbol(ctx, symbol)
		switch {
		case err != nil:
			s.logger.WithFields(logrus.Fields{
				"symbol":      symbol,
				"recoverable": true,
			}).WithError(err).Warn("Put scan failed for symbol")
			res.Skipped = append(res.Skipped, Skip{Symbol: symbol, Reason: err.Error()})
		case reason != "":
			res.Skipped = append(res.Skipped, Skip{Symbol: symbol, Reason: reason})
		default:
			res.Opportunities = append(res.Opportunities, opps...)
		}
	}
	sortByScore(res.Opportunities)
	metrics.OpportunitiesFound.WithLabelValues(string(broker.OptionTypePut)).Add(float64(len(res.Opportunities)))
	return res, nil
}

func (s *Scanner) scanPutSymbol(ctx context.Context, symbol string) ([]models.Opportunity, string, error) {
	quote, err := s.data.GetQuote(ctx, symbol)
	if err != nil {
		return nil, "", fmt.Errorf("quote: %w", err)
	}
	price := quote.Last
	if price <= 0 {
		return nil, "no last price", nil
	}
	if price < s.cfg.MinStockPrice || (s.cfg.MaxStockPrice > 0 && price > s.cfg.MaxStockPrice) {
		return nil, fmt.Sprintf("price %.2f outside [%.2f, %.2f]", price, s.cfg.MinStockPrice, s.cfg.MaxStockPrice), nil
	}
	volume := quote.AverageVolume
	if volume <= 0 {
		volume = quote.Volume
	}
	if volume < s.cfg.MinStockVolume {
		return nil, fmt.Sprintf("volume %d below %d", volume, s.cfg.MinStockVolume), nil
	}

	if s.gap != nil {
		analysis := s.gap.Analyze(ctx, symbol)
		if !analysis.Suitable {
			stage := "quality"
			if analysis.FailedClosed {
				stage = "fail_closed"
			}
			metrics.GapRejections.WithLabelValues(stage).Inc()
			return nil, "gap risk: " + analysis.Reason, nil
		}
	}

	exp, dte, err := s.pickExpiration(ctx, symbol, s.cfg.PutTargetDTE)
	if err != nil {
		if errors.Is(err, errNoExpiration) {
			return nil, err.Error(), nil
		}
		return nil, "", err
	}
	chain, err := s.data.GetOptionChain(ctx, symbol, exp)
	if err != nil {
		return nil, "", fmt.Errorf("option chain: %w", err)
	}

	var opps []models.Opportunity
	for _, c := range chain {
		if c.Type != broker.OptionTypePut || c.Strike >= price {
			continue
		}
		opp, ok := s.candidate(c, symbol, price, dte, s.cfg.PutDeltaRange, s.cfg.MinPutPremium)
		if !ok {
			continue
		}
		opp.Score = scorePut(s.inputs(opp, c, s.cfg.PutDeltaRange, s.cfg.PutTargetDTE))
		opps = append(opps, opp)
	}
	if len(opps) == 0 {
		return nil, "no puts met criteria", nil
	}
	return s.topN(opps), "", nil
}

// ScanCalls scores covered calls for holdings of at least one lot. Strikes below
// the holding's cost basis are never proposed.
func (s *Scanner) ScanCalls(ctx context.Context, holdings []Holding) (Result, error) {
	res := Result{Opportunities: []models.Opportunity{}}
	for _, h := range holdings {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("call scan canceled: %w", err)
		}
		symbol := strings.ToUpper(strings.TrimSpace(h.Symbol))
		if h.Shares < models.SharesPerContract {
			res.Skipped = append(res.Skipped, Skip{Symbol: symbol, Reason: "fewer than 100 shares"})
			continue
		}
		if h.CostBasisPerShare <= 0 {
			res.Skipped = append(res.Skipped, Skip{Symbol: symbol, Reason: "unknown cost basis"})
			continue
		}

		opps, reason, err := s.scanCallSymbol(ctx, symbol, h.CostBasisPerShare)
		switch {
		case err != nil:
			s.logger.WithFields(logrus.Fields{
				"symbol":      symbol,
				"recoverable": true,
			}).WithError(err).Warn("Call scan failed for symbol")
			res.Skipped = append(res.Skipped, Skip{Symbol: symbol, Reason: err.Error()})
		case reason != "":
			res.Skipped = append(res.Skipped, Skip{Symbol: symbol, Reason: reason})
		default:
			res.Opportunities = append(res.Opportunities, opps...)
		}
	}
	sortByScore(res.Opportunities)
	metrics.OpportunitiesFound.WithLabelValues(string(broker.OptionTypeCall)).Add(float64(len(res.Opportunities)))
	return res, nil
}

func (s *Scanner) scanCallSymbol(ctx context.Context, symbol string, costBasis float64) ([]models.Opportunity, string, error) {
	quote, err := s.data.GetQuote(ctx, symbol)
	if err != nil {
		return nil, "", fmt.Errorf("quote: %w", err)
	}
	price := quote.Last
	if price <= 0 {
		return nil, "no last price", nil
	}

	exp, dte, err := s.pickExpiration(ctx, symbol, s.cfg.CallTargetDTE)
	if err != nil {
		if errors.Is(err, errNoExpiration) {
			return nil, err.Error(), nil
		}
		return nil, "", err
	}
	chain, err := s.data.GetOptionChain(ctx, symbol, exp)
	if err != nil {
		return nil, "", fmt.Errorf("option chain: %w", err)
	}

	var opps []models.Opportunity
	for _, c := range chain {
		// cost basis is a hard floor
		if c.Type != broker.OptionTypeCall || c.Strike < costBasis || c.Strike <= price {
			continue
		}
		opp, ok := s.candidate(c, symbol, price, dte, s.cfg.CallDeltaRange, s.cfg.MinCallPremium)
		if !ok {
			continue
		}
		opp.CostBasis = costBasis
		in := s.inputs(opp, c, s.cfg.CallDeltaRange, s.cfg.CallTargetDTE)
		in.basisDistance = (c.Strike - costBasis) / costBasis
		opp.Score = scoreCall(in)
		opps = append(opps, opp)
	}
	if len(opps) == 0 {
		return nil, "no calls met criteria", nil
	}
	return s.topN(opps), "", nil
}

// pickExpiration chooses the latest expiration no further out than targetDTE.
func (s *Scanner) pickExpiration(ctx context.Context, symbol string, targetDTE int) (time.Time, int, error) {
	exps, err := s.data.GetExpirations(ctx, symbol)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("expirations: %w", err)
	}
	now := s.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var best time.Time
	bestDTE := -1
	for _, exp := range exps {
		if exp.Before(today) {
			continue
		}
		dte := broker.DaysBetween(today, exp)
		if dte <= 0 || dte > targetDTE {
			continue
		}
		if dte > bestDTE {
			best, bestDTE = exp, dte
		}
	}
	if bestDTE < 0 {
		return time.Time{}, 0, errNoExpiration
	}
	return best, bestDTE, nil
}

// candidate applies the chain-level filters and builds an unscored opportunity.
func (s *Scanner) candidate(c broker.OptionContract, symbol string, price float64, dte int, deltaRange []float64, minPremium float64) (models.Opportunity, bool) {
	if c.Bid <= 0 {
		return models.Opportunity{}, false
	}
	mid := util.MidPrice(c.Bid, c.Ask)
	if mid < minPremium {
		return models.Opportunity{}, false
	}
	if c.Ask > 0 && c.Spread()/mid > s.cfg.MaxBidAskSpread {
		return models.Opportunity{}, false
	}
	if c.Volume < s.cfg.MinOptionVolume {
		return models.Opportunity{}, false
	}
	d := c.Delta
	if d < 0 {
		d = -d
	}
	if len(deltaRange) == 2 && (d < deltaRange[0] || d > deltaRange[1]) {
		return models.Opportunity{}, false
	}

	return models.Opportunity{
		Expiration:       c.Expiration,
		Symbol:           symbol,
		Underlying:       symbol,
		OptionSymbol:     c.Symbol,
		Type:             c.Type,
		Strike:           c.Strike,
		Premium:          mid,
		Bid:              c.Bid,
		Ask:              c.Ask,
		Delta:            c.Delta,
		CurrentPrice:     price,
		AnnualizedReturn: util.AnnualizedReturn(mid, c.Strike, dte),
		DTE:              dte,
		Volume:           c.Volume,
		OpenInterest:     c.OpenInterest,
	}, true
}

func (s *Scanner) inputs(opp models.Opportunity, c broker.OptionContract, deltaRange []float64, targetDTE int) scoreInputs {
	spreadPct := 0.0
	if opp.Premium > 0 && c.Ask > 0 {
		spreadPct = c.Spread() / opp.Premium
	}
	return scoreInputs{
		annualizedReturn: opp.AnnualizedReturn,
		targetReturn:     s.cfg.TargetAnnualReturn,
		absDelta:         opp.AbsDelta(),
		deltaRange:       deltaRange,
		otmDistance:      opp.OTMDistance(),
		spreadPct:        spreadPct,
		maxSpreadPct:     s.cfg.MaxBidAskSpread,
		volume:           c.Volume,
		dte:              opp.DTE,
		targetDTE:        targetDTE,
	}
}

func (s *Scanner) topN(opps []models.Opportunity) []models.Opportunity {
	sortByScore(opps)
	if n := s.cfg.MaxCandidatesPerSymbol; n > 0 && len(opps) > n {
		opps = opps[:n]
	}
	return opps
}

// sortByScore orders best first; ties fall back to symbol then strike so output
// is deterministic.
func sortByScore(opps []models.Opportunity) {
	sort.SliceStable(opps, func(i, j int) bool {
		if opps[i].Score != opps[j].Score {
			return opps[i].Score > opps[j].Score
		}
		if opps[i].Symbol != opps[j].Symbol {
			return opps[i].Symbol < opps[j].Symbol
		}
		return opps[i].Strike < opps[j].Strike
	})
}
