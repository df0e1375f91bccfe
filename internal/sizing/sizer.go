// Package sizing converts option candidates into contract counts.
package sizing

import (
	"math"

	"github.com/eddiefleurent/scranton_wheel/internal/broker"
	"github.com/eddiefleurent/scranton_wheel/internal/config"
	"github.com/eddiefleurent/scranton_wheel/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	// MaxContracts is the absolute ceiling on any single position.
	MaxContracts = 10
	// KellyMultiplier scales the full Kelly fraction down.
	KellyMultiplier = 0.25
	// MaxKellyAllocation bounds the Kelly path as a fraction of portfolio value.
	MaxKellyAllocation = 0.15
)

// Reasons reported when sizing yields zero contracts.
const (
	ReasonInvalidStrike         = "invalid_strike"
	ReasonPortfolioBelowMinimum = "portfolio_below_minimum"
	ReasonInsufficientCapital   = "insufficient_capital"
	ReasonInsufficientShares    = "insufficient_shares"
)

// Result is the sizing outcome for one candidate. It is computed fresh from the
// account snapshot passed in and must not be reused after the account changes.
type Result struct {
	Reason               string  `json:"reason,omitempty"`
	RecommendedContracts int     `json:"recommended_contracts"`
	CapitalRequired      float64 `json:"capital_required"`
	PremiumIncome        float64 `json:"premium_income"`
	PortfolioAllocation  float64 `json:"portfolio_allocation"`
	MaxLoss              float64 `json:"max_loss"`
	KellyFraction        float64 `json:"kelly_fraction"`
	KellyContracts       int     `json:"kelly_contracts"`
	HardCapContracts     int     `json:"hard_cap_contracts"`
}

// Sizer computes position sizes from risk limits.
type Sizer struct {
	logger logrus.FieldLogger
	cfg    config.RiskConfig
}

// NewSizer creates a position sizer.
func NewSizer(cfg config.RiskConfig, logger logrus.FieldLogger) *Sizer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Sizer{cfg: cfg, logger: logger.WithField("component", "sizer")}
}

// AvailableBuyingPower is the smaller of the positive buying power figures the
// broker reports.
func AvailableBuyingPower(acct broker.Account) float64 {
	switch {
	case acct.OptionsBuyingPower > 0 && acct.BuyingPower > 0:
		return min(acct.OptionsBuyingPower, acct.BuyingPower)
	case acct.OptionsBuyingPower > 0:
		return acct.OptionsBuyingPower
	}
	return acct.BuyingPower
}

// SizePut sizes a cash-secured put. The result never commits more capital than
// the available buying power and never exceeds MaxContracts.
func (s *Sizer) SizePut(opp models.Opportunity, acct broker.Account) Result {
	if opp.Strike <= 0 || math.IsNaN(opp.Strike) || math.IsInf(opp.Strike, 0) {
		return Result{Reason: ReasonInvalidStrike}
	}
	pv := acct.PortfolioValue
	if pv <= 0 || pv < s.cfg.MinPortfolioValue {
		return Result{Reason: ReasonPortfolioBelowMinimum}
	}

	capitalPerContract := opp.Strike * models.SharesPerContract
	premiumPerContract := math.Max(opp.Premium, 0) * models.SharesPerContract

	byAllocation := floorContracts(pv * s.cfg.MaxPositionSize / capitalPerContract)
	byBuyingPower := floorContracts(AvailableBuyingPower(acct) / capitalPerContract)
	hardCap := min(byAllocation, byBuyingPower, MaxContracts)
	if hardCap <= 0 {
		return Result{Reason: ReasonInsufficientCapital}
	}

	fraction, kellyContracts := s.kelly(premiumPerContract, capitalPerContract, pv)

	contracts := min(hardCap, kellyContracts)
	if contracts < 1 {
		contracts = 1
	}

	res := Result{
		RecommendedContracts: contracts,
		CapitalRequired:      capitalPerContract * float64(contracts),
		PremiumIncome:        premiumPerContract * float64(contracts),
		KellyFraction:        fraction,
		KellyContracts:       kellyContracts,
		HardCapContracts:     hardCap,
	}
	res.PortfolioAllocation = res.CapitalRequired / pv
	res.MaxLoss = math.Max(res.CapitalRequired-res.PremiumIncome, 0)

	s.logger.WithFields(logrus.Fields{
		"symbol":          opp.Symbol,
		"strike":          opp.Strike,
		"hard_cap":        hardCap,
		"kelly_contracts": kellyContracts,
		"contracts":       contracts,
	}).Debug("Sized put")

	return res
}

// kelly returns the capped fractional Kelly allocation and its contract count.
// Degenerate payoffs fall back to a single contract.
func (s *Sizer) kelly(premium, capital, portfolioValue float64) (float64, int) {
	loss := capital - premium
	if premium <= 0 || loss <= 0 {
		return 0, 1
	}
	p := s.cfg.KellyWinProbability
	b := premium / loss
	f := (b*p - (1 - p)) / b
	f = math.Max(f, 0) * KellyMultiplier
	f = math.Min(f, MaxKellyAllocation)

	contracts := floorContracts(f * portfolioValue / capital)
	return f, min(contracts, MaxContracts)
}

// SizeCall sizes a covered call against shares held: one contract per full lot.
func (s *Sizer) SizeCall(opp models.Opportunity, sharesOwned int) Result {
	lots := sharesOwned / models.SharesPerContract
	if lots < 1 {
		return Result{Reason: ReasonInsufficientShares}
	}
	premium := math.Max(opp.Premium, 0) * models.SharesPerContract * float64(lots)
	return Result{
		RecommendedContracts: lots,
		PremiumIncome:        premium,
		HardCapContracts:     lots,
	}
}

func floorContracts(v float64) int {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(math.Floor(v))
}
