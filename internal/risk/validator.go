// Package risk enforces portfolio, ticker and option level limits before a
// position is opened. Rejections are ordinary outcomes, not errors.
package risk

import (
	"fmt"
	"math"
	"strings"

	"github.com/eddiefleurent/scranton_wheel/internal/broker"
	"github.com/eddiefleurent/scranton_wheel/internal/config"
	"github.com/eddiefleurent/scranton_wheel/internal/metrics"
	"github.com/eddiefleurent/scranton_wheel/internal/models"
	"github.com/sirupsen/logrus"
)

// ReasonNotOTM is reported for strikes at or through the current price.
const ReasonNotOTM = "not out-of-the-money"

// Validator runs the ordered pre-trade checks.
type Validator struct {
	logger   logrus.FieldLogger
	risk     config.RiskConfig
	strategy config.StrategyConfig
}

// NewValidator creates a risk validator.
func NewValidator(risk config.RiskConfig, strategy config.StrategyConfig, logger logrus.FieldLogger) *Validator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Validator{
		risk:     risk,
		strategy: strategy,
		logger:   logger.WithField("component", "risk"),
	}
}

// Validate checks a candidate sized at contracts against the account snapshot and
// current broker positions. It returns false with a readable reason on the first
// failing check.
func (v *Validator) Validate(opp models.Opportunity, contracts int, acct broker.Account, positions []broker.Position) (bool, string) {
	if contracts <= 0 {
		return v.reject(opp, "contracts", "no contracts to open")
	}

	capital := opp.CollateralPerContract() * float64(contracts)
	pv := acct.PortfolioValue
	if pv <= 0 {
		return v.reject(opp, "portfolio", "portfolio value unavailable")
	}

	// 1. per-position allocation
	if allocation := capital / pv; allocation > v.risk.MaxPositionSize {
		return v.reject(opp, "allocation", fmt.Sprintf("position allocation %.1f%% exceeds max %.1f%%",
			allocation*100, v.risk.MaxPositionSize*100))
	}

	underlying := opp.Underlying
	if underlying == "" {
		underlying = opp.Symbol
	}
	underlying = strings.ToUpper(underlying)

	totalOptions, perUnderlying := 0, 0
	exposure := 0.0
	for _, p := range positions {
		isOption := p.AssetClass == broker.AssetClassOption
		if isOption {
			totalOptions++
		}
		if p.Underlying() != underlying {
			continue
		}
		if isOption {
			perUnderlying++
		}
		exposure += assignmentExposure(p)
	}

	// 2. portfolio-wide position count
	if totalOptions >= v.risk.MaxTotalPositions {
		return v.reject(opp, "total_positions", fmt.Sprintf("%d open option positions at max %d",
			totalOptions, v.risk.MaxTotalPositions))
	}

	// 3. per-underlying position count
	if perUnderlying >= v.risk.MaxPositionsPerStock {
		return v.reject(opp, "positions_per_stock", fmt.Sprintf("%d open positions on %s at max %d",
			perUnderlying, underlying, v.risk.MaxPositionsPerStock))
	}

	// 4. assignment-equivalent exposure on the underlying; covered calls add none
	if total := exposure + capital; capital > 0 && total > v.risk.MaxExposurePerTicker {
		return v.reject(opp, "ticker_exposure", fmt.Sprintf("exposure on %s $%.0f would exceed max $%.0f",
			underlying, total, v.risk.MaxExposurePerTicker))
	}

	// 5. cash reserve after commitment
	reserve := v.risk.MinCashReserve * pv
	if remaining := acct.Cash - capital; capital > 0 && remaining < reserve {
		return v.reject(opp, "cash_reserve", fmt.Sprintf("cash after trade $%.0f below reserve $%.0f",
			remaining, reserve))
	}

	// 6. option specifics
	return v.validateOption(opp)
}

func (v *Validator) validateOption(opp models.Opportunity) (bool, string) {
	deltaRange, minPremium, targetDTE := v.strategy.PutDeltaRange, v.strategy.MinPutPremium, v.strategy.PutTargetDTE
	if opp.IsCall() {
		deltaRange, minPremium, targetDTE = v.strategy.CallDeltaRange, v.strategy.MinCallPremium, v.strategy.CallTargetDTE
	}

	if len(deltaRange) == 2 {
		d := opp.AbsDelta()
		if d < deltaRange[0] || d > deltaRange[1] {
			return v.reject(opp, "delta", fmt.Sprintf("delta %.3f outside [%.2f, %.2f]", d, deltaRange[0], deltaRange[1]))
		}
	}
	if opp.Premium < minPremium {
		return v.reject(opp, "premium", fmt.Sprintf("premium %.2f below minimum %.2f", opp.Premium, minPremium))
	}
	if targetDTE > 0 && opp.DTE > targetDTE {
		return v.reject(opp, "dte", fmt.Sprintf("dte %d exceeds target %d", opp.DTE, targetDTE))
	}
	if opp.CurrentPrice <= 0 {
		return v.reject(opp, "price", "current price unavailable")
	}

	distance := opp.OTMDistance()
	if distance <= 0 {
		return v.reject(opp, "otm", ReasonNotOTM)
	}
	if distance >= v.risk.MaxOTMDistance {
		return v.reject(opp, "otm", fmt.Sprintf("strike %.1f%% from price, max %.1f%%",
			distance*100, v.risk.MaxOTMDistance*100))
	}
	return true, ""
}

func (v *Validator) reject(opp models.Opportunity, check, reason string) (bool, string) {
	metrics.RiskRejections.WithLabelValues(check).Inc()
	v.logger.WithFields(logrus.Fields{
		"symbol": opp.Symbol,
		"check":  check,
		"reason": reason,
	}).Debug("Candidate rejected")
	return false, reason
}

// assignmentExposure is the stock value a position represents if every short
// put were assigned. Short calls are covered by held shares and add nothing.
func assignmentExposure(p broker.Position) float64 {
	switch p.AssetClass {
	case broker.AssetClassEquity:
		if p.MarketValue != 0 {
			return math.Abs(p.MarketValue)
		}
		return math.Abs(p.CostBasis)
	case broker.AssetClassOption:
		sym, ok := p.Option()
		if !ok || sym.Type != broker.OptionTypePut || !p.IsShort() {
			return 0
		}
		return sym.Strike * models.SharesPerContract * float64(p.Contracts())
	}
	return 0
}
