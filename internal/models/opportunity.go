package models

import (
	"time"

	"github.com/eddiefleurent/scranton_wheel/internal/broker"
)

// SharesPerContract is the standard equity option multiplier.
const SharesPerContract = 100

// Opportunity is a scored option candidate. It is immutable once scored.
type Opportunity struct {
	Expiration       time.Time         `json:"expiration"`
	Symbol           string            `json:"symbol"`
	Underlying       string            `json:"underlying"`
	OptionSymbol     string            `json:"option_symbol"`
	Type             broker.OptionType `json:"type"`
	Strike           float64           `json:"strike"`
	Premium          float64           `json:"premium"`
	Bid              float64           `json:"bid"`
	Ask              float64           `json:"ask"`
	Delta            float64           `json:"delta"`
	CurrentPrice     float64           `json:"current_price"`
	AnnualizedReturn float64           `json:"annualized_return"`
	CostBasis        float64           `json:"cost_basis,omitempty"`
	Score            float64           `json:"score"`
	DTE              int               `json:"dte"`
	Volume           int64             `json:"volume"`
	OpenInterest     int64             `json:"open_interest"`
}

// IsPut reports whether the opportunity is a cash-secured put.
func (o Opportunity) IsPut() bool {
	return o.Type == broker.OptionTypePut
}

// IsCall reports whether the opportunity is a covered call.
func (o Opportunity) IsCall() bool {
	return o.Type == broker.OptionTypeCall
}

// CollateralPerContract is the cash reserved per contract.
// Covered calls are secured by shares and reserve no cash.
func (o Opportunity) CollateralPerContract() float64 {
	if o.IsPut() {
		return o.Strike * SharesPerContract
	}
	return 0
}

// PremiumPerContract is the credit received per contract.
func (o Opportunity) PremiumPerContract() float64 {
	return o.Premium * SharesPerContract
}

// ROI is premium over strike-denominated collateral, used for ranking.
func (o Opportunity) ROI() float64 {
	if o.Strike <= 0 {
		return 0
	}
	return o.Premium / o.Strike
}

// OTMDistance is the fractional distance of the strike from the current price
// in the out-of-the-money direction. Negative means in-the-money.
func (o Opportunity) OTMDistance() float64 {
	if o.CurrentPrice <= 0 {
		return 0
	}
	if o.IsPut() {
		return (o.CurrentPrice - o.Strike) / o.CurrentPrice
	}
	return (o.Strike - o.CurrentPrice) / o.CurrentPrice
}

// AbsDelta returns the unsigned delta.
func (o Opportunity) AbsDelta() float64 {
	if o.Delta < 0 {
		return -o.Delta
	}
	return o.Delta
}
