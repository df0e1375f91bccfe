package broker

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Gateway defines the interface for interacting with a brokerage.
// Every call is blocking and honours ctx cancellation.
type Gateway interface {
	// Account operations
	GetAccount(ctx context.Context) (*Account, error)
	GetPositions(ctx context.Context) ([]Position, error)

	// Market data
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetExpirations(ctx context.Context, symbol string) ([]time.Time, error)
	GetOptionChain(ctx context.Context, symbol string, expiration time.Time) ([]OptionContract, error)
	GetDailyBars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error)

	// Orders
	SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
}

// Account is a point-in-time snapshot of account balances.
type Account struct {
	PortfolioValue     float64 `json:"portfolio_value"`
	Equity             float64 `json:"equity"`
	Cash               float64 `json:"cash"`
	BuyingPower        float64 `json:"buying_power"`
	OptionsBuyingPower float64 `json:"options_buying_power"`
}

// AssetClass distinguishes equity from option holdings.
type AssetClass string

const (
	// AssetClassEquity is a stock position.
	AssetClassEquity AssetClass = "us_equity"
	// AssetClassOption is an option contract position.
	AssetClassOption AssetClass = "us_option"
)

// Position is a broker-held position. Quantity is negative for short positions.
type Position struct {
	DateAcquired time.Time  `json:"date_acquired"`
	Symbol       string     `json:"symbol"`
	AssetClass   AssetClass `json:"asset_class"`
	Quantity     float64    `json:"quantity"`
	CostBasis    float64    `json:"cost_basis"`
	MarketValue  float64    `json:"market_value"`
	UnrealizedPL float64    `json:"unrealized_pl"`
}

// IsShort reports whether the position is short.
func (p Position) IsShort() bool {
	return p.Quantity < 0
}

// Contracts returns the absolute position size rounded to whole units.
func (p Position) Contracts() int {
	return int(math.Round(math.Abs(p.Quantity)))
}

// Option parses the position symbol as an OCC option symbol.
// The boolean is false for equities or unparseable symbols.
func (p Position) Option() (OptionSymbol, bool) {
	if p.AssetClass == AssetClassEquity {
		return OptionSymbol{}, false
	}
	occ, err := ParseOptionSymbol(p.Symbol)
	if err != nil {
		return OptionSymbol{}, false
	}
	return occ, true
}

// Underlying returns the stock symbol for equities and the root for options.
func (p Position) Underlying() string {
	if occ, ok := p.Option(); ok {
		return occ.Underlying
	}
	return strings.ToUpper(strings.TrimSpace(p.Symbol))
}

// Quote is a stock quote.
type Quote struct {
	Symbol        string  `json:"symbol"`
	Last          float64 `json:"last"`
	Bid           float64 `json:"bid"`
	Ask           float64 `json:"ask"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	PrevClose     float64 `json:"prev_close"`
	Volume        int64   `json:"volume"`
	AverageVolume int64   `json:"average_volume"`
}

// OptionType represents the type of option contract
type OptionType string

const (
	// OptionTypePut represents a put option contract
	OptionTypePut OptionType = "put"
	// OptionTypeCall represents a call option contract
	OptionTypeCall OptionType = "call"
)

// OptionContract is one row of an option chain.
type OptionContract struct {
	Expiration   time.Time  `json:"expiration"`
	Symbol       string     `json:"symbol"`
	Underlying   string     `json:"underlying"`
	Type         OptionType `json:"type"`
	Strike       float64    `json:"strike"`
	Bid          float64    `json:"bid"`
	Ask          float64    `json:"ask"`
	Last         float64    `json:"last"`
	Delta        float64    `json:"delta"`
	ImpliedVol   float64    `json:"implied_vol"`
	Volume       int64      `json:"volume"`
	OpenInterest int64      `json:"open_interest"`
}

// Spread returns ask minus bid.
func (o OptionContract) Spread() float64 {
	return o.Ask - o.Bid
}

// Bar is one daily OHLCV candle.
type Bar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// OrderSide is the option order side.
type OrderSide string

const (
	// SideSellToOpen opens a short option position.
	SideSellToOpen OrderSide = "sell_to_open"
	// SideBuyToClose closes a short option position.
	SideBuyToClose OrderSide = "buy_to_close"
)

// OrderType is the order pricing type.
type OrderType string

const (
	// OrderTypeLimit is a limit order.
	OrderTypeLimit OrderType = "limit"
	// OrderTypeMarket is a market order.
	OrderTypeMarket OrderType = "market"
)

// OrderRequest describes a single-leg option order.
type OrderRequest struct {
	Underlying   string    `json:"underlying"`
	OptionSymbol string    `json:"option_symbol"`
	Side         OrderSide `json:"side"`
	Type         OrderType `json:"type"`
	Tag          string    `json:"tag,omitempty"`
	Quantity     int       `json:"quantity"`
	LimitPrice   float64   `json:"limit_price,omitempty"`
}

// Validate checks the request before it is sent to the broker.
func (r OrderRequest) Validate() error {
	if r.OptionSymbol == "" {
		return errors.New("order: option symbol is required")
	}
	if r.Quantity <= 0 {
		return errors.New("order: quantity must be positive")
	}
	if r.Side != SideSellToOpen && r.Side != SideBuyToClose {
		return errors.New("order: unsupported side " + string(r.Side))
	}
	if r.Type == OrderTypeLimit && r.LimitPrice <= 0 {
		return errors.New("order: limit price must be positive")
	}
	return nil
}

// Order is the broker's view of a submitted order.
type Order struct {
	CreatedAt    time.Time `json:"created_at"`
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"`
	Quantity     float64   `json:"quantity"`
	ExecQuantity float64   `json:"exec_quantity"`
	AvgFillPrice float64   `json:"avg_fill_price"`
}

// CircuitBreakerGateway wraps a Gateway with circuit breaker functionality
type CircuitBreakerGateway struct {
	gateway Gateway
	breaker *gobreaker.CircuitBreaker
}

var _ Gateway = (*CircuitBreakerGateway)(nil)

// exec is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	gateway Gateway,
	fn func(Gateway) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(gateway) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings trips at 60% failures once 5 requests have been seen.
func DefaultCircuitBreakerSettings() CircuitBreakerSettings {
	return CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// NewCircuitBreakerGateway creates a CircuitBreakerGateway with custom settings
func NewCircuitBreakerGateway(gateway Gateway, settings CircuitBreakerSettings, logger logrus.FieldLogger) *CircuitBreakerGateway {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("component", "circuit_breaker")

	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		// Business rejections mean the broker is healthy.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			switch Classify(err) {
			case ErrorRejected, ErrorInsufficientFunds, ErrorInvalidSymbol:
				return true
			}
			return errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}

	return &CircuitBreakerGateway{
		gateway: gateway,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State exposes the breaker state for status reporting.
func (c *CircuitBreakerGateway) State() string {
	return c.breaker.State().String()
}

// GetAccount wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) GetAccount(ctx context.Context) (*Account, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*Account, error) { return g.GetAccount(ctx) })
}

// GetPositions wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) GetPositions(ctx context.Context) ([]Position, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]Position, error) { return g.GetPositions(ctx) })
}

// GetQuote wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*Quote, error) { return g.GetQuote(ctx, symbol) })
}

// GetExpirations wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) GetExpirations(ctx context.Context, symbol string) ([]time.Time, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]time.Time, error) {
		return g.GetExpirations(ctx, symbol)
	})
}

// GetOptionChain wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) GetOptionChain(ctx context.Context, symbol string, expiration time.Time) ([]OptionContract, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]OptionContract, error) {
		return g.GetOptionChain(ctx, symbol, expiration)
	})
}

// GetDailyBars wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) GetDailyBars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]Bar, error) {
		return g.GetDailyBars(ctx, symbol, start, end)
	})
}

// SubmitOrder wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*Order, error) { return g.SubmitOrder(ctx, req) })
}

// GetOrder wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*Order, error) { return g.GetOrder(ctx, orderID) })
}

// DaysBetween calculates the number of calendar days between two dates
func DaysBetween(from, to time.Time) int {
	f := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	t := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	d := int(t.Sub(f).Hours() / 24)
	if d < 0 {
		return -d
	}
	return d
}
