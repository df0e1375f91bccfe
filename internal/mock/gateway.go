// Package mock provides a deterministic simulated broker for paper and
// development runs.
package mock

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/scranton_wheel/internal/broker"
	"github.com/eddiefleurent/scranton_wheel/internal/util"
)

const (
	weeklyExpirations = 8
	strikeRange       = 0.20
	optionSpread      = 0.05 // half-spread as a fraction of model price
	priceTick         = 0.01
)

// Gateway is an in-memory broker. Prices are derived from a hash of the symbol
// so runs are reproducible; orders fill immediately at their limit price.
type Gateway struct {
	mu        sync.Mutex
	now       func() time.Time
	prices    map[string]float64
	positions map[string]*broker.Position
	orders    map[string]*broker.Order
	cash      float64
	nextID    int
}

var _ broker.Gateway = (*Gateway)(nil)

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithPrice pins the underlying price of symbol.
func WithPrice(symbol string, price float64) Option {
	return func(g *Gateway) { g.prices[strings.ToUpper(symbol)] = price }
}

// NewGateway creates a simulated account holding startingCash.
func NewGateway(startingCash float64, opts ...Option) *Gateway {
	g := &Gateway{
		now:       time.Now,
		prices:    make(map[string]float64),
		positions: make(map[string]*broker.Position),
		orders:    make(map[string]*broker.Order),
		cash:      startingCash,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func symbolHash(symbol string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToUpper(symbol)))
	return h.Sum32()
}

// price is the underlying price. Caller holds mu.
func (g *Gateway) price(symbol string) float64 {
	symbol = strings.ToUpper(symbol)
	if p, ok := g.prices[symbol]; ok {
		return p
	}
	return 20 + float64(symbolHash(symbol)%26000)/100
}

func volatility(symbol string) float64 {
	return 0.25 + float64(symbolHash(symbol)%20)/100
}

// overnightGap is a small deterministic gap fraction in [-0.5%, +0.5%).
func overnightGap(symbol string) float64 {
	return (float64((symbolHash(symbol)>>8)%100) - 50) / 10000
}

func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// blackScholes prices a European option with zero rates and returns price and delta.
func blackScholes(spot, strike, years, vol float64, optionType broker.OptionType) (float64, float64) {
	if years <= 0 {
		years = 1.0 / 365
	}
	sqrtT := math.Sqrt(years)
	d1 := (math.Log(spot/strike) + 0.5*vol*vol*years) / (vol * sqrtT)
	d2 := d1 - vol*sqrtT
	if optionType == broker.OptionTypePut {
		return strike*normCDF(-d2) - spot*normCDF(-d1), normCDF(d1) - 1
	}
	return spot*normCDF(d1) - strike*normCDF(d2), normCDF(d1)
}

func strikeStep(price float64) float64 {
	switch {
	case price < 50:
		return 1
	case price < 200:
		return 2.5
	default:
		return 5
	}
}

func (g *Gateway) contract(underlying string, exp time.Time, optionType broker.OptionType, strike float64) broker.OptionContract {
	spot := g.price(underlying)
	days := exp.Sub(dayStart(g.now())).Hours() / 24
	vol := volatility(underlying)
	model, delta := blackScholes(spot, strike, days/365, vol, optionType)
	model = math.Max(model, priceTick)

	sym := broker.FormatOptionSymbol(underlying, exp, optionType, strike)
	return broker.OptionContract{
		Expiration:   exp,
		Symbol:       sym,
		Underlying:   strings.ToUpper(underlying),
		Type:         optionType,
		Strike:       strike,
		Bid:          util.FloorToTick(model*(1-optionSpread), priceTick),
		Ask:          util.CeilToTick(model*(1+optionSpread), priceTick),
		Last:         util.RoundToTick(model, priceTick),
		Delta:        delta,
		ImpliedVol:   vol,
		Volume:       int64(100 + symbolHash(sym)%900),
		OpenInterest: int64(1000 + symbolHash(sym)%9000),
	}
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// GetAccount values the account at model prices.
func (g *Gateway) GetAccount(ctx context.Context) (*broker.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	value := g.cash
	reserved := 0.0
	for _, p := range g.positions {
		g.mark(p)
		value += p.MarketValue
		if occ, ok := p.Option(); ok && occ.Type == broker.OptionTypePut && p.IsShort() {
			reserved += occ.Strike * 100 * float64(p.Contracts())
		}
	}
	bp := math.Max(g.cash-reserved, 0)
	return &broker.Account{
		PortfolioValue:     value,
		Equity:             value,
		Cash:               g.cash,
		BuyingPower:        bp,
		OptionsBuyingPower: bp,
	}, nil
}

// mark refreshes a position's market value. Caller holds mu.
func (g *Gateway) mark(p *broker.Position) {
	if occ, ok := p.Option(); ok {
		c := g.contract(occ.Underlying, occ.Expiration, occ.Type, occ.Strike)
		p.MarketValue = util.MidPrice(c.Bid, c.Ask) * 100 * p.Quantity
	} else {
		p.MarketValue = g.price(p.Symbol) * p.Quantity
	}
	p.UnrealizedPL = p.MarketValue - p.CostBasis
}

// GetPositions returns open positions sorted by symbol.
func (g *Gateway) GetPositions(ctx context.Context) ([]broker.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]broker.Position, 0, len(g.positions))
	for _, p := range g.positions {
		g.mark(p)
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// GetQuote quotes a stock or an OCC option symbol.
func (g *Gateway) GetQuote(ctx context.Context, symbol string) (*broker.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if occ, err := broker.ParseOptionSymbol(symbol); err == nil {
		c := g.contract(occ.Underlying, occ.Expiration, occ.Type, occ.Strike)
		return &broker.Quote{
			Symbol: c.Symbol,
			Last:   c.Last,
			Bid:    c.Bid,
			Ask:    c.Ask,
			Volume: c.Volume,
		}, nil
	}

	price := g.price(symbol)
	prev := price / (1 + overnightGap(symbol))
	volume := int64(2_000_000 + symbolHash(symbol)%8_000_000)
	return &broker.Quote{
		Symbol:        strings.ToUpper(symbol),
		Last:          price,
		Bid:           price - priceTick,
		Ask:           price + priceTick,
		Open:          price,
		High:          price * 1.01,
		Low:           price * 0.99,
		PrevClose:     prev,
		Volume:        volume,
		AverageVolume: volume,
	}, nil
}

// GetExpirations lists the next weekly Friday expirations.
func (g *Gateway) GetExpirations(ctx context.Context, _ string) ([]time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	today := dayStart(g.now())
	g.mu.Unlock()

	ahead := (int(time.Friday) - int(today.Weekday()) + 7) % 7
	if ahead == 0 {
		ahead = 7
	}
	first := today.AddDate(0, 0, ahead)
	out := make([]time.Time, weeklyExpirations)
	for i := range out {
		out[i] = first.AddDate(0, 0, 7*i)
	}
	return out, nil
}

// GetOptionChain returns puts and calls within 20% of the underlying price.
func (g *Gateway) GetOptionChain(ctx context.Context, symbol string, expiration time.Time) ([]broker.OptionContract, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	spot := g.price(symbol)
	step := strikeStep(spot)
	lo := math.Ceil(spot*(1-strikeRange)/step) * step
	hi := spot * (1 + strikeRange)

	var chain []broker.OptionContract
	for strike := lo; strike <= hi; strike += step {
		chain = append(chain,
			g.contract(symbol, expiration, broker.OptionTypePut, strike),
			g.contract(symbol, expiration, broker.OptionTypeCall, strike))
	}
	return chain, nil
}

// GetDailyBars returns weekday bars oscillating around the current price.
func (g *Gateway) GetDailyBars(ctx context.Context, symbol string, start, end time.Time) ([]broker.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	spot := g.price(symbol)
	g.mu.Unlock()

	var bars []broker.Bar
	prevClose := spot
	i := 0
	for d := dayStart(start); !d.After(end); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		open := prevClose * (1 + 0.004*math.Sin(float64(i)*1.3))
		closePx := spot * (1 + 0.01*math.Sin(float64(i)*0.7))
		bars = append(bars, broker.Bar{
			Date:   d,
			Open:   open,
			High:   math.Max(open, closePx) * 1.005,
			Low:    math.Min(open, closePx) * 0.995,
			Close:  closePx,
			Volume: int64(2_000_000 + symbolHash(symbol)%8_000_000),
		})
		prevClose = closePx
		i++
	}
	return bars, nil
}

// SubmitOrder fills the order immediately.
func (g *Gateway) SubmitOrder(ctx context.Context, req broker.OrderRequest) (*broker.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, &broker.APIError{Status: 400, Body: err.Error()}
	}
	occ, err := broker.ParseOptionSymbol(req.OptionSymbol)
	if err != nil {
		return nil, &broker.APIError{Status: 400, Body: "invalid option symbol " + req.OptionSymbol}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	fill := req.LimitPrice
	if req.Type == broker.OrderTypeMarket || fill <= 0 {
		c := g.contract(occ.Underlying, occ.Expiration, occ.Type, occ.Strike)
		fill = util.MidPrice(c.Bid, c.Ask)
	}
	qty := float64(req.Quantity)
	notional := fill * 100 * qty

	switch req.Side {
	case broker.SideSellToOpen:
		if occ.Type == broker.OptionTypePut {
			reserved := occ.Strike * 100 * qty
			if reserved > g.cash-g.reservedLocked() {
				return nil, &broker.APIError{Status: 400, Body: "insufficient buying power"}
			}
		}
		p := g.positions[occ.String()]
		if p == nil {
			p = &broker.Position{
				Symbol:       occ.String(),
				AssetClass:   broker.AssetClassOption,
				DateAcquired: g.now().UTC(),
			}
			g.positions[p.Symbol] = p
		}
		p.Quantity -= qty
		p.CostBasis -= notional
		g.cash += notional
	case broker.SideBuyToClose:
		p := g.positions[occ.String()]
		if p == nil || !p.IsShort() || p.Contracts() < req.Quantity {
			return nil, &broker.APIError{Status: 400, Body: "no short position to close for " + occ.String()}
		}
		p.CostBasis -= p.CostBasis * qty / math.Abs(p.Quantity)
		p.Quantity += qty
		if p.Quantity == 0 {
			delete(g.positions, p.Symbol)
		}
		g.cash -= notional
	}

	g.nextID++
	order := &broker.Order{
		ID:           strconv.Itoa(g.nextID),
		Status:       "filled",
		Symbol:       occ.String(),
		Side:         string(req.Side),
		Quantity:     qty,
		ExecQuantity: qty,
		AvgFillPrice: fill,
		CreatedAt:    g.now().UTC(),
	}
	g.orders[order.ID] = order
	cp := *order
	return &cp, nil
}

func (g *Gateway) reservedLocked() float64 {
	total := 0.0
	for _, p := range g.positions {
		if occ, ok := p.Option(); ok && occ.Type == broker.OptionTypePut && p.IsShort() {
			total += occ.Strike * 100 * float64(p.Contracts())
		}
	}
	return total
}

// GetOrder returns a previously submitted order.
func (g *Gateway) GetOrder(ctx context.Context, orderID string) (*broker.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[orderID]
	if !ok {
		return nil, &broker.APIError{Status: 404, Body: "order not found"}
	}
	cp := *o
	return &cp, nil
}

// SetPrice moves the underlying price of symbol.
func (g *Gateway) SetPrice(symbol string, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prices[strings.ToUpper(symbol)] = price
}

// AddStock credits shares bought at costPerShare.
func (g *Gateway) AddStock(symbol string, shares int, costPerShare float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addStockLocked(strings.ToUpper(symbol), float64(shares), costPerShare)
	g.cash -= float64(shares) * costPerShare
}

func (g *Gateway) addStockLocked(symbol string, shares, costPerShare float64) {
	p := g.positions[symbol]
	if p == nil {
		p = &broker.Position{Symbol: symbol, AssetClass: broker.AssetClassEquity, DateAcquired: g.now().UTC()}
		g.positions[symbol] = p
	}
	p.Quantity += shares
	p.CostBasis += shares * costPerShare
	if p.Quantity <= 0 {
		delete(g.positions, symbol)
	}
}

// Assign exercises every contract of a short option position against the account.
// Puts deliver shares at the strike; calls take shares away at the strike.
func (g *Gateway) Assign(optionSymbol string) error {
	occ, err := broker.ParseOptionSymbol(optionSymbol)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	p := g.positions[occ.String()]
	if p == nil || !p.IsShort() {
		return fmt.Errorf("no short position in %s", occ)
	}
	shares := float64(p.Contracts() * 100)
	delete(g.positions, p.Symbol)

	if occ.Type == broker.OptionTypePut {
		g.addStockLocked(occ.Underlying, shares, occ.Strike)
		g.cash -= shares * occ.Strike
		return nil
	}

	stock := g.positions[occ.Underlying]
	if stock == nil || stock.Quantity < shares {
		return fmt.Errorf("call assignment on %s needs %.0f shares", occ, shares)
	}
	basis := stock.CostBasis / stock.Quantity
	g.addStockLocked(occ.Underlying, -shares, basis)
	g.cash += shares * occ.Strike
	return nil
}

// Expire removes an option position as if it expired worthless.
func (g *Gateway) Expire(optionSymbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if occ, err := broker.ParseOptionSymbol(optionSymbol); err == nil {
		delete(g.positions, occ.String())
	}
}
