package mock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/scranton_wheel/internal/broker"
)

var monday = time.Date(2025, 9, 22, 14, 0, 0, 0, time.UTC)

func newTestGateway(opts ...Option) *Gateway {
	opts = append([]Option{WithClock(func() time.Time { return monday })}, opts...)
	return NewGateway(100000, opts...)
}

func TestGateway_Deterministic(t *testing.T) {
	ctx := context.Background()
	a, err := newTestGateway().GetQuote(ctx, "AAPL")
	require.NoError(t, err)
	b, err := newTestGateway().GetQuote(ctx, "aapl")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Greater(t, a.Last, 0.0)
	assert.Greater(t, a.PrevClose, 0.0)
	assert.InDelta(t, 0, (a.Open-a.PrevClose)/a.PrevClose, 0.0051)
}

func TestGateway_Expirations(t *testing.T) {
	exps, err := newTestGateway().GetExpirations(context.Background(), "KO")
	require.NoError(t, err)
	require.Len(t, exps, weeklyExpirations)
	assert.Equal(t, time.Date(2025, 9, 26, 0, 0, 0, 0, time.UTC), exps[0])
	for _, e := range exps {
		assert.Equal(t, time.Friday, e.Weekday())
	}
}

func TestGateway_OptionChain(t *testing.T) {
	g := newTestGateway(WithPrice("KO", 60))
	exp := time.Date(2025, 10, 24, 0, 0, 0, 0, time.UTC)

	chain, err := g.GetOptionChain(context.Background(), "KO", exp)
	require.NoError(t, err)
	require.NotEmpty(t, chain)

	prevPut := 0.0
	for _, c := range chain {
		assert.Equal(t, "KO", c.Underlying)
		assert.GreaterOrEqual(t, c.Strike, 48.0)
		assert.LessOrEqual(t, c.Strike, 72.0)
		assert.Less(t, c.Bid, c.Ask)
		occ, err := broker.ParseOptionSymbol(c.Symbol)
		require.NoError(t, err)
		assert.Equal(t, c.Strike, occ.Strike)

		switch c.Type {
		case broker.OptionTypePut:
			assert.True(t, c.Delta < 0 && c.Delta > -1)
			assert.LessOrEqual(t, c.Delta, prevPut+1e-12, "put delta grows with strike")
			prevPut = c.Delta
		case broker.OptionTypeCall:
			assert.True(t, c.Delta > 0 && c.Delta < 1)
		}
	}

	quote, err := g.GetQuote(context.Background(), chain[0].Symbol)
	require.NoError(t, err)
	assert.Equal(t, chain[0].Bid, quote.Bid)
	assert.Equal(t, chain[0].Ask, quote.Ask)
}

func TestGateway_DailyBarsSkipWeekends(t *testing.T) {
	g := newTestGateway()
	start := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 9, 14, 0, 0, 0, 0, time.UTC)

	bars, err := g.GetDailyBars(context.Background(), "KO", start, end)
	require.NoError(t, err)
	assert.Len(t, bars, 10)
	for _, b := range bars {
		assert.NotEqual(t, time.Saturday, b.Date.Weekday())
		assert.NotEqual(t, time.Sunday, b.Date.Weekday())
		assert.GreaterOrEqual(t, b.High, b.Low)
	}
}

func TestGateway_WheelCycle(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(WithPrice("KO", 60))
	exp := time.Date(2025, 10, 17, 0, 0, 0, 0, time.UTC)
	put := broker.FormatOptionSymbol("KO", exp, broker.OptionTypePut, 55)
	call := broker.FormatOptionSymbol("KO", exp, broker.OptionTypeCall, 60)

	order, err := g.SubmitOrder(ctx, broker.OrderRequest{
		Underlying: "KO", OptionSymbol: put, Side: broker.SideSellToOpen,
		Type: broker.OrderTypeLimit, Quantity: 2, LimitPrice: 0.80,
	})
	require.NoError(t, err)
	assert.Equal(t, "filled", order.Status)

	acct, err := g.GetAccount(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 100160, acct.Cash, 1e-6)
	assert.InDelta(t, 100160-11000, acct.BuyingPower, 1e-6)
	assert.Equal(t, acct.BuyingPower, acct.OptionsBuyingPower)

	positions, err := g.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, -2.0, positions[0].Quantity)
	assert.Equal(t, broker.AssetClassOption, positions[0].AssetClass)

	require.NoError(t, g.Assign(put))
	positions, err = g.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "KO", positions[0].Symbol)
	assert.Equal(t, 200.0, positions[0].Quantity)
	assert.InDelta(t, 11000, positions[0].CostBasis, 1e-6)

	_, err = g.SubmitOrder(ctx, broker.OrderRequest{
		Underlying: "KO", OptionSymbol: call, Side: broker.SideSellToOpen,
		Type: broker.OrderTypeLimit, Quantity: 2, LimitPrice: 0.50,
	})
	require.NoError(t, err)
	require.NoError(t, g.Assign(call))

	positions, err = g.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)

	acct, err = g.GetAccount(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 100000+160-11000+100+12000, acct.Cash, 1e-6)
}

func TestGateway_BuyToClose(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(WithPrice("PFE", 25))
	put := broker.FormatOptionSymbol("PFE", time.Date(2025, 10, 17, 0, 0, 0, 0, time.UTC), broker.OptionTypePut, 23)

	_, err := g.SubmitOrder(ctx, broker.OrderRequest{
		OptionSymbol: put, Side: broker.SideBuyToClose, Type: broker.OrderTypeLimit, Quantity: 1, LimitPrice: 0.1,
	})
	var apiErr *broker.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.Status)

	_, err = g.SubmitOrder(ctx, broker.OrderRequest{
		OptionSymbol: put, Side: broker.SideSellToOpen, Type: broker.OrderTypeLimit, Quantity: 1, LimitPrice: 0.40,
	})
	require.NoError(t, err)
	order, err := g.SubmitOrder(ctx, broker.OrderRequest{
		OptionSymbol: put, Side: broker.SideBuyToClose, Type: broker.OrderTypeLimit, Quantity: 1, LimitPrice: 0.20,
	})
	require.NoError(t, err)

	positions, err := g.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)

	got, err := g.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, string(broker.SideBuyToClose), got.Side)
	assert.Equal(t, 0.20, got.AvgFillPrice)

	_, err = g.GetOrder(ctx, "nope")
	assert.Error(t, err)
}

func TestGateway_RejectsUnaffordablePut(t *testing.T) {
	g := NewGateway(1000, WithClock(func() time.Time { return monday }), WithPrice("KO", 60))
	put := broker.FormatOptionSymbol("KO", time.Date(2025, 10, 17, 0, 0, 0, 0, time.UTC), broker.OptionTypePut, 55)

	_, err := g.SubmitOrder(context.Background(), broker.OrderRequest{
		OptionSymbol: put, Side: broker.SideSellToOpen, Type: broker.OrderTypeLimit, Quantity: 1, LimitPrice: 0.80,
	})
	assert.Equal(t, broker.ErrorInsufficientFunds, broker.Classify(err))
}

func TestGateway_InvalidOrder(t *testing.T) {
	_, err := newTestGateway().SubmitOrder(context.Background(), broker.OrderRequest{Side: broker.SideSellToOpen})
	assert.Error(t, err)
}
