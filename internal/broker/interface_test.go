package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/sony/gobreaker"
)

// fakeGateway for testing CircuitBreakerGateway
type fakeGateway struct {
	callCount int
	failAfter int
	failWith  error
}

func (f *fakeGateway) next() error {
	f.callCount++
	if f.failWith != nil && f.callCount > f.failAfter {
		return f.failWith
	}
	return nil
}

func (f *fakeGateway) GetAccount(_ context.Context) (*Account, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return &Account{PortfolioValue: 1000}, nil
}

func (f *fakeGateway) GetPositions(_ context.Context) ([]Position, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return []Position{{Symbol: "KO", Quantity: 100}}, nil
}

func (f *fakeGateway) GetQuote(_ context.Context, symbol string) (*Quote, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return &Quote{Symbol: symbol, Last: 60}, nil
}

func (f *fakeGateway) GetExpirations(_ context.Context, _ string) ([]time.Time, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return []time.Time{time.Date(2025, 10, 17, 0, 0, 0, 0, time.UTC)}, nil
}

func (f *fakeGateway) GetOptionChain(_ context.Context, _ string, _ time.Time) ([]OptionContract, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return []OptionContract{{Symbol: "KO251017P00055000"}}, nil
}

func (f *fakeGateway) GetDailyBars(_ context.Context, _ string, _, _ time.Time) ([]Bar, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return []Bar{{Close: 60}}, nil
}

func (f *fakeGateway) SubmitOrder(_ context.Context, req OrderRequest) (*Order, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return &Order{ID: "1", Symbol: req.OptionSymbol}, nil
}

func (f *fakeGateway) GetOrder(_ context.Context, id string) (*Order, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return &Order{ID: id}, nil
}

func newTestBreaker(g Gateway, settings CircuitBreakerSettings) *CircuitBreakerGateway {
	logger, _ := test.NewNullLogger()
	return NewCircuitBreakerGateway(g, settings, logger)
}

func TestCircuitBreakerGateway_AllMethodsPassThrough(t *testing.T) {
	cb := newTestBreaker(&fakeGateway{}, DefaultCircuitBreakerSettings())
	ctx := context.Background()

	if acct, err := cb.GetAccount(ctx); err != nil || acct.PortfolioValue != 1000 {
		t.Errorf("GetAccount = %+v, %v", acct, err)
	}
	if pos, err := cb.GetPositions(ctx); err != nil || len(pos) != 1 {
		t.Errorf("GetPositions = %+v, %v", pos, err)
	}
	if q, err := cb.GetQuote(ctx, "KO"); err != nil || q.Symbol != "KO" {
		t.Errorf("GetQuote = %+v, %v", q, err)
	}
	if exps, err := cb.GetExpirations(ctx, "KO"); err != nil || len(exps) != 1 {
		t.Errorf("GetExpirations = %+v, %v", exps, err)
	}
	if chain, err := cb.GetOptionChain(ctx, "KO", time.Now()); err != nil || len(chain) != 1 {
		t.Errorf("GetOptionChain = %+v, %v", chain, err)
	}
	if bars, err := cb.GetDailyBars(ctx, "KO", time.Now(), time.Now()); err != nil || len(bars) != 1 {
		t.Errorf("GetDailyBars = %+v, %v", bars, err)
	}
	if o, err := cb.SubmitOrder(ctx, OrderRequest{OptionSymbol: "X"}); err != nil || o.Symbol != "X" {
		t.Errorf("SubmitOrder = %+v, %v", o, err)
	}
	if o, err := cb.GetOrder(ctx, "42"); err != nil || o.ID != "42" {
		t.Errorf("GetOrder = %+v, %v", o, err)
	}
	if cb.State() != gobreaker.StateClosed.String() {
		t.Errorf("State = %s, want closed", cb.State())
	}
}

func TestCircuitBreakerGateway_TripsOnTransientFailures(t *testing.T) {
	fake := &fakeGateway{failAfter: 2, failWith: &APIError{Status: 503, Body: "unavailable"}}
	cb := newTestBreaker(fake, CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  5,
		FailureRatio: 0.6,
	})

	// 2 successes then 3 failures: 3/5 = 60% trips the breaker
	for i := 0; i < 5; i++ {
		_, _ = cb.GetAccount(context.Background())
	}
	if cb.breaker.State() != gobreaker.StateOpen {
		t.Fatalf("Circuit breaker should be open, but state is %s", cb.breaker.State())
	}

	calls := fake.callCount
	_, err := cb.GetAccount(context.Background())
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected ErrOpenState, got %v", err)
	}
	if fake.callCount != calls {
		t.Error("open breaker must not reach the underlying gateway")
	}
	if IsTransient(err) {
		t.Error("open breaker error must not be retried")
	}
}

func TestCircuitBreakerGateway_BelowMinRequestsStaysClosed(t *testing.T) {
	fake := &fakeGateway{failWith: &APIError{Status: 503, Body: "unavailable"}}
	cb := newTestBreaker(fake, DefaultCircuitBreakerSettings())

	for i := 0; i < 4; i++ {
		_, _ = cb.GetQuote(context.Background(), "KO")
	}
	if cb.breaker.State() != gobreaker.StateClosed {
		t.Fatalf("breaker should stay closed below min requests, got %s", cb.breaker.State())
	}
}

func TestCircuitBreakerGateway_BusinessRejectionsDoNotTrip(t *testing.T) {
	fake := &fakeGateway{failWith: &APIError{Status: 400, Body: "insufficient buying power"}}
	cb := newTestBreaker(fake, DefaultCircuitBreakerSettings())

	for i := 0; i < 10; i++ {
		_, err := cb.SubmitOrder(context.Background(), OrderRequest{OptionSymbol: "X"})
		if err == nil {
			t.Fatal("expected rejection to propagate")
		}
	}
	if cb.breaker.State() != gobreaker.StateClosed {
		t.Fatalf("rejections must not open the breaker, got %s", cb.breaker.State())
	}
}

func TestCircuitBreakerGateway_Recovery(t *testing.T) {
	fake := &fakeGateway{failAfter: 0, failWith: errors.New("connection refused")}
	cb := newTestBreaker(fake, CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      15 * time.Millisecond,
		MinRequests:  2,
		FailureRatio: 0.5,
	})

	for i := 0; i < 2; i++ {
		_, _ = cb.GetAccount(context.Background())
	}
	if cb.breaker.State() != gobreaker.StateOpen {
		t.Fatalf("expected open, got %s", cb.breaker.State())
	}

	fake.failWith = nil
	deadline := time.Now().Add(time.Second)
	for cb.breaker.State() != gobreaker.StateHalfOpen && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if _, err := cb.GetAccount(context.Background()); err != nil {
		t.Fatalf("half-open probe should succeed: %v", err)
	}
	if cb.breaker.State() != gobreaker.StateClosed {
		t.Errorf("expected closed after successful probe, got %s", cb.breaker.State())
	}
}

func TestOrderRequestValidate(t *testing.T) {
	valid := OrderRequest{OptionSymbol: "KO251017P00055000", Side: SideBuyToClose, Type: OrderTypeLimit, Quantity: 1, LimitPrice: 0.1}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid request rejected: %v", err)
	}
	market := OrderRequest{OptionSymbol: "KO251017P00055000", Side: SideBuyToClose, Type: OrderTypeMarket, Quantity: 1}
	if err := market.Validate(); err != nil {
		t.Errorf("market order needs no limit: %v", err)
	}
}

func TestPositionHelpers(t *testing.T) {
	stock := Position{Symbol: "ko", Quantity: 200, AssetClass: AssetClassEquity}
	if _, ok := stock.Option(); ok {
		t.Error("equity must not parse as option")
	}
	if stock.Underlying() != "KO" {
		t.Errorf("Underlying = %q", stock.Underlying())
	}

	call := Position{Symbol: "KO251017C00062500", Quantity: -2, AssetClass: AssetClassOption}
	occ, ok := call.Option()
	if !ok || occ.Type != OptionTypeCall || occ.Strike != 62.5 {
		t.Errorf("Option = %+v, %v", occ, ok)
	}
	if call.Contracts() != 2 || !call.IsShort() {
		t.Errorf("Contracts = %d short = %v", call.Contracts(), call.IsShort())
	}
}

func TestDaysBetween(t *testing.T) {
	from := time.Date(2025, 9, 1, 23, 0, 0, 0, time.UTC)
	to := time.Date(2025, 9, 11, 1, 0, 0, 0, time.UTC)
	if got := DaysBetween(from, to); got != 10 {
		t.Errorf("DaysBetween = %d, want 10", got)
	}
	if got := DaysBetween(to, from); got != 10 {
		t.Errorf("DaysBetween reversed = %d, want 10", got)
	}
}
