package retry

import (
	"context"
	"time"

	"github.com/eddiefleurent/scranton_wheel/internal/broker"
	"github.com/sirupsen/logrus"
)

// Client decorates a broker.Gateway so that every call is retried on transient errors.
type Client struct {
	gateway broker.Gateway
	policy  *Policy
}

var _ broker.Gateway = (*Client)(nil)

// NewClient wraps gateway with a policy retrying broker.IsTransient failures.
func NewClient(gateway broker.Gateway, logger logrus.FieldLogger, cfg Config) *Client {
	return &Client{
		gateway: gateway,
		policy:  NewPolicy(cfg, broker.IsTransient, logger),
	}
}

// GetAccount retries the underlying call.
func (c *Client) GetAccount(ctx context.Context) (*broker.Account, error) {
	return Do(ctx, c.policy, "get_account", c.gateway.GetAccount)
}

// GetPositions retries the underlying call.
func (c *Client) GetPositions(ctx context.Context) ([]broker.Position, error) {
	return Do(ctx, c.policy, "get_positions", c.gateway.GetPositions)
}

// GetQuote retries the underlying call.
func (c *Client) GetQuote(ctx context.Context, symbol string) (*broker.Quote, error) {
	return Do(ctx, c.policy, "get_quote", func(ctx context.Context) (*broker.Quote, error) {
		return c.gateway.GetQuote(ctx, symbol)
	})
}

// GetExpirations retries the underlying call.
func (c *Client) GetExpirations(ctx context.Context, symbol string) ([]time.Time, error) {
	return Do(ctx, c.policy, "get_expirations", func(ctx context.Context) ([]time.Time, error) {
		return c.gateway.GetExpirations(ctx, symbol)
	})
}

// GetOptionChain retries the underlying call.
func (c *Client) GetOptionChain(ctx context.Context, symbol string, expiration time.Time) ([]broker.OptionContract, error) {
	return Do(ctx, c.policy, "get_option_chain", func(ctx context.Context) ([]broker.OptionContract, error) {
		return c.gateway.GetOptionChain(ctx, symbol, expiration)
	})
}

// GetDailyBars retries the underlying call.
func (c *Client) GetDailyBars(ctx context.Context, symbol string, start, end time.Time) ([]broker.Bar, error) {
	return Do(ctx, c.policy, "get_daily_bars", func(ctx context.Context) ([]broker.Bar, error) {
		return c.gateway.GetDailyBars(ctx, symbol, start, end)
	})
}

// SubmitOrder retries the underlying call with the same request on every attempt.
func (c *Client) SubmitOrder(ctx context.Context, req broker.OrderRequest) (*broker.Order, error) {
	return Do(ctx, c.policy, "submit_order", func(ctx context.Context) (*broker.Order, error) {
		return c.gateway.SubmitOrder(ctx, req)
	})
}

// GetOrder retries the underlying call.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*broker.Order, error) {
	return Do(ctx, c.policy, "get_order", func(ctx context.Context) (*broker.Order, error) {
		return c.gateway.GetOrder(ctx, orderID)
	})
}
