// Package broker provides the brokerage gateway contract and the Tradier API client
// used to trade cash-secured puts and covered calls.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const dateLayout = "2006-01-02"

// TradierAPI implements Gateway against the Tradier REST API.
type TradierAPI struct {
	client    *http.Client
	logger    logrus.FieldLogger
	limiters  map[endpointClass]*rate.Limiter
	apiKey    string
	baseURL   string
	accountID string
	sandbox   bool
}

var _ Gateway = (*TradierAPI)(nil)

// RateLimits defines API rate limits for different endpoint categories.
type RateLimits struct {
	MarketData int // requests per minute
	Trading    int // requests per minute
	Standard   int // requests per minute
}

type endpointClass int

const (
	classMarketData endpointClass = iota
	classTrading
	classStandard
)

// TradierOptions configures NewTradierAPI. Zero values fall back to defaults.
type TradierOptions struct {
	HTTPClient *http.Client
	Logger     logrus.FieldLogger
	BaseURL    string
	Limits     RateLimits
	Timeout    time.Duration
	Sandbox    bool
}

// NewTradierAPI creates a Tradier client for one account.
func NewTradierAPI(apiKey, accountID string, opts TradierOptions) *TradierAPI {
	baseURL := opts.BaseURL
	if baseURL == "" {
		if opts.Sandbox {
			baseURL = "https://sandbox.tradier.com/v1"
		} else {
			baseURL = "https://api.tradier.com/v1"
		}
	}
	baseURL = strings.TrimRight(baseURL, "/")

	limits := opts.Limits
	if limits.MarketData <= 0 && limits.Trading <= 0 && limits.Standard <= 0 {
		if opts.Sandbox {
			limits = RateLimits{MarketData: 120, Trading: 120, Standard: 120}
		} else {
			limits = RateLimits{MarketData: 500, Trading: 500, Standard: 500}
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &TradierAPI{
		client:    client,
		logger:    logger.WithField("component", "tradier"),
		apiKey:    apiKey,
		baseURL:   baseURL,
		accountID: accountID,
		sandbox:   opts.Sandbox,
		limiters: map[endpointClass]*rate.Limiter{
			classMarketData: newLimiter(limits.MarketData),
			classTrading:    newLimiter(limits.Trading),
			classStandard:   newLimiter(limits.Standard),
		},
	}
}

// newLimiter converts a per-minute budget into a token bucket with a 10% burst.
func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := perMinute / 10
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
}

// ============ API Response Structures ============

// Handle single-object vs array responses from Tradier
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte(`"null"`)) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

// nullableObject tolerates Tradier's habit of sending "null" in place of empty objects.
type nullableObject[T any] struct {
	Value T
}

func (n *nullableObject[T]) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if bytes.Equal(trimmed, []byte(`null`)) || bytes.Equal(trimmed, []byte(`"null"`)) {
		return nil
	}
	return json.Unmarshal(trimmed, &n.Value)
}

type tradierOption struct {
	Greeks         *tradierGreeks `json:"greeks,omitempty"`
	Symbol         string         `json:"symbol"`
	OptionType     string         `json:"option_type"`
	ExpirationDate string         `json:"expiration_date"`
	Underlying     string         `json:"underlying"`
	Bid            float64        `json:"bid"`
	Ask            float64        `json:"ask"`
	Last           float64        `json:"last"`
	Volume         int64          `json:"volume"`
	OpenInterest   int64          `json:"open_interest"`
	Strike         float64        `json:"strike"`
}

type tradierGreeks struct {
	Delta float64 `json:"delta"`
	MidIV float64 `json:"mid_iv"`
}

type optionChainResponse struct {
	Options nullableObject[struct {
		Option singleOrArray[tradierOption] `json:"option"`
	}] `json:"options"`
}

type tradierPosition struct {
	DateAcquired string  `json:"date_acquired"`
	Symbol       string  `json:"symbol"`
	CostBasis    float64 `json:"cost_basis"`
	Quantity     float64 `json:"quantity"`
}

type positionsResponse struct {
	Positions nullableObject[struct {
		Position singleOrArray[tradierPosition] `json:"position"`
	}] `json:"positions"`
}

type tradierQuote struct {
	Symbol        string  `json:"symbol"`
	Last          float64 `json:"last"`
	Bid           float64 `json:"bid"`
	Ask           float64 `json:"ask"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	PrevClose     float64 `json:"prevclose"`
	Volume        int64   `json:"volume"`
	AverageVolume int64   `json:"average_volume"`
}

type quotesResponse struct {
	Quotes nullableObject[struct {
		Quote singleOrArray[tradierQuote] `json:"quote"`
	}] `json:"quotes"`
}

type expirationsResponse struct {
	Expirations nullableObject[struct {
		Date singleOrArray[string] `json:"date"`
	}] `json:"expirations"`
}

type balanceResponse struct {
	Balances struct {
		AccountType      string  `json:"account_type"`
		TotalEquity      float64 `json:"total_equity"`
		Equity           float64 `json:"equity"`
		TotalCash        float64 `json:"total_cash"`
		MarketValue      float64 `json:"market_value"`
		StockLongValue   float64 `json:"stock_long_value"`
		OptionShortValue float64 `json:"option_short_value"`

		Margin *struct {
			OptionBuyingPower float64 `json:"option_buying_power"`
			StockBuyingPower  float64 `json:"stock_buying_power"`
		} `json:"margin"`

		Cash *struct {
			CashAvailable float64 `json:"cash_available"`
		} `json:"cash"`

		PDT *struct {
			OptionBuyingPower float64 `json:"option_buying_power"`
			StockBuyingPower  float64 `json:"stock_buying_power"`
		} `json:"pdt"`
	} `json:"balances"`
}

// buyingPower extracts stock and option buying power based on account type
func (b *balanceResponse) buyingPower() (stock, option float64, err error) {
	switch b.Balances.AccountType {
	case "margin":
		if b.Balances.Margin != nil {
			return b.Balances.Margin.StockBuyingPower, b.Balances.Margin.OptionBuyingPower, nil
		}
		return 0, 0, fmt.Errorf("margin account type specified but margin data is missing")
	case "pdt":
		if b.Balances.PDT != nil {
			return b.Balances.PDT.StockBuyingPower, b.Balances.PDT.OptionBuyingPower, nil
		}
		return 0, 0, fmt.Errorf("pdt account type specified but pdt data is missing")
	case "cash":
		if b.Balances.Cash != nil {
			return b.Balances.Cash.CashAvailable, b.Balances.Cash.CashAvailable, nil
		}
		return 0, 0, fmt.Errorf("cash account type specified but cash data is missing")
	}
	return 0, 0, fmt.Errorf("unknown account type: %s", b.Balances.AccountType)
}

type tradierOrder struct {
	CreateDate   string  `json:"create_date"`
	Symbol       string  `json:"symbol"`
	OptionSymbol string  `json:"option_symbol"`
	Side         string  `json:"side"`
	Status       string  `json:"status"`
	ID           int64   `json:"id"`
	Quantity     float64 `json:"quantity"`
	ExecQuantity float64 `json:"exec_quantity"`
	AvgFillPrice float64 `json:"avg_fill_price"`
}

type orderResponse struct {
	Order tradierOrder `json:"order"`
}

type historyResponse struct {
	History nullableObject[struct {
		Day singleOrArray[struct {
			Date   string  `json:"date"`
			Open   float64 `json:"open"`
			High   float64 `json:"high"`
			Low    float64 `json:"low"`
			Close  float64 `json:"close"`
			Volume int64   `json:"volume"`
		}] `json:"day"`
	}] `json:"history"`
}

// ============ API Methods ============

// GetAccount retrieves balances and normalises buying power across account types.
func (t *TradierAPI) GetAccount(ctx context.Context) (*Account, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/balances", t.baseURL, t.accountID)

	var response balanceResponse
	if err := t.makeRequestCtx(ctx, classStandard, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}

	stockBP, optionBP, err := response.buyingPower()
	if err != nil {
		return nil, err
	}

	return &Account{
		PortfolioValue:     response.Balances.TotalEquity,
		Equity:             response.Balances.Equity,
		Cash:               response.Balances.TotalCash,
		BuyingPower:        stockBP,
		OptionsBuyingPower: optionBP,
	}, nil
}

// GetPositions retrieves current positions from the account.
func (t *TradierAPI) GetPositions(ctx context.Context) ([]Position, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/positions", t.baseURL, t.accountID)

	var response positionsResponse
	if err := t.makeRequestCtx(ctx, classStandard, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}

	items := response.Positions.Value.Position
	positions := make([]Position, 0, len(items))
	for _, item := range items {
		pos := Position{
			Symbol:     item.Symbol,
			Quantity:   item.Quantity,
			CostBasis:  item.CostBasis,
			AssetClass: AssetClassEquity,
		}
		if _, err := ParseOptionSymbol(item.Symbol); err == nil {
			pos.AssetClass = AssetClassOption
		}
		if acquired, err := time.Parse(time.RFC3339, item.DateAcquired); err == nil {
			pos.DateAcquired = acquired
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// GetQuote retrieves the current market quote for a symbol.
func (t *TradierAPI) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	params := url.Values{}
	params.Set("symbols", symbol)
	params.Set("greeks", "false")
	endpoint := t.baseURL + "/markets/quotes?" + params.Encode()

	var response quotesResponse
	if err := t.makeRequestCtx(ctx, classMarketData, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}

	quotes := response.Quotes.Value.Quote
	if len(quotes) == 0 {
		return nil, &APIError{Status: http.StatusNotFound, Body: "no quote found for symbol: " + symbol}
	}

	q := quotes[0]
	return &Quote{
		Symbol:        q.Symbol,
		Last:          q.Last,
		Bid:           q.Bid,
		Ask:           q.Ask,
		Open:          q.Open,
		High:          q.High,
		Low:           q.Low,
		PrevClose:     q.PrevClose,
		Volume:        q.Volume,
		AverageVolume: q.AverageVolume,
	}, nil
}

// GetExpirations retrieves available expiration dates for options on a symbol.
func (t *TradierAPI) GetExpirations(ctx context.Context, symbol string) ([]time.Time, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("includeAllRoots", "true")
	params.Set("strikes", "false")
	endpoint := t.baseURL + "/markets/options/expirations?" + params.Encode()

	var response expirationsResponse
	if err := t.makeRequestCtx(ctx, classMarketData, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}

	dates := make([]time.Time, 0, len(response.Expirations.Value.Date))
	for _, d := range response.Expirations.Value.Date {
		exp, err := time.Parse(dateLayout, d)
		if err != nil {
			return nil, fmt.Errorf("failed to parse expiration %s: %w", d, err)
		}
		dates = append(dates, exp)
	}
	return dates, nil
}

// GetOptionChain retrieves the option chain with greeks for a symbol and expiration date.
func (t *TradierAPI) GetOptionChain(ctx context.Context, symbol string, expiration time.Time) ([]OptionContract, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("expiration", expiration.Format(dateLayout))
	params.Set("greeks", "true")
	endpoint := t.baseURL + "/markets/options/chains?" + params.Encode()

	var response optionChainResponse
	if err := t.makeRequestCtx(ctx, classMarketData, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}

	options := response.Options.Value.Option
	contracts := make([]OptionContract, 0, len(options))
	for _, o := range options {
		exp, err := time.Parse(dateLayout, o.ExpirationDate)
		if err != nil {
			exp = expiration
		}
		c := OptionContract{
			Symbol:       o.Symbol,
			Underlying:   o.Underlying,
			Type:         OptionType(strings.ToLower(o.OptionType)),
			Strike:       o.Strike,
			Expiration:   exp,
			Bid:          o.Bid,
			Ask:          o.Ask,
			Last:         o.Last,
			Volume:       o.Volume,
			OpenInterest: o.OpenInterest,
		}
		if o.Greeks != nil {
			c.Delta = o.Greeks.Delta
			c.ImpliedVol = o.Greeks.MidIV
		}
		contracts = append(contracts, c)
	}
	return contracts, nil
}

// GetDailyBars retrieves daily OHLCV history between start and end inclusive.
func (t *TradierAPI) GetDailyBars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error) {
	params := url.Values{}
	params.Add("symbol", symbol)
	params.Add("interval", "daily")
	params.Add("start", start.Format(dateLayout))
	params.Add("end", end.Format(dateLayout))
	endpoint := t.baseURL + "/markets/history?" + params.Encode()

	var response historyResponse
	if err := t.makeRequestCtx(ctx, classMarketData, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, fmt.Errorf("failed to get historical data for %s: %w", symbol, err)
	}

	days := response.History.Value.Day
	bars := make([]Bar, len(days))
	for i, day := range days {
		date, err := time.Parse(dateLayout, day.Date)
		if err != nil {
			return nil, fmt.Errorf("failed to parse date %s: %w", day.Date, err)
		}
		bars[i] = Bar{
			Date:   date,
			Open:   day.Open,
			High:   day.High,
			Low:    day.Low,
			Close:  day.Close,
			Volume: day.Volume,
		}
	}
	return bars, nil
}

// SubmitOrder places a single-leg option order.
func (t *TradierAPI) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	underlying := req.Underlying
	if underlying == "" {
		occ, err := ParseOptionSymbol(req.OptionSymbol)
		if err != nil {
			return nil, fmt.Errorf("failed to extract underlying symbol: %w", err)
		}
		underlying = occ.Underlying
	}
	orderType := req.Type
	if orderType == "" {
		orderType = OrderTypeLimit
	}

	params := url.Values{}
	params.Add("class", "option")
	params.Add("symbol", underlying)
	params.Add("option_symbol", req.OptionSymbol)
	params.Add("side", string(req.Side))
	params.Add("quantity", strconv.Itoa(req.Quantity))
	params.Add("type", string(orderType))
	params.Add("duration", "day")
	if orderType == OrderTypeLimit {
		params.Add("price", fmt.Sprintf("%.2f", req.LimitPrice))
	}
	if req.Tag != "" {
		params.Add("tag", req.Tag)
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)

	var response orderResponse
	if err := t.makeRequestCtx(ctx, classTrading, http.MethodPost, endpoint, params, &response); err != nil {
		return nil, err
	}
	if response.Order.ID == 0 {
		return nil, &APIError{Status: http.StatusBadRequest, Body: "order rejected: no order id returned"}
	}

	t.logger.WithFields(logrus.Fields{
		"order_id": response.Order.ID,
		"symbol":   req.OptionSymbol,
		"side":     req.Side,
		"quantity": req.Quantity,
		"price":    req.LimitPrice,
	}).Info("Order submitted")

	return &Order{
		ID:       strconv.FormatInt(response.Order.ID, 10),
		Status:   response.Order.Status,
		Symbol:   req.OptionSymbol,
		Side:     string(req.Side),
		Quantity: float64(req.Quantity),
	}, nil
}

// GetOrder retrieves the status of an existing order by ID
func (t *TradierAPI) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%s", t.baseURL, t.accountID, url.PathEscape(orderID))

	var response orderResponse
	if err := t.makeRequestCtx(ctx, classStandard, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}

	o := response.Order
	symbol := o.OptionSymbol
	if symbol == "" {
		symbol = o.Symbol
	}
	order := &Order{
		ID:           strconv.FormatInt(o.ID, 10),
		Status:       o.Status,
		Symbol:       symbol,
		Side:         o.Side,
		Quantity:     o.Quantity,
		ExecQuantity: o.ExecQuantity,
		AvgFillPrice: o.AvgFillPrice,
	}
	if created, err := time.Parse(time.RFC3339, o.CreateDate); err == nil {
		order.CreatedAt = created
	}
	return order, nil
}

// makeRequestCtx waits on the endpoint class limiter, then performs the HTTP call.
func (t *TradierAPI) makeRequestCtx(ctx context.Context, class endpointClass, method, endpoint string,
	params url.Values, response interface{}) error {
	if limiter := t.limiters[class]; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var req *http.Request
	var err error

	if method == http.MethodPost && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("Authorization", "Bearer "+t.apiKey)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "scranton-wheel/1.0 (+tradier)")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.logger.WithError(err).Debug("Failed to close response body")
		}
	}()

	if remaining := resp.Header.Get("X-Ratelimit-Available"); remaining != "" && t.sandbox {
		t.logger.WithField("remaining", remaining).Debug("Rate limit")
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s (retry-after: %s)", method, endpoint, string(body), ra)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, endpoint, string(body))}
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}
