// Package broker implements the Tradier gateway used for paper-trade order
// routing, balances and market data. Requests are form-encoded, responses
// carry the dict-vs-list quirks that singleOrArray absorbs.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/papertrade/optionscout/internal/analysis"
	"github.com/papertrade/optionscout/internal/models"
	"github.com/papertrade/optionscout/internal/ratelimit"
	"github.com/papertrade/optionscout/internal/util"
)

// Env selects the broker environment. It is fixed at construction; sandbox
// and live tokens are not interchangeable.
type Env string

const (
	EnvSandbox Env = "sandbox"
	EnvLive    Env = "live"
)

func (e Env) baseURL() string {
	if e == EnvLive {
		return "https://api.tradier.com/v1"
	}
	return "https://sandbox.tradier.com/v1"
}

// Broker call ceiling and the transport retry schedule for idempotent reads.
const (
	CallsPerMinute     = 50
	transportRetries   = 2
	transportRetryWait = 1 * time.Second
)

// Order confirmation poll: after a 200 on placement the order resource is
// polled until it settles or the attempts run out.
const (
	confirmPolls = 3
	confirmDelay = 2 * time.Second
)

// Order status values as reported by the order resource.
const (
	OrderStatusPending       = "pending"
	OrderStatusOpen          = "open"
	OrderStatusSubmitted     = "submitted"
	OrderStatusFilled        = "filled"
	OrderStatusPartiallyFill = "partially_filled"
	OrderStatusRejected      = "rejected"
	OrderStatusCanceled      = "canceled"
	OrderStatusExpired       = "expired"
	OrderStatusUnknown       = "unknown"
)

const (
	defaultOrderDuration     = "day"
	defaultBracketLimitFloor = 0.80
)

// Client is the Tradier HTTP client. All methods take a context; the shared
// rate limiter paces every request and is fed back from response headers.
type Client struct {
	httpClient *http.Client
	token      string
	accountID  string
	baseURL    string
	env        Env
	limiter    *ratelimit.Limiter
	log        zerolog.Logger

	// injectable for tests
	confirmSleep func(ctx context.Context, d time.Duration) error
	retryWait    time.Duration
}

// NewClient constructs a client for the given environment. The limiter may
// be shared across instances so concurrent users draw from one 50/min window.
func NewClient(token, accountID string, env Env, limiter *ratelimit.Limiter, log zerolog.Logger) *Client {
	if limiter == nil {
		limiter = ratelimit.New(CallsPerMinute, time.Minute)
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		token:      token,
		accountID:  accountID,
		baseURL:    env.baseURL(),
		env:        env,
		limiter:    limiter,
		log:        log.With().Str("component", "broker").Str("env", string(env)).Logger(),
		confirmSleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
		retryWait: transportRetryWait,
	}
}

// WithBaseURL overrides the endpoint, for tests against a stub server.
func (c *Client) WithBaseURL(u string) *Client {
	c.baseURL = strings.TrimRight(u, "/")
	return c
}

// WithHTTPClient swaps the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.httpClient = hc
	}
	return c
}

// Env reports the environment the client was built for.
func (c *Client) Env() Env { return c.env }

// ============ Wire Types ============

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

// QuoteItem is a raw quote row. Equity and option quotes share this shape;
// option rows additionally carry strike, expiry and greeks.
type QuoteItem struct {
	Greeks           *WireGreeks `json:"greeks,omitempty"`
	Symbol           string      `json:"symbol"`
	Description      string      `json:"description"`
	Type             string      `json:"type"`
	ExpirationDate   string      `json:"expiration_date,omitempty"`
	OptionType       string      `json:"option_type,omitempty"`
	Underlying       string      `json:"underlying,omitempty"`
	Last             float64     `json:"last"`
	Bid              float64     `json:"bid"`
	Ask              float64     `json:"ask"`
	Open             float64     `json:"open"`
	High             float64     `json:"high"`
	Low              float64     `json:"low"`
	Close            float64     `json:"close"`
	PrevClose        float64     `json:"prevclose"`
	Change           float64     `json:"change"`
	ChangePercentage float64     `json:"change_percentage"`
	Volume           int64       `json:"volume"`
	AverageVolume    int64       `json:"average_volume"`
	OpenInterest     int64       `json:"open_interest,omitempty"`
	Strike           float64     `json:"strike,omitempty"`
}

// WireGreeks is the greeks block attached to option quotes and chains.
type WireGreeks struct {
	Delta     float64 `json:"delta"`
	Gamma     float64 `json:"gamma"`
	Theta     float64 `json:"theta"`
	Vega      float64 `json:"vega"`
	Rho       float64 `json:"rho"`
	MidIV     float64 `json:"mid_iv"`
	SmvVol    float64 `json:"smv_vol"`
	UpdatedAt string  `json:"updated_at"`
}

type quotesResponse struct {
	Quotes struct {
		Quote singleOrArray[QuoteItem] `json:"quote"`
	} `json:"quotes"`
}

// ChainOption is one contract row from the chain endpoint.
type ChainOption struct {
	Greeks         *WireGreeks `json:"greeks,omitempty"`
	Symbol         string      `json:"symbol"`
	Description    string      `json:"description"`
	OptionType     string      `json:"option_type"`
	ExpirationDate string      `json:"expiration_date"`
	Underlying     string      `json:"underlying"`
	Bid            float64     `json:"bid"`
	Ask            float64     `json:"ask"`
	Last           float64     `json:"last"`
	Strike         float64     `json:"strike"`
	Volume         int64       `json:"volume"`
	OpenInterest   int64       `json:"open_interest"`
}

type chainResponse struct {
	Options struct {
		Option singleOrArray[ChainOption] `json:"option"`
	} `json:"options"`
}

type expirationsResponse struct {
	Expirations struct {
		Date []string `json:"date"`
	} `json:"expirations"`
}

// Balances is the account balance summary.
type Balances struct {
	Balances struct {
		TotalEquity       float64 `json:"total_equity"`
		TotalCash         float64 `json:"total_cash"`
		OptionBuyingPower float64 `json:"option_buying_power"`
		StockBuyingPower  float64 `json:"stock_buying_power"`
		MarketValue       float64 `json:"market_value"`
	} `json:"balances"`
}

type positionsResponse struct {
	Positions positionsWrapper `json:"positions"`
}

// positionsWrapper absorbs the "null" string the API emits for an empty book.
type positionsWrapper struct {
	Position singleOrArray[PositionItem] `json:"position"`
}

func (pw *positionsWrapper) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if bytes.Equal(trimmed, []byte(`null`)) || bytes.Equal(trimmed, []byte(`"null"`)) {
		*pw = positionsWrapper{}
		return nil
	}
	type plain positionsWrapper
	return json.Unmarshal(b, (*plain)(pw))
}

// PositionItem is one open position at the broker.
type PositionItem struct {
	Symbol       string  `json:"symbol"`
	DateAcquired string  `json:"date_acquired"`
	CostBasis    float64 `json:"cost_basis"`
	Quantity     float64 `json:"quantity"`
	ID           int     `json:"id"`
}

// Order is the order resource as returned on placement and status queries.
type Order struct {
	CreateDate        string  `json:"create_date"`
	Type              string  `json:"type"`
	Symbol            string  `json:"symbol"`
	OptionSymbol      string  `json:"option_symbol"`
	Side              string  `json:"side"`
	Class             string  `json:"class"`
	Status            string  `json:"status"`
	Duration          string  `json:"duration"`
	ReasonDescription string  `json:"reason_description"`
	Tag               string  `json:"tag"`
	AvgFillPrice      float64 `json:"avg_fill_price"`
	ExecQuantity      float64 `json:"exec_quantity"`
	LastFillPrice     float64 `json:"last_fill_price"`
	RemainingQuantity float64 `json:"remaining_quantity"`
	Price             float64 `json:"price"`
	StopPrice         float64 `json:"stop_price"`
	Quantity          float64 `json:"quantity"`
	ID                int     `json:"id"`
}

type orderResponse struct {
	Order Order `json:"order"`
}

type ordersResponse struct {
	Orders struct {
		Order singleOrArray[Order] `json:"order"`
	} `json:"orders"`
}

type marketClockResponse struct {
	Clock struct {
		Date       string `json:"date"`
		State      string `json:"state"`
		Timestamp  int64  `json:"timestamp"`
		NextChange string `json:"next_change"`
		NextState  string `json:"next_state"`
	} `json:"clock"`
}

type profileResponse struct {
	Profile struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"profile"`
}

// ============ Market Data ============

// GetQuote returns the raw quote for an equity or index symbol.
func (c *Client) GetQuote(ctx context.Context, symbol string) (*QuoteItem, error) {
	params := url.Values{}
	params.Set("symbols", symbol)

	var resp quotesResponse
	if err := c.get(ctx, "/markets/quotes", params, &resp); err != nil {
		return nil, err
	}
	if len(resp.Quotes.Quote) == 0 {
		return nil, fmt.Errorf("no quote returned for %s", symbol)
	}
	return &resp.Quotes.Quote[0], nil
}

// GetExpirations lists option expiration dates (YYYY-MM-DD) for a symbol.
func (c *Client) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("includeAllRoots", "true")

	var resp expirationsResponse
	if err := c.get(ctx, "/markets/options/expirations", params, &resp); err != nil {
		return nil, err
	}
	return resp.Expirations.Date, nil
}

// GetOptionChain fetches the chain for one expiration, with greeks.
func (c *Client) GetOptionChain(ctx context.Context, symbol, expiration string) ([]ChainOption, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("expiration", expiration)
	params.Set("greeks", "true")

	var resp chainResponse
	if err := c.get(ctx, "/markets/options/chains", params, &resp); err != nil {
		return nil, err
	}
	return resp.Options.Option, nil
}

// GetOptionQuote fetches the snapshot-oriented quote for one contract.
// Mark is the theoretical value when positive, else the bid/ask mid, else 0.
// Put delta is forced negative regardless of the feed's sign convention.
func (c *Client) GetOptionQuote(ctx context.Context, ticker string, strike float64, expiry time.Time, optType models.OptionType) (*models.OptionQuote, error) {
	occ := BuildOCCSymbol(ticker, expiry, optType, strike)

	params := url.Values{}
	params.Set("symbols", occ+","+strings.ToUpper(ticker))
	params.Set("greeks", "true")

	var resp quotesResponse
	if err := c.get(ctx, "/markets/quotes", params, &resp); err != nil {
		return nil, err
	}

	var opt, under *QuoteItem
	for i := range resp.Quotes.Quote {
		q := &resp.Quotes.Quote[i]
		switch {
		case q.Symbol == occ:
			opt = q
		case strings.EqualFold(q.Symbol, ticker):
			under = q
		}
	}
	if opt == nil {
		return nil, fmt.Errorf("no option quote returned for %s", occ)
	}

	out := &models.OptionQuote{
		Bid:          opt.Bid,
		Ask:          opt.Ask,
		Volume:       opt.Volume,
		OpenInterest: opt.OpenInterest,
	}
	if under != nil {
		out.Underlying = under.Last
	}
	if g := opt.Greeks; g != nil {
		out.Delta = g.Delta
		out.Gamma = g.Gamma
		out.Theta = g.Theta
		out.Vega = g.Vega
		out.IV = analysis.NormalizeIVPercent(g.MidIV)
	}
	if optType == models.OptionPut && out.Delta > 0 {
		out.Delta = -out.Delta
	}

	dte := models.DaysToExpiry(time.Now().UTC(), expiry)
	if theo := analysis.TheoreticalPrice(out.Underlying, strike, dte, out.IV, optType); theo > 0 {
		out.Mark = theo
	} else {
		out.Mark = util.MidPrice(opt.Bid, opt.Ask)
	}
	return out, nil
}

// GetMarketClock reports the current session state.
func (c *Client) GetMarketClock(ctx context.Context) (state, nextChange string, err error) {
	var resp marketClockResponse
	if err := c.get(ctx, "/markets/clock", nil, &resp); err != nil {
		return "", "", err
	}
	return resp.Clock.State, resp.Clock.NextChange, nil
}

// IsMarketOpen is a convenience wrapper over the market clock.
func (c *Client) IsMarketOpen(ctx context.Context) (bool, error) {
	state, _, err := c.GetMarketClock(ctx)
	if err != nil {
		return false, err
	}
	return state == "open", nil
}

// ============ Account ============

// GetBalances returns the account balance summary.
func (c *Client) GetBalances(ctx context.Context) (*Balances, error) {
	var resp Balances
	endpoint := fmt.Sprintf("/accounts/%s/balances", c.accountID)
	if err := c.get(ctx, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetAccountBalance returns total equity.
func (c *Client) GetAccountBalance(ctx context.Context) (float64, error) {
	b, err := c.GetBalances(ctx)
	if err != nil {
		return 0, err
	}
	return b.Balances.TotalEquity, nil
}

// GetPositions lists open positions. An empty book comes back as the
// string "null" and decodes to an empty slice.
func (c *Client) GetPositions(ctx context.Context) ([]PositionItem, error) {
	var resp positionsResponse
	endpoint := fmt.Sprintf("/accounts/%s/positions", c.accountID)
	if err := c.get(ctx, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Positions.Position, nil
}

// TestConnection verifies the token against the profile endpoint.
func (c *Client) TestConnection(ctx context.Context) error {
	var resp profileResponse
	return c.get(ctx, "/user/profile", nil, &resp)
}

// ============ Orders ============

// OrderRequest describes a single-leg option order.
type OrderRequest struct {
	OptionSymbol string  // OCC symbol
	Side         string  // buy_to_open, sell_to_close, ...
	Quantity     int
	Type         string  // limit or market
	Price        float64 // required for limit
	Duration     string  // defaults to day
	Tag          string  // idempotency tag, surfaced back on status reads
}

// PlaceOrder places a single-leg order and confirms it settled. A 200 on
// the POST is not trusted: the order resource is polled up to confirmPolls
// times, and a final rejected status raises OrderRejectedError with the
// broker's reason. Inconclusive polls log and return status "unknown".
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("invalid order quantity: %d (must be > 0)", req.Quantity)
	}
	if req.Type == "limit" && req.Price <= 0 {
		return nil, fmt.Errorf("invalid limit price: %.2f (must be > 0)", req.Price)
	}
	duration := req.Duration
	if duration == "" {
		duration = defaultOrderDuration
	}

	params := url.Values{}
	params.Set("class", "option")
	params.Set("option_symbol", req.OptionSymbol)
	params.Set("side", req.Side)
	params.Set("quantity", fmt.Sprintf("%d", req.Quantity))
	params.Set("type", req.Type)
	params.Set("duration", duration)
	if req.Type == "limit" {
		params.Set("price", fmt.Sprintf("%.2f", req.Price))
	}
	if req.Tag != "" {
		params.Set("tag", req.Tag)
	}

	var resp orderResponse
	endpoint := fmt.Sprintf("/accounts/%s/orders", c.accountID)
	if err := c.post(ctx, endpoint, params, &resp); err != nil {
		return nil, err
	}

	return c.confirmOrder(ctx, resp.Order)
}

// BracketRequest describes a stop-loss / take-profit OCO pair protecting an
// open long option position.
type BracketRequest struct {
	OptionSymbol  string
	Quantity      int
	StopPrice     float64
	TakeProfit    float64
	Duration      string
	Tag           string
	LimitFloorPct float64 // stop leg limit = stop * floor; defaults to 0.80
}

// PlaceOCOBracket places the two-leg OCO. Leg 0 is a stop-limit (never a
// naked stop): its limit price is the stop discounted by the floor
// percentage, rounded to the penny. Leg 1 is the take-profit limit.
func (c *Client) PlaceOCOBracket(ctx context.Context, req BracketRequest) (*Order, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("invalid bracket quantity: %d (must be > 0)", req.Quantity)
	}
	if req.StopPrice <= 0 || req.TakeProfit <= 0 {
		return nil, fmt.Errorf("invalid bracket prices: stop %.2f, tp %.2f (must be > 0)", req.StopPrice, req.TakeProfit)
	}
	floor := req.LimitFloorPct
	if floor <= 0 {
		floor = defaultBracketLimitFloor
	}
	duration := req.Duration
	if duration == "" {
		duration = "gtc"
	}

	qty := fmt.Sprintf("%d", req.Quantity)

	params := url.Values{}
	params.Set("class", "oco")
	params.Set("duration", duration)
	if req.Tag != "" {
		params.Set("tag", req.Tag)
	}

	// Leg 0: stop-limit exit.
	params.Set("option_symbol[0]", req.OptionSymbol)
	params.Set("side[0]", "sell_to_close")
	params.Set("quantity[0]", qty)
	params.Set("type[0]", "stop_limit")
	params.Set("price[0]", fmt.Sprintf("%.2f", util.Round2(req.StopPrice*floor)))
	params.Set("stop[0]", fmt.Sprintf("%.2f", req.StopPrice))

	// Leg 1: take-profit limit.
	params.Set("option_symbol[1]", req.OptionSymbol)
	params.Set("side[1]", "sell_to_close")
	params.Set("quantity[1]", qty)
	params.Set("type[1]", "limit")
	params.Set("price[1]", fmt.Sprintf("%.2f", req.TakeProfit))

	var resp orderResponse
	endpoint := fmt.Sprintf("/accounts/%s/orders", c.accountID)
	if err := c.post(ctx, endpoint, params, &resp); err != nil {
		return nil, err
	}
	return &resp.Order, nil
}

// GetOrder fetches a single order by id.
func (c *Client) GetOrder(ctx context.Context, orderID int) (*Order, error) {
	var resp orderResponse
	endpoint := fmt.Sprintf("/accounts/%s/orders/%d", c.accountID, orderID)
	if err := c.get(ctx, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Order, nil
}

// GetOrders lists all orders for the account.
func (c *Client) GetOrders(ctx context.Context) ([]Order, error) {
	var resp ordersResponse
	endpoint := fmt.Sprintf("/accounts/%s/orders", c.accountID)
	if err := c.get(ctx, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Orders.Order, nil
}

// CancelOrder cancels an order. True on 200, false on any broker error.
func (c *Client) CancelOrder(ctx context.Context, orderID int) bool {
	endpoint := fmt.Sprintf("/accounts/%s/orders/%d", c.accountID, orderID)
	var resp orderResponse
	if err := c.request(ctx, http.MethodDelete, endpoint, nil, &resp); err != nil {
		c.log.Warn().Err(err).Int("order_id", orderID).Msg("cancel failed")
		return false
	}
	return true
}

// confirmOrder implements the 200-OK-but-rejected guard.
func (c *Client) confirmOrder(ctx context.Context, placed Order) (*Order, error) {
	if placed.ID == 0 {
		return &placed, nil
	}

	for attempt := 0; attempt < confirmPolls; attempt++ {
		if err := c.confirmSleep(ctx, confirmDelay); err != nil {
			return nil, err
		}

		current, err := c.GetOrder(ctx, placed.ID)
		if err != nil {
			c.log.Warn().Err(err).Int("order_id", placed.ID).Int("attempt", attempt+1).
				Msg("order confirmation poll failed")
			continue
		}

		switch current.Status {
		case OrderStatusRejected:
			return nil, &OrderRejectedError{OrderID: placed.ID, Reason: current.ReasonDescription}
		case OrderStatusFilled, OrderStatusPartiallyFill, OrderStatusPending, OrderStatusOpen, OrderStatusSubmitted:
			return current, nil
		}
	}

	c.log.Warn().Int("order_id", placed.ID).Msg("order status inconclusive after confirmation polls")
	placed.Status = OrderStatusUnknown
	return &placed, nil
}

// ============ Transport ============

// get retries idempotent reads on 429/5xx with a flat backoff.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	var lastErr error
	for attempt := 0; attempt <= transportRetries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(c.retryWait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		err := c.request(ctx, http.MethodGet, endpoint, params, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !retryableStatus(apiErr.Status) {
			return err
		}
	}
	return lastErr
}

// post never retries at the transport layer; order writes are not idempotent.
func (c *Client) post(ctx context.Context, endpoint string, params url.Values, out any) error {
	return c.request(ctx, http.MethodPost, endpoint, params, out)
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable:
		return true
	default:
		return false
	}
}

func (c *Client) request(ctx context.Context, method, endpoint string, params url.Values, out any) error {
	if _, err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	fullURL := c.baseURL + endpoint

	var req *http.Request
	var err error
	if method == http.MethodPost && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, fullURL, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		if len(params) > 0 {
			fullURL += "?" + params.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, method, fullURL, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("Authorization", "Bearer "+c.token)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "optionscout/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.log.Debug().Err(cerr).Msg("failed to close response body")
		}
	}()

	c.limiter.ObserveHeaders(resp.Header)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return &AuthError{Env: c.env}
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent:
		body, rerr := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // cap huge error payloads
		if rerr != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, endpoint, string(body))}
	}

	if resp.StatusCode == http.StatusNoContent || out == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decoding %s response: %w", endpoint, err)
	}
	return nil
}

// StandardizeChain converts raw chain rows into the normalized per-side
// chain the analyzers consume. IV readings are normalized to percent.
func StandardizeChain(ticker string, rows []ChainOption) *models.OptionChain {
	chain := models.NewOptionChain(ticker)
	for _, row := range rows {
		expiry, err := time.Parse("2006-01-02", row.ExpirationDate)
		if err != nil {
			continue
		}
		contract := models.OptionContract{
			Symbol:         row.Symbol,
			Description:    row.Description,
			Bid:            row.Bid,
			Ask:            row.Ask,
			Last:           row.Last,
			Mark:           util.MidPrice(row.Bid, row.Ask),
			TotalVolume:    row.Volume,
			OpenInterest:   row.OpenInterest,
			StrikePrice:    row.Strike,
			ExpirationDate: expiry,
			DaysToExpiry:   models.DaysToExpiry(time.Now().UTC(), expiry),
		}
		if row.OptionType == "put" {
			contract.PutCall = models.OptionPut
		} else {
			contract.PutCall = models.OptionCall
		}
		if g := row.Greeks; g != nil {
			contract.Delta = g.Delta
			contract.Gamma = g.Gamma
			contract.Theta = g.Theta
			contract.Vega = g.Vega
			contract.Rho = g.Rho
			contract.Volatility = analysis.NormalizeIVPercent(g.MidIV)
			// Some feeds drop the sign on put greeks.
			if contract.PutCall == models.OptionPut {
				contract.Delta = -math.Abs(contract.Delta)
				contract.Rho = -math.Abs(contract.Rho)
			}
		}
		chain.Add(contract)
	}
	return chain
}
