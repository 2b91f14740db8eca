package broker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/optionscout/internal/models"
	"github.com/papertrade/optionscout/internal/ratelimit"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	limiter := ratelimit.New(1000, time.Minute)
	c := NewClient("test-token", "ACC123", EnvSandbox, limiter, zerolog.Nop()).WithBaseURL(srv.URL)
	c.retryWait = time.Millisecond
	c.confirmSleep = func(context.Context, time.Duration) error { return nil }
	return c, srv
}

func TestGetQuoteSingleObject(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"quotes":{"quote":{"symbol":"AAPL","last":215.5,"bid":215.4,"ask":215.6,"volume":1000}}}`)
	}))

	q, err := c.GetQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", q.Symbol)
	assert.Equal(t, 215.5, q.Last)
}

func TestGetQuoteArray(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"quotes":{"quote":[{"symbol":"AAPL","last":215.5},{"symbol":"MSFT","last":430.0}]}}`)
	}))

	q, err := c.GetQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", q.Symbol)
}

func TestGetPositionsNullString(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"positions":"null"}`)
	}))

	positions, err := c.GetPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestUnauthorizedReturnsAuthError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.GetQuote(context.Background(), "AAPL")
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, EnvSandbox, authErr.Env)
	assert.Contains(t, err.Error(), "sandbox")
}

func TestGetRetriesOn503(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"quotes":{"quote":{"symbol":"AAPL","last":215.5}}}`)
	}))

	q, err := c.GetQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", q.Symbol)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetDoesNotRetryOn404(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := c.GetQuote(context.Background(), "AAPL")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestPlaceOrderConfirmsFill(t *testing.T) {
	var form url.Values
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			require.NoError(t, r.ParseForm())
			form = r.PostForm
			fmt.Fprint(w, `{"order":{"id":12345,"status":"ok"}}`)
			return
		}
		fmt.Fprint(w, `{"order":{"id":12345,"status":"filled","avg_fill_price":4.95}}`)
	}))

	order, err := c.PlaceOrder(context.Background(), OrderRequest{
		OptionSymbol: "AAPL260320C00200000",
		Side:         "buy_to_open",
		Quantity:     2,
		Type:         "limit",
		Price:        5.0,
		Tag:          "idem-abc",
	})
	require.NoError(t, err)
	assert.Equal(t, OrderStatusFilled, order.Status)
	assert.Equal(t, 4.95, order.AvgFillPrice)

	assert.Equal(t, "option", form.Get("class"))
	assert.Equal(t, "buy_to_open", form.Get("side"))
	assert.Equal(t, "2", form.Get("quantity"))
	assert.Equal(t, "5.00", form.Get("price"))
	assert.Equal(t, "idem-abc", form.Get("tag"))
}

func TestPlaceOrderRejectedAfter200(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			fmt.Fprint(w, `{"order":{"id":777,"status":"ok"}}`)
			return
		}
		fmt.Fprint(w, `{"order":{"id":777,"status":"rejected","reason_description":"insufficient buying power"}}`)
	}))

	_, err := c.PlaceOrder(context.Background(), OrderRequest{
		OptionSymbol: "AAPL260320C00200000",
		Side:         "buy_to_open",
		Quantity:     1,
		Type:         "market",
	})

	var rejected *OrderRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 777, rejected.OrderID)
	assert.Equal(t, "insufficient buying power", rejected.Reason)
}

func TestPlaceOrderInconclusiveStatusLogsAndContinues(t *testing.T) {
	var polls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			fmt.Fprint(w, `{"order":{"id":42,"status":"ok"}}`)
			return
		}
		polls.Add(1)
		fmt.Fprint(w, `{"order":{"id":42,"status":"calculated"}}`)
	}))

	order, err := c.PlaceOrder(context.Background(), OrderRequest{
		OptionSymbol: "SPY260320P00450000",
		Side:         "buy_to_open",
		Quantity:     1,
		Type:         "market",
	})
	require.NoError(t, err)
	assert.Equal(t, OrderStatusUnknown, order.Status)
	assert.Equal(t, int32(3), polls.Load(), "poll budget is three attempts")
}

func TestPlaceOCOBracketPayload(t *testing.T) {
	var form url.Values
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		fmt.Fprint(w, `{"order":{"id":99,"status":"ok"}}`)
	}))

	_, err := c.PlaceOCOBracket(context.Background(), BracketRequest{
		OptionSymbol: "AAPL260320C00200000",
		Quantity:     1,
		StopPrice:    5.00,
		TakeProfit:   10.00,
	})
	require.NoError(t, err)

	assert.Equal(t, "oco", form.Get("class"))
	assert.Equal(t, "stop_limit", form.Get("type[0]"))
	assert.Equal(t, "4.00", form.Get("price[0]"), "stop leg limit = stop * 0.80")
	assert.Equal(t, "5.00", form.Get("stop[0]"))
	assert.Equal(t, "limit", form.Get("type[1]"))
	assert.Equal(t, "10.00", form.Get("price[1]"))
	assert.Equal(t, "sell_to_close", form.Get("side[0]"))
	assert.Equal(t, "sell_to_close", form.Get("side[1]"))
	assert.Equal(t, "1", form.Get("quantity[0]"))
	assert.Equal(t, "1", form.Get("quantity[1]"))
}

func TestCancelOrder(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		fmt.Fprint(w, `{"order":{"id":55,"status":"canceled"}}`)
	}))
	assert.True(t, c.CancelOrder(context.Background(), 55))

	cFail, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	assert.False(t, cFail.CancelOrder(context.Background(), 55))
}

func TestGetOptionQuoteForcesPutDeltaNegative(t *testing.T) {
	expiry := time.Now().UTC().AddDate(0, 2, 0)
	occ := BuildOCCSymbol("SPY", expiry, models.OptionPut, 450)

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"quotes":{"quote":[
			{"symbol":%q,"bid":4.9,"ask":5.1,"volume":120,"open_interest":900,
			 "greeks":{"delta":0.42,"gamma":0.02,"theta":-0.03,"vega":0.5,"mid_iv":0.35}},
			{"symbol":"SPY","last":448.2}
		]}}`, occ)
	}))

	q, err := c.GetOptionQuote(context.Background(), "SPY", 450, expiry, models.OptionPut)
	require.NoError(t, err)

	assert.Less(t, q.Delta, 0.0, "put delta forced negative")
	assert.Equal(t, 448.2, q.Underlying)
	assert.InDelta(t, 35.0, q.IV, 1e-9, "fractional IV normalized to percent")
	assert.Greater(t, q.Mark, 0.0)
}

func TestGetOptionQuoteMarkFallsBackToMid(t *testing.T) {
	// No underlying quote and no greeks: theoretical value is unavailable,
	// so mark falls back to the bid/ask mid.
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"quotes":{"quote":{"symbol":"SPY260320C00450000","bid":4.0,"ask":6.0}}}`)
	}))

	q, err := c.GetOptionQuote(context.Background(), "SPY", 450,
		time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC), models.OptionCall)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, q.Mark, 1e-9)
}

func TestStandardizeChainSplitsSides(t *testing.T) {
	rows := []ChainOption{
		{Symbol: "AAPL260320C00200000", OptionType: "call", ExpirationDate: "2026-03-20",
			Strike: 200, Bid: 10, Ask: 11, Volume: 500, OpenInterest: 2000,
			Greeks: &WireGreeks{Delta: 0.55, MidIV: 0.32}},
		// Unsigned put greeks, as some feeds report them.
		{Symbol: "AAPL260320P00200000", OptionType: "put", ExpirationDate: "2026-03-20",
			Strike: 200, Bid: 8, Ask: 9, Volume: 300, OpenInterest: 1500,
			Greeks: &WireGreeks{Delta: 0.45, Rho: 0.12, MidIV: 0.34}},
		{Symbol: "bad", OptionType: "call", ExpirationDate: "not-a-date"},
	}

	chain := StandardizeChain("AAPL", rows)

	calls := chain.Calls["2026-03-20"][200]
	require.Len(t, calls, 1)
	assert.Equal(t, models.OptionCall, calls[0].PutCall)
	assert.InDelta(t, 10.5, calls[0].Mark, 1e-9)
	assert.InDelta(t, 32.0, calls[0].Volatility, 1e-9)

	puts := chain.Puts["2026-03-20"][200]
	require.Len(t, puts, 1)
	assert.Equal(t, -0.45, puts[0].Delta, "put delta forced negative")
	assert.Equal(t, -0.12, puts[0].Rho, "put rho forced negative")
}
