package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/optionscout/internal/broker"
	"github.com/papertrade/optionscout/internal/models"
	"github.com/papertrade/optionscout/internal/store"
)

// fakeBroker scripts order outcomes and counts placements.
type fakeBroker struct {
	orders      []broker.OrderRequest
	brackets    []broker.BracketRequest
	canceled    []int
	nextID      int
	fillPrice   float64
	orderStatus string
	rejectWith  string // non-empty makes PlaceOrder reject
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{nextID: 100, fillPrice: 12.40, orderStatus: broker.OrderStatusFilled}
}

func (f *fakeBroker) PlaceOrder(_ context.Context, req broker.OrderRequest) (*broker.Order, error) {
	if f.rejectWith != "" {
		return nil, &broker.OrderRejectedError{OrderID: f.nextID, Reason: f.rejectWith}
	}
	f.orders = append(f.orders, req)
	f.nextID++
	return &broker.Order{ID: f.nextID, Status: f.orderStatus, AvgFillPrice: f.fillPrice}, nil
}

func (f *fakeBroker) PlaceOCOBracket(_ context.Context, req broker.BracketRequest) (*broker.Order, error) {
	f.brackets = append(f.brackets, req)
	f.nextID++
	return &broker.Order{ID: f.nextID, Status: broker.OrderStatusOpen}, nil
}

func (f *fakeBroker) CancelOrder(_ context.Context, orderID int) bool {
	f.canceled = append(f.canceled, orderID)
	return true
}

func (f *fakeBroker) GetQuote(context.Context, string) (*broker.QuoteItem, error) { return nil, nil }
func (f *fakeBroker) GetExpirations(context.Context, string) ([]string, error)    { return nil, nil }
func (f *fakeBroker) GetOptionChain(context.Context, string, string) ([]broker.ChainOption, error) {
	return nil, nil
}
func (f *fakeBroker) GetOptionQuote(context.Context, string, float64, time.Time, models.OptionType) (*models.OptionQuote, error) {
	return nil, nil
}
func (f *fakeBroker) GetMarketClock(context.Context) (string, string, error) { return "open", "", nil }
func (f *fakeBroker) IsMarketOpen(context.Context) (bool, error)             { return true, nil }
func (f *fakeBroker) GetOrder(context.Context, int) (*broker.Order, error)   { return nil, nil }
func (f *fakeBroker) GetOrders(context.Context) ([]broker.Order, error)      { return nil, nil }
func (f *fakeBroker) GetAccountBalance(context.Context) (float64, error)     { return 50_000, nil }
func (f *fakeBroker) GetPositions(context.Context) ([]broker.PositionItem, error) {
	return nil, nil
}
func (f *fakeBroker) TestConnection(context.Context) error { return nil }

var _ broker.Broker = (*fakeBroker)(nil)

func newTestEngine(t *testing.T) (*Engine, *fakeBroker, *store.UserScope) {
	t.Helper()
	s, err := store.Open("file::memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	scope := s.ForUser("alice")
	fb := newFakeBroker()
	return NewEngine(scope, fb, zerolog.Nop()), fb, scope
}

func createReq() CreateRequest {
	return CreateRequest{
		Ticker:     "AAPL",
		OptionType: models.OptionCall,
		Strike:     200,
		Expiry:     time.Date(2027, 1, 15, 0, 0, 0, 0, time.UTC),
		Quantity:   2,
		LimitPrice: 12.50,
	}
}

func TestCreateFillsAndOpens(t *testing.T) {
	eng, fb, scope := newTestEngine(t)
	ctx := context.Background()

	trade, err := eng.Create(ctx, createReq())
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, trade.Status)
	assert.Equal(t, 12.40, trade.EntryPrice, "entry resets to the actual fill")
	assert.NotEmpty(t, trade.EntryOrderID)
	require.Len(t, fb.orders, 1)
	assert.Equal(t, "buy_to_open", fb.orders[0].Side)
	assert.Equal(t, "AAPL270115C00200000", fb.orders[0].OptionSymbol)

	audit, err := scope.Transitions(ctx, trade.ID)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, "trade_created", audit[0].Trigger)
	assert.Equal(t, "order_filled", audit[1].Trigger)
}

func TestCreatePlacesBracketWhenLevelsSet(t *testing.T) {
	eng, fb, _ := newTestEngine(t)

	req := createReq()
	req.StopLoss = 9.0
	req.TakeProfit = 20.0
	trade, err := eng.Create(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, fb.brackets, 1)
	assert.Equal(t, 9.0, fb.brackets[0].StopPrice)
	assert.Equal(t, 20.0, fb.brackets[0].TakeProfit)
	assert.NotEmpty(t, trade.StopOrderID)
}

func TestCreateIdempotentKeyPlacesOneOrder(t *testing.T) {
	eng, fb, _ := newTestEngine(t)
	ctx := context.Background()

	req := createReq()
	req.IdempotencyKey = "same-key"

	first, err := eng.Create(ctx, req)
	require.NoError(t, err)
	second, err := eng.Create(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "both calls return the same trade")
	assert.Len(t, fb.orders, 1, "only one broker order placed")
}

func TestCreateRejectedBecomesCanceledWithReason(t *testing.T) {
	eng, fb, scope := newTestEngine(t)
	fb.rejectWith = "insufficient buying power"
	ctx := context.Background()

	trade, err := eng.Create(ctx, createReq())
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, trade.Status)

	audit, err := scope.Transitions(ctx, trade.ID)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, "order_rejected", audit[1].Trigger)
	assert.Equal(t, "insufficient buying power", audit[1].Metadata["reason"])
}

func TestFullLifecycleAuditTrail(t *testing.T) {
	eng, fb, scope := newTestEngine(t)
	ctx := context.Background()

	trade, err := eng.Create(ctx, createReq())
	require.NoError(t, err)
	require.Equal(t, models.StatusOpen, trade.Status)

	fb.fillPrice = 15.40
	require.NoError(t, eng.Close(ctx, trade, "profit_target"))
	assert.Equal(t, models.StatusClosed, trade.Status)

	require.NotNil(t, trade.RealizedPnL)
	// (15.40 - 12.40) * 2 contracts * 100 shares.
	assert.InDelta(t, 600.0, *trade.RealizedPnL, 1e-9)
	require.NotNil(t, trade.ExitPrice)
	assert.Equal(t, 15.40, *trade.ExitPrice)
	assert.NotNil(t, trade.ClosedAt)

	audit, err := scope.Transitions(ctx, trade.ID)
	require.NoError(t, err)
	require.Len(t, audit, 4)
	triggers := []string{audit[0].Trigger, audit[1].Trigger, audit[2].Trigger, audit[3].Trigger}
	assert.Equal(t, []string{"trade_created", "order_filled", "exit_triggered", "close_filled"}, triggers)

	stored, err := scope.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	require.NoError(t, stored.Validate())
}

func TestConcurrentCloseOneWinnerOneOrder(t *testing.T) {
	eng, fb, scope := newTestEngine(t)
	ctx := context.Background()

	trade, err := eng.Create(ctx, createReq())
	require.NoError(t, err)

	ordersBefore := len(fb.orders)

	first, err := scope.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	second, err := scope.GetTrade(ctx, trade.ID)
	require.NoError(t, err)

	require.NoError(t, eng.Close(ctx, first, "stop_loss"))

	err = eng.Close(ctx, second, "profit_target")
	assert.ErrorIs(t, err, store.ErrConcurrentModification)
	assert.Len(t, fb.orders, ordersBefore+1, "the loser never reaches the broker")

	stored, err := scope.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, "stop_loss", stored.CloseReason)
}

func TestCloseRejectedReturnsToOpen(t *testing.T) {
	eng, fb, scope := newTestEngine(t)
	ctx := context.Background()

	trade, err := eng.Create(ctx, createReq())
	require.NoError(t, err)

	fb.rejectWith = "market closed"
	require.NoError(t, eng.Close(ctx, trade, "time_stop"))
	assert.Equal(t, models.StatusOpen, trade.Status)

	audit, err := scope.Transitions(ctx, trade.ID)
	require.NoError(t, err)
	last := audit[len(audit)-1]
	assert.Equal(t, "close_rejected", last.Trigger)
	assert.Equal(t, models.StatusOpen, last.To)
}

func TestTransitionEnforcesTable(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	trade, err := eng.Create(ctx, createReq())
	require.NoError(t, err)
	require.Equal(t, models.StatusOpen, trade.Status)

	err = eng.Transition(ctx, trade, models.StatusClosed, "bogus", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, models.StatusOpen, trade.Status, "failed transition leaves status alone")
}

func TestSettleExpired(t *testing.T) {
	eng, _, scope := newTestEngine(t)
	ctx := context.Background()

	trade, err := eng.Create(ctx, createReq())
	require.NoError(t, err)

	require.NoError(t, eng.Settle(ctx, trade, 0, "expired_worthless", models.StatusExpired, "contract_expired"))
	assert.Equal(t, models.StatusExpired, trade.Status)
	require.NotNil(t, trade.RealizedPnL)
	// Full premium lost: -12.40 * 2 * 100.
	assert.InDelta(t, -2480.0, *trade.RealizedPnL, 1e-9)

	stored, err := scope.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	require.NoError(t, stored.Validate())
}

func TestCancelSweepsWorkingOrders(t *testing.T) {
	eng, fb, _ := newTestEngine(t)
	ctx := context.Background()

	req := createReq()
	req.StopLoss = 9
	req.TakeProfit = 20
	trade, err := eng.Create(ctx, req)
	require.NoError(t, err)

	require.NoError(t, eng.Cancel(ctx, trade, "user_requested"))
	assert.Equal(t, models.StatusCanceled, trade.Status)
	assert.Len(t, fb.canceled, 2, "entry and OCO orders both canceled")
}
