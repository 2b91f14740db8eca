// Package lifecycle is the paper-trade state machine engine: every status
// change flows through here, serialized by the trade's version column and
// mirrored into the audit trail.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/papertrade/optionscout/internal/broker"
	"github.com/papertrade/optionscout/internal/metrics"
	"github.com/papertrade/optionscout/internal/models"
	"github.com/papertrade/optionscout/internal/store"
)

// ErrInvalidTransition means the requested status change is not in the
// transition table.
var ErrInvalidTransition = errors.New("lifecycle: invalid transition")

// Engine drives one user's trades against their broker session.
type Engine struct {
	scope   *store.UserScope
	broker  broker.Broker
	log     zerolog.Logger
	now     func() time.Time
	metrics *metrics.Metrics
}

// NewEngine builds an engine bound to one user scope and broker session.
func NewEngine(scope *store.UserScope, brk broker.Broker, log zerolog.Logger) *Engine {
	return &Engine{
		scope:  scope,
		broker: brk,
		log:    log.With().Str("component", "lifecycle").Str("user", scope.Username()).Logger(),
		now:    time.Now,
	}
}

// WithMetrics attaches the instrumentation bundle.
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

func (e *Engine) countTransition(to models.TradeStatus, trigger string) {
	if e.metrics != nil {
		e.metrics.RecordTransition(string(to), trigger)
	}
}

func (e *Engine) countOrder(side, outcome string) {
	if e.metrics != nil {
		e.metrics.RecordOrder(side, outcome)
	}
}

// CreateRequest describes a new paper trade to open.
type CreateRequest struct {
	Ticker         string
	OptionType     models.OptionType
	Strike         float64
	Expiry         time.Time
	Direction      models.Direction
	Quantity       int
	LimitPrice     float64
	StopLoss       float64
	TakeProfit     float64
	Context        *models.TradeContext
	BrokerMode     models.BrokerMode
	IdempotencyKey string
}

func (r *CreateRequest) validate() error {
	if r.Ticker == "" {
		return fmt.Errorf("lifecycle: ticker is required")
	}
	if !r.OptionType.Valid() {
		return fmt.Errorf("lifecycle: invalid option type %q", r.OptionType)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("lifecycle: quantity must be positive")
	}
	if r.LimitPrice <= 0 {
		return fmt.Errorf("lifecycle: limit price must be positive")
	}
	if r.Expiry.IsZero() {
		return fmt.Errorf("lifecycle: expiry is required")
	}
	return nil
}

// Create opens a new trade: insert at PENDING, place the entry order, then
// transition on the broker's answer. A repeated idempotency key returns the
// original trade without placing a second order.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*models.Trade, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := e.scope.FindByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			e.log.Info().Int64("trade_id", existing.ID).Str("key", req.IdempotencyKey).
				Msg("idempotent create returned existing trade")
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	direction := req.Direction
	if direction == "" {
		direction = models.DirectionBuy
	}
	mode := req.BrokerMode
	if mode == "" {
		mode = models.ModeSandbox
	}

	trade := &models.Trade{
		Ticker:         req.Ticker,
		OptionType:     req.OptionType,
		Strike:         req.Strike,
		Expiry:         req.Expiry,
		Direction:      direction,
		EntryPrice:     req.LimitPrice,
		Quantity:       req.Quantity,
		StopLoss:       req.StopLoss,
		TakeProfit:     req.TakeProfit,
		Status:         models.StatusPending,
		Context:        req.Context,
		BrokerMode:     mode,
		IdempotencyKey: req.IdempotencyKey,
	}
	err := e.scope.CreateTrade(ctx, trade, "trade_created", map[string]string{
		"ticker": req.Ticker,
	})
	if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
		// Lost a create race on the same key: the earlier trade is the answer.
		return e.scope.FindByIdempotencyKey(ctx, req.IdempotencyKey)
	}
	if err != nil {
		return nil, err
	}

	order, err := e.broker.PlaceOrder(ctx, broker.OrderRequest{
		OptionSymbol: broker.BuildOCCSymbol(trade.Ticker, trade.Expiry, trade.OptionType, trade.Strike),
		Side:         entrySide(direction),
		Quantity:     trade.Quantity,
		Type:         "limit",
		Price:        trade.EntryPrice,
		Duration:     "day",
		Tag:          orderTag(trade.ID),
	})
	if err != nil {
		var rejected *broker.OrderRejectedError
		if errors.As(err, &rejected) {
			trade.Status = models.StatusCanceled
			trade.CloseReason = "order_rejected"
			if terr := e.scope.TransitionTrade(ctx, trade, models.StatusPending, "order_rejected",
				map[string]string{"reason": rejected.Reason}); terr != nil {
				return nil, terr
			}
			e.countOrder(entrySide(direction), "rejected")
			e.countTransition(models.StatusCanceled, "order_rejected")
			return trade, nil
		}
		return nil, err
	}

	trade.EntryOrderID = strconv.Itoa(order.ID)
	if order.Status == broker.OrderStatusFilled {
		e.countOrder(entrySide(direction), "filled")
		return trade, e.markFilled(ctx, trade, order)
	}
	e.countOrder(entrySide(direction), "working")

	// Still working at the broker: persist the order id, stay PENDING.
	if err := e.scope.SaveTrade(ctx, trade); err != nil {
		return nil, err
	}
	return trade, nil
}

// markFilled moves PENDING -> OPEN with the broker fill recorded, then
// places the protective bracket when stop or target levels are set.
func (e *Engine) markFilled(ctx context.Context, trade *models.Trade, order *broker.Order) error {
	fillPrice := order.AvgFillPrice
	if fillPrice <= 0 {
		fillPrice = trade.EntryPrice
	}
	now := e.now().UTC()

	trade.Status = models.StatusOpen
	trade.EntryPrice = fillPrice
	trade.CurrentPrice = fillPrice
	trade.BrokerFillPrice = fillPrice
	trade.BrokerFillTime = &now
	if err := e.scope.TransitionTrade(ctx, trade, models.StatusPending, "order_filled",
		map[string]string{"order_id": strconv.Itoa(order.ID), "fill_price": fmt.Sprintf("%.2f", fillPrice)}); err != nil {
		return err
	}
	e.countTransition(models.StatusOpen, "order_filled")

	if trade.StopLoss > 0 && trade.TakeProfit > 0 {
		if err := e.placeBracket(ctx, trade); err != nil {
			// The trade is open either way; bracket failures are logged and
			// retried by the orphan guard.
			e.log.Warn().Err(err).Int64("trade_id", trade.ID).Msg("bracket placement failed")
		}
	}
	return nil
}

func (e *Engine) placeBracket(ctx context.Context, trade *models.Trade) error {
	order, err := e.broker.PlaceOCOBracket(ctx, broker.BracketRequest{
		OptionSymbol: broker.BuildOCCSymbol(trade.Ticker, trade.Expiry, trade.OptionType, trade.Strike),
		Quantity:     trade.Quantity,
		StopPrice:    trade.StopLoss,
		TakeProfit:   trade.TakeProfit,
		Tag:          orderTag(trade.ID),
	})
	if err != nil {
		return err
	}
	// One OCO order covers both protective legs.
	trade.StopOrderID = strconv.Itoa(order.ID)
	return e.scope.SaveTrade(ctx, trade)
}

// Transition applies a bare status change with table enforcement. The trade
// carries the version the caller read; a stale version surfaces
// store.ErrConcurrentModification untouched.
func (e *Engine) Transition(ctx context.Context, trade *models.Trade, to models.TradeStatus, trigger string, metadata map[string]string) error {
	from := trade.Status
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	trade.Status = to
	if err := e.scope.TransitionTrade(ctx, trade, from, trigger, metadata); err != nil {
		trade.Status = from
		return err
	}
	e.countTransition(to, trigger)
	e.log.Info().Int64("trade_id", trade.ID).
		Str("from", string(from)).Str("to", string(to)).Str("trigger", trigger).
		Msg("trade transitioned")
	return nil
}

// Close submits the exit: OPEN -> CLOSING with a sell-to-close order. Exactly
// one of two concurrent closers wins the version check; the loser gets
// store.ErrConcurrentModification before any broker order is placed.
func (e *Engine) Close(ctx context.Context, trade *models.Trade, reason string) error {
	from := trade.Status
	if !models.CanTransition(from, models.StatusClosing) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, models.StatusClosing)
	}

	trade.Status = models.StatusClosing
	trade.CloseReason = reason
	if err := e.scope.TransitionTrade(ctx, trade, from, "exit_triggered",
		map[string]string{"reason": reason}); err != nil {
		trade.Status = from
		return err
	}
	e.countTransition(models.StatusClosing, "exit_triggered")

	order, err := e.broker.PlaceOrder(ctx, broker.OrderRequest{
		OptionSymbol: broker.BuildOCCSymbol(trade.Ticker, trade.Expiry, trade.OptionType, trade.Strike),
		Side:         exitSide(trade.Direction),
		Quantity:     trade.Quantity,
		Type:         "market",
		Duration:     "day",
		Tag:          orderTag(trade.ID),
	})
	if err != nil {
		var rejected *broker.OrderRejectedError
		if errors.As(err, &rejected) {
			// Close rejected: back to OPEN, the position is still on.
			trade.Status = models.StatusOpen
			trade.CloseReason = ""
			return e.scope.TransitionTrade(ctx, trade, models.StatusClosing, "close_rejected",
				map[string]string{"reason": rejected.Reason})
		}
		return err
	}

	if order.Status == broker.OrderStatusFilled {
		exitPrice := order.AvgFillPrice
		if exitPrice <= 0 {
			exitPrice = trade.CurrentPrice
		}
		return e.Settle(ctx, trade, exitPrice, reason, models.StatusClosed, "close_filled")
	}
	return e.scope.SaveTrade(ctx, trade)
}

// Settle finalizes a trade into CLOSED or EXPIRED: exit price, realized
// P&L, close reason and closed-at all land in one transition.
func (e *Engine) Settle(ctx context.Context, trade *models.Trade, exitPrice float64, reason string, to models.TradeStatus, trigger string) error {
	from := trade.Status
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := e.now().UTC()
	realized := trade.PnLAt(exitPrice)

	trade.Status = to
	trade.ExitPrice = &exitPrice
	trade.RealizedPnL = &realized
	trade.CloseReason = reason
	trade.ClosedAt = &now
	trade.UnrealizedPnL = 0
	if err := e.scope.TransitionTrade(ctx, trade, from, trigger, map[string]string{
		"exit_price":   fmt.Sprintf("%.2f", exitPrice),
		"realized_pnl": fmt.Sprintf("%.2f", realized),
		"reason":       reason,
	}); err != nil {
		trade.Status = from
		return err
	}
	e.countTransition(to, trigger)
	e.log.Info().Int64("trade_id", trade.ID).Float64("realized_pnl", realized).
		Str("reason", reason).Msg("trade settled")
	return nil
}

// Cancel cancels a trade from any non-terminal status, cancelling working
// broker orders best-effort first.
func (e *Engine) Cancel(ctx context.Context, trade *models.Trade, reason string) error {
	from := trade.Status
	if !models.CanTransition(from, models.StatusCanceled) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, models.StatusCanceled)
	}

	for _, raw := range []string{trade.EntryOrderID, trade.StopOrderID, trade.TargetOrderID} {
		if id, err := strconv.Atoi(raw); err == nil && id > 0 {
			e.broker.CancelOrder(ctx, id)
		}
	}

	trade.Status = models.StatusCanceled
	trade.CloseReason = reason
	if err := e.scope.TransitionTrade(ctx, trade, from, "user_canceled",
		map[string]string{"reason": reason}); err != nil {
		trade.Status = from
		return err
	}
	e.countTransition(models.StatusCanceled, "user_canceled")
	return nil
}

// RefreshPrice writes a new mark and unrealized P&L. A plain versioned
// write, no audit row.
func (e *Engine) RefreshPrice(ctx context.Context, trade *models.Trade, mark float64) error {
	trade.CurrentPrice = mark
	trade.UnrealizedPnL = trade.PnLAt(mark)
	return e.scope.SaveTrade(ctx, trade)
}

// NewIdempotencyKey mints a key for create calls that want replay safety.
func NewIdempotencyKey() string {
	return uuid.NewString()
}

func orderTag(tradeID int64) string {
	return fmt.Sprintf("oscout-%d", tradeID)
}

func entrySide(d models.Direction) string {
	if d == models.DirectionSell {
		return "sell_to_open"
	}
	return "buy_to_open"
}

func exitSide(d models.Direction) string {
	if d == models.DirectionSell {
		return "buy_to_close"
	}
	return "sell_to_close"
}
