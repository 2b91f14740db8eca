// Package models provides the typed records shared across the scanner,
// lifecycle engine, broker gateway and store.
package models

import (
	"fmt"
	"time"
)

const sharesPerContract = 100.0

// TradeStatus represents the lifecycle state of a paper trade.
type TradeStatus string

const (
	StatusPending         TradeStatus = "PENDING"
	StatusOpen            TradeStatus = "OPEN"
	StatusPartiallyFilled TradeStatus = "PARTIALLY_FILLED"
	StatusClosing         TradeStatus = "CLOSING"
	StatusClosed          TradeStatus = "CLOSED"
	StatusExpired         TradeStatus = "EXPIRED"
	StatusCanceled        TradeStatus = "CANCELED"
)

// AllStatuses enumerates every valid trade status, in lifecycle order.
var AllStatuses = []TradeStatus{
	StatusPending, StatusOpen, StatusPartiallyFilled,
	StatusClosing, StatusClosed, StatusExpired, StatusCanceled,
}

// Valid returns true if the status is one of the defined constants.
func (s TradeStatus) Valid() bool {
	switch s {
	case StatusPending, StatusOpen, StatusPartiallyFilled,
		StatusClosing, StatusClosed, StatusExpired, StatusCanceled:
		return true
	default:
		return false
	}
}

// Terminal returns true for statuses that end a trade's lifecycle.
func (s TradeStatus) Terminal() bool {
	switch s {
	case StatusClosed, StatusExpired, StatusCanceled:
		return true
	default:
		return false
	}
}

// Transition defines a permitted status transition.
type Transition struct {
	From        TradeStatus
	To          TradeStatus
	Trigger     string
	Description string
}

// ValidTransitions is the full transition table for the trade state machine.
// Any non-terminal status may additionally move to CANCELED on explicit user
// cancel; that rule is encoded in CanTransition rather than repeated here.
var ValidTransitions = []Transition{
	{StatusPending, StatusOpen, "order_filled", "Broker confirmed the entry fill"},
	{StatusPending, StatusCanceled, "order_rejected", "Broker rejected the entry order"},
	{StatusPending, StatusCanceled, "user_canceled", "User canceled before fill"},

	{StatusOpen, StatusPartiallyFilled, "partial_fill", "Partial fill reported during life"},
	{StatusPartiallyFilled, StatusOpen, "fill_completed", "Remaining quantity filled"},
	{StatusOpen, StatusClosing, "exit_triggered", "Exit rule fired, close order submitted"},
	{StatusOpen, StatusExpired, "contract_expired", "Expiry date passed"},

	{StatusClosing, StatusClosed, "close_filled", "Close order filled"},
	{StatusClosing, StatusOpen, "close_rejected", "Broker rejected the close order"},
}

// CanTransition reports whether from -> to is a permitted status change.
func CanTransition(from, to TradeStatus) bool {
	if to == StatusCanceled && !from.Terminal() {
		return true
	}
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// OptionType identifies the side of an option contract.
type OptionType string

const (
	OptionCall OptionType = "call"
	OptionPut  OptionType = "put"
)

// Valid returns true if the option type is call or put.
func (o OptionType) Valid() bool {
	return o == OptionCall || o == OptionPut
}

// Direction identifies whether the trade buys or sells the option.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// BrokerMode selects the broker environment a trade executes against.
type BrokerMode string

const (
	ModeSandbox BrokerMode = "sandbox"
	ModeLive    BrokerMode = "live"
)

// Trade is the durable paper-trade entity. Every mutation goes through the
// lifecycle engine, which bumps Version by exactly one per write.
type Trade struct {
	ID             int64       `json:"id"`
	Username       string      `json:"username"`
	Ticker         string      `json:"ticker"`
	OptionType     OptionType  `json:"option_type"`
	Strike         float64     `json:"strike"`
	Expiry         time.Time   `json:"expiry"`
	Direction      Direction   `json:"direction"`
	EntryPrice     float64     `json:"entry_price"`
	Quantity       int         `json:"quantity"`
	StopLoss       float64     `json:"stop_loss"`
	TakeProfit     float64     `json:"take_profit"`
	CurrentPrice   float64     `json:"current_price"`
	UnrealizedPnL  float64     `json:"unrealized_pnl"`
	RealizedPnL    *float64    `json:"realized_pnl,omitempty"`
	Status         TradeStatus `json:"status"`
	ExitPrice      *float64    `json:"exit_price,omitempty"`
	CloseReason    string      `json:"close_reason,omitempty"`
	Context        *TradeContext `json:"context,omitempty"`
	BrokerMode     BrokerMode  `json:"broker_mode"`
	EntryOrderID   string      `json:"entry_order_id,omitempty"`
	StopOrderID    string      `json:"stop_order_id,omitempty"`
	TargetOrderID  string      `json:"target_order_id,omitempty"`
	BrokerFillPrice float64    `json:"broker_fill_price,omitempty"`
	BrokerFillTime *time.Time  `json:"broker_fill_time,omitempty"`
	Version        int64       `json:"version"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	ClosedAt       *time.Time  `json:"closed_at,omitempty"`
}

// DTE returns calendar days until the trade's option expires, floored at zero.
func (t *Trade) DTE(now time.Time) int {
	days := int(t.Expiry.UTC().Truncate(24*time.Hour).
		Sub(now.UTC().Truncate(24*time.Hour)).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// ContractCost returns the dollar cost of one contract at entry.
func (t *Trade) ContractCost() float64 {
	return t.EntryPrice * sharesPerContract
}

// PnLAt computes unrealized P&L in dollars for a given mark.
func (t *Trade) PnLAt(mark float64) float64 {
	pnl := (mark - t.EntryPrice) * float64(t.Quantity) * sharesPerContract
	if t.Direction == DirectionSell {
		pnl = -pnl
	}
	return pnl
}

// PnLPercent computes P&L as a percentage of entry premium for a given mark.
func (t *Trade) PnLPercent(mark float64) float64 {
	if t.EntryPrice == 0 {
		return 0
	}
	pct := (mark - t.EntryPrice) / t.EntryPrice * 100
	if t.Direction == DirectionSell {
		pct = -pct
	}
	return pct
}

// Validate checks the structural invariants a trade row must satisfy.
func (t *Trade) Validate() error {
	if !t.Status.Valid() {
		return fmt.Errorf("trade %d: invalid status %q", t.ID, t.Status)
	}
	if !t.OptionType.Valid() {
		return fmt.Errorf("trade %d: invalid option type %q", t.ID, t.OptionType)
	}
	if t.Username == "" {
		return fmt.Errorf("trade %d: username is required", t.ID)
	}
	switch t.Status {
	case StatusOpen, StatusPartiallyFilled, StatusClosing:
		if t.RealizedPnL != nil {
			return fmt.Errorf("trade %d in status %s: realized_pnl must be null while the trade is live", t.ID, t.Status)
		}
	case StatusClosed, StatusExpired:
		if t.ExitPrice == nil || t.RealizedPnL == nil || t.CloseReason == "" || t.ClosedAt == nil {
			return fmt.Errorf("trade %d in status %s: exit_price, realized_pnl, close_reason and closed_at must all be set", t.ID, t.Status)
		}
	}
	return nil
}

// StateTransition is an append-only audit row recorded for every status change.
type StateTransition struct {
	ID        int64             `json:"id"`
	TradeID   int64             `json:"trade_id"`
	From      *TradeStatus      `json:"from_status,omitempty"` // nil for creation
	To        TradeStatus       `json:"to_status"`
	Trigger   string            `json:"trigger"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// SnapshotKind classifies a price snapshot.
type SnapshotKind string

const (
	SnapshotPeriodic    SnapshotKind = "PERIODIC"
	SnapshotPreSession  SnapshotKind = "PRE_SESSION"
	SnapshotPostSession SnapshotKind = "POST_SESSION"
	SnapshotOnClose     SnapshotKind = "ON_CLOSE"
)

// PriceSnapshot is an append-only time-series row captured by the scheduler.
// Username is denormalized so isolation does not require the trade join.
type PriceSnapshot struct {
	ID         int64        `json:"id"`
	TradeID    int64        `json:"trade_id"`
	Username   string       `json:"username"`
	Timestamp  time.Time    `json:"timestamp"`
	Mark       float64      `json:"mark"`
	Bid        float64      `json:"bid"`
	Ask        float64      `json:"ask"`
	Delta      float64      `json:"delta"`
	IV         float64      `json:"iv"`
	Underlying float64      `json:"underlying"`
	Kind       SnapshotKind `json:"kind"`
}

// UserSettings holds per-user broker credentials and risk preferences.
// Tokens are stored encrypted; the vault package owns the key.
type UserSettings struct {
	Username             string     `json:"username"`
	BrokerMode           BrokerMode `json:"broker_mode"`
	SandboxTokenEnc      string     `json:"-"`
	LiveTokenEnc         string     `json:"-"`
	BrokerAccountID      string     `json:"broker_account_id"`
	AccountBalance       float64    `json:"account_balance"`
	MaxPositions         int        `json:"max_positions"`
	DailyLossLimit       float64    `json:"daily_loss_limit"`
	PortfolioHeatLimit   float64    `json:"portfolio_heat_limit"`
	DefaultStopLossPct   float64    `json:"default_stop_loss_pct"`
	DefaultTakeProfitPct float64    `json:"default_take_profit_pct"`
	UIPreferences        string     `json:"ui_preferences,omitempty"`
	UpdatedAt            time.Time  `json:"updated_at"`
}
