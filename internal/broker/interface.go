package broker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/papertrade/optionscout/internal/models"
)

// Broker is the normalized gateway contract: market data, orders, account.
type Broker interface {
	// Market data
	GetQuote(ctx context.Context, symbol string) (*QuoteItem, error)
	GetExpirations(ctx context.Context, symbol string) ([]string, error)
	GetOptionChain(ctx context.Context, symbol, expiration string) ([]ChainOption, error)
	GetOptionQuote(ctx context.Context, ticker string, strike float64, expiry time.Time, optType models.OptionType) (*models.OptionQuote, error)
	GetMarketClock(ctx context.Context) (state, nextChange string, err error)
	IsMarketOpen(ctx context.Context) (bool, error)

	// Orders
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)
	PlaceOCOBracket(ctx context.Context, req BracketRequest) (*Order, error)
	CancelOrder(ctx context.Context, orderID int) bool
	GetOrder(ctx context.Context, orderID int) (*Order, error)
	GetOrders(ctx context.Context) ([]Order, error)

	// Account
	GetAccountBalance(ctx context.Context) (float64, error)
	GetPositions(ctx context.Context) ([]PositionItem, error)
	TestConnection(ctx context.Context) error
}

var _ Broker = (*Client)(nil)

// CircuitBreakerBroker wraps a Broker so a run of gateway failures opens the
// circuit instead of hammering a degraded API.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

var _ Broker = (*CircuitBreakerBroker)(nil)

// CircuitBreakerSettings configures trip behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // allowed through while half-open
	Interval     time.Duration // counter reset interval
	Timeout      time.Duration // how long the circuit stays open
	MinRequests  uint32        // minimum requests before tripping
	FailureRatio float64       // trip threshold
}

// NewCircuitBreakerBroker wraps broker with default settings.
func NewCircuitBreakerBroker(broker Broker, log zerolog.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, log, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings wraps broker with custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, log zerolog.Logger, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	cbLog := log.With().Str("component", "broker_breaker").Logger()
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= settings.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cbLog.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit state changed")
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execBreaker is a generic helper for the wrapper methods.
func execBreaker[T any](breaker *gobreaker.CircuitBreaker, broker Broker, fn func(Broker) (T, error)) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

func (c *CircuitBreakerBroker) GetQuote(ctx context.Context, symbol string) (*QuoteItem, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) (*QuoteItem, error) { return b.GetQuote(ctx, symbol) })
}

func (c *CircuitBreakerBroker) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) ([]string, error) { return b.GetExpirations(ctx, symbol) })
}

func (c *CircuitBreakerBroker) GetOptionChain(ctx context.Context, symbol, expiration string) ([]ChainOption, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) ([]ChainOption, error) {
		return b.GetOptionChain(ctx, symbol, expiration)
	})
}

func (c *CircuitBreakerBroker) GetOptionQuote(ctx context.Context, ticker string, strike float64, expiry time.Time, optType models.OptionType) (*models.OptionQuote, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) (*models.OptionQuote, error) {
		return b.GetOptionQuote(ctx, ticker, strike, expiry, optType)
	})
}

func (c *CircuitBreakerBroker) GetMarketClock(ctx context.Context) (string, string, error) {
	type clock struct{ state, next string }
	res, err := execBreaker(c.breaker, c.broker, func(b Broker) (clock, error) {
		state, next, err := b.GetMarketClock(ctx)
		return clock{state, next}, err
	})
	return res.state, res.next, err
}

func (c *CircuitBreakerBroker) IsMarketOpen(ctx context.Context) (bool, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) (bool, error) { return b.IsMarketOpen(ctx) })
}

func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) (*Order, error) { return b.PlaceOrder(ctx, req) })
}

func (c *CircuitBreakerBroker) PlaceOCOBracket(ctx context.Context, req BracketRequest) (*Order, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) (*Order, error) { return b.PlaceOCOBracket(ctx, req) })
}

// CancelOrder bypasses the breaker: cancels are best-effort cleanup and must
// still fire while the circuit is open.
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID int) bool {
	return c.broker.CancelOrder(ctx, orderID)
}

func (c *CircuitBreakerBroker) GetOrder(ctx context.Context, orderID int) (*Order, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) (*Order, error) { return b.GetOrder(ctx, orderID) })
}

func (c *CircuitBreakerBroker) GetOrders(ctx context.Context) ([]Order, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) ([]Order, error) { return b.GetOrders(ctx) })
}

func (c *CircuitBreakerBroker) GetAccountBalance(ctx context.Context) (float64, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) (float64, error) { return b.GetAccountBalance(ctx) })
}

func (c *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]PositionItem, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) ([]PositionItem, error) { return b.GetPositions(ctx) })
}

func (c *CircuitBreakerBroker) TestConnection(ctx context.Context) error {
	_, err := execBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.TestConnection(ctx)
	})
	return err
}
