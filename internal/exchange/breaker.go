package exchange

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"tradeengine/internal/model"
)

// BreakerSettings tunes the venue circuit breaker.
type BreakerSettings struct {
	MaxRequests  uint32        `json:"max_requests"`
	Interval     time.Duration `json:"interval"`
	Timeout      time.Duration `json:"timeout"`
	MinRequests  uint32        `json:"min_requests"`
	FailureRatio float64       `json:"failure_ratio"`
}

// DefaultBreakerSettings returns conservative defaults: trip after 60%
// failures over at least 5 calls, probe again after 30 s.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// BreakerClient wraps a Client with a circuit breaker. Only transient
// failures count against the breaker; venue business rejections are the
// venue working as intended.
type BreakerClient struct {
	inner   Client
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerClient decorates the given client.
func NewBreakerClient(inner Client, settings BreakerSettings, logger zerolog.Logger) *BreakerClient {
	log := logger.With().Str("component", "ExchangeBreaker").Logger()

	gbSettings := gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("venue", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	}

	return &BreakerClient{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State exposes the breaker state for health reporting.
func (c *BreakerClient) State() gobreaker.State {
	return c.breaker.State()
}

func (c *BreakerClient) Name() string { return c.inner.Name() }

func (c *BreakerClient) Ping(ctx context.Context) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.inner.Ping(ctx)
	})
	return err
}

func (c *BreakerClient) Execute(ctx context.Context, order *model.Order) (*model.ExecutionResult, error) {
	return execBreaker(c.breaker, func() (*model.ExecutionResult, error) {
		return c.inner.Execute(ctx, order)
	})
}

func (c *BreakerClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.inner.CancelOrder(ctx, symbol, orderID)
	})
	return err
}

// BatchCancel bypasses the breaker on purpose: cancels protect open
// positions and must go out even when the venue is flapping.
func (c *BreakerClient) BatchCancel(ctx context.Context, symbol string, orderIDs []string) []CancelResult {
	return c.inner.BatchCancel(ctx, symbol, orderIDs)
}

func (c *BreakerClient) GetOpenOrders(ctx context.Context, symbol string) ([]model.OpenOrder, error) {
	return execBreaker(c.breaker, func() ([]model.OpenOrder, error) {
		return c.inner.GetOpenOrders(ctx, symbol)
	})
}

func (c *BreakerClient) GetSymbolPrice(ctx context.Context, symbol string) (float64, error) {
	return execBreaker(c.breaker, func() (float64, error) {
		return c.inner.GetSymbolPrice(ctx, symbol)
	})
}

func (c *BreakerClient) GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	return execBreaker(c.breaker, func() (*SymbolInfo, error) {
		return c.inner.GetSymbolInfo(ctx, symbol)
	})
}

func (c *BreakerClient) ChangeLeverage(ctx context.Context, symbol string, leverage int) (int, error) {
	return execBreaker(c.breaker, func() (int, error) {
		return c.inner.ChangeLeverage(ctx, symbol, leverage)
	})
}

func (c *BreakerClient) SetPositionMode(ctx context.Context, hedge bool) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.inner.SetPositionMode(ctx, hedge)
	})
	return err
}

func (c *BreakerClient) GetAccountBalance(ctx context.Context) (float64, error) {
	return execBreaker(c.breaker, func() (float64, error) {
		return c.inner.GetAccountBalance(ctx)
	})
}

func (c *BreakerClient) GetPositions(ctx context.Context) ([]Position, error) {
	return execBreaker(c.breaker, func() ([]Position, error) {
		return c.inner.GetPositions(ctx)
	})
}

func execBreaker[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	res, err := cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}
