package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

// errTransient is the sentinel gobreaker sees for a KindTransient or
// KindFatal Result; Rejected results are ordinary business outcomes, not
// call failures, so they never trip the breaker.
var errTransient = errors.New("transient venue error")

// BreakerConfig configures the underlying gobreaker.CircuitBreaker.
type BreakerConfig struct {
	Name                string
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// DefaultBreakerConfig returns a conservative configuration: trip after 3
// consecutive transient failures, half-open probe after 30s.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:                name,
		MaxRequests:         1,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 3,
	}
}

// BreakerAdapter wraps an Adapter with a circuit breaker over its outbound
// calls, feeding a RiskSupervisor-style counter every time a call comes
// back transient so the risk state machine can trip on sustained API
// trouble (spec §4.4).
type BreakerAdapter struct {
	inner   Adapter
	breaker *gobreaker.CircuitBreaker

	onTransient func()
}

// NewBreakerAdapter wraps inner with a circuit breaker built from cfg.
// onTransient is invoked once per transient/fatal Result observed,
// independent of whether the breaker itself is currently open.
func NewBreakerAdapter(inner Adapter, cfg BreakerConfig, onTransient func()) *BreakerAdapter {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
	}
	if onTransient == nil {
		onTransient = func() {}
	}
	return &BreakerAdapter{
		inner:       inner,
		breaker:     gobreaker.NewCircuitBreaker(settings),
		onTransient: onTransient,
	}
}

// resultError maps a Result's kind to the error gobreaker should count
// against the breaker; Ok and both Rejected kinds return nil since they
// are not call failures.
func (b *BreakerAdapter) resultError(res Result) error {
	if res.Kind == KindTransient || res.Kind == KindFatal {
		b.onTransient()
		return errTransient
	}
	return nil
}

// breakerOpenResult is returned when gobreaker itself refuses the call
// because the circuit is open.
func breakerOpenResult() Result {
	return Result{Kind: KindTransient, Reason: "circuit breaker open"}
}

func (b *BreakerAdapter) MidPrice(ctx context.Context, symbol string) (decimal.Decimal, Result) {
	type out struct {
		price decimal.Decimal
		res   Result
	}
	v, err := b.breaker.Execute(func() (interface{}, error) {
		price, res := b.inner.MidPrice(ctx, symbol)
		return out{price, res}, b.resultError(res)
	})
	if err != nil {
		return decimal.Zero, breakerOpenResult()
	}
	o := v.(out)
	return o.price, o.res
}

func (b *BreakerAdapter) OrderBook(ctx context.Context, symbol string, depth int) ([]PriceLevel, []PriceLevel, Result) {
	type out struct {
		bids, asks []PriceLevel
		res        Result
	}
	v, err := b.breaker.Execute(func() (interface{}, error) {
		bids, asks, res := b.inner.OrderBook(ctx, symbol, depth)
		return out{bids, asks, res}, b.resultError(res)
	})
	if err != nil {
		return nil, nil, breakerOpenResult()
	}
	o := v.(out)
	return o.bids, o.asks, o.res
}

func (b *BreakerAdapter) RecentTrades(ctx context.Context, symbol string, since time.Time) ([]Trade, Result) {
	type out struct {
		trades []Trade
		res    Result
	}
	v, err := b.breaker.Execute(func() (interface{}, error) {
		trades, res := b.inner.RecentTrades(ctx, symbol, since)
		return out{trades, res}, b.resultError(res)
	})
	if err != nil {
		return nil, breakerOpenResult()
	}
	o := v.(out)
	return o.trades, o.res
}

func (b *BreakerAdapter) PlaceOrder(ctx context.Context, symbol string, side Side, price, size decimal.Decimal, postOnly bool, clientID string) (string, Result) {
	type out struct {
		exchangeID string
		res        Result
	}
	v, err := b.breaker.Execute(func() (interface{}, error) {
		exchangeID, res := b.inner.PlaceOrder(ctx, symbol, side, price, size, postOnly, clientID)
		return out{exchangeID, res}, b.resultError(res)
	})
	if err != nil {
		return "", breakerOpenResult()
	}
	o := v.(out)
	return o.exchangeID, o.res
}

func (b *BreakerAdapter) ModifyOrders(ctx context.Context, reqs []ModifyRequest) ([]Result, Result) {
	type out struct {
		perOrder []Result
		res      Result
	}
	v, err := b.breaker.Execute(func() (interface{}, error) {
		perOrder, res := b.inner.ModifyOrders(ctx, reqs)
		return out{perOrder, res}, b.resultError(res)
	})
	if err != nil {
		return nil, breakerOpenResult()
	}
	o := v.(out)
	return o.perOrder, o.res
}

func (b *BreakerAdapter) CancelAll(ctx context.Context, symbol string) Result {
	v, err := b.breaker.Execute(func() (interface{}, error) {
		res := b.inner.CancelAll(ctx, symbol)
		return res, b.resultError(res)
	})
	if err != nil {
		return breakerOpenResult()
	}
	return v.(Result)
}

func (b *BreakerAdapter) OpenOrders(ctx context.Context, symbol string) ([]LiveOrder, Result) {
	type out struct {
		orders []LiveOrder
		res    Result
	}
	v, err := b.breaker.Execute(func() (interface{}, error) {
		orders, res := b.inner.OpenOrders(ctx, symbol)
		return out{orders, res}, b.resultError(res)
	})
	if err != nil {
		return nil, breakerOpenResult()
	}
	o := v.(out)
	return o.orders, o.res
}

func (b *BreakerAdapter) Position(ctx context.Context, symbol string) (decimal.Decimal, Result) {
	type out struct {
		pos decimal.Decimal
		res Result
	}
	v, err := b.breaker.Execute(func() (interface{}, error) {
		pos, res := b.inner.Position(ctx, symbol)
		return out{pos, res}, b.resultError(res)
	})
	if err != nil {
		return decimal.Zero, breakerOpenResult()
	}
	o := v.(out)
	return o.pos, o.res
}

func (b *BreakerAdapter) ArmDeadMansSwitch(ctx context.Context, timeout time.Duration) Result {
	v, err := b.breaker.Execute(func() (interface{}, error) {
		res := b.inner.ArmDeadMansSwitch(ctx, timeout)
		return res, b.resultError(res)
	})
	if err != nil {
		return breakerOpenResult()
	}
	return v.(Result)
}

func (b *BreakerAdapter) Metadata(ctx context.Context) (map[string]AssetMetadata, Result) {
	type out struct {
		meta map[string]AssetMetadata
		res  Result
	}
	v, err := b.breaker.Execute(func() (interface{}, error) {
		meta, res := b.inner.Metadata(ctx)
		return out{meta, res}, b.resultError(res)
	})
	if err != nil {
		return nil, breakerOpenResult()
	}
	o := v.(out)
	return o.meta, o.res
}
