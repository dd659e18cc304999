// Package exchange defines the ExchangeAdapter contract the core consumes
// (spec §6), the venue error taxonomy, an outbound call throttle, and a
// PaperAdapter for simulation and tests.
package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Throttle rate-limits outbound calls per exchange operation (place_order,
// modify_orders, cancel_all, ...) using an independent token bucket for
// each, so a burst against one operation never starves the others.
type Throttle struct {
	mu       sync.RWMutex
	buckets  map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewThrottle creates a Throttle applying rps/burst to every operation key
// it sees.
func NewThrottle(rps float64, burst int) *Throttle {
	return &Throttle{
		buckets: make(map[string]*rate.Limiter),
		rps:     rps,
		burst:   burst,
	}
}

func (t *Throttle) bucketFor(operation string) *rate.Limiter {
	t.mu.RLock()
	b, ok := t.buckets[operation]
	t.mu.RUnlock()
	if ok {
		return b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.buckets[operation]; ok {
		return b
	}
	b = rate.NewLimiter(rate.Limit(t.rps), t.burst)
	t.buckets[operation] = b
	return b
}

// Allow reports whether a call for operation may proceed immediately,
// consuming a token if so.
func (t *Throttle) Allow(operation string) bool {
	return t.bucketFor(operation).Allow()
}

// Wait blocks until a call for operation is permitted or ctx is done.
func (t *Throttle) Wait(ctx context.Context, operation string) error {
	return t.bucketFor(operation).Wait(ctx)
}

// SetRPS updates the rate applied to every bucket, including ones already
// created.
func (t *Throttle) SetRPS(rps float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rps = rps
	for _, b := range t.buckets {
		b.SetLimit(rate.Limit(rps))
	}
}

// ThrottledAdapter wraps an Adapter, blocking each outbound call on its own
// operation-keyed token bucket before delegating.
type ThrottledAdapter struct {
	inner Adapter
	th    *Throttle
}

// NewThrottledAdapter wraps inner with th.
func NewThrottledAdapter(inner Adapter, th *Throttle) *ThrottledAdapter {
	return &ThrottledAdapter{inner: inner, th: th}
}

func (a *ThrottledAdapter) MidPrice(ctx context.Context, symbol string) (decimal.Decimal, Result) {
	if err := a.th.Wait(ctx, "mid_price"); err != nil {
		return decimal.Zero, Result{Kind: KindTransient, Reason: err.Error()}
	}
	return a.inner.MidPrice(ctx, symbol)
}

func (a *ThrottledAdapter) OrderBook(ctx context.Context, symbol string, depth int) ([]PriceLevel, []PriceLevel, Result) {
	if err := a.th.Wait(ctx, "order_book"); err != nil {
		return nil, nil, Result{Kind: KindTransient, Reason: err.Error()}
	}
	return a.inner.OrderBook(ctx, symbol, depth)
}

func (a *ThrottledAdapter) RecentTrades(ctx context.Context, symbol string, since time.Time) ([]Trade, Result) {
	if err := a.th.Wait(ctx, "recent_trades"); err != nil {
		return nil, Result{Kind: KindTransient, Reason: err.Error()}
	}
	return a.inner.RecentTrades(ctx, symbol, since)
}

func (a *ThrottledAdapter) PlaceOrder(ctx context.Context, symbol string, side Side, price, size decimal.Decimal, postOnly bool, clientID string) (string, Result) {
	if err := a.th.Wait(ctx, "place_order"); err != nil {
		return "", Result{Kind: KindTransient, Reason: err.Error()}
	}
	return a.inner.PlaceOrder(ctx, symbol, side, price, size, postOnly, clientID)
}

func (a *ThrottledAdapter) ModifyOrders(ctx context.Context, reqs []ModifyRequest) ([]Result, Result) {
	if err := a.th.Wait(ctx, "modify_orders"); err != nil {
		return nil, Result{Kind: KindTransient, Reason: err.Error()}
	}
	return a.inner.ModifyOrders(ctx, reqs)
}

func (a *ThrottledAdapter) CancelAll(ctx context.Context, symbol string) Result {
	if err := a.th.Wait(ctx, "cancel_all"); err != nil {
		return Result{Kind: KindTransient, Reason: err.Error()}
	}
	return a.inner.CancelAll(ctx, symbol)
}

func (a *ThrottledAdapter) OpenOrders(ctx context.Context, symbol string) ([]LiveOrder, Result) {
	if err := a.th.Wait(ctx, "open_orders"); err != nil {
		return nil, Result{Kind: KindTransient, Reason: err.Error()}
	}
	return a.inner.OpenOrders(ctx, symbol)
}

func (a *ThrottledAdapter) Position(ctx context.Context, symbol string) (decimal.Decimal, Result) {
	if err := a.th.Wait(ctx, "position"); err != nil {
		return decimal.Zero, Result{Kind: KindTransient, Reason: err.Error()}
	}
	return a.inner.Position(ctx, symbol)
}

func (a *ThrottledAdapter) ArmDeadMansSwitch(ctx context.Context, timeout time.Duration) Result {
	if err := a.th.Wait(ctx, "arm_dead_mans_switch"); err != nil {
		return Result{Kind: KindTransient, Reason: err.Error()}
	}
	return a.inner.ArmDeadMansSwitch(ctx, timeout)
}

func (a *ThrottledAdapter) Metadata(ctx context.Context) (map[string]AssetMetadata, Result) {
	if err := a.th.Wait(ctx, "metadata"); err != nil {
		return nil, Result{Kind: KindTransient, Reason: err.Error()}
	}
	return a.inner.Metadata(ctx)
}
