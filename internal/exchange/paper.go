package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PaperFill is a simulated fill produced when CrossMid walks the paper
// book's resting orders through a new mid price.
type PaperFill struct {
	ExchangeID string
	Symbol     string
	Side       Side
	Price      decimal.Decimal
	Size       decimal.Decimal
	At         time.Time
}

// PaperAdapter simulates the Adapter contract against virtual balances and
// a resting-order book, the way the venue's own paper-trading executor
// simulates fills against tracked balances rather than a live venue.
type PaperAdapter struct {
	mu sync.Mutex

	mid      map[string]decimal.Decimal
	position map[string]decimal.Decimal
	metadata map[string]AssetMetadata
	orders   map[string]*LiveOrder // keyed by exchange_id
	fills    []PaperFill

	nextOrderID int
	armedUntil  time.Time
}

// NewPaperAdapter creates an empty PaperAdapter.
func NewPaperAdapter(metadata map[string]AssetMetadata) *PaperAdapter {
	return &PaperAdapter{
		mid:      make(map[string]decimal.Decimal),
		position: make(map[string]decimal.Decimal),
		metadata: metadata,
		orders:   make(map[string]*LiveOrder),
	}
}

// SetMid sets the simulated mid price for symbol, used by MidPrice and by
// post-only crossing checks in PlaceOrder.
func (p *PaperAdapter) SetMid(symbol string, mid decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mid[symbol] = mid
}

func (p *PaperAdapter) MidPrice(_ context.Context, symbol string) (decimal.Decimal, Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	mid, ok := p.mid[symbol]
	if !ok {
		return decimal.Zero, Result{Kind: KindTransient, Reason: "no mid set for symbol"}
	}
	return mid, Result{Kind: KindOK}
}

func (p *PaperAdapter) OrderBook(_ context.Context, symbol string, depth int) ([]PriceLevel, []PriceLevel, Result) {
	p.mu.Lock()
	mid, ok := p.mid[symbol]
	p.mu.Unlock()
	if !ok {
		return nil, nil, Result{Kind: KindTransient, Reason: "no mid set for symbol"}
	}
	bids := make([]PriceLevel, 0, depth)
	asks := make([]PriceLevel, 0, depth)
	one := decimal.NewFromInt(1)
	for i := 0; i < depth; i++ {
		step := decimal.NewFromInt(int64(i + 1))
		bids = append(bids, PriceLevel{Price: mid.Sub(step), Size: one})
		asks = append(asks, PriceLevel{Price: mid.Add(step), Size: one})
	}
	return bids, asks, Result{Kind: KindOK}
}

func (p *PaperAdapter) RecentTrades(_ context.Context, _ string, _ time.Time) ([]Trade, Result) {
	return nil, Result{Kind: KindOK}
}

// PlaceOrder rests a post-only order. If it would immediately cross the
// current mid, it is rejected as KindRejectedCross, mirroring the venue
// rejecting an ALO order rather than executing it as taker.
func (p *PaperAdapter) PlaceOrder(_ context.Context, symbol string, side Side, price, size decimal.Decimal, postOnly bool, clientID string) (string, Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	mid, haveMid := p.mid[symbol]
	if postOnly && haveMid {
		if side == Buy && price.GreaterThanOrEqual(mid) {
			return "", Result{Kind: KindRejectedCross, Reason: "post-only buy would cross"}
		}
		if side == Sell && price.LessThanOrEqual(mid) {
			return "", Result{Kind: KindRejectedCross, Reason: "post-only sell would cross"}
		}
	}

	p.nextOrderID++
	exchangeID := fmt.Sprintf("paper-%d", p.nextOrderID)
	p.orders[exchangeID] = &LiveOrder{
		ClientID:   clientID,
		ExchangeID: exchangeID,
		Side:       side,
		Price:      price,
		Size:       size,
		PlacedAt:   time.Now(),
	}
	return exchangeID, Result{Kind: KindOK}
}

func (p *PaperAdapter) ModifyOrders(_ context.Context, reqs []ModifyRequest) ([]Result, Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	results := make([]Result, len(reqs))
	for i, r := range reqs {
		order, ok := p.orders[r.ExchangeID]
		if !ok {
			results[i] = Result{Kind: KindRejectedInvalid, Reason: "unknown exchange_id"}
			continue
		}
		order.Price = r.NewPrice
		order.Size = r.NewSize
		results[i] = Result{Kind: KindOK}
	}
	return results, Result{Kind: KindOK}
}

func (p *PaperAdapter) CancelAll(_ context.Context, symbol string) Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	// PaperAdapter does not currently key orders by symbol (single-asset
	// test double); callers running multiple symbols should use one
	// PaperAdapter per symbol.
	_ = symbol
	p.orders = make(map[string]*LiveOrder)
	return Result{Kind: KindOK}
}

func (p *PaperAdapter) OpenOrders(_ context.Context, _ string) ([]LiveOrder, Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]LiveOrder, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, *o)
	}
	return out, Result{Kind: KindOK}
}

func (p *PaperAdapter) Position(_ context.Context, symbol string) (decimal.Decimal, Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position[symbol], Result{Kind: KindOK}
}

func (p *PaperAdapter) ArmDeadMansSwitch(_ context.Context, timeout time.Duration) Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.armedUntil = time.Now().Add(timeout)
	return Result{Kind: KindOK}
}

func (p *PaperAdapter) Metadata(_ context.Context) (map[string]AssetMetadata, Result) {
	return p.metadata, Result{Kind: KindOK}
}

// CrossMid moves the simulated mid to newMid and fills any resting orders
// the move walked through: a bid at or above newMid fills on a downward
// move being crossed upward is impossible; concretely a buy fills when
// newMid drops to or below its price, a sell fills when newMid rises to or
// above its price.
func (p *PaperAdapter) CrossMid(symbol string, newMid decimal.Decimal) []PaperFill {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.mid[symbol] = newMid
	var filled []PaperFill
	for id, o := range p.orders {
		var hit bool
		if o.Side == Buy && newMid.LessThanOrEqual(o.Price) {
			hit = true
		}
		if o.Side == Sell && newMid.GreaterThanOrEqual(o.Price) {
			hit = true
		}
		if !hit {
			continue
		}
		delta := o.Size
		if o.Side == Sell {
			delta = delta.Neg()
		}
		p.position[symbol] = p.position[symbol].Add(delta)
		filled = append(filled, PaperFill{
			ExchangeID: id,
			Symbol:     symbol,
			Side:       o.Side,
			Price:      o.Price,
			Size:       o.Size,
			At:         time.Now(),
		})
		p.fills = append(p.fills, filled[len(filled)-1])
		delete(p.orders, id)
	}
	return filled
}

// Fills returns every simulated fill recorded so far.
func (p *PaperAdapter) Fills() []PaperFill {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PaperFill, len(p.fills))
	copy(out, p.fills)
	return out
}
