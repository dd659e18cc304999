package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Side is an order or trade direction.
type Side int

const (
	Buy Side = iota
	Sell
)

// PriceLevel is one (price, size) pair of an order book side.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Trade is one recent public trade print.
type Trade struct {
	Timestamp time.Time
	Price     decimal.Decimal
	Size      decimal.Decimal
	Side      Side
}

// LiveOrder is one order the venue reports as still resting.
type LiveOrder struct {
	ClientID   string
	ExchangeID string
	Side       Side
	Price      decimal.Decimal
	Size       decimal.Decimal
	LevelIndex int
	PlacedAt   time.Time
}

// ModifyRequest is one entry of a batched modify call.
type ModifyRequest struct {
	ExchangeID string
	NewPrice   decimal.Decimal
	NewSize    decimal.Decimal
}

// AssetMetadata is the venue's per-symbol contract terms (spec §6).
type AssetMetadata struct {
	Symbol       string
	SizeDecimals int32
	TickSize     decimal.Decimal
}

// ErrorKind classifies venue-facing failures into the taxonomy the
// StrategyLoop pattern-matches on (spec §7, §9) rather than unwinding on
// exceptions.
type ErrorKind int

const (
	// KindOK is not a failure; used only as the zero value of Result.
	KindOK ErrorKind = iota
	// KindTransient covers timeouts, 5xx, and rate-limit responses: log,
	// count, and continue to the next tick.
	KindTransient
	// KindRejectedCross is a post-only order the venue rejected because it
	// would have crossed the book — benign, counts at low weight.
	KindRejectedCross
	// KindRejectedInvalid is an invalid tick/lot rejection: re-round and
	// retry next tick; if it repeats, suppress the level and alert.
	KindRejectedInvalid
	// KindFatal covers credentials/permission failures that must escalate
	// to CircuitBreak and terminate the process with exit code 3.
	KindFatal
)

// Result is the sum-type replacement for exception-based error handling
// against the venue (spec §9): Ok, TransientError{kind}, Rejected{reason},
// Fatal{reason}.
type Result struct {
	Kind    ErrorKind
	Reason  string
	Latency time.Duration
}

// Ok reports whether the call succeeded.
func (r Result) Ok() bool { return r.Kind == KindOK }

// Adapter is the contract the core consumes from the venue-specific
// exchange integration (spec §6). Every operation is asynchronous and
// cancellable via ctx.
type Adapter interface {
	MidPrice(ctx context.Context, symbol string) (decimal.Decimal, Result)
	OrderBook(ctx context.Context, symbol string, depth int) (bids, asks []PriceLevel, res Result)
	RecentTrades(ctx context.Context, symbol string, since time.Time) ([]Trade, Result)

	PlaceOrder(ctx context.Context, symbol string, side Side, price, size decimal.Decimal, postOnly bool, clientID string) (exchangeID string, res Result)
	ModifyOrders(ctx context.Context, reqs []ModifyRequest) ([]Result, Result)
	CancelAll(ctx context.Context, symbol string) Result
	OpenOrders(ctx context.Context, symbol string) ([]LiveOrder, Result)
	Position(ctx context.Context, symbol string) (decimal.Decimal, Result)

	ArmDeadMansSwitch(ctx context.Context, timeout time.Duration) Result
	Metadata(ctx context.Context) (map[string]AssetMetadata, Result)
}
