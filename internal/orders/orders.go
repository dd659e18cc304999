// Package orders implements OrderManager: it reconciles a desired Quote
// against the venue's currently-known live orders into a minimal set of
// place/modify/cancel intents (spec §4.5).
package orders

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/SusBot-cyber/BotMM/internal/exchange"
	"github.com/SusBot-cyber/BotMM/internal/money"
	"github.com/SusBot-cyber/BotMM/internal/quote"
)

// clientIDNamespace anchors the deterministic client_id UUIDv5 derivation
// so replays of the same (asset, level, side, tick_seq) always produce the
// same id (spec §4.5 idempotence invariant).
var clientIDNamespace = uuid.NewSHA1(uuid.Nil, []byte("botmm.orders.client_id"))

// ClientID derives a deterministic client_id from (asset, level, side,
// tick_seq). Replaying the same tuple always yields the same id, so
// replayed place/modify calls are no-ops at the venue.
func ClientID(symbol string, levelIndex int, side exchange.Side, tickSeq int64) string {
	key := fmt.Sprintf("%s|%d|%d|%d", symbol, levelIndex, side, tickSeq)
	return uuid.NewSHA1(clientIDNamespace, []byte(key)).String()
}

// IntentKind is the reconciliation action OrderManager decided on for one
// level.
type IntentKind int

const (
	IntentNone IntentKind = iota
	IntentPlace
	IntentModify
	IntentCancel
)

// Intent is one reconciliation decision for a (side, level).
type Intent struct {
	Kind       IntentKind
	Side       exchange.Side
	LevelIndex int
	ClientID   string
	ExchangeID string // set for Modify/Cancel against a known live order
	Price      decimal.Decimal
	Size       decimal.Decimal
}

// Config bounds OrderManager's reconciliation behaviour.
type Config struct {
	ModifyThresholdBps decimal.Decimal
	ModifyBatchSize    int
}

// DefaultConfig returns a 2bps dedup threshold and a batch size matching
// the venue's documented minimum (spec §6: batch size >= 20).
func DefaultConfig() Config {
	return Config{
		ModifyThresholdBps: decimal.NewFromInt(2),
		ModifyBatchSize:    20,
	}
}

// Manager reconciles desired quotes against live orders for one asset.
type Manager struct {
	symbol  string
	gran    money.Granularity
	cfg     Config
	tickSeq int64
}

// New creates a Manager for symbol with the given rounding granularity and
// reconciliation config.
func New(symbol string, gran money.Granularity, cfg Config) *Manager {
	return &Manager{symbol: symbol, gran: gran, cfg: cfg}
}

// Reconcile computes the minimal set of intents to move the venue's
// current live orders toward q, per the rules in spec §4.5. tickSeq must
// be monotonically increasing across ticks so ClientID stays idempotent
// per tick.
func (m *Manager) Reconcile(q quote.Quote, live []exchange.LiveOrder, tickSeq int64) []Intent {
	m.tickSeq = tickSeq

	byKey := make(map[levelKey]exchange.LiveOrder, len(live))
	for _, o := range live {
		byKey[levelKey{o.Side, o.LevelIndex}] = o
	}

	seen := make(map[levelKey]bool, len(q.Bids)*2)
	var intents []Intent

	for i, lvl := range q.Bids {
		key := levelKey{exchange.Buy, i}
		seen[key] = true
		intents = append(intents, m.reconcileLevel(exchange.Buy, i, lvl, byKey[key], key.in(byKey))...)
	}
	for i, lvl := range q.Asks {
		key := levelKey{exchange.Sell, i}
		seen[key] = true
		intents = append(intents, m.reconcileLevel(exchange.Sell, i, lvl, byKey[key], key.in(byKey))...)
	}

	// Any live order without a corresponding desired level this tick is
	// orphaned and must be cancelled (spec §4.5 rule 5).
	for key, o := range byKey {
		if seen[key] {
			continue
		}
		intents = append(intents, Intent{
			Kind:       IntentCancel,
			Side:       o.Side,
			LevelIndex: o.LevelIndex,
			ExchangeID: o.ExchangeID,
		})
	}

	return intents
}

type levelKey struct {
	side       exchange.Side
	levelIndex int
}

func (k levelKey) in(m map[levelKey]exchange.LiveOrder) bool {
	_, ok := m[k]
	return ok
}

// reconcileLevel applies rules 1-4 of spec §4.5 to a single (side, level).
func (m *Manager) reconcileLevel(side exchange.Side, levelIndex int, lvl quote.Level, existing exchange.LiveOrder, exists bool) []Intent {
	price := m.gran.RoundPrice(lvl.Price)
	size := m.gran.RoundSize(lvl.Size)

	suppressed := lvl.Suppress || size.IsZero()

	if suppressed {
		if exists {
			return []Intent{{Kind: IntentCancel, Side: side, LevelIndex: levelIndex, ExchangeID: existing.ExchangeID}}
		}
		return nil
	}

	clientID := ClientID(m.symbol, levelIndex, side, m.tickSeq)

	if !exists {
		return []Intent{{
			Kind: IntentPlace, Side: side, LevelIndex: levelIndex,
			ClientID: clientID, Price: price, Size: size,
		}}
	}

	if m.withinDedupThreshold(price, existing.Price) && size.Equal(existing.Size) {
		return nil // dedup: no meaningful change
	}

	return []Intent{{
		Kind: IntentModify, Side: side, LevelIndex: levelIndex,
		ClientID: clientID, ExchangeID: existing.ExchangeID, Price: price, Size: size,
	}}
}

// withinDedupThreshold reports whether desired and live differ by less
// than ModifyThresholdBps of live (spec §4.5 rule 3).
func (m *Manager) withinDedupThreshold(desired, live decimal.Decimal) bool {
	if live.IsZero() {
		return desired.IsZero()
	}
	deltaBps := desired.Sub(live).Abs().Div(live).Mul(decimal.NewFromInt(10000))
	return deltaBps.LessThan(m.cfg.ModifyThresholdBps)
}

// Batches splits modify intents into batches no larger than
// ModifyBatchSize, preserving order (spec §4.5 rule 4).
func (m *Manager) Batches(intents []Intent) [][]Intent {
	var modifies []Intent
	for _, in := range intents {
		if in.Kind == IntentModify {
			modifies = append(modifies, in)
		}
	}
	if len(modifies) == 0 {
		return nil
	}
	batchSize := m.cfg.ModifyBatchSize
	if batchSize <= 0 {
		batchSize = len(modifies)
	}
	var batches [][]Intent
	for i := 0; i < len(modifies); i += batchSize {
		end := i + batchSize
		if end > len(modifies) {
			end = len(modifies)
		}
		batches = append(batches, modifies[i:end])
	}
	return batches
}

// ReduceSizeToFitMargin steps size down by one lot at a time until
// size*price*multiplier fits within remainingMarginUSD, or the size hits
// zero (spec §8 scenario 5).
func ReduceSizeToFitMargin(size, price, multiplier, remainingMarginUSD decimal.Decimal, gran money.Granularity) decimal.Decimal {
	step := gran.MinSizeStep()
	for size.IsPositive() {
		notional := size.Mul(price).Mul(multiplier)
		if notional.LessThanOrEqual(remainingMarginUSD) {
			return size
		}
		size = size.Sub(step)
	}
	return decimal.Zero
}
