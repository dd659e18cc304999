package strategy

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/SusBot-cyber/BotMM/internal/estimators"
)

// RegimeQuoteBucket is the base_spread/num_levels pair AdaptiveStrategy
// swaps to for a volatility regime (spec §4.8 variant a).
type RegimeQuoteBucket struct {
	SpreadMultiplier float64
	NumLevels        int
}

// defaultRegimeBuckets widens the spread and thins the ladder as volatility
// rises: fewer, wider levels in a high-vol regime avoid getting picked off
// across the whole ladder at once.
var defaultRegimeBuckets = map[estimators.Regime]RegimeQuoteBucket{
	estimators.RegimeLow:    {SpreadMultiplier: 0.85, NumLevels: 4},
	estimators.RegimeMedium: {SpreadMultiplier: 1.00, NumLevels: 3},
	estimators.RegimeHigh:   {SpreadMultiplier: 1.35, NumLevels: 2},
}

// AdaptiveConfig bounds the two additions AdaptiveStrategy layers over a
// plain StrategyLoop (spec §4.8 variant).
type AdaptiveConfig struct {
	RegimeBuckets map[estimators.Regime]RegimeQuoteBucket
	// FlattenAfter is how long a position may sit without a round-trip
	// before the decay rule starts biasing quotes toward flat.
	FlattenAfter time.Duration
	// FlattenRampOver is how long past FlattenAfter the bias takes to reach
	// its maximum strength (1.0, fully one-sided toward flattening).
	FlattenRampOver time.Duration
}

// DefaultAdaptiveConfig applies the regime buckets above and a 30-minute
// grace period ramping to full flattening bias over the following 30
// minutes.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		RegimeBuckets:   defaultRegimeBuckets,
		FlattenAfter:    30 * time.Minute,
		FlattenRampOver: 30 * time.Minute,
	}
}

// AdaptiveStrategy wraps a StrategyLoop with volatility-regime bucketing of
// base_spread/num_levels and an inventory-decay flattening bias (spec
// §4.8's AdaptiveStrategy variant).
type AdaptiveStrategy struct {
	*StrategyLoop
	acfg AdaptiveConfig

	baseParamsAtRegimeSwitch decimal.Decimal // base_spread_bps before the active bucket's multiplier
	lastRegime               estimators.Regime

	positionOpenedAt time.Time
	lastRoundTripAt  time.Time
	wasFlat          bool
}

// NewAdaptive wraps loop with the AdaptiveStrategy behaviour. loop's own
// Tick should not be called directly once wrapped; call the returned
// value's Tick instead.
func NewAdaptive(loop *StrategyLoop, acfg AdaptiveConfig) *AdaptiveStrategy {
	if acfg.RegimeBuckets == nil {
		acfg.RegimeBuckets = defaultRegimeBuckets
	}
	return &AdaptiveStrategy{
		StrategyLoop:             loop,
		acfg:                     acfg,
		baseParamsAtRegimeSwitch: loop.params.BaseSpreadBps,
		lastRegime:               estimators.RegimeMedium,
		wasFlat:                  true,
	}
}

// Tick runs one StrategyLoop tick with the regime bucket and inventory-decay
// adjustments folded into the params the base loop prices from.
func (a *AdaptiveStrategy) Tick(ctx context.Context, now time.Time) error {
	a.applyRegimeBucket()
	a.trackRoundTrips(now)

	// The decay rule biases pricing toward flattening only for this tick: it
	// rides on top of the inventory skew term rather than becoming part of
	// the persisted QuoteParams AutoTuner reasons about.
	originalSkew := a.params.InventorySkewFactor
	if bias := a.flattenBias(now); bias > 0 {
		boost := originalSkew.Mul(decimal.NewFromFloat(bias))
		a.params.InventorySkewFactor = originalSkew.Add(boost)
	}
	err := a.StrategyLoop.Tick(ctx, now)
	a.params.InventorySkewFactor = originalSkew

	return err
}

// applyRegimeBucket swaps base_spread_bps/num_levels to the bucket for the
// most recently classified volatility regime, tracked against an
// un-multiplied base that is recovered at each regime switch by dividing
// out the previous bucket's multiplier, so repeated switches don't compound
// the multiplier.
func (a *AdaptiveStrategy) applyRegimeBucket() {
	regime := a.est.Regime.Last()
	bucket, ok := a.acfg.RegimeBuckets[regime]
	if !ok {
		return
	}
	if regime != a.lastRegime {
		a.baseParamsAtRegimeSwitch = a.params.BaseSpreadBps.Div(decimal.NewFromFloat(regimeMultiplierFor(a.acfg, a.lastRegime)))
		a.lastRegime = regime
	}
	a.params.BaseSpreadBps = a.baseParamsAtRegimeSwitch.Mul(decimal.NewFromFloat(bucket.SpreadMultiplier))
	a.params.NumLevels = bucket.NumLevels
}

func regimeMultiplierFor(acfg AdaptiveConfig, regime estimators.Regime) float64 {
	if b, ok := acfg.RegimeBuckets[regime]; ok && b.SpreadMultiplier > 0 {
		return b.SpreadMultiplier
	}
	return 1.0
}

// trackRoundTrips watches Inventory's flat/non-flat transitions: going flat
// after having been non-flat counts as a round-trip and resets the decay
// clock; opening a new position from flat starts it.
func (a *AdaptiveStrategy) trackRoundTrips(now time.Time) {
	flat := a.inv.IsFlat()
	if flat && !a.wasFlat {
		a.lastRoundTripAt = now
	}
	if !flat && a.wasFlat {
		a.positionOpenedAt = now
	}
	a.wasFlat = flat
}

// flattenBias returns the inventory-decay bias in [0,1]: zero before
// FlattenAfter has elapsed since the position opened (or since the last
// round-trip, whichever is later), ramping linearly to 1.0 over
// FlattenRampOver once past it (spec §4.8 variant b).
func (a *AdaptiveStrategy) flattenBias(now time.Time) float64 {
	if a.inv.IsFlat() {
		return 0
	}
	since := a.positionOpenedAt
	if a.lastRoundTripAt.After(since) {
		since = a.lastRoundTripAt
	}
	if since.IsZero() {
		return 0
	}
	held := now.Sub(since)
	if held < a.acfg.FlattenAfter {
		return 0
	}
	if a.acfg.FlattenRampOver <= 0 {
		return 1
	}
	past := held - a.acfg.FlattenAfter
	bias := float64(past) / float64(a.acfg.FlattenRampOver)
	if bias > 1 {
		bias = 1
	}
	return bias
}
