// Package tuner implements AutoTuner: an online adjuster of QuoteParams
// driven by rolling 4h performance windows, with hysteresis and a drift
// guard back to configured defaults (spec §4.7).
package tuner

import (
	"github.com/shopspring/decimal"

	"github.com/SusBot-cyber/BotMM/internal/config"
)

// WindowMetrics is one rolling 4h performance snapshot fed to Evaluate.
type WindowMetrics struct {
	Sharpe                 float64
	FillRate               float64 // fraction, e.g. 0.15 == 15%
	ProfitableDayRatio     float64
	InventoryUtilization   float64 // fraction, [0,1]
}

const (
	sharpeWidenPct       = 0.10
	fillRateTightenPct   = 0.10
	fillRateFloorPct     = 0.15
	skewFactorStep       = 0.05
	skewFactorCap        = 1.0
	sharpeWidenCapPct    = 0.30 // no more than +30% cumulative from a single Sharpe streak
	driftGuardFraction   = 0.70
)

// AutoTuner tracks the drift of each tunable parameter from its configured
// default and applies at most one adjustment per window, per rule.
type AutoTuner struct {
	defaults config.QuoteParams

	consecutiveNegativeSharpe int
	consecutiveHighInvUtil    int
}

// New creates an AutoTuner anchored to defaults for the drift guard.
func New(defaults config.QuoteParams) *AutoTuner {
	return &AutoTuner{defaults: defaults}
}

// Evaluate applies at most one of this window's rules to current and
// returns the (possibly unchanged) resulting QuoteParams (spec §4.7:
// "applied at most one adjustment per window"). Conditions are still
// tracked every window regardless of which rule ends up firing, so a
// streak spanning windows where a higher-priority rule preempted this one
// isn't lost — only the actual parameter mutation is exclusive. Priority,
// highest first: Sharpe widen, fill-rate tighten, inventory-skew bump; this
// order matches the spec's own listing order and puts capital protection
// (widening under losses) ahead of the fill-rate and inventory rules, which
// pull in the opposite (tightening) direction.
func (t *AutoTuner) Evaluate(current config.QuoteParams, m WindowMetrics) config.QuoteParams {
	out := current

	sharpeNegative := m.Sharpe < 0
	if sharpeNegative {
		t.consecutiveNegativeSharpe++
	} else {
		t.consecutiveNegativeSharpe = 0
	}

	inventoryHigh := m.InventoryUtilization > 0.70
	if inventoryHigh {
		t.consecutiveHighInvUtil++
	} else {
		t.consecutiveHighInvUtil = 0
	}

	switch {
	case sharpeNegative:
		widenPct := sharpeWidenPct
		if t.consecutiveNegativeSharpe > 1 {
			widenPct = sharpeWidenPct * 2
		}
		widened := out.BaseSpreadBps.Mul(decimal.NewFromFloat(1 + widenPct))
		cap := t.defaults.BaseSpreadBps.Mul(decimal.NewFromFloat(1 + sharpeWidenCapPct))
		if widened.GreaterThan(cap) {
			widened = cap
		}
		out.BaseSpreadBps = widened

	case m.FillRate < fillRateFloorPct:
		tightened := out.BaseSpreadBps.Mul(decimal.NewFromFloat(1 - fillRateTightenPct))
		if tightened.LessThan(out.MinSpreadBps) {
			tightened = out.MinSpreadBps
		}
		out.BaseSpreadBps = tightened

	case inventoryHigh && t.consecutiveHighInvUtil >= 2:
		bumped := out.InventorySkewFactor.Add(decimal.NewFromFloat(skewFactorStep))
		cap := decimal.NewFromFloat(skewFactorCap)
		if bumped.GreaterThan(cap) {
			bumped = cap
		}
		out.InventorySkewFactor = bumped
	}

	out = t.applyDriftGuard(out)

	return out
}

// applyDriftGuard resets any parameter that has drifted more than
// driftGuardFraction from its configured default back to that default
// (spec §4.7).
func (t *AutoTuner) applyDriftGuard(p config.QuoteParams) config.QuoteParams {
	p.BaseSpreadBps = resetIfDrifted(p.BaseSpreadBps, t.defaults.BaseSpreadBps)
	p.InventorySkewFactor = resetIfDrifted(p.InventorySkewFactor, t.defaults.InventorySkewFactor)
	return p
}

func resetIfDrifted(current, def decimal.Decimal) decimal.Decimal {
	if def.IsZero() {
		return current
	}
	drift := current.Sub(def).Div(def).Abs()
	if drift.GreaterThan(decimal.NewFromFloat(driftGuardFraction)) {
		return def
	}
	return current
}
