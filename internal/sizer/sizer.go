// Package sizer implements DynamicSizer: an online multiplicative scaler
// over order_size_usd driven by rolling performance signals (spec §4.6).
package sizer

import (
	"github.com/shopspring/decimal"

	"github.com/SusBot-cyber/BotMM/internal/estimators"
)

const (
	minFactor = 0.25
	maxFactor = 1.5
)

// Inputs bundles the rolling signals DynamicSizer scales order_size_usd by.
type Inputs struct {
	VolRegime          estimators.Regime
	FillRate           float64 // observed fraction of quoted levels filled
	TargetFillRate     float64
	InventoryUtilization float64 // |net_position| / max_position, [0,1]
	ToxicityEMA        float64
	Drawdown7d         float64 // fraction of capital
	DrawdownThreshold  float64
}

// DynamicSizer scales order_size_usd by a product of bounded factors
// clamped to [min_order_usd, max_order_usd] (spec §4.6).
type DynamicSizer struct {
	minOrderUSD decimal.Decimal
	maxOrderUSD decimal.Decimal
}

// New creates a DynamicSizer bounding the result to [minOrderUSD, maxOrderUSD].
func New(minOrderUSD, maxOrderUSD decimal.Decimal) *DynamicSizer {
	return &DynamicSizer{minOrderUSD: minOrderUSD, maxOrderUSD: maxOrderUSD}
}

func volRegimeFactor(r estimators.Regime) float64 {
	switch r {
	case estimators.RegimeLow:
		return 1.2
	case estimators.RegimeHigh:
		return 0.7
	default:
		return 1.0
	}
}

// fillRateFactor moves toward 1.2 when below target, toward 0.8 when above,
// scaled by how far off target the observed rate is.
func fillRateFactor(observed, target float64) float64 {
	if target <= 0 {
		return 1.0
	}
	ratio := observed / target
	switch {
	case ratio < 1:
		// below target: scale up toward 1.2 the further under target we are
		return clampFactor(1.0 + (1.0-ratio)*0.2)
	default:
		// at or above target: scale down toward 0.8
		return clampFactor(1.0 - (ratio-1.0)*0.2)
	}
}

func inventoryUtilizationFactor(utilization float64) float64 {
	if utilization >= 0.7 {
		return 0.5
	}
	return 1.0
}

func toxicityFactor(toxicityEMA float64) float64 {
	if toxicityEMA > 0.5 {
		return 0.7
	}
	return 1.0
}

func drawdownFactor(drawdown, threshold float64) float64 {
	if threshold > 0 && drawdown > threshold {
		return 0.4
	}
	return 1.0
}

func clampFactor(f float64) float64 {
	if f < minFactor {
		return minFactor
	}
	if f > maxFactor {
		return maxFactor
	}
	return f
}

// Scale computes the effective order_size_usd for baseOrderSizeUSD given
// in, clamped to [minOrderUSD, maxOrderUSD].
func (s *DynamicSizer) Scale(baseOrderSizeUSD decimal.Decimal, in Inputs) decimal.Decimal {
	factor := volRegimeFactor(in.VolRegime) *
		fillRateFactor(in.FillRate, in.TargetFillRate) *
		inventoryUtilizationFactor(in.InventoryUtilization) *
		toxicityFactor(in.ToxicityEMA) *
		drawdownFactor(in.Drawdown7d, in.DrawdownThreshold)

	factor = clampFactor(factor)

	scaled := baseOrderSizeUSD.Mul(decimal.NewFromFloat(factor))
	if scaled.LessThan(s.minOrderUSD) {
		return s.minOrderUSD
	}
	if scaled.GreaterThan(s.maxOrderUSD) {
		return s.maxOrderUSD
	}
	return scaled
}
