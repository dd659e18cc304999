// Package money implements the venue's decimal rounding discipline: price
// and size granularity derived from a per-asset size_decimals value, the
// 5-significant-figure price rule, and half-away-from-zero rounding.
package money

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Granularity describes the venue's per-asset rounding rules.
//
// price_decimals is derived from size_decimals per the venue convention:
// price_decimals = 6 - size_decimals.
type Granularity struct {
	SizeDecimals int32
}

// PriceDecimals returns 6 - SizeDecimals, per the venue's fixed relationship
// between size and price precision.
func (g Granularity) PriceDecimals() int32 {
	return 6 - g.SizeDecimals
}

// RoundSize rounds a size half-away-from-zero to SizeDecimals places.
func (g Granularity) RoundSize(size decimal.Decimal) decimal.Decimal {
	return roundHalfAwayFromZero(size, g.SizeDecimals)
}

// roundHalfAwayFromZero rounds d to places decimal places, breaking ties away
// from zero. decimal.Decimal's own Round already rounds half-away-from-zero
// for positive scales, but we spell it out so the tie-breaking rule is
// explicit and independent of library defaults.
func roundHalfAwayFromZero(d decimal.Decimal, places int32) decimal.Decimal {
	if d.IsZero() {
		return d
	}
	factor := decimal.New(1, places)
	scaled := d.Mul(factor)
	if scaled.IsNegative() {
		scaled = scaled.Sub(decimal.NewFromFloat(0.5)).Ceil()
	} else {
		scaled = scaled.Add(decimal.NewFromFloat(0.5)).Floor()
	}
	return scaled.Div(factor).Truncate(places)
}

// RoundPrice rounds price half-away-from-zero to PriceDecimals places, then
// re-rounds it half-away-from-zero to 5 significant figures if the rounded
// value carries more.
func (g Granularity) RoundPrice(price decimal.Decimal) decimal.Decimal {
	rounded := roundHalfAwayFromZero(price, g.PriceDecimals())
	return roundToSignificantFigures(rounded, 5)
}

// roundToSignificantFigures re-rounds d, half-away-from-zero, so that it
// carries at most sig significant digits. It never increases precision
// beyond d's current scale.
func roundToSignificantFigures(d decimal.Decimal, sig int) decimal.Decimal {
	if d.IsZero() {
		return d
	}
	f, _ := d.Float64()
	af := math.Abs(f)
	magnitude := int(math.Floor(math.Log10(af))) + 1
	places := int32(sig - magnitude)
	if places < 0 {
		places = 0
	}
	// Never widen the decimal's existing scale; only narrow it.
	if int32(-d.Exponent()) <= places {
		return d
	}
	return roundHalfAwayFromZero(d, places)
}

// SignificantFigures returns how many significant digits d's decimal
// representation carries, for validation/testing.
func SignificantFigures(d decimal.Decimal) int {
	if d.IsZero() {
		return 1
	}
	s := d.Abs().String()
	digits := 0
	seenNonZero := false
	for _, r := range s {
		switch {
		case r == '.' || r == '-':
			continue
		case r == '0' && !seenNonZero:
			continue
		default:
			seenNonZero = true
			digits++
		}
	}
	if digits == 0 {
		return 1
	}
	return digits
}

// MinSizeStep returns 10^-SizeDecimals, the smallest representable size.
func (g Granularity) MinSizeStep() decimal.Decimal {
	return decimal.New(1, -g.SizeDecimals)
}

// IsSizeAligned reports whether size is an integer multiple of the venue's
// minimum size step.
func (g Granularity) IsSizeAligned(size decimal.Decimal) bool {
	step := g.MinSizeStep()
	if step.IsZero() {
		return true
	}
	mod := size.Mod(step)
	return mod.IsZero()
}

// String renders a Granularity for logging.
func (g Granularity) String() string {
	return fmt.Sprintf("size_decimals=%d price_decimals=%d", g.SizeDecimals, g.PriceDecimals())
}
