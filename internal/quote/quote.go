// Package quote implements the Avellaneda-Stoikov-style pricer: it turns a
// snapshot of estimator outputs and the current QuoteParams into a
// multi-level Quote. QuoteEngine is a pure function of its inputs — it
// performs no I/O and never fails.
package quote

import (
	"github.com/shopspring/decimal"

	"github.com/SusBot-cyber/BotMM/internal/config"
	"github.com/SusBot-cyber/BotMM/internal/money"
)

// Level is one price/size pair on one side of the book, plus its per-level
// suppression flag.
type Level struct {
	Price    decimal.Decimal
	Size     decimal.Decimal
	Suppress bool
}

// Quote is the QuoteEngine's output: parallel bid/ask ladders of equal
// length (spec §3). bid_i < ask_i holds at every unsuppressed level.
type Quote struct {
	Bids []Level
	Asks []Level

	// SuppressBid and SuppressAsk are the side-wide suppression decisions
	// (risk, toxicity, or fee-aware gates); individual Level.Suppress flags
	// mirror these so downstream consumers only need to look at one place.
	SuppressBid bool
	SuppressAsk bool

	// HalfSpreadBps is exposed for telemetry and testing.
	HalfSpreadBps float64
}

// Inputs bundles everything QuoteEngine needs to price one tick for one
// asset (spec §4.1).
type Inputs struct {
	Mid decimal.Decimal

	VolBps float64 // Volatility.BPS()

	// NetPositionUSD is the current signed inventory value in USD; used for
	// the inventory-skew ramp and the one-sided guard.
	NetPositionUSD decimal.Decimal
	MaxPositionUSD decimal.Decimal

	BookImbalance float64 // [-1, 1]
	Signal        int     // {-1, 0, 1}
	Toxicity      float64 // [0, 1]

	// BestBid/BestAsk are the current top-of-book market prices, used only
	// by the fee-aware gate. Zero values disable the gate for this tick.
	BestBid decimal.Decimal
	BestAsk decimal.Decimal

	MakerFeeBps decimal.Decimal
	FeeAware    bool
}

// toxicityMultiplier is the piecewise multiplier applied to the raw
// half-spread once volatility and inventory terms are folded in (spec §4.1).
// A zero reading (no toxicity signal at all) is treated as neutral, not as
// confirmed low toxicity, so it falls through to the 1.0 default rather than
// the 0.9 discount.
func toxicityMultiplier(tau float64) float64 {
	switch {
	case tau > 0.6:
		return 1.5
	case tau > 0.4:
		return 1.25
	case tau > 0 && tau < 0.2:
		return 0.9
	default:
		return 1.0
	}
}

// inventoryRamp amplifies the inventory-skew term from 1.0 to 1.6 linearly
// as |position|/max moves from 0.6 to 1.0 (spec §4.1); below 0.6 it is 1.0.
func inventoryRamp(utilization float64) float64 {
	if utilization <= 0.6 {
		return 1.0
	}
	if utilization >= 1.0 {
		return 1.6
	}
	return 1.0 + (utilization-0.6)/(1.0-0.6)*0.6
}

// levelSizeWeights returns the fraction of order_size_usd assigned to each
// of n levels, summing to 1. The venue's documented split for 3 levels is
// 40/35/25; for other level counts the same decaying shape is extended by a
// 0.7x geometric taper past the third level and the whole set is
// renormalized so it still sums to 1. This is the deterministic
// normalization the spec's num_levels open question calls for.
func levelSizeWeights(n int) []float64 {
	base := []float64{0.40, 0.35, 0.25}
	var weights []float64
	switch {
	case n <= 0:
		return nil
	case n <= len(base):
		weights = append(weights, base[:n]...)
	default:
		weights = append(weights, base...)
		last := base[len(base)-1]
		for i := len(base); i < n; i++ {
			last *= 0.7
			weights = append(weights, last)
		}
	}
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	if sum == 0 {
		return weights
	}
	for i := range weights {
		weights[i] /= sum
	}
	return weights
}

// bpsToPrice converts a basis-point value into an absolute price delta at
// the given mid.
func bpsToPrice(bps float64, mid float64) float64 {
	return bps / 1e4 * mid
}

// Price computes the Quote for one tick from inputs, params, and the
// asset's rounding granularity. It never fails.
func Price(in Inputs, params config.QuoteParams, gran money.Granularity) Quote {
	mid, _ := in.Mid.Float64()

	// Toxicity full-suppression short-circuits everything else.
	if in.Toxicity > 0.8 {
		return suppressedQuote(params.NumLevels, in.Mid, params, gran, true, true)
	}

	baseBps, _ := params.BaseSpreadBps.Float64()
	minBps, _ := params.MinSpreadBps.Float64()
	maxBps, _ := params.MaxSpreadBps.Float64()
	volMult, _ := params.VolMultiplier.Float64()
	skewFactor, _ := params.InventorySkewFactor.Float64()
	biasStrength, _ := params.BiasStrength.Float64()
	levelSpacingBps, _ := params.LevelSpacingBps.Float64()
	orderSizeUSD, _ := params.OrderSizeUSD.Float64()

	netPosUSD, _ := in.NetPositionUSD.Float64()
	maxPosUSD, _ := in.MaxPositionUSD.Float64()
	utilization := 0.0
	if maxPosUSD > 0 {
		utilization = absF(netPosUSD) / maxPosUSD
	}
	ramp := inventoryRamp(utilization)

	// inv_penalty_bps only kicks in once the ramp itself has engaged
	// (utilization > 0.6); below that it is exactly zero, so a flat or
	// moderately-loaded book prices identically to the zero-inventory case
	// and all of the inventory effect shows up in the skew price-shift below.
	invPenaltyBps := (ramp - 1.0) * baseBps

	rawBps := baseBps + volMult*in.VolBps + invPenaltyBps
	if rawBps < minBps {
		rawBps = minBps
	}
	halfSpreadBps := rawBps * toxicityMultiplier(in.Toxicity)
	if halfSpreadBps < minBps {
		halfSpreadBps = minBps
	}
	if halfSpreadBps > maxBps {
		halfSpreadBps = maxBps
	}
	halfSpreadPrice := bpsToPrice(halfSpreadBps, mid)

	volFraction := in.VolBps / 1e4
	inventorySkew := signF(netPosUSD) * minF(utilization, 1.0) * skewFactor * volFraction * mid * ramp

	directionalShift := float64(in.Signal) * biasStrength * halfSpreadPrice

	suppressBid := false
	suppressAsk := false
	if maxPosUSD > 0 {
		if netPosUSD > 0.6*maxPosUSD {
			suppressBid = true
		}
		if netPosUSD < -0.6*maxPosUSD {
			suppressAsk = true
		}
	}

	if in.FeeAware && !in.BestBid.IsZero() && !in.BestAsk.IsZero() {
		bestBid, _ := in.BestBid.Float64()
		bestAsk, _ := in.BestAsk.Float64()
		makerFeeBps, _ := in.MakerFeeBps.Float64()
		if mid > 0 {
			marketSpreadBps := (bestAsk - bestBid) / mid * 1e4
			if marketSpreadBps < 2*makerFeeBps {
				suppressBid = true
				suppressAsk = true
			}
		}
	}

	weights := levelSizeWeights(params.NumLevels)
	q := Quote{
		SuppressBid:   suppressBid,
		SuppressAsk:   suppressAsk,
		HalfSpreadBps: halfSpreadBps,
	}

	for i := 0; i < params.NumLevels; i++ {
		spacing := float64(i) * bpsToPrice(levelSpacingBps, mid)

		bidPriceF := mid - halfSpreadPrice - spacing - inventorySkew + directionalShift
		askPriceF := mid + halfSpreadPrice + spacing - inventorySkew + directionalShift

		levelUSD := orderSizeUSD * weights[i]
		sizeF := 0.0
		if mid > 0 {
			sizeF = levelUSD / mid
		}

		bidPrice := gran.RoundPrice(decimal.NewFromFloat(bidPriceF))
		askPrice := gran.RoundPrice(decimal.NewFromFloat(askPriceF))
		size := gran.RoundSize(decimal.NewFromFloat(sizeF))

		bidSuppressed := suppressBid || size.IsZero()
		askSuppressed := suppressAsk || size.IsZero()

		q.Bids = append(q.Bids, Level{Price: bidPrice, Size: size, Suppress: bidSuppressed})
		q.Asks = append(q.Asks, Level{Price: askPrice, Size: size, Suppress: askSuppressed})
	}

	return q
}

// suppressedQuote builds a fully- or partially-suppressed Quote at the
// current mid, still emitting rounded level prices so OrderManager has
// something to compare against when deciding what to cancel.
func suppressedQuote(numLevels int, mid decimal.Decimal, params config.QuoteParams, gran money.Granularity, suppressBid, suppressAsk bool) Quote {
	q := Quote{SuppressBid: suppressBid, SuppressAsk: suppressAsk}
	midF, _ := mid.Float64()
	minBps, _ := params.MinSpreadBps.Float64()
	half := bpsToPrice(minBps, midF)
	for i := 0; i < numLevels; i++ {
		bidPrice := gran.RoundPrice(decimal.NewFromFloat(midF - half))
		askPrice := gran.RoundPrice(decimal.NewFromFloat(midF + half))
		q.Bids = append(q.Bids, Level{Price: bidPrice, Suppress: true})
		q.Asks = append(q.Asks, Level{Price: askPrice, Suppress: true})
	}
	return q
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func signF(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
