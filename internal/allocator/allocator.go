// Package allocator implements MetaSupervisor: a daily, cross-asset
// scorer that turns each asset's rolling performance into a risk zone and
// a target slice of portfolio capital, published as an AllocatorState
// snapshot for StrategyLoops to pick up (spec §4.9).
package allocator

import (
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Zone is the risk classification a score maps to.
type Zone int

const (
	ZonePause Zone = iota
	ZonePunish
	ZoneHold
	ZoneReward
)

func (z Zone) String() string {
	switch z {
	case ZoneReward:
		return "reward"
	case ZoneHold:
		return "hold"
	case ZonePunish:
		return "punish"
	default:
		return "pause"
	}
}

// RiskMultipliers scale an asset's size, spread, and max position inputs
// once MetaSupervisor has classified it into a zone.
type RiskMultipliers struct {
	Size        float64
	Spread      float64
	MaxPosition float64
}

var zoneMultipliers = map[Zone]RiskMultipliers{
	ZoneReward: {Size: 1.10, Spread: 0.90, MaxPosition: 1.10},
	ZoneHold:   {Size: 1.0, Spread: 1.0, MaxPosition: 1.0},
	ZonePunish: {Size: 0.70, Spread: 1.30, MaxPosition: 0.70},
	ZonePause:  {Size: 0.40, Spread: 1.50, MaxPosition: 0.40},
}

// zoneFor buckets a composite score into its risk zone.
func zoneFor(score float64) Zone {
	switch {
	case score > 0.7:
		return ZoneReward
	case score >= 0.30:
		return ZoneHold
	case score >= 0.10:
		return ZonePunish
	default:
		return ZonePause
	}
}

// Normalization anchors for each raw metric, expressed as the value that
// maps to a normalized score of 1.0 (or, for drawdown, the value at which
// the badness term saturates). These are fixed absolute thresholds, not
// percentile ranks, per the scoring rule.
const (
	sharpeNormAnchor   = 3.0  // Sharpe of 3.0 or better normalizes to 1.0
	returnNormAnchor   = 0.20 // 20% rolling return normalizes to 1.0
	drawdownNormAnchor = 0.25 // 25% drawdown normalizes badness to 1.0
	maxAssetShare      = 0.35 // no asset may hold more than 35% of total capital
	dailyRateLimitFrac = 0.05 // capital moves at most 5% of prior base per day
	meanReversionFrac  = 0.01 // additionally reverts 1% of prior toward equal weight
)

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func normalizeSharpe(sharpe float64) float64    { return clamp01(sharpe / sharpeNormAnchor) }
func normalizeReturn(returnFrac float64) float64 { return clamp01(returnFrac / returnNormAnchor) }
func normalizeDrawdown(drawdownFrac float64) float64 {
	return clamp01(drawdownFrac / drawdownNormAnchor)
}

// ScoreComponents preserves the breakdown behind a composite score, for
// logging and diagnostics.
type ScoreComponents struct {
	SharpeNorm   float64
	ReturnNorm   float64
	DrawdownNorm float64
	Consistency  float64
	Score        float64
}

// Score computes the composite score for one asset's rolling metrics
// (spec §4.9): 0.40 sharpe_norm + 0.30 return_norm + 0.20 (1-drawdown_norm)
// + 0.10 consistency.
func Score(m AssetMetrics) ScoreComponents {
	sharpeNorm := normalizeSharpe(m.Sharpe)
	returnNorm := normalizeReturn(m.ReturnFrac)
	drawdownNorm := normalizeDrawdown(m.DrawdownFrac)
	consistency := clamp01(m.ConsistencyRatio)

	score := 0.40*sharpeNorm + 0.30*returnNorm + 0.20*(1-drawdownNorm) + 0.10*consistency

	return ScoreComponents{
		SharpeNorm:   sharpeNorm,
		ReturnNorm:   returnNorm,
		DrawdownNorm: drawdownNorm,
		Consistency:  consistency,
		Score:        score,
	}
}

// AssetMetrics is one asset's rolling-window input to MetaSupervisor,
// sourced from the persisted per-asset metrics history (spec §6).
type AssetMetrics struct {
	Symbol           string
	Sharpe           float64
	ReturnFrac       float64
	DrawdownFrac     float64
	ConsistencyRatio float64
	MinCapitalUSD    decimal.Decimal
	CompoundOn       bool
	ReinvestedPnLUSD decimal.Decimal // only meaningful when CompoundOn
}

// AssetAllocation is MetaSupervisor's output for one asset.
type AssetAllocation struct {
	Symbol           string
	Score            float64
	Zone             Zone
	Multipliers      RiskMultipliers
	BaseCapitalUSD   decimal.Decimal
	ActiveCapitalUSD decimal.Decimal // BaseCapitalUSD, plus reinvested PnL if CompoundOn
}

// AllocatorState is the immutable snapshot MetaSupervisor publishes; each
// StrategyLoop reads it as a read-copy-update object (spec §4/§5).
type AllocatorState struct {
	GeneratedAt time.Time
	PerAsset    map[string]AssetAllocation
}

// EqualWeightState builds a starting AllocatorState with equal base
// capital across all symbols and Hold-zone multipliers — the seed a fresh
// deployment (or a backtest's day zero) starts MetaSupervisor from.
func EqualWeightState(symbols []string, totalPortfolioUSD decimal.Decimal, now time.Time) AllocatorState {
	n := decimal.NewFromInt(int64(len(symbols)))
	per := make(map[string]AssetAllocation, len(symbols))
	if len(symbols) == 0 {
		return AllocatorState{GeneratedAt: now, PerAsset: per}
	}
	share := totalPortfolioUSD.Div(n)
	for _, sym := range symbols {
		per[sym] = AssetAllocation{
			Symbol:           sym,
			Zone:             ZoneHold,
			Multipliers:      zoneMultipliers[ZoneHold],
			BaseCapitalUSD:   share,
			ActiveCapitalUSD: share,
		}
	}
	return AllocatorState{GeneratedAt: now, PerAsset: per}
}

// MetaSupervisor runs the daily scoring and capital-rebalancing pass.
type MetaSupervisor struct{}

// New creates a MetaSupervisor. It is stateless: all state it needs lives
// in the prior AllocatorState it is handed.
func New() *MetaSupervisor { return &MetaSupervisor{} }

// softmax converts raw scores into weights summing to 1. Scores are
// shifted by their max before exponentiating for numerical stability.
func softmax(scores []float64) []float64 {
	if len(scores) == 0 {
		return nil
	}
	max := scores[0]
	for _, s := range scores[1:] {
		if s > max {
			max = s
		}
	}
	weights := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		w := math.Exp(s - max)
		weights[i] = w
		sum += w
	}
	for i := range weights {
		weights[i] /= sum
	}
	return weights
}

// Evaluate scores every asset, classifies its zone, and computes a new
// per-asset base capital target rate-limited off prior. Symbols present in
// metrics but absent from prior are seeded at an equal share of total.
func (s *MetaSupervisor) Evaluate(now time.Time, metrics []AssetMetrics, prior AllocatorState, totalPortfolioUSD decimal.Decimal) AllocatorState {
	if len(metrics) == 0 {
		return prior
	}

	scores := make([]float64, len(metrics))
	components := make([]ScoreComponents, len(metrics))
	for i, m := range metrics {
		components[i] = Score(m)
		scores[i] = components[i].Score
	}
	weights := softmax(scores)

	n := decimal.NewFromInt(int64(len(metrics)))
	equalShare := totalPortfolioUSD.Div(n)
	maxShare := totalPortfolioUSD.Mul(decimal.NewFromFloat(maxAssetShare))

	per := make(map[string]AssetAllocation, len(metrics))
	for i, m := range metrics {
		zone := zoneFor(scores[i])

		priorBase, ok := prior.PerAsset[m.Symbol]
		priorBaseUSD := equalShare
		if ok {
			priorBaseUSD = priorBase.BaseCapitalUSD
		}

		target := decimal.NewFromFloat(weights[i]).Mul(totalPortfolioUSD)
		target = clampDecimal(target, m.MinCapitalUSD, maxShare)

		newBase := rateLimit(priorBaseUSD, target, dailyRateLimitFrac)
		reverted := meanRevert(newBase, priorBaseUSD, equalShare, meanReversionFrac)
		// Mean reversion never carries a base past the [min, max] band the
		// target was clipped to.
		if reverted.GreaterThan(maxShare) && reverted.GreaterThan(newBase) {
			reverted = decimal.Max(newBase, maxShare)
		}
		if reverted.LessThan(m.MinCapitalUSD) && reverted.LessThan(newBase) {
			reverted = decimal.Min(newBase, m.MinCapitalUSD)
		}
		newBase = reverted

		active := newBase
		if m.CompoundOn {
			active = newBase.Add(m.ReinvestedPnLUSD)
		}

		per[m.Symbol] = AssetAllocation{
			Symbol:           m.Symbol,
			Score:            scores[i],
			Zone:             zone,
			Multipliers:      zoneMultipliers[zone],
			BaseCapitalUSD:   newBase,
			ActiveCapitalUSD: active,
		}

		log.Info().Str("symbol", m.Symbol).Float64("score", scores[i]).
			Str("zone", zone.String()).Str("base_capital_usd", newBase.String()).
			Msg("meta supervisor allocation")
	}

	return AllocatorState{GeneratedAt: now, PerAsset: per}
}

// clampDecimal bounds v to [lo, hi].
func clampDecimal(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

// rateLimit bounds target's daily movement from prior to at most
// fraction*prior in either direction (spec §4.9 capital rule).
func rateLimit(prior, target decimal.Decimal, fraction float64) decimal.Decimal {
	maxDelta := prior.Abs().Mul(decimal.NewFromFloat(fraction))
	delta := target.Sub(prior)
	if delta.GreaterThan(maxDelta) {
		delta = maxDelta
	}
	if delta.LessThan(maxDelta.Neg()) {
		delta = maxDelta.Neg()
	}
	return prior.Add(delta)
}

// meanRevert nudges v an additional fraction*prior toward equalShare, on
// top of whatever rateLimit already produced. This is a separate, smaller
// pull that keeps allocations from drifting permanently away from equal
// weight even under a sustained score gap.
func meanRevert(v, prior, equalShare decimal.Decimal, fraction float64) decimal.Decimal {
	step := prior.Abs().Mul(decimal.NewFromFloat(fraction))
	gap := equalShare.Sub(v)
	if gap.IsZero() {
		return v
	}
	if gap.Abs().LessThan(step) {
		return equalShare
	}
	if gap.IsPositive() {
		return v.Add(step)
	}
	return v.Sub(step)
}
