package estimators

import "time"

// Side is a fill or quote side.
type Side int

const (
	SideBuy Side = iota
	SideSell
)

// pendingFill is a fill still within the toxicity observation window.
type pendingFill struct {
	side  Side
	price float64
	at    time.Time
}

// ToxicityDetector scores post-fill adverse selection: for each fill still
// younger than Window, it measures the price move against the fill's side,
// normalized by ATR, clamps to [0,1], and EMA-smooths per side. The global
// score is the max of the two per-side EMAs (spec §4.2).
type ToxicityDetector struct {
	window time.Duration
	alpha  float64

	pending []pendingFill

	buyEMA  float64
	sellEMA float64
}

// NewToxicityDetector creates a detector with the given observation window
// and EMA smoothing factor alpha in (0,1].
func NewToxicityDetector(window time.Duration, alpha float64) *ToxicityDetector {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.3
	}
	return &ToxicityDetector{window: window, alpha: alpha}
}

// RecordFill registers a new fill to be tracked for adverse excursion.
func (t *ToxicityDetector) RecordFill(side Side, price float64, at time.Time) {
	t.pending = append(t.pending, pendingFill{side: side, price: price, at: at})
}

// Update evaluates all pending fills against the current mid and ATR,
// drops fills that have aged out of the window, updates the per-side EMAs,
// and returns the global toxicity score τ ∈ [0,1].
func (t *ToxicityDetector) Update(now time.Time, mid, atr float64) float64 {
	if atr <= 0 {
		atr = 1
	}

	kept := t.pending[:0]
	var buyScores, sellScores []float64

	for _, f := range t.pending {
		age := now.Sub(f.at)
		if age > t.window {
			continue // aged out, drop
		}
		kept = append(kept, f)

		sign := -1.0
		if f.side == SideSell {
			sign = 1.0
		}
		excursion := (mid - f.price) * sign / atr
		score := clamp01(excursion)

		if f.side == SideBuy {
			buyScores = append(buyScores, score)
		} else {
			sellScores = append(sellScores, score)
		}
	}
	t.pending = kept

	if len(buyScores) > 0 {
		t.buyEMA = t.emaOf(t.buyEMA, buyScores)
	}
	if len(sellScores) > 0 {
		t.sellEMA = t.emaOf(t.sellEMA, sellScores)
	}

	if t.buyEMA > t.sellEMA {
		return t.buyEMA
	}
	return t.sellEMA
}

// emaOf folds a batch of new observations into the running EMA, applying
// alpha once per observation in order.
func (t *ToxicityDetector) emaOf(ema float64, observations []float64) float64 {
	for _, o := range observations {
		ema = t.alpha*o + (1-t.alpha)*ema
	}
	return ema
}

// BuyEMA and SellEMA expose the per-side smoothed scores for telemetry.
func (t *ToxicityDetector) BuyEMA() float64  { return t.buyEMA }
func (t *ToxicityDetector) SellEMA() float64 { return t.sellEMA }

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
