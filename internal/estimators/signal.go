package estimators

import "math"

// kalmanTrend is a constant-velocity 2-state (level, slope) Kalman filter
// over the mid price, used to estimate the directional trend slope (spec
// §4.2).
type kalmanTrend struct {
	q [2]float64 // process noise variance: level, slope
	r float64    // observation noise variance

	level float64
	slope float64

	// state covariance, stored as a symmetric 2x2 matrix
	p00, p01, p11 float64

	initialized bool
}

func newKalmanTrend(processNoiseLevel, processNoiseSlope, observationNoise float64) *kalmanTrend {
	return &kalmanTrend{
		q: [2]float64{processNoiseLevel, processNoiseSlope},
		r: observationNoise,
		p00: 1, p11: 1,
	}
}

// update applies one predict+correct step for a new price observation and
// returns the filtered (level, slope).
func (k *kalmanTrend) update(price float64) (level, slope float64) {
	if !k.initialized {
		k.level = price
		k.slope = 0
		k.initialized = true
		return k.level, k.slope
	}

	// Predict: level += slope, slope unchanged.
	predLevel := k.level + k.slope
	predSlope := k.slope

	p00 := k.p00 + 2*k.p01 + k.p11 + k.q[0]
	p01 := k.p01 + k.p11
	p11 := k.p11 + k.q[1]

	// Correct against the observed price.
	innovation := price - predLevel
	s := p00 + k.r
	if s == 0 {
		s = 1e-9
	}
	kGainLevel := p00 / s
	kGainSlope := p01 / s

	k.level = predLevel + kGainLevel*innovation
	k.slope = predSlope + kGainSlope*innovation

	k.p00 = (1 - kGainLevel) * p00
	k.p01 = (1 - kGainLevel) * p01
	k.p11 = p11 - kGainSlope*p01

	return k.level, k.slope
}

// rsiTracker computes a Wilder-smoothed RSI over a fixed period.
type rsiTracker struct {
	period      int
	avgGain     float64
	avgLoss     float64
	lastPrice   float64
	initialized bool
	warm        int
}

func newRSITracker(period int) *rsiTracker {
	if period < 2 {
		period = 14
	}
	return &rsiTracker{period: period}
}

func (r *rsiTracker) update(price float64) float64 {
	if !r.initialized {
		r.lastPrice = price
		r.initialized = true
		return 50
	}

	change := price - r.lastPrice
	r.lastPrice = price

	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}

	if r.warm < r.period {
		r.avgGain = (r.avgGain*float64(r.warm) + gain) / float64(r.warm+1)
		r.avgLoss = (r.avgLoss*float64(r.warm) + loss) / float64(r.warm+1)
		r.warm++
	} else {
		n := float64(r.period)
		r.avgGain = (r.avgGain*(n-1) + gain) / n
		r.avgLoss = (r.avgLoss*(n-1) + loss) / n
	}

	if r.avgLoss == 0 {
		return 100
	}
	rs := r.avgGain / r.avgLoss
	return 100 - 100/(1+rs)
}

// qqe implements a Qualitative Quantitative Estimation indicator over RSI:
// an EMA-smoothed RSI line with a trailing volatility band derived from the
// average true range of RSI changes. A crossing of the smoothed line
// through its own trailing band is the QQE signal.
type qqe struct {
	rsi *rsiTracker

	smoothAlpha float64
	smoothedRSI float64
	rsiInit     bool

	atrRSIAlpha float64
	atrRSI      float64
	prevSmoothed float64

	bandMultiplier float64
	longBand       float64
	shortBand      float64
	trend          int // +1 long band active, -1 short band active
}

func newQQE(rsiPeriod int, smoothPeriod, atrPeriod int, bandMultiplier float64) *qqe {
	smoothAlpha := 2.0 / (float64(smoothPeriod) + 1)
	atrAlpha := 2.0 / (float64(atrPeriod) + 1)
	return &qqe{
		rsi:            newRSITracker(rsiPeriod),
		smoothAlpha:    smoothAlpha,
		atrRSIAlpha:    atrAlpha,
		bandMultiplier: bandMultiplier,
		trend:          1,
	}
}

// update feeds a new price and returns +1/-1/0 indicating a fresh QQE
// crossing (+1 bullish cross, -1 bearish cross, 0 no cross this tick).
func (q *qqe) update(price float64) int {
	rsi := q.rsi.update(price)

	if !q.rsiInit {
		q.smoothedRSI = rsi
		q.prevSmoothed = rsi
		q.rsiInit = true
		q.longBand = rsi
		q.shortBand = rsi
		return 0
	}

	q.smoothedRSI = q.smoothAlpha*rsi + (1-q.smoothAlpha)*q.smoothedRSI
	rsiChange := math.Abs(q.smoothedRSI - q.prevSmoothed)
	q.atrRSI = q.atrRSIAlpha*rsiChange + (1-q.atrRSIAlpha)*q.atrRSI
	q.prevSmoothed = q.smoothedRSI

	band := q.atrRSI * q.bandMultiplier
	newLong := q.smoothedRSI - band
	newShort := q.smoothedRSI + band

	// Trailing bands only move in the favorable direction, like the
	// classic QQE construction.
	if q.smoothedRSI > q.longBand {
		q.longBand = math.Max(q.longBand, newLong)
	} else {
		q.longBand = newLong
	}
	if q.smoothedRSI < q.shortBand {
		q.shortBand = math.Min(q.shortBand, newShort)
	} else {
		q.shortBand = newShort
	}

	cross := 0
	if q.trend <= 0 && q.smoothedRSI > q.shortBand {
		q.trend = 1
		cross = 1
	} else if q.trend >= 0 && q.smoothedRSI < q.longBand {
		q.trend = -1
		cross = -1
	}
	return cross
}

// DirectionalSignal combines a Kalman-filtered trend slope with a QQE/RSI
// crossing gate to produce a sign ∈ {-1, 0, +1}, with hysteresis requiring
// M consecutive opposite-signed ticks before flipping a non-zero state
// (spec §4.2).
type DirectionalSignal struct {
	kalman *kalmanTrend
	qqe    *qqe

	hysteresisM int
	oppositeRun int

	state int
}

// DirectionalSignalConfig configures the Kalman filter, QQE indicator, and
// hysteresis run length.
type DirectionalSignalConfig struct {
	ProcessNoiseLevel float64
	ProcessNoiseSlope float64
	ObservationNoise  float64
	RSIPeriod         int
	QQESmoothPeriod   int
	QQEATRPeriod      int
	QQEBandMultiplier float64
	HysteresisTicks   int
}

// DefaultDirectionalSignalConfig returns reasonable defaults.
func DefaultDirectionalSignalConfig() DirectionalSignalConfig {
	return DirectionalSignalConfig{
		ProcessNoiseLevel: 1e-4,
		ProcessNoiseSlope: 1e-6,
		ObservationNoise:  1e-2,
		RSIPeriod:         14,
		QQESmoothPeriod:   5,
		QQEATRPeriod:      27,
		QQEBandMultiplier: 4.236,
		HysteresisTicks:   3,
	}
}

// NewDirectionalSignal creates a DirectionalSignal estimator from cfg.
func NewDirectionalSignal(cfg DirectionalSignalConfig) *DirectionalSignal {
	if cfg.HysteresisTicks < 1 {
		cfg.HysteresisTicks = 1
	}
	return &DirectionalSignal{
		kalman:      newKalmanTrend(cfg.ProcessNoiseLevel, cfg.ProcessNoiseSlope, cfg.ObservationNoise),
		qqe:         newQQE(cfg.RSIPeriod, cfg.QQESmoothPeriod, cfg.QQEATRPeriod, cfg.QQEBandMultiplier),
		hysteresisM: cfg.HysteresisTicks,
	}
}

// Update feeds a new mid price and returns the current signal ∈ {-1,0,1}.
func (d *DirectionalSignal) Update(mid float64) int {
	_, slope := d.kalman.update(mid)
	cross := d.qqe.update(mid)

	candidate := 0
	switch {
	case slope > 0 && cross >= 0:
		candidate = 1
	case slope < 0 && cross <= 0:
		candidate = -1
	}

	if candidate == 0 || candidate == d.state {
		d.oppositeRun = 0
		if candidate != 0 {
			d.state = candidate
		}
		return d.state
	}

	// candidate differs from the current state (opposing a non-zero state,
	// or leaving the zero state): require hysteresisM consecutive such
	// ticks before switching.
	d.oppositeRun++
	if d.oppositeRun >= d.hysteresisM {
		d.state = candidate
		d.oppositeRun = 0
	}
	return d.state
}

// State returns the current signal without updating it.
func (d *DirectionalSignal) State() int {
	return d.state
}
