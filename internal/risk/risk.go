// Package risk implements RiskSupervisor: the per-asset gating state
// machine over position, loss, and error budgets (spec §4.4).
package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/SusBot-cyber/BotMM/internal/config"
)

// State is one of the three gating states a RiskSupervisor can be in.
type State int

const (
	Safe State = iota
	PositionLimit
	CircuitBreak
)

func (s State) String() string {
	switch s {
	case Safe:
		return "SAFE"
	case PositionLimit:
		return "POSITION_LIMIT"
	case CircuitBreak:
		return "CIRCUIT_BREAK"
	default:
		return "UNKNOWN"
	}
}

// LowAPIErrorWeight is the counter weight a would-cross rejection
// (exchange.KindRejectedCross) contributes to the API-error budget: benign
// (our post-only constraint worked as intended) but still worth a small
// nudge toward the threshold if it happens often (spec §4.5, §7).
const LowAPIErrorWeight = 0.2

// FullAPIErrorWeight is the counter weight a transient or fatal venue error
// contributes.
const FullAPIErrorWeight = 1.0

// apiErrorEvent is a timestamped, weighted API error, retained only long
// enough to count within the trailing 60s window.
type apiErrorEvent struct {
	at     time.Time
	weight float64
}

// Supervisor evaluates the RiskSupervisor state machine every tick. Once in
// CircuitBreak it cannot return to Safe before its cooldown deadline
// (spec §8 monotonicity invariant).
type Supervisor struct {
	limits config.RiskLimits

	state             State
	circuitBreakUntil time.Time
	apiErrors         []apiErrorEvent
}

// New creates a Supervisor starting in the Safe state.
func New(limits config.RiskLimits) *Supervisor {
	return &Supervisor{limits: limits, state: Safe}
}

// RecordAPIError registers a venue error at time at with the given counter
// weight, to be summed against the 60s error-budget window. Callers use
// FullAPIErrorWeight for transient/fatal errors and LowAPIErrorWeight for a
// benign would-cross rejection (spec §4.5, §7).
func (s *Supervisor) RecordAPIError(at time.Time, weight float64) {
	s.apiErrors = append(s.apiErrors, apiErrorEvent{at: at, weight: weight})
}

// countRecentErrors returns the summed weight of API errors within the
// trailing 60s of now, pruning older entries.
func (s *Supervisor) countRecentErrors(now time.Time) float64 {
	cutoff := now.Add(-60 * time.Second)
	kept := s.apiErrors[:0]
	var total float64
	for _, e := range s.apiErrors {
		if e.at.After(cutoff) {
			kept = append(kept, e)
			total += e.weight
		}
	}
	s.apiErrors = kept
	return total
}

// Evaluate runs one tick of the state machine (spec §4.4) and returns the
// resulting state. dailyNetPnL and capitalUSD determine the daily-loss
// trip; netPositionUSD and maxPositionUSD determine the position-limit
// trip. maxPositionUSD is supplied per tick rather than read from the
// limits this Supervisor was constructed with, so a caller applying the
// allocator's zone risk multiplier (spec §8: multipliers apply to size,
// spread, and max_position alike) shrinks the hard gate along with the
// quote engine's soft one, instead of the gate staying fixed at the
// asset's static configured ceiling.
func (s *Supervisor) Evaluate(now time.Time, dailyNetPnL, capitalUSD, netPositionUSD, maxPositionUSD decimal.Decimal) State {
	// Monotonicity: once tripped, CircuitBreak holds until its deadline,
	// regardless of what the other conditions say this tick.
	if s.state == CircuitBreak && now.Before(s.circuitBreakUntil) {
		return s.state
	}

	maxDailyLossUSD := s.limits.MaxDailyLoss.Mul(capitalUSD)
	if dailyNetPnL.Neg().GreaterThanOrEqual(maxDailyLossUSD) {
		s.trip(now, nextUTCDayBoundary(now))
		return s.state
	}

	if s.countRecentErrors(now) >= float64(s.limits.APIErrorThreshold) {
		s.trip(now, now.Add(time.Duration(s.limits.CooldownSeconds)*time.Second))
		return s.state
	}

	if netPositionUSD.Abs().GreaterThanOrEqual(maxPositionUSD) {
		s.state = PositionLimit
		return s.state
	}

	s.state = Safe
	return s.state
}

// trip transitions into CircuitBreak, holding until until. Extends an
// already-later deadline rather than shortening it.
func (s *Supervisor) trip(now time.Time, until time.Time) {
	if s.state == CircuitBreak && s.circuitBreakUntil.After(until) {
		return
	}
	s.state = CircuitBreak
	s.circuitBreakUntil = until
}

// State returns the current state without evaluating.
func (s *Supervisor) State() State {
	return s.state
}

// CircuitBreakUntil returns the deadline the current CircuitBreak holds
// until; zero if not currently tripped.
func (s *Supervisor) CircuitBreakUntil() time.Time {
	return s.circuitBreakUntil
}

// nextUTCDayBoundary returns the next midnight UTC strictly after now.
func nextUTCDayBoundary(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}
