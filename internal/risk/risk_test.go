package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/SusBot-cyber/BotMM/internal/config"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func testLimits() config.RiskLimits {
	return config.RiskLimits{
		MaxPositionUSD:    d("500"),
		MaxDailyLoss:      d("0.05"),
		MaxOpenOrders:     10,
		CooldownSeconds:   60,
		APIErrorThreshold: 3,
	}
}

func TestEvaluate_SafeByDefault(t *testing.T) {
	s := New(testLimits())
	got := s.Evaluate(time.Now(), d("0"), d("10000"), d("0"), testLimits().MaxPositionUSD)
	if got != Safe {
		t.Fatalf("expected Safe, got %s", got)
	}
}

func TestEvaluate_DailyLossTripsCircuitBreak(t *testing.T) {
	s := New(testLimits())
	now := time.Now()
	// capital=10000, loss=-510 => -5.1% >= 5% threshold (spec §8 scenario 4)
	got := s.Evaluate(now, d("-510"), d("10000"), d("0"), testLimits().MaxPositionUSD)
	if got != CircuitBreak {
		t.Fatalf("expected CircuitBreak, got %s", got)
	}
}

func TestEvaluate_APIErrorBudgetTripsCircuitBreak(t *testing.T) {
	s := New(testLimits())
	now := time.Now()
	s.RecordAPIError(now, FullAPIErrorWeight)
	s.RecordAPIError(now.Add(time.Second), FullAPIErrorWeight)
	s.RecordAPIError(now.Add(2*time.Second), FullAPIErrorWeight)

	got := s.Evaluate(now.Add(3*time.Second), d("0"), d("10000"), d("0"), testLimits().MaxPositionUSD)
	if got != CircuitBreak {
		t.Fatalf("expected CircuitBreak after 3 errors within 60s, got %s", got)
	}
}

func TestEvaluate_OldAPIErrorsExpireOutOfWindow(t *testing.T) {
	s := New(testLimits())
	now := time.Now()
	s.RecordAPIError(now, FullAPIErrorWeight)
	s.RecordAPIError(now.Add(time.Second), FullAPIErrorWeight)

	// third error arrives well past the 60s window of the first two
	got := s.Evaluate(now.Add(90*time.Second), d("0"), d("10000"), d("0"), testLimits().MaxPositionUSD)
	if got != Safe {
		t.Fatalf("expected Safe once earlier errors have aged out, got %s", got)
	}
}

func TestEvaluate_PositionLimit(t *testing.T) {
	s := New(testLimits())
	got := s.Evaluate(time.Now(), d("0"), d("10000"), d("500"), testLimits().MaxPositionUSD)
	if got != PositionLimit {
		t.Fatalf("expected PositionLimit at max_position_usd, got %s", got)
	}
}

func TestEvaluate_MonotonicityHoldsUntilCooldown(t *testing.T) {
	s := New(testLimits())
	now := time.Now()
	s.RecordAPIError(now, FullAPIErrorWeight)
	s.RecordAPIError(now, FullAPIErrorWeight)
	s.RecordAPIError(now, FullAPIErrorWeight)
	s.Evaluate(now, d("0"), d("10000"), d("0"), testLimits().MaxPositionUSD)
	if s.State() != CircuitBreak {
		t.Fatalf("expected CircuitBreak, got %s", s.State())
	}

	// even though nothing else is wrong, state must hold through cooldown
	got := s.Evaluate(now.Add(30*time.Second), d("0"), d("10000"), d("0"), testLimits().MaxPositionUSD)
	if got != CircuitBreak {
		t.Fatalf("expected CircuitBreak to persist mid-cooldown, got %s", got)
	}

	// past cooldown, with no new errors and no other trips, it may recover
	got = s.Evaluate(now.Add(61*time.Second), d("0"), d("10000"), d("0"), testLimits().MaxPositionUSD)
	if got != Safe {
		t.Fatalf("expected Safe after cooldown elapses, got %s", got)
	}
}

func TestEvaluate_DailyLossHoldsUntilNextUTCDay(t *testing.T) {
	s := New(testLimits())
	now := time.Date(2026, 8, 6, 23, 0, 0, 0, time.UTC)
	s.Evaluate(now, d("-600"), d("10000"), d("0"), testLimits().MaxPositionUSD)
	if s.State() != CircuitBreak {
		t.Fatalf("expected CircuitBreak, got %s", s.State())
	}

	stillSameDay := now.Add(30 * time.Minute)
	got := s.Evaluate(stillSameDay, d("0"), d("10000"), d("0"), testLimits().MaxPositionUSD)
	if got != CircuitBreak {
		t.Fatalf("expected CircuitBreak to persist before day boundary, got %s", got)
	}

	nextDay := time.Date(2026, 8, 7, 0, 30, 0, 0, time.UTC)
	got = s.Evaluate(nextDay, d("0"), d("10000"), d("0"), testLimits().MaxPositionUSD)
	if got != Safe {
		t.Fatalf("expected Safe after UTC day boundary, got %s", got)
	}
}

func TestEvaluate_LowWeightErrorsDoNotAloneTripCircuitBreak(t *testing.T) {
	s := New(testLimits()) // APIErrorThreshold: 3
	now := time.Now()
	// four low-weight (would-cross) rejections sum to 0.8, still under the
	// threshold of 3 full-weight errors.
	for i := 0; i < 4; i++ {
		s.RecordAPIError(now.Add(time.Duration(i)*time.Second), LowAPIErrorWeight)
	}
	got := s.Evaluate(now.Add(4*time.Second), d("0"), d("10000"), d("0"), testLimits().MaxPositionUSD)
	if got != Safe {
		t.Fatalf("expected Safe with only low-weight errors accrued, got %s", got)
	}
}

func TestEvaluate_LowWeightErrorsAccumulateTowardThreshold(t *testing.T) {
	s := New(testLimits()) // APIErrorThreshold: 3
	now := time.Now()
	// fifteen low-weight errors sum to 3.0, meeting the threshold.
	for i := 0; i < 15; i++ {
		s.RecordAPIError(now.Add(time.Duration(i)*time.Second), LowAPIErrorWeight)
	}
	got := s.Evaluate(now.Add(15*time.Second), d("0"), d("10000"), d("0"), testLimits().MaxPositionUSD)
	if got != CircuitBreak {
		t.Fatalf("expected CircuitBreak once accumulated low-weight errors reach the threshold, got %s", got)
	}
}

func TestEvaluate_PerTickMaxPositionOverridesStaticLimit(t *testing.T) {
	s := New(testLimits())
	// static config allows 500; a zone-shrunk 200 must trip PositionLimit
	// at a net position the static limit alone would call Safe.
	got := s.Evaluate(time.Now(), d("0"), d("10000"), d("300"), d("200"))
	if got != PositionLimit {
		t.Fatalf("expected PositionLimit against the shrunk per-tick ceiling, got %s", got)
	}
}
