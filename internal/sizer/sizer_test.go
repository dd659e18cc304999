package sizer

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/SusBot-cyber/BotMM/internal/estimators"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestScale_LowVolFillRateOnTargetIsNeutral(t *testing.T) {
	s := New(d("10"), d("1000"))
	got := s.Scale(d("100"), Inputs{
		VolRegime:            estimators.RegimeLow,
		FillRate:             0.2,
		TargetFillRate:       0.2,
		InventoryUtilization: 0.1,
		ToxicityEMA:          0.1,
		Drawdown7d:           0.01,
		DrawdownThreshold:    0.1,
	})
	// vol=1.2, fillrate=1.0, inv=1.0, tox=1.0, dd=1.0 => 1.2*100=120
	if !got.Equal(d("120")) {
		t.Fatalf("expected 120, got %s", got)
	}
}

func TestScale_HighInventoryUtilizationScalesDown(t *testing.T) {
	s := New(d("10"), d("1000"))
	got := s.Scale(d("100"), Inputs{
		VolRegime:            estimators.RegimeMedium,
		FillRate:             0.2,
		TargetFillRate:       0.2,
		InventoryUtilization: 0.9,
		ToxicityEMA:          0,
		Drawdown7d:           0,
		DrawdownThreshold:    0.1,
	})
	if !got.Equal(d("50")) {
		t.Fatalf("expected 50 (0.5x at high inventory utilization), got %s", got)
	}
}

func TestScale_ClampsToBounds(t *testing.T) {
	s := New(d("60"), d("110"))
	got := s.Scale(d("100"), Inputs{
		VolRegime:            estimators.RegimeLow,
		FillRate:             0.5,
		TargetFillRate:       0.2,
		InventoryUtilization: 0,
	})
	if got.GreaterThan(d("110")) {
		t.Fatalf("expected result clamped to max_order_usd=110, got %s", got)
	}

	got = s.Scale(d("100"), Inputs{
		VolRegime:            estimators.RegimeHigh,
		FillRate:             1.0,
		TargetFillRate:       0.2,
		InventoryUtilization: 0.9,
		ToxicityEMA:          0.9,
		Drawdown7d:           0.5,
		DrawdownThreshold:    0.1,
	})
	if got.LessThan(d("60")) {
		t.Fatalf("expected result clamped to min_order_usd=60, got %s", got)
	}
}

func TestScale_HighToxicityScalesDown(t *testing.T) {
	s := New(d("10"), d("1000"))
	baseline := s.Scale(d("100"), Inputs{VolRegime: estimators.RegimeMedium, TargetFillRate: 0.2, FillRate: 0.2})
	toxic := s.Scale(d("100"), Inputs{VolRegime: estimators.RegimeMedium, TargetFillRate: 0.2, FillRate: 0.2, ToxicityEMA: 0.9})
	if !toxic.LessThan(baseline) {
		t.Fatalf("expected toxic size (%s) < baseline size (%s)", toxic, baseline)
	}
}
