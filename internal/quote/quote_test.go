package quote

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/SusBot-cyber/BotMM/internal/config"
	"github.com/SusBot-cyber/BotMM/internal/money"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// baseParams mirrors the spec's baseline scenario: mid=100, size_decimals=2
// (price_decimals=4), base=2, vol_mult=1.5, skew=0.3, size=150, levels=2,
// level_spacing=1bp.
func baseParams() config.QuoteParams {
	return config.QuoteParams{
		BaseSpreadBps:       d("2"),
		VolMultiplier:       d("1.5"),
		InventorySkewFactor: d("0.3"),
		OrderSizeUSD:        d("150"),
		NumLevels:           2,
		LevelSpacingBps:     d("1"),
		BiasStrength:        d("0.1"),
		MinSpreadBps:        d("2"),
		MaxSpreadBps:        d("100"),
	}
}

func baseGran() money.Granularity {
	return money.Granularity{SizeDecimals: 2}
}

func TestPrice_BaselineScenario(t *testing.T) {
	in := Inputs{
		Mid:            d("100.00"),
		VolBps:         10,
		NetPositionUSD: d("0"),
		MaxPositionUSD: d("500"),
		BookImbalance:  0,
		Signal:         0,
		Toxicity:       0,
	}
	q := Price(in, baseParams(), baseGran())

	if q.HalfSpreadBps != 17 {
		t.Fatalf("expected half-spread of 17bps, got %f", q.HalfSpreadBps)
	}
	assertLevel(t, q.Bids[0], "99.8300")
	assertLevel(t, q.Asks[0], "100.1700")
	assertLevel(t, q.Bids[1], "99.8200")
	assertLevel(t, q.Asks[1], "100.1800")
}

func TestPrice_SkewOnLongInventory(t *testing.T) {
	in := Inputs{
		Mid:            d("100.00"),
		VolBps:         10,
		NetPositionUSD: d("300"), // 60% of max, long
		MaxPositionUSD: d("500"),
		BookImbalance:  0,
		Signal:         0,
		Toxicity:       0,
	}
	q := Price(in, baseParams(), baseGran())

	assertLevel(t, q.Bids[0], "99.8120")
	assertLevel(t, q.Asks[0], "100.1520")
}

func TestPrice_ToxicityGateSuppressesBothSides(t *testing.T) {
	in := Inputs{
		Mid:            d("100.00"),
		VolBps:         10,
		NetPositionUSD: d("0"),
		MaxPositionUSD: d("500"),
		Toxicity:       0.85,
	}
	q := Price(in, baseParams(), baseGran())

	if !q.SuppressBid || !q.SuppressAsk {
		t.Fatalf("expected both sides suppressed at tau=0.85, got bid=%v ask=%v", q.SuppressBid, q.SuppressAsk)
	}
	for i := range q.Bids {
		if !q.Bids[i].Suppress || !q.Asks[i].Suppress {
			t.Fatalf("expected all levels suppressed, level %d bid=%v ask=%v", i, q.Bids[i].Suppress, q.Asks[i].Suppress)
		}
	}
}

func TestPrice_OneSidedGuardSuppressesBidWhenLong(t *testing.T) {
	in := Inputs{
		Mid:            d("100.00"),
		VolBps:         10,
		NetPositionUSD: d("400"), // 80% of max, over the 0.6 guard threshold
		MaxPositionUSD: d("500"),
	}
	q := Price(in, baseParams(), baseGran())

	if !q.SuppressBid {
		t.Fatal("expected bid side suppressed when long past 0.6*max")
	}
	if q.SuppressAsk {
		t.Fatal("ask side should remain active")
	}
}

func TestPrice_OneSidedGuardSuppressesAskWhenShort(t *testing.T) {
	in := Inputs{
		Mid:            d("100.00"),
		VolBps:         10,
		NetPositionUSD: d("-400"),
		MaxPositionUSD: d("500"),
	}
	q := Price(in, baseParams(), baseGran())

	if !q.SuppressAsk {
		t.Fatal("expected ask side suppressed when short past 0.6*max")
	}
	if q.SuppressBid {
		t.Fatal("bid side should remain active")
	}
}

func TestPrice_FeeAwareGateSuppressesBothSides(t *testing.T) {
	params := baseParams()
	in := Inputs{
		Mid:            d("100.00"),
		VolBps:         10,
		NetPositionUSD: d("0"),
		MaxPositionUSD: d("500"),
		BestBid:        d("99.999"),
		BestAsk:        d("100.001"), // 0.2bps market spread
		MakerFeeBps:    d("1.5"),     // gate threshold is 3bps
		FeeAware:       true,
	}
	q := Price(in, params, baseGran())

	if !q.SuppressBid || !q.SuppressAsk {
		t.Fatal("expected fee-aware gate to suppress both sides on a tight market spread")
	}
}

func TestPrice_FeeAwareGateOffDoesNotSuppress(t *testing.T) {
	params := baseParams()
	in := Inputs{
		Mid:            d("100.00"),
		VolBps:         10,
		NetPositionUSD: d("0"),
		MaxPositionUSD: d("500"),
		BestBid:        d("99.999"),
		BestAsk:        d("100.001"),
		MakerFeeBps:    d("1.5"),
		FeeAware:       false,
	}
	q := Price(in, params, baseGran())

	if q.SuppressBid || q.SuppressAsk {
		t.Fatal("fee-aware gate must be inert when the flag is off")
	}
}

func TestPrice_BidBelowAskAtEveryLevel(t *testing.T) {
	params := baseParams()
	params.NumLevels = 5
	in := Inputs{
		Mid:            d("100.00"),
		VolBps:         30,
		NetPositionUSD: d("120"),
		MaxPositionUSD: d("500"),
		Signal:         1,
		BookImbalance:  0.4,
	}
	q := Price(in, params, baseGran())

	for i := range q.Bids {
		if !q.Bids[i].Price.LessThan(q.Asks[i].Price) {
			t.Fatalf("level %d: expected bid < ask, got bid=%s ask=%s", i, q.Bids[i].Price, q.Asks[i].Price)
		}
	}
}

func TestPrice_DirectionalShiftIgnoresBookImbalance(t *testing.T) {
	params := baseParams()
	params.NumLevels = 1
	base := Inputs{
		Mid:            d("100.00"),
		VolBps:         0,
		NetPositionUSD: d("0"),
		MaxPositionUSD: d("500"),
		Signal:         1,
	}
	withImbalance := base
	withImbalance.BookImbalance = 0.9

	qWithout := Price(base, params, baseGran())
	qWith := Price(withImbalance, params, baseGran())

	if !qWithout.Bids[0].Price.Equal(qWith.Bids[0].Price) || !qWithout.Asks[0].Price.Equal(qWith.Asks[0].Price) {
		t.Fatalf("book_imbalance must not move directional_shift: without=%+v with=%+v", qWithout.Bids[0], qWith.Bids[0])
	}

	// directional_shift = signal * bias_strength * half_spread_price (spec §4.1);
	// with zero volatility and neutral inventory, half_spread_price sits at
	// min_spread_bps, so the shift is exactly signal*bias_strength*half_spread_price
	// applied to both sides in the same direction.
	minBps, _ := params.MinSpreadBps.Float64()
	biasStrength, _ := params.BiasStrength.Float64()
	halfSpreadPrice := bpsToPrice(minBps, 100.0)
	wantShift := 1 * biasStrength * halfSpreadPrice

	gotShift, _ := qWithout.Bids[0].Price.Sub(d("100.00").Sub(decimal.NewFromFloat(halfSpreadPrice))).Float64()
	if absF(gotShift-wantShift) > 1e-9 {
		t.Fatalf("expected directional shift %.6f, got %.6f", wantShift, gotShift)
	}
}

func TestPrice_QuoteSymmetryAtNeutralInputs(t *testing.T) {
	params := baseParams()
	in := Inputs{
		Mid:            d("100.00"),
		VolBps:         10,
		NetPositionUSD: d("0"),
		MaxPositionUSD: d("500"),
	}
	q := Price(in, params, baseGran())

	mid, _ := in.Mid.Float64()
	for i := range q.Bids {
		bid, _ := q.Bids[i].Price.Float64()
		ask, _ := q.Asks[i].Price.Float64()
		if diff := (mid - bid) - (ask - mid); diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("level %d: expected mirror symmetry around mid, bid dist=%f ask dist=%f", i, mid-bid, ask-mid)
		}
	}
}

func TestLevelSizeWeights_ThreeLevelsMatchesDocumentedSplit(t *testing.T) {
	w := levelSizeWeights(3)
	want := []float64{0.40, 0.35, 0.25}
	for i, v := range want {
		if diff := w[i] - v; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("weight %d: want %f got %f", i, v, w[i])
		}
	}
}

func TestLevelSizeWeights_SumsToOneForAnyLevelCount(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 7, 10} {
		w := levelSizeWeights(n)
		if len(w) != n {
			t.Fatalf("n=%d: expected %d weights, got %d", n, n, len(w))
		}
		sum := 0.0
		for _, v := range w {
			sum += v
		}
		if sum < 0.999999 || sum > 1.000001 {
			t.Fatalf("n=%d: weights should sum to 1, got %f", n, sum)
		}
	}
}

func TestPrice_MinSpreadInvariant(t *testing.T) {
	params := baseParams()
	params.BaseSpreadBps = d("2")
	params.MinSpreadBps = d("2")
	in := Inputs{
		Mid:            d("100.00"),
		VolBps:         0,
		NetPositionUSD: d("0"),
		MaxPositionUSD: d("500"),
	}
	q := Price(in, params, baseGran())

	mid, _ := in.Mid.Float64()
	minSpreadBps, _ := params.MinSpreadBps.Float64()
	bid, _ := q.Bids[0].Price.Float64()
	ask, _ := q.Asks[0].Price.Float64()
	gotSpreadBps := (ask - bid) / mid * 1e4
	if gotSpreadBps < minSpreadBps*2-1e-6 {
		t.Fatalf("expected ask-bid spread >= 2*min_spread_bps, got %f bps", gotSpreadBps)
	}
}

func assertLevel(t *testing.T, lvl Level, wantPrice string) {
	t.Helper()
	if !lvl.Price.Equal(d(wantPrice)) {
		t.Errorf("expected price %s, got %s", wantPrice, lvl.Price)
	}
}
