package main

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/SusBot-cyber/BotMM/internal/config"
	"github.com/SusBot-cyber/BotMM/internal/exchange"
	"github.com/SusBot-cyber/BotMM/internal/persistence"
	"github.com/SusBot-cyber/BotMM/internal/risk"
)

func testAsset(symbol string) config.AssetConfig {
	return config.AssetConfig{
		Symbol:       symbol,
		SizeDecimals: 3,
		MakerFeeBps:  decimal.NewFromFloat(1.5),
		CapitalUSD:   decimal.NewFromInt(10000),
		Quote: config.QuoteParams{
			BaseSpreadBps:       decimal.NewFromInt(4),
			VolMultiplier:       decimal.NewFromFloat(1.2),
			InventorySkewFactor: decimal.NewFromFloat(0.5),
			OrderSizeUSD:        decimal.NewFromInt(500),
			NumLevels:           3,
			LevelSpacingBps:     decimal.NewFromInt(3),
			BiasStrength:        decimal.NewFromFloat(0.3),
			MinSpreadBps:        decimal.NewFromInt(2),
			MaxSpreadBps:        decimal.NewFromInt(40),
		},
		Risk: config.RiskLimits{
			MaxPositionUSD:    decimal.NewFromInt(8000),
			MaxDailyLoss:      decimal.NewFromFloat(0.05),
			MaxOpenOrders:     12,
			CooldownSeconds:   300,
			APIErrorThreshold: 5,
		},
	}
}

func testBook(symbols ...string) *config.Book {
	assets := make(map[string]config.AssetConfig, len(symbols))
	for _, s := range symbols {
		assets[s] = testAsset(s)
	}
	return &config.Book{Assets: assets}
}

func TestSelectAssets_BySymbol(t *testing.T) {
	book := testBook("BTC-PERP", "ETH-PERP")
	f := &flags{symbol: "BTC-PERP"}

	assets, err := selectAssets(book, f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(assets) != 1 || assets[0].Symbol != "BTC-PERP" {
		t.Fatalf("expected only BTC-PERP, got %+v", assets)
	}
}

func TestSelectAssets_UnknownSymbolIsMisconfiguration(t *testing.T) {
	book := testBook("BTC-PERP")
	f := &flags{symbol: "DOGE-PERP"}

	if _, err := selectAssets(book, f); err == nil {
		t.Fatal("expected an error for an unknown symbol")
	}
}

func TestSelectAssets_AllReturnsEveryAsset(t *testing.T) {
	book := testBook("BTC-PERP", "ETH-PERP", "SOL-PERP")
	f := &flags{all: true}

	assets, err := selectAssets(book, f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(assets) != 3 {
		t.Fatalf("expected 3 assets, got %d", len(assets))
	}
}

func TestSelectAssets_EmptyBookIsMisconfiguration(t *testing.T) {
	book := testBook()
	f := &flags{all: true}

	if _, err := selectAssets(book, f); err == nil {
		t.Fatal("expected an error for an empty book")
	}
}

func TestApplyOverrides_OnlyTouchesFlagsExplicitlySet(t *testing.T) {
	asset := testAsset("BTC-PERP")
	asset.FeeAware = false
	asset.ToxicityGate = false
	asset.Compound = false

	applyOverrides(&asset, &flags{})
	if asset.FeeAware || asset.ToxicityGate || asset.Compound {
		t.Fatalf("expected no overrides applied with all flags false, got %+v", asset)
	}

	applyOverrides(&asset, &flags{feeAware: true, toxicityGate: true, compound: true, capitalUSD: 5000})
	if !asset.FeeAware || !asset.ToxicityGate || !asset.Compound {
		t.Fatalf("expected all overrides applied, got %+v", asset)
	}
	if !asset.CapitalUSD.Equal(decimal.NewFromInt(5000)) {
		t.Fatalf("expected capital override to 5000, got %s", asset.CapitalUSD)
	}
}

func TestTotalCapitalUSD_SumsPerAssetWhenNoOverride(t *testing.T) {
	assets := []config.AssetConfig{testAsset("BTC-PERP"), testAsset("ETH-PERP")}
	total := totalCapitalUSD(assets, &flags{})
	if !total.Equal(decimal.NewFromInt(20000)) {
		t.Fatalf("expected 20000, got %s", total)
	}
}

func TestTotalCapitalUSD_MultipliesOverrideAcrossAssets(t *testing.T) {
	assets := []config.AssetConfig{testAsset("BTC-PERP"), testAsset("ETH-PERP")}
	total := totalCapitalUSD(assets, &flags{capitalUSD: 1000})
	if !total.Equal(decimal.NewFromInt(2000)) {
		t.Fatalf("expected 2000, got %s", total)
	}
}

func TestVenueMetadataFor_OneEntryPerAsset(t *testing.T) {
	assets := []config.AssetConfig{testAsset("BTC-PERP"), testAsset("ETH-PERP")}
	meta := venueMetadataFor(assets)
	if len(meta) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(meta))
	}
	if meta["BTC-PERP"].SizeDecimals != 3 {
		t.Fatalf("expected size_decimals 3 to carry through, got %d", meta["BTC-PERP"].SizeDecimals)
	}
}

func TestRiskStateValue_MapsEveryState(t *testing.T) {
	cases := map[risk.State]float64{
		risk.Safe:          0,
		risk.PositionLimit: 1,
		risk.CircuitBreak:  2,
	}
	for state, want := range cases {
		if got := riskStateValue(state); got != want {
			t.Fatalf("riskStateValue(%v) = %f, want %f", state, got, want)
		}
	}
}

// stubRepo is a minimal persistence.MetricsRepo recording calls, used to
// verify multiMetricsRepo's fan-out and best-effort mirroring.
type stubRepo struct {
	inserts  int
	failNext bool
	lastSeen persistence.MetricsRecord
}

func (s *stubRepo) Insert(_ context.Context, rec persistence.MetricsRecord) error {
	s.inserts++
	s.lastSeen = rec
	if s.failNext {
		return errFailing
	}
	return nil
}
func (s *stubRepo) InsertBatch(_ context.Context, recs []persistence.MetricsRecord) error {
	s.inserts += len(recs)
	return nil
}
func (s *stubRepo) ListBySymbol(_ context.Context, _ string, _ persistence.TimeRange, _ int) ([]persistence.MetricsRecord, error) {
	return nil, nil
}
func (s *stubRepo) GetLatest(_ context.Context, _ string, _ int) ([]persistence.MetricsRecord, error) {
	return nil, nil
}

var errFailing = errFailingType{}

type errFailingType struct{}

func (errFailingType) Error() string { return "stub failure" }

func TestSeedPaperMids_StaticSeedDefaultsTo100(t *testing.T) {
	assets := []config.AssetConfig{testAsset("BTC-PERP"), testAsset("ETH-PERP")}
	paper := exchange.NewPaperAdapter(venueMetadataFor(assets))

	closeFeed, err := seedPaperMids(context.Background(), &flags{}, assets, paper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closeFeed()

	for _, a := range assets {
		mid, res := paper.MidPrice(context.Background(), a.Symbol)
		if !res.Ok() {
			t.Fatalf("expected a seeded mid for %s, got %+v", a.Symbol, res)
		}
		if !mid.Equal(decimal.NewFromInt(100)) {
			t.Fatalf("expected default seed mid 100, got %s", mid)
		}
	}
}

func TestSeedPaperMids_StaticSeedHonorsFlag(t *testing.T) {
	assets := []config.AssetConfig{testAsset("BTC-PERP")}
	paper := exchange.NewPaperAdapter(venueMetadataFor(assets))

	closeFeed, err := seedPaperMids(context.Background(), &flags{seedMidUSD: 64000}, assets, paper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closeFeed()

	mid, res := paper.MidPrice(context.Background(), "BTC-PERP")
	if !res.Ok() {
		t.Fatalf("expected a seeded mid, got %+v", res)
	}
	if !mid.Equal(decimal.NewFromInt(64000)) {
		t.Fatalf("expected seed mid 64000, got %s", mid)
	}
}

func TestMultiMetricsRepo_MirrorsToSecondaryBestEffort(t *testing.T) {
	primary := &stubRepo{}
	secondary := &stubRepo{failNext: true}
	repo := &multiMetricsRepo{primary: primary, secondary: secondary}

	err := repo.Insert(context.Background(), persistence.MetricsRecord{Symbol: "BTC-PERP"})
	if err != nil {
		t.Fatalf("expected primary success to mask secondary failure, got %v", err)
	}
	if primary.inserts != 1 || secondary.inserts != 1 {
		t.Fatalf("expected both stores to see the insert attempt, got primary=%d secondary=%d", primary.inserts, secondary.inserts)
	}
}
