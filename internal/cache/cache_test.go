package cache

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testMeta(symbol string) VenueMetadata {
	return VenueMetadata{
		Symbol:         symbol,
		SizeDecimals:   4,
		PriceTick:      decimal.NewFromFloat(0.5),
		MinNotionalUSD: decimal.NewFromInt(10),
		MaxLeverage:    20,
		FetchedAt:      time.Now(),
	}
}

func TestInMemoryCache_SetThenGetHits(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	if err := c.Set(ctx, testMeta("BTC"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := c.Get(ctx, "BTC")
	if !ok {
		t.Fatal("expected a cache hit after Set")
	}
	if got.Symbol != "BTC" || got.MaxLeverage != 20 {
		t.Fatalf("unexpected cached metadata: %+v", got)
	}
	if c.Stats().Hits != 1 {
		t.Fatalf("expected one recorded hit, got %d", c.Stats().Hits)
	}
}

func TestInMemoryCache_MissOnUnknownSymbol(t *testing.T) {
	c := NewInMemoryCache()
	if _, ok := c.Get(context.Background(), "ETH"); ok {
		t.Fatal("expected a miss for a symbol never set")
	}
	if c.Stats().Misses != 1 {
		t.Fatalf("expected one recorded miss, got %d", c.Stats().Misses)
	}
}

func TestInMemoryCache_ExpiredEntryIsEvictedOnGet(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()
	if err := c.Set(ctx, testMeta("BTC"), time.Nanosecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(time.Millisecond)
	if _, ok := c.Get(ctx, "BTC"); ok {
		t.Fatal("expected the entry to have expired")
	}
	if len(c.data) != 0 {
		t.Fatal("expected the expired entry to be evicted from the map")
	}
}

func TestInMemoryCache_HealthAlwaysTrue(t *testing.T) {
	c := NewInMemoryCache()
	if !c.Health(context.Background()) {
		t.Fatal("expected in-memory cache health to always report true")
	}
}

func TestStats_HitRate(t *testing.T) {
	s := Stats{Hits: 3, Misses: 1}
	if got := s.HitRate(); got != 0.75 {
		t.Fatalf("expected a 0.75 hit rate, got %f", got)
	}
	if got := (Stats{}).HitRate(); got != 0 {
		t.Fatalf("expected a zero hit rate with no traffic, got %f", got)
	}
}
