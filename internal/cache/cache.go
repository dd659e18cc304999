// Package cache caches per-symbol venue metadata (size decimals, price
// tick, min notional, max leverage) so StrategyLoop and config loading
// don't re-fetch it from the venue every restart. Redis-backed in
// production, in-memory for tests, behind the same interface.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// VenueMetadata is one symbol's exchange-defined trading rules.
type VenueMetadata struct {
	Symbol         string          `json:"symbol"`
	SizeDecimals   int32           `json:"size_decimals"`
	PriceTick      decimal.Decimal `json:"price_tick"`
	MinNotionalUSD decimal.Decimal `json:"min_notional_usd"`
	MaxLeverage    int             `json:"max_leverage"`
	FetchedAt      time.Time       `json:"fetched_at"`
}

// Stats reports cache hit/miss counters and backend health.
type Stats struct {
	Hits      int64
	Misses    int64
	Errors    int64
	Connected bool
}

// HitRate returns Hits/(Hits+Misses), or 0 with no traffic yet.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// VenueMetadataCache is the contract config loading and StrategyLoop
// startup consult before falling back to a live venue metadata fetch.
type VenueMetadataCache interface {
	Get(ctx context.Context, symbol string) (VenueMetadata, bool)
	Set(ctx context.Context, meta VenueMetadata, ttl time.Duration) error
	Stats() Stats
	Health(ctx context.Context) bool
	Close() error
}

// RedisCache implements VenueMetadataCache over a Redis client.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
	stats     Stats
}

// NewRedisCache dials addr with the given credentials; DialTimeout and
// retry backoff follow the venue-adapter's own conservative defaults
// (spec §6 "external interfaces" treats venue calls as latency-sensitive).
func NewRedisCache(addr, password string, db int) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		Password:        password,
		DB:              db,
		PoolSize:        10,
		MinIdleConns:    2,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 500 * time.Millisecond,
	})
	return &RedisCache{
		client:    client,
		keyPrefix: "mmcore:venue:",
		stats:     Stats{Connected: true},
	}
}

func (r *RedisCache) key(symbol string) string {
	return r.keyPrefix + symbol
}

// Get returns the cached metadata for symbol, or false on miss, expiry,
// or a Redis error (which also flips Stats.Connected).
func (r *RedisCache) Get(ctx context.Context, symbol string) (VenueMetadata, bool) {
	raw, err := r.client.Get(ctx, r.key(symbol)).Result()
	if err != nil {
		if err != redis.Nil {
			r.stats.Errors++
			r.stats.Connected = false
		}
		r.stats.Misses++
		return VenueMetadata{}, false
	}
	var meta VenueMetadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		r.stats.Errors++
		return VenueMetadata{}, false
	}
	r.stats.Hits++
	return meta, true
}

// Set stores meta with the given TTL.
func (r *RedisCache) Set(ctx context.Context, meta VenueMetadata, ttl time.Duration) error {
	data, err := json.Marshal(meta)
	if err != nil {
		r.stats.Errors++
		return fmt.Errorf("marshal venue metadata: %w", err)
	}
	if err := r.client.Set(ctx, r.key(meta.Symbol), data, ttl).Err(); err != nil {
		r.stats.Errors++
		r.stats.Connected = false
		return fmt.Errorf("set venue metadata: %w", err)
	}
	r.stats.Connected = true
	return nil
}

// Stats returns the running hit/miss/error counters.
func (r *RedisCache) Stats() Stats {
	return r.stats
}

// Health pings the Redis connection.
func (r *RedisCache) Health(ctx context.Context) bool {
	_, err := r.client.Ping(ctx).Result()
	r.stats.Connected = err == nil
	return err == nil
}

// Close closes the underlying Redis client.
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// InMemoryCache is a map-backed VenueMetadataCache for tests and any
// deployment without Redis configured.
type InMemoryCache struct {
	data   map[string]inMemoryEntry
	stats  Stats
}

type inMemoryEntry struct {
	meta      VenueMetadata
	expiresAt time.Time
}

// NewInMemoryCache creates an empty in-memory cache.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data:  make(map[string]inMemoryEntry),
		stats: Stats{Connected: true},
	}
}

// Get returns the cached metadata for symbol, evicting it first if past
// its TTL.
func (m *InMemoryCache) Get(ctx context.Context, symbol string) (VenueMetadata, bool) {
	entry, ok := m.data[symbol]
	if !ok {
		m.stats.Misses++
		return VenueMetadata{}, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(m.data, symbol)
		m.stats.Misses++
		return VenueMetadata{}, false
	}
	m.stats.Hits++
	return entry.meta, true
}

// Set stores meta with the given TTL.
func (m *InMemoryCache) Set(ctx context.Context, meta VenueMetadata, ttl time.Duration) error {
	m.data[meta.Symbol] = inMemoryEntry{meta: meta, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Stats returns the running hit/miss counters.
func (m *InMemoryCache) Stats() Stats {
	return m.stats
}

// Health always reports true; there is no backend connection to lose.
func (m *InMemoryCache) Health(ctx context.Context) bool {
	return true
}

// Close is a no-op.
func (m *InMemoryCache) Close() error {
	return nil
}
