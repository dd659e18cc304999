// Package db wires up the optional Postgres connection pool backing
// persistence.MetricsRepo (spec §6). It is disabled by default; the CSV
// store in metricscsv is the store the core always writes to.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/SusBot-cyber/BotMM/internal/persistence"
	"github.com/SusBot-cyber/BotMM/internal/persistence/postgres"
)

// Config holds database connection configuration.
type Config struct {
	DSN             string        `yaml:"dsn" env:"PG_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"PG_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"PG_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"PG_CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"PG_CONN_MAX_IDLE_TIME"`
	QueryTimeout    time.Duration `yaml:"query_timeout" env:"PG_QUERY_TIMEOUT"`
	Enabled         bool          `yaml:"enabled" env:"PG_ENABLED"`
}

// DefaultConfig returns reasonable defaults for database connections.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		QueryTimeout:    30 * time.Second,
		Enabled:         false,
	}
}

// Manager owns the Postgres connection pool and the MetricsRepo built on
// top of it.
type Manager struct {
	db     *sqlx.DB
	config Config
	repo   persistence.MetricsRepo
	health *healthChecker
}

// NewManager creates a database manager. If config.Enabled is false, it
// returns a Manager whose Repository() is nil and whose Health() reports
// disabled — callers fall back to metricscsv.
func NewManager(config Config) (*Manager, error) {
	if !config.Enabled {
		return &Manager{
			config: config,
			health: &healthChecker{enabled: false},
		}, nil
	}

	if config.DSN == "" {
		return nil, fmt.Errorf("database DSN is required when enabled")
	}

	sdb, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sdb.SetMaxOpenConns(config.MaxOpenConns)
	sdb.SetMaxIdleConns(config.MaxIdleConns)
	sdb.SetConnMaxLifetime(config.ConnMaxLifetime)
	sdb.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sdb.PingContext(ctx); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := postgres.NewMetricsRepo(sdb, config.QueryTimeout)

	return &Manager{
		db:     sdb,
		config: config,
		repo:   repo,
		health: &healthChecker{enabled: true, db: sdb, timeout: config.QueryTimeout},
	}, nil
}

// Repository returns the MetricsRepo, or nil if the database is disabled.
func (m *Manager) Repository() persistence.MetricsRepo {
	return m.repo
}

// Health returns the health checker interface.
func (m *Manager) Health() persistence.RepositoryHealth {
	return m.health
}

// DB returns the underlying database connection (for migrations, etc).
func (m *Manager) DB() *sqlx.DB {
	return m.db
}

// IsEnabled returns whether database persistence is enabled.
func (m *Manager) IsEnabled() bool {
	return m.config.Enabled && m.db != nil
}

// Close closes the database connection.
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// healthChecker implements persistence.RepositoryHealth.
type healthChecker struct {
	enabled bool
	db      *sqlx.DB
	timeout time.Duration
}

// Health returns current store health status.
func (h *healthChecker) Health(ctx context.Context) persistence.HealthCheck {
	if !h.enabled {
		return persistence.HealthCheck{
			Healthy:   true,
			Errors:    []string{"database persistence disabled, using CSV store"},
			LastCheck: time.Now(),
		}
	}

	start := time.Now()
	pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var errs []string
	healthy := true
	if err := h.db.PingContext(pingCtx); err != nil {
		errs = append(errs, fmt.Sprintf("ping failed: %v", err))
		healthy = false
	}

	return persistence.HealthCheck{
		Healthy:        healthy,
		Errors:         errs,
		LastCheck:      time.Now(),
		ResponseTimeMS: time.Since(start).Milliseconds(),
	}
}

// Ping tests basic connectivity to the database.
func (h *healthChecker) Ping(ctx context.Context) error {
	if !h.enabled {
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return h.db.PingContext(pingCtx)
}
