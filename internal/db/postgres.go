package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type DB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New creates a database connection pool from a Postgres connection URL.
//
// Why take a URL string instead of individual host/port/user fields?
//   - pgxpool.ParseConfig() natively understands Postgres URLs.
//   - The URL is what config.Config already stores (DATABASE_URL env var).
//   - No manual DSN building = no chance of forgetting sslmode or escaping
//     special characters in passwords.
func New(ctx context.Context, databaseURL string, logger *zap.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	// Connection pool tuning — sensible defaults for a webhook-driven
	// ingestion backend:
	//
	// MaxConns (25): each in-flight webhook holds a connection for the
	//   duration of its ingestion transaction, plus one briefly for the
	//   assignment transaction. 25 rides out provider bursts without
	//   exhausting Postgres (RDS default max_connections is 100).
	//
	// MinConns (5): keep warm connections ready so the first webhooks
	//   after an idle period don't pay cold-start latency — providers
	//   time out fast and retry, which would re-deliver duplicates.
	//
	// MaxConnLifetime (1h) / MaxConnIdleTime (20min) / HealthCheckPeriod
	//   (1min): recycle stale TCP connections and detect dead ones before
	//   a real query hits them.
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 20 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Ping verifies the connection actually works (credentials, network).
	// If it fails, close the pool immediately — don't leak a half-open pool.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping DB: %w", err)
	}

	logger.Info("DB connection established",
		zap.String("dsn", poolConfig.ConnString()),
		zap.Int32("max_conns", poolConfig.MaxConns),
	)
	return &DB{
		pool:   pool,
		logger: logger,
	}, nil
}

func (db *DB) Close() {
	db.logger.Info("closing database connection pool")
	db.pool.Close()
}

func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

func (db *DB) Health(ctx context.Context) error {
	return db.pool.Ping(ctx)
}
