// Package storage provides the PostgreSQL storage layer for MAGSASA-CARD.
//
// It manages connection pooling (via pgxpool), an optional dedicated
// connection for LISTEN/NOTIFY cache invalidation, and query methods for all
// tables. Tenant-scoped methods take the organization id explicitly and
// filter every query by it.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const applicationName = "magsasa"

// DB wraps a pgxpool.Pool for normal queries and an optional pgx.Conn for
// LISTEN/NOTIFY (direct to Postgres, bypassing any pooler).
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	notifyDSN  string
	notifyMu   sync.Mutex
	notifyConn *pgx.Conn
}

// New creates a new DB with a connection pool. Sessions run in UTC so
// date-bucketed analytics and loan ids agree across instances.
// notifyDSN may be empty, in which case cross-instance cache invalidation is disabled.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}
	setRuntimeDefaults(poolCfg.ConnConfig)
	poolCfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	db := &DB{pool: pool, logger: logger, notifyDSN: notifyDSN}
	if notifyDSN != "" {
		conn, err := connectNotify(ctx, notifyDSN)
		if err != nil {
			pool.Close()
			return nil, err
		}
		db.notifyConn = conn
	}
	return db, nil
}

func setRuntimeDefaults(cfg *pgx.ConnConfig) {
	if _, ok := cfg.RuntimeParams["application_name"]; !ok {
		cfg.RuntimeParams["application_name"] = applicationName
	}
	cfg.RuntimeParams["timezone"] = "UTC"
}

func connectNotify(ctx context.Context, dsn string) (*pgx.Conn, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse notify DSN: %w", err)
	}
	setRuntimeDefaults(cfg)
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: connect notify: %w", err)
	}
	return conn, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// HasNotify reports whether a LISTEN/NOTIFY connection is configured.
func (db *DB) HasNotify() bool {
	return db.notifyDSN != ""
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool and notify connection.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	if db.notifyConn != nil {
		if err := db.notifyConn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
		db.notifyConn = nil
	}
}
