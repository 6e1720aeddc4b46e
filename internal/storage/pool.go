// Package storage is the PostgreSQL persistence layer for the activity log
// and the approval queue.
//
// Queries go through a pgxpool. New approval requests are announced with
// NOTIFY, and a dedicated connection, opened only when a notify DSN is
// given, LISTENs for them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// applicationName tags soji's sessions in pg_stat_activity.
const applicationName = "soji"

// DB is the runtime's handle on Postgres.
type DB struct {
	pool       *pgxpool.Pool
	notifyConn *pgx.Conn // nil without a notify DSN
	logger     *slog.Logger
}

// New connects the pool and, when notifyDSN is non-empty, the LISTEN
// connection. notifyDSN should bypass any transaction-mode pooler.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	db := &DB{pool: pool, logger: logger}
	if notifyDSN != "" {
		if db.notifyConn, err = connectNotify(ctx, notifyDSN); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return db, nil
}

func connectNotify(ctx context.Context, dsn string) (*pgx.Conn, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse notify DSN: %w", err)
	}
	cfg.RuntimeParams["application_name"] = applicationName + "-listen"
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: connect notify: %w", err)
	}
	return conn, nil
}

// Pool exposes the pool for tests and ad-hoc queries.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks that the pool can reach the database. It backs /health.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close releases the LISTEN connection and the pool.
func (db *DB) Close(ctx context.Context) {
	if db.notifyConn != nil {
		if err := db.notifyConn.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
	}
	db.pool.Close()
}
