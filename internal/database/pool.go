package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/panelfeed/internal/config"
)

// tradesSchema is the archive table written by the recorder.
const tradesSchema = `
CREATE TABLE IF NOT EXISTS trades (
	symbol      TEXT        NOT NULL,
	trade_id    BIGINT      NOT NULL,
	exchange_ts TIMESTAMPTZ NOT NULL,
	received_at TIMESTAMPTZ NOT NULL,
	price       NUMERIC     NOT NULL,
	amount      NUMERIC     NOT NULL,
	side        TEXT        NOT NULL,
	PRIMARY KEY (symbol, trade_id)
)`

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	connStr := BuildConnString(cfg)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// EnsureSchema creates the trades table if it does not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, tradesSchema); err != nil {
		return fmt.Errorf("create trades table: %w", err)
	}
	return nil
}
