package recorder

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// Config contains configuration for the trade recorder.
type Config struct {
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration

	// FlushTimeout bounds a single batch insert.
	FlushTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     1000,
		FlushInterval: time.Second,
		FlushTimeout:  10 * time.Second,
	}
}

// Stats tracks recorder activity.
type Stats struct {
	Received  int64
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
}

// BatchSender sends a pgx batch. *pgxpool.Pool satisfies it.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// tradeRow represents a row to be inserted into the trades table.
type tradeRow struct {
	Symbol     string
	TradeID    int64
	ExchangeTs time.Time
	ReceivedAt time.Time
	Price      string // NUMERIC text
	Amount     string // NUMERIC text, absolute
	Side       string // "buy" or "sell"
}
