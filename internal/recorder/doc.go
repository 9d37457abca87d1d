// Package recorder archives the live trade tape to PostgreSQL/TimescaleDB.
//
// Trades arrive on the market data store's tap, are batched, and are
// written with pgx.Batch; rows already archived are skipped by the
// primary key conflict.
package recorder
