// Package database provides the PostgreSQL/TimescaleDB pool used to
// archive the trade tape.
package database
