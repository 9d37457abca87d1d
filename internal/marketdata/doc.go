// Package marketdata builds the per-symbol views panels read back.
//
// The Store:
//   - Keeps a P0 order book per symbol (bids and asks with running totals)
//   - Keeps the recent trade tape per symbol, newest first
//   - Drops a symbol's data when its channel is unsubscribed
//   - Optionally copies new trades to a tap for archiving
package marketdata
