package marketdata

import (
	"time"

	"github.com/shopspring/decimal"
)

// Level is one aggregated price level of a book side.
type Level struct {
	Price  decimal.Decimal `json:"price"`
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"` // Absolute size at this price
	Total  decimal.Decimal `json:"total"`  // Running sum of Amount from the top of the side
}

// BookView is a read-only copy of one symbol's book.
type BookView struct {
	Symbol    string    `json:"symbol"`
	Bids      []Level   `json:"bids"` // Best (highest) first
	Asks      []Level   `json:"asks"` // Best (lowest) first
	UpdatedAt time.Time `json:"updated_at"`
}

// Trade is one row of the trade tape.
type Trade struct {
	ID     int64           `json:"id"`
	Time   time.Time       `json:"time"`
	Amount decimal.Decimal `json:"amount"` // Signed: positive buy, negative sell
	Price  decimal.Decimal `json:"price"`
}

// Side returns "buy" or "sell" from the amount sign.
func (t Trade) Side() string {
	if t.Amount.Sign() < 0 {
		return "sell"
	}
	return "buy"
}

// TapeView is a read-only copy of one symbol's recent trades, newest first.
type TapeView struct {
	Symbol    string    `json:"symbol"`
	Trades    []Trade   `json:"trades"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TradeEvent is a trade copied to the tap for archiving.
type TradeEvent struct {
	Symbol     string
	Trade      Trade
	ReceivedAt time.Time
}

// Config configures a Store.
type Config struct {
	TradesLimit   int // Tape rows kept per symbol
	TapBufferSize int // Trade tap capacity; 0 disables the tap
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TradesLimit: 100,
	}
}

// Stats provides counters about the store.
type Stats struct {
	Books       int
	Tapes       int
	Frames      int64
	ParseErrors int64
	TapDropped  int64
}
