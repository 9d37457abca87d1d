package marketdata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// bookRow is a P0 book level as sent by the feed: [price, count, amount].
type bookRow struct {
	price  decimal.Decimal
	count  int
	amount decimal.Decimal
}

// isList reports whether raw is an array of arrays (a snapshot payload).
func isList(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) < 2 || raw[0] != '[' {
		return false
	}
	rest := bytes.TrimSpace(raw[1:])
	return len(rest) > 0 && (rest[0] == '[' || rest[0] == ']')
}

func parseBookRow(raw json.RawMessage) (bookRow, error) {
	var fields []decimal.Decimal
	if err := json.Unmarshal(raw, &fields); err != nil {
		return bookRow{}, fmt.Errorf("unmarshal book level: %w", err)
	}
	if len(fields) != 3 {
		return bookRow{}, fmt.Errorf("book level has %d fields, want 3", len(fields))
	}
	return bookRow{
		price:  fields[0],
		count:  int(fields[1].IntPart()),
		amount: fields[2],
	}, nil
}

func parseBookRows(raw json.RawMessage) ([]bookRow, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("unmarshal book snapshot: %w", err)
	}
	rows := make([]bookRow, 0, len(items))
	for _, item := range items {
		row, err := parseBookRow(item)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// parseTrade decodes [id, mts, amount, price].
func parseTrade(raw json.RawMessage) (Trade, error) {
	var fields []decimal.Decimal
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Trade{}, fmt.Errorf("unmarshal trade: %w", err)
	}
	if len(fields) != 4 {
		return Trade{}, fmt.Errorf("trade has %d fields, want 4", len(fields))
	}
	return Trade{
		ID:     fields[0].IntPart(),
		Time:   time.UnixMilli(fields[1].IntPart()).UTC(),
		Amount: fields[2],
		Price:  fields[3],
	}, nil
}

func parseTrades(raw json.RawMessage) ([]Trade, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("unmarshal trades snapshot: %w", err)
	}
	trades := make([]Trade, 0, len(items))
	for _, item := range items {
		t, err := parseTrade(item)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, nil
}
