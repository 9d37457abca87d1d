package marketdata

import (
	"sort"
	"time"
)

// tape holds recent trades, newest first, capped at limit.
type tape struct {
	trades    []Trade
	limit     int
	updatedAt time.Time
}

func newTape(limit int) *tape {
	return &tape{limit: limit}
}

func (t *tape) reset(trades []Trade, at time.Time) {
	t.trades = append(t.trades[:0], trades...)
	sort.SliceStable(t.trades, func(i, j int) bool {
		return t.trades[i].Time.After(t.trades[j].Time)
	})
	t.trim()
	t.updatedAt = at
}

// execute handles "te": a new trade goes on top unless already present.
func (t *tape) execute(tr Trade, at time.Time) {
	if i := t.index(tr.ID); i >= 0 {
		t.trades[i] = tr
	} else {
		t.prepend(tr)
	}
	t.updatedAt = at
}

// update handles "tu": it replaces the row with the same id, or adds it.
func (t *tape) update(tr Trade, at time.Time) {
	t.execute(tr, at)
}

func (t *tape) index(id int64) int {
	for i := range t.trades {
		if t.trades[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *tape) prepend(tr Trade) {
	t.trades = append(t.trades, Trade{})
	copy(t.trades[1:], t.trades)
	t.trades[0] = tr
	t.trim()
}

func (t *tape) trim() {
	if t.limit > 0 && len(t.trades) > t.limit {
		t.trades = t.trades[:t.limit]
	}
}

func (t *tape) view(symbol string) TapeView {
	return TapeView{
		Symbol:    symbol,
		Trades:    append([]Trade(nil), t.trades...),
		UpdatedAt: t.updatedAt,
	}
}
