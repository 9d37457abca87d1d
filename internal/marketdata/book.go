package marketdata

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type bookLevel struct {
	price  decimal.Decimal
	count  int
	amount decimal.Decimal // Absolute
}

// book is a P0 order book keyed by normalized price string.
type book struct {
	bids      map[string]bookLevel
	asks      map[string]bookLevel
	updatedAt time.Time
}

func newBook() *book {
	return &book{
		bids: make(map[string]bookLevel),
		asks: make(map[string]bookLevel),
	}
}

func (b *book) reset(rows []bookRow, at time.Time) {
	b.bids = make(map[string]bookLevel, len(rows))
	b.asks = make(map[string]bookLevel, len(rows))
	for _, r := range rows {
		b.apply(r)
	}
	b.updatedAt = at
}

// apply updates one level. count > 0 sets the level on the side given by
// the amount sign; count == 0 removes it, with amount 1 for bids and -1
// for asks.
func (b *book) apply(r bookRow) {
	key := r.price.String()

	if r.count == 0 {
		if r.amount.Sign() > 0 {
			delete(b.bids, key)
		} else {
			delete(b.asks, key)
		}
		return
	}

	lvl := bookLevel{price: r.price, count: r.count, amount: r.amount.Abs()}
	if r.amount.Sign() > 0 {
		b.bids[key] = lvl
		delete(b.asks, key)
	} else {
		b.asks[key] = lvl
		delete(b.bids, key)
	}
}

func (b *book) view(symbol string) BookView {
	return BookView{
		Symbol:    symbol,
		Bids:      side(b.bids, true),
		Asks:      side(b.asks, false),
		UpdatedAt: b.updatedAt,
	}
}

func side(levels map[string]bookLevel, desc bool) []Level {
	out := make([]Level, 0, len(levels))
	for _, l := range levels {
		out = append(out, Level{Price: l.price, Count: l.count, Amount: l.amount})
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})

	total := decimal.Zero
	for i := range out {
		total = total.Add(out[i].Amount)
		out[i].Total = total
	}
	return out
}
