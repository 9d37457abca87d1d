package recorder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/rickgao/panelfeed/internal/marketdata"
)

// fakeDB records queued batches. Trade ids in conflict report zero rows.
type fakeDB struct {
	mu       sync.Mutex
	batches  [][]*pgx.QueuedQuery
	conflict map[int64]bool
	err      error
}

func (f *fakeDB) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, b.QueuedQueries)
	return &fakeResults{db: f, queries: b.QueuedQueries}
}

func (f *fakeDB) rows() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

type fakeResults struct {
	db      *fakeDB
	queries []*pgx.QueuedQuery
	next    int
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.db.err != nil {
		return pgconn.CommandTag{}, r.db.err
	}
	q := r.queries[r.next]
	r.next++
	if id, _ := q.Arguments[1].(int64); r.db.conflict[id] {
		return pgconn.NewCommandTag("INSERT 0 0"), nil
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not implemented") }
func (r *fakeResults) QueryRow() pgx.Row        { return nil }
func (r *fakeResults) Close() error             { return nil }

func tradeEvent(id int64, amount string) marketdata.TradeEvent {
	return marketdata.TradeEvent{
		Symbol: "tBTCUSD",
		Trade: marketdata.Trade{
			ID:     id,
			Time:   time.UnixMilli(1700000000000 + id).UTC(),
			Amount: decimal.RequireFromString(amount),
			Price:  decimal.RequireFromString("42000.5"),
		},
		ReceivedAt: time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
	}
}

func TestTransform(t *testing.T) {
	row := transform(tradeEvent(7, "-0.25"))

	if row.Symbol != "tBTCUSD" {
		t.Errorf("Symbol = %s, want tBTCUSD", row.Symbol)
	}
	if row.TradeID != 7 {
		t.Errorf("TradeID = %d, want 7", row.TradeID)
	}
	if !row.ExchangeTs.Equal(time.UnixMilli(1700000000007)) {
		t.Errorf("ExchangeTs = %v", row.ExchangeTs)
	}
	if row.Price != "42000.5" {
		t.Errorf("Price = %s, want 42000.5", row.Price)
	}
	if row.Amount != "0.25" {
		t.Errorf("Amount = %s, want 0.25", row.Amount)
	}
	if row.Side != "sell" {
		t.Errorf("Side = %s, want sell", row.Side)
	}
}

func TestRecorder_FlushOnBatchSize(t *testing.T) {
	db := &fakeDB{conflict: map[int64]bool{2: true}}
	input := make(chan marketdata.TradeEvent, 10)
	r := New(Config{BatchSize: 3, FlushInterval: time.Hour}, input, db, nil)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Stop(context.Background())

	for i := int64(1); i <= 3; i++ {
		input <- tradeEvent(i, "1")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && r.Stats().Flushes == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	s := r.Stats()
	if s.Flushes != 1 {
		t.Fatalf("Flushes = %d, want 1", s.Flushes)
	}
	if s.Inserts != 2 || s.Conflicts != 1 {
		t.Errorf("Inserts = %d, Conflicts = %d, want 2 and 1", s.Inserts, s.Conflicts)
	}
	if db.batches[0][0].SQL != insertTrade {
		t.Error("unexpected SQL queued")
	}
}

func TestRecorder_StopFlushesRemainder(t *testing.T) {
	db := &fakeDB{}
	input := make(chan marketdata.TradeEvent, 10)
	r := New(Config{BatchSize: 100, FlushInterval: time.Hour}, input, db, nil)

	r.Start(context.Background())
	input <- tradeEvent(1, "1")
	input <- tradeEvent(2, "1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && r.Stats().Received < 2 {
		time.Sleep(5 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(stopCtx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}

	if n := db.rows(); n != 2 {
		t.Errorf("rows written = %d, want 2", n)
	}
	if s := r.Stats(); s.Inserts != 2 {
		t.Errorf("Inserts = %d, want 2", s.Inserts)
	}
}

func TestRecorder_InsertErrorCounted(t *testing.T) {
	db := &fakeDB{err: errors.New("connection refused")}
	r := New(Config{BatchSize: 1}, nil, db, nil)

	r.handleTrade(tradeEvent(1, "1"))

	s := r.Stats()
	if s.Errors != 1 || s.Inserts != 0 {
		t.Errorf("stats = %+v, want one error", s)
	}
}

func TestRecorder_NoDatabase(t *testing.T) {
	r := New(Config{BatchSize: 1}, nil, nil, nil)

	r.handleTrade(tradeEvent(1, "1"))

	if s := r.Stats(); s.Errors != 1 {
		t.Errorf("Errors = %d, want 1", s.Errors)
	}
}

func TestRecorder_Lifecycle(t *testing.T) {
	cfg := Config{
		BatchSize:     10,
		FlushInterval: 100 * time.Millisecond,
	}
	r := New(cfg, make(chan marketdata.TradeEvent), &fakeDB{}, nil)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := r.Stop(stopCtx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	r := New(Config{}, nil, nil, nil)
	def := DefaultConfig()
	if r.cfg.BatchSize != def.BatchSize || r.cfg.FlushInterval != def.FlushInterval {
		t.Errorf("cfg = %+v, want defaults %+v", r.cfg, def)
	}
}
