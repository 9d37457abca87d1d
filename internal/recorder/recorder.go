package recorder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/panelfeed/internal/marketdata"
)

const insertTrade = `
	INSERT INTO trades (symbol, trade_id, exchange_ts, received_at, price, amount, side)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (symbol, trade_id) DO NOTHING
`

// Recorder consumes the store's trade tap and archives trades in batches.
type Recorder struct {
	cfg    Config
	logger *slog.Logger

	input <-chan marketdata.TradeEvent
	db    BatchSender

	// Batching
	batch   []tradeRow
	batchMu sync.Mutex
	flushMu sync.Mutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats Stats
}

// New creates a Recorder reading from input and writing through db.
func New(cfg Config, input <-chan marketdata.TradeEvent, db BatchSender, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	return &Recorder{
		cfg:    cfg,
		input:  input,
		db:     db,
		logger: logger,
		batch:  make([]tradeRow, 0, cfg.BatchSize),
	}
}

// Start begins consuming trades.
func (r *Recorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.consumeLoop()

	r.wg.Add(1)
	go r.flushLoop()

	r.logger.Info("trade recorder started",
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
	)
	return nil
}

// Stop shuts down the recorder and flushes what is buffered.
func (r *Recorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping trade recorder")

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("trade recorder stop timed out")
	}

	r.flush(ctx)

	r.logger.Info("trade recorder stopped")
	return nil
}

// Stats returns current counters.
func (r *Recorder) Stats() Stats {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	return r.stats
}

func (r *Recorder) consumeLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case ev, ok := <-r.input:
			if !ok {
				return
			}
			r.handleTrade(ev)
		}
	}
}

func (r *Recorder) flushLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.flush(r.ctx)
		}
	}
}

// handleTrade transforms and adds a trade to the batch.
func (r *Recorder) handleTrade(ev marketdata.TradeEvent) {
	row := transform(ev)

	r.batchMu.Lock()
	r.stats.Received++
	r.batch = append(r.batch, row)
	shouldFlush := len(r.batch) >= r.cfg.BatchSize
	r.batchMu.Unlock()

	if shouldFlush {
		r.flush(r.ctx)
	}
}

func transform(ev marketdata.TradeEvent) tradeRow {
	return tradeRow{
		Symbol:     ev.Symbol,
		TradeID:    ev.Trade.ID,
		ExchangeTs: ev.Trade.Time,
		ReceivedAt: ev.ReceivedAt.UTC(),
		Price:      ev.Trade.Price.String(),
		Amount:     ev.Trade.Amount.Abs().String(),
		Side:       ev.Trade.Side(),
	}
}

// flush writes the current batch. A failed batch is dropped and counted.
func (r *Recorder) flush(ctx context.Context) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.batchMu.Lock()
	if len(r.batch) == 0 {
		r.batchMu.Unlock()
		return
	}
	batch := r.batch
	r.batch = make([]tradeRow, 0, r.cfg.BatchSize)
	r.batchMu.Unlock()

	if r.db == nil {
		r.logger.Warn("no database, dropping trades", "count", len(batch))
		r.batchMu.Lock()
		r.stats.Errors++
		r.batchMu.Unlock()
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}
	// The run context may already be cancelled on the final flush
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.FlushTimeout)
	defer cancel()

	start := time.Now()
	conflicts, err := r.batchInsert(flushCtx, batch)
	if err != nil {
		r.logger.Error("batch insert failed", "error", err, "count", len(batch))
		r.batchMu.Lock()
		r.stats.Errors++
		r.batchMu.Unlock()
		return
	}

	r.batchMu.Lock()
	r.stats.Inserts += int64(len(batch) - conflicts)
	r.stats.Conflicts += int64(conflicts)
	r.stats.Flushes++
	r.batchMu.Unlock()

	r.logger.Debug("flushed trades",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (r *Recorder) batchInsert(ctx context.Context, rows []tradeRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(insertTrade,
			row.Symbol, row.TradeID, row.ExchangeTs, row.ReceivedAt, row.Price, row.Amount, row.Side)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
