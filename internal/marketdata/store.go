package marketdata

import (
	"log/slog"
	"sync"

	"github.com/rickgao/panelfeed/internal/connection"
	"github.com/rickgao/panelfeed/internal/subscription"
)

// Store holds the latest book and trade tape per symbol, built from the
// frames the channel drivers forward. It implements connection.DataSink.
type Store struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	books map[string]*book
	tapes map[string]*tape
	stats Stats

	tap chan TradeEvent
}

// NewStore creates an empty Store.
func NewStore(cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TradesLimit <= 0 {
		cfg.TradesLimit = DefaultConfig().TradesLimit
	}

	s := &Store{
		cfg:    cfg,
		logger: logger,
		books:  make(map[string]*book),
		tapes:  make(map[string]*tape),
	}
	if cfg.TapBufferSize > 0 {
		s.tap = make(chan TradeEvent, cfg.TapBufferSize)
	}
	return s
}

// HandleFrame applies one channel frame.
func (s *Store) HandleFrame(f connection.Frame) {
	var err error
	var added []Trade

	s.mu.Lock()
	s.stats.Frames++
	switch f.Channel {
	case subscription.ChannelBook:
		err = s.applyBookLocked(f)
	case subscription.ChannelTrades:
		added, err = s.applyTradesLocked(f)
	}
	if err != nil {
		s.stats.ParseErrors++
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("failed to apply frame",
			"channel", string(f.Channel),
			"symbol", f.Symbol,
			"error", err,
		)
		return
	}

	for _, t := range added {
		s.publish(TradeEvent{Symbol: f.Symbol, Trade: t, ReceivedAt: f.ReceivedAt})
	}
}

func (s *Store) applyBookLocked(f connection.Frame) error {
	b := s.books[f.Symbol]
	if b == nil {
		b = newBook()
		s.books[f.Symbol] = b
	}

	if f.Snapshot || isList(f.Payload) {
		rows, err := parseBookRows(f.Payload)
		if err != nil {
			return err
		}
		b.reset(rows, f.ReceivedAt)
		return nil
	}

	row, err := parseBookRow(f.Payload)
	if err != nil {
		return err
	}
	b.apply(row)
	b.updatedAt = f.ReceivedAt
	return nil
}

// applyTradesLocked returns trades that were new to the tape.
func (s *Store) applyTradesLocked(f connection.Frame) ([]Trade, error) {
	tp := s.tapes[f.Symbol]
	if tp == nil {
		tp = newTape(s.cfg.TradesLimit)
		s.tapes[f.Symbol] = tp
	}

	switch f.Kind {
	case "":
		trades, err := parseTrades(f.Payload)
		if err != nil {
			return nil, err
		}
		tp.reset(trades, f.ReceivedAt)
		return nil, nil

	case "te", "tu":
		tr, err := parseTrade(f.Payload)
		if err != nil {
			return nil, err
		}
		isNew := tp.index(tr.ID) < 0
		if f.Kind == "te" {
			tp.execute(tr, f.ReceivedAt)
		} else {
			tp.update(tr, f.ReceivedAt)
		}
		if isNew {
			return []Trade{tr}, nil
		}
		return nil, nil

	default:
		// Checksums and other markers carry no tape data
		return nil, nil
	}
}

func (s *Store) publish(ev TradeEvent) {
	if s.tap == nil {
		return
	}
	select {
	case s.tap <- ev:
	default:
		s.mu.Lock()
		s.stats.TapDropped++
		s.mu.Unlock()
	}
}

// Clear drops the data held for a symbol after its channel is unsubscribed.
func (s *Store) Clear(channel subscription.ChannelType, symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch channel {
	case subscription.ChannelBook:
		delete(s.books, symbol)
	case subscription.ChannelTrades:
		delete(s.tapes, symbol)
	}
}

// Book returns a copy of the symbol's book.
func (s *Store) Book(symbol string) (BookView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.books[symbol]
	if !ok {
		return BookView{Symbol: symbol}, false
	}
	return b.view(symbol), true
}

// Tape returns a copy of the symbol's recent trades.
func (s *Store) Tape(symbol string) (TapeView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tapes[symbol]
	if !ok {
		return TapeView{Symbol: symbol}, false
	}
	return t.view(symbol), true
}

// Trades returns the trade tap, or nil when the tap is disabled.
func (s *Store) Trades() <-chan TradeEvent {
	return s.tap
}

// Stats returns store statistics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.stats
	st.Books = len(s.books)
	st.Tapes = len(s.tapes)
	return st
}
