package widget

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/panelfeed/internal/marketdata"
	"github.com/rickgao/panelfeed/internal/subscription"
)

// Errors
var (
	ErrWidgetNotFound = errors.New("widget not found")
	ErrTooManyWidgets = errors.New("too many widgets")
)

// DataSource provides the per-symbol data panels display.
type DataSource interface {
	Book(symbol string) (marketdata.BookView, bool)
	Tape(symbol string) (marketdata.TapeView, bool)
}

// View is a panel's state as seen by the presentation layer.
type View struct {
	ID        string                   `json:"id"`
	Kind      subscription.ChannelType `json:"kind"`
	Symbol    string                   `json:"symbol"`
	Online    bool                     `json:"online"`
	Loading   bool                     `json:"loading"`
	MountedAt time.Time                `json:"mounted_at"`
	Book      *marketdata.BookView     `json:"book,omitempty"`
	Tape      *marketdata.TapeView     `json:"tape,omitempty"`
}

type panel struct {
	id        string
	binding   *Binding
	mountedAt time.Time
}

// Workspace is the set of mounted panels.
type Workspace struct {
	coord      Coordinator
	data       DataSource
	logger     *slog.Logger
	maxWidgets int

	mu     sync.Mutex
	panels map[string]*panel
}

// NewWorkspace creates an empty workspace. maxWidgets <= 0 means no limit.
func NewWorkspace(coord Coordinator, data DataSource, maxWidgets int, logger *slog.Logger) *Workspace {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workspace{
		coord:      coord,
		data:       data,
		logger:     logger,
		maxWidgets: maxWidgets,
		panels:     make(map[string]*panel),
	}
}

// Mount creates a panel of the given kind watching symbol.
func (w *Workspace) Mount(kind subscription.ChannelType, symbol string) (View, error) {
	if !kind.Valid() {
		return View{}, fmt.Errorf("unknown widget kind %q", kind)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.maxWidgets > 0 && len(w.panels) >= w.maxWidgets {
		return View{}, ErrTooManyWidgets
	}

	id := uuid.NewString()
	b := NewBinding(w.coord, kind, id)
	if err := b.Mount(symbol); err != nil {
		return View{}, err
	}

	p := &panel{id: id, binding: b, mountedAt: time.Now().UTC()}
	w.panels[id] = p

	w.logger.Info("widget mounted", "widget", id, "kind", string(kind), "symbol", symbol)
	return w.view(p, true), nil
}

// Switch changes the symbol a panel watches.
func (w *Workspace) Switch(id, symbol string) (View, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.panels[id]
	if !ok {
		return View{}, ErrWidgetNotFound
	}

	old := p.binding.Symbol()
	if err := p.binding.SetSymbol(symbol); err != nil {
		return View{}, err
	}
	if old != symbol {
		w.logger.Info("widget market changed", "widget", id, "from", old, "to", symbol)
	}
	return w.view(p, true), nil
}

// Unmount removes a panel and releases its symbol.
func (w *Workspace) Unmount(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.panels[id]
	if !ok {
		return ErrWidgetNotFound
	}
	if err := p.binding.Unmount(); err != nil {
		return err
	}
	delete(w.panels, id)

	w.logger.Info("widget unmounted", "widget", id, "symbol", p.binding.Symbol())
	return nil
}

// UnmountAll removes every panel, returning the first error.
func (w *Workspace) UnmountAll() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	for id, p := range w.panels {
		if err := p.binding.Unmount(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unmount %s: %w", id, err)
		}
		delete(w.panels, id)
	}
	return firstErr
}

// Get returns one panel including its book or tape.
func (w *Workspace) Get(id string) (View, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.panels[id]
	if !ok {
		return View{}, ErrWidgetNotFound
	}
	return w.view(p, true), nil
}

// List returns all panels without data, oldest first.
func (w *Workspace) List() []View {
	w.mu.Lock()
	defer w.mu.Unlock()

	views := make([]View, 0, len(w.panels))
	for _, p := range w.panels {
		views = append(views, w.view(p, false))
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].MountedAt.Equal(views[j].MountedAt) {
			return views[i].ID < views[j].ID
		}
		return views[i].MountedAt.Before(views[j].MountedAt)
	})
	return views
}

// Len returns the number of mounted panels.
func (w *Workspace) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.panels)
}

func (w *Workspace) view(p *panel, withData bool) View {
	b := p.binding
	v := View{
		ID:        p.id,
		Kind:      b.Channel(),
		Symbol:    b.Symbol(),
		Online:    b.Online(),
		Loading:   b.Loading(),
		MountedAt: p.mountedAt,
	}
	if !withData || w.data == nil || v.Loading {
		return v
	}

	switch v.Kind {
	case subscription.ChannelBook:
		if bv, ok := w.data.Book(v.Symbol); ok {
			v.Book = &bv
		}
	case subscription.ChannelTrades:
		if tv, ok := w.data.Tape(v.Symbol); ok {
			v.Tape = &tv
		}
	}
	return v
}
