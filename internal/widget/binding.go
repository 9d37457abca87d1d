package widget

import (
	"errors"
	"sync"

	"github.com/rickgao/panelfeed/internal/subscription"
)

// Errors
var (
	ErrNotMounted     = errors.New("widget not mounted")
	ErrAlreadyMounted = errors.New("widget already mounted")
)

// Coordinator is the part of the subscription coordinator a binding uses.
type Coordinator interface {
	Acquire(channel subscription.ChannelType, symbol, widgetID string) error
	Release(channel subscription.ChannelType, symbol, widgetID string) error
	SwitchSymbol(channel subscription.ChannelType, oldSymbol, newSymbol, widgetID string) error
	IsOnline(channel subscription.ChannelType, symbol string) bool
	HasSnapshot(channel subscription.ChannelType, symbol string) bool
}

// Binding ties one widget instance to the coordinator. Mount acquires,
// SetSymbol switches (acquiring the new symbol before releasing the old
// one), Unmount releases.
type Binding struct {
	coord    Coordinator
	channel  subscription.ChannelType
	widgetID string

	mu      sync.Mutex
	symbol  string
	mounted bool
}

// NewBinding creates an unmounted binding.
func NewBinding(coord Coordinator, channel subscription.ChannelType, widgetID string) *Binding {
	return &Binding{
		coord:    coord,
		channel:  channel,
		widgetID: widgetID,
	}
}

// Mount acquires the initial symbol.
func (b *Binding) Mount(symbol string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.mounted {
		return ErrAlreadyMounted
	}
	if err := b.coord.Acquire(b.channel, symbol, b.widgetID); err != nil {
		return err
	}
	b.symbol = symbol
	b.mounted = true
	return nil
}

// SetSymbol switches the watched symbol. Selecting the current symbol is a no-op.
func (b *Binding) SetSymbol(symbol string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.mounted {
		return ErrNotMounted
	}
	if symbol == b.symbol {
		return nil
	}
	if err := b.coord.SwitchSymbol(b.channel, b.symbol, symbol, b.widgetID); err != nil {
		return err
	}
	b.symbol = symbol
	return nil
}

// Unmount releases the current symbol.
func (b *Binding) Unmount() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.mounted {
		return ErrNotMounted
	}
	if err := b.coord.Release(b.channel, b.symbol, b.widgetID); err != nil {
		return err
	}
	b.mounted = false
	return nil
}

// Symbol returns the watched symbol.
func (b *Binding) Symbol() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.symbol
}

// Channel returns the binding's channel type.
func (b *Binding) Channel() subscription.ChannelType {
	return b.channel
}

// Mounted reports whether the binding currently holds a symbol.
func (b *Binding) Mounted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mounted
}

// Online reports whether the watched symbol is subscribed on a live feed.
func (b *Binding) Online() bool {
	b.mu.Lock()
	sym, mounted := b.symbol, b.mounted
	b.mu.Unlock()
	return mounted && b.coord.IsOnline(b.channel, sym)
}

// Loading reports whether the watched symbol has no snapshot yet.
func (b *Binding) Loading() bool {
	b.mu.Lock()
	sym, mounted := b.symbol, b.mounted
	b.mu.Unlock()
	return !mounted || !b.coord.HasSnapshot(b.channel, sym)
}
