package subscription

import (
	"errors"
	"fmt"
)

// ChannelType identifies a category of market data subscribed per symbol.
type ChannelType string

const (
	ChannelBook   ChannelType = "book"
	ChannelTrades ChannelType = "trades"
)

// Valid reports whether c is one of the known channel types.
func (c ChannelType) Valid() bool {
	return c == ChannelBook || c == ChannelTrades
}

// ParseChannelType converts a string to a ChannelType.
func ParseChannelType(s string) (ChannelType, error) {
	c := ChannelType(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown channel type %q", s)
	}
	return c, nil
}

// Key identifies one wire subscription.
type Key struct {
	Channel ChannelType
	Symbol  string
}

func (k Key) String() string {
	return string(k.Channel) + ":" + k.Symbol
}

// WireState is the coordinator's belief about a key's subscription on the feed.
type WireState int

const (
	Unsubscribed WireState = iota
	SubscribePending
	Subscribed
)

func (s WireState) String() string {
	switch s {
	case Unsubscribed:
		return "unsubscribed"
	case SubscribePending:
		return "subscribe_pending"
	case Subscribed:
		return "subscribed"
	default:
		return fmt.Sprintf("wire_state(%d)", int(s))
	}
}

// Entry is the registry record for a key with positive interest.
type Entry struct {
	RefCount         int
	WireState        WireState
	SnapshotReceived bool
}

// EntryInfo is a read-only copy of an entry with its key, for debugging.
type EntryInfo struct {
	Key
	Entry
}

// Driver issues wire requests for a single channel type.
// Both calls must return without waiting for the feed; acknowledgements
// arrive later through a Reporter.
type Driver interface {
	Subscribe(symbol string)
	Unsubscribe(symbol string)
}

// Reporter receives channel-level facts from drivers and connectivity
// changes from the feed manager.
type Reporter interface {
	ReportSubscribed(channel ChannelType, symbol string)
	ReportSnapshot(channel ChannelType, symbol string)
	ReportUnsubscribed(channel ChannelType, symbol string)
	ReportSubscribeFailed(channel ChannelType, symbol string, err error)
	ReportConnectionState(live bool)
}

// StateChange is emitted whenever the derived state of a key may have changed.
type StateChange struct {
	Key     Key
	Online  bool
	Loading bool
	Removed bool // Entry pruned (last holder released)
}

// Stats provides counters about the coordinator.
type Stats struct {
	Live           bool
	Keys           int
	Interests      int   // (widget, channel) pairs holding a symbol
	Subscribes     int64 // Driver Subscribe calls issued
	Unsubscribes   int64 // Driver Unsubscribe calls issued
	Replays        int64 // Reconnect replays performed
	FeedFailures   int64
	DroppedChanges int64
}

// ErrLogic marks caller protocol violations.
var ErrLogic = errors.New("subscription protocol violation")

// LogicError describes a caller protocol violation such as a double acquire
// or releasing a symbol that is not held. It matches ErrLogic.
type LogicError struct {
	Op     string
	Key    Key
	Widget string
	Reason string
}

func (e *LogicError) Error() string {
	if e.Widget == "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Key, e.Reason)
	}
	return fmt.Sprintf("%s %s (widget %s): %s", e.Op, e.Key, e.Widget, e.Reason)
}

// Unwrap lets errors.Is(err, ErrLogic) succeed.
func (e *LogicError) Unwrap() error {
	return ErrLogic
}

func logicErr(op string, key Key, widget, reason string) error {
	return &LogicError{Op: op, Key: key, Widget: widget, Reason: reason}
}
