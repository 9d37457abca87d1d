package subscription

import (
	"log/slog"
	"sync"
)

// ChangeBufferSize is the capacity of the StateChange channel.
const ChangeBufferSize = 1000

// interestKey identifies the single symbol a widget holds on a channel.
type interestKey struct {
	widget  string
	channel ChannelType
}

// Coordinator reference counts widget interest and drives wire
// subscriptions through one Driver per channel type.
//
// Every operation holds mu for its whole duration, including the driver
// calls it triggers, so operations never interleave on the same key.
// Drivers must not call back into the Coordinator from inside Subscribe
// or Unsubscribe.
type Coordinator struct {
	logger *slog.Logger

	mu        sync.Mutex
	reg       *registry
	interests map[interestKey]string
	drivers   map[ChannelType]Driver
	live      bool
	stats     Stats

	changes chan StateChange
}

// NewCoordinator creates a Coordinator with no drivers and the connection
// considered down until ReportConnectionState(true) arrives.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		logger:    logger,
		reg:       newRegistry(),
		interests: make(map[interestKey]string),
		drivers:   make(map[ChannelType]Driver),
		changes:   make(chan StateChange, ChangeBufferSize),
	}
}

// RegisterDriver installs the driver for a channel type, replacing any
// previous one.
func (c *Coordinator) RegisterDriver(channel ChannelType, d Driver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drivers[channel] = d
}

// Acquire records that widgetID watches symbol on channel. The first holder
// of a key triggers a wire subscribe when the feed is live; otherwise the
// subscribe is deferred to the next reconnect replay.
func (c *Coordinator) Acquire(channel ChannelType, symbol, widgetID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := Key{Channel: channel, Symbol: symbol}
	if err := c.checkLocked("acquire", key, widgetID); err != nil {
		return err
	}

	ik := interestKey{widget: widgetID, channel: channel}
	if held, ok := c.interests[ik]; ok {
		return logicErr("acquire", key, widgetID, "widget already holds "+held+" on this channel")
	}

	c.acquireLocked(key)
	c.interests[ik] = symbol

	return nil
}

// Release drops widgetID's interest in symbol. The last holder of a key
// triggers a wire unsubscribe, even if the subscribe is still unacknowledged.
func (c *Coordinator) Release(channel ChannelType, symbol, widgetID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := Key{Channel: channel, Symbol: symbol}
	ik := interestKey{widget: widgetID, channel: channel}

	held, ok := c.interests[ik]
	if !ok {
		return logicErr("release", key, widgetID, "widget holds nothing on this channel")
	}
	if held != symbol {
		return logicErr("release", key, widgetID, "widget holds "+held+", not "+symbol)
	}

	if err := c.releaseLocked(key); err != nil {
		return err
	}
	delete(c.interests, ik)

	return nil
}

// SwitchSymbol moves widgetID from oldSymbol to newSymbol on channel.
// The new symbol is acquired before the old one is released so a key that
// another widget still holds never drops to zero in between.
func (c *Coordinator) SwitchSymbol(channel ChannelType, oldSymbol, newSymbol, widgetID string) error {
	if oldSymbol == newSymbol {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	newKey := Key{Channel: channel, Symbol: newSymbol}
	oldKey := Key{Channel: channel, Symbol: oldSymbol}
	if err := c.checkLocked("switch", newKey, widgetID); err != nil {
		return err
	}

	ik := interestKey{widget: widgetID, channel: channel}
	held, ok := c.interests[ik]
	if !ok || held != oldSymbol {
		return logicErr("switch", oldKey, widgetID, "widget does not hold "+oldSymbol)
	}

	c.acquireLocked(newKey)
	if err := c.releaseLocked(oldKey); err != nil {
		return err
	}
	c.interests[ik] = newSymbol

	c.logger.Debug("widget switched symbol",
		"channel", channel,
		"widget", widgetID,
		"old", oldSymbol,
		"new", newSymbol,
	)

	return nil
}

// checkLocked validates arguments common to acquire and switch.
func (c *Coordinator) checkLocked(op string, key Key, widgetID string) error {
	if widgetID == "" {
		return logicErr(op, key, widgetID, "empty widget id")
	}
	if key.Symbol == "" {
		return logicErr(op, key, widgetID, "empty symbol")
	}
	if _, ok := c.drivers[key.Channel]; !ok {
		return logicErr(op, key, widgetID, "no driver for channel")
	}
	return nil
}

// acquireLocked increments key and subscribes on the 0→1 transition.
func (c *Coordinator) acquireLocked(key Key) {
	e, wasZero := c.reg.increment(key)
	if !wasZero {
		return
	}

	if c.live {
		e.WireState = SubscribePending
		c.subscribeLocked(key)
	} else {
		c.logger.Debug("feed unavailable, deferring subscribe", "key", key)
	}
	c.notifyLocked(key)
}

// releaseLocked decrements key and unsubscribes on the 1→0 transition.
func (c *Coordinator) releaseLocked(key Key) error {
	last, becameZero, err := c.reg.decrement(key)
	if err != nil {
		return err
	}
	if !becameZero {
		return nil
	}

	if last.WireState == SubscribePending || last.WireState == Subscribed {
		c.stats.Unsubscribes++
		c.drivers[key.Channel].Unsubscribe(key.Symbol)
		c.logger.Debug("unsubscribe issued", "key", key, "wire_state", last.WireState)
	}

	c.sendChange(StateChange{Key: key, Loading: true, Removed: true})
	return nil
}

func (c *Coordinator) subscribeLocked(key Key) {
	d, ok := c.drivers[key.Channel]
	if !ok {
		c.logger.Error("no driver for active key", "key", key)
		return
	}
	c.stats.Subscribes++
	d.Subscribe(key.Symbol)
	c.logger.Debug("subscribe issued", "key", key)
}

// IsOnline reports whether key is acknowledged on a live connection.
func (c *Coordinator) IsOnline(channel ChannelType, symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.reg.get(Key{Channel: channel, Symbol: symbol})
	return c.live && e != nil && e.WireState == Subscribed
}

// HasSnapshot reports whether the feed delivered a full snapshot for key
// since its last subscribe.
func (c *Coordinator) HasSnapshot(channel ChannelType, symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.reg.get(Key{Channel: channel, Symbol: symbol})
	return e != nil && e.SnapshotReceived
}

// IsLive returns the last reported connection state.
func (c *Coordinator) IsLive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

// RefCount returns the number of widgets holding key.
func (c *Coordinator) RefCount(channel ChannelType, symbol string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e := c.reg.get(Key{Channel: channel, Symbol: symbol}); e != nil {
		return e.RefCount
	}
	return 0
}

// Lookup returns a copy of the entry for key.
func (c *Coordinator) Lookup(channel ChannelType, symbol string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.reg.get(Key{Channel: channel, Symbol: symbol})
	if e == nil {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns a sorted copy of every registry entry.
func (c *Coordinator) Entries() []EntryInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.reg.activeKeys("")
	result := make([]EntryInfo, 0, len(keys))
	for _, k := range keys {
		result = append(result, EntryInfo{Key: k, Entry: *c.reg.get(k)})
	}
	return result
}

// Stats returns current counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Live = c.live
	s.Keys = c.reg.len()
	s.Interests = len(c.interests)
	return s
}

// Changes returns the channel of derived state changes. When the reader
// falls behind the oldest change is dropped.
func (c *Coordinator) Changes() <-chan StateChange {
	return c.changes
}

// ReportSubscribed marks key acknowledged by the feed.
func (c *Coordinator) ReportSubscribed(channel ChannelType, symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := Key{Channel: channel, Symbol: symbol}
	e := c.reg.get(key)
	if e == nil {
		c.logger.Debug("subscribed ack for released key", "key", key)
		return
	}
	if e.WireState == Subscribed {
		return
	}

	e.WireState = Subscribed
	c.notifyLocked(key)
}

// ReportSnapshot marks that the feed delivered the initial snapshot for key.
// A snapshot is proof of subscription, so the key also becomes Subscribed.
func (c *Coordinator) ReportSnapshot(channel ChannelType, symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := Key{Channel: channel, Symbol: symbol}
	e := c.reg.get(key)
	if e == nil || !c.live {
		return
	}
	if e.SnapshotReceived && e.WireState == Subscribed {
		return
	}

	e.WireState = Subscribed
	e.SnapshotReceived = true
	c.notifyLocked(key)
}

// ReportUnsubscribed records that the feed no longer streams key.
func (c *Coordinator) ReportUnsubscribed(channel ChannelType, symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := Key{Channel: channel, Symbol: symbol}
	e := c.reg.get(key)
	if e == nil {
		return
	}

	c.logger.Warn("feed dropped a subscription that is still held",
		"key", key,
		"refcount", e.RefCount,
	)
	e.WireState = Unsubscribed
	e.SnapshotReceived = false
	c.notifyLocked(key)
}

// ReportSubscribeFailed records a feed-side rejection. The wire state is
// left as is; the next replay or re-acquire retries.
func (c *Coordinator) ReportSubscribeFailed(channel ChannelType, symbol string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.FeedFailures++

	key := Key{Channel: channel, Symbol: symbol}
	e := c.reg.get(key)
	if e == nil {
		return
	}
	c.logger.Warn("subscribe failed",
		"key", key,
		"wire_state", e.WireState,
		"error", err,
	)
}

// ReportConnectionState handles feed connectivity transitions. Going live
// replays every held key; going down only clears snapshot flags.
func (c *Coordinator) ReportConnectionState(live bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if live == c.live {
		return
	}
	c.live = live

	keys := c.reg.activeKeys("")

	if !live {
		for _, k := range keys {
			c.reg.get(k).SnapshotReceived = false
			c.notifyLocked(k)
		}
		c.logger.Info("feed connection lost", "held_keys", len(keys))
		return
	}

	c.stats.Replays++
	for _, k := range keys {
		e := c.reg.get(k)
		e.WireState = SubscribePending
		e.SnapshotReceived = false
		c.subscribeLocked(k)
		c.notifyLocked(k)
	}
	c.logger.Info("feed connection live, replayed subscriptions", "keys", len(keys))
}

// notifyLocked emits the current derived state of key.
func (c *Coordinator) notifyLocked(key Key) {
	e := c.reg.get(key)
	if e == nil {
		return
	}
	c.sendChange(StateChange{
		Key:     key,
		Online:  c.live && e.WireState == Subscribed,
		Loading: !e.SnapshotReceived,
	})
}

// sendChange is non-blocking: when the channel is full the oldest change is
// dropped. Callers hold mu, so there is a single sender at a time.
func (c *Coordinator) sendChange(change StateChange) {
	select {
	case c.changes <- change:
		return
	default:
	}

	select {
	case <-c.changes:
		c.stats.DroppedChanges++
	default:
	}
	select {
	case c.changes <- change:
	default:
		c.stats.DroppedChanges++
	}
}
