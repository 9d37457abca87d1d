package connection

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/panelfeed/internal/subscription"
)

type request int

const (
	reqNone request = iota
	reqSubscribe
	reqUnsubscribe
)

// symbolState tracks one symbol on the wire. want is the last request made
// by the coordinator; inFlight is the request awaiting acknowledgement.
type symbolState struct {
	want     bool
	inFlight request
	chanID   int64
	snapshot bool
}

// ChannelDriver translates coordinator requests for one channel type into
// feed messages and feed events back into coordinator reports.
//
// The driver collapses request sequences so the feed sees at most one
// outstanding request per symbol. A subscribe that arrives while an
// unsubscribe is in flight is sent once the unsubscribe is acknowledged,
// and an unsubscribe for a pending subscribe is sent once the channel id
// is known. Acknowledgements that no longer match the last request are
// not reported.
type ChannelDriver struct {
	channel  subscription.ChannelType
	book     BookParams
	send     func([]byte) error
	reporter subscription.Reporter
	sink     DataSink
	logger   *slog.Logger

	mu      sync.Mutex
	symbols map[string]*symbolState
	byChan  map[int64]string
	stats   DriverStats
}

// NewChannelDriver creates a driver for one channel type. send writes a frame
// to the current connection; sink may be nil.
func NewChannelDriver(
	channel subscription.ChannelType,
	book BookParams,
	send func([]byte) error,
	reporter subscription.Reporter,
	sink DataSink,
	logger *slog.Logger,
) *ChannelDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelDriver{
		channel:  channel,
		book:     book,
		send:     send,
		reporter: reporter,
		sink:     sink,
		logger:   logger.With("channel", string(channel)),
		symbols:  make(map[string]*symbolState),
		byChan:   make(map[int64]string),
	}
}

// Channel returns the channel type this driver serves.
func (d *ChannelDriver) Channel() subscription.ChannelType {
	return d.channel
}

// Subscribe requests the channel for symbol. It never reports synchronously.
func (d *ChannelDriver) Subscribe(symbol string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.symbols[symbol]
	if st == nil {
		st = &symbolState{}
		d.symbols[symbol] = st
	}
	st.want = true

	switch {
	case st.inFlight == reqSubscribe, st.chanID != 0 && st.inFlight == reqNone:
		d.stats.Suppressed++
	case st.inFlight == reqUnsubscribe:
		// Resubscribed on the unsubscribed ack
		d.stats.Suppressed++
	default:
		d.sendSubscribeLocked(symbol, st)
	}
}

// Unsubscribe releases the channel for symbol. It never reports synchronously.
func (d *ChannelDriver) Unsubscribe(symbol string) {
	d.mu.Lock()

	st := d.symbols[symbol]
	if st == nil {
		d.stats.Suppressed++
		d.mu.Unlock()
		return
	}
	st.want = false

	forget := false
	switch {
	case st.inFlight == reqUnsubscribe:
		d.stats.Suppressed++
	case st.inFlight == reqSubscribe:
		// Sent on the subscribed ack, once the channel id is known
		d.stats.Suppressed++
	case st.chanID != 0:
		d.sendUnsubscribeLocked(symbol, st)
	default:
		// Nothing on the wire, e.g. the connection dropped since the subscribe
		delete(d.symbols, symbol)
		forget = true
	}
	d.mu.Unlock()

	if forget && d.sink != nil {
		d.sink.Clear(d.channel, symbol)
	}
}

func (d *ChannelDriver) sendSubscribeLocked(symbol string, st *symbolState) {
	req := SubscribeRequest{
		Event:   "subscribe",
		Channel: string(d.channel),
		Symbol:  symbol,
	}
	if d.channel == subscription.ChannelBook {
		req.Prec = d.book.Precision
		req.Freq = d.book.Frequency
		req.Len = d.book.Length
	}

	data, err := json.Marshal(req)
	if err != nil {
		d.logger.Error("failed to marshal subscribe", "symbol", symbol, "error", err)
		return
	}
	if err := d.send(data); err != nil {
		// The connection is going down; the reconnect replay subscribes again.
		d.stats.SendErrors++
		d.logger.Warn("subscribe not sent", "symbol", symbol, "error", err)
		return
	}

	st.inFlight = reqSubscribe
	d.stats.SubscribesSent++
	d.logger.Debug("subscribe sent", "symbol", symbol)
}

func (d *ChannelDriver) sendUnsubscribeLocked(symbol string, st *symbolState) {
	data, err := json.Marshal(UnsubscribeRequest{Event: "unsubscribe", ChanID: st.chanID})
	if err != nil {
		d.logger.Error("failed to marshal unsubscribe", "symbol", symbol, "error", err)
		return
	}
	if err := d.send(data); err != nil {
		d.stats.SendErrors++
		d.logger.Warn("unsubscribe not sent", "symbol", symbol, "chan_id", st.chanID, "error", err)
		return
	}

	st.inFlight = reqUnsubscribe
	d.stats.UnsubscribesSent++
	d.logger.Debug("unsubscribe sent", "symbol", symbol, "chan_id", st.chanID)
}

// handleSubscribed processes a "subscribed" event.
func (d *ChannelDriver) handleSubscribed(chanID int64, symbol string) {
	d.mu.Lock()
	st := d.symbols[symbol]
	if st == nil {
		// Nobody asked for this one
		st = &symbolState{}
		d.symbols[symbol] = st
	}
	st.chanID = chanID
	st.inFlight = reqNone
	st.snapshot = false
	d.byChan[chanID] = symbol

	report := st.want
	if !st.want {
		d.sendUnsubscribeLocked(symbol, st)
	}
	d.mu.Unlock()

	if report {
		d.reporter.ReportSubscribed(d.channel, symbol)
	}
}

// handleUnsubscribed processes an "unsubscribed" event. It returns false if
// chanID does not belong to this driver.
func (d *ChannelDriver) handleUnsubscribed(chanID int64) bool {
	d.mu.Lock()
	symbol, ok := d.byChan[chanID]
	if !ok {
		d.mu.Unlock()
		return false
	}
	delete(d.byChan, chanID)

	st := d.symbols[symbol]
	requested := st.inFlight == reqUnsubscribe
	st.chanID = 0
	st.inFlight = reqNone
	st.snapshot = false

	// A feed-initiated drop is reported and forgotten; the coordinator
	// decides whether to subscribe again.
	report := !st.want || !requested
	if report {
		delete(d.symbols, symbol)
	} else {
		d.sendSubscribeLocked(symbol, st)
	}
	d.mu.Unlock()

	if d.sink != nil {
		d.sink.Clear(d.channel, symbol)
	}
	if report {
		d.reporter.ReportUnsubscribed(d.channel, symbol)
	}
	return true
}

// handleError processes an "error" event for a subscribe request.
func (d *ChannelDriver) handleError(symbol string, err error) {
	d.mu.Lock()
	st := d.symbols[symbol]
	if st == nil || st.inFlight != reqSubscribe {
		d.mu.Unlock()
		d.logger.Warn("feed error for idle symbol", "symbol", symbol, "error", err)
		return
	}
	st.inFlight = reqNone
	report := st.want
	if !st.want {
		delete(d.symbols, symbol)
	}
	d.mu.Unlock()

	if report {
		d.reporter.ReportSubscribeFailed(d.channel, symbol, err)
	}
}

// handleData processes a data frame whose first element was chanID. It
// returns false if chanID does not belong to this driver.
func (d *ChannelDriver) handleData(chanID int64, elems []json.RawMessage, receivedAt time.Time) bool {
	d.mu.Lock()
	symbol, ok := d.byChan[chanID]
	if !ok {
		d.mu.Unlock()
		return false
	}
	st := d.symbols[symbol]

	// Frames still arriving for a channel being torn down belong to the
	// retired subscription, even if the symbol has been wanted again since.
	if len(elems) == 0 || isHeartbeat(elems[0]) || !st.want || st.inFlight == reqUnsubscribe {
		d.mu.Unlock()
		return true
	}

	f := Frame{
		Channel:    d.channel,
		Symbol:     symbol,
		Payload:    elems[0],
		ReceivedAt: receivedAt,
	}
	if kind, isString := parseKind(elems[0]); isString {
		if len(elems) < 2 {
			d.mu.Unlock()
			return true
		}
		f.Kind = kind
		f.Payload = elems[1]
	}
	if f.Kind == "" && !st.snapshot {
		st.snapshot = true
		f.Snapshot = true
	}
	d.stats.Frames++
	d.mu.Unlock()

	if d.sink != nil {
		d.sink.HandleFrame(f)
	}
	if f.Snapshot {
		d.reporter.ReportSnapshot(d.channel, symbol)
	}
	return true
}

// reset forgets all feed-side state after the connection is lost. Symbols
// still wanted are kept so the reconnect replay finds them idle.
func (d *ChannelDriver) reset() {
	d.mu.Lock()
	var released []string
	for symbol, st := range d.symbols {
		if !st.want {
			delete(d.symbols, symbol)
			released = append(released, symbol)
			continue
		}
		st.chanID = 0
		st.inFlight = reqNone
		st.snapshot = false
	}
	d.byChan = make(map[int64]string)
	d.mu.Unlock()

	if d.sink != nil {
		for _, symbol := range released {
			d.sink.Clear(d.channel, symbol)
		}
	}
}

// Stats returns driver statistics.
func (d *ChannelDriver) Stats() DriverStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.stats
	s.Active = len(d.byChan)
	for _, st := range d.symbols {
		if st.inFlight != reqNone {
			s.InFlight++
		}
	}
	return s
}

var heartbeat = []byte(`"hb"`)

func isHeartbeat(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), heartbeat)
}

func parseKind(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
