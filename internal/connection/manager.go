package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/panelfeed/internal/subscription"
)

// Manager owns the feed connection and the channel drivers.
type Manager interface {
	// Start dials the feed and keeps it connected until ctx is done or Stop.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the connection.
	Stop(ctx context.Context) error

	// Driver returns the driver for a channel type, or nil.
	Driver(channel subscription.ChannelType) *ChannelDriver

	// IsConnected returns whether a feed connection is currently up.
	IsConnected() bool

	// Stats returns current connection and driver statistics.
	Stats() ManagerStats
}

// manager implements the Manager interface.
type manager struct {
	cfg      ManagerConfig
	reporter subscription.Reporter
	logger   *slog.Logger

	drivers map[subscription.ChannelType]*ChannelDriver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	clientMu sync.RWMutex
	client   Client

	reconnects atomic.Int64
	frames     atomic.Int64
	unrouted   atomic.Int64
}

// NewManager creates a feed Manager with one driver per known channel type.
// Drivers report to reporter and forward channel data to sink.
func NewManager(cfg ManagerConfig, reporter subscription.Reporter, sink DataSink, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &manager{
		cfg:      cfg,
		reporter: reporter,
		logger:   logger,
		drivers:  make(map[subscription.ChannelType]*ChannelDriver),
	}
	for _, ch := range []subscription.ChannelType{subscription.ChannelBook, subscription.ChannelTrades} {
		m.drivers[ch] = NewChannelDriver(ch, cfg.Book, m.send, reporter, sink, logger)
	}
	return m
}

// Start launches the connection loop. A failed first dial is not fatal;
// the loop keeps retrying with backoff.
func (m *manager) Start(ctx context.Context) error {
	if m.cfg.Client.URL == "" {
		return fmt.Errorf("feed url is required")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.run()

	m.logger.Info("feed manager started", "url", m.cfg.Client.URL)
	return nil
}

// Stop gracefully shuts down.
func (m *manager) Stop(ctx context.Context) error {
	m.logger.Info("stopping feed manager")

	if m.cancel != nil {
		m.cancel()
	}

	// Wait for goroutines with timeout
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, forcing close")
	}

	if c := m.swapClient(nil); c != nil {
		c.Close()
	}

	m.logger.Info("feed manager stopped")
	return nil
}

// Driver returns the driver for a channel type.
func (m *manager) Driver(channel subscription.ChannelType) *ChannelDriver {
	return m.drivers[channel]
}

// IsConnected returns whether a client is installed and connected.
func (m *manager) IsConnected() bool {
	m.clientMu.RLock()
	defer m.clientMu.RUnlock()
	return m.client != nil && m.client.IsConnected()
}

// Stats returns current statistics.
func (m *manager) Stats() ManagerStats {
	s := ManagerStats{
		Connected:  m.IsConnected(),
		Reconnects: m.reconnects.Load(),
		Frames:     m.frames.Load(),
		Unrouted:   m.unrouted.Load(),
		Drivers:    make(map[subscription.ChannelType]DriverStats, len(m.drivers)),
	}
	for ch, d := range m.drivers {
		s.Drivers[ch] = d.Stats()
	}
	return s
}

func (m *manager) send(data []byte) error {
	m.clientMu.RLock()
	c := m.client
	m.clientMu.RUnlock()

	if c == nil {
		return ErrNotConnected
	}
	return c.Send(data)
}

func (m *manager) swapClient(c Client) Client {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()
	old := m.client
	m.client = c
	return old
}

// run dials, serves, and redials with exponential backoff until the
// context is cancelled.
func (m *manager) run() {
	defer m.wg.Done()

	wait := m.cfg.ReconnectBaseWait
	maxWait := m.cfg.ReconnectMaxWait

	for attempt := 0; ; attempt++ {
		if m.ctx.Err() != nil {
			return
		}

		c := NewClient(m.cfg.Client, m.logger)
		if err := c.Connect(m.ctx); err != nil {
			m.logger.Warn("feed connect failed",
				"attempt", attempt,
				"retry_in", wait,
				"error", err,
			)
			if !m.sleep(wait) {
				return
			}
			wait = nextWait(wait, maxWait)
			continue
		}

		wait = m.cfg.ReconnectBaseWait
		if attempt > 0 {
			m.reconnects.Add(1)
		}
		m.logger.Info("feed connected", "attempt", attempt)

		// Replay runs before the read loop; responses queue in the client buffer.
		m.swapClient(c)
		m.reporter.ReportConnectionState(true)

		err := m.readLoop(c)

		m.swapClient(nil)
		c.Close()
		m.reporter.ReportConnectionState(false)
		for _, d := range m.drivers {
			d.reset()
		}

		if m.ctx.Err() != nil {
			return
		}
		m.logger.Warn("feed connection lost", "error", err, "retry_in", wait)
		if !m.sleep(wait) {
			return
		}
		wait = nextWait(wait, maxWait)
	}
}

func (m *manager) sleep(d time.Duration) bool {
	select {
	case <-m.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextWait(wait, maxWait time.Duration) time.Duration {
	wait *= 2
	if maxWait > 0 && wait > maxWait {
		wait = maxWait
	}
	return wait
}

// readLoop dispatches frames until the connection fails or ctx is done.
func (m *manager) readLoop(c Client) error {
	for {
		select {
		case <-m.ctx.Done():
			return m.ctx.Err()

		case err := <-c.Errors():
			return err

		case msg := <-c.Messages():
			if err := m.dispatch(msg); err != nil {
				return err
			}
		}
	}
}

// dispatch routes one frame: objects are events, arrays are channel data.
func (m *manager) dispatch(msg TimestampedMessage) error {
	data := bytes.TrimSpace(msg.Data)
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case '{':
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			m.logger.Warn("failed to parse event", "error", err, "data", string(data))
			return nil
		}
		return m.handleEvent(&ev)

	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(data, &elems); err != nil || len(elems) == 0 {
			m.logger.Warn("failed to parse data frame", "data", string(data))
			return nil
		}
		var chanID int64
		if err := json.Unmarshal(elems[0], &chanID); err != nil {
			m.logger.Warn("data frame without channel id", "data", string(data))
			return nil
		}
		m.frames.Add(1)
		for _, d := range m.drivers {
			if d.handleData(chanID, elems[1:], msg.ReceivedAt) {
				return nil
			}
		}
		m.unrouted.Add(1)
		m.logger.Debug("data for unknown channel", "chan_id", chanID)
		return nil

	default:
		m.logger.Warn("unrecognized frame", "data", string(data))
		return nil
	}
}

func (m *manager) handleEvent(ev *Event) error {
	switch ev.Event {
	case "info":
		switch ev.Code {
		case 0:
			status := -1
			if ev.Platform != nil {
				status = ev.Platform.Status
			}
			m.logger.Info("feed info", "version", ev.Version, "platform_status", status)
		case InfoCodeReconnect:
			m.logger.Warn("feed requested reconnect", "msg", ev.Msg)
			return ErrReconnectRequested
		case InfoCodeMaintenanceStart:
			m.logger.Warn("feed maintenance started", "msg", ev.Msg)
		case InfoCodeMaintenanceEnd:
			// Channels may have been dropped during maintenance
			m.logger.Info("feed maintenance ended, reconnecting", "msg", ev.Msg)
			return ErrReconnectRequested
		default:
			m.logger.Info("feed info", "code", ev.Code, "msg", ev.Msg)
		}

	case "subscribed":
		d := m.drivers[subscription.ChannelType(ev.Channel)]
		if d == nil {
			m.logger.Warn("subscribed to unknown channel", "channel", ev.Channel, "chan_id", ev.ChanID)
			return nil
		}
		d.handleSubscribed(ev.ChanID, ev.Symbol)

	case "unsubscribed":
		for _, d := range m.drivers {
			if d.handleUnsubscribed(ev.ChanID) {
				return nil
			}
		}
		m.logger.Debug("unsubscribed unknown channel", "chan_id", ev.ChanID)

	case "error":
		err := &FeedError{Code: ev.Code, Message: ev.Msg}
		d := m.drivers[subscription.ChannelType(ev.Channel)]
		if d == nil || ev.Symbol == "" {
			m.logger.Warn("feed error", "channel", ev.Channel, "code", ev.Code, "msg", ev.Msg)
			return nil
		}
		d.handleError(ev.Symbol, err)

	case "pong":
		m.logger.Debug("pong")

	default:
		m.logger.Debug("unhandled event", "event", ev.Event)
	}
	return nil
}
