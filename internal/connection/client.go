package connection

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one websocket session with the feed. It is not reusable:
// the Manager dials a fresh Client for every connection attempt.
type Client interface {
	Connect(ctx context.Context) error
	Close() error

	// Send writes one text frame.
	Send(data []byte) error

	// Messages delivers every inbound frame, stamped with its local receive time.
	Messages() <-chan TimestampedMessage

	// Errors delivers at most one error: the one that ended the session.
	Errors() <-chan error

	IsConnected() bool
}

const (
	stateIdle int32 = iota
	stateOpen
	stateClosed
)

type wsClient struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn *websocket.Conn // Published by the idle→open transition

	frames    chan TimestampedMessage
	failures  chan error
	stop      chan struct{}
	closeOnce sync.Once

	// gorilla allows a single concurrent writer
	sendMu sync.Mutex

	state    atomic.Int32
	lost     atomic.Bool  // Read loop exited
	lastSeen atomic.Int64 // Unix nanos of the last inbound frame, ping or pong
	dropped  atomic.Int64
}

// NewClient creates an unconnected Client.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultClientConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaults.BufferSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}

	return &wsClient{
		cfg:      cfg,
		logger:   logger.With("url", cfg.URL),
		frames:   make(chan TimestampedMessage, cfg.BufferSize),
		failures: make(chan error, 1),
		stop:     make(chan struct{}),
	}
}

// Connect dials the feed and starts the read and keepalive goroutines.
func (c *wsClient) Connect(ctx context.Context) error {
	if c.state.Load() == stateClosed {
		return ErrAlreadyClosed
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, http.Header{"Accept": {"application/json"}})
	if err != nil {
		return err
	}

	conn.SetPingHandler(func(payload string) error {
		c.seen(time.Now())
		return c.writeControl(conn, websocket.PongMessage, []byte(payload))
	})
	conn.SetPongHandler(func(string) error {
		c.seen(time.Now())
		return nil
	})

	c.conn = conn
	c.seen(time.Now())
	if !c.state.CompareAndSwap(stateIdle, stateOpen) {
		// Closed while dialing
		conn.Close()
		return ErrAlreadyClosed
	}

	go c.readLoop()
	go c.keepalive()

	c.logger.Debug("websocket connected")
	return nil
}

// Close sends a close frame and releases the socket. It is safe to call
// more than once.
func (c *wsClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		prev := c.state.Swap(stateClosed)
		close(c.stop)
		if prev != stateOpen {
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.writeControl(c.conn, websocket.CloseMessage, msg)
		err = c.conn.Close()
	})
	return err
}

func (c *wsClient) Send(data []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) Messages() <-chan TimestampedMessage { return c.frames }

func (c *wsClient) Errors() <-chan error { return c.failures }

func (c *wsClient) IsConnected() bool {
	return c.state.Load() == stateOpen && !c.lost.Load()
}

func (c *wsClient) writeControl(conn *websocket.Conn, kind int, payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return conn.WriteControl(kind, payload, time.Now().Add(c.cfg.WriteTimeout))
}

func (c *wsClient) seen(t time.Time) {
	c.lastSeen.Store(t.UnixNano())
}

func (c *wsClient) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastSeen.Load()))
}

// fail reports err unless the session is already being torn down by Close.
func (c *wsClient) fail(err error) {
	select {
	case <-c.stop:
		return
	default:
	}
	select {
	case c.failures <- err:
	default:
	}
}

func (c *wsClient) readLoop() {
	defer c.lost.Store(true)

	for {
		_, data, err := c.conn.ReadMessage()
		now := time.Now()
		if err != nil {
			c.fail(err)
			return
		}
		c.seen(now)

		select {
		case c.frames <- TimestampedMessage{Data: data, ReceivedAt: now}:
		case <-c.stop:
			return
		default:
			n := c.dropped.Add(1)
			c.logger.Warn("message buffer full, dropping frame", "dropped_total", n)
		}
	}
}

// keepalive pings on every tick and ends the session once nothing has been
// heard for PingTimeout. Feed heartbeats count as traffic.
func (c *wsClient) keepalive() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			if idle := c.idleFor(now); c.cfg.PingTimeout > 0 && idle > c.cfg.PingTimeout {
				c.logger.Warn("no traffic received, connection stale",
					"idle", idle,
					"timeout", c.cfg.PingTimeout,
				)
				c.fail(ErrStaleConnection)
				return
			}
			if err := c.writeControl(c.conn, websocket.PingMessage, nil); err != nil {
				c.logger.Debug("ping failed", "error", err)
			}
		}
	}
}
