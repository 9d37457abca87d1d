package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/panelfeed/internal/subscription"
)

// Errors
var (
	ErrNotConnected       = errors.New("not connected")
	ErrStaleConnection    = errors.New("connection stale (no traffic)")
	ErrAlreadyClosed      = errors.New("already closed")
	ErrReconnectRequested = errors.New("feed requested reconnect")
)

// FeedError is an "error" event returned by the feed for a request.
type FeedError struct {
	Code    int
	Message string
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("feed error %d: %s", e.Code, e.Message)
}

// Info event codes sent by the feed.
const (
	InfoCodeReconnect        = 20051 // Server restarting, clients should reconnect
	InfoCodeMaintenanceStart = 20060
	InfoCodeMaintenanceEnd   = 20061
)

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw frame from the websocket
	ReceivedAt time.Time // Local time ReadMessage returned
}

// SubscribeRequest is the subscribe event sent to the feed.
type SubscribeRequest struct {
	Event   string `json:"event"` // "subscribe"
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
	Prec    string `json:"prec,omitempty"` // Book only
	Freq    string `json:"freq,omitempty"` // Book only
	Len     string `json:"len,omitempty"`  // Book only
}

// UnsubscribeRequest is the unsubscribe event sent to the feed.
type UnsubscribeRequest struct {
	Event  string `json:"event"` // "unsubscribe"
	ChanID int64  `json:"chanId"`
}

// Event is any JSON object frame from the feed: info, subscribed,
// unsubscribed, error, pong.
type Event struct {
	Event    string    `json:"event"`
	Channel  string    `json:"channel,omitempty"`
	ChanID   int64     `json:"chanId,omitempty"`
	Symbol   string    `json:"symbol,omitempty"`
	Status   string    `json:"status,omitempty"`
	Code     int       `json:"code,omitempty"`
	Msg      string    `json:"msg,omitempty"`
	Version  int       `json:"version,omitempty"`
	Platform *Platform `json:"platform,omitempty"`
}

// Platform is the platform status carried by the first info event.
type Platform struct {
	Status int `json:"status"` // 1 = operative, 0 = maintenance
}

// Frame is one channel data message, already attributed to a symbol.
type Frame struct {
	Channel    subscription.ChannelType
	Symbol     string
	Snapshot   bool            // First data frame after a subscribe
	Kind       string          // "" for book and snapshots, "te"/"tu" for trade updates
	Payload    json.RawMessage // Book level(s) or trade(s)
	ReceivedAt time.Time
}

// DataSink consumes channel data routed by the drivers.
type DataSink interface {
	HandleFrame(f Frame)
	Clear(channel subscription.ChannelType, symbol string)
}

// BookParams are the book subscription options.
type BookParams struct {
	Precision string // "P0".."P4", "R0"
	Frequency string // "F0" realtime, "F1" throttled
	Length    string // Levels per side: "1", "25", "100", "250"
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // Feed URL (e.g., wss://api-pub.bitfinex.com/ws/2)
	HandshakeTimeout time.Duration // Dial handshake deadline
	PingInterval     time.Duration // How often we send a websocket ping
	PingTimeout      time.Duration // Max time without any traffic before the connection is stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     15 * time.Second,
		PingTimeout:      45 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       10000,
	}
}

// ManagerConfig configures the feed Manager.
type ManagerConfig struct {
	Client            ClientConfig
	Book              BookParams
	ReconnectBaseWait time.Duration // First wait after a failed dial or lost connection
	ReconnectMaxWait  time.Duration // Backoff cap
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Client: DefaultClientConfig(),
		Book: BookParams{
			Precision: "P0",
			Frequency: "F0",
			Length:    "25",
		},
		ReconnectBaseWait: 1 * time.Second,
		ReconnectMaxWait:  60 * time.Second,
	}
}

// DriverStats describes one channel driver.
type DriverStats struct {
	Active           int // Symbols with a feed channel id
	InFlight         int // Symbols with a request awaiting acknowledgement
	SubscribesSent   int64
	UnsubscribesSent int64
	Suppressed       int64 // Redundant requests absorbed without a wire message
	SendErrors       int64
	Frames           int64
}

// ManagerStats provides statistics about the feed manager.
type ManagerStats struct {
	Connected  bool
	Reconnects int64
	Frames     int64
	Unrouted   int64 // Data frames for unknown channel ids
	Drivers    map[subscription.ChannelType]DriverStats
}
