package config

import "time"

// Config is the root configuration for a panelfeed instance.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	Feed     FeedConfig     `yaml:"feed"`
	Widgets  WidgetsConfig  `yaml:"widgets"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
	Recorder RecorderConfig `yaml:"recorder"`
}

// InstanceConfig identifies this instance in logs.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// FeedConfig holds the market-data feed connection settings.
type FeedConfig struct {
	URL                string        `yaml:"url"`
	BookPrecision      string        `yaml:"book_precision"` // P0..P4, R0
	BookFrequency      string        `yaml:"book_frequency"` // F0, F1
	BookLength         string        `yaml:"book_length"`    // 1, 25, 100, 250
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	ReadTimeout        time.Duration `yaml:"read_timeout"` // No traffic for this long marks the connection stale
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	BufferSize         int           `yaml:"buffer_size"`
}

// WidgetsConfig holds workspace settings.
type WidgetsConfig struct {
	Max         int             `yaml:"max"` // 0 = unlimited
	TradesLimit int             `yaml:"trades_limit"`
	Initial     []InitialWidget `yaml:"initial"`
}

// InitialWidget is a panel mounted at startup.
type InitialWidget struct {
	Kind   string `yaml:"kind"` // book or trades
	Symbol string `yaml:"symbol"`
}

// HTTPConfig holds the HTTP server settings.
type HTTPConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// RecorderConfig holds the trade archive settings.
type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
	Database      DBConfig      `yaml:"database"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}
