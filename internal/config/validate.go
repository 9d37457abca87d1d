package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
)

var (
	validPrecisions  = []string{"P0", "P1", "P2", "P3", "P4", "R0"}
	validFrequencies = []string{"F0", "F1"}
	validBookLengths = []string{"1", "25", "100", "250"}
	validLogLevels   = []string{"debug", "info", "warn", "error"}
	validLogFormats  = []string{"text", "json"}
	validKinds       = []string{"book", "trades"}
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if err := c.Feed.validate(); err != nil {
		return err
	}

	if c.Widgets.Max < 0 {
		return errors.New("widgets.max must be >= 0")
	}
	if c.Widgets.TradesLimit < 1 {
		return errors.New("widgets.trades_limit must be >= 1")
	}
	if c.Widgets.Max > 0 && len(c.Widgets.Initial) > c.Widgets.Max {
		return fmt.Errorf("widgets.initial has %d entries, more than widgets.max (%d)", len(c.Widgets.Initial), c.Widgets.Max)
	}
	for i, w := range c.Widgets.Initial {
		if !slices.Contains(validKinds, w.Kind) {
			return fmt.Errorf("widgets.initial[%d].kind must be book or trades, got %q", i, w.Kind)
		}
		if w.Symbol == "" {
			return fmt.Errorf("widgets.initial[%d].symbol is required", i)
		}
	}

	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}

	if !slices.Contains(validLogLevels, c.Log.Level) {
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	if !slices.Contains(validLogFormats, c.Log.Format) {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	if c.Recorder.Enabled {
		if c.Recorder.BatchSize < 1 {
			return errors.New("recorder.batch_size must be >= 1")
		}
		if c.Recorder.BufferSize < 1 {
			return errors.New("recorder.buffer_size must be >= 1")
		}
		if err := c.Recorder.Database.validate("recorder.database"); err != nil {
			return err
		}
	}

	return nil
}

func (f *FeedConfig) validate() error {
	if f.URL == "" {
		return errors.New("feed.url is required")
	}
	u, err := url.Parse(f.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("feed.url must be a ws:// or wss:// url, got %q", f.URL)
	}
	if !slices.Contains(validPrecisions, f.BookPrecision) {
		return fmt.Errorf("feed.book_precision must be one of P0-P4 or R0, got %q", f.BookPrecision)
	}
	if !slices.Contains(validFrequencies, f.BookFrequency) {
		return fmt.Errorf("feed.book_frequency must be F0 or F1, got %q", f.BookFrequency)
	}
	if !slices.Contains(validBookLengths, f.BookLength) {
		return fmt.Errorf("feed.book_length must be one of 1, 25, 100, 250, got %q", f.BookLength)
	}
	if f.ReconnectMaxDelay < f.ReconnectBaseDelay {
		return fmt.Errorf("feed.reconnect_max_delay (%s) cannot be less than reconnect_base_delay (%s)",
			f.ReconnectMaxDelay, f.ReconnectBaseDelay)
	}
	if f.ReadTimeout <= f.PingInterval {
		return fmt.Errorf("feed.read_timeout (%s) must exceed ping_interval (%s)", f.ReadTimeout, f.PingInterval)
	}
	if f.BufferSize < 1 {
		return errors.New("feed.buffer_size must be >= 1")
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
