// panelfeed runs a widget workspace over one shared market-data feed
// connection and serves it over HTTP.
// Usage: go run ./cmd/panelfeed --config configs/panelfeed.example.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/panelfeed/internal/config"
	"github.com/rickgao/panelfeed/internal/connection"
	"github.com/rickgao/panelfeed/internal/database"
	"github.com/rickgao/panelfeed/internal/marketdata"
	"github.com/rickgao/panelfeed/internal/recorder"
	"github.com/rickgao/panelfeed/internal/server"
	"github.com/rickgao/panelfeed/internal/subscription"
	"github.com/rickgao/panelfeed/internal/version"
	"github.com/rickgao/panelfeed/internal/widget"
)

func main() {
	configPath := flag.String("config", "configs/panelfeed.example.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := cfg.Log.NewLogger(os.Stdout).With("instance_id", cfg.Instance.ID)
	slog.SetDefault(logger)

	logger.Info("starting panelfeed",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("panelfeed exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("panelfeed stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	coord := subscription.NewCoordinator(logger)

	storeCfg := marketdata.Config{TradesLimit: cfg.Widgets.TradesLimit}
	if cfg.Recorder.Enabled {
		storeCfg.TapBufferSize = cfg.Recorder.BufferSize
	}
	store := marketdata.NewStore(storeCfg, logger)

	feed := connection.NewManager(managerConfig(cfg.Feed), coord, store, logger)
	coord.RegisterDriver(subscription.ChannelBook, feed.Driver(subscription.ChannelBook))
	coord.RegisterDriver(subscription.ChannelTrades, feed.Driver(subscription.ChannelTrades))

	ws := widget.NewWorkspace(coord, store, cfg.Widgets.Max, logger)
	for _, iw := range cfg.Widgets.Initial {
		kind, err := subscription.ParseChannelType(iw.Kind)
		if err != nil {
			return err
		}
		v, err := ws.Mount(kind, iw.Symbol)
		if err != nil {
			return fmt.Errorf("mount initial %s widget %s: %w", iw.Kind, iw.Symbol, err)
		}
		logger.Info("mounted initial widget", "widget_id", v.ID, "kind", v.Kind, "symbol", v.Symbol)
	}

	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		db := cfg.Recorder.Database
		logger.Info("connecting to database", "host", db.Host, "port", db.Port, "database", db.Name)

		pool, err := database.Connect(ctx, db)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		if err := database.EnsureSchema(ctx, pool); err != nil {
			return err
		}

		rec = recorder.New(recorder.Config{
			BatchSize:     cfg.Recorder.BatchSize,
			FlushInterval: cfg.Recorder.FlushInterval,
			FlushTimeout:  recorder.DefaultConfig().FlushTimeout,
		}, store.Trades(), pool, logger)
		if err := rec.Start(ctx); err != nil {
			return fmt.Errorf("start recorder: %w", err)
		}
	}

	if err := feed.Start(ctx); err != nil {
		return fmt.Errorf("start feed: %w", err)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           server.New(ws, coord, feed, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server", "port", cfg.HTTP.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logChanges(gctx, coord.Changes(), logger)
		return nil
	})

	g.Go(func() error {
		logStats(gctx, coord, feed, store, rec, logger)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown", "error", err)
		}
		if err := ws.UnmountAll(); err != nil {
			logger.Warn("unmount widgets", "error", err)
		}
		if err := feed.Stop(shutdownCtx); err != nil {
			logger.Warn("feed shutdown", "error", err)
		}
		if rec != nil {
			if err := rec.Stop(shutdownCtx); err != nil {
				logger.Warn("recorder shutdown", "error", err)
			}
		}
		return nil
	})

	return g.Wait()
}

func managerConfig(feed config.FeedConfig) connection.ManagerConfig {
	cfg := connection.DefaultManagerConfig()
	cfg.Client.URL = feed.URL
	cfg.Client.PingInterval = feed.PingInterval
	cfg.Client.PingTimeout = feed.ReadTimeout
	cfg.Client.WriteTimeout = feed.WriteTimeout
	cfg.Client.BufferSize = feed.BufferSize
	cfg.Book = connection.BookParams{
		Precision: feed.BookPrecision,
		Frequency: feed.BookFrequency,
		Length:    feed.BookLength,
	}
	cfg.ReconnectBaseWait = feed.ReconnectBaseDelay
	cfg.ReconnectMaxWait = feed.ReconnectMaxDelay
	return cfg
}

func logChanges(ctx context.Context, changes <-chan subscription.StateChange, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch := <-changes:
			logger.Debug("subscription state",
				"key", ch.Key.String(),
				"online", ch.Online,
				"loading", ch.Loading,
				"removed", ch.Removed,
			)
		}
	}
}

func logStats(ctx context.Context, coord *subscription.Coordinator, feed connection.Manager, store *marketdata.Store, rec *recorder.Recorder, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cs := coord.Stats()
			fs := feed.Stats()
			ss := store.Stats()
			args := []any{
				"connected", fs.Connected,
				"reconnects", fs.Reconnects,
				"keys", cs.Keys,
				"interests", cs.Interests,
				"replays", cs.Replays,
				"frames", fs.Frames,
				"unrouted", fs.Unrouted,
				"parse_errors", ss.ParseErrors,
				"tap_dropped", ss.TapDropped,
			}
			if rec != nil {
				rs := rec.Stats()
				args = append(args, "recorded", rs.Inserts, "record_errors", rs.Errors)
			}
			logger.Info("stats", args...)
		}
	}
}
