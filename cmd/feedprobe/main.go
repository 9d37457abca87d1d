// feedprobe connects to the public feed, subscribes a set of symbols and
// prints subscription state and book/tape summaries to the console.
// Usage: go run ./cmd/feedprobe --symbols tBTCUSD,tETHUSD --channels book,trades
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/panelfeed/internal/config"
	"github.com/rickgao/panelfeed/internal/connection"
	"github.com/rickgao/panelfeed/internal/marketdata"
	"github.com/rickgao/panelfeed/internal/subscription"
)

func main() {
	url := flag.String("url", config.DefaultFeedURL, "feed websocket url")
	symbols := flag.String("symbols", "tBTCUSD", "comma-separated symbols")
	channels := flag.String("channels", "book,trades", "comma-separated channels (book, trades)")
	interval := flag.Duration("interval", 5*time.Second, "summary print interval")
	verbose := flag.Bool("verbose", false, "print full views as JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	var kinds []subscription.ChannelType
	for _, c := range splitList(*channels) {
		kind, err := subscription.ParseChannelType(c)
		if err != nil {
			logger.Error("bad channel", "error", err)
			os.Exit(1)
		}
		kinds = append(kinds, kind)
	}
	syms := splitList(*symbols)
	if len(syms) == 0 || len(kinds) == 0 {
		logger.Error("at least one symbol and one channel are required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coord := subscription.NewCoordinator(logger)
	store := marketdata.NewStore(marketdata.DefaultConfig(), logger)

	mcfg := connection.DefaultManagerConfig()
	mcfg.Client.URL = *url
	feed := connection.NewManager(mcfg, coord, store, logger)
	for _, kind := range kinds {
		coord.RegisterDriver(kind, feed.Driver(kind))
	}

	// Held before the first connect; the connect replay subscribes them.
	for _, kind := range kinds {
		for _, sym := range syms {
			if err := coord.Acquire(kind, sym, "feedprobe"); err != nil {
				logger.Error("acquire failed", "channel", kind, "symbol", sym, "error", err)
				os.Exit(1)
			}
		}
	}

	if err := feed.Start(ctx); err != nil {
		logger.Error("failed to start feed", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ch := <-coord.Changes():
				fmt.Printf("[STATE] %s online=%v loading=%v removed=%v\n",
					ch.Key, ch.Online, ch.Loading, ch.Removed)
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				for _, kind := range kinds {
					for _, sym := range syms {
						printSummary(store, kind, sym, *verbose)
					}
				}
				fs := feed.Stats()
				logger.Info("stats",
					"connected", fs.Connected,
					"reconnects", fs.Reconnects,
					"frames", fs.Frames,
					"unrouted", fs.Unrouted,
					"replays", coord.Stats().Replays,
				)
			}
		}
	})

	logger.Info("streaming started - press Ctrl+C to stop", "symbols", syms, "channels", kinds)
	g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down...")
	for _, kind := range kinds {
		for _, sym := range syms {
			coord.Release(kind, sym, "feedprobe")
		}
	}
	feed.Stop(shutdownCtx)

	logger.Info("shutdown complete")
}

func printSummary(store *marketdata.Store, kind subscription.ChannelType, symbol string, verbose bool) {
	switch kind {
	case subscription.ChannelBook:
		v, ok := store.Book(symbol)
		if !ok {
			fmt.Printf("[BOOK] %s waiting for snapshot\n", symbol)
			return
		}
		if verbose {
			data, _ := json.MarshalIndent(v, "", "  ")
			fmt.Printf("[BOOK] %s\n", data)
			return
		}
		bid, ask := "-", "-"
		if len(v.Bids) > 0 {
			bid = v.Bids[0].Price.String()
		}
		if len(v.Asks) > 0 {
			ask = v.Asks[0].Price.String()
		}
		fmt.Printf("[BOOK] %s bids=%d asks=%d best_bid=%s best_ask=%s\n",
			symbol, len(v.Bids), len(v.Asks), bid, ask)

	case subscription.ChannelTrades:
		v, ok := store.Tape(symbol)
		if !ok {
			fmt.Printf("[TRADES] %s waiting for snapshot\n", symbol)
			return
		}
		if verbose {
			data, _ := json.MarshalIndent(v, "", "  ")
			fmt.Printf("[TRADES] %s\n", data)
			return
		}
		if len(v.Trades) == 0 {
			fmt.Printf("[TRADES] %s empty\n", symbol)
			return
		}
		last := v.Trades[0]
		fmt.Printf("[TRADES] %s count=%d last_id=%d price=%s amount=%s side=%s\n",
			symbol, len(v.Trades), last.ID, last.Price, last.Amount, last.Side())
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
