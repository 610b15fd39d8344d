/*
Package main implements the chartfeed pipeline daemon.

The daemon connects to the market-data WebSocket feed, decodes binary
tick frames into a bounded per-symbol tick store, seeds one live
candle series per configured symbol from the REST price-history
backend, and folds live ticks into the open candle. Series updates are
emitted through structured logs; a rendering surface subscribes to the
same updates in the full application.

Usage:

	go run main.go -config=chartfeed.yaml -timeframe=5m

The daemon runs until interrupted and unsubscribes cleanly on
shutdown.
*/
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"chartfeed/internal/config"
	"chartfeed/internal/history"
	"chartfeed/internal/model"
	"chartfeed/internal/series"
	"chartfeed/internal/subscription"
	"chartfeed/internal/tickstore"
	"chartfeed/internal/transport"
	"chartfeed/internal/wire"
)

// Command-line flags.
var (
	// configPath locates the YAML configuration file.
	configPath = flag.String("config", "chartfeed.yaml", "Path to the configuration file")
	// timeframe optionally overrides the configured initial timeframe.
	timeframe = flag.String("timeframe", "", "Initial chart timeframe (5m, 15m, 30m, 1h, 4h, 1d)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not configured yet; report on stderr directly.
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		log.Fatal().Err(err).Str("path", *configPath).Msg("invalid configuration")
	}

	setupLogging(cfg.LogFile)

	tf := cfg.ParsedTimeframe()
	if *timeframe != "" {
		tf, err = model.ParseTimeframe(*timeframe)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid timeframe flag")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := tickstore.New(cfg.TickBuffer)

	histClient, err := history.NewClient(history.Config{
		BaseURL:   cfg.History.BaseURL,
		Token:     cfg.History.Token,
		Secret:    cfg.History.Secret,
		Subject:   cfg.History.Subject,
		RateLimit: cfg.History.RateLimit,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create history client")
	}

	feed, err := transport.NewClient(ctx, transport.Config{
		Endpoint:        cfg.Feed.Endpoint,
		Decoder:         wire.NewDecoder(cfg.FrameFormat()),
		Store:           store,
		TLSInsecureSkip: cfg.Feed.TLSInsecureSkip,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to tick feed")
	}
	defer feed.Close()

	// One reconciler and one subscription manager per displayed symbol.
	// The daemon has no viewport, so every symbol counts as visible.
	reconcilers := make([]*series.Reconciler, 0, len(cfg.Symbols))
	managers := make([]*subscription.Manager, 0, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		rec := series.New(symbol, histClient, store, logSink)
		rec.Load(ctx, tf)
		reconcilers = append(reconcilers, rec)

		mgr := subscription.NewManager(symbol, feed)
		mgr.Update(true, feed.Connected())
		managers = append(managers, mgr)
	}

	// A lost connection drops server-side subscriptions; reset local
	// state and stop rather than carry a dead feed.
	go func() {
		<-feed.DisconnectChan()
		log.Warn().Msg("tick feed disconnected")
		for _, mgr := range managers {
			mgr.Update(true, false)
		}
		cancel()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	log.Info().
		Strs("symbols", cfg.Symbols).
		Stringer("timeframe", tf).
		Str("endpoint", cfg.Feed.Endpoint).
		Msg("chartfeed running")

	select {
	case <-sig:
		log.Info().Msg("initiating graceful shutdown")
	case <-ctx.Done():
	}

	for _, mgr := range managers {
		mgr.Teardown()
	}
	for _, rec := range reconcilers {
		rec.Close()
	}
	cancel()
}

// setupLogging configures the global zerolog logger: console output,
// mirrored to a size-rotated file when one is configured.
func setupLogging(logFile string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	var out io.Writer = console
	if logFile != "" {
		out = zerolog.MultiLevelWriter(console, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		})
	}
	log.Logger = log.Output(out)
}

// logSink reports series updates; the dashboard's rendering surface
// consumes the same updates in-process.
func logSink(u series.Update) {
	if u.Reset {
		log.Info().
			Str("symbol", u.Symbol).
			Int("candles", len(u.Snapshot)).
			Msg("series reset")
		return
	}
	log.Info().
		Str("symbol", u.Symbol).
		Int64("bucket", u.Candle.BucketTime).
		Float64("open", u.Candle.Open).
		Float64("high", u.Candle.High).
		Float64("low", u.Candle.Low).
		Float64("close", u.Candle.Close).
		Float64("volume", u.Volume.Volume).
		Bool("new", u.IsNew).
		Msg("candle update")
}
