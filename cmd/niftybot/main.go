package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"nifty-options-bot/config"
	"nifty-options-bot/internal/engine"
	"nifty-options-bot/internal/metrics"
)

func main() {
	godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Configuration error")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("symbol", cfg.Symbol).
		Bool("paper", cfg.PaperTrading).
		Dur("timeframe", cfg.Timeframe).
		Msg("🚀 Nifty options bot starting")

	if cfg.MetricsAddr != "" {
		go metrics.Serve(cfg.MetricsAddr)
	}

	eng, err := engine.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Engine init failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := eng.Start(ctx); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("Engine start failed")
	}
	cancel()

	// Surface snapshots on the console at a human cadence.
	go func() {
		var last time.Time
		for snap := range eng.Snapshots() {
			if time.Since(last) < 30*time.Second {
				continue
			}
			last = time.Now()
			log.Info().
				Float64("spot", snap.Spot).
				Int("open_positions", len(snap.Positions)).
				Str("daily_pnl", snap.Risk.DailyPnL.String()).
				Bool("trading_allowed", snap.Risk.TradingAllowed).
				Msg("📊 Status")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("Shutdown signal received")
	eng.Stop()
	log.Info().Msg("Goodbye 👋")
}
