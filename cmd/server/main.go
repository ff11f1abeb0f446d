// Command server runs the real-time Bitcoin market-data pipeline: a feed
// reader, an Aggregator maintaining HotState, a GapDetector and
// ReAnchorCoordinator pair that rebuilds HotState after a discontinuity,
// an InferenceTick publishing price predictions, and the ambient
// operational surface (health reporting, HTTP).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/hotpath/internal/aggregator"
	"github.com/aristath/hotpath/internal/config"
	"github.com/aristath/hotpath/internal/events"
	"github.com/aristath/hotpath/internal/feed"
	"github.com/aristath/hotpath/internal/hotstate"
	"github.com/aristath/hotpath/internal/inference"
	"github.com/aristath/hotpath/internal/marketdata"
	"github.com/aristath/hotpath/internal/ops"
	"github.com/aristath/hotpath/internal/reanchor"
	"github.com/aristath/hotpath/internal/server"
	"github.com/aristath/hotpath/internal/snapshotsource"
	"github.com/aristath/hotpath/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true})
	logger.SetGlobalLogger(log)
	log.Info().Str("symbol", cfg.Symbol).Msg("starting hotpath")

	bus := events.NewBus(log)
	store := hotstate.New(log)

	windowWidthsUs := make([]int64, len(cfg.RollingWindows))
	for i, w := range cfg.RollingWindows {
		windowWidthsUs[i] = w.Microseconds()
	}
	// Seed HotState with an empty bundle so downstream readers never race
	// the Aggregator's first real event.
	store.ApplyWriterDelta(windowWidthsUs, func(b *marketdata.Bundle) {})

	agg := aggregator.New(cfg, store, bus, log)
	gapDetector := reanchor.NewGapDetector(cfg, bus, log)

	snapSource := snapshotsource.NewHTTPSource(cfg.SnapshotBaseURL, log)
	warmCache := snapshotsource.NewWarmStartCache(cfg.WarmStartCachePath, cfg.WarmStartCacheMaxAge, log)
	coordinator := reanchor.New(cfg, store, snapSource, warmCache, bus, agg, log)

	model, err := inference.LoadLinearModel(cfg.ModelPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load model artifact")
	}
	scaler, err := inference.LoadScaler(cfg.ScalerPath)
	if err != nil {
		log.Warn().Err(err).Msg("could not load scaler artifact, predictions will use unscaled features")
	}

	mirrorSink := inference.NewMirrorSink()
	logSink := inference.NewLogSink(log)
	fanoutSink := inference.NewFanoutSink(log, logSink, mirrorSink)

	tick := inference.New(cfg, store, model, scaler, fanoutSink, bus, log)

	reporter := ops.NewReporter(store, coordinator, agg, log)
	scheduler := ops.NewScheduler(log)
	healthSchedule := fmt.Sprintf("@every %s", cfg.HealthReportInterval)
	if err := scheduler.AddJob(healthSchedule, reporter); err != nil {
		log.Error().Err(err).Msg("failed to register health report job")
	}

	httpServer := server.New(server.Config{
		Port:   cfg.HTTPPort,
		Log:    log,
		Store:  store,
		Health: reporter,
		Mirror: mirrorSink,
	})

	marketFeed := feed.New(cfg.FeedURL, cfg.Symbol, agg, gapDetector, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator.Start()
	scheduler.Start()
	go gapDetector.Run(ctx)
	go tick.Run(ctx)

	if err := marketFeed.Start(); err != nil {
		log.Error().Err(err).Msg("feed failed to start")
	}

	go func() {
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server stopped")
		}
	}()

	waitForShutdown(log)

	log.Info().Msg("shutting down")
	cancel()
	_ = marketFeed.Stop()
	coordinator.Stop()
	scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("hotpath stopped")
}

func waitForShutdown(log zerolog.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info().Str("signal", s.String()).Msg("received shutdown signal")
}
