package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/radiowatch/radiowatch/internal/capture"
	"github.com/radiowatch/radiowatch/internal/config"
	"github.com/radiowatch/radiowatch/internal/database"
	"github.com/radiowatch/radiowatch/internal/detector"
	"github.com/radiowatch/radiowatch/internal/events"
	"github.com/radiowatch/radiowatch/internal/fingerprint"
	"github.com/radiowatch/radiowatch/internal/logger"
	"github.com/radiowatch/radiowatch/internal/recognize"
	"github.com/radiowatch/radiowatch/internal/recorder"
	"github.com/radiowatch/radiowatch/internal/registry"
	"github.com/radiowatch/radiowatch/internal/scheduler"
	"github.com/radiowatch/radiowatch/internal/server"
)

func main() {
	configPath := flag.String("config", "radiowatch.yaml", "path to configuration file")
	flag.Parse()

	// .env is optional; explicit environment always wins.
	_ = godotenv.Load()

	if err := config.Load(*configPath); err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := config.Get()

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting radiowatch", "config", *configPath)

	db, err := database.Initialize(&cfg.Database)
	if err != nil {
		logger.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus(256)
	bus.Start(ctx)

	if err := config.GetConfigManager().WatchFile(ctx, *configPath); err != nil {
		logger.Warn("config hot reload unavailable", "error", err)
	}

	store := fingerprint.NewStore(db, cfg.Detection.SimilarityFloor, cfg.Detection.SimilarityCandidates)
	reg := registry.New(db, store, bus)
	rec := recorder.New(db, bus)
	generator := fingerprint.NewFpcalcGenerator(cfg.Capture.FpcalcPath, cfg.Capture.FpcalcTimeout)

	det := detector.New(detector.Deps{
		DB:         db,
		Generator:  generator,
		Store:      store,
		Registry:   reg,
		Recorder:   rec,
		Bus:        bus,
		Metadata:   buildAdapter(cfg.Adapters.Metadata, recognize.NewMetadataClient(cfg.Adapters.Metadata.BaseURL, cfg.Adapters.UserAgent)),
		FpExternal: buildAdapter(cfg.Adapters.Fingerprint, recognize.NewFingerprintClient(cfg.Adapters.Fingerprint.BaseURL, cfg.Adapters.Fingerprint.APIKey, cfg.Adapters.UserAgent)),
		FullAudio:  buildAdapter(cfg.Adapters.FullAudio, recognize.NewFullAudioClient(cfg.Adapters.FullAudio.BaseURL, cfg.Adapters.FullAudio.APIKey, cfg.Adapters.UserAgent)),
		Thresholds: cfg.Detection,
	})

	capturer := capture.NewHTTPCapturer(
		cfg.Capture.SegmentSeconds,
		cfg.Capture.MaxSegmentSize,
		cfg.Capture.ReadTimeout,
		cfg.Adapters.UserAgent,
	)

	sched := scheduler.New(db, capturer, det, bus, cfg.Scheduler)
	sched.Start(ctx)

	srv := server.New(db, det, sched, bus, cfg.Server)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	bus.PublishAsync(events.NewEvent(events.EventSystemStarted, "main", "System started", ""))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", "error", err)
		}
	}

	bus.PublishAsync(events.NewEvent(events.EventSystemStopped, "main", "System stopping", ""))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	sched.Stop()
	cancel()
	bus.Stop()
	logger.Info("shutdown complete")
}

// buildAdapter wraps a tier client in its guard, or disables the tier.
func buildAdapter(cfg config.AdapterConfig, client recognize.Adapter) recognize.Adapter {
	if !cfg.Enabled {
		return nil
	}
	return recognize.NewGuard(client, cfg)
}
