package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/depsera/depsera/pkg/alert"
	"github.com/depsera/depsera/pkg/config"
	"github.com/depsera/depsera/pkg/fetch"
	"github.com/depsera/depsera/pkg/health"
	"github.com/depsera/depsera/pkg/influx"
	"github.com/depsera/depsera/pkg/poll"
	"github.com/depsera/depsera/pkg/retention"
	"github.com/depsera/depsera/pkg/settings"
	"github.com/depsera/depsera/pkg/ssrf"
	"github.com/depsera/depsera/pkg/store"
)

const version = "1.0.0"

func main() {
	// Configure logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().Str("version", version).Msg("Starting Depsera...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Set log level from config
	logLevel, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("Invalid log level, defaulting to 'info'")
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if err := cfg.ValidateRuntime(); err != nil {
		log.Fatal().Err(err).Msg("Runtime validation failed")
	}
	log.Info().Msg("Configuration validated successfully")

	// Open the embedded store
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("db_path", cfg.DBPath).Msg("Failed to open store")
	}
	defer st.Close()
	log.Info().Str("db_path", cfg.DBPath).Msg("Store opened")

	settingsProvider := settings.NewProvider(st)

	// Optional latency exporter
	var exporter *influx.Exporter
	if cfg.InfluxEnabled {
		exporter, err = influx.NewExporter(
			cfg.InfluxDBURL,
			cfg.InfluxDBToken,
			cfg.InfluxDBOrg,
			cfg.InfluxDBBucket,
			cfg.InfluxDBMeasurement,
		)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to InfluxDB, latency export disabled")
		} else {
			log.Info().Msg("InfluxDB latency export enabled")
			defer exporter.Close()
		}
	}

	// Alert pipeline
	dispatcher := alert.NewDispatcher(st, settingsProvider,
		alert.NewSlackSender(cfg.AppBaseURL),
		alert.NewWebhookSender(cfg.AppBaseURL),
	)

	// Poll pipeline
	executor := poll.NewExecutor(st, settingsProvider, ssrf.New(), fetch.New(), dispatcher, nilExporter(exporter))
	scheduler := poll.NewScheduler(st, executor, cfg.PollWorkers)

	// Retention sweeper
	sweeper := retention.NewSweeper(st, settingsProvider)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher.Start(runCtx)
	if err := scheduler.Start(runCtx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(runCtx)
	}()

	// Health and status endpoints
	healthServer := health.NewServer(cfg.HealthServerAddr, version)
	healthServer.RegisterChecker("store", health.ContextChecker("Store", st.Ping))
	healthServer.RegisterChecker("alert_queue", health.ThresholdChecker("alert queue depth",
		dispatcher.QueueDepth, 512, 1024))
	if exporter != nil {
		healthServer.RegisterChecker("influxdb", health.ContextChecker("InfluxDB", exporter.CheckConnection))
	}
	healthServer.RegisterStatus(func() interface{} {
		return scheduler.Snapshot()
	})
	if err := healthServer.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start health server")
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Info().Msg("Shutdown signal received, stopping...")
	signal.Stop(sigChan)
	close(sigChan)

	// Scheduler drains inflight polls before the shared context dies.
	scheduler.Stop()
	cancel()

	shutdownComplete := make(chan struct{})
	go func() {
		dispatcher.Wait()
		wg.Wait()
		close(shutdownComplete)
	}()

	select {
	case <-shutdownComplete:
		log.Info().Msg("All services stopped gracefully")
	case <-time.After(cfg.ShutdownTimeout):
		log.Warn().Msg("Shutdown timed out")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := healthServer.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping health server")
	}

	log.Info().Msg("Depsera stopped")
}

// nilExporter keeps the executor's exporter seam nil-safe: a nil
// *influx.Exporter inside a non-nil interface would defeat the
// executor's nil check.
func nilExporter(e *influx.Exporter) poll.LatencyExporter {
	if e == nil {
		return nil
	}
	return e
}
