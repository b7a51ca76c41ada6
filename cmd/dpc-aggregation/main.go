package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/CMSgov/dpc-app-sub000/internal/config"
	"github.com/CMSgov/dpc-app-sub000/internal/domain/aggregation"
	"github.com/CMSgov/dpc-app-sub000/internal/platform/auth"
	"github.com/CMSgov/dpc-app-sub000/internal/platform/bfd"
	"github.com/CMSgov/dpc-app-sub000/internal/platform/consent"
	"github.com/CMSgov/dpc-app-sub000/internal/platform/db"
	"github.com/CMSgov/dpc-app-sub000/internal/platform/encryption"
	"github.com/CMSgov/dpc-app-sub000/internal/platform/metrics"
	"github.com/CMSgov/dpc-app-sub000/internal/platform/middleware"
)

// bfdScope is requested when exchanging client assertions for tokens.
const bfdScope = "system/*.read"

func main() {
	rootCmd := &cobra.Command{
		Use:   "dpc-aggregation",
		Short: "DPC bulk export aggregation engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(enqueueCmd())
	rootCmd.AddCommand(decryptCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the aggregation engine and its admin server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(env, level string) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"), os.Getenv("LOG_LEVEL"))

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	logger = newLogger(cfg.Env, cfg.LogLevel).With().Str("service", "dpc-aggregation").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector(metrics.Config{}, nil)

	// Database
	var pool *pgxpool.Pool
	if cfg.QueueBackend == config.QueuePostgres {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")
	}

	queue := newQueue(cfg, pool)
	lookup := newConsentLookup(cfg, pool)

	client, err := newBFDClient(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure bfd client")
	}

	var provider *encryption.Provider
	if cfg.EncryptionEnabled {
		provider, err = encryption.NewProvider(encryption.Config{})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure encryption")
		}
	}
	writer, err := aggregation.NewWriter(aggregation.WriterConfig{
		ExportPath:        cfg.ExportPath,
		ResourcesPerFile:  cfg.ResourcesPerFile,
		EncryptionEnabled: cfg.EncryptionEnabled,
	}, provider, collector, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure writer")
	}

	aggregatorID := uuid.New()
	fetcher := aggregation.NewFetcher(client, aggregation.RetryPolicy{
		MaxAttempts:     cfg.RetryMaxAttempts,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
	}, collector, logger)
	processor := aggregation.NewProcessor(aggregation.ProcessorConfig{
		AggregatorID: aggregatorID,
		Queue:        queue,
		Fetcher:      fetcher,
		Writer:       writer,
		Consent:      lookup,
		Metrics:      collector,
		Logger:       logger,
	})
	engine := aggregation.NewEngine(aggregation.EngineConfig{
		AggregatorID: aggregatorID,
		Queue:        queue,
		Processor:    processor,
		Writer:       writer,
		Metrics:      collector,
		Logger:       logger,
		PollInterval: cfg.PollInterval,
	})

	e := newAdminServer(logger, pool, queue, engine, client, collector, cfg.PollInterval)
	go func() {
		addr := ":" + cfg.AdminPort
		logger.Info().Str("addr", addr).Msg("starting admin server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("admin server error")
		}
	}()

	engineErr := make(chan error, 1)
	go func() {
		engineErr <- engine.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down; pausing in-flight batch")
		engine.Stop()
		err = <-engineErr
	case err = <-engineErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := e.Shutdown(shutdownCtx); serr != nil {
		logger.Error().Err(serr).Msg("admin server shutdown failed")
	}
	if err != nil {
		logger.Error().Err(err).Msg("engine stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newQueue(cfg *config.Config, pool *pgxpool.Pool) aggregation.JobQueue {
	if cfg.QueueBackend == config.QueueMemory {
		return aggregation.NewMemoryQueue(cfg.BatchSize, cfg.StuckBatchTimeout)
	}
	return aggregation.NewPGQueue(pool, cfg.BatchSize, cfg.StuckBatchTimeout)
}

// newConsentLookup returns nil when the opt-out check is disabled.
func newConsentLookup(cfg *config.Config, pool *pgxpool.Pool) consent.Lookup {
	if !cfg.ConsentEnabled {
		return nil
	}
	if pool == nil {
		return consent.NewMemoryLookup()
	}
	return consent.NewPGLookup(pool)
}

func newBFDClient(cfg *config.Config, logger zerolog.Logger) (*bfd.Client, error) {
	opts := []bfd.Option{bfd.WithLogger(logger)}
	if cfg.UsesBackendAuth() {
		pemBytes, err := os.ReadFile(cfg.BFDPrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read bfd private key: %w", err)
		}
		key, err := encryption.ParsePrivateKey(pemBytes)
		if err != nil {
			return nil, err
		}
		ts, err := auth.NewBackendServicesTokenSource(auth.BackendServicesConfig{
			ClientID:   cfg.BFDClientID,
			TokenURL:   cfg.BFDTokenURL,
			Scope:      bfdScope,
			PrivateKey: key,
		}, &http.Client{Timeout: cfg.BFDTimeout})
		if err != nil {
			return nil, err
		}
		opts = append(opts, bfd.WithTokenSource(ts))
	}
	return bfd.NewClient(bfd.Config{
		BaseURL:           cfg.BFDURL,
		HashPepper:        cfg.BFDHashPepper,
		HashIterations:    cfg.BFDHashIterations,
		ResourcesCount:    cfg.BFDResourcesCount,
		RequestsPerSecond: cfg.BFDRequestsPerSecond,
		Timeout:           cfg.BFDTimeout,
	}, opts...)
}

func newAdminServer(
	logger zerolog.Logger,
	pool *pgxpool.Pool,
	queue aggregation.JobQueue,
	engine *aggregation.Engine,
	client aggregation.Client,
	collector *metrics.Collector,
	pollInterval time.Duration,
) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger, "/healthz", "/readyz", "/metrics"))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestTimeout(10 * time.Second))

	// Liveness only looks at the engine; readiness also needs the queue and
	// upstream.
	staleAfter := 10 * pollInterval
	if staleAfter < time.Minute {
		staleAfter = time.Minute
	}
	e.GET("/healthz", db.HealthHandler(nil, aggregation.EngineCheck(engine, 0)))
	e.GET("/readyz", db.HealthHandler(pool,
		aggregation.EngineCheck(engine, staleAfter),
		aggregation.QueueCheck(queue),
		aggregation.UpstreamCheck(client),
	))
	e.GET("/metrics", echo.WrapHandler(collector.Handler()))

	aggregation.NewHandler(queue).RegisterRoutes(e.Group("/admin"))
	return e
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
