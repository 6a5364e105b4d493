// compute-service is the HTTP API server that schedules jobs on providers,
// receives their callbacks and settles usage.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"computeplane/internal/accounting"
	"computeplane/internal/api"
	"computeplane/internal/catalog"
	"computeplane/internal/config"
	"computeplane/internal/dispatcher"
	"computeplane/internal/health"
	"computeplane/internal/ingress"
	"computeplane/internal/logbuffer"
	"computeplane/internal/observability"
	"computeplane/internal/orchestrator"
	"computeplane/internal/provider"
	"computeplane/internal/provider/objectstore"
	"computeplane/internal/provider/posix"
	"computeplane/internal/provider/rpc"
	"computeplane/internal/store"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	orchCfg := orchestrator.LoadConfigFromEnv()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()

	providers, err := config.LoadProviders(svcCfg.ProvidersFile)
	if err != nil {
		return err
	}
	apps, err := catalog.LoadFile(svcCfg.CatalogFile)
	if err != nil {
		return err
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	healthChecker := health.NewChecker()

	jobStore, err := openStore(ctx, svcCfg)
	if err != nil {
		return err
	}
	defer jobStore.Close()
	healthChecker.Register("store", jobStore)

	logs, closeLogs, err := openLogBuffer(svcCfg)
	if err != nil {
		return err
	}
	defer closeLogs()
	healthChecker.Register("logs", logs)

	usage := openAccounting(svcCfg)
	healthChecker.Register("accounting", usage)

	eventDispatcher, err := openDispatcher(svcCfg, dispatcherCfg, metrics)
	if err != nil {
		return err
	}

	// Register providers, then the built-in storage
	registry := provider.NewRegistry()
	for _, p := range providers {
		registry.Register(p.ID, rpc.NewClient(rpc.Config{
			ProviderID: p.ID,
			Endpoint:   p.Endpoint,
			Token:      p.Token,
			RateLimit:  p.RateLimit,
			Metrics:    metrics,
		}))
	}
	if svcCfg.StorageID != "" {
		storage, err := openStorage(ctx, svcCfg)
		if err != nil {
			return err
		}
		registry.Register(svcCfg.StorageID, storage)
	}
	if err := registry.Discover(ctx); err != nil {
		// Providers that failed discovery stay unavailable; the rest serve.
		slog.Warn("Provider discovery incomplete", "error", err)
	}
	healthChecker.Register("providers", registry)
	slog.Info("Providers registered", "providers", registry.IDs())

	orch, err := orchestrator.New(orchestrator.Deps{
		Store:      jobStore,
		Registry:   registry,
		Catalog:    apps,
		Accounting: usage,
		Logs:       logs,
		Dispatcher: eventDispatcher,
		Metrics:    metrics,
	}, orchCfg)
	if err != nil {
		return err
	}
	defer orch.Close()

	sweepCtx, stopSweeps := context.WithCancel(ctx)
	defer stopSweeps()
	go orch.Run(sweepCtx)

	callbacks := ingress.NewService(ingress.NewAuthenticator(providers, jobStore), orch, metrics)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Jobs:          orch,
		Callbacks:     callbacks,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	// Create API server. Uploads from providers can be long, so writes are
	// not bounded here.
	apiServer := &http.Server{
		Addr:        ":" + svcCfg.Port,
		Handler:     otelhttp.NewHandler(router, "compute-service"),
		ReadTimeout: 10 * time.Minute,
		IdleTimeout: 60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Stop accepting callbacks and requests, finish in-flight ones
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop sweeps and log followers
	stopSweeps()
	orch.Close()

	// Phase 4: Drain event dispatcher
	slog.Info("Draining event dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	// Jobs keep running on their providers; their callbacks are retried
	// until the service is back.
	slog.Info("Shutdown complete")
	return nil
}

// openStore connects to Postgres and applies migrations, or falls back to
// the in-memory store when no database is configured.
func openStore(ctx context.Context, cfg *config.ServiceConfig) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("No DATABASE_URL configured - jobs are kept in memory")
		return store.NewMemory(), nil
	}
	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		return nil, err
	}
	db, err := store.Connect(ctx, cfg.DatabaseURL, int32(config.GetIntEnv("DATABASE_MAX_CONNS", 10)))
	if err != nil {
		return nil, err
	}
	slog.Info("Connected to Postgres")
	return db, nil
}

func openLogBuffer(cfg *config.ServiceConfig) (logbuffer.Buffer, func(), error) {
	if cfg.RedisURL == "" {
		return logbuffer.NewMemory(), func() {}, nil
	}
	buf, err := logbuffer.NewRedis(cfg.RedisURL, config.GetDurationEnv("LOG_RETENTION", 7*24*time.Hour))
	if err != nil {
		return nil, nil, err
	}
	return buf, func() {
		if err := buf.Close(); err != nil {
			slog.Warn("Closing log buffer", "error", err)
		}
	}, nil
}

// ledger is an accounting gateway with a readiness probe.
type ledger interface {
	accounting.Gateway
	health.ReadinessChecker
}

func openAccounting(cfg *config.ServiceConfig) ledger {
	if cfg.AccountingURL == "" {
		slog.Warn("No ACCOUNTING_URL configured - usage is charged to an in-memory ledger")
		return accounting.NewMemory()
	}
	return accounting.NewHTTP(cfg.AccountingURL, cfg.AccountingKey, config.GetDurationEnv("ACCOUNTING_TIMEOUT", 10*time.Second))
}

func openDispatcher(cfg *config.ServiceConfig, dcfg dispatcher.Config, metrics dispatcher.MetricsRecorder) (dispatcher.Dispatcher, error) {
	switch cfg.EventsBackend {
	case "", "none":
		return dispatcher.Noop{}, nil
	case "webhook":
		if cfg.EventsWebhookURL == "" {
			return nil, errors.New("EVENTS_WEBHOOK_URL is required for the webhook backend")
		}
		return dispatcher.NewWebhook(dcfg, cfg.EventsWebhookURL, cfg.EventsSigningKey, metrics), nil
	case "amqp":
		return dispatcher.NewAMQP(dcfg, cfg.AMQPURL, cfg.AMQPExchange, metrics)
	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.EventsBackend)
	}
}

// openStorage builds the built-in storage provider that hosts collections
// for providers without storage of their own.
func openStorage(ctx context.Context, cfg *config.ServiceConfig) (provider.Local, error) {
	products := provider.StaticProducts{{ID: "storage", Category: "STORAGE"}}
	switch cfg.StorageBackend {
	case "posix":
		storage, err := posix.New(posix.Config{Root: cfg.StorageRoot})
		if err != nil {
			return provider.Local{}, err
		}
		collections, files := storage.Plugins()
		return provider.Local{ID: cfg.StorageID, Set: provider.Plugins{
			Products:    products,
			Collections: collections,
			Files:       files,
		}}, nil
	case "minio":
		bucket, err := objectstore.New(ctx, objectstore.Config{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			Secure:    cfg.MinIOSecure,
		})
		if err != nil {
			return provider.Local{}, err
		}
		return provider.Local{ID: cfg.StorageID, Set: provider.Plugins{
			Products:    products,
			Collections: bucket,
			Files:       bucket,
		}}, nil
	default:
		return provider.Local{}, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
