package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/wallet-audit/internal/audit/auditor"
	"github.com/cuongbtq/wallet-audit/internal/audit/router"
	"github.com/cuongbtq/wallet-audit/internal/audit/store"
	"github.com/cuongbtq/wallet-audit/internal/bootstrap"
	"github.com/cuongbtq/wallet-audit/internal/config"
	"github.com/cuongbtq/wallet-audit/internal/metrics"
	"github.com/cuongbtq/wallet-audit/internal/wallet"
	"github.com/cuongbtq/wallet-audit/internal/worker"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging, &cfg.App, "worker-service")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	workerID := workerIdentity()
	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", workerID),
	)

	dbClient, err := bootstrap.InitPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	rabbitClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	redisClient, err := bootstrap.InitRedis(&cfg.Redis, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	appMetrics := metrics.New()
	if err := appMetrics.RegisterDB(dbClient.GetDB().DB, cfg.Database.Database); err != nil {
		return fmt.Errorf("failed to register database metrics: %w", err)
	}

	observers := []auditor.Observer{appMetrics}
	anomalyPublisher, err := bootstrap.InitKafka(&cfg.Kafka, appLogger.Component("publisher"))
	if err != nil {
		return fmt.Errorf("failed to initialize Kafka publisher: %w", err)
	}
	if anomalyPublisher != nil {
		defer anomalyPublisher.Close()
		observers = append(observers, anomalyPublisher)
		appLogger.Info("Anomaly publishing enabled", slog.String("topic", cfg.Kafka.Topic))
	}

	records := store.NewPostgres(dbClient.GetDB(), appLogger.Component("store"))
	wallets := wallet.NewPostgres(dbClient.GetDB(), appLogger.Component("wallet"))

	auditors, err := bootstrap.NewAuditors(&cfg.Audit, bootstrap.AuditorDeps{
		Wallets:   wallets,
		Recorder:  records,
		Leases:    bootstrap.LeaseManager(redisClient, cfg.Redis.KeyPrefix, appLogger.Component("lease")),
		Observers: observers,
		Logger:    appLogger.Component("auditor"),
	})
	if err != nil {
		return err
	}

	jobRouter := router.New(router.Config{
		Store:    records,
		Oracle:   wallets,
		Targeted: auditors.Targeted,
		Periodic: auditors.Periodic,
		Global:   auditors.Global,
		Backoff: router.Backoff{
			Base: cfg.Audit.BackoffBase,
			Max:  cfg.Audit.BackoffMax,
		},
		StalenessWindow:   cfg.Audit.StalenessWindow,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		PersistTimeout:    cfg.Worker.PersistTimeout,
		WorkerID:          workerID,
		Metrics:           appMetrics,
		Logger:            appLogger.Component("router"),
	})

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Component("worker"),
		Broker:            rabbitClient,
		Handler:           jobRouter,
		Outbox:            records,
		Metrics:           appMetrics,
		WorkerID:          workerID,
		QueueName:         cfg.RabbitMQ.Queue.Name,
		Concurrency:       cfg.Worker.Concurrency,
		PrefetchCount:     cfg.RabbitMQ.Consumer.PrefetchCount,
		DispatchInterval:  cfg.Worker.DispatchInterval,
		DispatchBatchSize: cfg.Worker.DispatchBatchSize,
		RedispatchAfter:   cfg.Worker.RedispatchAfter,
		HeartbeatTimeout:  cfg.Worker.HeartbeatTimeout,
		ReapInterval:      cfg.Worker.ReapInterval,
	})

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = startMetricsServer(&cfg.Metrics, appMetrics, appLogger.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case runErr = <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", runErr),
		)
	}

	// In-flight attempts finish their persistence on a detached context
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Warn("Metrics server shutdown failed", slog.Any("error", err))
		}
	}

	appLogger.Info("Worker service shutdown complete")
	return runErr
}

func workerIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

func startMetricsServer(cfg *config.MetricsConfig, m *metrics.Metrics, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, m.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Metrics server listening", slog.String("address", srv.Addr), slog.String("path", cfg.Path))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", slog.Any("error", err))
		}
	}()

	return srv
}
