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

	"github.com/cuongbtq/wallet-audit/internal/api/handler"
	"github.com/cuongbtq/wallet-audit/internal/api/router"
	"github.com/cuongbtq/wallet-audit/internal/audit/store"
	"github.com/cuongbtq/wallet-audit/internal/bootstrap"
	"github.com/cuongbtq/wallet-audit/internal/config"
	"github.com/cuongbtq/wallet-audit/internal/metrics"
	schema "github.com/cuongbtq/wallet-audit/migrations"
	"github.com/cuongbtq/wallet-audit/shared/postgresql"
	"github.com/gin-gonic/gin"
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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging, &cfg.App, "api-service")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := bootstrap.InitPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	if cfg.Database.AutoMigrate {
		applied, err := postgresql.Migrate(context.Background(), dbClient.GetDB(), schema.FS, appLogger.Component("migrate"))
		if err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		appLogger.Info("Database schema up to date", slog.Int("applied", applied))
	}

	appMetrics := metrics.New()
	if err := appMetrics.RegisterDB(dbClient.GetDB().DB, cfg.Database.Database); err != nil {
		return fmt.Errorf("failed to register database metrics: %w", err)
	}

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	r := router.SetupRouter(&handler.Dependencies{
		Logger:         appLogger.Component("api"),
		Store:          store.NewPostgres(dbClient.GetDB(), appLogger.Component("store")),
		Metrics:        appMetrics,
		HealthCheck:    dbClient.HealthCheck,
		MaxAttempts:    cfg.Audit.MaxAttempts,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Bool("auto_migrate", cfg.Database.AutoMigrate),
		slog.Any("allowed_origins", cfg.Server.AllowedOrigins),
	)
	return serve(ctx, srv, cfg.Server.ShutdownTimeout, appLogger.Logger)
}

// serve runs srv until ctx is cancelled, then drains in-flight requests for up to drain
func serve(ctx context.Context, srv *http.Server, drain time.Duration, logger *slog.Logger) error {
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down HTTP server", slog.Duration("drain_timeout", drain))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	logger.Info("HTTP server stopped")
	return nil
}
