// Package bootstrap turns loaded configuration into connected clients and
// wired auditors for the service binaries.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/wallet-audit/internal/audit/auditor"
	"github.com/cuongbtq/wallet-audit/internal/audit/invariant"
	"github.com/cuongbtq/wallet-audit/internal/audit/publisher"
	"github.com/cuongbtq/wallet-audit/internal/config"
	"github.com/cuongbtq/wallet-audit/internal/lease"
	"github.com/cuongbtq/wallet-audit/internal/wallet"
	"github.com/cuongbtq/wallet-audit/shared/logger"
	"github.com/cuongbtq/wallet-audit/shared/postgresql"
	"github.com/cuongbtq/wallet-audit/shared/rabbitmq"
	sharedredis "github.com/cuongbtq/wallet-audit/shared/redis"
	"github.com/shopspring/decimal"
)

// InitLogger builds the application logger tagged with the service identity
func InitLogger(cfg *config.LoggingConfig, app *config.AppConfig, service string) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		NoColor:      cfg.NoColor,
		Service:      service,
		Environment:  app.Environment,
		Version:      app.Version,
	}

	return logger.New(loggerCfg)
}

// InitPostgreSQL initializes the PostgreSQL database client
func InitPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		ApplicationName: cfg.ApplicationName,
		ConnectTimeout:  cfg.ConnectTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// InitRabbitMQ initializes the RabbitMQ client
func InitRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		DeadLetterExchange: cfg.DeadLetterExchange,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// InitRedis connects to Redis. It returns nil without error when no address is configured.
func InitRedis(cfg *config.RedisConfig, logger *slog.Logger) (*sharedredis.Client, error) {
	return sharedredis.NewClient(&sharedredis.Config{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, logger)
}

// LeaseManager returns a Redis lease manager when a client is available and an
// in-process one otherwise. In-process leases only exclude work inside one process.
func LeaseManager(client *sharedredis.Client, prefix string, logger *slog.Logger) lease.Manager {
	if client == nil {
		logger.Warn("Redis not configured, entity leases are process local")
		return lease.NewLocalManager()
	}
	return lease.NewRedisManager(client.Client, prefix, logger)
}

// InitKafka creates the anomaly publisher. It returns nil without error when no brokers are configured.
func InitKafka(cfg *config.KafkaConfig, logger *slog.Logger) (*publisher.Kafka, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	return publisher.NewKafka(publisher.Config{
		Brokers:         cfg.Brokers,
		Topic:           cfg.Topic,
		QueueSize:       cfg.QueueSize,
		BatchSize:       cfg.BatchSize,
		BatchTimeout:    cfg.BatchTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		RequiredAcks:    cfg.RequiredAcks,
		BreakerFailures: cfg.BreakerFailures,
		BreakerCooldown: cfg.BreakerCooldown,
	}, logger)
}

// Policy converts the configured tolerances to an invariant policy
func Policy(cfg *config.AuditConfig) invariant.Policy {
	return invariant.Policy{
		Epsilon:       decimal.NewFromFloat(cfg.Epsilon),
		WarningRatio:  decimal.NewFromFloat(cfg.WarningRatio),
		CriticalRatio: decimal.NewFromFloat(cfg.CriticalRatio),
	}
}

// Auditors bundles the three audit strategies sharing one engine
type Auditors struct {
	Targeted *auditor.Targeted
	Periodic *auditor.Periodic
	Global   *auditor.Global
}

// AuditorDeps are the collaborators NewAuditors wires together
type AuditorDeps struct {
	Wallets   wallet.Repository
	Recorder  auditor.Recorder
	Leases    lease.Manager
	Observers []auditor.Observer
	Logger    *slog.Logger
}

// NewAuditors builds the engine and the auditors from the audit configuration
func NewAuditors(cfg *config.AuditConfig, deps AuditorDeps) (*Auditors, error) {
	selector, err := auditor.NewSelector(cfg.PeriodicSelector, deps.Wallets)
	if err != nil {
		return nil, fmt.Errorf("failed to create periodic selector: %w", err)
	}

	engine := auditor.NewEngine(auditor.EngineConfig{
		Source:    deps.Wallets,
		Coverage:  deps.Wallets,
		Checkers:  invariant.NewRegistry(Policy(cfg)),
		Recorder:  deps.Recorder,
		Leases:    deps.Leases,
		LeaseTTL:  cfg.LeaseTTL,
		Observers: deps.Observers,
		Logger:    deps.Logger,
	})

	return &Auditors{
		Targeted: auditor.NewTargeted(engine),
		Periodic: auditor.NewPeriodic(engine, selector, cfg.PeriodicBatchSize),
		Global:   auditor.NewGlobal(engine, deps.Wallets, cfg.GlobalPageSize),
	}, nil
}

// HealthCheck combines per-dependency checks into one
func HealthCheck(checks ...func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		for _, check := range checks {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}
