package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Periodic selector names accepted by the audit section
const (
	SelectorLeastRecentlyAudited = "least_recently_audited"
	SelectorRoundRobin           = "round_robin"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
	Audit    AuditConfig    `yaml:"audit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	ApplicationName string        `yaml:"application_name"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`

	// AutoMigrate applies the embedded schema when the API service starts
	AutoMigrate bool `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host               string           `yaml:"host"`
	Port               int              `yaml:"port"`
	User               string           `yaml:"user"`
	Password           string           `yaml:"password"`
	VHost              string           `yaml:"vhost"`
	Exchange           ExchangeConfig   `yaml:"exchange"`
	Queue              QueueConfig      `yaml:"queue"`
	RoutingKey         string           `yaml:"routing_key"`
	DeadLetterExchange string           `yaml:"dead_letter_exchange"`
	Connection         ConnectionConfig `yaml:"connection"`
	Publish            PublishConfig    `yaml:"publish"`
	Consumer           ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	Exclusive     bool `yaml:"exclusive"`
}

// RedisConfig holds the entity lease store. An empty address selects in-process leases.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	KeyPrefix    string        `yaml:"key_prefix"`
}

// KafkaConfig holds the anomaly stream. No brokers disables publishing.
type KafkaConfig struct {
	Brokers         []string      `yaml:"brokers"`
	Topic           string        `yaml:"topic"`
	QueueSize       int           `yaml:"queue_size"`
	BatchSize       int           `yaml:"batch_size"`
	BatchTimeout    time.Duration `yaml:"batch_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequiredAcks    int           `yaml:"required_acks"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// Enabled reports whether anomaly publishing is configured
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	NoColor      bool   `yaml:"no_color"`
}

// MetricsConfig holds the Prometheus endpoint. The API serves it on its own
// router; the worker starts a dedicated listener on Port.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ReapInterval      time.Duration `yaml:"reap_interval"`
	DispatchInterval  time.Duration `yaml:"dispatch_interval"`
	DispatchBatchSize int           `yaml:"dispatch_batch_size"`
	RedispatchAfter   time.Duration `yaml:"redispatch_after"`
	PersistTimeout    time.Duration `yaml:"persist_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// AuditConfig holds auditing policy
type AuditConfig struct {
	StalenessWindow   time.Duration `yaml:"staleness_window"`
	MaxAttempts       int           `yaml:"max_attempts"`
	AttemptTimeout    time.Duration `yaml:"attempt_timeout"`
	LeaseTTL          time.Duration `yaml:"lease_ttl"`
	Epsilon           float64       `yaml:"epsilon"`
	WarningRatio      float64       `yaml:"warning_ratio"`
	CriticalRatio     float64       `yaml:"critical_ratio"`
	PeriodicBatchSize int           `yaml:"periodic_batch_size"`
	PeriodicSelector  string        `yaml:"periodic_selector"`
	GlobalPageSize    int           `yaml:"global_page_size"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// Load reads and parses the configuration file, then applies environment
// overrides and defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnv()
	config.ApplyDefaults()

	return &config, nil
}

// applyEnv lets secrets and endpoints come from the environment (or .env)
func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	setString(&c.Database.Host, "DATABASE_HOST")
	setString(&c.Database.Password, "DATABASE_PASSWORD")
	setString(&c.RabbitMQ.Host, "RABBITMQ_HOST")
	setString(&c.RabbitMQ.Password, "RABBITMQ_PASSWORD")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")

	if v, ok := os.LookupEnv("KAFKA_BROKERS"); ok {
		c.Kafka.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.Kafka.Brokers = append(c.Kafka.Brokers, b)
			}
		}
	}
}

// ApplyDefaults fills every unset tunable
func (c *Config) ApplyDefaults() {
	setDuration := func(dst *time.Duration, v time.Duration) {
		if *dst <= 0 {
			*dst = v
		}
	}
	setInt := func(dst *int, v int) {
		if *dst <= 0 {
			*dst = v
		}
	}

	setDuration(&c.Server.ShutdownTimeout, 30*time.Second)
	setDuration(&c.Worker.HeartbeatInterval, 30*time.Second)
	setDuration(&c.Worker.HeartbeatTimeout, 2*time.Minute)
	setDuration(&c.Worker.ReapInterval, time.Minute)
	setDuration(&c.Worker.DispatchInterval, 2*time.Second)
	setInt(&c.Worker.DispatchBatchSize, 100)
	setDuration(&c.Worker.RedispatchAfter, 5*time.Minute)
	setDuration(&c.Worker.PersistTimeout, 10*time.Second)
	setDuration(&c.Worker.ShutdownTimeout, 30*time.Second)

	setDuration(&c.Audit.StalenessWindow, 24*time.Hour)
	setInt(&c.Audit.MaxAttempts, 3)
	setDuration(&c.Audit.AttemptTimeout, 30*time.Minute)
	setDuration(&c.Audit.LeaseTTL, 2*time.Minute)
	if c.Audit.Epsilon == 0 {
		c.Audit.Epsilon = 0.01
	}
	if c.Audit.WarningRatio == 0 {
		c.Audit.WarningRatio = 0.01
	}
	if c.Audit.CriticalRatio == 0 {
		c.Audit.CriticalRatio = 0.10
	}
	setInt(&c.Audit.PeriodicBatchSize, 100)
	if c.Audit.PeriodicSelector == "" {
		c.Audit.PeriodicSelector = SelectorLeastRecentlyAudited
	}
	setInt(&c.Audit.GlobalPageSize, 500)
	setDuration(&c.Audit.BackoffBase, 30*time.Second)
	setDuration(&c.Audit.BackoffMax, 30*time.Minute)
	setInt(&c.Kafka.QueueSize, 10000)
	setInt(&c.Kafka.BatchSize, 100)
	setDuration(&c.Kafka.BatchTimeout, 100*time.Millisecond)

	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "audit:lease:"
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "wallet-audit.anomalies"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func validatePort(name string, port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("invalid %s port: %d (must be between %d and %d)", name, port, MinPort, MaxPort)
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if err := validatePort("database", c.Database.Port); err != nil {
		return err
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}
	if err := validatePort("rabbitmq", c.RabbitMQ.Port); err != nil {
		return err
	}
	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}
	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}
	return nil
}

// ValidateAPIConfig checks the settings the API service needs. The API only
// writes pending rows, so it does not need RabbitMQ.
func (c *Config) ValidateAPIConfig() error {
	if err := validatePort("server", c.Server.Port); err != nil {
		return err
	}
	if err := c.validateDatabase(); err != nil {
		return err
	}
	return c.ValidateAuditConfig()
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}
	if c.Worker.HeartbeatTimeout <= c.Worker.HeartbeatInterval {
		return fmt.Errorf("worker heartbeat_timeout must exceed heartbeat_interval")
	}
	if c.Metrics.Enabled {
		if err := validatePort("metrics", c.Metrics.Port); err != nil {
			return err
		}
	}
	if c.Kafka.Enabled() && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka topic is required when brokers are set")
	}
	return c.ValidateAuditConfig()
}

// ValidateAuditConfig checks the auditing policy
func (c *Config) ValidateAuditConfig() error {
	a := c.Audit
	if a.MaxAttempts <= 0 {
		return fmt.Errorf("audit max_attempts must be greater than 0")
	}
	if a.AttemptTimeout <= 0 {
		return fmt.Errorf("audit attempt_timeout must be greater than 0")
	}
	if a.StalenessWindow <= 0 {
		return fmt.Errorf("audit staleness_window must be greater than 0")
	}
	if a.Epsilon < 0 {
		return fmt.Errorf("audit epsilon must not be negative")
	}
	if a.WarningRatio <= 0 || a.CriticalRatio <= 0 {
		return fmt.Errorf("audit warning_ratio and critical_ratio must be greater than 0")
	}
	if a.WarningRatio > a.CriticalRatio {
		return fmt.Errorf("audit warning_ratio (%g) must not exceed critical_ratio (%g)", a.WarningRatio, a.CriticalRatio)
	}
	switch a.PeriodicSelector {
	case SelectorLeastRecentlyAudited, SelectorRoundRobin:
	default:
		return fmt.Errorf("unknown audit periodic_selector: %q", a.PeriodicSelector)
	}
	if a.BackoffBase > a.BackoffMax {
		return fmt.Errorf("audit backoff_base must not exceed backoff_max")
	}
	return nil
}
