package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "wallet_audit", cfg.Database.Database)
				assert.Equal(t, "audit_work_items", cfg.RabbitMQ.Queue.Name)
				assert.Equal(t, 4, cfg.RabbitMQ.Consumer.PrefetchCount)
				assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
				assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
				assert.Equal(t, 24*time.Hour, cfg.Audit.StalenessWindow)
				assert.Equal(t, 30*time.Minute, cfg.Audit.AttemptTimeout)
				assert.Equal(t, SelectorRoundRobin, cfg.Audit.PeriodicSelector)
				assert.Equal(t, 1000, cfg.Audit.GlobalPageSize)
				assert.Equal(t, "wallet-audit", cfg.App.Name)
			}
		})
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load("testdata/missing_database.yaml")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Audit.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Audit.LeaseTTL)
	assert.Equal(t, 0.01, cfg.Audit.Epsilon)
	assert.Equal(t, 0.10, cfg.Audit.CriticalRatio)
	assert.Equal(t, SelectorLeastRecentlyAudited, cfg.Audit.PeriodicSelector)
	assert.Equal(t, 30*time.Second, cfg.Audit.BackoffBase)
	assert.Equal(t, 5*time.Minute, cfg.Worker.RedispatchAfter)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.False(t, cfg.Kafka.Enabled())
	assert.Equal(t, 10000, cfg.Kafka.QueueSize)
	assert.Equal(t, 100, cfg.Kafka.BatchSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Kafka.BatchTimeout)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("DATABASE_PASSWORD", "from-env")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Database.Password)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func validConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "wallet_audit",
		},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			Exchange: ExchangeConfig{Name: "audit_exchange"},
			Queue:    QueueConfig{Name: "audit_work_items"},
		},
		Worker: WorkerConfig{Concurrency: 4},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "rabbitmq is not required", mutate: func(c *Config) { c.RabbitMQ = RabbitMQConfig{} }},
		{name: "invalid server port - too low", mutate: func(c *Config) { c.Server.Port = 0 }, errString: "invalid server port"},
		{name: "invalid server port - too high", mutate: func(c *Config) { c.Server.Port = 70000 }, errString: "invalid server port"},
		{name: "empty database host", mutate: func(c *Config) { c.Database.Host = "" }, errString: "database host is required"},
		{name: "invalid database port", mutate: func(c *Config) { c.Database.Port = -1 }, errString: "invalid database port"},
		{name: "empty database name", mutate: func(c *Config) { c.Database.Database = "" }, errString: "database name is required"},
		{name: "bad audit policy", mutate: func(c *Config) { c.Audit.MaxAttempts = 0 }, errString: "max_attempts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateAPIConfig()
			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "server port is not required", mutate: func(c *Config) { c.Server.Port = 0 }},
		{name: "empty rabbitmq host", mutate: func(c *Config) { c.RabbitMQ.Host = "" }, errString: "rabbitmq host is required"},
		{name: "empty exchange name", mutate: func(c *Config) { c.RabbitMQ.Exchange.Name = "" }, errString: "rabbitmq exchange name is required"},
		{name: "empty queue name", mutate: func(c *Config) { c.RabbitMQ.Queue.Name = "" }, errString: "rabbitmq queue name is required"},
		{name: "zero concurrency", mutate: func(c *Config) { c.Worker.Concurrency = 0 }, errString: "concurrency"},
		{
			name: "heartbeat timeout below interval",
			mutate: func(c *Config) {
				c.Worker.HeartbeatInterval = time.Minute
				c.Worker.HeartbeatTimeout = 30 * time.Second
			},
			errString: "heartbeat_timeout",
		},
		{
			name: "metrics port checked when enabled",
			mutate: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Port = 0
			},
			errString: "invalid metrics port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()
			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateAuditConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(a *AuditConfig)
		errString string
	}{
		{name: "defaults are valid", mutate: func(a *AuditConfig) {}},
		{name: "negative epsilon", mutate: func(a *AuditConfig) { a.Epsilon = -1 }, errString: "epsilon"},
		{name: "negative ratio", mutate: func(a *AuditConfig) { a.WarningRatio = -0.5 }, errString: "warning_ratio"},
		{
			name: "warning above critical",
			mutate: func(a *AuditConfig) {
				a.WarningRatio = 0.5
				a.CriticalRatio = 0.1
			},
			errString: "must not exceed critical_ratio",
		},
		{name: "unknown selector", mutate: func(a *AuditConfig) { a.PeriodicSelector = "random" }, errString: "periodic_selector"},
		{name: "backoff base above max", mutate: func(a *AuditConfig) { a.BackoffBase = 2 * a.BackoffMax }, errString: "backoff_base"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg.Audit)

			err := cfg.ValidateAuditConfig()
			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		require.NoError(t, cfg.ValidateAPIConfig())
		require.NoError(t, cfg.ValidateWorkerConfig())
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}

func TestPortConstants(t *testing.T) {
	assert.Equal(t, 1, MinPort)
	assert.Equal(t, 65535, MaxPort)

	for _, port := range []int{1, 80, 443, 8080, 65535} {
		assert.NoError(t, validatePort("test", port))
	}
	for _, port := range []int{0, -1, 65536, 70000} {
		assert.Error(t, validatePort("test", port), "port %d should be invalid", port)
	}
}

func TestShippedServiceConfigs(t *testing.T) {
	api, err := Load("../../configs/api-service/config.yaml")
	require.NoError(t, err)
	assert.NoError(t, api.ValidateAPIConfig())

	worker, err := Load("../../configs/worker-service/config.yaml")
	require.NoError(t, err)
	assert.NoError(t, worker.ValidateWorkerConfig())
	assert.Equal(t, "audit_dead_letter", worker.RabbitMQ.DeadLetterExchange)
	assert.Equal(t, SelectorLeastRecentlyAudited, worker.Audit.PeriodicSelector)
}
