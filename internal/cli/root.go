// Package cli implements auditctl, the operator command line for scheduling
// audits, running dry-run checks and reading results.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
	"github.com/cuongbtq/wallet-audit/internal/audit/store"
	"github.com/cuongbtq/wallet-audit/internal/bootstrap"
	"github.com/cuongbtq/wallet-audit/internal/config"
	"github.com/cuongbtq/wallet-audit/internal/lease"
	"github.com/cuongbtq/wallet-audit/internal/wallet"
	"github.com/spf13/cobra"
)

// Store is the part of the audit record store the CLI uses
type Store interface {
	Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.WorkItem, error)
	Get(ctx context.Context, id string) (*domain.WorkItem, error)
	List(ctx context.Context, filter store.Filter) (store.Page, error)
}

// Backend holds the connections commands run against
type Backend struct {
	Store   Store
	Wallets wallet.Repository
	Leases  lease.Manager
	Close   func() error
}

// OpenFunc connects a Backend for the loaded configuration
type OpenFunc func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backend, error)

// Config configures the root command
type Config struct {
	ConfigPath   string
	OutputWriter io.Writer
	// Settings skips loading ConfigPath when set
	Settings *config.Config
	Open     OpenFunc
	Logger   *slog.Logger
}

// DefaultConfig reads the worker configuration and connects to Postgres and Redis
func DefaultConfig() Config {
	path := os.Getenv("AUDITCTL_CONFIG_PATH")
	if path == "" {
		path = "configs/worker-service/config.yaml"
	}
	return Config{
		ConfigPath:   path,
		OutputWriter: os.Stdout,
		Open:         OpenPostgres,
	}
}

type runtimeState struct {
	configPath   string
	cfg          *config.Config
	outputFormat string
	open         OpenFunc
	logger       *slog.Logger
	writer       io.Writer
	backend      *Backend
}

type runtimeKey struct{}

// NewRootCommand builds auditctl
func NewRootCommand(cfg Config) *cobra.Command {
	rt := &runtimeState{
		configPath: cfg.ConfigPath,
		cfg:        cfg.Settings,
		open:       cfg.Open,
		logger:     cfg.Logger,
		writer:     cfg.OutputWriter,
	}

	root := &cobra.Command{
		Use:           "auditctl",
		Short:         "Wallet audit operator CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if rt.writer == nil {
				rt.writer = os.Stdout
			}
			if rt.outputFormat == "" {
				rt.outputFormat = os.Getenv("AUDITCTL_OUTPUT")
			}
			if _, err := parseFormat(rt.outputFormat); err != nil {
				return err
			}
			if rt.logger == nil {
				rt.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			}
			if rt.cfg != nil {
				return nil
			}

			loaded, err := config.Load(rt.configPath)
			if err != nil {
				return err
			}
			if err := loaded.ValidateAuditConfig(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			rt.cfg = loaded
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return rt.closeBackend()
		},
	}

	root.PersistentFlags().StringVar(&rt.configPath, "config", rt.configPath, "Path to config file")
	root.PersistentFlags().StringVarP(&rt.outputFormat, "output", "o", "", "Output format: table, json, yaml")

	root.SetContext(context.WithValue(context.Background(), runtimeKey{}, rt))

	root.AddCommand(
		newEnqueueCommand(),
		newCheckCommand(),
		newResultsCommand(),
	)

	return root
}

func getRuntime(cmd *cobra.Command) (*runtimeState, error) {
	rt, ok := cmd.Context().Value(runtimeKey{}).(*runtimeState)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

func (rt *runtimeState) Backend(ctx context.Context) (*Backend, error) {
	if rt.backend != nil {
		return rt.backend, nil
	}
	if rt.open == nil {
		return nil, errors.New("no backend configured")
	}
	b, err := rt.open(ctx, rt.cfg, rt.logger)
	if err != nil {
		return nil, err
	}
	rt.backend = b
	return b, nil
}

func (rt *runtimeState) closeBackend() error {
	if rt.backend == nil || rt.backend.Close == nil {
		return nil
	}
	err := rt.backend.Close()
	rt.backend = nil
	return err
}

func (rt *runtimeState) Format() Format {
	f, _ := parseFormat(rt.outputFormat)
	return f
}

// OpenPostgres connects to the audit database and, when configured, Redis for entity leases
func OpenPostgres(_ context.Context, cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	dbClient, err := bootstrap.InitPostgreSQL(&cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	redisClient, err := bootstrap.InitRedis(&cfg.Redis, logger)
	if err != nil {
		dbClient.Close()
		return nil, err
	}

	return &Backend{
		Store:   store.NewPostgres(dbClient.GetDB(), logger),
		Wallets: wallet.NewPostgres(dbClient.GetDB(), logger),
		Leases:  bootstrap.LeaseManager(redisClient, cfg.Redis.KeyPrefix, logger),
		Close: func() error {
			if redisClient != nil {
				redisClient.Close()
			}
			return dbClient.Close()
		},
	}, nil
}
