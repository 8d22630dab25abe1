package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
	"github.com/cuongbtq/wallet-audit/internal/audit/store"
	"github.com/cuongbtq/wallet-audit/internal/metrics"
)

// AuditStore is the part of the audit record store the API reads and writes
type AuditStore interface {
	Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.WorkItem, error)
	Get(ctx context.Context, id string) (*domain.WorkItem, error)
	List(ctx context.Context, filter store.Filter) (store.Page, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Store       AuditStore
	Metrics     *metrics.Metrics
	HealthCheck func(ctx context.Context) error
	// MaxAttempts is applied to requests that leave max_attempts unset
	MaxAttempts int

	// AllowedOrigins lists CORS origins; empty allows any
	AllowedOrigins []string
}

// AuditHandler handles audit-related HTTP requests
type AuditHandler struct {
	logger      *slog.Logger
	store       AuditStore
	maxAttempts int
}

// NewAuditHandler creates a new AuditHandler instance
func NewAuditHandler(deps *Dependencies) *AuditHandler {
	return &AuditHandler{
		logger:      deps.Logger,
		store:       deps.Store,
		maxAttempts: deps.MaxAttempts,
	}
}
