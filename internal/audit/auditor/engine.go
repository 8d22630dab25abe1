package auditor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
	"github.com/cuongbtq/wallet-audit/internal/audit/invariant"
	"github.com/cuongbtq/wallet-audit/internal/lease"
	"github.com/cuongbtq/wallet-audit/internal/wallet"
)

// DefaultLeaseTTL bounds how long one entity stays locked if a worker dies mid-check
const DefaultLeaseTTL = 2 * time.Minute

// Recorder persists outcome rows under the work item that produced them
type Recorder interface {
	RecordOutcomes(ctx context.Context, parent *domain.WorkItem, entityType, entityID string, outcomes []domain.Outcome) error
}

// Observer is notified of every anomaly after it has been recorded
type Observer interface {
	AnomalyDetected(ctx context.Context, item *domain.WorkItem, entityType, entityID string, outcome domain.Outcome)
}

// DiscardRecorder drops outcomes. It backs dry-run checks from the CLI.
type DiscardRecorder struct{}

func (DiscardRecorder) RecordOutcomes(context.Context, *domain.WorkItem, string, string, []domain.Outcome) error {
	return nil
}

// EngineConfig holds the collaborators shared by every auditor
type EngineConfig struct {
	Source    wallet.Source
	Coverage  wallet.Coverage
	Checkers  *invariant.Registry
	Recorder  Recorder
	Leases    lease.Manager
	LeaseTTL  time.Duration
	Observers []Observer
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Engine audits one entity at a time under its lease
type Engine struct {
	source    wallet.Source
	coverage  wallet.Coverage
	checkers  *invariant.Registry
	recorder  Recorder
	leases    lease.Manager
	leaseTTL  time.Duration
	observers []Observer
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates a new engine
func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		source:    cfg.Source,
		coverage:  cfg.Coverage,
		checkers:  cfg.Checkers,
		recorder:  cfg.Recorder,
		leases:    cfg.Leases,
		leaseTTL:  cfg.LeaseTTL,
		observers: cfg.Observers,
		logger:    cfg.Logger,
		now:       cfg.Clock,
	}
	if e.checkers == nil {
		e.checkers = invariant.NewRegistry(invariant.DefaultPolicy())
	}
	if e.recorder == nil {
		e.recorder = DiscardRecorder{}
	}
	if e.leases == nil {
		e.leases = lease.NewLocalManager()
	}
	if e.leaseTTL <= 0 {
		e.leaseTTL = DefaultLeaseTTL
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

type auditOptions struct {
	invariant   string
	recordClean bool
}

// auditEntity leases the entity, evaluates the selected invariants against one
// snapshot and records the outcomes. Clean outcomes are only written when
// opts.recordClean is set.
func (e *Engine) auditEntity(ctx context.Context, item *domain.WorkItem, entityType, entityID string, opts auditOptions) ([]domain.Outcome, error) {
	if entityType != domain.EntityTypeWallet {
		return nil, fmt.Errorf("%w: %w: %s", domain.ErrInvalidWorkItem, domain.ErrUnsupportedEntityType, entityType)
	}

	checkers, err := e.checkers.Select(opts.invariant)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidWorkItem, err)
	}

	key := domain.EntityKey(entityType, entityID)
	held, err := e.leases.Acquire(ctx, key, e.leaseTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLeaseHeld) {
			return nil, fmt.Errorf("%w: %s", domain.ErrEntityBusy, key)
		}
		return nil, fmt.Errorf("failed to lease entity: %w", err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := held.Release(releaseCtx); err != nil {
			e.logger.Warn("Failed to release entity lease",
				slog.String("lease_key", key),
				slog.String("error", err.Error()),
			)
		}
	}()

	snap, err := e.source.Snapshot(ctx, entityID)
	if err != nil {
		if errors.Is(err, domain.ErrEntityNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrEntityNotFound, key)
		}
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	outcomes := invariant.CheckAll(checkers, snap)

	toRecord := outcomes
	if !opts.recordClean {
		toRecord = anomaliesOf(outcomes)
	}
	if len(toRecord) > 0 {
		if err := e.recorder.RecordOutcomes(ctx, item, entityType, entityID, toRecord); err != nil {
			return nil, fmt.Errorf("failed to record outcomes: %w", err)
		}
	}

	for _, o := range outcomes {
		if !o.IsAnomaly() {
			continue
		}
		e.logger.Warn("Anomaly detected",
			slog.String("work_item_id", item.ID),
			slog.String("audit_type", string(item.AuditType)),
			slog.String("entity_type", entityType),
			slog.String("entity_id", entityID),
			slog.String("invariant", o.Invariant),
			slog.String("severity", string(o.Severity)),
			slog.String("expected", o.Expected.String()),
			slog.String("actual", o.Actual.String()),
			slog.String("gap", o.Gap.String()),
		)
		for _, obs := range e.observers {
			obs.AnomalyDetected(ctx, item, entityType, entityID, o)
		}
	}

	if e.coverage != nil {
		if err := e.coverage.MarkAudited(ctx, entityType, entityID, e.now()); err != nil {
			e.logger.Warn("Failed to record audit coverage",
				slog.String("entity_id", entityID),
				slog.String("error", err.Error()),
			)
		}
	}

	return outcomes, nil
}

// sweepEntity audits one entity as part of a batch and folds the result into res.
// It reports whether the entity was handled (audited or skipped) as opposed to failed.
func (e *Engine) sweepEntity(ctx context.Context, item *domain.WorkItem, entityType, entityID string, res *domain.SweepResult) bool {
	outcomes, err := e.auditEntity(ctx, item, entityType, entityID, auditOptions{})
	switch {
	case err == nil:
		res.Add(outcomes)
		return true
	case errors.Is(err, domain.ErrEntityBusy), errors.Is(err, domain.ErrEntityNotFound):
		res.EntitiesSkipped++
		e.logger.Info("Entity skipped during sweep",
			slog.String("work_item_id", item.ID),
			slog.String("entity_id", entityID),
			slog.String("reason", err.Error()),
		)
		return true
	default:
		res.CompletedWithoutError = false
		e.logger.Error("Entity audit failed during sweep",
			slog.String("work_item_id", item.ID),
			slog.String("entity_id", entityID),
			slog.String("error", err.Error()),
		)
		return false
	}
}

func anomaliesOf(outcomes []domain.Outcome) []domain.Outcome {
	var out []domain.Outcome
	for _, o := range outcomes {
		if o.IsAnomaly() {
			out = append(out, o)
		}
	}
	return out
}
