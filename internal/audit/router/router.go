// Package router moves audit work items through their lifecycle: it checks
// preconditions, claims the item, dispatches it to the auditor for its type and
// records the outcome.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
	"github.com/cuongbtq/wallet-audit/internal/wallet"
)

// Disposition is what happened to a work item after one delivery
type Disposition string

// Disposition values
const (
	DispositionResolved  Disposition = "resolved"
	DispositionRetry     Disposition = "retry"
	DispositionFailed    Disposition = "failed"
	DispositionDiscarded Disposition = "discarded"
	DispositionReleased  Disposition = "released"
	DispositionSkipped   Disposition = "skipped"
)

// Defaults applied by New
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultPersistTimeout    = 10 * time.Second
)

// Result reports the disposition and the last known state of the item
type Result struct {
	Disposition Disposition
	Item        *domain.WorkItem
}

// Store is the subset of the audit record store the router drives
type Store interface {
	Get(ctx context.Context, id string) (*domain.WorkItem, error)
	Claim(ctx context.Context, id, workerID string) (*domain.WorkItem, error)
	Heartbeat(ctx context.Context, id, workerID string) error
	Resolve(ctx context.Context, id, workerID string, res domain.Resolution) (*domain.WorkItem, error)
	RecordFailure(ctx context.Context, id, workerID string, f domain.Failure) (*domain.WorkItem, error)
	Release(ctx context.Context, id, workerID, reason string) (*domain.WorkItem, error)
	MarkFailed(ctx context.Context, id, workerID, reason string) (*domain.WorkItem, error)
	Discard(ctx context.Context, id string, from domain.Status, reason string) error
}

// TargetedAuditor checks one entity
type TargetedAuditor interface {
	Audit(ctx context.Context, item *domain.WorkItem, entityType, entityID string) (domain.Report, error)
}

// PeriodicAuditor reviews a rotating batch
type PeriodicAuditor interface {
	Run(ctx context.Context, item *domain.WorkItem) (domain.SweepResult, error)
}

// GlobalAuditor sweeps the whole population
type GlobalAuditor interface {
	RunFullSweep(ctx context.Context, item *domain.WorkItem) (domain.SweepResult, error)
}

// Metrics receives lifecycle observations. A nil Metrics is ignored.
type Metrics interface {
	ObserveTransition(auditType domain.AuditType, disposition string)
	ObserveAttempt(auditType domain.AuditType, d time.Duration)
	AttemptInFlight(delta int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveTransition(domain.AuditType, string) {}

func (noopMetrics) ObserveAttempt(domain.AuditType, time.Duration) {}

func (noopMetrics) AttemptInFlight(int) {}

// Config holds router collaborators and tuning
type Config struct {
	Store             Store
	Oracle            wallet.Oracle
	Targeted          TargetedAuditor
	Periodic          PeriodicAuditor
	Global            GlobalAuditor
	Backoff           Backoff
	StalenessWindow   time.Duration
	HeartbeatInterval time.Duration
	PersistTimeout    time.Duration
	WorkerID          string
	Metrics           Metrics
	Logger            *slog.Logger
	Clock             func() time.Time
}

// Router handles one work item delivery at a time; it is safe for concurrent use
type Router struct {
	store             Store
	oracle            wallet.Oracle
	targeted          TargetedAuditor
	periodic          PeriodicAuditor
	global            GlobalAuditor
	backoff           Backoff
	stalenessWindow   time.Duration
	heartbeatInterval time.Duration
	persistTimeout    time.Duration
	workerID          string
	metrics           Metrics
	logger            *slog.Logger
	now               func() time.Time
}

// New creates a router
func New(cfg Config) *Router {
	r := &Router{
		store:             cfg.Store,
		oracle:            cfg.Oracle,
		targeted:          cfg.Targeted,
		periodic:          cfg.Periodic,
		global:            cfg.Global,
		backoff:           cfg.Backoff,
		stalenessWindow:   cfg.StalenessWindow,
		heartbeatInterval: cfg.HeartbeatInterval,
		persistTimeout:    cfg.PersistTimeout,
		workerID:          cfg.WorkerID,
		metrics:           cfg.Metrics,
		logger:            cfg.Logger,
		now:               cfg.Clock,
	}
	if r.stalenessWindow <= 0 {
		r.stalenessWindow = domain.DefaultStalenessWindow
	}
	if r.heartbeatInterval <= 0 {
		r.heartbeatInterval = DefaultHeartbeatInterval
	}
	if r.persistTimeout <= 0 {
		r.persistTimeout = DefaultPersistTimeout
	}
	if r.metrics == nil {
		r.metrics = noopMetrics{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// panicError carries a value recovered from an auditor
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("audit panicked: %v", e.value)
}

// errAttemptInterrupted marks an attempt cut short by the delivery context
var errAttemptInterrupted = errors.New("attempt interrupted")

// Handle processes one delivery of the work item id. A returned error means
// the item could not be loaded or its outcome could not be persisted; it is
// wrapped in domain.RetryableError when redelivery may help.
func (r *Router) Handle(ctx context.Context, id string) (Result, error) {
	item, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrWorkItemNotFound) {
			r.logger.Info("Work item not found, skipping",
				slog.String("work_item_id", id),
			)
			return Result{Disposition: DispositionSkipped}, nil
		}
		return Result{}, domain.NewRetryableError(fmt.Errorf("failed to load work item: %w", err))
	}

	if item.Status != domain.StatusPending {
		r.logger.Info("Work item is not pending, skipping",
			slog.String("work_item_id", id),
			slog.String("status", string(item.Status)),
		)
		return Result{Disposition: DispositionSkipped, Item: item}, nil
	}

	if item.NextAttemptAt.After(r.now()) {
		r.logger.Info("Work item not due yet, skipping",
			slog.String("work_item_id", id),
			slog.Time("next_attempt_at", item.NextAttemptAt),
		)
		return Result{Disposition: DispositionSkipped, Item: item}, nil
	}

	if reason, err := r.precondition(ctx, item); err != nil {
		return Result{Item: item}, err
	} else if reason != "" {
		return r.discard(ctx, item, domain.StatusPending, reason)
	}

	claimed, err := r.store.Claim(ctx, id, r.workerID)
	if err != nil {
		if errors.Is(err, domain.ErrWorkItemNotPending) {
			r.logger.Info("Work item already claimed, skipping",
				slog.String("work_item_id", id),
			)
			return Result{Disposition: DispositionSkipped, Item: item}, nil
		}
		return Result{Item: item}, domain.NewRetryableError(fmt.Errorf("failed to claim work item: %w", err))
	}

	r.logger.Info("Work item claimed",
		slog.String("work_item_id", claimed.ID),
		slog.String("audit_type", string(claimed.AuditType)),
		slog.String("entity_id", claimed.Entity()),
		slog.String("worker_id", r.workerID),
		slog.Int("attempts", claimed.Attempts),
		slog.Int("max_attempts", claimed.MaxAttempts),
	)

	if !claimed.AuditType.Known() {
		return r.settle(ctx, claimed, domain.Resolution{}, fmt.Errorf("%w: %q", domain.ErrUnknownAuditType, claimed.AuditType))
	}

	res, err := r.attempt(ctx, claimed)
	return r.settle(ctx, claimed, res, err)
}

// precondition returns a non-empty discard reason when the item must not run
func (r *Router) precondition(ctx context.Context, item *domain.WorkItem) (string, error) {
	if item.IsStale(r.now(), r.stalenessWindow) {
		return fmt.Sprintf("stale: scheduled at %s", item.ScheduledAt.UTC().Format(time.RFC3339)), nil
	}

	if item.EntityType != domain.EntityTypeWallet || item.Entity() == "" || r.oracle == nil {
		return "", nil
	}
	exists, err := r.oracle.Exists(ctx, item.EntityType, item.Entity())
	if err != nil {
		return "", domain.NewRetryableError(fmt.Errorf("failed to check entity existence: %w", err))
	}
	if !exists {
		return fmt.Sprintf("entity %s no longer exists", domain.EntityKey(item.EntityType, item.Entity())), nil
	}
	return "", nil
}

// attempt runs the auditor under the per-attempt deadline while heartbeating
func (r *Router) attempt(ctx context.Context, item *domain.WorkItem) (domain.Resolution, error) {
	r.metrics.AttemptInFlight(1)
	defer r.metrics.AttemptInFlight(-1)

	start := r.now()
	attemptCtx, cancel := context.WithTimeout(ctx, item.AttemptTimeout())
	defer cancel()

	heartbeatDone := make(chan struct{})
	go r.sendHeartbeat(attemptCtx, item.ID, item.Claimant(), heartbeatDone)
	defer close(heartbeatDone)

	res, err := r.dispatchSafely(attemptCtx, item)
	r.metrics.ObserveAttempt(item.AuditType, r.now().Sub(start))

	var panicked *panicError
	switch {
	case err == nil && attemptCtx.Err() != nil && ctx.Err() == nil:
		err = fmt.Errorf("attempt exceeded %s: %w", item.AttemptTimeout(), attemptCtx.Err())
	case err != nil && ctx.Err() != nil && !errors.As(err, &panicked):
		err = fmt.Errorf("%w: %w", errAttemptInterrupted, err)
	}
	return res, err
}

func (r *Router) dispatchSafely(ctx context.Context, item *domain.WorkItem) (res domain.Resolution, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Audit panicked",
				slog.String("work_item_id", item.ID),
				slog.String("audit_type", string(item.AuditType)),
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())),
			)
			err = &panicError{value: p}
		}
	}()
	return r.dispatch(ctx, item)
}

// dispatch selects the auditor by audit type and decides success for it
func (r *Router) dispatch(ctx context.Context, item *domain.WorkItem) (domain.Resolution, error) {
	switch item.AuditType {
	case domain.AuditTypeTargeted:
		report, err := r.targeted.Audit(ctx, item, item.EntityType, item.Entity())
		if err != nil {
			return domain.Resolution{}, err
		}
		return resolution(report.HighestSeverity(), report.Summary()), nil

	case domain.AuditTypePeriodic:
		sweep, err := r.periodic.Run(ctx, item)
		if err != nil {
			return domain.Resolution{}, err
		}
		if !sweep.CompletedWithoutError {
			return resolution(sweep.HighestSeverity(), sweep.Summary()), fmt.Errorf("periodic batch did not complete: %d audited, %d skipped",
				sweep.EntitiesAudited, sweep.EntitiesSkipped)
		}
		return resolution(sweep.HighestSeverity(), sweep.Summary()), nil

	case domain.AuditTypeGlobal:
		sweep, err := r.global.RunFullSweep(ctx, item)
		if err != nil {
			return domain.Resolution{}, err
		}
		if !sweep.CompletedWithoutError {
			return resolution(sweep.HighestSeverity(), sweep.Summary()), fmt.Errorf("global sweep did not complete: %d audited, %d skipped",
				sweep.EntitiesAudited, sweep.EntitiesSkipped)
		}
		if sweep.AnomaliesDetected > 0 {
			return resolution(sweep.HighestSeverity(), sweep.Summary()), fmt.Errorf("global sweep found %d anomalies (highest %s)",
				sweep.AnomaliesDetected, sweep.HighestSeverity())
		}
		return resolution("", sweep.Summary()), nil

	default:
		return domain.Resolution{}, fmt.Errorf("%w: %q", domain.ErrUnknownAuditType, item.AuditType)
	}
}

func resolution(highest domain.Severity, summary domain.Metadata) domain.Resolution {
	res := domain.Resolution{Metadata: summary}
	if highest != "" {
		res.Severity = &highest
	}
	return res
}

// settle persists the outcome of an attempt. It uses a context detached from
// ctx so a shutdown never leaves a finished attempt unrecorded. Every write is
// fenced by the worker that claimed item.
func (r *Router) settle(ctx context.Context, item *domain.WorkItem, res domain.Resolution, cause error) (Result, error) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.persistTimeout)
	defer cancel()

	claimant := item.Claimant()
	var panicked *panicError
	switch {
	case cause == nil:
		updated, err := r.store.Resolve(persistCtx, item.ID, claimant, res)
		if err != nil {
			return r.persistFailed(item, "resolve", err)
		}
		return r.transitioned(updated, DispositionResolved, ""), nil

	case errors.Is(cause, domain.ErrUnknownAuditType), errors.Is(cause, domain.ErrInvalidWorkItem):
		updated, err := r.store.MarkFailed(persistCtx, item.ID, claimant, cause.Error())
		if err != nil {
			return r.persistFailed(item, "mark failed", err)
		}
		return r.transitioned(updated, DispositionFailed, cause.Error()), nil

	case errors.Is(cause, domain.ErrEntityNotFound):
		return r.discard(persistCtx, item, domain.StatusProcessing, cause.Error())

	case errors.Is(cause, errAttemptInterrupted):
		updated, err := r.store.Release(persistCtx, item.ID, claimant, cause.Error())
		if err != nil {
			return r.persistFailed(item, "release", err)
		}
		return r.transitioned(updated, DispositionReleased, cause.Error()), nil

	default:
		reason := "audit failed: " + cause.Error()
		updated, err := r.store.RecordFailure(persistCtx, item.ID, claimant, domain.Failure{
			Reason:   reason,
			Terminal: errors.As(cause, &panicked),
			RetryAt:  r.now().Add(r.backoff.Delay(item.Attempts + 1)),
			Severity: res.Severity,
			Metadata: res.Metadata,
		})
		if err != nil {
			return r.persistFailed(item, "record failure", err)
		}
		if updated.Status == domain.StatusPending {
			return r.transitioned(updated, DispositionRetry, reason), nil
		}
		return r.transitioned(updated, DispositionFailed, reason), nil
	}
}

func (r *Router) discard(ctx context.Context, item *domain.WorkItem, from domain.Status, reason string) (Result, error) {
	if err := r.store.Discard(ctx, item.ID, from, reason); err != nil {
		if errors.Is(err, domain.ErrWorkItemNotFound) || errors.Is(err, domain.ErrWorkItemNotPending) {
			return Result{Disposition: DispositionSkipped, Item: item}, nil
		}
		return r.persistFailed(item, "discard", err)
	}
	return r.transitioned(item, DispositionDiscarded, reason), nil
}

// persistFailed reports a transition that could not be written. When another
// writer already moved the item the delivery is treated as handled.
func (r *Router) persistFailed(item *domain.WorkItem, op string, err error) (Result, error) {
	if errors.Is(err, domain.ErrWorkItemNotProcessing) || errors.Is(err, domain.ErrWorkItemTerminal) {
		r.logger.Warn("Work item changed state during attempt",
			slog.String("work_item_id", item.ID),
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
		return Result{Disposition: DispositionSkipped, Item: item}, nil
	}
	r.logger.Error("Failed to persist work item transition",
		slog.String("work_item_id", item.ID),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
	return Result{Item: item}, fmt.Errorf("failed to %s work item %s: %w", op, item.ID, err)
}

func (r *Router) transitioned(item *domain.WorkItem, d Disposition, reason string) Result {
	r.metrics.ObserveTransition(item.AuditType, string(d))

	attrs := []any{
		slog.String("work_item_id", item.ID),
		slog.String("audit_type", string(item.AuditType)),
		slog.String("entity_type", item.EntityType),
		slog.String("entity_id", item.Entity()),
		slog.String("disposition", string(d)),
		slog.Int("attempts", item.Attempts),
		slog.Int("max_attempts", item.MaxAttempts),
		slog.String("worker_id", r.workerID),
	}
	if item.Severity != nil {
		attrs = append(attrs, slog.String("severity", string(*item.Severity)))
	}
	if reason != "" {
		attrs = append(attrs, slog.String("reason", reason))
	}

	switch d {
	case DispositionFailed:
		r.logger.Error("Work item failed", attrs...)
	case DispositionRetry:
		attrs = append(attrs, slog.Time("next_attempt_at", item.NextAttemptAt))
		r.logger.Warn("Work item will be retried", attrs...)
	case DispositionDiscarded:
		r.logger.Info("Work item discarded", attrs...)
	case DispositionReleased:
		r.logger.Warn("Work item released unattempted", attrs...)
	default:
		r.logger.Info("Work item resolved", attrs...)
	}
	return Result{Disposition: d, Item: item}
}

// Abandon records a failed attempt for a processing item whose worker has not
// heartbeated within timeout. The item is retried or failed like any other
// failed attempt; an item that heartbeated since it was selected is left alone.
func (r *Router) Abandon(ctx context.Context, id string, timeout time.Duration) (Result, error) {
	item, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrWorkItemNotFound) {
			return Result{Disposition: DispositionSkipped}, nil
		}
		return Result{}, fmt.Errorf("failed to load work item: %w", err)
	}
	if item.Status != domain.StatusProcessing {
		return Result{Disposition: DispositionSkipped, Item: item}, nil
	}
	if item.LastHeartbeatAt != nil && r.now().Sub(*item.LastHeartbeatAt) <= timeout {
		return Result{Disposition: DispositionSkipped, Item: item}, nil
	}

	lastSeen := "never"
	if item.LastHeartbeatAt != nil {
		lastSeen = item.LastHeartbeatAt.UTC().Format(time.RFC3339)
	}
	return r.settle(ctx, item, domain.Resolution{}, fmt.Errorf("heartbeat lost (last seen %s)", lastSeen))
}

// sendHeartbeat periodically updates the item's heartbeat timestamp until done is closed
func (r *Router) sendHeartbeat(ctx context.Context, id, workerID string, done <-chan struct{}) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Heartbeat(ctx, id, workerID); err != nil {
				r.logger.Warn("Failed to update work item heartbeat",
					slog.String("work_item_id", id),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
