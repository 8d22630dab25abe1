package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
	"github.com/cuongbtq/wallet-audit/shared/postgresql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const workItemColumns = `
	id, parent_id, audit_type, entity_type, entity_id, scheduled_at,
	attempts, max_attempts, status, invariant, severity,
	expected_value, actual_value, gap, metadata, last_error,
	worker_id, timeout_seconds, next_attempt_at, dispatched_at,
	started_at, last_heartbeat_at, created_at, updated_at, resolved_at`

// Postgres stores audit records in PostgreSQL
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgres creates a new Postgres store
func NewPostgres(db *sqlx.DB, logger *slog.Logger) *Postgres {
	return &Postgres{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// Enqueue inserts a pending work item that becomes due at its scheduled time
func (s *Postgres) Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.WorkItem, error) {
	now := s.now().UTC()
	if err := req.Normalize(now); err != nil {
		return nil, err
	}

	var entityID *string
	if req.EntityID != "" {
		entityID = &req.EntityID
	}

	query := `
		INSERT INTO audit_records (
			id, audit_type, entity_type, entity_id, scheduled_at,
			attempts, max_attempts, status, invariant, metadata,
			timeout_seconds, next_attempt_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			0, $6, $7, $8, $9,
			$10, $5, $11, $11
		)
		RETURNING ` + workItemColumns

	var item domain.WorkItem
	err := s.db.QueryRowxContext(ctx, query,
		uuid.NewString(),
		req.AuditType,
		req.EntityType,
		entityID,
		req.ScheduledAt.UTC(),
		req.MaxAttempts,
		domain.StatusPending,
		req.Invariant,
		req.Metadata,
		req.TimeoutSeconds,
		now,
	).StructScan(&item)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue work item: %w", err)
	}

	s.logger.Info("Work item enqueued",
		slog.String("work_item_id", item.ID),
		slog.String("audit_type", string(item.AuditType)),
		slog.String("entity_id", item.Entity()),
	)

	return &item, nil
}

// Get retrieves a record by id
func (s *Postgres) Get(ctx context.Context, id string) (*domain.WorkItem, error) {
	var item domain.WorkItem
	err := s.db.GetContext(ctx, &item, `SELECT `+workItemColumns+` FROM audit_records WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrWorkItemNotFound
		}
		return nil, fmt.Errorf("failed to get work item: %w", err)
	}
	return &item, nil
}

// Claim moves a pending work item to processing using optimistic locking
func (s *Postgres) Claim(ctx context.Context, id, workerID string) (*domain.WorkItem, error) {
	now := s.now().UTC()
	query := `
		UPDATE audit_records
		SET status = $1,
		    worker_id = $2,
		    started_at = $3,
		    last_heartbeat_at = $3,
		    updated_at = $3
		WHERE id = $4
		  AND status = $5
		  AND parent_id IS NULL
		RETURNING ` + workItemColumns

	var item domain.WorkItem
	err := s.db.QueryRowxContext(ctx, query, domain.StatusProcessing, workerID, now, id, domain.StatusPending).StructScan(&item)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Failed to claim work item - already claimed or not found",
				slog.String("work_item_id", id),
				slog.String("worker_id", workerID),
			)
			return nil, domain.ErrWorkItemNotPending
		}
		return nil, fmt.Errorf("failed to claim work item: %w", err)
	}

	return &item, nil
}

// Heartbeat refreshes last_heartbeat_at of a work item still held by workerID
func (s *Postgres) Heartbeat(ctx context.Context, id, workerID string) error {
	now := s.now().UTC()
	query := `
		UPDATE audit_records
		SET last_heartbeat_at = $1,
		    updated_at = $1
		WHERE id = $2 AND status = $3 AND worker_id = $4
	`

	result, err := s.db.ExecContext(ctx, query, now, id, domain.StatusProcessing, workerID)
	if err != nil {
		return fmt.Errorf("failed to update work item heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Work item heartbeat update - no rows affected (item may not be processing)",
			slog.String("work_item_id", id),
			slog.String("worker_id", workerID),
		)
	}

	return nil
}

// lockForTransition reads the row under FOR UPDATE and checks it is processing
// under workerID
func lockForTransition(ctx context.Context, tx *sqlx.Tx, id, workerID string) (*domain.WorkItem, error) {
	var item domain.WorkItem
	err := tx.GetContext(ctx, &item, `SELECT `+workItemColumns+` FROM audit_records WHERE id = $1 AND parent_id IS NULL FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrWorkItemNotFound
		}
		return nil, fmt.Errorf("failed to lock work item: %w", err)
	}
	if item.Status.Terminal() {
		return nil, domain.ErrWorkItemTerminal
	}
	if item.Status != domain.StatusProcessing || item.Claimant() != workerID {
		return nil, domain.ErrWorkItemNotProcessing
	}
	return &item, nil
}

// Resolve records a successful attempt
func (s *Postgres) Resolve(ctx context.Context, id, workerID string, res domain.Resolution) (*domain.WorkItem, error) {
	var updated domain.WorkItem
	err := postgresql.InTx(ctx, s.db, nil, func(tx *sqlx.Tx) error {
		item, err := lockForTransition(ctx, tx, id, workerID)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		query := `
			UPDATE audit_records
			SET status = $1,
			    severity = $2,
			    metadata = $3,
			    last_error = '',
			    resolved_at = $4,
			    updated_at = $4
			WHERE id = $5
			RETURNING ` + workItemColumns

		return tx.QueryRowxContext(ctx, query,
			domain.StatusResolved,
			res.Severity,
			item.Metadata.Merge(res.Metadata),
			now,
			id,
		).StructScan(&updated)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve work item: %w", err)
	}

	return &updated, nil
}

// RecordFailure counts a failed attempt. The item returns to pending with
// next_attempt_at set to f.RetryAt, or becomes failed once attempts reach the
// maximum or the failure is terminal.
func (s *Postgres) RecordFailure(ctx context.Context, id, workerID string, f domain.Failure) (*domain.WorkItem, error) {
	var updated *domain.WorkItem
	err := postgresql.InTx(ctx, s.db, nil, func(tx *sqlx.Tx) error {
		item, err := lockForTransition(ctx, tx, id, workerID)
		if err != nil {
			return err
		}

		attempts := failureAttempts(item)
		if f.Terminal || attempts >= item.MaxAttempts {
			updated, err = s.markFailed(ctx, tx, item, attempts, f)
			return err
		}

		updated, err = s.requeue(ctx, tx, item, attempts, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record work item failure: %w", err)
	}

	return updated, nil
}

// Release hands a processing work item back to pending without counting an
// attempt. It is due again immediately.
func (s *Postgres) Release(ctx context.Context, id, workerID, reason string) (*domain.WorkItem, error) {
	var updated *domain.WorkItem
	err := postgresql.InTx(ctx, s.db, nil, func(tx *sqlx.Tx) error {
		item, err := lockForTransition(ctx, tx, id, workerID)
		if err != nil {
			return err
		}
		updated, err = s.requeue(ctx, tx, item, item.Attempts, domain.Failure{Reason: reason, RetryAt: s.now()})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to release work item: %w", err)
	}

	return updated, nil
}

func (s *Postgres) requeue(ctx context.Context, tx *sqlx.Tx, item *domain.WorkItem, attempts int, f domain.Failure) (*domain.WorkItem, error) {
	now := s.now().UTC()
	query := `
		UPDATE audit_records
		SET status = $1,
		    attempts = $2,
		    last_error = $3,
		    next_attempt_at = $4,
		    severity = COALESCE($5::text, severity),
		    metadata = $6,
		    dispatched_at = NULL,
		    worker_id = NULL,
		    started_at = NULL,
		    last_heartbeat_at = NULL,
		    updated_at = $7
		WHERE id = $8
		RETURNING ` + workItemColumns

	var pending domain.WorkItem
	if err := tx.QueryRowxContext(ctx, query,
		domain.StatusPending,
		attempts,
		f.Reason,
		f.RetryAt.UTC(),
		f.Severity,
		item.Metadata.Merge(f.Metadata),
		now,
		item.ID,
	).StructScan(&pending); err != nil {
		return nil, err
	}
	return &pending, nil
}

// MarkFailed fails a processing work item without counting an attempt
func (s *Postgres) MarkFailed(ctx context.Context, id, workerID, reason string) (*domain.WorkItem, error) {
	var updated *domain.WorkItem
	err := postgresql.InTx(ctx, s.db, nil, func(tx *sqlx.Tx) error {
		item, err := lockForTransition(ctx, tx, id, workerID)
		if err != nil {
			return err
		}
		updated, err = s.markFailed(ctx, tx, item, item.Attempts, domain.Failure{Reason: reason})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark work item failed: %w", err)
	}

	return updated, nil
}

// markFailed is the single path to the failed status
func (s *Postgres) markFailed(ctx context.Context, tx *sqlx.Tx, item *domain.WorkItem, attempts int, f domain.Failure) (*domain.WorkItem, error) {
	now := s.now().UTC()
	query := `
		UPDATE audit_records
		SET status = $1,
		    attempts = $2,
		    last_error = $3,
		    severity = COALESCE($4::text, severity),
		    metadata = $5,
		    resolved_at = $6,
		    updated_at = $6
		WHERE id = $7
		RETURNING ` + workItemColumns

	var updated domain.WorkItem
	if err := tx.QueryRowxContext(ctx, query,
		domain.StatusFailed,
		attempts,
		f.Reason,
		f.Severity,
		item.Metadata.Merge(f.Metadata),
		now,
		item.ID,
	).StructScan(&updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// Discard deletes a work item that is still in status from
func (s *Postgres) Discard(ctx context.Context, id string, from domain.Status, reason string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM audit_records WHERE id = $1 AND status = $2 AND parent_id IS NULL`, id, from)
	if err != nil {
		return fmt.Errorf("failed to discard work item: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		if from == domain.StatusPending {
			return domain.ErrWorkItemNotPending
		}
		return domain.ErrWorkItemNotProcessing
	}

	s.logger.Debug("Work item deleted",
		slog.String("work_item_id", id),
		slog.String("reason", reason),
	)

	return nil
}

// RecordOutcomes writes one finding row per outcome under parent
func (s *Postgres) RecordOutcomes(ctx context.Context, parent *domain.WorkItem, entityType, entityID string, outcomes []domain.Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	query := `
		INSERT INTO audit_records (
			id, parent_id, audit_type, entity_type, entity_id, scheduled_at,
			attempts, max_attempts, status, invariant, severity,
			expected_value, actual_value, gap, metadata,
			timeout_seconds, next_attempt_at, created_at, updated_at, resolved_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			0, 0, $7, $8, $9,
			$10, $11, $12, $13,
			0, $14, $14, $14, $14
		)
	`

	err := postgresql.InTx(ctx, s.db, nil, func(tx *sqlx.Tx) error {
		now := s.now().UTC()
		for _, o := range outcomes {
			var gap decimal.NullDecimal
			if o.IsAnomaly() {
				gap = decimal.NewNullDecimal(o.Gap)
			}
			if _, err := tx.ExecContext(ctx, query,
				uuid.NewString(),
				parent.ID,
				parent.AuditType,
				entityType,
				entityID,
				parent.ScheduledAt,
				domain.StatusResolved,
				o.Invariant,
				outcomeSeverity(o),
				decimal.NewNullDecimal(o.Expected),
				decimal.NewNullDecimal(o.Actual),
				gap,
				o.Metadata,
				now,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record outcomes: %w", err)
	}

	return nil
}

// List returns records matching filter, newest first
func (s *Postgres) List(ctx context.Context, filter Filter) (Page, error) {
	query := `SELECT ` + workItemColumns + ` FROM audit_records WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	switch filter.Kind {
	case KindFindings:
		query += " AND parent_id IS NOT NULL"
	case KindAll:
	default:
		query += " AND parent_id IS NULL"
	}

	if filter.ParentID != "" {
		query += fmt.Sprintf(" AND parent_id = $%d", argIdx)
		args = append(args, filter.ParentID)
		argIdx++
	}

	if len(filter.Statuses) > 0 {
		query += fmt.Sprintf(" AND status = ANY($%d)", argIdx)
		args = append(args, pq.Array(toStrings(filter.Statuses)))
		argIdx++
	}

	if len(filter.Severities) > 0 {
		query += fmt.Sprintf(" AND severity = ANY($%d)", argIdx)
		args = append(args, pq.Array(toStrings(filter.Severities)))
		argIdx++
	}

	if len(filter.AuditTypes) > 0 {
		query += fmt.Sprintf(" AND audit_type = ANY($%d)", argIdx)
		args = append(args, pq.Array(toStrings(filter.AuditTypes)))
		argIdx++
	}

	if filter.EntityType != "" {
		query += fmt.Sprintf(" AND entity_type = $%d", argIdx)
		args = append(args, filter.EntityType)
		argIdx++
	}

	if filter.EntityID != "" {
		query += fmt.Sprintf(" AND entity_id = $%d", argIdx)
		args = append(args, filter.EntityID)
		argIdx++
	}

	if filter.From != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, filter.From.UTC())
		argIdx++
	}

	if filter.To != nil {
		query += fmt.Sprintf(" AND created_at < $%d", argIdx)
		args = append(args, filter.To.UTC())
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ID)
		argIdx += 2
	}

	// Order by created_at DESC, id DESC for consistent pagination
	query += " ORDER BY created_at DESC, id DESC"

	// Fetch one extra to determine if there are more results
	limit := filter.limit()
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit+1)

	var items []domain.WorkItem
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return Page{}, fmt.Errorf("failed to list audit records: %w", err)
	}

	return newPage(items, limit), nil
}

// ClaimDue stamps dispatched_at on due pending work items and returns their ids.
// Items dispatched longer than redispatchAfter ago are handed out again.
func (s *Postgres) ClaimDue(ctx context.Context, limit int, redispatchAfter time.Duration) ([]string, error) {
	now := s.now().UTC()
	query := `
		UPDATE audit_records
		SET dispatched_at = $1,
		    updated_at = $1
		WHERE id IN (
			SELECT id FROM audit_records
			WHERE parent_id IS NULL
			  AND status = $2
			  AND next_attempt_at <= $1
			  AND (dispatched_at IS NULL OR dispatched_at < $3)
			ORDER BY next_attempt_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id
	`

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, query, now, domain.StatusPending, now.Add(-redispatchAfter), limit); err != nil {
		return nil, fmt.Errorf("failed to claim due work items: %w", err)
	}
	return ids, nil
}

// ReleaseDispatch clears dispatched_at so the item is picked up on the next dispatch tick
func (s *Postgres) ReleaseDispatch(ctx context.Context, id string) error {
	query := `UPDATE audit_records SET dispatched_at = NULL, updated_at = $1 WHERE id = $2 AND status = $3`
	if _, err := s.db.ExecContext(ctx, query, s.now().UTC(), id, domain.StatusPending); err != nil {
		return fmt.Errorf("failed to release dispatch: %w", err)
	}
	return nil
}

// StaleProcessing lists processing work items whose heartbeat is older than timeout
func (s *Postgres) StaleProcessing(ctx context.Context, timeout time.Duration, limit int) ([]string, error) {
	query := `
		SELECT id FROM audit_records
		WHERE parent_id IS NULL
		  AND status = $1
		  AND last_heartbeat_at < $2
		ORDER BY last_heartbeat_at
		LIMIT $3
	`

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, query, domain.StatusProcessing, s.now().UTC().Add(-timeout), limit); err != nil {
		return nil, fmt.Errorf("failed to list stale work items: %w", err)
	}
	return ids, nil
}

func toStrings[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}
