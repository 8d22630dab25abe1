package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
	"github.com/cuongbtq/wallet-audit/internal/audit/invariant"
	"github.com/cuongbtq/wallet-audit/shared/postgresql"
	"github.com/jmoiron/sqlx"
)

// Postgres reads wallets and ledger entries from PostgreSQL
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgres creates a new Postgres repository
func NewPostgres(db *sqlx.DB, logger *slog.Logger) *Postgres {
	return &Postgres{
		db:     db,
		logger: logger,
	}
}

// Snapshot reads the wallet row and its ledger totals in one repeatable-read transaction
func (p *Postgres) Snapshot(ctx context.Context, walletID string) (invariant.WalletSnapshot, error) {
	var snap invariant.WalletSnapshot

	opts := &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	err := postgresql.InTx(ctx, p.db, opts, func(tx *sqlx.Tx) error {
		query := `
			SELECT id, balance, total_earned, total_withdrawn
			FROM wallets
			WHERE id = $1
		`
		if err := tx.GetContext(ctx, &snap, query, walletID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrEntityNotFound
			}
			return fmt.Errorf("failed to get wallet: %w", err)
		}

		totalsQuery := `
			SELECT COALESCE(SUM(amount), 0) AS net,
			       COALESCE(SUM(amount) FILTER (WHERE kind = 'earning'), 0) AS earned,
			       COALESCE(SUM(ABS(amount)) FILTER (WHERE kind = 'withdrawal'), 0) AS withdrawn,
			       COUNT(*) AS entries,
			       MAX(created_at) AS last_entry_at
			FROM ledger_entries
			WHERE wallet_id = $1
		`
		if err := tx.GetContext(ctx, &snap.Ledger, totalsQuery, walletID); err != nil {
			return fmt.Errorf("failed to sum ledger entries: %w", err)
		}
		return nil
	})
	if err != nil {
		return invariant.WalletSnapshot{}, err
	}

	return snap, nil
}

// Exists reports whether the entity row is still present
func (p *Postgres) Exists(ctx context.Context, entityType, entityID string) (bool, error) {
	if entityType != domain.EntityTypeWallet {
		return false, fmt.Errorf("%w: %s", domain.ErrUnsupportedEntityType, entityType)
	}

	var exists bool
	if err := p.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM wallets WHERE id = $1)`, entityID); err != nil {
		return false, fmt.Errorf("failed to check wallet existence: %w", err)
	}
	return exists, nil
}

// Page returns up to limit wallet ids greater than afterID
func (p *Postgres) Page(ctx context.Context, afterID string, limit int) ([]string, error) {
	var ids []string
	query := `SELECT id FROM wallets WHERE id > $1 ORDER BY id LIMIT $2`
	if err := p.db.SelectContext(ctx, &ids, query, afterID, limit); err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	return ids, nil
}

// LeastRecentlyAudited returns never-audited wallets first, then the oldest audited
func (p *Postgres) LeastRecentlyAudited(ctx context.Context, entityType string, limit int) ([]string, error) {
	var ids []string
	query := `
		SELECT w.id
		FROM wallets w
		LEFT JOIN wallet_audit_state s
		       ON s.entity_type = $1 AND s.entity_id = w.id
		ORDER BY s.last_audited_at ASC NULLS FIRST, w.id ASC
		LIMIT $2
	`
	if err := p.db.SelectContext(ctx, &ids, query, entityType, limit); err != nil {
		return nil, fmt.Errorf("failed to select least recently audited wallets: %w", err)
	}
	return ids, nil
}

// MarkAudited records at as the latest audit time, never moving it backwards
func (p *Postgres) MarkAudited(ctx context.Context, entityType, entityID string, at time.Time) error {
	query := `
		INSERT INTO wallet_audit_state (entity_type, entity_id, last_audited_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (entity_type, entity_id)
		DO UPDATE SET last_audited_at = GREATEST(wallet_audit_state.last_audited_at, EXCLUDED.last_audited_at)
	`
	if _, err := p.db.ExecContext(ctx, query, entityType, entityID, at); err != nil {
		return fmt.Errorf("failed to mark entity audited: %w", err)
	}
	return nil
}

// Cursor returns the saved sweep position, empty when none
func (p *Postgres) Cursor(ctx context.Context, name string) (string, error) {
	var position string
	err := p.db.GetContext(ctx, &position, `SELECT position FROM audit_cursors WHERE name = $1`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get audit cursor: %w", err)
	}
	return position, nil
}

// SaveCursor upserts the sweep position
func (p *Postgres) SaveCursor(ctx context.Context, name, position string) error {
	query := `
		INSERT INTO audit_cursors (name, position, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET position = EXCLUDED.position, updated_at = NOW()
	`
	if _, err := p.db.ExecContext(ctx, query, name, position); err != nil {
		return fmt.Errorf("failed to save audit cursor: %w", err)
	}

	p.logger.Debug("Audit cursor saved",
		slog.String("cursor", name),
		slog.String("position", position),
	)
	return nil
}
