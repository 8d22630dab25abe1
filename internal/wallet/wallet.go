// Package wallet reads wallet state for the auditors and answers existence
// lookups for the job router. It also owns the audit coverage bookkeeping
// (last audited timestamps and sweep cursors) because those queries join
// against the wallet population.
package wallet

import (
	"context"
	"time"

	"github.com/cuongbtq/wallet-audit/internal/audit/invariant"
)

// Source loads consistent wallet snapshots
type Source interface {
	Snapshot(ctx context.Context, walletID string) (invariant.WalletSnapshot, error)
}

// Oracle answers whether an entity still exists
type Oracle interface {
	Exists(ctx context.Context, entityType, entityID string) (bool, error)
}

// Population pages through every wallet id in ascending order
type Population interface {
	Page(ctx context.Context, afterID string, limit int) ([]string, error)
}

// Coverage tracks when entities were last audited and where sweeps stopped
type Coverage interface {
	LeastRecentlyAudited(ctx context.Context, entityType string, limit int) ([]string, error)
	MarkAudited(ctx context.Context, entityType, entityID string, at time.Time) error
	Cursor(ctx context.Context, name string) (string, error)
	SaveCursor(ctx context.Context, name, position string) error
}

// Repository is the full read surface the audit service needs
type Repository interface {
	Source
	Oracle
	Population
	Coverage
}
