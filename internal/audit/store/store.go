// Package store persists audit work items and their findings. It is the only
// writer of status, attempts and resolved_at; every transition is a single
// read-modify-write under a row lock.
package store

import (
	"time"

	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
)

// Kind selects which audit_records rows a listing returns
type Kind string

// Kind values
const (
	KindWorkItems Kind = "work_items"
	KindFindings  Kind = "findings"
	KindAll       Kind = "all"
)

// DefaultPageSize is used when a filter leaves Limit unset
const DefaultPageSize = 50

// MaxPageSize bounds a single listing
const MaxPageSize = 500

// Cursor is a keyset position over (created_at, id) descending
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Filter narrows a listing of audit records
type Filter struct {
	Kind       Kind
	ParentID   string
	Statuses   []domain.Status
	Severities []domain.Severity
	AuditTypes []domain.AuditType
	EntityType string
	EntityID   string
	From       *time.Time
	To         *time.Time
	Cursor     *Cursor
	Limit      int
}

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultPageSize
	case f.Limit > MaxPageSize:
		return MaxPageSize
	default:
		return f.Limit
	}
}

// Page is one listing page; Next is nil on the last page
type Page struct {
	Items []domain.WorkItem
	Next  *Cursor
}

func newPage(items []domain.WorkItem, limit int) Page {
	if len(items) <= limit {
		return Page{Items: items}
	}
	items = items[:limit]
	last := items[len(items)-1]
	return Page{Items: items, Next: &Cursor{CreatedAt: last.CreatedAt, ID: last.ID}}
}

// failureAttempts returns the attempt count after one more failed attempt, bounded by max
func failureAttempts(item *domain.WorkItem) int {
	attempts := item.Attempts + 1
	if attempts > item.MaxAttempts {
		attempts = item.MaxAttempts
	}
	return attempts
}

func outcomeSeverity(o domain.Outcome) *domain.Severity {
	if !o.IsAnomaly() {
		return nil
	}
	sev := o.Severity
	return &sev
}
