package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Metadata is the free-form JSON object stored with every audit record
type Metadata map[string]any

// Value implements driver.Valuer. The JSON is sent as text so lib/pq does not encode it as bytea.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner
func (m *Metadata) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata type %T", src)
	}

	out := Metadata{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	*m = out
	return nil
}

// Merge returns a copy of m with every key of other written over it
func (m Metadata) Merge(other Metadata) Metadata {
	out := make(Metadata, len(m)+len(other))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// WorkItem is a row of audit_records. Top-level rows are work items driven
// through the state machine; rows with a ParentID are findings written by an
// attempt of their parent.
type WorkItem struct {
	ID              string              `db:"id" json:"id"`
	ParentID        *string             `db:"parent_id" json:"parent_id,omitempty"`
	AuditType       AuditType           `db:"audit_type" json:"audit_type"`
	EntityType      string              `db:"entity_type" json:"entity_type"`
	EntityID        *string             `db:"entity_id" json:"entity_id,omitempty"`
	ScheduledAt     time.Time           `db:"scheduled_at" json:"scheduled_at"`
	Attempts        int                 `db:"attempts" json:"attempts"`
	MaxAttempts     int                 `db:"max_attempts" json:"max_attempts"`
	Status          Status              `db:"status" json:"status"`
	Invariant       string              `db:"invariant" json:"invariant,omitempty"`
	Severity        *Severity           `db:"severity" json:"severity,omitempty"`
	ExpectedValue   decimal.NullDecimal `db:"expected_value" json:"expected_value"`
	ActualValue     decimal.NullDecimal `db:"actual_value" json:"actual_value"`
	Gap             decimal.NullDecimal `db:"gap" json:"gap"`
	Metadata        Metadata            `db:"metadata" json:"metadata"`
	LastError       string              `db:"last_error" json:"last_error,omitempty"`
	WorkerID        *string             `db:"worker_id" json:"worker_id,omitempty"`
	TimeoutSeconds  int                 `db:"timeout_seconds" json:"timeout_seconds"`
	NextAttemptAt   time.Time           `db:"next_attempt_at" json:"next_attempt_at"`
	DispatchedAt    *time.Time          `db:"dispatched_at" json:"dispatched_at,omitempty"`
	StartedAt       *time.Time          `db:"started_at" json:"started_at,omitempty"`
	LastHeartbeatAt *time.Time          `db:"last_heartbeat_at" json:"last_heartbeat_at,omitempty"`
	CreatedAt       time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time           `db:"updated_at" json:"updated_at"`
	ResolvedAt      *time.Time          `db:"resolved_at" json:"resolved_at,omitempty"`
}

// IsFinding reports whether the row was written as the outcome of a parent work item
func (w *WorkItem) IsFinding() bool {
	return w.ParentID != nil
}

// Entity returns the entity id or an empty string when none is set
func (w *WorkItem) Entity() string {
	if w.EntityID == nil {
		return ""
	}
	return *w.EntityID
}

// Claimant returns the worker holding the item or an empty string when unclaimed
func (w *WorkItem) Claimant() string {
	if w.WorkerID == nil {
		return ""
	}
	return *w.WorkerID
}

// IsStale reports whether the item was scheduled longer ago than window
func (w *WorkItem) IsStale(now time.Time, window time.Duration) bool {
	return now.Sub(w.ScheduledAt) > window
}

// AttemptTimeout returns the per-attempt deadline
func (w *WorkItem) AttemptTimeout() time.Duration {
	if w.TimeoutSeconds > 0 {
		return time.Duration(w.TimeoutSeconds) * time.Second
	}
	return DefaultAttemptTimeout
}

// EntityKey returns the lease key of an entity
func EntityKey(entityType, entityID string) string {
	return entityType + ":" + entityID
}

// EnqueueRequest carries the fields a caller supplies when scheduling work
type EnqueueRequest struct {
	AuditType      AuditType
	EntityType     string
	EntityID       string
	ScheduledAt    time.Time
	Invariant      string
	MaxAttempts    int
	TimeoutSeconds int
	Metadata       Metadata
}

// Normalize fills defaults and rejects requests that can never be processed
func (r *EnqueueRequest) Normalize(now time.Time) error {
	r.EntityType = strings.TrimSpace(r.EntityType)
	r.EntityID = strings.TrimSpace(r.EntityID)

	if r.AuditType == "" {
		return fmt.Errorf("%w: audit_type is required", ErrInvalidWorkItem)
	}
	if r.EntityType == "" {
		r.EntityType = EntityTypeWallet
	}
	if r.ScheduledAt.IsZero() {
		r.ScheduledAt = now
	}
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	if r.TimeoutSeconds <= 0 {
		r.TimeoutSeconds = int(DefaultAttemptTimeout / time.Second)
	}
	if r.Metadata == nil {
		r.Metadata = Metadata{}
	}
	return nil
}

// Resolution is written when an attempt succeeds
type Resolution struct {
	Severity *Severity
	Metadata Metadata
}

// Failure describes a failed attempt
type Failure struct {
	Reason string
	// Terminal forces the item to failed regardless of the remaining attempts
	Terminal bool
	// RetryAt is used as next_attempt_at when the item returns to pending
	RetryAt time.Time
	// Severity and Metadata record what the attempt observed before failing
	Severity *Severity
	Metadata Metadata
}

// WorkMessage is the queue payload that points a worker at a work item
type WorkMessage struct {
	WorkItemID  string `json:"work_item_id"`
	DeliveryTag uint64 `json:"-"`
}
