package dto

import (
	"time"

	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
)

type CreateAuditRequest struct {
	AuditType      string         `json:"audit_type" binding:"required,oneof=targeted periodic global"`
	EntityType     string         `json:"entity_type"`
	EntityID       string         `json:"entity_id"`
	Invariant      string         `json:"invariant"`
	ScheduledAt    *time.Time     `json:"scheduled_at"`
	MaxAttempts    int            `json:"max_attempts" binding:"gte=0,lte=20"`
	TimeoutSeconds int            `json:"timeout_seconds" binding:"gte=0"`
	Metadata       map[string]any `json:"metadata"`
}

type ListAuditsRequest struct {
	Kind        string `form:"kind"`
	Status      string `form:"status"`
	MinSeverity string `form:"min_severity"`
	AuditType   string `form:"audit_type"`
	EntityType  string `form:"entity_type"`
	EntityID    string `form:"entity_id"`
	From        string `form:"from"`
	To          string `form:"to"`
	PageSize    int    `form:"page_size"`
	Cursor      string `form:"cursor"`
}

type ListAuditsResponse struct {
	Audits     []AuditDTO `json:"audits"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

// GetAuditRequest pages the findings embedded in a work item response
type GetAuditRequest struct {
	FindingsLimit  int    `form:"findings_limit" binding:"gte=0"`
	FindingsCursor string `form:"findings_cursor"`
}

type GetAuditResponse struct {
	Audit              AuditDTO   `json:"audit"`
	Findings           []AuditDTO `json:"findings"`
	FindingsNextCursor string     `json:"findings_next_cursor,omitempty"`
}

type AuditDTO struct {
	ID            string         `json:"id"`
	ParentID      string         `json:"parent_id,omitempty"`
	AuditType     string         `json:"audit_type"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id,omitempty"`
	Status        string         `json:"status"`
	Invariant     string         `json:"invariant,omitempty"`
	Severity      string         `json:"severity,omitempty"`
	ExpectedValue string         `json:"expected_value,omitempty"`
	ActualValue   string         `json:"actual_value,omitempty"`
	Gap           string         `json:"gap,omitempty"`
	Attempts      int            `json:"attempts"`
	MaxAttempts   int            `json:"max_attempts"`
	LastError     string         `json:"last_error,omitempty"`
	Metadata      map[string]any `json:"metadata"`
	ScheduledAt   string         `json:"scheduled_at"`
	NextAttemptAt string         `json:"next_attempt_at,omitempty"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
	ResolvedAt    string         `json:"resolved_at,omitempty"`
}

// FromWorkItem renders a stored row for the API
func FromWorkItem(item domain.WorkItem) AuditDTO {
	out := AuditDTO{
		ID:          item.ID,
		AuditType:   string(item.AuditType),
		EntityType:  item.EntityType,
		EntityID:    item.Entity(),
		Status:      string(item.Status),
		Invariant:   item.Invariant,
		Attempts:    item.Attempts,
		MaxAttempts: item.MaxAttempts,
		LastError:   item.LastError,
		Metadata:    item.Metadata,
		ScheduledAt: item.ScheduledAt.Format(time.RFC3339),
		CreatedAt:   item.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   item.UpdatedAt.Format(time.RFC3339),
	}
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}
	if item.ParentID != nil {
		out.ParentID = *item.ParentID
	}
	if item.Severity != nil {
		out.Severity = string(*item.Severity)
	}
	if item.ExpectedValue.Valid {
		out.ExpectedValue = item.ExpectedValue.Decimal.String()
	}
	if item.ActualValue.Valid {
		out.ActualValue = item.ActualValue.Decimal.String()
	}
	if item.Gap.Valid {
		out.Gap = item.Gap.Decimal.String()
	}
	if !item.IsFinding() && !item.Status.Terminal() {
		out.NextAttemptAt = item.NextAttemptAt.Format(time.RFC3339)
	}
	if item.ResolvedAt != nil {
		out.ResolvedAt = item.ResolvedAt.Format(time.RFC3339)
	}
	return out
}
