package domain

import "time"

// AuditType identifies the strategy used to process a work item
type AuditType string

// Audit type constants
const (
	AuditTypeTargeted AuditType = "targeted"
	AuditTypePeriodic AuditType = "periodic"
	AuditTypeGlobal   AuditType = "global"
)

// Known reports whether t is one of the supported audit types
func (t AuditType) Known() bool {
	switch t {
	case AuditTypeTargeted, AuditTypePeriodic, AuditTypeGlobal:
		return true
	default:
		return false
	}
}

// Status is the lifecycle state of a work item
type Status string

// Work item status constants. Discarded items are deleted and have no status.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusResolved   Status = "resolved"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed from s
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusFailed
}

// Severity of a detected anomaly
type Severity string

// Severity constants, ordered info < warning < critical
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordering position of s, 0 for unknown values
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// MaxSeverity returns the more severe of a and b
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// SeveritiesAtLeast lists every severity ranked at or above floor
func SeveritiesAtLeast(floor Severity) []Severity {
	var out []Severity
	for _, s := range []Severity{SeverityInfo, SeverityWarning, SeverityCritical} {
		if s.Rank() >= floor.Rank() {
			out = append(out, s)
		}
	}
	return out
}

// EntityTypeWallet is the only entity type audited today
const EntityTypeWallet = "wallet"

// Defaults applied when an enqueue request or the configuration leaves them unset
const (
	DefaultMaxAttempts     = 3
	DefaultAttemptTimeout  = 30 * time.Minute
	DefaultStalenessWindow = 24 * time.Hour
)

// Metadata keys written on the work item summary
const (
	MetaAnomaliesDetected = "anomalies_detected"
	MetaPerSeverity       = "per_severity"
	MetaDurationMS        = "duration_ms"
	MetaEntitiesAudited   = "entities_audited"
	MetaEntitiesSkipped   = "entities_skipped"
	MetaCompleted         = "completed_without_error"
	MetaInvariants        = "invariants"
	MetaDiscardReason     = "discard_reason"
)
