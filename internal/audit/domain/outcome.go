package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is the result of evaluating one invariant against one entity.
// Gap and Severity are only meaningful when IsAnomaly is true.
type Outcome struct {
	Invariant string
	Expected  decimal.Decimal
	Actual    decimal.Decimal
	Gap       decimal.Decimal
	Severity  Severity
	Metadata  Metadata
}

// IsAnomaly reports whether the invariant was violated
func (o Outcome) IsAnomaly() bool {
	return o.Severity != ""
}

// Report is the result of a targeted audit of one entity
type Report struct {
	EntityType string
	EntityID   string
	Outcomes   []Outcome
	Duration   time.Duration
}

// Anomalies counts the violated invariants
func (r Report) Anomalies() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.IsAnomaly() {
			n++
		}
	}
	return n
}

// HighestSeverity returns the worst severity found, empty when nothing was violated
func (r Report) HighestSeverity() Severity {
	var highest Severity
	for _, o := range r.Outcomes {
		if o.IsAnomaly() {
			highest = MaxSeverity(highest, o.Severity)
		}
	}
	return highest
}

// Summary renders the report as work item metadata
func (r Report) Summary() Metadata {
	invariants := make([]string, 0, len(r.Outcomes))
	perSeverity := map[string]int{}
	for _, o := range r.Outcomes {
		invariants = append(invariants, o.Invariant)
		if o.IsAnomaly() {
			perSeverity[string(o.Severity)]++
		}
	}
	return Metadata{
		MetaAnomaliesDetected: r.Anomalies(),
		MetaPerSeverity:       perSeverity,
		MetaInvariants:        invariants,
		MetaDurationMS:        r.Duration.Milliseconds(),
	}
}

// SweepResult aggregates a periodic or global sweep. CompletedWithoutError and
// AnomaliesDetected are independent: a sweep can finish cleanly and still find anomalies.
type SweepResult struct {
	CompletedWithoutError bool
	EntitiesAudited       int
	EntitiesSkipped       int
	AnomaliesDetected     int
	PerSeverity           map[Severity]int
	Duration              time.Duration
}

// NewSweepResult returns an empty result ready for accumulation
func NewSweepResult() SweepResult {
	return SweepResult{
		CompletedWithoutError: true,
		PerSeverity:           map[Severity]int{},
	}
}

// Add folds the outcomes of one entity into the result
func (s *SweepResult) Add(outcomes []Outcome) {
	s.EntitiesAudited++
	for _, o := range outcomes {
		if o.IsAnomaly() {
			s.AnomaliesDetected++
			s.PerSeverity[o.Severity]++
		}
	}
}

// HighestSeverity returns the worst severity counted, empty when none
func (s SweepResult) HighestSeverity() Severity {
	var highest Severity
	for sev, n := range s.PerSeverity {
		if n > 0 {
			highest = MaxSeverity(highest, sev)
		}
	}
	return highest
}

// Summary renders the sweep as work item metadata
func (s SweepResult) Summary() Metadata {
	perSeverity := make(map[string]int, len(s.PerSeverity))
	for sev, n := range s.PerSeverity {
		perSeverity[string(sev)] = n
	}
	return Metadata{
		MetaAnomaliesDetected: s.AnomaliesDetected,
		MetaPerSeverity:       perSeverity,
		MetaEntitiesAudited:   s.EntitiesAudited,
		MetaEntitiesSkipped:   s.EntitiesSkipped,
		MetaCompleted:         s.CompletedWithoutError,
		MetaDurationMS:        s.Duration.Milliseconds(),
	}
}
