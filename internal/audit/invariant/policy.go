package invariant

import (
	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
	"github.com/shopspring/decimal"
)

// Policy decides whether a gap is an anomaly and how severe it is
type Policy struct {
	// Epsilon is the absolute gap tolerated as rounding noise
	Epsilon decimal.Decimal
	// WarningRatio and CriticalRatio bound |gap| relative to the reference value
	WarningRatio  decimal.Decimal
	CriticalRatio decimal.Decimal
}

// DefaultPolicy tolerates one cent and escalates at 1% and 10%
func DefaultPolicy() Policy {
	return Policy{
		Epsilon:       decimal.RequireFromString("0.01"),
		WarningRatio:  decimal.RequireFromString("0.01"),
		CriticalRatio: decimal.RequireFromString("0.10"),
	}
}

// Classify returns gap = actual - expected and the severity when the gap exceeds epsilon.
// ok is true when the values agree within epsilon.
func (p Policy) Classify(expected, actual decimal.Decimal) (gap decimal.Decimal, severity domain.Severity, ok bool) {
	gap = actual.Sub(expected)
	if gap.Abs().LessThanOrEqual(p.Epsilon) {
		return gap, "", true
	}

	reference := actual.Abs()
	if reference.IsZero() {
		reference = expected.Abs()
	}
	if reference.IsZero() {
		return gap, domain.SeverityCritical, false
	}

	ratio := gap.Abs().Div(reference)
	switch {
	case ratio.LessThan(p.WarningRatio):
		return gap, domain.SeverityInfo, false
	case ratio.LessThan(p.CriticalRatio):
		return gap, domain.SeverityWarning, false
	default:
		return gap, domain.SeverityCritical, false
	}
}
