package invariant

import (
	"fmt"
	"sort"
	"time"

	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
	"github.com/shopspring/decimal"
)

// Invariant names
const (
	BalanceMatchesLedger   = "wallet_balance_matches_ledger"
	EarnedMatchesLedger    = "wallet_earned_matches_ledger"
	WithdrawnMatchesLedger = "wallet_withdrawn_matches_ledger"
)

// Checker evaluates one rule against a snapshot. Implementations must be pure.
type Checker interface {
	Name() string
	Check(snap WalletSnapshot) domain.Outcome
}

type ruleFunc func(snap WalletSnapshot) (expected, actual decimal.Decimal)

type rule struct {
	name   string
	policy Policy
	values ruleFunc
}

func (r rule) Name() string {
	return r.name
}

func (r rule) Check(snap WalletSnapshot) domain.Outcome {
	expected, actual := r.values(snap)
	gap, severity, ok := r.policy.Classify(expected, actual)

	metadata := domain.Metadata{
		"entries_summed": snap.Ledger.Entries,
	}
	if snap.Ledger.LastEntryAt != nil {
		metadata["last_entry_at"] = snap.Ledger.LastEntryAt.UTC().Format(time.RFC3339Nano)
	}

	out := domain.Outcome{
		Invariant: r.name,
		Expected:  expected,
		Actual:    actual,
		Metadata:  metadata,
	}
	if !ok {
		out.Gap = gap
		out.Severity = severity
	}
	return out
}

// NewBalanceChecker compares the stored balance with the net ledger sum
func NewBalanceChecker(policy Policy) Checker {
	return rule{name: BalanceMatchesLedger, policy: policy, values: func(s WalletSnapshot) (decimal.Decimal, decimal.Decimal) {
		return s.Ledger.Net, s.Balance
	}}
}

// NewEarnedChecker compares total_earned with the sum of earning entries
func NewEarnedChecker(policy Policy) Checker {
	return rule{name: EarnedMatchesLedger, policy: policy, values: func(s WalletSnapshot) (decimal.Decimal, decimal.Decimal) {
		return s.Ledger.Earned, s.TotalEarned
	}}
}

// NewWithdrawnChecker compares total_withdrawn with the sum of withdrawal entries
func NewWithdrawnChecker(policy Policy) Checker {
	return rule{name: WithdrawnMatchesLedger, policy: policy, values: func(s WalletSnapshot) (decimal.Decimal, decimal.Decimal) {
		return s.Ledger.Withdrawn, s.TotalWithdrawn
	}}
}

// Registry holds the checkers that apply to wallets, in evaluation order
type Registry struct {
	checkers []Checker
	byName   map[string]Checker
}

// NewRegistry registers the wallet invariants under policy
func NewRegistry(policy Policy) *Registry {
	return NewRegistryOf(
		NewBalanceChecker(policy),
		NewEarnedChecker(policy),
		NewWithdrawnChecker(policy),
	)
}

// NewRegistryOf builds a registry from explicit checkers
func NewRegistryOf(checkers ...Checker) *Registry {
	r := &Registry{byName: make(map[string]Checker, len(checkers))}
	for _, c := range checkers {
		r.checkers = append(r.checkers, c)
		r.byName[c.Name()] = c
	}
	return r
}

// Select returns every checker when name is empty, or only the named one
func (r *Registry) Select(name string) ([]Checker, error) {
	if name == "" {
		return r.checkers, nil
	}
	c, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownInvariant, name)
	}
	return []Checker{c}, nil
}

// Names lists the registered invariants sorted by name
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckAll runs every checker in order without stopping at the first anomaly
func CheckAll(checkers []Checker, snap WalletSnapshot) []domain.Outcome {
	outcomes := make([]domain.Outcome, 0, len(checkers))
	for _, c := range checkers {
		outcomes = append(outcomes, c.Check(snap))
	}
	return outcomes
}
