package invariant

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryKind classifies ledger entries
type EntryKind string

// Ledger entry kinds. Earnings are credits, withdrawals are debits, adjustments carry their own sign.
const (
	EntryKindEarning    EntryKind = "earning"
	EntryKindWithdrawal EntryKind = "withdrawal"
	EntryKindAdjustment EntryKind = "adjustment"
)

// LedgerEntry is a single signed movement on a wallet
type LedgerEntry struct {
	ID        string          `db:"id"`
	WalletID  string          `db:"wallet_id"`
	Kind      EntryKind       `db:"kind"`
	Amount    decimal.Decimal `db:"amount"`
	CreatedAt time.Time       `db:"created_at"`
}

// LedgerTotals are the sums the invariants compare against stored wallet fields
type LedgerTotals struct {
	Net         decimal.Decimal `db:"net"`
	Earned      decimal.Decimal `db:"earned"`
	Withdrawn   decimal.Decimal `db:"withdrawn"`
	Entries     int             `db:"entries"`
	LastEntryAt *time.Time      `db:"last_entry_at"`
}

// SumLedger computes totals over entries. Withdrawals count by magnitude whatever their stored sign.
func SumLedger(entries []LedgerEntry) LedgerTotals {
	totals := LedgerTotals{}
	for _, e := range entries {
		totals.Net = totals.Net.Add(e.Amount)
		switch e.Kind {
		case EntryKindEarning:
			totals.Earned = totals.Earned.Add(e.Amount)
		case EntryKindWithdrawal:
			totals.Withdrawn = totals.Withdrawn.Add(e.Amount.Abs())
		}
		totals.Entries++
		if totals.LastEntryAt == nil || e.CreatedAt.After(*totals.LastEntryAt) {
			at := e.CreatedAt
			totals.LastEntryAt = &at
		}
	}
	return totals
}

// WalletSnapshot is a consistent read of a wallet and its ledger totals
type WalletSnapshot struct {
	WalletID       string          `db:"id"`
	Balance        decimal.Decimal `db:"balance"`
	TotalEarned    decimal.Decimal `db:"total_earned"`
	TotalWithdrawn decimal.Decimal `db:"total_withdrawn"`
	Ledger         LedgerTotals    `db:"-"`
}
