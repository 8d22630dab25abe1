package wallet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
	"github.com/cuongbtq/wallet-audit/internal/audit/invariant"
	"github.com/shopspring/decimal"
)

// Wallet is the stored state of a wallet in the memory repository
type Wallet struct {
	ID             string
	Balance        decimal.Decimal
	TotalEarned    decimal.Decimal
	TotalWithdrawn decimal.Decimal
}

// Memory is an in-process Repository used by tests and local runs
type Memory struct {
	mu       sync.RWMutex
	wallets  map[string]Wallet
	entries  map[string][]invariant.LedgerEntry
	audited  map[string]time.Time
	cursors  map[string]string
	failNext error
}

// NewMemory creates an empty memory repository
func NewMemory() *Memory {
	return &Memory{
		wallets: map[string]Wallet{},
		entries: map[string][]invariant.LedgerEntry{},
		audited: map[string]time.Time{},
		cursors: map[string]string{},
	}
}

// PutWallet inserts or replaces a wallet
func (m *Memory) PutWallet(w Wallet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets[w.ID] = w
}

// DeleteWallet removes a wallet and its ledger
func (m *Memory) DeleteWallet(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.wallets, id)
	delete(m.entries, id)
}

// AddEntry appends a ledger entry
func (m *Memory) AddEntry(e invariant.LedgerEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.WalletID] = append(m.entries[e.WalletID], e)
}

// FailNext makes the next Snapshot call return err
func (m *Memory) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// LastAudited returns the recorded audit time of an entity
func (m *Memory) LastAudited(entityType, entityID string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	at, ok := m.audited[domain.EntityKey(entityType, entityID)]
	return at, ok
}

func (m *Memory) Snapshot(_ context.Context, walletID string) (invariant.WalletSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failNext; err != nil {
		m.failNext = nil
		return invariant.WalletSnapshot{}, err
	}

	w, ok := m.wallets[walletID]
	if !ok {
		return invariant.WalletSnapshot{}, domain.ErrEntityNotFound
	}
	return invariant.WalletSnapshot{
		WalletID:       w.ID,
		Balance:        w.Balance,
		TotalEarned:    w.TotalEarned,
		TotalWithdrawn: w.TotalWithdrawn,
		Ledger:         invariant.SumLedger(m.entries[walletID]),
	}, nil
}

func (m *Memory) Exists(_ context.Context, entityType, entityID string) (bool, error) {
	if entityType != domain.EntityTypeWallet {
		return false, fmt.Errorf("%w: %s", domain.ErrUnsupportedEntityType, entityType)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.wallets[entityID]
	return ok, nil
}

func (m *Memory) sortedIDs() []string {
	ids := make([]string, 0, len(m.wallets))
	for id := range m.wallets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Memory) Page(_ context.Context, afterID string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var page []string
	for _, id := range m.sortedIDs() {
		if id <= afterID {
			continue
		}
		page = append(page, id)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (m *Memory) LeastRecentlyAudited(_ context.Context, entityType string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.sortedIDs()
	sort.SliceStable(ids, func(i, j int) bool {
		ai, iok := m.audited[domain.EntityKey(entityType, ids[i])]
		aj, jok := m.audited[domain.EntityKey(entityType, ids[j])]
		switch {
		case !iok && !jok:
			return false
		case !iok:
			return true
		case !jok:
			return false
		default:
			return ai.Before(aj)
		}
	})

	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *Memory) MarkAudited(_ context.Context, entityType, entityID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := domain.EntityKey(entityType, entityID)
	if prev, ok := m.audited[key]; ok && prev.After(at) {
		return nil
	}
	m.audited[key] = at
	return nil
}

func (m *Memory) Cursor(_ context.Context, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursors[name], nil
}

func (m *Memory) SaveCursor(_ context.Context, name, position string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[name] = position
	return nil
}
