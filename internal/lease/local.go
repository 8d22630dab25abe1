package lease

import (
	"context"
	"sync"
	"time"

	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
	"github.com/google/uuid"
)

type localEntry struct {
	token     string
	expiresAt time.Time
}

// LocalManager leases keys within one process. It is used when Redis is not configured.
type LocalManager struct {
	mu   sync.Mutex
	held map[string]localEntry
	now  func() time.Time
}

// NewLocalManager creates an in-process lease manager
func NewLocalManager() *LocalManager {
	return &LocalManager{
		held: map[string]localEntry{},
		now:  time.Now,
	}
}

func (m *LocalManager) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if entry, ok := m.held[key]; ok && now.Before(entry.expiresAt) {
		return nil, domain.ErrLeaseHeld
	}

	token := uuid.NewString()
	m.held[key] = localEntry{token: token, expiresAt: now.Add(ttl)}
	return &localLease{manager: m, key: key, token: token}, nil
}

func (m *LocalManager) release(key, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.held[key]; ok && entry.token == token {
		delete(m.held, key)
	}
}

type localLease struct {
	manager *LocalManager
	key     string
	token   string
}

func (l *localLease) Key() string {
	return l.key
}

func (l *localLease) Release(context.Context) error {
	l.manager.release(l.key, l.token)
	return nil
}
