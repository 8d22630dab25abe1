// Package lease provides short-lived exclusive holds on entity keys so that
// two audits never evaluate the same entity at the same time.
package lease

import (
	"context"
	"time"
)

// Lease is a held key. Release is safe to call more than once.
type Lease interface {
	Key() string
	Release(ctx context.Context) error
}

// Manager acquires leases. Acquire returns domain.ErrLeaseHeld when the key is
// already leased; every lease expires after ttl even if never released.
type Manager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}
