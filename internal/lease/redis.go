package lease

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still carries our token
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var releaseLua = redis.NewScript(releaseScript)

// RedisManager leases keys with SET NX PX
type RedisManager struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// NewRedisManager creates a manager that namespaces every key with prefix
func NewRedisManager(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisManager {
	return &RedisManager{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

func (m *RedisManager) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	redisKey := m.prefix + key

	ok, err := m.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !ok {
		return nil, domain.ErrLeaseHeld
	}

	m.logger.Debug("Lease acquired",
		slog.String("lease_key", key),
		slog.Duration("ttl", ttl),
	)

	return &redisLease{manager: m, key: key, redisKey: redisKey, token: token}, nil
}

type redisLease struct {
	manager  *RedisManager
	key      string
	redisKey string
	token    string
	released bool
}

func (l *redisLease) Key() string {
	return l.key
}

func (l *redisLease) Release(ctx context.Context) error {
	if l.released {
		return nil
	}
	l.released = true

	deleted, err := releaseLua.Run(ctx, l.manager.client, []string{l.redisKey}, l.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	if deleted == 0 {
		l.manager.logger.Warn("Lease expired before release",
			slog.String("lease_key", l.key),
		)
	}
	return nil
}
