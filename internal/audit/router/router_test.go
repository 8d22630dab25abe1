package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
	"github.com/cuongbtq/wallet-audit/internal/audit/store"
	"github.com/cuongbtq/wallet-audit/internal/wallet"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type targetedFunc func(ctx context.Context, item *domain.WorkItem, entityType, entityID string) (domain.Report, error)

func (f targetedFunc) Audit(ctx context.Context, item *domain.WorkItem, entityType, entityID string) (domain.Report, error) {
	return f(ctx, item, entityType, entityID)
}

type sweepFunc func(ctx context.Context, item *domain.WorkItem) (domain.SweepResult, error)

func (f sweepFunc) Run(ctx context.Context, item *domain.WorkItem) (domain.SweepResult, error) {
	return f(ctx, item)
}

func (f sweepFunc) RunFullSweep(ctx context.Context, item *domain.WorkItem) (domain.SweepResult, error) {
	return f(ctx, item)
}

type recordedTransition struct {
	auditType   domain.AuditType
	disposition string
}

type fakeMetrics struct {
	mu          sync.Mutex
	transitions []recordedTransition
	attempts    int
	inFlight    int
}

func (m *fakeMetrics) ObserveTransition(auditType domain.AuditType, disposition string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, recordedTransition{auditType, disposition})
}

func (m *fakeMetrics) ObserveAttempt(domain.AuditType, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
}

func (m *fakeMetrics) AttemptInFlight(delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight += delta
}

type countingStore struct {
	*store.Memory
	heartbeats atomic.Int32
}

func (s *countingStore) Heartbeat(ctx context.Context, id, workerID string) error {
	s.heartbeats.Add(1)
	return s.Memory.Heartbeat(ctx, id, workerID)
}

type fixture struct {
	clock    *testClock
	store    *countingStore
	wallets  *wallet.Memory
	metrics  *fakeMetrics
	targeted targetedFunc
	periodic sweepFunc
	global   sweepFunc
	calls    atomic.Int32
	cfg      Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		clock:   &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		wallets: wallet.NewMemory(),
		metrics: &fakeMetrics{},
	}
	f.store = &countingStore{Memory: store.NewMemory(f.clock.Now)}
	f.wallets.PutWallet(wallet.Wallet{ID: "w1", Balance: decimal.NewFromInt(100)})

	f.targeted = func(context.Context, *domain.WorkItem, string, string) (domain.Report, error) {
		return domain.Report{}, nil
	}
	f.periodic = func(context.Context, *domain.WorkItem) (domain.SweepResult, error) {
		return domain.NewSweepResult(), nil
	}
	f.global = func(context.Context, *domain.WorkItem) (domain.SweepResult, error) {
		return domain.NewSweepResult(), nil
	}
	f.cfg = Config{
		Backoff:  Backoff{Base: time.Minute, Max: time.Hour, Jitter: func() float64 { return 1 }},
		WorkerID: "worker-test",
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:    f.clock.Now,
	}
	return f
}

func (f *fixture) router() *Router {
	cfg := f.cfg
	cfg.Store = f.store
	cfg.Oracle = f.wallets
	cfg.Metrics = f.metrics
	cfg.Targeted = targetedFunc(func(ctx context.Context, item *domain.WorkItem, entityType, entityID string) (domain.Report, error) {
		f.calls.Add(1)
		return f.targeted(ctx, item, entityType, entityID)
	})
	cfg.Periodic = sweepFunc(func(ctx context.Context, item *domain.WorkItem) (domain.SweepResult, error) {
		f.calls.Add(1)
		return f.periodic(ctx, item)
	})
	cfg.Global = sweepFunc(func(ctx context.Context, item *domain.WorkItem) (domain.SweepResult, error) {
		f.calls.Add(1)
		return f.global(ctx, item)
	})
	return New(cfg)
}

func (f *fixture) enqueue(t *testing.T, req domain.EnqueueRequest) *domain.WorkItem {
	t.Helper()
	if req.EntityType == "" {
		req.EntityType = domain.EntityTypeWallet
	}
	item, err := f.store.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return item
}

func (f *fixture) get(t *testing.T, id string) *domain.WorkItem {
	t.Helper()
	item, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return item
}

func targeted(entityID string) domain.EnqueueRequest {
	return domain.EnqueueRequest{AuditType: domain.AuditTypeTargeted, EntityID: entityID}
}

func TestRouter_TargetedResolves(t *testing.T) {
	f := newFixture(t)
	f.targeted = func(_ context.Context, _ *domain.WorkItem, entityType, entityID string) (domain.Report, error) {
		assert.Equal(t, domain.EntityTypeWallet, entityType)
		assert.Equal(t, "w1", entityID)
		return domain.Report{
			EntityType: entityType,
			EntityID:   entityID,
			Outcomes: []domain.Outcome{
				{Invariant: "a"},
				{Invariant: "b", Severity: domain.SeverityWarning, Gap: decimal.NewFromInt(-3)},
			},
		}, nil
	}
	item := f.enqueue(t, targeted("w1"))

	res, err := f.router().Handle(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, DispositionResolved, res.Disposition)

	stored := f.get(t, item.ID)
	assert.Equal(t, domain.StatusResolved, stored.Status)
	assert.NotNil(t, stored.ResolvedAt)
	require.NotNil(t, stored.Severity)
	assert.Equal(t, domain.SeverityWarning, *stored.Severity)
	assert.Equal(t, 0, stored.Attempts)
	assert.Equal(t, []recordedTransition{{domain.AuditTypeTargeted, "resolved"}}, f.metrics.transitions)
	assert.Equal(t, 0, f.metrics.inFlight)
}

func TestRouter_StaleItemIsDiscarded(t *testing.T) {
	f := newFixture(t)
	item := f.enqueue(t, targeted("w1"))
	f.clock.Advance(domain.DefaultStalenessWindow + time.Minute)

	res, err := f.router().Handle(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, DispositionDiscarded, res.Disposition)

	_, err = f.store.Get(context.Background(), item.ID)
	assert.ErrorIs(t, err, domain.ErrWorkItemNotFound)
	assert.Zero(t, f.calls.Load())
}

func TestRouter_MissingWalletIsDiscardedWithoutChecking(t *testing.T) {
	f := newFixture(t)
	item := f.enqueue(t, targeted("ghost"))

	res, err := f.router().Handle(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, DispositionDiscarded, res.Disposition)

	_, err = f.store.Get(context.Background(), item.ID)
	assert.ErrorIs(t, err, domain.ErrWorkItemNotFound)
	assert.Zero(t, f.calls.Load())
}

func TestRouter_WalletDeletedMidAttemptIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.targeted = func(context.Context, *domain.WorkItem, string, string) (domain.Report, error) {
		return domain.Report{}, errors.Join(domain.ErrEntityNotFound, errors.New("wallet:w1"))
	}
	item := f.enqueue(t, targeted("w1"))

	res, err := f.router().Handle(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, DispositionDiscarded, res.Disposition)
	_, err = f.store.Get(context.Background(), item.ID)
	assert.ErrorIs(t, err, domain.ErrWorkItemNotFound)
}

func TestRouter_GlobalSuccessRequiresZeroAnomalies(t *testing.T) {
	t.Run("clean sweep resolves", func(t *testing.T) {
		f := newFixture(t)
		f.global = func(context.Context, *domain.WorkItem) (domain.SweepResult, error) {
			res := domain.NewSweepResult()
			res.EntitiesAudited = 10
			return res, nil
		}
		item := f.enqueue(t, domain.EnqueueRequest{AuditType: domain.AuditTypeGlobal})

		res, err := f.router().Handle(context.Background(), item.ID)
		require.NoError(t, err)
		assert.Equal(t, DispositionResolved, res.Disposition)
		stored := f.get(t, item.ID)
		assert.Nil(t, stored.Severity)
		assert.EqualValues(t, 10, stored.Metadata[domain.MetaEntitiesAudited])
	})

	t.Run("anomalies retry until failed", func(t *testing.T) {
		f := newFixture(t)
		f.global = func(context.Context, *domain.WorkItem) (domain.SweepResult, error) {
			res := domain.NewSweepResult()
			res.EntitiesAudited = 10
			res.AnomaliesDetected = 2
			res.PerSeverity[domain.SeverityCritical] = 2
			return res, nil
		}
		item := f.enqueue(t, domain.EnqueueRequest{AuditType: domain.AuditTypeGlobal, MaxAttempts: 3})
		router := f.router()

		var seen []int
		for i := 0; i < 3; i++ {
			if i > 0 {
				f.clock.Advance(time.Hour)
			}
			res, err := router.Handle(context.Background(), item.ID)
			require.NoError(t, err)
			seen = append(seen, res.Item.Attempts)
			if i < 2 {
				assert.Equal(t, DispositionRetry, res.Disposition)
				assert.Equal(t, domain.StatusPending, res.Item.Status)
			} else {
				assert.Equal(t, DispositionFailed, res.Disposition)
			}
		}
		assert.Equal(t, []int{1, 2, 3}, seen)

		stored := f.get(t, item.ID)
		assert.Equal(t, domain.StatusFailed, stored.Status)
		assert.Equal(t, 3, stored.Attempts)
		assert.Contains(t, stored.LastError, "2 anomalies")
		require.NotNil(t, stored.Severity)
		assert.Equal(t, domain.SeverityCritical, *stored.Severity)
		assert.EqualValues(t, 2, stored.Metadata[domain.MetaAnomaliesDetected])
		assert.Equal(t, map[string]int{string(domain.SeverityCritical): 2}, stored.Metadata[domain.MetaPerSeverity])

		page, err := f.store.List(context.Background(), store.Filter{
			Severities: []domain.Severity{domain.SeverityCritical},
			Statuses:   []domain.Status{domain.StatusFailed},
		})
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, item.ID, page.Items[0].ID)

		res, err := router.Handle(context.Background(), item.ID)
		require.NoError(t, err)
		assert.Equal(t, DispositionSkipped, res.Disposition)
		assert.Equal(t, 3, f.get(t, item.ID).Attempts)
	})
}

func TestRouter_PeriodicSuccessIgnoresAnomalies(t *testing.T) {
	t.Run("anomalies with a complete batch resolve", func(t *testing.T) {
		f := newFixture(t)
		f.periodic = func(context.Context, *domain.WorkItem) (domain.SweepResult, error) {
			res := domain.NewSweepResult()
			res.Add([]domain.Outcome{{Invariant: "x", Severity: domain.SeverityCritical}})
			return res, nil
		}
		item := f.enqueue(t, domain.EnqueueRequest{AuditType: domain.AuditTypePeriodic})

		res, err := f.router().Handle(context.Background(), item.ID)
		require.NoError(t, err)
		assert.Equal(t, DispositionResolved, res.Disposition)
		require.NotNil(t, res.Item.Severity)
		assert.Equal(t, domain.SeverityCritical, *res.Item.Severity)
	})

	t.Run("incomplete batch retries", func(t *testing.T) {
		f := newFixture(t)
		f.periodic = func(context.Context, *domain.WorkItem) (domain.SweepResult, error) {
			res := domain.NewSweepResult()
			res.CompletedWithoutError = false
			return res, nil
		}
		item := f.enqueue(t, domain.EnqueueRequest{AuditType: domain.AuditTypePeriodic})

		res, err := f.router().Handle(context.Background(), item.ID)
		require.NoError(t, err)
		assert.Equal(t, DispositionRetry, res.Disposition)
		assert.Equal(t, 1, res.Item.Attempts)
	})
}

func TestRouter_UnknownTypeFailsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()
	id := uuid.NewString()
	f.store.Insert(domain.WorkItem{
		ID:            id,
		AuditType:     "reconcile",
		EntityType:    domain.EntityTypeWallet,
		ScheduledAt:   now,
		MaxAttempts:   3,
		Status:        domain.StatusPending,
		Metadata:      domain.Metadata{},
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	})

	res, err := f.router().Handle(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, DispositionFailed, res.Disposition)

	stored := f.get(t, id)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, 0, stored.Attempts)
	assert.Contains(t, stored.LastError, "reconcile")
	assert.Zero(t, f.calls.Load())
}

func TestRouter_InvalidItemFailsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	f.targeted = func(context.Context, *domain.WorkItem, string, string) (domain.Report, error) {
		return domain.Report{}, errors.Join(domain.ErrInvalidWorkItem, domain.ErrUnknownInvariant)
	}
	item := f.enqueue(t, domain.EnqueueRequest{AuditType: domain.AuditTypeTargeted, EntityID: "w1", Invariant: "nope"})

	res, err := f.router().Handle(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, DispositionFailed, res.Disposition)
	assert.Equal(t, 0, f.get(t, item.ID).Attempts)
}

func TestRouter_PanicIsMarkedFailed(t *testing.T) {
	f := newFixture(t)
	f.targeted = func(context.Context, *domain.WorkItem, string, string) (domain.Report, error) {
		panic("nil snapshot")
	}
	item := f.enqueue(t, targeted("w1"))

	res, err := f.router().Handle(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, DispositionFailed, res.Disposition)

	stored := f.get(t, item.ID)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Contains(t, stored.LastError, "panicked")
	assert.Equal(t, 0, f.metrics.inFlight)
}

func TestRouter_TransientFailureSchedulesBackoff(t *testing.T) {
	f := newFixture(t)
	f.targeted = func(context.Context, *domain.WorkItem, string, string) (domain.Report, error) {
		return domain.Report{}, errors.New("connection reset")
	}
	item := f.enqueue(t, targeted("w1"))
	router := f.router()

	res, err := router.Handle(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, DispositionRetry, res.Disposition)
	assert.Equal(t, f.clock.Now().Add(time.Minute), res.Item.NextAttemptAt)
	assert.Nil(t, res.Item.DispatchedAt)

	f.clock.Advance(time.Minute)
	res, err = router.Handle(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, DispositionRetry, res.Disposition)
	assert.Equal(t, f.clock.Now().Add(2*time.Minute), res.Item.NextAttemptAt)
	assert.Contains(t, res.Item.LastError, "connection reset")
}

func TestRouter_AttemptTimeoutRetries(t *testing.T) {
	f := newFixture(t)
	f.targeted = func(ctx context.Context, _ *domain.WorkItem, _, _ string) (domain.Report, error) {
		<-ctx.Done()
		return domain.Report{}, ctx.Err()
	}
	item := f.enqueue(t, domain.EnqueueRequest{AuditType: domain.AuditTypeTargeted, EntityID: "w1", TimeoutSeconds: 1})

	res, err := f.router().Handle(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, DispositionRetry, res.Disposition)
	assert.Contains(t, res.Item.LastError, context.DeadlineExceeded.Error())
}

func TestRouter_HeartbeatsDuringAttempt(t *testing.T) {
	f := newFixture(t)
	f.cfg.HeartbeatInterval = 5 * time.Millisecond
	f.targeted = func(context.Context, *domain.WorkItem, string, string) (domain.Report, error) {
		time.Sleep(50 * time.Millisecond)
		return domain.Report{}, nil
	}
	item := f.enqueue(t, targeted("w1"))

	_, err := f.router().Handle(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Positive(t, f.store.heartbeats.Load())
}

func TestRouter_SkipsItemsItCannotRun(t *testing.T) {
	f := newFixture(t)
	router := f.router()

	res, err := router.Handle(context.Background(), uuid.NewString())
	require.NoError(t, err)
	assert.Equal(t, DispositionSkipped, res.Disposition)

	item := f.enqueue(t, targeted("w1"))
	_, err = f.store.Claim(context.Background(), item.ID, "other-worker")
	require.NoError(t, err)

	res, err = router.Handle(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, DispositionSkipped, res.Disposition)
	assert.Zero(t, f.calls.Load())
}

func TestRouter_CanceledDeliveryStillPersists(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.targeted = func(context.Context, *domain.WorkItem, string, string) (domain.Report, error) {
		cancel()
		return domain.Report{}, nil
	}
	item := f.enqueue(t, targeted("w1"))

	res, err := f.router().Handle(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, DispositionResolved, res.Disposition)
	assert.Equal(t, domain.StatusResolved, f.get(t, item.ID).Status)
}

func TestRouter_ShutdownReleasesWithoutCountingAttempt(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.periodic = func(ctx context.Context, _ *domain.WorkItem) (domain.SweepResult, error) {
		cancel()
		return domain.NewSweepResult(), ctx.Err()
	}
	item := f.enqueue(t, domain.EnqueueRequest{AuditType: domain.AuditTypePeriodic})

	res, err := f.router().Handle(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, DispositionReleased, res.Disposition)

	stored := f.get(t, item.ID)
	assert.Equal(t, domain.StatusPending, stored.Status)
	assert.Equal(t, 0, stored.Attempts)
	assert.Nil(t, stored.DispatchedAt)
	assert.Nil(t, stored.WorkerID)
	assert.Equal(t, f.clock.Now(), stored.NextAttemptAt)
	assert.Contains(t, stored.LastError, "interrupted")

	res, err = f.router().Handle(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, DispositionResolved, res.Disposition)
	assert.Equal(t, 0, res.Item.Attempts)
}

func TestRouter_EarlyDeliveryIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.targeted = func(context.Context, *domain.WorkItem, string, string) (domain.Report, error) {
		return domain.Report{}, errors.New("connection reset")
	}
	item := f.enqueue(t, targeted("w1"))
	router := f.router()

	res, err := router.Handle(context.Background(), item.ID)
	require.NoError(t, err)
	require.Equal(t, DispositionRetry, res.Disposition)
	require.Equal(t, int32(1), f.calls.Load())

	res, err = router.Handle(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, DispositionSkipped, res.Disposition)
	assert.Equal(t, int32(1), f.calls.Load())

	stored := f.get(t, item.ID)
	assert.Equal(t, domain.StatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

func TestRouter_SettleIsFencedByClaimant(t *testing.T) {
	f := newFixture(t)
	item := f.enqueue(t, targeted("w1"))
	router := f.router()

	f.targeted = func(context.Context, *domain.WorkItem, string, string) (domain.Report, error) {
		// the reaper gives up on this worker and a second worker claims the item
		_, err := f.store.RecordFailure(context.Background(), item.ID, "worker-test", domain.Failure{Reason: "heartbeat lost"})
		require.NoError(t, err)
		_, err = f.store.Claim(context.Background(), item.ID, "worker-b")
		require.NoError(t, err)
		return domain.Report{}, nil
	}

	res, err := router.Handle(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, DispositionSkipped, res.Disposition)

	stored := f.get(t, item.ID)
	assert.Equal(t, domain.StatusProcessing, stored.Status)
	assert.Equal(t, "worker-b", stored.Claimant())
	assert.Equal(t, 1, stored.Attempts)
}

func TestRouter_Abandon(t *testing.T) {
	f := newFixture(t)
	item := f.enqueue(t, targeted("w1"))
	_, err := f.store.Claim(context.Background(), item.ID, "dead-worker")
	require.NoError(t, err)

	router := f.router()

	res, err := router.Abandon(context.Background(), item.ID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, DispositionSkipped, res.Disposition, "heartbeat is still fresh")

	f.clock.Advance(2 * time.Minute)
	res, err = router.Abandon(context.Background(), item.ID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, DispositionRetry, res.Disposition)
	assert.Equal(t, 1, res.Item.Attempts)
	assert.Contains(t, res.Item.LastError, "heartbeat lost")

	res, err = router.Abandon(context.Background(), item.ID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, DispositionSkipped, res.Disposition)
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second, Jitter: func() float64 { return 1 }}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{40, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Hour}
	for i := 0; i < 100; i++ {
		d := b.Delay(3)
		assert.GreaterOrEqual(t, d, 3200*time.Millisecond)
		assert.Less(t, d, 4800*time.Millisecond)
	}
}
