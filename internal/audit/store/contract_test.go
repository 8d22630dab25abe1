package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type contractStore interface {
	Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.WorkItem, error)
	Get(ctx context.Context, id string) (*domain.WorkItem, error)
	Claim(ctx context.Context, id, workerID string) (*domain.WorkItem, error)
	Heartbeat(ctx context.Context, id, workerID string) error
	Resolve(ctx context.Context, id, workerID string, res domain.Resolution) (*domain.WorkItem, error)
	RecordFailure(ctx context.Context, id, workerID string, f domain.Failure) (*domain.WorkItem, error)
	Release(ctx context.Context, id, workerID, reason string) (*domain.WorkItem, error)
	MarkFailed(ctx context.Context, id, workerID, reason string) (*domain.WorkItem, error)
	Discard(ctx context.Context, id string, from domain.Status, reason string) error
	RecordOutcomes(ctx context.Context, parent *domain.WorkItem, entityType, entityID string, outcomes []domain.Outcome) error
	List(ctx context.Context, filter Filter) (Page, error)
	ClaimDue(ctx context.Context, limit int, redispatchAfter time.Duration) ([]string, error)
	ReleaseDispatch(ctx context.Context, id string) error
	StaleProcessing(ctx context.Context, timeout time.Duration, limit int) ([]string, error)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
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

type storeFactory func(t *testing.T, clock *testClock) contractStore

func targetedRequest(entityID string) domain.EnqueueRequest {
	return domain.EnqueueRequest{
		AuditType:  domain.AuditTypeTargeted,
		EntityType: domain.EntityTypeWallet,
		EntityID:   entityID,
	}
}

func runStoreContract(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	t.Run("enqueue applies defaults", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)

		item, err := s.Enqueue(ctx, targetedRequest("w1"))
		require.NoError(t, err)

		assert.Equal(t, domain.StatusPending, item.Status)
		assert.Equal(t, 0, item.Attempts)
		assert.Equal(t, domain.DefaultMaxAttempts, item.MaxAttempts)
		assert.Equal(t, "w1", item.Entity())
		assert.WithinDuration(t, clock.Now(), item.ScheduledAt, time.Millisecond)
		assert.WithinDuration(t, item.ScheduledAt, item.NextAttemptAt, time.Millisecond)

		got, err := s.Get(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, item.ID, got.ID)

		_, err = s.Get(ctx, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, domain.ErrWorkItemNotFound)
	})

	t.Run("claim is exclusive", func(t *testing.T) {
		s := newStore(t, newTestClock())
		item, err := s.Enqueue(ctx, targetedRequest("w1"))
		require.NoError(t, err)

		claimed, err := s.Claim(ctx, item.ID, "worker-a")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusProcessing, claimed.Status)
		require.NotNil(t, claimed.WorkerID)
		assert.Equal(t, "worker-a", *claimed.WorkerID)

		_, err = s.Claim(ctx, item.ID, "worker-b")
		assert.ErrorIs(t, err, domain.ErrWorkItemNotPending)
	})

	t.Run("failures retry until max attempts", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)
		item, err := s.Enqueue(ctx, targetedRequest("w1"))
		require.NoError(t, err)

		retryAt := clock.Now().Add(time.Minute)
		for attempt := 1; attempt < domain.DefaultMaxAttempts; attempt++ {
			_, err = s.Claim(ctx, item.ID, "worker-a")
			require.NoError(t, err)

			updated, err := s.RecordFailure(ctx, item.ID, "worker-a", domain.Failure{Reason: "timeout", RetryAt: retryAt})
			require.NoError(t, err)
			assert.Equal(t, domain.StatusPending, updated.Status)
			assert.Equal(t, attempt, updated.Attempts)
			assert.Equal(t, "timeout", updated.LastError)
			assert.WithinDuration(t, retryAt, updated.NextAttemptAt, time.Millisecond)
			assert.Nil(t, updated.DispatchedAt)
			assert.Nil(t, updated.WorkerID)
		}

		_, err = s.Claim(ctx, item.ID, "worker-a")
		require.NoError(t, err)
		failed, err := s.RecordFailure(ctx, item.ID, "worker-a", domain.Failure{Reason: "timeout", RetryAt: retryAt})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, failed.Status)
		assert.Equal(t, domain.DefaultMaxAttempts, failed.Attempts)
		assert.NotNil(t, failed.ResolvedAt)

		_, err = s.RecordFailure(ctx, item.ID, "worker-a", domain.Failure{Reason: "again"})
		assert.ErrorIs(t, err, domain.ErrWorkItemTerminal)
	})

	t.Run("terminal failure fails immediately and counts the attempt", func(t *testing.T) {
		s := newStore(t, newTestClock())
		item, err := s.Enqueue(ctx, targetedRequest("w1"))
		require.NoError(t, err)
		_, err = s.Claim(ctx, item.ID, "worker-a")
		require.NoError(t, err)

		failed, err := s.RecordFailure(ctx, item.ID, "worker-a", domain.Failure{Reason: "panic: boom", Terminal: true})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, failed.Status)
		assert.Equal(t, 1, failed.Attempts)
	})

	t.Run("mark failed keeps attempts", func(t *testing.T) {
		s := newStore(t, newTestClock())
		item, err := s.Enqueue(ctx, domain.EnqueueRequest{AuditType: "reconcile", EntityType: domain.EntityTypeWallet})
		require.NoError(t, err)
		_, err = s.Claim(ctx, item.ID, "worker-a")
		require.NoError(t, err)

		failed, err := s.MarkFailed(ctx, item.ID, "worker-a", "unknown audit type")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, failed.Status)
		assert.Equal(t, 0, failed.Attempts)
		assert.Equal(t, "unknown audit type", failed.LastError)
	})

	t.Run("resolve merges metadata and is final", func(t *testing.T) {
		s := newStore(t, newTestClock())
		req := targetedRequest("w1")
		req.Metadata = domain.Metadata{"requested_by": "ops"}
		item, err := s.Enqueue(ctx, req)
		require.NoError(t, err)
		_, err = s.Claim(ctx, item.ID, "worker-a")
		require.NoError(t, err)

		sev := domain.SeverityWarning
		resolved, err := s.Resolve(ctx, item.ID, "worker-a", domain.Resolution{
			Severity: &sev,
			Metadata: domain.Metadata{domain.MetaAnomaliesDetected: 1},
		})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusResolved, resolved.Status)
		require.NotNil(t, resolved.Severity)
		assert.Equal(t, domain.SeverityWarning, *resolved.Severity)
		assert.Equal(t, "ops", resolved.Metadata["requested_by"])
		assert.EqualValues(t, 1, resolved.Metadata[domain.MetaAnomaliesDetected])
		assert.NotNil(t, resolved.ResolvedAt)

		_, err = s.MarkFailed(ctx, item.ID, "worker-a", "late")
		assert.ErrorIs(t, err, domain.ErrWorkItemTerminal)
	})

	t.Run("transitions are fenced by the claiming worker", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)
		item, err := s.Enqueue(ctx, targetedRequest("w1"))
		require.NoError(t, err)

		_, err = s.Claim(ctx, item.ID, "worker-a")
		require.NoError(t, err)
		_, err = s.RecordFailure(ctx, item.ID, "worker-a", domain.Failure{Reason: "heartbeat lost"})
		require.NoError(t, err)
		_, err = s.Claim(ctx, item.ID, "worker-b")
		require.NoError(t, err)

		_, err = s.Resolve(ctx, item.ID, "worker-a", domain.Resolution{})
		assert.ErrorIs(t, err, domain.ErrWorkItemNotProcessing)
		_, err = s.RecordFailure(ctx, item.ID, "worker-a", domain.Failure{Reason: "late"})
		assert.ErrorIs(t, err, domain.ErrWorkItemNotProcessing)
		_, err = s.MarkFailed(ctx, item.ID, "worker-a", "late")
		assert.ErrorIs(t, err, domain.ErrWorkItemNotProcessing)
		_, err = s.Release(ctx, item.ID, "worker-a", "late")
		assert.ErrorIs(t, err, domain.ErrWorkItemNotProcessing)

		before, err := s.Get(ctx, item.ID)
		require.NoError(t, err)
		clock.Advance(time.Minute)
		require.NoError(t, s.Heartbeat(ctx, item.ID, "worker-a"))
		after, err := s.Get(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, before.LastHeartbeatAt, after.LastHeartbeatAt)

		stored, err := s.Resolve(ctx, item.ID, "worker-b", domain.Resolution{})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusResolved, stored.Status)
		assert.Equal(t, 1, stored.Attempts)
	})

	t.Run("release returns to pending without counting an attempt", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)
		item, err := s.Enqueue(ctx, targetedRequest("w1"))
		require.NoError(t, err)
		_, err = s.ClaimDue(ctx, 10, time.Minute)
		require.NoError(t, err)
		_, err = s.Claim(ctx, item.ID, "worker-a")
		require.NoError(t, err)

		clock.Advance(time.Second)
		released, err := s.Release(ctx, item.ID, "worker-a", "shutting down")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, released.Status)
		assert.Equal(t, 0, released.Attempts)
		assert.Equal(t, "shutting down", released.LastError)
		assert.WithinDuration(t, clock.Now(), released.NextAttemptAt, time.Millisecond)
		assert.Nil(t, released.DispatchedAt)
		assert.Nil(t, released.WorkerID)
		assert.Nil(t, released.StartedAt)

		ids, err := s.ClaimDue(ctx, 10, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, []string{item.ID}, ids)
	})

	t.Run("failures keep what the attempt observed", func(t *testing.T) {
		s := newStore(t, newTestClock())
		req := domain.EnqueueRequest{AuditType: domain.AuditTypeGlobal, EntityType: domain.EntityTypeWallet, MaxAttempts: 2}
		item, err := s.Enqueue(ctx, req)
		require.NoError(t, err)

		sev := domain.SeverityCritical
		observed := domain.Failure{
			Reason:   "global sweep found 2 anomalies",
			Severity: &sev,
			Metadata: domain.Metadata{domain.MetaAnomaliesDetected: 2},
		}

		_, err = s.Claim(ctx, item.ID, "worker-a")
		require.NoError(t, err)
		pending, err := s.RecordFailure(ctx, item.ID, "worker-a", observed)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, pending.Status)
		require.NotNil(t, pending.Severity)
		assert.Equal(t, domain.SeverityCritical, *pending.Severity)

		_, err = s.Claim(ctx, item.ID, "worker-a")
		require.NoError(t, err)
		failed, err := s.RecordFailure(ctx, item.ID, "worker-a", domain.Failure{Reason: "no sweep ran"})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, failed.Status)
		require.NotNil(t, failed.Severity, "a failure without observations keeps the earlier severity")
		assert.Equal(t, domain.SeverityCritical, *failed.Severity)
		assert.EqualValues(t, 2, failed.Metadata[domain.MetaAnomaliesDetected])

		page, err := s.List(ctx, Filter{
			Severities: []domain.Severity{domain.SeverityCritical},
			Statuses:   []domain.Status{domain.StatusFailed},
		})
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, item.ID, page.Items[0].ID)
	})

	t.Run("discard deletes only from the expected status", func(t *testing.T) {
		s := newStore(t, newTestClock())
		item, err := s.Enqueue(ctx, targetedRequest("w1"))
		require.NoError(t, err)

		assert.ErrorIs(t, s.Discard(ctx, item.ID, domain.StatusProcessing, "entity missing"), domain.ErrWorkItemNotProcessing)

		require.NoError(t, s.Discard(ctx, item.ID, domain.StatusPending, "stale"))
		_, err = s.Get(ctx, item.ID)
		assert.ErrorIs(t, err, domain.ErrWorkItemNotFound)

		assert.ErrorIs(t, s.Discard(ctx, item.ID, domain.StatusPending, "stale"), domain.ErrWorkItemNotFound)
	})

	t.Run("findings are child rows", func(t *testing.T) {
		s := newStore(t, newTestClock())
		item, err := s.Enqueue(ctx, targetedRequest("w1"))
		require.NoError(t, err)

		outcomes := []domain.Outcome{
			{Invariant: "balance", Expected: decimal.NewFromInt(100), Actual: decimal.NewFromInt(100)},
			{Invariant: "earned", Expected: decimal.NewFromInt(100), Actual: decimal.NewFromInt(97), Gap: decimal.NewFromInt(-3), Severity: domain.SeverityWarning},
		}
		require.NoError(t, s.RecordOutcomes(ctx, item, domain.EntityTypeWallet, "w1", outcomes))

		page, err := s.List(ctx, Filter{Kind: KindFindings, ParentID: item.ID})
		require.NoError(t, err)
		require.Len(t, page.Items, 2)

		byInvariant := map[string]domain.WorkItem{}
		for _, f := range page.Items {
			byInvariant[f.Invariant] = f
			require.NotNil(t, f.ParentID)
			assert.Equal(t, item.ID, *f.ParentID)
			assert.Equal(t, domain.StatusResolved, f.Status)
		}

		assert.False(t, byInvariant["balance"].Gap.Valid)
		assert.Nil(t, byInvariant["balance"].Severity)
		assert.True(t, byInvariant["earned"].Gap.Valid)
		assert.True(t, byInvariant["earned"].Gap.Decimal.Equal(decimal.NewFromInt(-3)))
		assert.True(t, byInvariant["earned"].ActualValue.Decimal.Equal(decimal.NewFromInt(97)))

		work, err := s.List(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, work.Items, 1)
		assert.Equal(t, item.ID, work.Items[0].ID)

		_, err = s.Claim(ctx, page.Items[0].ID, "worker-a")
		assert.ErrorIs(t, err, domain.ErrWorkItemNotPending, "findings are never claimable")
	})

	t.Run("list filters and paginates", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)

		var ids []string
		for _, entity := range []string{"w1", "w2", "w3"} {
			item, err := s.Enqueue(ctx, targetedRequest(entity))
			require.NoError(t, err)
			ids = append(ids, item.ID)
			clock.Advance(time.Second)
		}
		global, err := s.Enqueue(ctx, domain.EnqueueRequest{AuditType: domain.AuditTypeGlobal})
		require.NoError(t, err)

		first, err := s.List(ctx, Filter{AuditTypes: []domain.AuditType{domain.AuditTypeTargeted}, Limit: 2})
		require.NoError(t, err)
		require.Len(t, first.Items, 2)
		require.NotNil(t, first.Next)
		assert.Equal(t, ids[2], first.Items[0].ID)
		assert.Equal(t, ids[1], first.Items[1].ID)

		second, err := s.List(ctx, Filter{AuditTypes: []domain.AuditType{domain.AuditTypeTargeted}, Limit: 2, Cursor: first.Next})
		require.NoError(t, err)
		require.Len(t, second.Items, 1)
		assert.Nil(t, second.Next)
		assert.Equal(t, ids[0], second.Items[0].ID)

		byEntity, err := s.List(ctx, Filter{EntityID: "w2"})
		require.NoError(t, err)
		require.Len(t, byEntity.Items, 1)
		assert.Equal(t, ids[1], byEntity.Items[0].ID)

		_, err = s.Claim(ctx, global.ID, "worker-a")
		require.NoError(t, err)
		sev := domain.SeverityCritical
		_, err = s.Resolve(ctx, global.ID, "worker-a", domain.Resolution{Severity: &sev})
		require.NoError(t, err)

		critical, err := s.List(ctx, Filter{Severities: domain.SeveritiesAtLeast(domain.SeverityWarning)})
		require.NoError(t, err)
		require.Len(t, critical.Items, 1)
		assert.Equal(t, global.ID, critical.Items[0].ID)

		resolved, err := s.List(ctx, Filter{Statuses: []domain.Status{domain.StatusResolved, domain.StatusFailed}})
		require.NoError(t, err)
		assert.Len(t, resolved.Items, 1)

		from := clock.Now().Add(-1500 * time.Millisecond)
		recent, err := s.List(ctx, Filter{From: &from})
		require.NoError(t, err)
		assert.Len(t, recent.Items, 2)
	})

	t.Run("claim due hands out each item once until redispatch", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)

		due, err := s.Enqueue(ctx, targetedRequest("w1"))
		require.NoError(t, err)
		later := targetedRequest("w2")
		later.ScheduledAt = clock.Now().Add(time.Hour)
		_, err = s.Enqueue(ctx, later)
		require.NoError(t, err)

		ids, err := s.ClaimDue(ctx, 10, 5*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, []string{due.ID}, ids)

		ids, err = s.ClaimDue(ctx, 10, 5*time.Minute)
		require.NoError(t, err)
		assert.Empty(t, ids)

		require.NoError(t, s.ReleaseDispatch(ctx, due.ID))
		ids, err = s.ClaimDue(ctx, 10, 5*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, []string{due.ID}, ids)

		clock.Advance(6 * time.Minute)
		ids, err = s.ClaimDue(ctx, 10, 5*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, []string{due.ID}, ids)
	})

	t.Run("stale processing detects lost heartbeats", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)

		lost, err := s.Enqueue(ctx, targetedRequest("w1"))
		require.NoError(t, err)
		alive, err := s.Enqueue(ctx, targetedRequest("w2"))
		require.NoError(t, err)

		_, err = s.Claim(ctx, lost.ID, "worker-a")
		require.NoError(t, err)
		_, err = s.Claim(ctx, alive.ID, "worker-b")
		require.NoError(t, err)

		clock.Advance(10 * time.Minute)
		require.NoError(t, s.Heartbeat(ctx, alive.ID, "worker-b"))

		ids, err := s.StaleProcessing(ctx, 5*time.Minute, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{lost.ID}, ids)
	})
}
