package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Memory is an in-process store with the same transition rules as Postgres.
// A single mutex stands in for the row lock.
type Memory struct {
	mu    sync.Mutex
	items map[string]*domain.WorkItem
	now   func() time.Time
}

// NewMemory creates an empty store. A nil clock uses time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		items: map[string]*domain.WorkItem{},
		now:   now,
	}
}

func clone(item *domain.WorkItem) *domain.WorkItem {
	c := *item
	c.Metadata = domain.Metadata{}.Merge(item.Metadata)
	return &c
}

func ptr[T any](v T) *T {
	return &v
}

func (s *Memory) Enqueue(_ context.Context, req domain.EnqueueRequest) (*domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if err := req.Normalize(now); err != nil {
		return nil, err
	}

	item := &domain.WorkItem{
		ID:             uuid.NewString(),
		AuditType:      req.AuditType,
		EntityType:     req.EntityType,
		ScheduledAt:    req.ScheduledAt.UTC(),
		MaxAttempts:    req.MaxAttempts,
		Status:         domain.StatusPending,
		Invariant:      req.Invariant,
		Metadata:       domain.Metadata{}.Merge(req.Metadata),
		TimeoutSeconds: req.TimeoutSeconds,
		NextAttemptAt:  req.ScheduledAt.UTC(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.EntityID != "" {
		item.EntityID = ptr(req.EntityID)
	}

	s.items[item.ID] = item
	return clone(item), nil
}

// Insert stores item as is. It lets tests seed rows in any state.
func (s *Memory) Insert(item domain.WorkItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = clone(&item)
}

func (s *Memory) Get(_ context.Context, id string) (*domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, domain.ErrWorkItemNotFound
	}
	return clone(item), nil
}

func (s *Memory) Claim(_ context.Context, id, workerID string) (*domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok || item.Status != domain.StatusPending || item.IsFinding() {
		return nil, domain.ErrWorkItemNotPending
	}

	now := s.now().UTC()
	item.Status = domain.StatusProcessing
	item.WorkerID = ptr(workerID)
	item.StartedAt = ptr(now)
	item.LastHeartbeatAt = ptr(now)
	item.UpdatedAt = now
	return clone(item), nil
}

func (s *Memory) Heartbeat(_ context.Context, id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, ok := s.items[id]; ok && item.Status == domain.StatusProcessing && item.Claimant() == workerID {
		now := s.now().UTC()
		item.LastHeartbeatAt = ptr(now)
		item.UpdatedAt = now
	}
	return nil
}

func (s *Memory) lockForTransition(id, workerID string) (*domain.WorkItem, error) {
	item, ok := s.items[id]
	if !ok || item.IsFinding() {
		return nil, domain.ErrWorkItemNotFound
	}
	if item.Status.Terminal() {
		return nil, domain.ErrWorkItemTerminal
	}
	if item.Status != domain.StatusProcessing || item.Claimant() != workerID {
		return nil, domain.ErrWorkItemNotProcessing
	}
	return item, nil
}

func (s *Memory) Resolve(_ context.Context, id, workerID string, res domain.Resolution) (*domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.lockForTransition(id, workerID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	item.Status = domain.StatusResolved
	item.Severity = res.Severity
	item.Metadata = item.Metadata.Merge(res.Metadata)
	item.LastError = ""
	item.ResolvedAt = ptr(now)
	item.UpdatedAt = now
	return clone(item), nil
}

func (s *Memory) RecordFailure(_ context.Context, id, workerID string, f domain.Failure) (*domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.lockForTransition(id, workerID)
	if err != nil {
		return nil, err
	}

	attempts := failureAttempts(item)
	if f.Terminal || attempts >= item.MaxAttempts {
		return s.markFailed(item, attempts, f), nil
	}

	s.observed(item, f)
	s.requeue(item, f.RetryAt)
	item.Attempts = attempts
	item.LastError = f.Reason
	return clone(item), nil
}

func (s *Memory) Release(_ context.Context, id, workerID, reason string) (*domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.lockForTransition(id, workerID)
	if err != nil {
		return nil, err
	}

	s.requeue(item, s.now())
	item.LastError = reason
	return clone(item), nil
}

func (s *Memory) MarkFailed(_ context.Context, id, workerID, reason string) (*domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.lockForTransition(id, workerID)
	if err != nil {
		return nil, err
	}
	return s.markFailed(item, item.Attempts, domain.Failure{Reason: reason}), nil
}

func (s *Memory) markFailed(item *domain.WorkItem, attempts int, f domain.Failure) *domain.WorkItem {
	now := s.now().UTC()
	s.observed(item, f)
	item.Status = domain.StatusFailed
	item.Attempts = attempts
	item.LastError = f.Reason
	item.ResolvedAt = ptr(now)
	item.UpdatedAt = now
	return clone(item)
}

// requeue returns a processing item to pending without touching attempts.
func (s *Memory) requeue(item *domain.WorkItem, at time.Time) {
	item.Status = domain.StatusPending
	item.NextAttemptAt = at.UTC()
	item.DispatchedAt = nil
	item.WorkerID = nil
	item.StartedAt = nil
	item.LastHeartbeatAt = nil
	item.UpdatedAt = s.now().UTC()
}

func (s *Memory) observed(item *domain.WorkItem, f domain.Failure) {
	if f.Severity != nil {
		item.Severity = f.Severity
	}
	item.Metadata = item.Metadata.Merge(f.Metadata)
}

func (s *Memory) Discard(_ context.Context, id string, from domain.Status, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok || item.IsFinding() {
		return domain.ErrWorkItemNotFound
	}
	if item.Status != from {
		if from == domain.StatusPending {
			return domain.ErrWorkItemNotPending
		}
		return domain.ErrWorkItemNotProcessing
	}

	delete(s.items, id)
	for childID, child := range s.items {
		if child.ParentID != nil && *child.ParentID == id {
			delete(s.items, childID)
		}
	}
	return nil
}

func (s *Memory) RecordOutcomes(_ context.Context, parent *domain.WorkItem, entityType, entityID string, outcomes []domain.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	for _, o := range outcomes {
		finding := &domain.WorkItem{
			ID:            uuid.NewString(),
			ParentID:      ptr(parent.ID),
			AuditType:     parent.AuditType,
			EntityType:    entityType,
			EntityID:      ptr(entityID),
			ScheduledAt:   parent.ScheduledAt,
			Status:        domain.StatusResolved,
			Invariant:     o.Invariant,
			Severity:      outcomeSeverity(o),
			ExpectedValue: decimal.NewNullDecimal(o.Expected),
			ActualValue:   decimal.NewNullDecimal(o.Actual),
			Metadata:      domain.Metadata{}.Merge(o.Metadata),
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
			ResolvedAt:    ptr(now),
		}
		if o.IsAnomaly() {
			finding.Gap = decimal.NewNullDecimal(o.Gap)
		}
		s.items[finding.ID] = finding
	}
	return nil
}

func (s *Memory) List(_ context.Context, filter Filter) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []domain.WorkItem
	for _, item := range s.items {
		if matches(item, filter) {
			matched = append(matched, *clone(item))
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	limit := filter.limit()
	if len(matched) > limit+1 {
		matched = matched[:limit+1]
	}
	return newPage(matched, limit), nil
}

func matches(item *domain.WorkItem, f Filter) bool {
	switch f.Kind {
	case KindFindings:
		if !item.IsFinding() {
			return false
		}
	case KindAll:
	default:
		if item.IsFinding() {
			return false
		}
	}

	if f.ParentID != "" && (item.ParentID == nil || *item.ParentID != f.ParentID) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, item.Status) {
		return false
	}
	if len(f.Severities) > 0 && (item.Severity == nil || !slices.Contains(f.Severities, *item.Severity)) {
		return false
	}
	if len(f.AuditTypes) > 0 && !slices.Contains(f.AuditTypes, item.AuditType) {
		return false
	}
	if f.EntityType != "" && item.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && item.Entity() != f.EntityID {
		return false
	}
	if f.From != nil && item.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !item.CreatedAt.Before(*f.To) {
		return false
	}
	if f.Cursor != nil {
		if item.CreatedAt.After(f.Cursor.CreatedAt) {
			return false
		}
		if item.CreatedAt.Equal(f.Cursor.CreatedAt) && item.ID >= f.Cursor.ID {
			return false
		}
	}
	return true
}

func (s *Memory) ClaimDue(_ context.Context, limit int, redispatchAfter time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	var due []*domain.WorkItem
	for _, item := range s.items {
		if item.IsFinding() || item.Status != domain.StatusPending || item.NextAttemptAt.After(now) {
			continue
		}
		if item.DispatchedAt != nil && !item.DispatchedAt.Before(now.Add(-redispatchAfter)) {
			continue
		}
		due = append(due, item)
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	ids := make([]string, 0, len(due))
	for _, item := range due {
		item.DispatchedAt = ptr(now)
		item.UpdatedAt = now
		ids = append(ids, item.ID)
	}
	return ids, nil
}

func (s *Memory) ReleaseDispatch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, ok := s.items[id]; ok && item.Status == domain.StatusPending {
		item.DispatchedAt = nil
		item.UpdatedAt = s.now().UTC()
	}
	return nil
}

func (s *Memory) StaleProcessing(_ context.Context, timeout time.Duration, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().UTC().Add(-timeout)
	var ids []string
	for _, item := range s.items {
		if item.IsFinding() || item.Status != domain.StatusProcessing {
			continue
		}
		if item.LastHeartbeatAt != nil && item.LastHeartbeatAt.Before(cutoff) {
			ids = append(ids, item.ID)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}
