package auditor

import (
	"context"
	"fmt"

	"github.com/cuongbtq/wallet-audit/internal/wallet"
)

// Selector names
const (
	SelectorLeastRecentlyAudited = "least_recently_audited"
	SelectorRoundRobin           = "round_robin"
)

// Selector picks the next batch of entities due for a periodic review.
// Advance is called once per entity handled so an interrupted batch resumes where it stopped.
type Selector interface {
	Name() string
	Next(ctx context.Context, entityType string, limit int) ([]string, error)
	Advance(ctx context.Context, entityType, entityID string) error
}

// NewSelector builds the named selector over repo
func NewSelector(name string, repo interface {
	wallet.Population
	wallet.Coverage
}) (Selector, error) {
	switch name {
	case "", SelectorLeastRecentlyAudited:
		return &LeastRecentlyAudited{coverage: repo}, nil
	case SelectorRoundRobin:
		return &RoundRobin{population: repo, cursors: repo}, nil
	default:
		return nil, fmt.Errorf("unknown periodic selector: %s", name)
	}
}

// LeastRecentlyAudited picks never-audited entities first, then the oldest audited.
// Coverage is advanced by the engine marking each audited entity.
type LeastRecentlyAudited struct {
	coverage wallet.Coverage
}

func (s *LeastRecentlyAudited) Name() string {
	return SelectorLeastRecentlyAudited
}

func (s *LeastRecentlyAudited) Next(ctx context.Context, entityType string, limit int) ([]string, error) {
	return s.coverage.LeastRecentlyAudited(ctx, entityType, limit)
}

func (s *LeastRecentlyAudited) Advance(context.Context, string, string) error {
	return nil
}

// RoundRobin walks entity ids in ascending order from a persisted cursor, wrapping at the end
type RoundRobin struct {
	population wallet.Population
	cursors    wallet.Coverage
}

func (s *RoundRobin) Name() string {
	return SelectorRoundRobin
}

func cursorName(entityType string) string {
	return "periodic:" + entityType
}

func (s *RoundRobin) Next(ctx context.Context, entityType string, limit int) ([]string, error) {
	position, err := s.cursors.Cursor(ctx, cursorName(entityType))
	if err != nil {
		return nil, err
	}

	batch, err := s.population.Page(ctx, position, limit)
	if err != nil {
		return nil, err
	}
	if len(batch) == limit || position == "" {
		return batch, nil
	}

	wrapped, err := s.population.Page(ctx, "", limit-len(batch))
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(batch))
	for _, id := range batch {
		seen[id] = struct{}{}
	}
	for _, id := range wrapped {
		if _, dup := seen[id]; !dup {
			batch = append(batch, id)
		}
	}
	return batch, nil
}

func (s *RoundRobin) Advance(ctx context.Context, entityType, entityID string) error {
	return s.cursors.SaveCursor(ctx, cursorName(entityType), entityID)
}
