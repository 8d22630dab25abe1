package auditor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
)

// DefaultBatchSize is the number of entities reviewed per periodic run
const DefaultBatchSize = 100

// Periodic reviews a bounded, rotating batch of entities
type Periodic struct {
	engine     *Engine
	selector   Selector
	batchSize  int
	entityType string
}

// NewPeriodic creates a periodic auditor over wallets
func NewPeriodic(engine *Engine, selector Selector, batchSize int) *Periodic {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Periodic{
		engine:     engine,
		selector:   selector,
		batchSize:  batchSize,
		entityType: domain.EntityTypeWallet,
	}
}

// Run audits the next batch. The run succeeds when result.CompletedWithoutError
// is true; anomalies found along the way do not fail it.
func (p *Periodic) Run(ctx context.Context, item *domain.WorkItem) (domain.SweepResult, error) {
	start := p.engine.now()
	res := domain.NewSweepResult()

	ids, err := p.selector.Next(ctx, p.entityType, p.batchSize)
	if err != nil {
		res.CompletedWithoutError = false
		return res, fmt.Errorf("failed to select periodic batch: %w", err)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			res.CompletedWithoutError = false
			res.Duration = p.engine.now().Sub(start)
			return res, fmt.Errorf("periodic run interrupted: %w", err)
		}

		if !p.engine.sweepEntity(ctx, item, p.entityType, id, &res) {
			continue
		}
		if err := p.selector.Advance(ctx, p.entityType, id); err != nil {
			res.CompletedWithoutError = false
			p.engine.logger.Error("Failed to advance periodic selector",
				slog.String("selector", p.selector.Name()),
				slog.String("entity_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	res.Duration = p.engine.now().Sub(start)

	p.engine.logger.Info("Periodic audit completed",
		slog.String("work_item_id", item.ID),
		slog.String("selector", p.selector.Name()),
		slog.Int("batch_size", len(ids)),
		slog.Int("entities_audited", res.EntitiesAudited),
		slog.Int("entities_skipped", res.EntitiesSkipped),
		slog.Int("anomalies_detected", res.AnomaliesDetected),
		slog.Bool("completed_without_error", res.CompletedWithoutError),
	)

	return res, nil
}
