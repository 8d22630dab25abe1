package auditor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
)

// Targeted audits a single entity and records one outcome per invariant checked
type Targeted struct {
	engine *Engine
}

// NewTargeted creates a targeted auditor
func NewTargeted(engine *Engine) *Targeted {
	return &Targeted{engine: engine}
}

// Audit returns domain.ErrEntityNotFound when the entity does not exist. Anomalies are part of the report, never errors.
func (t *Targeted) Audit(ctx context.Context, item *domain.WorkItem, entityType, entityID string) (domain.Report, error) {
	if entityID == "" {
		return domain.Report{}, fmt.Errorf("%w: targeted audit requires entity_id", domain.ErrInvalidWorkItem)
	}

	start := t.engine.now()
	outcomes, err := t.engine.auditEntity(ctx, item, entityType, entityID, auditOptions{
		invariant:   item.Invariant,
		recordClean: true,
	})
	if err != nil {
		return domain.Report{}, err
	}

	report := domain.Report{
		EntityType: entityType,
		EntityID:   entityID,
		Outcomes:   outcomes,
		Duration:   t.engine.now().Sub(start),
	}

	t.engine.logger.Info("Targeted audit completed",
		slog.String("work_item_id", item.ID),
		slog.String("entity_id", entityID),
		slog.Int("invariants_checked", len(outcomes)),
		slog.Int("anomalies_detected", report.Anomalies()),
	)

	return report, nil
}
