package auditor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
	"github.com/cuongbtq/wallet-audit/internal/wallet"
)

// DefaultPageSize is the number of entities loaded per page of a full sweep
const DefaultPageSize = 500

// Global sweeps every entity of a type in bounded pages
type Global struct {
	engine     *Engine
	population wallet.Population
	pageSize   int
	entityType string
}

// NewGlobal creates a global auditor over wallets
func NewGlobal(engine *Engine, population wallet.Population, pageSize int) *Global {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Global{
		engine:     engine,
		population: population,
		pageSize:   pageSize,
		entityType: domain.EntityTypeWallet,
	}
}

// RunFullSweep aggregates counts across the whole population. Per-entity
// anomalies are persisted as findings rather than returned.
func (g *Global) RunFullSweep(ctx context.Context, item *domain.WorkItem) (domain.SweepResult, error) {
	start := g.engine.now()
	res := domain.NewSweepResult()
	pages := 0

	after := ""
	for {
		if err := ctx.Err(); err != nil {
			res.CompletedWithoutError = false
			res.Duration = g.engine.now().Sub(start)
			return res, fmt.Errorf("global sweep interrupted: %w", err)
		}

		ids, err := g.population.Page(ctx, after, g.pageSize)
		if err != nil {
			res.CompletedWithoutError = false
			res.Duration = g.engine.now().Sub(start)
			return res, fmt.Errorf("failed to load page after %q: %w", after, err)
		}
		if len(ids) == 0 {
			break
		}
		pages++

		for _, id := range ids {
			g.engine.sweepEntity(ctx, item, g.entityType, id, &res)
		}

		after = ids[len(ids)-1]
		if len(ids) < g.pageSize {
			break
		}
	}

	res.Duration = g.engine.now().Sub(start)

	g.engine.logger.Info("Global sweep completed",
		slog.String("work_item_id", item.ID),
		slog.Int("pages", pages),
		slog.Int("entities_audited", res.EntitiesAudited),
		slog.Int("entities_skipped", res.EntitiesSkipped),
		slog.Int("anomalies_detected", res.AnomaliesDetected),
		slog.Bool("completed_without_error", res.CompletedWithoutError),
		slog.Duration("duration", res.Duration),
	)

	return res, nil
}
