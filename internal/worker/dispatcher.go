package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
)

// runDispatcher publishes due work items on every tick
func (w *Worker) runDispatcher(ctx context.Context) {
	ticker := time.NewTicker(w.dispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.dispatchDue(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("Failed to dispatch due work items",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// dispatchDue claims a batch of due items and publishes one message per item.
// Items that fail to publish are released for the next tick.
func (w *Worker) dispatchDue(ctx context.Context) (int, error) {
	ids, err := w.outbox.ClaimDue(ctx, w.dispatchBatchSize, w.redispatchAfter)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, id := range ids {
		body, err := json.Marshal(domain.WorkMessage{WorkItemID: id})
		if err == nil {
			err = w.broker.PublishWithRetry(ctx, body, "application/json")
		}
		w.metrics.ObserveDispatch(err)

		if err != nil {
			w.logger.Error("Failed to publish work item",
				slog.String("work_item_id", id),
				slog.String("error", err.Error()),
			)
			if relErr := w.outbox.ReleaseDispatch(context.WithoutCancel(ctx), id); relErr != nil {
				w.logger.Error("Failed to release work item dispatch",
					slog.String("work_item_id", id),
					slog.String("error", relErr.Error()),
				)
			}
			continue
		}
		published++
	}

	if published > 0 {
		w.logger.Debug("Dispatched work items", slog.Int("count", published))
	}
	return published, nil
}

// runReaper records a failed attempt for processing items whose heartbeat stopped
func (w *Worker) runReaper(ctx context.Context) {
	ticker := time.NewTicker(w.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.reapStale(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("Failed to reap stale work items",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (w *Worker) reapStale(ctx context.Context) (int, error) {
	ids, err := w.outbox.StaleProcessing(ctx, w.heartbeatTimeout, w.dispatchBatchSize)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, id := range ids {
		res, err := w.handler.Abandon(ctx, id, w.heartbeatTimeout)
		if err != nil {
			w.logger.Error("Failed to abandon stale work item",
				slog.String("work_item_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		w.logger.Warn("Reaped work item with lost heartbeat",
			slog.String("work_item_id", id),
			slog.String("disposition", string(res.Disposition)),
		)
		reaped++
	}
	return reaped, nil
}
