package worker

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
)

// processJob runs one work item through the handler. A nil error acks the
// message whatever the disposition; the item's row records what happened.
func (w *Worker) processJob(ctx context.Context, workerName string, msg domain.WorkMessage) error {
	w.logger.Debug("Processing work item",
		slog.String("work_item_id", msg.WorkItemID),
		slog.String("worker_name", workerName),
	)

	res, err := w.handler.Handle(ctx, msg.WorkItemID)
	if err != nil {
		w.logger.Error("Work item processing failed",
			slog.String("work_item_id", msg.WorkItemID),
			slog.String("worker_name", workerName),
			slog.String("error", err.Error()),
		)
		return err
	}

	w.logger.Debug("Work item handled",
		slog.String("work_item_id", msg.WorkItemID),
		slog.String("worker_name", workerName),
		slog.String("disposition", string(res.Disposition)),
	)
	return nil
}
