package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
	"golang.org/x/sync/errgroup"
)

// spawnWorkerPool starts N worker goroutines in g
func (w *Worker) spawnWorkerPool(ctx context.Context, g *errgroup.Group) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		workerNum := i
		g.Go(func() error {
			w.workerLoop(ctx, workerNum)
			return nil
		})
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case j := <-w.jobsChan:
			err := w.processJob(ctx, workerName, j.msg)

			if err != nil {
				requeue := shouldRequeue(err)
				if nackErr := j.delivery.Nack(false, requeue); nackErr != nil {
					w.logger.Error("Failed to NACK message",
						slog.String("worker_name", workerName),
						slog.String("work_item_id", j.msg.WorkItemID),
						slog.String("error", nackErr.Error()),
					)
				} else {
					w.logger.Info("Message NACKed",
						slog.String("worker_name", workerName),
						slog.String("work_item_id", j.msg.WorkItemID),
						slog.Bool("requeue", requeue),
					)
				}
				continue
			}

			if ackErr := j.delivery.Ack(false); ackErr != nil {
				w.logger.Error("Failed to ACK message",
					slog.String("worker_name", workerName),
					slog.String("work_item_id", j.msg.WorkItemID),
					slog.String("error", ackErr.Error()),
				)
			}
		}
	}
}

// shouldRequeue requeues only errors marked retryable. Anything else is left to
// the outbox, which re-dispatches pending items and reaps abandoned ones.
func shouldRequeue(err error) bool {
	return domain.IsRetryable(err)
}
