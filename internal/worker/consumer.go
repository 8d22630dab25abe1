package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// errDeliveriesClosed is returned when the broker closes the consumer channel
var errDeliveriesClosed = errors.New("rabbitmq delivery channel closed")

// setupConsumer starts consuming with manual acks and the configured prefetch window
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	deliveries, err := w.broker.Consume(w.workerID, w.prefetchCount)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", w.workerID),
		slog.String("queue", w.rabbitMQQueueName),
	)

	return deliveries, nil
}

// parseMessage extracts the work item id from a delivery body
func parseMessage(body []byte) (domain.WorkMessage, error) {
	var msg domain.WorkMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("malformed message: %w", err)
	}
	if _, err := uuid.Parse(msg.WorkItemID); err != nil {
		return msg, fmt.Errorf("invalid work_item_id %q: %w", msg.WorkItemID, err)
	}
	return msg, nil
}

// startMessageDispatcher listens to RabbitMQ deliveries and hands them to the worker pool
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return errDeliveriesClosed
			}

			msg, err := parseMessage(delivery.Body)
			if err != nil {
				w.logger.Error("Rejecting message",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				// Malformed messages go to the dead letter exchange
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK rejected message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}
			msg.DeliveryTag = delivery.DeliveryTag

			select {
			case w.jobsChan <- job{msg: msg, delivery: delivery}:
				w.logger.Debug("Work item dispatched to worker pool",
					slog.String("work_item_id", msg.WorkItemID),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching work item")
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					w.logger.Error("Failed to NACK message on shutdown",
						slog.String("error", nackErr.Error()),
					)
				}
				return nil
			}
		}
	}
}
