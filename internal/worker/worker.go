package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
	"github.com/cuongbtq/wallet-audit/internal/audit/router"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

// Broker is the queue the worker consumes from and the dispatcher publishes to
type Broker interface {
	Consume(consumerTag string, prefetchCount int) (<-chan amqp.Delivery, error)
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Handler runs work items through their lifecycle
type Handler interface {
	Handle(ctx context.Context, id string) (router.Result, error)
	Abandon(ctx context.Context, id string, timeout time.Duration) (router.Result, error)
}

// Outbox selects work items to publish and processing items that lost their worker
type Outbox interface {
	ClaimDue(ctx context.Context, limit int, redispatchAfter time.Duration) ([]string, error)
	ReleaseDispatch(ctx context.Context, id string) error
	StaleProcessing(ctx context.Context, timeout time.Duration, limit int) ([]string, error)
}

// DispatchMetrics counts dispatcher publishes
type DispatchMetrics interface {
	ObserveDispatch(err error)
}

type noopMetrics struct{}

func (noopMetrics) ObserveDispatch(error) {}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Broker            Broker
	Handler           Handler
	Outbox            Outbox
	Metrics           DispatchMetrics
	WorkerID          string
	QueueName         string
	Concurrency       int
	PrefetchCount     int
	DispatchInterval  time.Duration
	DispatchBatchSize int
	RedispatchAfter   time.Duration
	HeartbeatTimeout  time.Duration
	ReapInterval      time.Duration
}

// job is one delivery handed from the consumer to the pool
type job struct {
	msg      domain.WorkMessage
	delivery amqp.Delivery
}

// Worker consumes work item messages, runs them through the handler, and keeps
// the queue fed from the outbox
type Worker struct {
	logger            *slog.Logger
	broker            Broker
	handler           Handler
	outbox            Outbox
	metrics           DispatchMetrics
	workerID          string
	rabbitMQQueueName string
	concurrency       int
	prefetchCount     int
	dispatchInterval  time.Duration
	dispatchBatchSize int
	redispatchAfter   time.Duration
	heartbeatTimeout  time.Duration
	reapInterval      time.Duration
	jobsChan          chan job
	stopChan          chan struct{}
	stopOnce          sync.Once
	done              chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:            cfg.Logger,
		broker:            cfg.Broker,
		handler:           cfg.Handler,
		outbox:            cfg.Outbox,
		metrics:           cfg.Metrics,
		workerID:          cfg.WorkerID,
		rabbitMQQueueName: cfg.QueueName,
		concurrency:       cfg.Concurrency,
		prefetchCount:     cfg.PrefetchCount,
		dispatchInterval:  cfg.DispatchInterval,
		dispatchBatchSize: cfg.DispatchBatchSize,
		redispatchAfter:   cfg.RedispatchAfter,
		heartbeatTimeout:  cfg.HeartbeatTimeout,
		reapInterval:      cfg.ReapInterval,
		stopChan:          make(chan struct{}),
		done:              make(chan struct{}),
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.prefetchCount <= 0 {
		w.prefetchCount = w.concurrency
	}
	if w.dispatchInterval <= 0 {
		w.dispatchInterval = 2 * time.Second
	}
	if w.dispatchBatchSize <= 0 {
		w.dispatchBatchSize = 100
	}
	if w.redispatchAfter <= 0 {
		w.redispatchAfter = 5 * time.Minute
	}
	if w.heartbeatTimeout <= 0 {
		w.heartbeatTimeout = 2 * time.Minute
	}
	if w.reapInterval <= 0 {
		w.reapInterval = time.Minute
	}
	if w.metrics == nil {
		w.metrics = noopMetrics{}
	}
	w.jobsChan = make(chan job, w.concurrency)
	return w
}

// Start runs the consumer, the worker pool, the dispatcher and the reaper until
// ctx is canceled, Stop is called, or one of them fails
func (w *Worker) Start(ctx context.Context) error {
	defer close(w.done)

	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Int("prefetch_count", w.prefetchCount),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	w.spawnWorkerPool(gctx, g)
	g.Go(func() error {
		return w.startMessageDispatcher(gctx, deliveries)
	})
	if w.outbox != nil {
		g.Go(func() error {
			w.runDispatcher(gctx)
			return nil
		})
		g.Go(func() error {
			w.runReaper(gctx)
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	w.logger.Info("Worker stopped", slog.String("worker_id", w.workerID))
	return err
}

// Stop signals Start to return and waits for it
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	<-w.done
}
