// Package publisher streams detected anomalies to Kafka for downstream consumers.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
)

// Config configures the Kafka anomaly publisher
type Config struct {
	Brokers []string
	Topic   string
	// QueueSize bounds the events waiting to be written; further events are dropped
	QueueSize int
	// BatchSize is the number of events written together
	BatchSize int
	// BatchTimeout is the longest a partial batch waits before it is written
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	// RequiredAcks: -1 all replicas, 1 leader only
	RequiredAcks int
	// BreakerFailures is the number of consecutive write failures that opens the breaker
	BreakerFailures uint32
	// BreakerCooldown is how long the breaker stays open before a trial write
	BreakerCooldown time.Duration
}

// Publisher defaults
const (
	DefaultQueueSize    = 10000
	DefaultBatchSize    = 100
	DefaultBatchTimeout = 100 * time.Millisecond
	DefaultWriteTimeout = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = DefaultBatchTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.RequiredAcks == 0 {
		c.RequiredAcks = -1
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

// AnomalyEvent is the JSON value written for every anomaly
type AnomalyEvent struct {
	EventID    string          `json:"event_id"`
	WorkItemID string          `json:"work_item_id"`
	AuditType  string          `json:"audit_type"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Invariant  string          `json:"invariant"`
	Severity   string          `json:"severity"`
	Expected   string          `json:"expected_value"`
	Actual     string          `json:"actual_value"`
	Gap        string          `json:"gap"`
	Metadata   domain.Metadata `json:"metadata,omitempty"`
	DetectedAt time.Time       `json:"detected_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes anomalies asynchronously through a bounded queue drained in
// batches behind a circuit breaker. Publishing is best effort: a full queue or
// a failed write is logged and never fails or delays the audit that found the
// anomaly.
type Kafka struct {
	writer       messageWriter
	topic        string
	batchSize    int
	batchTimeout time.Duration
	writeTimeout time.Duration
	cb           *gobreaker.CircuitBreaker
	logger       *slog.Logger
	now          func() time.Time

	mu      sync.RWMutex
	closed  bool
	queue   chan kafka.Message
	done    chan struct{}
	dropped atomic.Int64
}

// NewKafka creates a publisher writing to cfg.Topic
func NewKafka(cfg Config, logger *slog.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	cfg = cfg.withDefaults()

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: false,
	}

	logger.Info("Kafka anomaly publisher created",
		slog.Any("brokers", cfg.Brokers),
		slog.String("topic", cfg.Topic),
		slog.Int("queue_size", cfg.QueueSize),
		slog.Int("batch_size", cfg.BatchSize),
	)

	return newKafka(writer, cfg, logger), nil
}

func newKafka(writer messageWriter, cfg Config, logger *slog.Logger) *Kafka {
	cfg = cfg.withDefaults()

	p := &Kafka{
		writer:       writer,
		topic:        cfg.Topic,
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
		writeTimeout: cfg.WriteTimeout,
		logger:       logger,
		now:          time.Now,
		queue:        make(chan kafka.Message, cfg.QueueSize),
		done:         make(chan struct{}),
	}
	p.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "kafka-anomalies",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("Anomaly publisher circuit changed state",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	go p.run()
	return p
}

// AnomalyDetected queues one event keyed by the entity so events for an entity
// stay ordered. It never blocks.
func (p *Kafka) AnomalyDetected(_ context.Context, item *domain.WorkItem, entityType, entityID string, outcome domain.Outcome) {
	event := AnomalyEvent{
		EventID:    uuid.NewString(),
		WorkItemID: item.ID,
		AuditType:  string(item.AuditType),
		EntityType: entityType,
		EntityID:   entityID,
		Invariant:  outcome.Invariant,
		Severity:   string(outcome.Severity),
		Expected:   outcome.Expected.String(),
		Actual:     outcome.Actual.String(),
		Gap:        outcome.Gap.String(),
		Metadata:   outcome.Metadata,
		DetectedAt: p.now().UTC(),
	}

	msg, err := encode(event)
	if err != nil {
		p.logger.Error("Failed to encode anomaly event",
			slog.String("work_item_id", item.ID),
			slog.String("entity_id", entityID),
			slog.String("invariant", outcome.Invariant),
			slog.String("error", err.Error()),
		)
		return
	}

	if !p.enqueue(msg) {
		p.logger.Warn("Anomaly publisher queue full or closed, dropping event",
			slog.String("work_item_id", item.ID),
			slog.String("entity_id", entityID),
			slog.String("invariant", outcome.Invariant),
			slog.Int64("dropped", p.dropped.Load()),
		)
	}
}

func encode(event AnomalyEvent) (kafka.Message, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal anomaly event: %w", err)
	}

	return kafka.Message{
		Key:   []byte(domain.EntityKey(event.EntityType, event.EntityID)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "audit_type", Value: []byte(event.AuditType)},
			{Key: "severity", Value: []byte(event.Severity)},
		},
		Time: event.DetectedAt,
	}, nil
}

func (p *Kafka) enqueue(msg kafka.Message) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.dropped.Add(1)
		return false
	}
	select {
	case p.queue <- msg:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// run drains the queue until Close, writing full batches at once and partial
// batches every batchTimeout
func (p *Kafka) run() {
	defer close(p.done)

	batch := make([]kafka.Message, 0, p.batchSize)
	ticker := time.NewTicker(p.batchTimeout)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := p.writeBatch(batch); err != nil {
			p.logger.Error("Failed to publish anomaly events",
				slog.String("topic", p.topic),
				slog.Int("batch_size", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case msg, ok := <-p.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, msg)
			if len(batch) >= p.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (p *Kafka) writeBatch(msgs []kafka.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.writeTimeout)
	defer cancel()

	_, err := p.cb.Execute(func() (interface{}, error) {
		return nil, p.writer.WriteMessages(ctx, msgs...)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("anomaly publisher unavailable: %w", err)
	}
	return err
}

// Dropped returns the number of events discarded because the queue was full
// or the publisher was closed
func (p *Kafka) Dropped() int64 {
	return p.dropped.Load()
}

// Close stops accepting events, writes what is queued and closes the writer
func (p *Kafka) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	return p.writer.Close()
}
