package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrNotConnected is returned while the channel is closed
	ErrNotConnected = errors.New("not connected to RabbitMQ")

	// ErrPublishNacked is returned when the broker refuses a confirmed publish
	ErrPublishNacked = errors.New("publish not acknowledged by broker")
)

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool
	QueueName          string
	QueueDurable       bool
	QueueAutoDelete    bool
	QueueExclusive     bool
	RoutingKey         string
	// DeadLetterExchange receives messages rejected without requeue; empty disables it
	DeadLetterExchange string
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	ConnectionTimeout  time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// URI returns the AMQP URI for the configured broker
func (c *Config) URI() string {
	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.User,
		Password: c.Password,
		Vhost:    vhost,
	}.String()
}

// DeadLetterQueue is the queue parking messages routed to the dead-letter exchange
func (c *Config) DeadLetterQueue() string {
	if c.DeadLetterExchange == "" {
		return ""
	}
	return c.QueueName + ".dead"
}

// Client publishes work item messages with publisher confirms and consumes them with manual acks
type Client struct {
	config      *Config
	conn        *amqp.Connection
	channel     *amqp.Channel
	logger      *slog.Logger
	closeChan   chan *amqp.Error
	isConnected atomic.Bool
}

// NewClient dials the broker, declares the topology and enables confirm mode
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config:    config,
		logger:    logger,
		closeChan: make(chan *amqp.Error, 1),
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

func (c *Client) dial() (*amqp.Connection, error) {
	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	attempts := max(c.config.RetryAttempts, 1)
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var conn *amqp.Connection
		conn, err = amqp.DialConfig(c.config.URI(), amqpConfig)
		if err == nil {
			return conn, nil
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.String("host", c.config.Host),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.Any("error", err),
		)
		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
}

func (c *Client) connect() error {
	conn, err := c.dial()
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := declareTopology(ch, c.config); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	c.conn = conn
	c.channel = ch
	c.channel.NotifyClose(c.closeChan)
	c.isConnected.Store(true)
	go c.watch()

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.String("queue", c.config.QueueName),
		slog.String("dead_letter_queue", c.config.DeadLetterQueue()),
	)

	return nil
}

// watch marks the client disconnected when the broker closes the channel
func (c *Client) watch() {
	amqpErr, ok := <-c.closeChan
	c.isConnected.Store(false)
	if ok && amqpErr != nil {
		c.logger.Error("RabbitMQ channel closed",
			slog.Int("code", amqpErr.Code),
			slog.String("reason", amqpErr.Reason),
		)
	}
}

// declareTopology declares the work exchange and queue, plus the dead-letter
// exchange and its parking queue when one is configured.
func declareTopology(ch *amqp.Channel, cfg *Config) error {
	if err := ch.ExchangeDeclare(cfg.ExchangeName, cfg.ExchangeType, cfg.ExchangeDurable, cfg.ExchangeAutoDelete, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %q: %w", cfg.ExchangeName, err)
	}

	var queueArgs amqp.Table
	if dlq := cfg.DeadLetterQueue(); dlq != "" {
		if err := ch.ExchangeDeclare(cfg.DeadLetterExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dead-letter exchange %q: %w", cfg.DeadLetterExchange, err)
		}
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dead-letter queue %q: %w", dlq, err)
		}
		if err := ch.QueueBind(dlq, "", cfg.DeadLetterExchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind dead-letter queue %q: %w", dlq, err)
		}
		queueArgs = amqp.Table{"x-dead-letter-exchange": cfg.DeadLetterExchange}
	}

	if _, err := ch.QueueDeclare(cfg.QueueName, cfg.QueueDurable, cfg.QueueAutoDelete, cfg.QueueExclusive, false, queueArgs); err != nil {
		return fmt.Errorf("failed to declare queue %q: %w", cfg.QueueName, err)
	}
	if err := ch.QueueBind(cfg.QueueName, cfg.RoutingKey, cfg.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %q: %w", cfg.QueueName, err)
	}
	return nil
}

// publishConfirmed publishes one persistent message and waits for the broker ack
func (c *Client) publishConfirmed(ctx context.Context, body []byte, contentType string) error {
	confirm, err := c.channel.PublishWithDeferredConfirmWithContext(ctx,
		c.config.ExchangeName,
		c.config.RoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  contentType,
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			AppId:        "wallet-audit",
		},
	)
	if err != nil {
		return err
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return ErrPublishNacked
	}
	return nil
}

// Consume sets the prefetch window and starts consuming from the queue with manual acks
func (c *Client) Consume(consumerTag string, prefetchCount int) (<-chan amqp.Delivery, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}

	if prefetchCount > 0 {
		if err := c.channel.Qos(prefetchCount, 0, false); err != nil {
			return nil, fmt.Errorf("failed to set QoS: %w", err)
		}
	}

	messages, err := c.channel.Consume(c.config.QueueName, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume from %q: %w", c.config.QueueName, err)
	}

	c.logger.Info("Started consuming work items",
		slog.String("queue", c.config.QueueName),
		slog.String("consumer_tag", consumerTag),
		slog.Int("prefetch_count", prefetchCount),
	)

	return messages, nil
}

// Close closes the channel and then the connection
func (c *Client) Close() error {
	c.isConnected.Store(false)

	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		c.logger.Error("Failed to close RabbitMQ client", slog.Any("error", err))
		return err
	}
	c.logger.Info("RabbitMQ connection closed")
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	return c.isConnected.Load() && c.conn != nil && !c.conn.IsClosed()
}

// retryDelay returns the wait before publish retry number attempt (0-based)
func retryDelay(base time.Duration, mult float64, attempt int) time.Duration {
	return time.Duration(float64(base) * math.Pow(mult, float64(attempt)))
}

// PublishWithRetry publishes with confirms, retrying with exponential backoff until
// the broker acks, the retries run out or ctx is done.
func (c *Client) PublishWithRetry(ctx context.Context, body []byte, contentType string) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	maxRetries := c.config.PublishRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := c.config.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	backoffMult := c.config.PublishBackoffMult
	if backoffMult <= 0 {
		backoffMult = 2.0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(baseDelay, backoffMult, attempt-1)
			c.logger.Warn("Retrying publish",
				slog.Int("attempt", attempt+1),
				slog.Int("max_attempts", maxRetries+1),
				slog.Duration("retry_after", delay),
				slog.Any("error", lastErr),
			)
			select {
			case <-ctx.Done():
				return fmt.Errorf("publish canceled after %d attempts: %w", attempt, ctx.Err())
			case <-time.After(delay):
			}
			if !c.IsConnected() {
				return fmt.Errorf("%w: %w", ErrNotConnected, lastErr)
			}
		}

		lastErr = c.publishConfirmed(ctx, body, contentType)
		if lastErr == nil {
			c.logger.Debug("Work item message published",
				slog.Int("attempt", attempt+1),
				slog.Int("body_size", len(body)),
			)
			return nil
		}
	}

	return fmt.Errorf("failed to publish message after %d attempts: %w", maxRetries+1, lastErr)
}
