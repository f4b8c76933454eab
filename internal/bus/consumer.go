package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/justinndidit/notify-pipeline/internal/events"
)

// Handler processes one consumed event. Returning an error nacks the
// delivery with requeue=true; a nil error acks it.
type Handler func(ctx context.Context, e *events.Event) error

// Consumer binds a durable queue to the topic exchange with the given
// binding key and delivers messages to Handler with manual ack.
type Consumer struct {
	logger  zerolog.Logger
	conn    *amqp.Connection
	ch      *amqp.Channel
	cfg     Config
	queue   string
	bindKey string
	handler Handler
	done    chan struct{}
}

// NewConsumer dials the broker, declares the exchange, declares and binds
// queue to bindKey (a routing key such as "order-events", the form
// events.TopicFor produces, or a topic pattern such as "#"), and sets QoS.
func NewConsumer(cfg Config, queue, bindKey string, handler Handler, logger zerolog.Logger) (*Consumer, error) {
	c := &Consumer{cfg: cfg, queue: queue, bindKey: bindKey, handler: handler, logger: logger, done: make(chan struct{})}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Consumer) connect() error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	c.conn = conn

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	c.ch = ch

	if err := ch.ExchangeDeclare(c.cfg.ExchangeName, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.queue, err)
	}

	if err := ch.QueueBind(c.queue, c.bindKey, c.cfg.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", c.queue, c.bindKey, err)
	}

	if c.cfg.PrefetchCount > 0 {
		if err := ch.Qos(c.cfg.PrefetchCount, 0, false); err != nil {
			return fmt.Errorf("set qos: %w", err)
		}
	}

	return nil
}

// Start blocks, dispatching consumed events to Handler, until ctx is
// cancelled or the delivery channel closes unrecoverably.
func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("register consumer on %s: %w", c.queue, err)
	}

	c.logger.Info().Str("queue", c.queue).Msg("consumer started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Warn().Msg("delivery channel closed, reconnecting")
				if err := c.reconnect(ctx); err != nil {
					return fmt.Errorf("reconnect: %w", err)
				}
				return c.Start(ctx)
			}
			c.handleDelivery(ctx, d)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	start := time.Now()

	var e events.Event
	if err := json.Unmarshal(d.Body, &e); err != nil {
		c.logger.Error().Err(err).Msg("malformed event, discarding")
		_ = d.Nack(false, false)
		return
	}

	if err := c.handler(ctx, &e); err != nil {
		c.logger.Error().Err(err).Str("eventId", e.ID).Dur("elapsed", time.Since(start)).Msg("handler failed, requeueing")
		_ = d.Nack(false, true)
		return
	}

	if err := d.Ack(false); err != nil {
		c.logger.Error().Err(err).Msg("ack failed")
		return
	}
	c.logger.Debug().Str("eventId", e.ID).Dur("elapsed", time.Since(start)).Msg("event processed")
}

func (c *Consumer) reconnect(ctx context.Context) error {
	const maxRetries = 5
	for i := 0; i < maxRetries; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.connect(); err != nil {
			c.logger.Warn().Err(err).Int("attempt", i+1).Msg("reconnect attempt failed")
			time.Sleep(time.Duration(1<<uint(i)) * 2 * time.Second)
			continue
		}
		return nil
	}
	return fmt.Errorf("failed to reconnect after %d attempts", maxRetries)
}

// Healthy reports whether the consumer's AMQP connection is still open.
func (c *Consumer) Healthy() error {
	if c.conn == nil || c.conn.IsClosed() {
		return fmt.Errorf("amqp consumer connection closed")
	}
	return nil
}

// Close tears down the channel and connection.
func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
