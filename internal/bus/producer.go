// Package bus implements the durable event bus producer/consumer over a
// RabbitMQ topic exchange.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/justinndidit/notify-pipeline/internal/events"
)

// Config describes the topic exchange a Producer/Consumer pair binds to.
type Config struct {
	URL           string
	ExchangeName  string
	PrefetchCount int
	// ProducerID identifies this process in the "producer-id" wire header,
	// e.g. the binary's service name.
	ProducerID string
}

// Producer publishes events to the topic exchange, one routing key per
// event topic. amqp091 channels are not goroutine-safe, so every publish is
// serialized behind publishMu.
type Producer struct {
	logger   zerolog.Logger
	conn     *amqp.Connection
	ch       *amqp.Channel
	cfg      Config
	registry *events.Registry

	publishMu sync.Mutex
}

// NewProducer dials the broker, opens a channel, and declares the topic
// exchange.
func NewProducer(cfg Config, logger zerolog.Logger) (*Producer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.ExchangeName, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &Producer{logger: logger, conn: conn, ch: ch, cfg: cfg}, nil
}

// WithRegistry attaches a schema registry so ProduceEvent and ProduceBatch
// validate each event against its declared version's schema before
// publishing, dropping anything that fails. Returns p for chaining at
// construction time.
func (p *Producer) WithRegistry(registry *events.Registry) *Producer {
	p.registry = registry
	return p
}

// Produce publishes a pre-encoded message body under topic, the routing
// key every consumer binds against. It is the low-level primitive
// ProduceEvent builds on; most callers want ProduceEvent instead.
func (p *Producer) Produce(ctx context.Context, topic string, body []byte, messageID string, headers amqp.Table) error {
	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	correlationID, _ := headers["correlation-id"].(string)
	err := p.ch.PublishWithContext(ctx,
		p.cfg.ExchangeName,
		topic,
		false,
		false,
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			CorrelationId: correlationID,
			MessageId:     messageID,
			Timestamp:     time.Now().UTC(),
			Body:          body,
			Headers:       headers,
		},
	)
	if err != nil {
		return fmt.Errorf("publish message %s to %s: %w", messageID, topic, err)
	}

	p.logger.Debug().Str("messageId", messageID).Str("topic", topic).Msg("message published")
	return nil
}

// validate runs the attached registry's schema check for e, if one is
// attached. A nil registry means every event is considered valid.
func (p *Producer) validate(e *events.Event) error {
	if p.registry == nil {
		return nil
	}
	errs, err := p.registry.ValidationErrors(e)
	if err != nil {
		return fmt.Errorf("validate event %s: %w", e.ID, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("event %s failed schema validation: %v", e.ID, errs)
	}
	return nil
}

// ProduceEvent validates e (when a registry is attached), marshals it, and
// publishes it keyed by its derived topic with the full wire-header set:
// content-type, event-type, event-version, producer-id, timestamp,
// organization-id, site-id, correlation-id, migrated.
func (p *Producer) ProduceEvent(ctx context.Context, e *events.Event) error {
	if err := p.validate(e); err != nil {
		return err
	}

	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	headers := amqp.Table{
		"content-type":    "application/json",
		"event-type":      e.Type,
		"event-version":   e.Version,
		"producer-id":     p.cfg.ProducerID,
		"timestamp":       e.OccurredAt.UTC().Format(time.RFC3339Nano),
		"organization-id": e.OrganizationID,
		"site-id":         e.SiteID,
		"correlation-id":  e.CorrelationID,
		"migrated":        e.Migrated(),
	}

	return p.Produce(ctx, e.Topic(), body, e.ID, headers)
}

// ProduceBatch publishes every event in the batch independently, grouped
// implicitly by each event's own derived topic. An event that fails schema
// validation or fails to publish is logged and dropped rather than aborting
// the rest of the batch; the returned error, if any, reports how many of
// the batch were dropped.
func (p *Producer) ProduceBatch(ctx context.Context, batch []*events.Event) error {
	dropped := 0
	for _, e := range batch {
		if err := p.ProduceEvent(ctx, e); err != nil {
			dropped++
			p.logger.Warn().Err(err).Str("eventId", e.ID).Msg("dropped event from batch publish")
		}
	}
	if dropped > 0 {
		return fmt.Errorf("dropped %d of %d events from batch publish", dropped, len(batch))
	}
	return nil
}

// Healthy reports whether the producer's AMQP connection is still open.
func (p *Producer) Healthy() error {
	if p.conn == nil || p.conn.IsClosed() {
		return fmt.Errorf("amqp producer connection closed")
	}
	return nil
}

// Close tears down the channel and connection.
func (p *Producer) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
