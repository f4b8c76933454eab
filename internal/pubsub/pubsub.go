// Package pubsub implements the fan-out bus: a Redis-backed publisher plus
// a local multiplexer that lets many in-process subscribers share one
// backend subscription per channel.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Message is one published fan-out message.
type Message struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// Bus publishes to and subscribes from Redis Pub/Sub, multiplexing local
// subscribers so N local handlers for the same channel share one backend
// connection.
type Bus struct {
	rdb    redis.UniversalClient
	logger zerolog.Logger

	mu          sync.Mutex
	subscribers map[string]map[chan Message]struct{}
	backend     map[string]*redis.PubSub
}

// New wraps a Redis client for fan-out publish/subscribe.
func New(rdb redis.UniversalClient, logger zerolog.Logger) *Bus {
	return &Bus{
		rdb:         rdb,
		logger:      logger,
		subscribers: make(map[string]map[chan Message]struct{}),
		backend:     make(map[string]*redis.PubSub),
	}
}

// Publish sends payload to channel via the Redis backend; every node's
// Subscribers for that channel will receive it, including this node's.
func (b *Bus) Publish(ctx context.Context, channel string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal pubsub payload: %w", err)
	}
	if err := b.rdb.Publish(ctx, channel, body).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers a local channel to receive messages published to
// redisChannel, lazily opening one backend subscription per channel name.
// The returned unsubscribe func must be called to stop delivery and release
// resources.
func (b *Bus) Subscribe(ctx context.Context, redisChannel string, buffer int) (<-chan Message, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(chan Message, buffer)

	if _, ok := b.subscribers[redisChannel]; !ok {
		b.subscribers[redisChannel] = make(map[chan Message]struct{})

		ps := b.rdb.Subscribe(ctx, redisChannel)
		b.backend[redisChannel] = ps

		go b.pump(redisChannel, ps)
	}
	b.subscribers[redisChannel][out] = struct{}{}

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers[redisChannel], out)
		close(out)
		if len(b.subscribers[redisChannel]) == 0 {
			if ps, ok := b.backend[redisChannel]; ok {
				_ = ps.Close()
				delete(b.backend, redisChannel)
			}
			delete(b.subscribers, redisChannel)
		}
	}

	return out, unsubscribe, nil
}

// SubscribePattern registers a local channel to receive every message
// published to a Redis channel matching pattern (glob-style, e.g.
// "notifications:*"), for fan-out destinations addressed dynamically by a
// per-tenant suffix that isn't known at subscribe time. The returned
// Message.Channel is the concrete channel the message was actually
// published to, not the pattern.
func (b *Bus) SubscribePattern(ctx context.Context, pattern string, buffer int) (<-chan Message, func(), error) {
	key := "pattern\x00" + pattern
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(chan Message, buffer)

	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[chan Message]struct{})

		ps := b.rdb.PSubscribe(ctx, pattern)
		b.backend[key] = ps

		go b.pump(key, ps)
	}
	b.subscribers[key][out] = struct{}{}

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers[key], out)
		close(out)
		if len(b.subscribers[key]) == 0 {
			if ps, ok := b.backend[key]; ok {
				_ = ps.Close()
				delete(b.backend, key)
			}
			delete(b.subscribers, key)
		}
	}

	return out, unsubscribe, nil
}

// pump reads from one backend subscription and fans each message out to
// every locally registered subscriber for that channel. key is either the
// literal Redis channel name or, for pattern subscriptions, the
// "pattern\x00"-prefixed lookup key; the fanned-out Message always carries
// the concrete channel the message actually arrived on.
func (b *Bus) pump(key string, ps *redis.PubSub) {
	ch := ps.Channel()
	for msg := range ch {
		m := Message{Channel: msg.Channel, Payload: json.RawMessage(msg.Payload)}

		b.mu.Lock()
		subs := make([]chan Message, 0, len(b.subscribers[key]))
		for s := range b.subscribers[key] {
			subs = append(subs, s)
		}
		b.mu.Unlock()

		for _, s := range subs {
			select {
			case s <- m:
			default:
				b.logger.Warn().Str("channel", msg.Channel).Msg("subscriber buffer full, dropping message")
			}
		}
	}
}

// Close shuts down every backend subscription. Intended for process
// shutdown only.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for ch, ps := range b.backend {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.backend, ch)
	}
	return firstErr
}
