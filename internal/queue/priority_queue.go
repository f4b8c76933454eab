// Package queue implements the Redis sorted-set backed priority queue with
// retry counting and dead-letter promotion.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/justinndidit/notify-pipeline/internal/apperror"
)

// Priority levels accepted by Enqueue. Higher values sort earlier; the
// numeric values double as the weight score uses to order items that share
// a scheduled time.
type Priority int

const (
	Low Priority = iota + 1
	Normal
	High
	Urgent
)

const (
	mainQueueTTL      = 24 * time.Hour
	dlqTTL            = 7 * 24 * time.Hour
	defaultMaxRetries = 3
	expiryAge         = time.Hour
)

// DLQReason classifies why an item was moved to the dead-letter queue.
type DLQReason string

const (
	ReasonMaxRetriesExceeded DLQReason = "max_retries_exceeded"
	ReasonExpired            DLQReason = "expired"
	ReasonPoison              DLQReason = "poison"
)

// Item is one unit of work sitting in the queue.
type Item struct {
	ID            string          `json:"notificationId"`
	SiteID        string          `json:"siteId"`
	Channel       string          `json:"channel"`
	Priority      Priority        `json:"priority"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retryCount"`
	MaxRetries    int             `json:"maxRetries"`
	ScheduledTime time.Time       `json:"scheduledFor"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
}

// DLQItem is a dead-lettered Item augmented with why and when it moved.
type DLQItem struct {
	Item
	Reason  DLQReason `json:"reason"`
	MovedAt time.Time `json:"movedAt"`
}

// Stats summarizes a channel's queue occupancy, derived from score-range
// queries over the main and dead-letter sets.
type Stats struct {
	Total      int64 `json:"total"`
	Ready      int64 `json:"ready"`
	Scheduled  int64 `json:"scheduled"`
	DeadLetter int64 `json:"deadLetter"`
}

// Queue is a Redis sorted-set priority queue, one set per channel, each
// with its own dead-letter set.
type Queue struct {
	rdb    redis.Cmdable
	prefix string
	logger zerolog.Logger
}

// New wraps an existing Redis client. prefix namespaces keys, e.g. "notify".
func New(rdb redis.Cmdable, prefix string, logger zerolog.Logger) *Queue {
	return &Queue{rdb: rdb, prefix: prefix, logger: logger}
}

func (q *Queue) mainKey(channel string) string   { return fmt.Sprintf("%s:queue:%s", q.prefix, channel) }
func (q *Queue) dataKey(channel string) string    { return fmt.Sprintf("%s:queue:%s:items", q.prefix, channel) }
func (q *Queue) dlqKey(channel string) string     { return fmt.Sprintf("%s:dlq:%s", q.prefix, channel) }
func (q *Queue) dlqDataKey(channel string) string { return fmt.Sprintf("%s:dlq:%s:items", q.prefix, channel) }

// score computes the sorted-set score for an item. Scores stay on the
// millisecond clock Dequeue compares against, so an item becomes ready at
// its scheduled time: urgent items are scored 1,000,000 ms ahead of it and
// every other priority one millisecond ahead per weight step above Low, so
// items sharing a scheduled time sort urgent, high, normal, low.
func score(priority Priority, scheduledAt time.Time) float64 {
	ms := float64(scheduledAt.UnixMilli())
	if priority == Urgent {
		return ms - 1_000_000
	}
	weight := float64(priority)
	if weight <= 0 {
		weight = 1
	}
	return ms - (weight - 1)
}

// Enqueue adds an item to its channel's sorted set, scored by priority and
// schedule time, and stores its payload in the companion hash. id, siteId
// and channel are required; enqueuedAt, retryCount and maxRetries default
// when unset.
func (q *Queue) Enqueue(ctx context.Context, item *Item) error {
	if item.ID == "" || item.SiteID == "" || item.Channel == "" {
		return apperror.New(apperror.KindValidation, "queue item requires id, siteId and channel")
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	if item.ScheduledTime.IsZero() {
		item.ScheduledTime = item.EnqueuedAt
	}
	if item.MaxRetries == 0 {
		item.MaxRetries = defaultMaxRetries
	}

	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZAdd(ctx, q.mainKey(item.Channel), redis.Z{Score: score(item.Priority, item.ScheduledTime), Member: item.ID})
	pipe.HSet(ctx, q.dataKey(item.Channel), item.ID, body)
	pipe.Expire(ctx, q.mainKey(item.Channel), mainQueueTTL)
	pipe.Expire(ctx, q.dataKey(item.Channel), mainQueueTTL)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("enqueue item %s: %w", item.ID, err)
	}
	return nil
}

// dequeueScript atomically pops up to ARGV[2] lowest-scoring ready members
// (score <= ARGV[1]) and returns their ids, or an empty array if nothing is
// ready.
var dequeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
if #ids == 0 then
  return {}
end
redis.call('ZREM', KEYS[1], unpack(ids))
return ids
`)

// Dequeue atomically pops up to n ready items for a channel, highest
// priority first. An empty slice with a nil error means nothing was ready.
// Items whose stored body fails to deserialize are logged and dropped
// rather than returned or retried.
func (q *Queue) Dequeue(ctx context.Context, channel string, n int64) ([]*Item, error) {
	if n <= 0 {
		n = 1
	}
	now := float64(time.Now().UTC().UnixMilli())
	raw, err := dequeueScript.Run(ctx, q.rdb, []string{q.mainKey(channel)}, now, n).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("dequeue from %s: %w", channel, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	bodies, err := q.rdb.HMGet(ctx, q.dataKey(channel), raw...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch item bodies for %s: %w", channel, err)
	}
	q.rdb.HDel(ctx, q.dataKey(channel), raw...)

	items := make([]*Item, 0, len(raw))
	for i, b := range bodies {
		s, ok := b.(string)
		if !ok {
			q.logger.Warn().Str("channel", channel).Str("itemId", raw[i]).Msg("dequeued item had no stored body, dropping")
			continue
		}
		var item Item
		if err := json.Unmarshal([]byte(s), &item); err != nil {
			q.logger.Warn().Err(err).Str("channel", channel).Str("itemId", raw[i]).Msg("unparseable queue item, dropping")
			continue
		}
		items = append(items, &item)
	}
	return items, nil
}

// Requeue increments an item's retry count and either re-enqueues it
// scheduled for now+delay, or moves it to the dead-letter queue once
// retryCount exceeds maxRetries. A nil returned item means the item was
// dead-lettered.
func (q *Queue) Requeue(ctx context.Context, item *Item, delay time.Duration) (*Item, error) {
	item.RetryCount++
	maxRetries := item.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	if item.RetryCount > maxRetries {
		return nil, q.moveToDeadLetter(ctx, item, ReasonMaxRetriesExceeded)
	}

	item.ScheduledTime = time.Now().UTC().Add(delay)
	if err := q.Enqueue(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

func (q *Queue) moveToDeadLetter(ctx context.Context, item *Item, reason DLQReason) error {
	dlqItem := DLQItem{Item: *item, Reason: reason, MovedAt: time.Now().UTC()}
	body, err := json.Marshal(dlqItem)
	if err != nil {
		return fmt.Errorf("marshal dlq item: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZAdd(ctx, q.dlqKey(item.Channel), redis.Z{Score: float64(time.Now().UnixMilli()), Member: item.ID})
	pipe.HSet(ctx, q.dlqDataKey(item.Channel), item.ID, body)
	pipe.Expire(ctx, q.dlqKey(item.Channel), dlqTTL)
	pipe.Expire(ctx, q.dlqDataKey(item.Channel), dlqTTL)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("dead-letter item %s: %w", item.ID, err)
	}
	return nil
}

// Peek reads up to n items for a channel without removing them, ordered by
// score ascending; items scheduled for later are included.
func (q *Queue) Peek(ctx context.Context, channel string, n int64) ([]*Item, error) {
	ids, err := q.rdb.ZRange(ctx, q.mainKey(channel), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("peek %s: %w", channel, err)
	}
	return q.hydrate(ctx, q.dataKey(channel), ids)
}

// Remove deletes a single item from a channel's queue by id, if present.
func (q *Queue) Remove(ctx context.Context, channel, id string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.mainKey(channel), id)
	pipe.HDel(ctx, q.dataKey(channel), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove item %s from %s: %w", id, channel, err)
	}
	return nil
}

// Clear wipes every item from a channel's main queue.
func (q *Queue) Clear(ctx context.Context, channel string) error {
	pipe := q.rdb.TxPipeline()
	pipe.Del(ctx, q.mainKey(channel))
	pipe.Del(ctx, q.dataKey(channel))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("clear %s: %w", channel, err)
	}
	return nil
}

// ProcessExpired moves items older than one hour (measured by scheduled
// score time) from a channel's main queue to its dead-letter queue with
// reason=expired, and reports how many were moved.
func (q *Queue) ProcessExpired(ctx context.Context, channel string) (int, error) {
	cutoff := time.Now().UTC().Add(-expiryAge)
	ids, err := q.rdb.ZRangeByScore(ctx, q.mainKey(channel), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", score(Low, cutoff)),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan expired in %s: %w", channel, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	items, err := q.hydrate(ctx, q.dataKey(channel), ids)
	if err != nil {
		return 0, fmt.Errorf("hydrate expired in %s: %w", channel, err)
	}

	moved := 0
	for _, item := range items {
		if err := q.moveToDeadLetter(ctx, item, ReasonExpired); err != nil {
			q.logger.Error().Err(err).Str("channel", channel).Str("itemId", item.ID).Msg("failed to dead-letter expired item")
			continue
		}
		moved++
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.mainKey(channel), ids)
	pipe.HDel(ctx, q.dataKey(channel), ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return moved, fmt.Errorf("remove expired from %s: %w", channel, err)
	}
	return moved, nil
}

func (q *Queue) hydrate(ctx context.Context, dataKey string, ids []string) ([]*Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	bodies, err := q.rdb.HMGet(ctx, dataKey, ids...).Result()
	if err != nil {
		return nil, err
	}
	items := make([]*Item, 0, len(bodies))
	for i, b := range bodies {
		s, ok := b.(string)
		if !ok {
			continue
		}
		var item Item
		if err := json.Unmarshal([]byte(s), &item); err != nil {
			q.logger.Warn().Err(err).Str("itemId", ids[i]).Msg("unparseable queue item")
			continue
		}
		items = append(items, &item)
	}
	return items, nil
}

// Depth reports how many items are currently queued for a channel.
func (q *Queue) Depth(ctx context.Context, channel string) (int64, error) {
	return q.rdb.ZCard(ctx, q.mainKey(channel)).Result()
}

// DLQDepth reports how many items are currently dead-lettered for a
// channel.
func (q *Queue) DLQDepth(ctx context.Context, channel string) (int64, error) {
	return q.rdb.ZCard(ctx, q.dlqKey(channel)).Result()
}

// ChannelStats derives {total, ready, scheduled, deadLetter} for a channel
// from score-range queries, per §4.E.
func (q *Queue) ChannelStats(ctx context.Context, channel string) (Stats, error) {
	now := float64(time.Now().UTC().UnixMilli())

	total, err := q.rdb.ZCard(ctx, q.mainKey(channel)).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("count %s: %w", channel, err)
	}
	ready, err := q.rdb.ZCount(ctx, q.mainKey(channel), "-inf", fmt.Sprintf("%f", now)).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("count ready %s: %w", channel, err)
	}
	deadLetter, err := q.rdb.ZCard(ctx, q.dlqKey(channel)).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("count dlq %s: %w", channel, err)
	}

	return Stats{Total: total, Ready: ready, Scheduled: total - ready, DeadLetter: deadLetter}, nil
}

// ListDLQ returns up to limit dead-lettered items for a channel, oldest
// first, for operator inspection/requeue tooling.
func (q *Queue) ListDLQ(ctx context.Context, channel string, limit int64) ([]*DLQItem, error) {
	ids, err := q.rdb.ZRange(ctx, q.dlqKey(channel), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dlq for %s: %w", channel, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	bodies, err := q.rdb.HMGet(ctx, q.dlqDataKey(channel), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch dlq bodies for %s: %w", channel, err)
	}

	items := make([]*DLQItem, 0, len(bodies))
	for _, b := range bodies {
		s, ok := b.(string)
		if !ok {
			continue
		}
		var item DLQItem
		if err := json.Unmarshal([]byte(s), &item); err != nil {
			continue
		}
		items = append(items, &item)
	}
	return items, nil
}

// RequeueFromDLQ moves an item out of the dead-letter queue and back into
// the main queue with its retry count reset, for manual operator recovery.
func (q *Queue) RequeueFromDLQ(ctx context.Context, channel, id string) error {
	body, err := q.rdb.HGet(ctx, q.dlqDataKey(channel), id).Bytes()
	if err != nil {
		return fmt.Errorf("fetch dlq item %s: %w", id, err)
	}

	var dlqItem DLQItem
	if err := json.Unmarshal(body, &dlqItem); err != nil {
		return fmt.Errorf("unmarshal dlq item %s: %w", id, err)
	}
	item := dlqItem.Item
	item.RetryCount = 0
	item.ScheduledTime = time.Now().UTC()

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.dlqKey(channel), id)
	pipe.HDel(ctx, q.dlqDataKey(channel), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove dlq item %s: %w", id, err)
	}

	return q.Enqueue(ctx, &item)
}
