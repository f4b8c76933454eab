package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, "test", zerolog.Nop())
}

func TestEnqueueDequeueOrdersByPriority(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	now := time.Now().UTC()
	low := &Item{ID: "low", SiteID: "site-1", Channel: "push", Priority: Low, ScheduledTime: now, Payload: json.RawMessage(`{}`)}
	urgent := &Item{ID: "urgent", SiteID: "site-1", Channel: "push", Priority: Urgent, ScheduledTime: now, Payload: json.RawMessage(`{}`)}
	normal := &Item{ID: "normal", SiteID: "site-1", Channel: "push", Priority: Normal, ScheduledTime: now, Payload: json.RawMessage(`{}`)}

	require.NoError(t, q.Enqueue(ctx, low))
	require.NoError(t, q.Enqueue(ctx, urgent))
	require.NoError(t, q.Enqueue(ctx, normal))

	items, err := q.Dequeue(ctx, "push", 3)
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, []string{"urgent", "normal", "low"}, []string{items[0].ID, items[1].ID, items[2].ID})
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	items, err := q.Dequeue(ctx, "push", 1)
	require.NoError(t, err)
	require.Nil(t, items)
}

func TestDequeueSkipsNotYetScheduled(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	future := &Item{ID: "future", SiteID: "site-1", Channel: "push", Priority: Normal, ScheduledTime: time.Now().Add(time.Hour), Payload: json.RawMessage(`{}`)}
	require.NoError(t, q.Enqueue(ctx, future))

	items, err := q.Dequeue(ctx, "push", 1)
	require.NoError(t, err)
	require.Nil(t, items)
}

func TestEnqueueRejectsMissingFields(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	err := q.Enqueue(ctx, &Item{ID: "no-site", Channel: "push"})
	require.Error(t, err)
}

func TestEnqueueDefaultsMaxRetries(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	item := &Item{ID: "defaulted", SiteID: "site-1", Channel: "push", Payload: json.RawMessage(`{}`)}
	require.NoError(t, q.Enqueue(ctx, item))
	require.Equal(t, defaultMaxRetries, item.MaxRetries)
}

func TestRequeuePromotesToDLQAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	item := &Item{ID: "flaky", SiteID: "site-1", Channel: "push", Priority: Normal, Payload: json.RawMessage(`{}`), MaxRetries: 2, RetryCount: 2}

	requeued, err := q.Requeue(ctx, item, time.Second)
	require.NoError(t, err)
	require.Nil(t, requeued)

	depth, err := q.Depth(ctx, "push")
	require.NoError(t, err)
	require.Zero(t, depth)

	dlqDepth, err := q.DLQDepth(ctx, "push")
	require.NoError(t, err)
	require.EqualValues(t, 1, dlqDepth)

	dlqItems, err := q.ListDLQ(ctx, "push", 10)
	require.NoError(t, err)
	require.Len(t, dlqItems, 1)
	require.Equal(t, ReasonMaxRetriesExceeded, dlqItems[0].Reason)
}

func TestRequeueReschedulesWithinLimit(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	item := &Item{ID: "retryable", SiteID: "site-1", Channel: "push", Priority: Normal, Payload: json.RawMessage(`{}`), MaxRetries: 3, RetryCount: 0}

	requeued, err := q.Requeue(ctx, item, time.Hour)
	require.NoError(t, err)
	require.NotNil(t, requeued)
	require.Equal(t, 1, requeued.RetryCount)
	require.True(t, requeued.ScheduledTime.After(time.Now().UTC()))

	depth, err := q.Depth(ctx, "push")
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)
}

func TestRequeueFromDLQResetsRetryCount(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	item := &Item{ID: "flaky", SiteID: "site-1", Channel: "push", Priority: Normal, Payload: json.RawMessage(`{}`), MaxRetries: 1, RetryCount: 1}
	_, err := q.Requeue(ctx, item, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.RequeueFromDLQ(ctx, "push", "flaky"))

	dlqDepth, err := q.DLQDepth(ctx, "push")
	require.NoError(t, err)
	require.Zero(t, dlqDepth)

	depth, err := q.Depth(ctx, "push")
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)
}

func TestPeekDoesNotRemove(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	item := &Item{ID: "peekable", SiteID: "site-1", Channel: "push", Priority: Normal, Payload: json.RawMessage(`{}`)}
	require.NoError(t, q.Enqueue(ctx, item))

	peeked, err := q.Peek(ctx, "push", 10)
	require.NoError(t, err)
	require.Len(t, peeked, 1)

	depth, err := q.Depth(ctx, "push")
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)
}

func TestRemoveDeletesSingleItem(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, &Item{ID: "a", SiteID: "site-1", Channel: "push", Payload: json.RawMessage(`{}`)}))
	require.NoError(t, q.Enqueue(ctx, &Item{ID: "b", SiteID: "site-1", Channel: "push", Payload: json.RawMessage(`{}`)}))

	require.NoError(t, q.Remove(ctx, "push", "a"))

	depth, err := q.Depth(ctx, "push")
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)
}

func TestClearWipesChannel(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, &Item{ID: "a", SiteID: "site-1", Channel: "push", Payload: json.RawMessage(`{}`)}))
	require.NoError(t, q.Clear(ctx, "push"))

	depth, err := q.Depth(ctx, "push")
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestProcessExpiredMovesOldItemsToDLQ(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	old := &Item{ID: "stale", SiteID: "site-1", Channel: "push", Priority: Normal, Payload: json.RawMessage(`{}`), ScheduledTime: time.Now().UTC().Add(-2 * time.Hour)}
	require.NoError(t, q.Enqueue(ctx, old))

	moved, err := q.ProcessExpired(ctx, "push")
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	depth, err := q.Depth(ctx, "push")
	require.NoError(t, err)
	require.Zero(t, depth)

	dlqItems, err := q.ListDLQ(ctx, "push", 10)
	require.NoError(t, err)
	require.Len(t, dlqItems, 1)
	require.Equal(t, ReasonExpired, dlqItems[0].Reason)
}

func TestChannelStatsReflectsReadyAndScheduled(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, &Item{ID: "ready", SiteID: "site-1", Channel: "push", Payload: json.RawMessage(`{}`)}))
	require.NoError(t, q.Enqueue(ctx, &Item{ID: "future", SiteID: "site-1", Channel: "push", Payload: json.RawMessage(`{}`), ScheduledTime: time.Now().Add(time.Hour)}))

	stats, err := q.ChannelStats(ctx, "push")
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.Total)
	require.EqualValues(t, 1, stats.Ready)
	require.EqualValues(t, 1, stats.Scheduled)
}
