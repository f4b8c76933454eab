package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutToMultipleSubscribers(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	bus := New(rdb, zerolog.Nop())
	defer bus.Close()

	ch1, unsub1, err := bus.Subscribe(ctx, "site:acme", 4)
	require.NoError(t, err)
	defer unsub1()

	ch2, unsub2, err := bus.Subscribe(ctx, "site:acme", 4)
	require.NoError(t, err)
	defer unsub2()

	// allow the backend subscription goroutines to establish before publishing
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, bus.Publish(ctx, "site:acme", map[string]string{"hello": "world"}))

	for _, ch := range []<-chan Message{ch1, ch2} {
		select {
		case msg := <-ch:
			require.JSONEq(t, `{"hello":"world"}`, string(msg.Payload))
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out message")
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	bus := New(rdb, zerolog.Nop())
	defer bus.Close()

	ch, unsub, err := bus.Subscribe(ctx, "site:acme", 4)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	unsub()

	require.NoError(t, bus.Publish(ctx, "site:acme", map[string]string{"hello": "world"}))

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(200 * time.Millisecond):
	}
}
