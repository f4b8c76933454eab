package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/justinndidit/notify-pipeline/internal/events"
)

type recordingProducer struct {
	published []*events.Event
}

func (p *recordingProducer) ProduceEvent(_ context.Context, e *events.Event) error {
	p.published = append(p.published, e)
	return nil
}

func TestReplayRepublishesWithinRange(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Add(-time.Hour)

	require.NoError(t, s.Append(sampleEvent("e1", "order.created", "acme", base.Add(time.Minute))))
	require.NoError(t, s.Append(sampleEvent("e2", "order.created", "acme", base.Add(2*time.Minute))))

	producer := &recordingProducer{}
	processed, published, err := Replay(context.Background(), s, producer, ReplayOptions{
		Range: Range{From: base, To: time.Now()},
	})

	require.NoError(t, err)
	require.Equal(t, 2, processed)
	require.Equal(t, 2, published)
	require.Len(t, producer.published, 2)
}

func TestReplayAppliesFilter(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Add(-time.Hour)

	e1 := sampleEvent("e1", "order.created", "acme", base.Add(time.Minute))
	e1.Payload = json.RawMessage(`{"n":1}`)
	e2 := sampleEvent("e2", "order.cancelled", "acme", base.Add(2*time.Minute))
	e2.Payload = json.RawMessage(`{"n":2}`)

	require.NoError(t, s.Append(e1))
	require.NoError(t, s.Append(e2))

	producer := &recordingProducer{}
	_, published, err := Replay(context.Background(), s, producer, ReplayOptions{
		Range:  Range{From: base, To: time.Now()},
		Filter: `.type == "order.cancelled"`,
	})

	require.NoError(t, err)
	require.Equal(t, 1, published)
	require.Equal(t, "e2", producer.published[0].ID)
}
