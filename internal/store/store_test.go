package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/justinndidit/notify-pipeline/internal/events"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleEvent(id, eventType, org string, occurredAt time.Time) *events.Event {
	return &events.Event{
		ID:             id,
		Type:           eventType,
		Version:        "1.0.0",
		OrganizationID: org,
		SiteID:         "site-" + org,
		OccurredAt:     occurredAt,
		CorrelationID:  "corr-" + id,
		Payload:        json.RawMessage(`{"n":1}`),
	}
}

func TestAppendAndGet(t *testing.T) {
	s := newTestStore(t)
	e := sampleEvent("e1", "order.created", "acme", time.Now())

	require.NoError(t, s.Append(e))

	got, err := s.Get("e1")
	require.NoError(t, err)
	require.Equal(t, "order.created", got.Type)
}

func TestGetByCorrelationID(t *testing.T) {
	s := newTestStore(t)
	e := sampleEvent("e1", "order.created", "acme", time.Now())
	require.NoError(t, s.Append(e))

	got, err := s.GetByCorrelationID("corr-e1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "e1", got[0].ID)
}

func TestGetBySiteID(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append(sampleEvent("e1", "order.created", "acme", time.Now())))
	require.NoError(t, s.Append(sampleEvent("e2", "order.created", "other", time.Now())))

	got, err := s.GetBySiteID("site-acme")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "e1", got[0].ID)
}

func TestScanByTimestampOrdersChronologically(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Add(-time.Hour)

	require.NoError(t, s.Append(sampleEvent("e2", "order.created", "acme", base.Add(2*time.Minute))))
	require.NoError(t, s.Append(sampleEvent("e1", "order.created", "acme", base.Add(1*time.Minute))))
	require.NoError(t, s.Append(sampleEvent("e3", "order.created", "acme", base.Add(3*time.Minute))))

	var ids []string
	err := s.ScanByTimestamp(Range{From: base, To: time.Now()}, func(e *events.Event) (bool, error) {
		ids = append(ids, e.ID)
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"e1", "e2", "e3"}, ids)
}
