package notifications

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/justinndidit/notify-pipeline/internal/materializer"
)

func TestJSONMapValueAndScanRoundTrip(t *testing.T) {
	m := JSONMap{"order_id": "42", "amount": float64(19)}

	raw, err := m.Value()
	require.NoError(t, err)

	var scanned JSONMap
	require.NoError(t, scanned.Scan(raw))
	require.Equal(t, "42", scanned["order_id"])
}

func TestJSONMapValueNilMapReturnsNil(t *testing.T) {
	var m JSONMap
	raw, err := m.Value()
	require.NoError(t, err)
	require.Nil(t, raw)
}

func TestJSONMapScanNilSourceClearsMap(t *testing.T) {
	m := JSONMap{"stale": true}
	require.NoError(t, m.Scan(nil))
	require.Nil(t, m)
}

func TestJSONMapScanRejectsUnsupportedType(t *testing.T) {
	var m JSONMap
	err := m.Scan(42)
	require.Error(t, err)
}

func TestStatusTimestampColumnMapsKnownStatuses(t *testing.T) {
	require.Equal(t, "queued_at", statusTimestampColumn(materializer.StatusQueued))
	require.Equal(t, "filtered_at", statusTimestampColumn(materializer.StatusFiltered))
	require.Equal(t, "failed_at", statusTimestampColumn(materializer.StatusFailed))
	require.Equal(t, "delivered_at", statusTimestampColumn(materializer.StatusDelivered))
	require.Equal(t, "", statusTimestampColumn(materializer.StatusPending))
}
