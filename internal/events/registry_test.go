package events

import (
	"encoding/json"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/require"
)

func mustVersion(t *testing.T, s string) *semver.Version {
	t.Helper()
	v, err := semver.NewVersion(s)
	require.NoError(t, err)
	return v
}

func TestMigrateToLatestWalksChain(t *testing.T) {
	r := NewRegistry()
	r.Register("order.created", SchemaVersion{Version: mustVersion(t, "1.0.0")})
	r.Register("order.created", SchemaVersion{Version: mustVersion(t, "2.0.0")})
	r.Register("order.created", SchemaVersion{Version: mustVersion(t, "3.0.0")})

	r.RegisterMigration("order.created", Migration{
		From: mustVersion(t, "1.0.0"),
		To:   mustVersion(t, "2.0.0"),
		Transform: func(p map[string]any) (map[string]any, error) {
			p["buyerName"] = p["customerName"]
			delete(p, "customerName")
			return p, nil
		},
	})
	r.RegisterMigration("order.created", Migration{
		From: mustVersion(t, "2.0.0"),
		To:   mustVersion(t, "3.0.0"),
		Transform: func(p map[string]any) (map[string]any, error) {
			p["currency"] = "USD"
			return p, nil
		},
	})

	e := &Event{
		Type:    "order.created",
		Version: "1.0.0",
		Payload: json.RawMessage(`{"customerName":"Ada"}`),
	}

	migrated, err := r.MigrateToLatest(e)
	require.NoError(t, err)
	require.Equal(t, "3.0.0", migrated.Version)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(migrated.Payload, &payload))
	require.Equal(t, "Ada", payload["buyerName"])
	require.Equal(t, "USD", payload["currency"])
	require.NotContains(t, payload, "customerName")
}

func TestMigrateToLatestNoOpWhenAlreadyCurrent(t *testing.T) {
	r := NewRegistry()
	r.Register("order.created", SchemaVersion{Version: mustVersion(t, "1.0.0")})

	e := &Event{Type: "order.created", Version: "1.0.0", Payload: json.RawMessage(`{}`)}
	out, err := r.MigrateToLatest(e)
	require.NoError(t, err)
	require.Same(t, e, out)
}

func TestMigrateToLatestNoPathReturnsError(t *testing.T) {
	r := NewRegistry()
	r.Register("order.created", SchemaVersion{Version: mustVersion(t, "1.0.0")})
	r.Register("order.created", SchemaVersion{Version: mustVersion(t, "2.0.0")})

	e := &Event{Type: "order.created", Version: "1.0.0", Payload: json.RawMessage(`{}`)}
	_, err := r.MigrateToLatest(e)
	require.Error(t, err)
}
