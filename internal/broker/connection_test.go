package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAuthorizeSitePrefixRequiresMatchingSite(t *testing.T) {
	require.True(t, Authorize("site:acme:notifications", Identity{SiteID: "acme", UserID: "u1"}))
	require.False(t, Authorize("site:acme:notifications", Identity{SiteID: "other", UserID: "u1"}))
}

func TestAuthorizeUserPrefixRequiresMatchingUser(t *testing.T) {
	require.True(t, Authorize("user:u1:notifications", Identity{SiteID: "acme", UserID: "u1"}))
	require.False(t, Authorize("user:u1:notifications", Identity{SiteID: "acme", UserID: "u2"}))
}

func TestAuthorizePublicAlwaysAllowed(t *testing.T) {
	require.True(t, Authorize("public:announcements", Identity{}))
}

func TestAuthorizeUnknownPrefixDenied(t *testing.T) {
	require.False(t, Authorize("internal:secret", Identity{SiteID: "acme", UserID: "u1"}))
}

func TestConnectionSendDropsWhenBufferFull(t *testing.T) {
	c := newConnection("c1", Identity{SiteID: "acme", UserID: "u1"}, 1)
	require.True(t, c.Send([]byte("first")))
	require.False(t, c.Send([]byte("second")))
}

func TestConnectionAliveRespectsTimeout(t *testing.T) {
	c := newConnection("c1", Identity{SiteID: "acme", UserID: "u1"}, 1)
	require.True(t, c.Alive(time.Minute))
	c.mu.Lock()
	c.lastSeen = time.Now().Add(-time.Hour)
	c.mu.Unlock()
	require.False(t, c.Alive(time.Minute))
}

func TestRegistryPublishOnlyReachesSubscribedConnections(t *testing.T) {
	reg := NewRegistry(testLogger())
	c1 := reg.Register("c1", Identity{SiteID: "acme", UserID: "u1"}, 4)
	c2 := reg.Register("c2", Identity{SiteID: "acme", UserID: "u2"}, 4)

	c1.Subscribe("site:acme")

	reg.Publish("site:acme", []byte("hello"))

	select {
	case frame := <-c1.send:
		require.Equal(t, "hello", string(frame))
	case <-time.After(time.Second):
		t.Fatal("expected c1 to receive frame")
	}

	select {
	case <-c2.send:
		t.Fatal("c2 should not have received a frame")
	default:
	}
}
