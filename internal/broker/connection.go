// Package broker implements the real-time delivery layer: a connection
// registry shared by SSE and WebSocket transports, channel-scoped fan-out,
// and liveness heartbeats.
package broker

import (
	"strings"
	"sync"
	"time"
)

// State is a connection's position in its lifecycle.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

// Connection represents one browser client attached over SSE or WebSocket.
// Writes are serialized through send to keep a single writer goroutine per
// connection, since neither transport's underlying writer is safe for
// concurrent use.
type Connection struct {
	ID             string
	OrganizationID string
	SiteID         string
	UserID         string

	mu       sync.Mutex
	state    State
	channels map[string]struct{}
	lastSeen time.Time

	send chan []byte
	done chan struct{}
}

func newConnection(id string, identity Identity, sendBuffer int) *Connection {
	return &Connection{
		ID:             id,
		OrganizationID: identity.OrgID,
		SiteID:         identity.SiteID,
		UserID:         identity.UserID,
		state:          StateConnecting,
		channels:       make(map[string]struct{}),
		lastSeen:       time.Now(),
		send:           make(chan []byte, sendBuffer),
		done:           make(chan struct{}),
	}
}

// Subscribe records a channel this connection wants to receive. Channel
// authorization is enforced by the caller via Authorize before this is
// called.
func (c *Connection) Subscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[channel] = struct{}{}
}

// Unsubscribe removes a channel subscription.
func (c *Connection) Unsubscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, channel)
}

// Subscribes reports whether this connection is currently subscribed to
// channel.
func (c *Connection) Subscribes(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channel]
	return ok
}

// Touch records a liveness signal (an inbound pong, ping, or successful
// write).
func (c *Connection) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = time.Now()
}

// Alive reports whether the connection has been heard from within timeout.
func (c *Connection) Alive(timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastSeen) < timeout
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// Send enqueues a frame for the connection's writer goroutine. It never
// blocks: if the connection's send buffer is full, the frame is dropped,
// Send returns false and the connection stays open. Registry.Publish counts
// such drops, so a slow consumer loses frames rather than growing memory
// unbounded or holding up other connections.
func (c *Connection) Send(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Authorize checks a requested channel name against an authenticated
// identity using a strict prefix match on each scope segment: "site:<id>:"
// requires id == identity.SiteID, "user:<id>:" requires id ==
// identity.UserID, "org:<id>:" requires id == identity.OrgID, and
// "public:" is open to everyone. Any other shape, or a scope id that
// doesn't match the identity's own id, is denied — a substring match would
// let "site:999:fake:1:hack" pass for siteId "1", which is exactly the
// authorization bypass this predicate exists to prevent.
func Authorize(channel string, identity Identity) bool {
	switch {
	case strings.HasPrefix(channel, "public:"):
		return true
	case identity.SiteID != "" && strings.HasPrefix(channel, "site:"+identity.SiteID+":"):
		return true
	case identity.UserID != "" && strings.HasPrefix(channel, "user:"+identity.UserID+":"):
		return true
	case identity.OrgID != "" && strings.HasPrefix(channel, "org:"+identity.OrgID+":"):
		return true
	default:
		return false
	}
}
