package broker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/justinndidit/notify-pipeline/internal/metrics"
)

// Registry tracks every live connection and its channel subscriptions, and
// fans out published frames to matching connections. One Registry backs
// both the SSE and WebSocket transports so a message published once reaches
// clients regardless of how they connected.
type Registry struct {
	logger zerolog.Logger

	mu          sync.RWMutex
	connections map[string]*Connection

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
}

// NewRegistry builds an empty connection registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger:            logger,
		connections:       make(map[string]*Connection),
		heartbeatInterval: 15 * time.Second,
		heartbeatTimeout:  45 * time.Second,
	}
}

// Register adds a new connection in the CONNECTING state and transitions it
// to OPEN.
func (r *Registry) Register(id string, identity Identity, sendBuffer int) *Connection {
	conn := newConnection(id, identity, sendBuffer)
	r.mu.Lock()
	r.connections[id] = conn
	r.mu.Unlock()
	conn.setState(StateOpen)
	return conn
}

// Unregister transitions a connection through CLOSING to CLOSED and removes
// it from the registry.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	conn, ok := r.connections[id]
	if ok {
		delete(r.connections, id)
	}
	r.mu.Unlock()

	if ok {
		conn.setState(StateClosing)
		close(conn.done)
		conn.setState(StateClosed)
	}
}

// Publish fans a frame out to every connection currently subscribed to
// channel.
func (r *Registry) Publish(channel string, frame []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, conn := range r.connections {
		if conn.Subscribes(channel) {
			if !conn.Send(frame) {
				r.logger.Warn().Str("connectionId", conn.ID).Str("channel", channel).Msg("send buffer full, dropping frame")
				metrics.BrokerDroppedMessagesTotal.WithLabelValues("all").Inc()
			}
		}
	}
}

// Count returns the number of currently registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// SweepStale closes connections that haven't been heard from within the
// heartbeat timeout. Intended to run on a ticker.
func (r *Registry) SweepStale() {
	r.mu.RLock()
	var stale []string
	for id, conn := range r.connections {
		if !conn.Alive(r.heartbeatTimeout) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.logger.Info().Str("connectionId", id).Msg("closing stale connection")
		r.Unregister(id)
	}
}

// HeartbeatInterval returns the configured heartbeat tick interval.
func (r *Registry) HeartbeatInterval() time.Duration { return r.heartbeatInterval }
