// Package events defines the canonical Event envelope, its schema registry,
// and version migration graph.
package events

import (
	"encoding/json"
	"strings"
	"time"
)

// Event is the canonical envelope every webhook normalizes into and every
// downstream component consumes. SiteID scopes the event to a single tenant
// site within an organization; UserID and SessionID identify the end user a
// notification derived from this event would target, when known.
type Event struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Version        string          `json:"version"`
	OrganizationID string          `json:"organizationId"`
	SiteID         string          `json:"siteId,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	SessionID      string          `json:"sessionId,omitempty"`
	Source         string          `json:"source"`
	OccurredAt     time.Time       `json:"occurredAt"`
	ReceivedAt     time.Time       `json:"receivedAt"`
	CorrelationID  string          `json:"correlationId"`
	Payload        json.RawMessage `json:"payload"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

// Topic derives the bus topic a producer should publish this event to:
// deterministically from the event type's dot-separated prefix, e.g.
// "order.created" -> "order-events", "user.registered" -> "user-events".
// Types with no "." route to a catch-all "events" topic.
func (e *Event) Topic() string {
	return TopicFor(e.Type)
}

// TopicFor applies the type-prefix-to-topic rule independent of any
// particular event instance, so producers can derive a topic before an
// Event is fully constructed (e.g. for ProduceBatch grouping).
func TopicFor(eventType string) string {
	prefix, _, found := strings.Cut(eventType, ".")
	if !found || prefix == "" {
		return "events"
	}
	return prefix + "-events"
}

// Clone returns a deep-enough copy safe to mutate (Payload bytes are shared
// but never mutated in place by migrations, which always allocate a new map).
// Metadata is copied into a fresh map so mutating the clone's metadata never
// affects the original event.
func (e *Event) Clone() *Event {
	cp := *e
	if e.Metadata != nil {
		cp.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Migrated reports whether this event was transformed from an older
// declared schema version by Registry.MigrateToLatest.
func (e *Event) Migrated() bool {
	v, _ := e.Metadata["migrated"].(bool)
	return v
}
