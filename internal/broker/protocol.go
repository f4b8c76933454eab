package broker

import (
	"encoding/json"
	"time"
)

// clientFrame is the shape of every inbound client->server control message:
// {type:"subscribe", channel, filters?}, {type:"unsubscribe", channel}, or
// {type:"ping"}.
type clientFrame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Filters json.RawMessage `json:"filters,omitempty"`
}

const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	framePing        = "ping"
)

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"error","message":"internal encode failure"}`)
	}
	return b
}

// connectionFrame is the welcome frame sent once a WebSocket connection is
// registered, carrying the connection's assigned id.
func connectionFrame(connID string) []byte {
	return mustMarshal(map[string]any{
		"type":         "connection",
		"connectionId": connID,
		"message":      "connected",
	})
}

// connectionEstablishedFrame is SSE's initial frame, per the external SSE
// contract; EventSource's own onopen event already conveys "connected" so,
// unlike connectionFrame, it carries no message: only the type
// discriminant and the connection id.
func connectionEstablishedFrame(connID string) []byte {
	return mustMarshal(map[string]any{
		"type":         "connection_established",
		"connectionId": connID,
	})
}

func subscribedFrame(channel string) []byte {
	return mustMarshal(map[string]any{"type": "subscribed", "channel": channel})
}

func unsubscribedFrame(channel string) []byte {
	return mustMarshal(map[string]any{"type": "unsubscribed", "channel": channel})
}

func pongFrame() []byte {
	return mustMarshal(map[string]any{"type": "pong", "timestamp": time.Now().UTC().UnixMilli()})
}

func errorFrame(message string) []byte {
	return mustMarshal(map[string]any{"type": "error", "message": message})
}

// notificationFrame wraps a raw fan-out payload for delivery to subscribed
// connections. data is embedded as-is (already JSON from the publisher).
func notificationFrame(channel string, data json.RawMessage) []byte {
	return mustMarshal(map[string]any{
		"type":      "notification",
		"channel":   channel,
		"data":      data,
		"timestamp": time.Now().UTC().UnixMilli(),
	})
}
