package broker

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ServeSSE upgrades an HTTP request to a Server-Sent Events stream,
// registers a Connection, subscribes it to any channels requested via
// ?channels=, and streams frames published to its subscriptions until the
// client disconnects. EventSource cannot send frames back over the stream,
// so subscribe/unsubscribe for SSE clients happens once at connect time
// from the channels query parameter rather than via inbound control
// frames as on the WebSocket transport.
func (r *Registry) ServeSSE(w http.ResponseWriter, req *http.Request, identity Identity) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	conn := r.Register(uuid.NewString(), identity, 32)
	defer r.Unregister(conn.ID)

	fmt.Fprintf(w, "data: %s\n\n", connectionEstablishedFrame(conn.ID))
	flusher.Flush()

	if identity.SiteID != "" {
		conn.Subscribe("notifications:" + identity.SiteID)
	}

	for _, ch := range requestedChannels(req) {
		if !Authorize(ch, identity) {
			fmt.Fprintf(w, "data: %s\n\n", errorFrame("Access denied to channel"))
			flusher.Flush()
			continue
		}
		conn.Subscribe(ch)
		fmt.Fprintf(w, "data: %s\n\n", subscribedFrame(ch))
		flusher.Flush()
	}

	heartbeat := time.NewTicker(r.HeartbeatInterval())
	defer heartbeat.Stop()

	ctx := req.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.done:
			return
		case <-heartbeat.C:
			conn.Touch()
			if _, err := fmt.Fprintf(w, "data: %s\n\n", pongFrame()); err != nil {
				return
			}
			flusher.Flush()
		case frame, ok := <-conn.send:
			if !ok {
				return
			}
			conn.Touch()
			if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func requestedChannels(req *http.Request) []string {
	raw := req.URL.Query().Get("channels")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	channels := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			channels = append(channels, p)
		}
	}
	return channels
}
