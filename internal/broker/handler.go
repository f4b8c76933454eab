package broker

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/justinndidit/notify-pipeline/internal/apperror"
	"github.com/justinndidit/notify-pipeline/internal/httpx"
	"github.com/justinndidit/notify-pipeline/internal/pubsub"
)

func rateLimitedErr() error {
	return apperror.New(apperror.KindRateLimited, "connection rate limit exceeded for this identity")
}

// Handler mounts the SSE and WebSocket endpoints and bridges the pub/sub
// fan-out bus into the connection Registry.
type Handler struct {
	registry *Registry
	bus      *pubsub.Bus
	auth     *Authenticator
	logger   zerolog.Logger
}

// NewHandler builds the broker's HTTP surface. auth verifies bearer tokens
// and enforces the per-identity connection rate limit before any
// connection is registered.
func NewHandler(registry *Registry, bus *pubsub.Bus, auth *Authenticator, logger zerolog.Logger) *Handler {
	return &Handler{registry: registry, bus: bus, auth: auth, logger: logger}
}

// Routes mounts /realtime/sse and /realtime/ws.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/realtime/sse", h.serveSSE)
	r.Get("/realtime/ws", h.serveWS)
}

func (h *Handler) serveSSE(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticate(r)
	if err != nil {
		httpx.Fail(w, err, "authentication failed")
		return
	}
	h.registry.ServeSSE(w, r, identity)
}

func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticate(r)
	if err != nil {
		httpx.Fail(w, err, "authentication failed")
		return
	}
	h.registry.ServeWS(w, r, identity)
}

// authenticate implements §4.G steps 1-3: extract the bearer token, verify
// it against the auth service's signing key to produce an identity, and
// enforce a per-identity connection rate limit before the caller proceeds
// to Register.
func (h *Handler) authenticate(r *http.Request) (Identity, error) {
	token := ExtractToken(r)
	identity, err := h.auth.Verify(token)
	if err != nil {
		return Identity{}, err
	}
	if !h.auth.Allow(identity.UserID) {
		return Identity{}, rateLimitedErr()
	}
	return identity, nil
}

// BridgeChannel subscribes to a single pub/sub channel and republishes
// every message it receives into the connection Registry under the same
// channel name, wrapped as a "notification" frame, until ctx is cancelled.
func (h *Handler) BridgeChannel(ctx context.Context, channel string) error {
	msgs, unsubscribe, err := h.bus.Subscribe(ctx, channel, 64)
	if err != nil {
		return err
	}
	go h.pumpNotifications(ctx, msgs, unsubscribe)
	return nil
}

// BridgePattern subscribes to every pub/sub channel matching pattern (e.g.
// "notifications:*") and republishes each message under the concrete
// channel it was actually published to, per §4.G's per-site
// "notifications:<siteId>" background subscription — the set of site ids
// isn't known up front, so a single pattern subscription stands in for one
// bridge per site.
func (h *Handler) BridgePattern(ctx context.Context, pattern string) error {
	msgs, unsubscribe, err := h.bus.SubscribePattern(ctx, pattern, 256)
	if err != nil {
		return err
	}
	go h.pumpNotifications(ctx, msgs, unsubscribe)
	return nil
}

func (h *Handler) pumpNotifications(ctx context.Context, msgs <-chan pubsub.Message, unsubscribe func()) {
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			h.registry.Publish(msg.Channel, notificationFrame(msg.Channel, msg.Payload))
		}
	}
}
