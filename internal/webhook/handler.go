package webhook

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/justinndidit/notify-pipeline/internal/apperror"
	"github.com/justinndidit/notify-pipeline/internal/events"
	"github.com/justinndidit/notify-pipeline/internal/httpx"
	"github.com/justinndidit/notify-pipeline/internal/metrics"
)

const idempotencyTTL = 24 * time.Hour

// Producer is the subset of bus.Producer the gateway needs, kept as an
// interface so handler tests can substitute a recording fake.
type Producer interface {
	ProduceEvent(ctx context.Context, e *events.Event) error
}

// Handler is the chi-mounted webhook ingress endpoint: verify → idempotency
// check → normalize → produce.
type Handler struct {
	logger       zerolog.Logger
	registry     Registry
	secrets      map[string]string
	redis        redis.Cmdable
	producer     Producer
	resolveTenant func(provider string, e *events.Event) (orgID, siteID string)
}

// NewHandler builds a webhook ingress handler. resolveTenant derives the
// organization and site a normalized event belongs to, typically from
// provider-specific metadata Normalize attached (e.g. a shop domain); it
// defaults to a constant "default" organization and the provider name as
// site when nil.
func NewHandler(registry Registry, secrets map[string]string, rdb redis.Cmdable, producer Producer, logger zerolog.Logger, resolveTenant func(string, *events.Event) (string, string)) *Handler {
	if resolveTenant == nil {
		resolveTenant = func(provider string, _ *events.Event) (string, string) { return "default", provider }
	}
	return &Handler{logger: logger, registry: registry, secrets: secrets, redis: rdb, producer: producer, resolveTenant: resolveTenant}
}

// Routes mounts POST /webhooks/{provider}/<event> on r. The event segment
// may itself contain slashes (Shopify topics like "orders/create"), so it is
// captured with a wildcard rather than a named parameter.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/webhooks/{provider}/*", h.handleDelivery)
}

func (h *Handler) handleDelivery(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	eventPath := chi.URLParam(r, "*")
	provider, ok := h.registry[providerName]
	if !ok {
		metrics.WebhooksReceivedTotal.WithLabelValues(providerName, "unknown_provider").Inc()
		httpx.Fail(w, apperror.New(apperror.KindNotFound, "unknown webhook provider"), "provider not registered")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 5<<20))
	if err != nil {
		metrics.WebhooksReceivedTotal.WithLabelValues(providerName, "read_error").Inc()
		httpx.Fail(w, apperror.Wrap(apperror.KindValidation, "failed to read body", err), "could not read request body")
		return
	}

	raw := &RawRequest{Body: body, Headers: flattenHeaders(r.Header), ReceivedAt: time.Now().UTC()}

	secret := h.secrets[providerName]
	if err := provider.Verify(secret, raw); err != nil {
		metrics.WebhooksReceivedTotal.WithLabelValues(providerName, "verification_failed").Inc()
		h.logger.Warn().Err(err).Str("provider", providerName).Str("event", eventPath).Msg("webhook signature verification failed")
		httpx.Fail(w, err, "signature verification failed")
		return
	}

	// Past this point the delivery is authentic. The provider always gets
	// a 2xx response from here on; internal failures are retried via the
	// bus/DLQ, never by making the provider re-deliver.
	deliveryID := r.Header.Get("X-Delivery-Id")
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}

	ctx := r.Context()
	idempKey := "webhook:idempotency:" + providerName + ":" + deliveryID
	set, err := h.redis.SetNX(ctx, idempKey, "1", idempotencyTTL).Result()
	if err != nil {
		h.logger.Error().Err(err).Msg("idempotency check failed")
	} else if !set {
		metrics.WebhooksReceivedTotal.WithLabelValues(providerName, "duplicate").Inc()
		httpx.Success(w, http.StatusOK, nil, "duplicate delivery ignored", nil)
		return
	}

	event, err := provider.Normalize(raw)
	if err != nil {
		metrics.WebhooksReceivedTotal.WithLabelValues(providerName, "normalize_error").Inc()
		h.logger.Error().Err(err).Str("provider", providerName).Str("event", eventPath).Msg("failed to normalize authentic webhook payload")
		httpx.Success(w, http.StatusOK, nil, "accepted, normalization failed internally", nil)
		return
	}

	event.OrganizationID, event.SiteID = h.resolveTenant(providerName, event)
	if event.CorrelationID == "" {
		event.CorrelationID = uuid.NewString()
	}

	if err := h.producer.ProduceEvent(ctx, event); err != nil {
		metrics.WebhooksReceivedTotal.WithLabelValues(providerName, "publish_error").Inc()
		h.logger.Error().Err(err).Str("eventId", event.ID).Msg("failed to publish normalized event")
		httpx.Success(w, http.StatusOK, map[string]string{"eventId": event.ID}, "accepted, publish failed internally", nil)
		return
	}

	metrics.WebhooksReceivedTotal.WithLabelValues(providerName, "accepted").Inc()
	metrics.EventsPublishedTotal.WithLabelValues(event.Type).Inc()
	httpx.Success(w, http.StatusOK, map[string]string{"eventId": event.ID}, "accepted", nil)
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
