package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/justinndidit/notify-pipeline/internal/apperror"
	"github.com/justinndidit/notify-pipeline/internal/events"
)

// WooCommerce verifies the X-WC-Webhook-Signature header (base64
// HMAC-SHA256 of the raw body, same construction as Shopify but a
// different header name and topic vocabulary).
type WooCommerce struct{}

func (WooCommerce) Name() string { return "woocommerce" }

func (WooCommerce) Verify(secret string, r *RawRequest) error {
	sig := r.Header("X-WC-Webhook-Signature")
	if sig == "" {
		return apperror.New(apperror.KindAuthentication, "missing woocommerce signature header")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(r.Body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return apperror.New(apperror.KindAuthentication, "woocommerce signature mismatch")
	}
	return nil
}

func (WooCommerce) Normalize(r *RawRequest) (*events.Event, error) {
	topic := r.Header("X-WC-Webhook-Topic")
	if topic == "" {
		return nil, apperror.New(apperror.KindValidation, "missing X-WC-Webhook-Topic header")
	}

	var payload map[string]any
	if err := json.Unmarshal(r.Body, &payload); err != nil {
		return nil, apperror.Wrap(apperror.KindValidation, "invalid woocommerce payload json", err)
	}

	return &events.Event{
		ID:         uuid.NewString(),
		Type:       wooEventType(topic),
		Version:    "1.0.0",
		Source:     "woocommerce",
		OccurredAt: r.ReceivedAt,
		ReceivedAt: r.ReceivedAt,
		Payload:    r.Body,
		Metadata: map[string]any{
			"wcTopic":     topic,
			"wcWebhookId": r.Header("X-WC-Webhook-ID"),
		},
	}, nil
}

func wooEventType(topic string) string {
	switch topic {
	case "order.created":
		return "order.created"
	case "order.updated":
		return "order.updated"
	default:
		return "woocommerce." + topic
	}
}
