package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/justinndidit/notify-pipeline/internal/apperror"
	"github.com/justinndidit/notify-pipeline/internal/events"
)

// Shopify verifies the X-Shopify-Hmac-Sha256 header (base64 HMAC-SHA256 of
// the raw body) and normalizes order/checkout topics into the canonical
// envelope.
type Shopify struct{}

func (Shopify) Name() string { return "shopify" }

func (Shopify) Verify(secret string, r *RawRequest) error {
	sig := r.Header("X-Shopify-Hmac-Sha256")
	if sig == "" {
		return apperror.New(apperror.KindAuthentication, "missing shopify signature header")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(r.Body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	decoded, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return apperror.Wrap(apperror.KindAuthentication, "malformed shopify signature", err)
	}
	expectedDecoded, _ := base64.StdEncoding.DecodeString(expected)

	if !hmac.Equal(decoded, expectedDecoded) {
		return apperror.New(apperror.KindAuthentication, "shopify signature mismatch")
	}
	return nil
}

func (Shopify) Normalize(r *RawRequest) (*events.Event, error) {
	topic := r.Header("X-Shopify-Topic")
	if topic == "" {
		return nil, apperror.New(apperror.KindValidation, "missing X-Shopify-Topic header")
	}

	var payload map[string]any
	if err := json.Unmarshal(r.Body, &payload); err != nil {
		return nil, apperror.Wrap(apperror.KindValidation, "invalid shopify payload json", err)
	}

	return &events.Event{
		ID:         uuid.NewString(),
		Type:       shopifyEventType(topic),
		Version:    "1.0.0",
		Source:     "shopify",
		OccurredAt: r.ReceivedAt,
		ReceivedAt: r.ReceivedAt,
		Payload:    r.Body,
		Metadata: map[string]any{
			"shopTopic":   topic,
			"shopDomain":  r.Header("X-Shopify-Shop-Domain"),
			"webhookId":   r.Header("X-Shopify-Webhook-Id"),
			"receivedAt":  time.Now().UTC(),
		},
	}, nil
}

// shopifyEventType maps a Shopify topic like "orders/create" to the
// pipeline's dotted event type "order.created".
func shopifyEventType(topic string) string {
	switch topic {
	case "orders/create":
		return "order.created"
	case "orders/paid":
		return "order.paid"
	case "orders/fulfilled":
		return "order.fulfilled"
	case "checkouts/create":
		return "checkout.started"
	case "checkouts/update":
		return "checkout.updated"
	default:
		return fmt.Sprintf("shopify.%s", topic)
	}
}
