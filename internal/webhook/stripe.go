package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/justinndidit/notify-pipeline/internal/apperror"
	"github.com/justinndidit/notify-pipeline/internal/events"
)

// Stripe verifies the Stripe-Signature header, which encodes a timestamp
// and one or more v1 signatures of "timestamp.body" rather than a bare
// HMAC of the body alone.
type Stripe struct {
	// ToleranceSeconds rejects signatures whose timestamp has drifted more
	// than this many seconds from receipt time. Zero disables the check.
	ToleranceSeconds int64
}

func (Stripe) Name() string { return "stripe" }

func (s Stripe) Verify(secret string, r *RawRequest) error {
	header := r.Header("Stripe-Signature")
	if header == "" {
		return apperror.New(apperror.KindAuthentication, "missing stripe signature header")
	}

	ts, sigs, err := parseStripeSignatureHeader(header)
	if err != nil {
		return apperror.Wrap(apperror.KindAuthentication, "malformed stripe signature header", err)
	}

	if s.ToleranceSeconds > 0 {
		age := time.Since(time.Unix(ts, 0))
		if age > time.Duration(s.ToleranceSeconds)*time.Second || age < -time.Duration(s.ToleranceSeconds)*time.Second {
			return apperror.New(apperror.KindAuthentication, "stripe signature timestamp outside tolerance")
		}
	}

	signedPayload := fmt.Sprintf("%d.%s", ts, r.Body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range sigs {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return apperror.New(apperror.KindAuthentication, "stripe signature mismatch")
}

func parseStripeSignatureHeader(header string) (int64, []string, error) {
	var ts int64
	var sigs []string

	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			parsed, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("parse timestamp: %w", err)
			}
			ts = parsed
		case "v1":
			sigs = append(sigs, kv[1])
		}
	}

	if ts == 0 || len(sigs) == 0 {
		return 0, nil, fmt.Errorf("incomplete stripe signature header")
	}
	return ts, sigs, nil
}

func (Stripe) Normalize(r *RawRequest) (*events.Event, error) {
	var evt struct {
		ID      string          `json:"id"`
		Type    string          `json:"type"`
		Created int64           `json:"created"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(r.Body, &evt); err != nil {
		return nil, apperror.Wrap(apperror.KindValidation, "invalid stripe payload json", err)
	}

	return &events.Event{
		ID:         uuid.NewString(),
		Type:       "stripe." + evt.Type,
		Version:    "1.0.0",
		Source:     "stripe",
		OccurredAt: time.Unix(evt.Created, 0).UTC(),
		ReceivedAt: r.ReceivedAt,
		Payload:    r.Body,
		Metadata: map[string]any{
			"stripeEventId": evt.ID,
		},
	}, nil
}
