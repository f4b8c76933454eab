package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func stripeSignature(secret string, ts int64, body []byte) string {
	signedPayload := fmt.Sprintf("%d.%s", ts, body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestStripeVerifyAcceptsValidSignature(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"id":"evt_1","type":"charge.succeeded","created":1700000000}`)
	ts := time.Now().Unix()

	r := &RawRequest{
		Body:       body,
		Headers:    map[string]string{"Stripe-Signature": stripeSignature(secret, ts, body)},
		ReceivedAt: time.Now(),
	}

	s := Stripe{ToleranceSeconds: 300}
	require.NoError(t, s.Verify(secret, r))
}

func TestStripeVerifyRejectsStaleTimestamp(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"id":"evt_1"}`)
	ts := time.Now().Add(-time.Hour).Unix()

	r := &RawRequest{
		Body:       body,
		Headers:    map[string]string{"Stripe-Signature": stripeSignature(secret, ts, body)},
		ReceivedAt: time.Now(),
	}

	s := Stripe{ToleranceSeconds: 300}
	require.Error(t, s.Verify(secret, r))
}

func TestStripeNormalizePrefixesEventType(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"charge.succeeded","created":1700000000,"data":{}}`)
	r := &RawRequest{Body: body, Headers: map[string]string{}, ReceivedAt: time.Now()}

	var s Stripe
	e, err := s.Normalize(r)
	require.NoError(t, err)
	require.Equal(t, "stripe.charge.succeeded", e.Type)
}
