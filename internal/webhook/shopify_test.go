package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestShopifyVerifyAcceptsValidSignature(t *testing.T) {
	secret := "shh"
	body := []byte(`{"id":1}`)
	r := &RawRequest{
		Body: body,
		Headers: map[string]string{
			"X-Shopify-Hmac-Sha256": sign(secret, body),
		},
		ReceivedAt: time.Now(),
	}

	var p Shopify
	require.NoError(t, p.Verify(secret, r))
}

func TestShopifyVerifyRejectsTamperedBody(t *testing.T) {
	secret := "shh"
	r := &RawRequest{
		Body: []byte(`{"id":2}`),
		Headers: map[string]string{
			"X-Shopify-Hmac-Sha256": sign(secret, []byte(`{"id":1}`)),
		},
		ReceivedAt: time.Now(),
	}

	var p Shopify
	require.Error(t, p.Verify(secret, r))
}

func TestShopifyNormalizeMapsTopicToEventType(t *testing.T) {
	r := &RawRequest{
		Body: []byte(`{"id":1,"total_price":"9.99"}`),
		Headers: map[string]string{
			"X-Shopify-Topic":       "orders/create",
			"X-Shopify-Shop-Domain": "acme.myshopify.com",
		},
		ReceivedAt: time.Now(),
	}

	var p Shopify
	e, err := p.Normalize(r)
	require.NoError(t, err)
	require.Equal(t, "order.created", e.Type)
	require.Equal(t, "shopify", e.Source)
}

func TestShopifyNormalizeRequiresTopicHeader(t *testing.T) {
	r := &RawRequest{Body: []byte(`{}`), Headers: map[string]string{}, ReceivedAt: time.Now()}
	var p Shopify
	_, err := p.Normalize(r)
	require.Error(t, err)
}
