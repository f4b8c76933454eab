package webhook

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/justinndidit/notify-pipeline/internal/events"
)

type recordingProducer struct {
	produced []*events.Event
}

func (p *recordingProducer) ProduceEvent(_ context.Context, e *events.Event) error {
	p.produced = append(p.produced, e)
	return nil
}

func newTestHandler(t *testing.T) (*Handler, *recordingProducer) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	producer := &recordingProducer{}
	registry := NewRegistry(Shopify{})
	secrets := map[string]string{"shopify": "shh"}

	h := NewHandler(registry, secrets, rdb, producer, zerolog.Nop(), nil)
	return h, producer
}

func TestHandlerAcceptsValidDelivery(t *testing.T) {
	h, producer := newTestHandler(t)

	body := []byte(`{"id":1}`)
	r := httptest.NewRequest(http.MethodPost, "/webhooks/shopify/orders/create", bytes.NewReader(body))
	r.Header.Set("X-Shopify-Hmac-Sha256", sign("shh", body))
	r.Header.Set("X-Shopify-Topic", "orders/create")

	router := chi.NewRouter()
	h.Routes(router)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, producer.produced, 1)
	require.Equal(t, "order.created", producer.produced[0].Type)
}

func TestHandlerRejectsBadSignature(t *testing.T) {
	h, producer := newTestHandler(t)

	body := []byte(`{"id":1}`)
	r := httptest.NewRequest(http.MethodPost, "/webhooks/shopify/orders/create", bytes.NewReader(body))
	r.Header.Set("X-Shopify-Hmac-Sha256", "bogus")
	r.Header.Set("X-Shopify-Topic", "orders/create")

	router := chi.NewRouter()
	h.Routes(router)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Empty(t, producer.produced)
}

func TestHandlerDeduplicatesByDeliveryID(t *testing.T) {
	h, producer := newTestHandler(t)

	body := []byte(`{"id":1}`)
	makeReq := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/webhooks/shopify/orders/create", bytes.NewReader(body))
		r.Header.Set("X-Shopify-Hmac-Sha256", sign("shh", body))
		r.Header.Set("X-Shopify-Topic", "orders/create")
		r.Header.Set("X-Delivery-Id", "dup-1")
		return r
	}

	router := chi.NewRouter()
	h.Routes(router)

	w1 := httptest.NewRecorder()
	router.ServeHTTP(w1, makeReq())
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, makeReq())

	require.Equal(t, http.StatusOK, w1.Code)
	require.Equal(t, http.StatusOK, w2.Code)
	require.Len(t, producer.produced, 1)
}
