package materializer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/justinndidit/notify-pipeline/internal/httpx"
	"github.com/justinndidit/notify-pipeline/internal/queue"
	"github.com/justinndidit/notify-pipeline/internal/render"
)

type fakeStore struct {
	mu            sync.Mutex
	records       map[string]*Record
	events        []string
	failureReason string
	sentInWindow  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*Record)}
}

func (s *fakeStore) CreateNotification(ctx context.Context, n *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[n.ID] = n
	return nil
}

func (s *fakeStore) UpdateStatus(ctx context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		r.Status = status
	}
	return nil
}

func (s *fakeStore) UpdateFailure(ctx context.Context, id, errorCode, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureReason = errorCode
	if r, ok := s.records[id]; ok {
		r.Status = "failed"
	}
	return nil
}

func (s *fakeStore) RecordEvent(ctx context.Context, notificationID, correlationID, eventType string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, eventType)
	return nil
}

func (s *fakeStore) SentInWindow(ctx context.Context, siteID, userID string, window time.Duration) (int, error) {
	return s.sentInWindow, nil
}

type fakeQueue struct {
	mu    sync.Mutex
	items []*queue.Item
}

func (q *fakeQueue) Enqueue(ctx context.Context, item *queue.Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	return nil
}

func newTestServer(t *testing.T, prefs UserPreference, templates []Template, settings SiteSettings) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/users/preference/", func(w http.ResponseWriter, r *http.Request) {
		httpx.Success(w, http.StatusOK, prefs, "", nil)
	})
	mux.HandleFunc("/templates", func(w http.ResponseWriter, r *http.Request) {
		httpx.Success(w, http.StatusOK, templates, "", nil)
	})
	mux.HandleFunc("/sites/", func(w http.ResponseWriter, r *http.Request) {
		httpx.Success(w, http.StatusOK, settings, "", nil)
	})
	return httptest.NewServer(mux)
}

func newTestMaterializer(t *testing.T, srv *httptest.Server, store Store, q Queue) *Materializer {
	t.Helper()
	cache, err := render.NewCache(16, 16)
	require.NoError(t, err)

	targeting, err := NewTargetingEngine(context.Background(), "")
	require.NoError(t, err)

	return New(Config{
		UserServiceURL:     srv.URL,
		TemplateServiceURL: srv.URL,
		SiteServiceURL:     srv.URL,
		Targeting:          targeting,
		RenderCache:        cache,
		Store:              store,
		Queue:              q,
	}, zerolog.Nop())
}

func activeTemplate() Template {
	return Template{
		ID:        "tpl-1",
		SiteID:    "site-1",
		EventType: "order.shipped",
		Channels:  []string{"email"},
		IsActive:  true,
		Subject:   "Order {{ order.id }} shipped",
		HTML:      "Hi {{ user.name }}, your order shipped.",
	}
}

func TestHandleEnrichesAndEnqueuesNotification(t *testing.T) {
	prefs := UserPreference{UserID: "user-1", OptIns: map[string]bool{"email": true}, DailyLimit: 10}
	srv := newTestServer(t, prefs, []Template{activeTemplate()}, SiteSettings{})
	defer srv.Close()

	store := newFakeStore()
	q := &fakeQueue{}
	m := newTestMaterializer(t, srv, store, q)

	err := m.Handle(context.Background(), EventContext{
		SiteID:    "site-1",
		UserID:    "user-1",
		EventType: "order.shipped",
		EventData: map[string]any{
			"order": map[string]any{"id": "42"},
			"user":  map[string]any{"name": "Ada"},
		},
		CorrelationID: "corr-1",
	})
	require.NoError(t, err)

	require.Len(t, q.items, 1)
	var enriched EnrichedNotification
	require.NoError(t, json.Unmarshal(q.items[0].Payload, &enriched))
	require.Equal(t, "Order 42 shipped", enriched.Subject)
	require.Contains(t, enriched.HTML, "Ada")

	require.Contains(t, store.events, "created")
	require.Contains(t, store.events, "enriched")
	require.Contains(t, store.events, "queued")
}

func TestHandleFiltersWhenChannelOptedOut(t *testing.T) {
	prefs := UserPreference{UserID: "user-1", OptIns: map[string]bool{"email": false}, DailyLimit: 10}
	srv := newTestServer(t, prefs, []Template{activeTemplate()}, SiteSettings{})
	defer srv.Close()

	store := newFakeStore()
	q := &fakeQueue{}
	m := newTestMaterializer(t, srv, store, q)

	err := m.Handle(context.Background(), EventContext{
		SiteID:    "site-1",
		UserID:    "user-1",
		EventType: "order.shipped",
	})
	require.NoError(t, err)
	require.Empty(t, q.items)
	require.Contains(t, store.events, "filtered")
}

func TestHandleFiltersWhenFrequencyCapExceeded(t *testing.T) {
	prefs := UserPreference{UserID: "user-1", OptIns: map[string]bool{"email": true}, DailyLimit: 1}
	srv := newTestServer(t, prefs, []Template{activeTemplate()}, SiteSettings{})
	defer srv.Close()

	store := newFakeStore()
	store.sentInWindow = 5
	q := &fakeQueue{}
	m := newTestMaterializer(t, srv, store, q)

	err := m.Handle(context.Background(), EventContext{
		SiteID:    "site-1",
		UserID:    "user-1",
		EventType: "order.shipped",
	})
	require.NoError(t, err)
	require.Empty(t, q.items)
	require.Contains(t, store.events, "filtered")
}

func TestHandleFiltersOnEventDataSuppression(t *testing.T) {
	prefs := UserPreference{UserID: "user-1", OptIns: map[string]bool{"email": true}, DailyLimit: 10}
	srv := newTestServer(t, prefs, []Template{activeTemplate()}, SiteSettings{})
	defer srv.Close()

	store := newFakeStore()
	q := &fakeQueue{}
	m := newTestMaterializer(t, srv, store, q)

	err := m.Handle(context.Background(), EventContext{
		SiteID:    "site-1",
		UserID:    "user-1",
		EventType: "order.shipped",
		EventData: map[string]any{"suppressNotifications": true},
	})
	require.NoError(t, err)
	require.Empty(t, q.items)
	require.Contains(t, store.events, "filtered")
}

func TestHandleSkipsWhenNoActiveTemplates(t *testing.T) {
	prefs := UserPreference{UserID: "user-1"}
	srv := newTestServer(t, prefs, []Template{}, SiteSettings{})
	defer srv.Close()

	store := newFakeStore()
	q := &fakeQueue{}
	m := newTestMaterializer(t, srv, store, q)

	err := m.Handle(context.Background(), EventContext{SiteID: "site-1", EventType: "order.shipped"})
	require.NoError(t, err)
	require.Empty(t, q.items)
	require.Empty(t, store.events)
}

func TestHandleMultiChannelTemplateEnqueuesPerChannel(t *testing.T) {
	prefs := UserPreference{UserID: "user-1", OptIns: map[string]bool{"email": true, "push": true}, DailyLimit: 10}
	tpl := activeTemplate()
	tpl.Channels = []string{"email", "push"}
	srv := newTestServer(t, prefs, []Template{tpl}, SiteSettings{})
	defer srv.Close()

	store := newFakeStore()
	q := &fakeQueue{}
	m := newTestMaterializer(t, srv, store, q)

	err := m.Handle(context.Background(), EventContext{
		SiteID:    "site-1",
		UserID:    "user-1",
		EventType: "order.shipped",
	})
	require.NoError(t, err)
	require.Len(t, q.items, 2)
}

func TestHandleFanOutProcessesMultipleTemplatesIndependently(t *testing.T) {
	prefs := UserPreference{UserID: "user-1", OptIns: map[string]bool{"email": true}, DailyLimit: 10}
	tplA := activeTemplate()
	tplA.ID = "tpl-a"
	tplB := activeTemplate()
	tplB.ID = "tpl-b"
	srv := newTestServer(t, prefs, []Template{tplA, tplB}, SiteSettings{})
	defer srv.Close()

	store := newFakeStore()
	q := &fakeQueue{}
	m := newTestMaterializer(t, srv, store, q)

	err := m.Handle(context.Background(), EventContext{
		SiteID:    "site-1",
		UserID:    "user-1",
		EventType: "order.shipped",
	})
	require.NoError(t, err)
	require.Len(t, q.items, 2)
}

func TestSelectVariantRoutesByTrafficSplit(t *testing.T) {
	control := Template{ID: "control"}
	variant := Template{ID: "variant"}
	test := &ABTest{ID: "ab-1", Active: true, TrafficSplit: 100, VariantTemplate: variant}

	got := SelectVariant(control, test, "user-1", "")
	require.Equal(t, "variant", got.ID)

	test.TrafficSplit = 0
	got = SelectVariant(control, test, "user-1", "")
	require.Equal(t, "control", got.ID)
}

func TestSelectVariantKeepsControlWithoutActiveTest(t *testing.T) {
	control := Template{ID: "control"}
	require.Equal(t, "control", SelectVariant(control, nil, "user-1", "").ID)
}
