// Package materializer implements the notification enrichment pipeline:
// template fan-out, delivery-rule evaluation, A/B variant selection,
// rendering, persistence, and hand-off to the priority queue.
package materializer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/justinndidit/notify-pipeline/internal/queue"
	"github.com/justinndidit/notify-pipeline/internal/render"
)

// defaultFrequencyWindow is the rolling window a recipient's send count is
// measured against when no other window is configured.
const defaultFrequencyWindow = time.Hour

// defaultDailyLimit caps deliveries per recipient when the user-preference
// service has no explicit limit on file.
const defaultDailyLimit = 10

// defaultTemplateFanout bounds how many of a site's active templates for
// one event are processed concurrently.
const defaultTemplateFanout = 5

// Store is the subset of repository behavior the materializer needs for
// persisting notification and analytics-event state.
type Store interface {
	CreateNotification(ctx context.Context, n *Record) error
	UpdateStatus(ctx context.Context, id, status string) error
	UpdateFailure(ctx context.Context, id, errorCode, errorMessage string) error
	RecordEvent(ctx context.Context, notificationID, correlationID, eventType string, detail map[string]any) error
	// SentInWindow counts notifications successfully queued for siteID/userID
	// within the trailing window, the frequency cap's rolling-window counter.
	SentInWindow(ctx context.Context, siteID, userID string, window time.Duration) (int, error)
}

// Queue is the subset of queue.Queue the materializer needs.
type Queue interface {
	Enqueue(ctx context.Context, item *queue.Item) error
}

// Materializer runs the enrich pipeline: find templates, evaluate delivery
// rules, select an A/B variant, render, persist, and enqueue for delivery.
type Materializer struct {
	logger         zerolog.Logger
	userClient     *Client
	templateClient *Client
	siteClient     *Client
	userServiceURL string
	templateURL    string
	siteURL        string
	targeting      *TargetingEngine
	renderCache    *render.Cache
	store          Store
	queue          Queue

	frequencyWindow time.Duration
	fanout          int64
}

// Config bundles the collaborators a Materializer needs.
type Config struct {
	UserServiceURL     string
	TemplateServiceURL string
	SiteServiceURL     string
	// ServiceJWTSecret, when set, is used to sign a short-lived bearer token
	// attached to every outbound call to the user-preference, template, and
	// site-settings services.
	ServiceJWTSecret string
	Targeting        *TargetingEngine
	RenderCache      *render.Cache
	Store            Store
	Queue            Queue
	// FrequencyWindow overrides the default rolling window for the
	// frequency-cap check; zero uses defaultFrequencyWindow.
	FrequencyWindow time.Duration
	// TemplateFanout bounds concurrent per-template processing for a single
	// event; zero uses defaultTemplateFanout.
	TemplateFanout int
}

// New builds a Materializer.
func New(cfg Config, logger zerolog.Logger) *Materializer {
	window := cfg.FrequencyWindow
	if window <= 0 {
		window = defaultFrequencyWindow
	}
	fanout := cfg.TemplateFanout
	if fanout <= 0 {
		fanout = defaultTemplateFanout
	}

	return &Materializer{
		logger:          logger,
		userClient:      NewClient("user-preference", cfg.ServiceJWTSecret, logger),
		templateClient:  NewClient("template-service", cfg.ServiceJWTSecret, logger),
		siteClient:      NewClient("site-settings", cfg.ServiceJWTSecret, logger),
		userServiceURL:  cfg.UserServiceURL,
		templateURL:     cfg.TemplateServiceURL,
		siteURL:         cfg.SiteServiceURL,
		targeting:       cfg.Targeting,
		renderCache:     cfg.RenderCache,
		store:           cfg.Store,
		queue:           cfg.Queue,
		frequencyWindow: window,
		fanout:          int64(fanout),
	}
}

// Handle runs the full pipeline for one canonical event: find every active
// template matching (siteId, eventType), then process each in
// parallel-bounded fashion. Templates fire independently — one template's
// failure is logged and does not prevent the others from delivering.
func (m *Materializer) Handle(ctx context.Context, ec EventContext) error {
	templates, err := m.fetchTemplates(ctx, ec.SiteID, ec.EventType)
	if err != nil {
		return fmt.Errorf("find templates for site %s event %s: %w", ec.SiteID, ec.EventType, err)
	}
	if len(templates) == 0 {
		return nil
	}

	prefs, settings := m.fetchRecipientContext(ctx, ec)

	sem := semaphore.NewWeighted(m.fanout)
	var wg sync.WaitGroup
	for _, tpl := range templates {
		if err := sem.Acquire(ctx, 1); err != nil {
			m.logger.Warn().Err(err).Msg("template fan-out interrupted by context cancellation")
			break
		}
		wg.Add(1)
		go func(tpl Template) {
			defer sem.Release(1)
			defer wg.Done()
			if err := m.processTemplate(ctx, ec, tpl, prefs, settings); err != nil {
				m.logger.Error().Err(err).Str("templateId", tpl.ID).Str("eventType", ec.EventType).
					Msg("template materialization failed")
			}
		}(tpl)
	}
	wg.Wait()
	return nil
}

func (m *Materializer) fetchTemplates(ctx context.Context, siteID, eventType string) ([]Template, error) {
	url := fmt.Sprintf("%s/templates?siteId=%s&eventType=%s", m.templateURL, siteID, eventType)
	var templates []Template
	if err := m.templateClient.GetJSON(ctx, url, &templates); err != nil {
		return nil, fmt.Errorf("fetch templates: %w", err)
	}

	active := make([]Template, 0, len(templates))
	for _, t := range templates {
		if t.IsActive {
			active = append(active, t)
		}
	}
	return active, nil
}

// fetchRecipientContext fetches user preferences and site settings in
// parallel, best-effort: a failed leg logs a warning and falls back to its
// zero value (opted into everything, business hours disabled) rather than
// blocking the whole event on an unrelated service outage.
func (m *Materializer) fetchRecipientContext(ctx context.Context, ec EventContext) (UserPreference, SiteSettings) {
	var prefs UserPreference
	var settings SiteSettings

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if ec.UserID == "" {
			return
		}
		url := fmt.Sprintf("%s/users/preference/%s", m.userServiceURL, ec.UserID)
		if err := m.userClient.GetJSON(ctx, url, &prefs); err != nil {
			m.logger.Warn().Err(err).Str("userId", ec.UserID).Msg("failed to fetch user preferences, defaulting to opted-in")
		}
	}()
	go func() {
		defer wg.Done()
		url := fmt.Sprintf("%s/sites/%s/settings", m.siteURL, ec.SiteID)
		if err := m.siteClient.GetJSON(ctx, url, &settings); err != nil {
			m.logger.Warn().Err(err).Str("siteId", ec.SiteID).Msg("failed to fetch site settings, business-hours policy disabled")
		}
	}()
	wg.Wait()

	return prefs, settings
}

func (m *Materializer) fetchABTest(ctx context.Context, abTestID string) (*ABTest, error) {
	url := fmt.Sprintf("%s/ab-tests/%s", m.templateURL, abTestID)
	var test ABTest
	if err := m.templateClient.GetJSON(ctx, url, &test); err != nil {
		return nil, fmt.Errorf("fetch A/B test %s: %w", abTestID, err)
	}
	return &test, nil
}

// processTemplate runs one template through EvaluateDeliveryRules, A/B
// selection, rendering, and enqueue. Failures at any stage are persisted as
// a failed notification with a stage-tagged error event and do not
// propagate as a hard error to the caller, mirroring the bus consumer's
// "never block the pipeline on one bad message" contract; callers that need
// a signal for metrics inspect the returned error.
func (m *Materializer) processTemplate(ctx context.Context, ec EventContext, tpl Template, prefs UserPreference, settings SiteSettings) error {
	notificationID := uuid.NewString()
	record := &Record{
		ID:            notificationID,
		SiteID:        ec.SiteID,
		UserID:        ec.UserID,
		TemplateID:    tpl.ID,
		EventType:     ec.EventType,
		CorrelationID: ec.CorrelationID,
		Channel:       strings.Join(tpl.Channels, ","),
		Priority:      PriorityNormal.String(),
		Status:        StatusPending,
		Variables:     ec.EventData,
		CreatedAt:     time.Now().UTC(),
	}

	if err := m.store.CreateNotification(ctx, record); err != nil {
		return fmt.Errorf("create notification record: %w", err)
	}
	m.recordEvent(ctx, record, "created", nil)

	allowed, reason, err := m.evaluateDeliveryRules(ctx, ec, tpl, prefs, settings)
	if err != nil {
		return m.fail(ctx, record, "TARGETING_ERROR", err)
	}
	if !allowed {
		_ = m.store.UpdateStatus(ctx, notificationID, StatusFiltered)
		m.recordEvent(ctx, record, "filtered", map[string]any{"reason": reason})
		return nil
	}

	variant := tpl
	if tpl.ABTestID != "" {
		if test, err := m.fetchABTest(ctx, tpl.ABTestID); err != nil {
			m.logger.Warn().Err(err).Str("abTestId", tpl.ABTestID).Msg("failed to fetch A/B test, falling back to control template")
		} else {
			variant = SelectVariant(tpl, test, ec.UserID, ec.SessionID)
		}
	}

	rendered, err := m.render(variant, ec.EventData)
	if err != nil {
		return m.fail(ctx, record, "RENDER_ERROR", err)
	}
	m.recordEvent(ctx, record, "enriched", map[string]any{"templateId": variant.ID})

	for _, channel := range tpl.Channels {
		enriched := EnrichedNotification{
			NotificationID:  notificationID,
			CorrelationID:   ec.CorrelationID,
			SiteID:          ec.SiteID,
			UserID:          ec.UserID,
			TemplateID:      variant.ID,
			EventType:       ec.EventType,
			Channel:         channel,
			Priority:        record.Priority,
			UserPreferences: prefs,
			Subject:         rendered.subject,
			HTML:            rendered.html,
			CSS:             variant.CSS,
			Text:            rendered.text,
			Variables:       ec.EventData,
			CreatedAt:       time.Now().UTC(),
		}
		if err := m.publish(ctx, enriched); err != nil {
			return m.fail(ctx, record, "QUEUE_ERROR", err)
		}
	}

	_ = m.store.UpdateStatus(ctx, notificationID, StatusQueued)
	m.recordEvent(ctx, record, "queued", nil)
	return nil
}

// evaluateDeliveryRules runs the sequential, short-circuiting rule chain:
// targeting against eventData, frequency cap, user preferences (when a
// recipient is known), then the site's business-hours policy. The first
// rule to reject wins; reason identifies which one.
func (m *Materializer) evaluateDeliveryRules(ctx context.Context, ec EventContext, tpl Template, prefs UserPreference, settings SiteSettings) (allowed bool, reason string, err error) {
	if m.targeting != nil {
		ok, err := m.targeting.Allow(ctx, tpl.ID, tpl.Targeting, Input{
			SiteID:      ec.SiteID,
			UserID:      ec.UserID,
			EventData:   ec.EventData,
			Preferences: prefs,
		})
		if err != nil {
			return false, "", err
		}
		if !ok {
			return false, "targeting_denied", nil
		}
	}

	if ec.UserID != "" {
		count, err := m.store.SentInWindow(ctx, ec.SiteID, ec.UserID, m.frequencyWindow)
		if err != nil {
			m.logger.Warn().Err(err).Msg("failed to read frequency-cap window count, defaulting to 0")
			count = 0
		}
		limit := prefs.DailyLimit
		if limit <= 0 {
			limit = defaultDailyLimit
		}
		if count >= limit {
			return false, "frequency_cap_exceeded", nil
		}

		for _, channel := range tpl.Channels {
			if !prefs.OptedIn(channel) {
				return false, "channel_opt_out", nil
			}
		}
	}

	if settings.BusinessHours.Enabled && !withinBusinessHours(settings.BusinessHours, time.Now()) {
		return false, "outside_business_hours", nil
	}

	return true, "", nil
}

func withinBusinessHours(bh BusinessHours, now time.Time) bool {
	loc, err := time.LoadLocation(bh.Timezone)
	if err != nil {
		loc = time.UTC
	}
	hour := now.In(loc).Hour()
	return hour >= bh.StartHour && hour < bh.EndHour
}

type renderedContent struct {
	subject string
	html    string
	text    string
}

func (m *Materializer) render(tpl Template, vars map[string]any) (renderedContent, error) {
	subject, err := m.renderCache.Render(tpl.ID+":subject", tpl.Subject, vars)
	if err != nil {
		return renderedContent{}, fmt.Errorf("render subject: %w", err)
	}
	html, err := m.renderCache.Render(tpl.ID+":html", tpl.HTML, vars)
	if err != nil {
		return renderedContent{}, fmt.Errorf("render html: %w", err)
	}

	text := tpl.TextFallback
	if text != "" {
		text, err = m.renderCache.Render(tpl.ID+":text", text, vars)
		if err != nil {
			return renderedContent{}, fmt.Errorf("render text: %w", err)
		}
	} else {
		text = render.StripTags(html)
	}

	return renderedContent{subject: subject, html: html, text: text}, nil
}

// publish enqueues one queue item per (notification, channel) pair. The
// item id combines notification id and channel so the priority queue's "at
// most one live copy per (channel, id)" invariant holds across a
// multi-channel fan-out of the same notification.
func (m *Materializer) publish(ctx context.Context, n EnrichedNotification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal enriched notification: %w", err)
	}

	return m.queue.Enqueue(ctx, &queue.Item{
		ID:            n.NotificationID + ":" + n.Channel,
		SiteID:        n.SiteID,
		Channel:       n.Channel,
		Priority:      queue.Priority(priorityFromString(n.Priority)),
		Payload:       payload,
		ScheduledTime: time.Now().UTC(),
	})
}

func (m *Materializer) fail(ctx context.Context, record *Record, code string, cause error) error {
	m.logger.Error().Err(cause).Str("notificationId", record.ID).Str("stage", code).Msg("materialization failed")
	_ = m.store.UpdateFailure(ctx, record.ID, code, cause.Error())
	m.recordEvent(ctx, record, "failed", map[string]any{"error": cause.Error(), "code": code})
	return cause
}

func (m *Materializer) recordEvent(ctx context.Context, record *Record, eventType string, detail map[string]any) {
	if err := m.store.RecordEvent(ctx, record.ID, record.CorrelationID, eventType, detail); err != nil {
		m.logger.Warn().Err(err).Str("notificationId", record.ID).Str("eventType", eventType).Msg("failed to record analytics event")
	}
}

func priorityFromString(s string) int {
	switch s {
	case "low":
		return int(PriorityLow)
	case "high":
		return int(PriorityHigh)
	case "urgent":
		return int(PriorityUrgent)
	default:
		return int(PriorityNormal)
	}
}
