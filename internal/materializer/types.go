package materializer

import "time"

// UserPreference describes a recipient's delivery preferences as returned
// by the user-preference service. OptIns is keyed by channel name ("email",
// "push", "sms", ...) so a new channel needs no schema change here.
type UserPreference struct {
	UserID     string          `json:"user_id"`
	OptIns     map[string]bool `json:"opt_ins"`
	DailyLimit int             `json:"daily_limit"`
	Language   string          `json:"language"`
}

// OptedIn reports whether the preference record opts the recipient into
// channel. Absence of the recipient record (nil map) is treated as opted in,
// since most channels have no explicit preference surface.
func (p UserPreference) OptedIn(channel string) bool {
	if p.OptIns == nil {
		return true
	}
	v, ok := p.OptIns[channel]
	if !ok {
		return true
	}
	return v
}

// BusinessHours is a site's configured delivery window. Hours are in
// [0,24) local to Timezone; Enabled false means the policy never filters.
type BusinessHours struct {
	Enabled   bool   `json:"enabled"`
	Timezone  string `json:"timezone"`
	StartHour int    `json:"start_hour"`
	EndHour   int    `json:"end_hour"`
}

// SiteSettings bundles the per-site policy inputs the materializer needs
// beyond a single template, as returned by the site-settings service.
type SiteSettings struct {
	SiteID        string        `json:"site_id"`
	BusinessHours BusinessHours `json:"business_hours"`
}

// Template describes a notification template: the content to render for a
// given site and event type, and the targeting policy deciding who
// qualifies. Ownership is site-scoped; multiple active templates may match
// the same (siteId, eventType) and all fire independently.
type Template struct {
	ID           string    `json:"id"`
	SiteID       string    `json:"siteId"`
	EventType    string    `json:"eventType"`
	Channels     []string  `json:"channels"`
	HTML         string    `json:"html"`
	CSS          string    `json:"css"`
	TextFallback string    `json:"textFallback"`
	Subject      string    `json:"subject"`
	Targeting    string    `json:"targeting"` // rego module source; empty uses the default policy
	ABTestID     string    `json:"abTestId"`
	IsActive     bool      `json:"isActive"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ABTest describes one active experiment against a control template: a
// recipient buckets into VariantTemplate when
// hash(userId||sessionId, testId) mod 100 < TrafficSplit.
type ABTest struct {
	ID              string   `json:"id"`
	TemplateID      string   `json:"templateId"`
	SiteID          string   `json:"siteId"`
	Active          bool     `json:"active"`
	TrafficSplit    int      `json:"trafficSplit"`
	VariantTemplate Template `json:"variantTemplate"`
}

// Priority uses the same numeric values as queue.Priority (Low=1 through
// Urgent=4), so the materializer converts one to the other by value when
// it builds queue items.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// EventContext is the materializer's unit of work, derived from a canonical
// event: the event's own fields plus its decoded payload, which doubles as
// both the render variables and the data targeting rules evaluate against.
type EventContext struct {
	SiteID        string
	UserID        string
	SessionID     string
	EventType     string
	EventData     map[string]any
	CorrelationID string
}

// Record is the persisted notification row. Status follows the fixed DAG
// pending -> (filtered | delivered | failed), with "queued" as an
// additional transient state between pending and delivered marking
// hand-off to the priority queue.
type Record struct {
	ID            string
	SiteID        string
	UserID        string
	TemplateID    string
	EventType     string
	CorrelationID string
	Channel       string
	Priority      string
	Status        string
	Variables     map[string]any
	Metadata      map[string]any
	CreatedAt     time.Time
}

const (
	StatusPending   = "pending"
	StatusFiltered  = "filtered"
	StatusQueued    = "queued"
	StatusFailed    = "failed"
	StatusDelivered = "delivered"
)

// EnrichedNotification is the fully materialized unit handed to the
// priority queue for delivery, one per (template, channel) pair.
type EnrichedNotification struct {
	NotificationID  string         `json:"notification_id"`
	CorrelationID   string         `json:"correlation_id"`
	SiteID          string         `json:"site_id"`
	UserID          string         `json:"user_id"`
	TemplateID      string         `json:"template_id"`
	EventType       string         `json:"event_type"`
	Channel         string         `json:"channel"`
	Priority        string         `json:"priority"`
	UserPreferences UserPreference `json:"user_preferences"`
	Subject         string         `json:"subject"`
	HTML            string         `json:"html"`
	CSS             string         `json:"css"`
	Text            string         `json:"text"`
	Variables       map[string]any `json:"variables"`
	Metadata        map[string]any `json:"metadata"`
	CreatedAt       time.Time      `json:"created_at"`
}
