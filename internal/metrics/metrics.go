// Package metrics defines the pipeline's Prometheus instrumentation: queue
// depth/DLQ gauges, bus and broker counters, and enrichment latency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notify_queue_depth",
			Help: "Current number of items waiting in the priority queue by channel",
		},
		[]string{"channel"},
	)

	DLQDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notify_dlq_depth",
			Help: "Current number of dead-lettered items by channel",
		},
		[]string{"channel"},
	)

	EventsConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_events_consumed_total",
			Help: "Total number of bus events consumed by type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_events_published_total",
			Help: "Total number of events published to the bus by type",
		},
		[]string{"event_type"},
	)

	WebhooksReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_webhooks_received_total",
			Help: "Total number of inbound webhook deliveries by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	MaterializationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notify_materialization_duration_seconds",
			Help:    "Time taken to enrich and enqueue a notification",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	BrokerConnectionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notify_broker_connections",
			Help: "Current number of live real-time connections by transport",
		},
		[]string{"transport"},
	)

	BrokerDroppedMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_broker_dropped_messages_total",
			Help: "Total number of messages dropped due to a full connection send buffer",
		},
		[]string{"transport"},
	)

	RenderCacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_render_cache_hits_total",
			Help: "Total number of template render cache lookups by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)

	ReplayedEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notify_replayed_events_total",
			Help: "Total number of events republished by the replay tool",
		},
	)

	NotificationsDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_notifications_delivered_total",
			Help: "Total number of queued notifications successfully published to the fan-out bus by channel and priority",
		},
		[]string{"channel", "priority"},
	)

	NotificationsDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_notifications_dead_lettered_total",
			Help: "Total number of notifications moved to the dead-letter queue by channel",
		},
		[]string{"channel"},
	)
)

func init() {
	prometheus.MustRegister(
		QueueDepth,
		DLQDepth,
		EventsConsumedTotal,
		EventsPublishedTotal,
		WebhooksReceivedTotal,
		MaterializationDuration,
		BrokerConnectionsTotal,
		BrokerDroppedMessagesTotal,
		RenderCacheHitsTotal,
		ReplayedEventsTotal,
		NotificationsDeliveredTotal,
		NotificationsDeadLetteredTotal,
	)
}

// Handler returns the Prometheus scrape handler, mounted at /metrics by
// every binary that carries this package.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an in-flight operation for later histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDurationVec records the elapsed time against a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
