// Command event-consumer subscribes to the durable event bus, migrates each
// event to its latest schema version, appends it to the embedded event
// store, and drives the materializer pipeline to produce notifications.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/rs/zerolog"

	"github.com/justinndidit/notify-pipeline/internal/bus"
	"github.com/justinndidit/notify-pipeline/internal/config"
	"github.com/justinndidit/notify-pipeline/internal/events"
	"github.com/justinndidit/notify-pipeline/internal/health"
	"github.com/justinndidit/notify-pipeline/internal/logging"
	"github.com/justinndidit/notify-pipeline/internal/materializer"
	"github.com/justinndidit/notify-pipeline/internal/metrics"
	"github.com/justinndidit/notify-pipeline/internal/notifications"
	"github.com/justinndidit/notify-pipeline/internal/queue"
	"github.com/justinndidit/notify-pipeline/internal/render"
	"github.com/justinndidit/notify-pipeline/internal/store"

	"github.com/redis/go-redis/v9"
)

func main() {
	logger := logging.New("event-consumer", zerolog.InfoLevel)
	logger.Info().Msg("starting event consumer")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Load("CONSUMER_")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	if err := notifications.Migrate(cfg.Database.DSN()); err != nil {
		logger.Fatal().Err(err).Msg("failed to apply database migrations")
	}

	pool, err := notifications.OpenPool(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database pool")
	}
	defer pool.Close()
	repo := notifications.New(pool, logger)

	eventStore, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open event store")
	}
	defer eventStore.Close()

	registry := events.NewRegistry()
	events.RegisterDefaults(registry)

	renderCache, err := render.NewCache(512, 2048)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build render cache")
	}

	targeting, err := materializer.NewTargetingEngine(ctx, "")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to compile targeting policy")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	deliveryQueue := queue.New(rdb, "notify", logger)

	mat := materializer.New(materializer.Config{
		UserServiceURL:     os.Getenv("CONSUMER_USER_SERVICE_URL"),
		TemplateServiceURL: os.Getenv("CONSUMER_TEMPLATE_SERVICE_URL"),
		SiteServiceURL:     os.Getenv("CONSUMER_SITE_SERVICE_URL"),
		ServiceJWTSecret:   cfg.Auth.ServiceJWTSecret,
		Targeting:          targeting,
		RenderCache:        renderCache,
		Store:              repo,
		Queue:              deliveryQueue,
	}, logger)

	handler := newEventHandler(registry, eventStore, mat, logger)

	consumer, err := bus.NewConsumer(bus.Config{
		URL:           cfg.Bus.URL,
		ExchangeName:  cfg.Bus.ExchangeName,
		PrefetchCount: cfg.Bus.PrefetchCount,
	}, cfg.Bus.QueueName, cfg.Bus.RoutingKey, handler, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to event bus")
	}
	defer consumer.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", health.Simple("event-consumer"))
	mux.HandleFunc("/health/detailed", health.Handler("event-consumer", []health.Component{
		{Name: "bus", Check: func(context.Context) error { return consumer.Healthy() }},
		{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		{Name: "store", Check: func(context.Context) error { return eventStore.HealthCheck() }},
		{Name: "postgres", Check: func(ctx context.Context) error { return pool.Ping(ctx) }},
	}))
	healthSrv := &http.Server{Addr: ":" + cfg.Server.Port, Handler: mux}
	go func() {
		logger.Info().Str("port", cfg.Server.Port).Msg("event consumer health endpoint listening")
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health server stopped")
		}
	}()

	go func() {
		logger.Info().Str("queue", cfg.Bus.QueueName).Msg("event consumer running")
		if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Fatal().Err(err).Msg("consumer stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received, draining in-flight deliveries")
	_ = healthSrv.Close()
}

// newEventHandler returns a bus.Handler that migrates, persists, and
// materializes each consumed event against every active template matching
// its (siteId, eventType).
func newEventHandler(registry *events.Registry, eventStore *store.Store, mat *materializer.Materializer, logger zerolog.Logger) bus.Handler {
	return func(ctx context.Context, e *events.Event) error {
		timer := metrics.NewTimer()

		migrated, err := registry.MigrateToLatest(e)
		if err != nil {
			metrics.EventsConsumedTotal.WithLabelValues(e.Type, "migration_error").Inc()
			return fmt.Errorf("migrate event %s to latest schema: %w", e.ID, err)
		}

		if errs, err := registry.ValidationErrors(migrated); err != nil {
			metrics.EventsConsumedTotal.WithLabelValues(e.Type, "unknown_type").Inc()
			return fmt.Errorf("validate event %s: %w", e.ID, err)
		} else if len(errs) > 0 {
			metrics.EventsConsumedTotal.WithLabelValues(e.Type, "invalid").Inc()
			return fmt.Errorf("event %s failed validation: %v", e.ID, errs)
		}

		if err := eventStore.Append(migrated); err != nil {
			metrics.EventsConsumedTotal.WithLabelValues(e.Type, "store_error").Inc()
			return fmt.Errorf("append event %s to store: %w", e.ID, err)
		}

		ec := materializer.EventContext{
			SiteID:        migrated.SiteID,
			UserID:        migrated.UserID,
			SessionID:     migrated.SessionID,
			EventType:     migrated.Type,
			EventData:     payloadVariables(migrated),
			CorrelationID: migrated.CorrelationID,
		}

		outcome := "success"
		if err := mat.Handle(ctx, ec); err != nil {
			outcome = "error"
			logger.Error().Err(err).Str("eventId", migrated.ID).Msg("materialization failed")
		}
		timer.ObserveDurationVec(metrics.MaterializationDuration, outcome)
		metrics.EventsConsumedTotal.WithLabelValues(e.Type, outcome).Inc()

		return nil
	}
}

func payloadVariables(e *events.Event) map[string]any {
	var vars map[string]any
	if err := json.Unmarshal(e.Payload, &vars); err != nil {
		return map[string]any{}
	}
	return vars
}
