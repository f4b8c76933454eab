// Command webhook-gateway is the HTTP ingress for third-party webhook
// deliveries (Shopify, WooCommerce, Stripe): verify signature, dedupe by
// delivery id, normalize into the canonical event envelope, and publish to
// the durable event bus.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/justinndidit/notify-pipeline/internal/bus"
	"github.com/justinndidit/notify-pipeline/internal/config"
	"github.com/justinndidit/notify-pipeline/internal/events"
	"github.com/justinndidit/notify-pipeline/internal/health"
	"github.com/justinndidit/notify-pipeline/internal/logging"
	"github.com/justinndidit/notify-pipeline/internal/metrics"
	"github.com/justinndidit/notify-pipeline/internal/webhook"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := logging.New("webhook-gateway", zerolog.InfoLevel)
	logger.Info().Msg("starting webhook gateway")

	cfg, err := config.Load("GATEWAY_")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	eventRegistry := events.NewRegistry()
	events.RegisterDefaults(eventRegistry)

	producer, err := bus.NewProducer(bus.Config{
		URL:          cfg.Bus.URL,
		ExchangeName: cfg.Bus.ExchangeName,
		ProducerID:   "webhook-gateway",
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to event bus")
	}
	producer.WithRegistry(eventRegistry)
	defer producer.Close()

	registry := webhook.NewRegistry(webhook.Shopify{}, webhook.WooCommerce{}, webhook.Stripe{ToleranceSeconds: 300})

	handler := webhook.NewHandler(registry, cfg.Auth.WebhookSecrets, rdb, producer, logger, resolveTenant)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodPost, http.MethodGet},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	}))
	handler.Routes(r)
	r.Get("/metrics", metrics.Handler().ServeHTTP)
	r.Get("/health", health.Simple("webhook-gateway"))
	r.Get("/health/detailed", health.Handler("webhook-gateway", []health.Component{
		{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		{Name: "bus", Check: func(context.Context) error { return producer.Healthy() }},
	}))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	go func() {
		logger.Info().Str("port", cfg.Server.Port).Msg("webhook gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("webhook gateway exited properly")
}

// resolveTenant derives the organization and site a normalized event
// belongs to from provider-specific metadata Normalize attached. This
// deployment is single-organization, so organizationId is always
// "default"; site is the storefront/account identifier the provider embeds
// in its payload — for Shopify, the shop domain a widget subscribes to
// notifications under (see internal/webhook/shopify.go), matching the
// "notifications:<siteId>" channel a real-time client listens on.
func resolveTenant(provider string, e *events.Event) (orgID, siteID string) {
	orgID = "default"
	switch provider {
	case "shopify":
		if domain, ok := e.Metadata["shopDomain"].(string); ok && domain != "" {
			siteID = domain
		}
	case "woocommerce":
		if id, ok := e.Metadata["wcWebhookId"].(string); ok && id != "" {
			siteID = id
		}
	case "stripe":
		if id, ok := e.Metadata["stripeEventId"].(string); ok && id != "" {
			siteID = id
		}
	}
	if siteID == "" {
		siteID = provider
	}
	return orgID, siteID
}

