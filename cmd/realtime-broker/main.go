// Command realtime-broker terminates SSE and WebSocket connections from
// dashboard widgets, bridging published notifications from the fan-out bus
// to every subscribed connection, and sweeps stale connections on a
// heartbeat tick.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/justinndidit/notify-pipeline/internal/broker"
	"github.com/justinndidit/notify-pipeline/internal/config"
	"github.com/justinndidit/notify-pipeline/internal/health"
	"github.com/justinndidit/notify-pipeline/internal/logging"
	"github.com/justinndidit/notify-pipeline/internal/metrics"
	"github.com/justinndidit/notify-pipeline/internal/pubsub"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := logging.New("realtime-broker", zerolog.InfoLevel)
	logger.Info().Msg("starting realtime broker")

	cfg, err := config.Load("BROKER_")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	bus := pubsub.New(rdb, logger)
	defer bus.Close()

	registry := broker.NewRegistry(logger)
	auth := broker.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, cfg.Auth.JWTAudience, 2, 5)
	handler := broker.NewHandler(registry, bus, auth, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	for _, channel := range bridgedChannels(os.Getenv("BROKER_CHANNELS")) {
		if err := handler.BridgeChannel(ctx, "notify:"+channel); err != nil {
			logger.Fatal().Err(err).Str("channel", channel).Msg("failed to bridge fan-out channel")
		}
	}
	if err := handler.BridgePattern(ctx, "notifications:*"); err != nil {
		logger.Fatal().Err(err).Msg("failed to bridge per-site notification channels")
	}

	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				auth.Sweep()
			}
		}
	}()

	go heartbeat(ctx, registry, logger)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	}))
	handler.Routes(r)
	r.Get("/metrics", metrics.Handler().ServeHTTP)
	r.Get("/health", health.Simple("realtime-broker"))
	r.Get("/health/detailed", health.Handler("realtime-broker", []health.Component{
		{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
	}))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info().Str("port", cfg.Server.Port).Msg("realtime broker listening")
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

	logger.Info().Msg("realtime broker exited properly")
}

// heartbeat periodically sweeps stale connections and reports live
// connection counts, on the registry's own configured heartbeat interval.
func heartbeat(ctx context.Context, registry *broker.Registry, logger zerolog.Logger) {
	ticker := time.NewTicker(registry.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			registry.SweepStale()
			metrics.BrokerConnectionsTotal.WithLabelValues("all").Set(float64(registry.Count()))
			logger.Debug().Int("connections", registry.Count()).Msg("heartbeat sweep complete")
		}
	}
}

func bridgedChannels(raw string) []string {
	if raw == "" {
		return []string{"email", "push", "in_app"}
	}
	parts := strings.Split(raw, ",")
	channels := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			channels = append(channels, p)
		}
	}
	return channels
}
