// Command notification-worker drains the priority queue and publishes each
// enriched notification onto the real-time fan-out bus for delivery to
// connected widgets. Delivery failures are retried with backoff and
// eventually dead-lettered.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/justinndidit/notify-pipeline/internal/config"
	"github.com/justinndidit/notify-pipeline/internal/health"
	"github.com/justinndidit/notify-pipeline/internal/logging"
	"github.com/justinndidit/notify-pipeline/internal/metrics"
	"github.com/justinndidit/notify-pipeline/internal/pubsub"
	"github.com/justinndidit/notify-pipeline/internal/queue"
)

// pollInterval bounds how long a worker sleeps after finding every polled
// channel empty before checking again.
const pollInterval = 250 * time.Millisecond

// dequeueBatch is how many ready items a single poll pulls off one channel.
const dequeueBatch = 10

// expirySweepInterval bounds how often a worker sweeps each channel for
// items that have aged out of their retry window.
const expirySweepInterval = 5 * time.Minute

func main() {
	logger := logging.New("notification-worker", zerolog.InfoLevel)
	logger.Info().Msg("starting notification worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Load("WORKER_")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	channels := splitChannels(os.Getenv("WORKER_CHANNELS"))

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	q := queue.New(rdb, "notify", logger)
	bus := pubsub.New(rdb, logger)
	defer bus.Close()

	go httpServer(cfg.Server.Port, rdb, logger)
	go expirySweeper(ctx, q, channels, logger)

	logger.Info().Strs("channels", channels).Msg("worker polling channels")
	runLoop(ctx, q, bus, channels, logger)

	logger.Info().Msg("notification worker exited properly")
}

func runLoop(ctx context.Context, q *queue.Queue, bus *pubsub.Bus, channels []string, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		drainedAny := false
		for _, channel := range channels {
			items, err := q.Dequeue(ctx, channel, dequeueBatch)
			if err != nil {
				logger.Error().Err(err).Str("channel", channel).Msg("dequeue failed")
				continue
			}
			if len(items) == 0 {
				continue
			}
			drainedAny = true

			for _, item := range items {
				deliver(ctx, q, bus, channel, item, logger)
			}

			depth, _ := q.Depth(ctx, channel)
			metrics.QueueDepth.WithLabelValues(channel).Set(float64(depth))
		}

		if !drainedAny {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
		}
	}
}

// deliver publishes a dequeued item to both its transport channel
// (consumed by that channel's own delivery path) and its tenant's
// real-time notification channel (consumed by the broker's SSE/WebSocket
// bridge). A publish failure on either is treated as a delivery failure and
// requeued with exponential backoff.
func deliver(ctx context.Context, q *queue.Queue, bus *pubsub.Bus, channel string, item *queue.Item, logger zerolog.Logger) {
	err := bus.Publish(ctx, "notify:"+channel, item)
	if err == nil && item.SiteID != "" {
		err = bus.Publish(ctx, "notifications:"+item.SiteID, item)
	}
	if err == nil {
		metrics.NotificationsDeliveredTotal.WithLabelValues(channel, strconv.Itoa(int(item.Priority))).Inc()
		return
	}

	logger.Error().Err(err).Str("notificationId", item.ID).Str("channel", channel).Msg("publish to fan-out bus failed, retrying")
	backoff := time.Duration(1<<uint(item.RetryCount+1)) * time.Second
	requeued, retryErr := q.Requeue(ctx, item, backoff)
	if retryErr != nil {
		logger.Error().Err(retryErr).Str("notificationId", item.ID).Msg("retry/dead-letter failed")
		return
	}
	if requeued == nil {
		metrics.NotificationsDeadLetteredTotal.WithLabelValues(channel).Inc()
	}
}

// expirySweeper periodically moves items that have aged out of their
// window to each channel's dead-letter queue, per §4.E's ProcessExpired.
func expirySweeper(ctx context.Context, q *queue.Queue, channels []string, logger zerolog.Logger) {
	ticker := time.NewTicker(expirySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, channel := range channels {
				moved, err := q.ProcessExpired(ctx, channel)
				if err != nil {
					logger.Error().Err(err).Str("channel", channel).Msg("expiry sweep failed")
					continue
				}
				if moved > 0 {
					logger.Info().Str("channel", channel).Int("moved", moved).Msg("expired items dead-lettered")
				}
			}
		}
	}
}

func splitChannels(raw string) []string {
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

func httpServer(port string, rdb redis.Cmdable, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", health.Simple("notification-worker"))
	mux.HandleFunc("/health/detailed", health.Handler("notification-worker", []health.Component{
		{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
	}))
	logger.Info().Str("port", port).Msg("notification worker http endpoint listening")
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		logger.Error().Err(err).Msg("http server stopped")
	}
}
