// Package config loads per-binary configuration from environment variables
// via koanf, validated with go-playground/validator.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	_ "github.com/joho/godotenv/autoload"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Database holds Postgres connection settings for the event-store catalog
// and notification analytics tables. Only binaries that touch Postgres
// (event-consumer) populate this section; it is not validator-required at
// the Config level since most binaries in this monorepo never read it.
type Database struct {
	Host            string `koanf:"host"`
	Port            int    `koanf:"port"`
	User            string `koanf:"user"`
	Password        string `koanf:"password"`
	Name            string `koanf:"name"`
	SSLMode         string `koanf:"ssl_mode"`
	MaxOpenConns    int    `koanf:"max_open_conns"`
	MaxIdleConns    int    `koanf:"max_idle_conns"`
	ConnMaxLifetime int    `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime int    `koanf:"conn_max_idle_time"`
}

// DSN builds a libpq-style connection string.
func (c *Database) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Redis holds connection settings shared by the priority queue, pub/sub
// fan-out bus, and idempotency cache.
type Redis struct {
	Address  string `koanf:"address" validate:"required"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// Bus holds RabbitMQ connection and topology settings. Populated by the
// binaries that touch the event bus (webhook-gateway, event-consumer).
type Bus struct {
	URL           string `koanf:"url"`
	ExchangeName  string `koanf:"exchange_name"`
	ExchangeType  string `koanf:"exchange_type"`
	QueueName     string `koanf:"queue_name"`
	RoutingKey    string `koanf:"routing_key"`
	PrefetchCount int    `koanf:"prefetch_count"`
}

// Server holds net/http.Server tuning shared by every HTTP-facing binary.
type Server struct {
	Port               string        `koanf:"port"`
	ReadTimeout        time.Duration `koanf:"read_timeout"`
	WriteTimeout       time.Duration `koanf:"write_timeout"`
	IdleTimeout        time.Duration `koanf:"idle_timeout"`
	CORSAllowedOrigins []string      `koanf:"cors_allowed_origins"`
}

// Store holds the directory the embedded event store's events.db file lives
// in. Populated only by event-consumer; replay-cli takes the same directory
// from its --store-path flag.
type Store struct {
	Path string `koanf:"path"`
}

// Auth holds per-provider webhook signing secrets, keyed by provider name
// (e.g. "shopify", "woocommerce", "stripe"), plus the JWT settings the
// real-time broker uses to authenticate connecting widgets and the
// service-to-service secret internal callers use to mint tokens on a
// user's behalf.
type Auth struct {
	WebhookSecrets   map[string]string `koanf:"webhook_secrets"`
	JWTSecret        string            `koanf:"jwt_secret"`
	JWTIssuer        string            `koanf:"jwt_issuer"`
	JWTAudience      string            `koanf:"jwt_audience"`
	ServiceJWTSecret string            `koanf:"service_jwt_secret"`
}

// Config is the union of every section a binary might need; each binary's
// main.go only reads the sections it uses.
type Config struct {
	Database Database `koanf:"database"`
	Redis    Redis    `koanf:"redis"`
	Bus      Bus      `koanf:"bus"`
	Server   Server   `koanf:"server"`
	Store    Store    `koanf:"store"`
	Auth     Auth     `koanf:"auth"`
}

// Load reads environment variables prefixed with prefix (e.g. "GATEWAY_",
// "WORKER_") into a Config and validates the fields every binary relies on
// (currently just Redis.Address). Binary-specific sections like Database
// or Bus are structurally present but not required at this layer since not
// every binary populates them; an empty or malformed value in one of those
// sections surfaces only when the binary dials that dependency.
func Load(prefix string) (*Config, error) {
	k := koanf.New(".")

	err := k.Load(env.Provider(prefix, ".", func(key string) string {
		return strings.ToLower(strings.TrimPrefix(key, prefix))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}
