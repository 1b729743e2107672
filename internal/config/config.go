package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Realtime transports.
const (
	TransportPhoenix = "phoenix"
	TransportMemory  = "memory"
	TransportRedis   = "redis"
	TransportNATS    = "nats"
)

// Config holds all configuration for the application.
type Config struct {
	SupabaseURL            string
	SupabaseAnonKey        string
	SupabaseServiceRoleKey string

	RealtimeURL             string
	RealtimeTransport       string
	RealtimeHeartbeat       time.Duration
	RealtimeEventsPerSecond float64
	RealtimePrivate         bool

	RedisURL    string
	NATSURL     string
	BrokerCodec string

	ServerAddr    string
	SessionSecret string
	AllowedOrigin string
	SessionIdle   time.Duration
	CookieSecure  bool

	// TokenRefreshMargin is how long before expiry access tokens are
	// refreshed.
	TokenRefreshMargin time.Duration

	TracingEnabled     bool
	TracingServiceName string
	TracingZipkinURL   string
	TracingSampleRatio float64
}

// Load reads a .env file when present and then the environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, relying on environment variables")
	}
	return FromEnv()
}

// FromEnv builds the configuration from environment variables only.
func FromEnv() *Config {
	cfg := &Config{
		SupabaseURL:            os.Getenv("SUPABASE_URL"),
		SupabaseAnonKey:        os.Getenv("SUPABASE_ANON_KEY"),
		SupabaseServiceRoleKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),

		RealtimeURL:             os.Getenv("REALTIME_URL"),
		RealtimeTransport:       envOr("REALTIME_TRANSPORT", TransportPhoenix),
		RealtimeHeartbeat:       envDuration("REALTIME_HEARTBEAT", 25*time.Second),
		RealtimeEventsPerSecond: envFloat("REALTIME_EVENTS_PER_SECOND", 10),
		RealtimePrivate:         envBool("REALTIME_PRIVATE", false),

		RedisURL:    envOr("REDIS_URL", "redis://localhost:6379/0"),
		NATSURL:     envOr("NATS_URL", "nats://localhost:4222"),
		BrokerCodec: envOr("BROKER_CODEC", "json"),

		ServerAddr:    envOr("SERVER_ADDR", ":8080"),
		SessionSecret: os.Getenv("SESSION_SECRET"),
		AllowedOrigin: os.Getenv("ALLOWED_ORIGIN"),
		SessionIdle:   envDuration("SESSION_IDLE_TIMEOUT", 24*time.Hour),
		CookieSecure:  envBool("COOKIE_SECURE", false),

		TokenRefreshMargin: envDuration("TOKEN_REFRESH_MARGIN", time.Minute),

		TracingEnabled:     envBool("PUBSUB_TRACING_ENABLED", false),
		TracingServiceName: envOr("PUBSUB_TRACING_SERVICE_NAME", "boardboard"),
		TracingZipkinURL:   envOr("PUBSUB_TRACING_ZIPKIN_URL", "http://localhost:9411/api/v2/spans"),
		TracingSampleRatio: envFloat("PUBSUB_TRACING_SAMPLE_RATIO", 1),
	}
	if cfg.RealtimeURL == "" {
		cfg.RealtimeURL = cfg.SupabaseURL
	}
	cfg.RealtimeTransport = strings.ToLower(cfg.RealtimeTransport)
	return cfg
}

// Validate reports every missing or malformed setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.SupabaseURL == "" {
		errs = append(errs, errors.New("SUPABASE_URL is required"))
	} else if u, err := url.Parse(c.SupabaseURL); err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("SUPABASE_URL %q is not a valid url", c.SupabaseURL))
	}
	if c.SupabaseAnonKey == "" {
		errs = append(errs, errors.New("SUPABASE_ANON_KEY is required"))
	}
	if len(c.SessionSecret) < 32 {
		errs = append(errs, errors.New("SESSION_SECRET must be at least 32 characters"))
	}

	switch c.RealtimeTransport {
	case TransportPhoenix, TransportMemory:
	case TransportRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis transport"))
		}
	case TransportNATS:
		if c.NATSURL == "" {
			errs = append(errs, errors.New("NATS_URL is required for the nats transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("REALTIME_TRANSPORT %q is not one of phoenix, memory, redis, nats", c.RealtimeTransport))
	}

	switch c.BrokerCodec {
	case "json", "msgpack":
	default:
		errs = append(errs, fmt.Errorf("BROKER_CODEC %q is not one of json, msgpack", c.BrokerCodec))
	}
	if c.RealtimeEventsPerSecond <= 0 {
		errs = append(errs, errors.New("REALTIME_EVENTS_PER_SECOND must be positive"))
	}
	return errors.Join(errs...)
}

// ValidateClient checks only what the CLI needs to reach the realtime
// service.
func (c *Config) ValidateClient() error {
	var errs []error
	if c.RealtimeTransport == TransportPhoenix {
		if c.RealtimeURL == "" {
			errs = append(errs, errors.New("SUPABASE_URL or REALTIME_URL is required"))
		}
		if c.SupabaseAnonKey == "" {
			errs = append(errs, errors.New("SUPABASE_ANON_KEY is required"))
		}
	}
	return errors.Join(errs...)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("invalid number, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid bool, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}
