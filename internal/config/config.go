// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, storage, presence, event delivery, rate limiting, and
// observability settings.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "support-chat")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DBConfig selects the storage engine.
type DBConfig struct {
	Driver string // DB_DRIVER: sqlite|postgres
	Path   string // DB_PATH, SQLite file
	DSN    string // DB_DSN, PostgreSQL connection string
}

// PresenceConfig controls typing indicators.
type PresenceConfig struct {
	Backend       string        // PRESENCE_BACKEND: memory|redis
	TypingTimeout time.Duration // TYPING_TIMEOUT
	SweepInterval time.Duration // PRESENCE_SWEEP_INTERVAL, 0 disables
}

// RedisConfig is used when the presence backend is redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// KafkaConfig enables forwarding of room events to Kafka.
type KafkaConfig struct {
	Enabled  bool
	Brokers  []string
	Topic    string
	ClientID string
	Username string
	Password string
}

// DispatchConfig tunes the in-process event dispatcher.
type DispatchConfig struct {
	Retries        int
	RetryBackoff   time.Duration
	HandlerTimeout time.Duration
	MaxPending     int
	DrainTimeout   time.Duration
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// Storage
	DB DBConfig

	// Chat core
	QueryTimeout    time.Duration // deadline for list queries without one
	MaxContentRunes int           // message length cap

	// Presence
	Presence PresenceConfig
	Redis    RedisConfig

	// Events
	Dispatch DispatchConfig
	Kafka    KafkaConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Storage
		DB: DBConfig{
			Driver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			Path:   getenv("DB_PATH", "support.db"),
			DSN:    getenv("DB_DSN", ""),
		},

		// Chat core
		QueryTimeout:    getdur("QUERY_TIMEOUT", 5*time.Second),
		MaxContentRunes: getint("MAX_CONTENT_RUNES", 4000),

		// Presence
		Presence: PresenceConfig{
			Backend:       strings.ToLower(getenv("PRESENCE_BACKEND", "memory")),
			TypingTimeout: getdur("TYPING_TIMEOUT", 3*time.Second),
			SweepInterval: getdur("PRESENCE_SWEEP_INTERVAL", 30*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getint("REDIS_DB", 0),
			PoolSize: getint("REDIS_POOL_SIZE", 10),
		},

		// Events
		Dispatch: DispatchConfig{
			Retries:        getint("DISPATCH_RETRIES", 3),
			RetryBackoff:   getdur("DISPATCH_RETRY_BACKOFF", 100*time.Millisecond),
			HandlerTimeout: getdur("DISPATCH_HANDLER_TIMEOUT", 10*time.Second),
			MaxPending:     getint("DISPATCH_MAX_PENDING", 10000),
			DrainTimeout:   getdur("DISPATCH_DRAIN_TIMEOUT", 5*time.Second),
		},
		Kafka: KafkaConfig{
			Enabled:  getbool("KAFKA_ENABLED", false),
			Brokers:  splitCSV(getenv("KAFKA_BROKERS", "localhost:9092")),
			Topic:    getenv("KAFKA_TOPIC", "support-chat.events"),
			ClientID: getenv("KAFKA_CLIENT_ID", "support-chat"),
			Username: getenv("KAFKA_USERNAME", ""),
			Password: getenv("KAFKA_PASSWORD", ""),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "support-chat"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DB.Driver == "postgresql" {
		cfg.DB.Driver = "postgres"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DB.DSN) == "" {
			return cfg, errors.New("DB_DSN is required for postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be sqlite or postgres")
	}
	if cfg.QueryTimeout < 0 {
		return cfg, errors.New("QUERY_TIMEOUT must be >= 0")
	}
	if cfg.MaxContentRunes < 1 {
		return cfg, errors.New("MAX_CONTENT_RUNES must be >= 1")
	}
	switch cfg.Presence.Backend {
	case "memory":
	case "redis":
		if strings.TrimSpace(cfg.Redis.Addr) == "" {
			return cfg, errors.New("REDIS_ADDR is required for the redis presence backend")
		}
	default:
		return cfg, errors.New("PRESENCE_BACKEND must be memory or redis")
	}
	if cfg.Presence.TypingTimeout <= 0 {
		return cfg, errors.New("TYPING_TIMEOUT must be > 0")
	}
	if cfg.Presence.SweepInterval < 0 {
		return cfg, errors.New("PRESENCE_SWEEP_INTERVAL must be >= 0")
	}
	if cfg.Dispatch.Retries < 0 || cfg.Dispatch.MaxPending < 0 {
		return cfg, errors.New("DISPATCH_RETRIES and DISPATCH_MAX_PENDING must be >= 0")
	}
	if cfg.Dispatch.RetryBackoff <= 0 || cfg.Dispatch.DrainTimeout <= 0 {
		return cfg, errors.New("DISPATCH_RETRY_BACKOFF and DISPATCH_DRAIN_TIMEOUT must be > 0")
	}
	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			return cfg, errors.New("KAFKA_BROKERS must not be empty when KAFKA_ENABLED")
		}
		if strings.TrimSpace(cfg.Kafka.Topic) == "" {
			return cfg, errors.New("KAFKA_TOPIC must not be empty when KAFKA_ENABLED")
		}
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
