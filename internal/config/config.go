package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/noah-isme/quote-composer/internal/margin"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string
	MigrateOnStart     bool

	DefaultMarginEnabled      bool
	DefaultMarginMethod       string
	DefaultMarginValue        float64
	DefaultMinMargin          float64
	DefaultRoundingRule       string
	MarginDivergenceTolerance float64

	RuleCacheTTL     time.Duration
	LockTTL          time.Duration
	LockMaxWait      time.Duration
	LockRetryBackoff time.Duration
	IdempotencyTTL   time.Duration

	RateLimitMax    int64
	RateLimitWindow time.Duration

	MaxBodyBytes           int64
	SecurityHeadersEnabled bool
	HSTSEnabled            bool

	TaskQueue       string
	TaskConcurrency int
	TaskMaxRetry    int
	TaskUniqueTTL   time.Duration

	HealthDBTimeout    time.Duration
	HealthRedisTimeout time.Duration
	WorkerMetricsAddr  string

	Obs Obs
}

// Obs groups logging, metrics and tracing settings.
type Obs struct {
	LogFormat        string
	LogLevel         string
	MetricsEnabled   bool
	MetricsNamespace string
	MetricsBuckets   string
	TracingEnabled   bool
	TracingExporter  string
	OTLPEndpoint     string
	SamplingRatio    float64
	PprofEnabled     bool
	PprofUser        string
	PprofPass        string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		MigrateOnStart:     parseBool(k.String("MIGRATE_ON_START"), true),

		DefaultMarginEnabled:      parseBool(k.String("DEFAULT_MARGIN_ENABLED"), false),
		DefaultMarginMethod:       strings.ToLower(valueOrDefault(k.String("DEFAULT_MARGIN_METHOD"), string(margin.MethodNone))),
		DefaultMarginValue:        parseFloat(k.String("DEFAULT_MARGIN_VALUE"), 0),
		DefaultMinMargin:          parseFloat(k.String("DEFAULT_MIN_MARGIN"), 0),
		DefaultRoundingRule:       strings.TrimSpace(k.String("DEFAULT_ROUNDING_RULE")),
		MarginDivergenceTolerance: parseFloat(k.String("MARGIN_DIVERGENCE_TOLERANCE"), 0.01),

		RuleCacheTTL:     parseDuration(k.String("RULE_CACHE_TTL"), "5m"),
		LockTTL:          parseDuration(k.String("LOCK_TTL"), "10s"),
		LockMaxWait:      parseDuration(k.String("LOCK_MAX_WAIT"), "3s"),
		LockRetryBackoff: parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),
		IdempotencyTTL:   parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),

		RateLimitMax:    int64(parseInt(k.String("RATE_LIMIT_MAX"), 120)),
		RateLimitWindow: parseDuration(k.String("RATE_LIMIT_WINDOW"), "1m"),

		MaxBodyBytes:           int64(parseInt(k.String("MAX_BODY_BYTES"), 1<<20)),
		SecurityHeadersEnabled: parseBool(k.String("SECURITY_HEADERS_ENABLED"), true),
		HSTSEnabled:            parseBool(k.String("SECURITY_HSTS_ENABLED"), false),

		TaskQueue:       valueOrDefault(k.String("TASK_QUEUE"), "quotes"),
		TaskConcurrency: parseInt(k.String("TASK_CONCURRENCY"), 10),
		TaskMaxRetry:    parseInt(k.String("TASK_MAX_RETRY"), 5),
		TaskUniqueTTL:   parseDuration(k.String("TASK_UNIQUE_TTL"), "30s"),

		HealthDBTimeout:    parseDuration(k.String("HEALTH_READY_DB_TIMEOUT"), "500ms"),
		HealthRedisTimeout: parseDuration(k.String("HEALTH_READY_REDIS_TIMEOUT"), "300ms"),
		WorkerMetricsAddr:  strings.TrimSpace(k.String("WORKER_METRICS_ADDR")),

		Obs: Obs{
			LogFormat:        valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
			LogLevel:         valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
			MetricsEnabled:   parseBool(k.String("OBS_ENABLE_PROMETHEUS"), true),
			MetricsNamespace: valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "quote"),
			MetricsBuckets:   k.String("OBS_METRICS_BUCKETS_MS"),
			TracingEnabled:   parseBool(k.String("OBS_ENABLE_TRACING"), false),
			TracingExporter:  valueOrDefault(k.String("OBS_TRACING_EXPORTER"), "otlp"),
			OTLPEndpoint:     strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
			SamplingRatio:    parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1),
			PprofEnabled:     parseBool(k.String("OBS_ENABLE_PPROF"), false),
			PprofUser:        strings.TrimSpace(k.String("SECURE_PPROF_BASIC_AUTH_USER")),
			PprofPass:        strings.TrimSpace(k.String("SECURE_PPROF_BASIC_AUTH_PASS")),
		},
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if err := cfg.DefaultPolicy().Validate(); err != nil {
		return nil, fmt.Errorf("default margin policy: %w", err)
	}
	if cfg.MarginDivergenceTolerance < 0 {
		return nil, errors.New("MARGIN_DIVERGENCE_TOLERANCE must not be negative")
	}

	return cfg, nil
}

// DefaultPolicy is the margin policy given to options that neither carry their
// own policy nor match a margin rule.
func (c *Config) DefaultPolicy() margin.Policy {
	return margin.Policy{
		Enabled:      c.DefaultMarginEnabled,
		Method:       margin.Method(c.DefaultMarginMethod),
		Value:        c.DefaultMarginValue,
		MinMargin:    c.DefaultMinMargin,
		RoundingRule: c.DefaultRoundingRule,
	}
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "t", "true", "yes", "on":
		return true
	case "0", "f", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseFloat(value string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseInt(value string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
