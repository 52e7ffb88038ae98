// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the
// HTTP server, logging, persistence, the debounce scheduler, the classifier
// cascade, the language-model client, reply delivery, and observability.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings for the review
// dashboard.
type CORSConfig struct {
	AllowedOrigins []string
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "coach-intake")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DebounceConfig controls how bursts of inbound messages are coalesced.
type DebounceConfig struct {
	MinWait      time.Duration // floor of the adaptive delay
	MaxWait      time.Duration // cap on total postponement since the first buffered message
	Workers      int           // global flush concurrency
	FlushTimeout time.Duration // per-flush deadline
}

// ClassifierConfig carries per-detector thresholds (0..100).
type ClassifierConfig struct {
	AdIntentThreshold  int
	NutritionThreshold int
	FormCheckThreshold int
}

// LLMConfig configures the OpenAI-compatible text generation client.
type LLMConfig struct {
	APIKey        string
	BaseURL       string
	Model         string        // primary tier
	FallbackModel string        // cheaper tier used on timeout/error
	Timeout       time.Duration // hard timeout per attempt
}

// modelCallsPerFlush is the most model calls one flush makes: the ad-intent
// judgment and the reply itself.
const modelCallsPerFlush = 2

// FlushBudget is the longest a single flush can spend waiting on the model,
// with every call timing out on each tier.
func (c LLMConfig) FlushBudget() time.Duration {
	tiers := 1
	if c.FallbackModel != "" && c.FallbackModel != c.Model {
		tiers = 2
	}
	return time.Duration(modelCallsPerFlush*tiers) * c.Timeout
}

// DeliveryConfig configures reply review and delivery.
type DeliveryConfig struct {
	AutoSendScenarios []string      // scenario tags promoted straight to auto_scheduled
	AutoSendDelay     time.Duration // delay between promotion and send
	PollInterval      time.Duration // auto-sender polling period
	AMQPURL           string        // empty disables the AMQP reply channel
	AMQPExchange      string
	AMQPRoutingKey    string
	BookingURL        string // onboarding call link offered at funnel step4
}

// SecurityConfig controls response hardening headers.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// WebhookConfig guards the inbound message endpoint.
type WebhookConfig struct {
	Token        string // shared secret expected in X-Webhook-Token; empty disables the check
	MaxTextRunes int
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	GinMode           string // debug|release|test

	// Logging / Docs
	LogLevel       string
	LogPretty      bool
	SwaggerEnabled bool
	APIBasePath    string

	// App
	DBPath  string // SQLite path
	FAQPath string // optional coaching FAQ markdown for general chat grounding

	// Rate limiting (webhook)
	RateRPS   float64
	RateBurst int

	CORS     CORSConfig
	Security SecurityConfig
	Webhook  WebhookConfig

	// Idempotency
	IdempotencyTTL time.Duration

	Debounce   DebounceConfig
	Classifier ClassifierConfig
	LLM        LLMConfig
	Delivery   DeliveryConfig

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
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		DBPath:  getenv("DB_PATH", "intake.db"),
		FAQPath: getenv("FAQ_PATH", ""),

		RateRPS:   getfloat("RATE_RPS", 20.0),
		RateBurst: getint("RATE_BURST", 40),

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("SECURITY_ENABLE_HSTS", false),
			HSTSMaxAge: getdur("SECURITY_HSTS_MAX_AGE", 180*24*time.Hour),
		},
		Webhook: WebhookConfig{
			Token:        getenv("WEBHOOK_TOKEN", ""),
			MaxTextRunes: getint("WEBHOOK_MAX_TEXT_RUNES", 4000),
		},

		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		Debounce: DebounceConfig{
			MinWait:      getdur("DEBOUNCE_MIN_WAIT", 15*time.Second),
			MaxWait:      getdur("DEBOUNCE_MAX_WAIT", 2*time.Minute),
			Workers:      getint("FLUSH_WORKERS", 8),
			FlushTimeout: getdur("FLUSH_TIMEOUT", 90*time.Second),
		},
		Classifier: ClassifierConfig{
			AdIntentThreshold:  getint("AD_INTENT_THRESHOLD", 50),
			NutritionThreshold: getint("NUTRITION_THRESHOLD", 60),
			FormCheckThreshold: getint("FORM_CHECK_THRESHOLD", 60),
		},
		LLM: LLMConfig{
			APIKey:        getenv("LLM_API_KEY", ""),
			BaseURL:       getenv("LLM_BASE_URL", ""),
			Model:         getenv("LLM_MODEL", "gpt-4o"),
			FallbackModel: getenv("LLM_FALLBACK_MODEL", "gpt-4o-mini"),
			Timeout:       getdur("LLM_TIMEOUT", 20*time.Second),
		},
		Delivery: DeliveryConfig{
			AutoSendScenarios: splitCSV(getenv("AUTO_SEND_SCENARIOS", "")),
			AutoSendDelay:     getdur("AUTO_SEND_DELAY", 5*time.Minute),
			PollInterval:      getdur("AUTO_SEND_POLL_INTERVAL", 15*time.Second),
			AMQPURL:           getenv("AMQP_URL", ""),
			AMQPExchange:      getenv("AMQP_EXCHANGE", "coach.replies"),
			AMQPRoutingKey:    getenv("AMQP_ROUTING_KEY", "fields.update"),
			BookingURL:        getenv("BOOKING_URL", ""),
		},

		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "coach-intake"),
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
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.Debounce.MinWait <= 0 {
		return cfg, errors.New("DEBOUNCE_MIN_WAIT must be > 0")
	}
	if cfg.Debounce.MaxWait < cfg.Debounce.MinWait {
		return cfg, errors.New("DEBOUNCE_MAX_WAIT must be >= DEBOUNCE_MIN_WAIT")
	}
	if cfg.Debounce.Workers < 1 {
		return cfg, errors.New("FLUSH_WORKERS must be >= 1")
	}
	if cfg.Debounce.FlushTimeout <= 0 {
		return cfg, errors.New("FLUSH_TIMEOUT must be > 0")
	}
	for _, th := range []int{cfg.Classifier.AdIntentThreshold, cfg.Classifier.NutritionThreshold, cfg.Classifier.FormCheckThreshold} {
		if th < 0 || th > 100 {
			return cfg, errors.New("classifier thresholds must be in [0,100]")
		}
	}
	if cfg.LLM.Timeout <= 0 {
		return cfg, errors.New("LLM_TIMEOUT must be > 0")
	}
	if budget := cfg.LLM.FlushBudget(); cfg.Debounce.FlushTimeout <= budget {
		return cfg, fmt.Errorf("FLUSH_TIMEOUT must exceed the worst-case model time per flush (%s)", budget)
	}
	if cfg.Webhook.MaxTextRunes < 1 {
		return cfg, errors.New("WEBHOOK_MAX_TEXT_RUNES must be >= 1")
	}
	if cfg.Delivery.AutoSendDelay < 0 {
		return cfg, errors.New("AUTO_SEND_DELAY must be >= 0")
	}
	if cfg.Delivery.PollInterval <= 0 {
		return cfg, errors.New("AUTO_SEND_POLL_INTERVAL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// AutoSendEnabled reports whether replies for scenario skip human review.
func (c Config) AutoSendEnabled(scenario string) bool {
	for _, s := range c.Delivery.AutoSendScenarios {
		if strings.EqualFold(s, scenario) {
			return true
		}
	}
	return false
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
