// Package config loads runtime configuration for the api and worker
// processes from the environment. Secrets fail closed: a process never
// starts with a missing database URL or crypto key.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend names accepted by TASKS_BACKEND.
const (
	TasksBackendInline     = "inline"
	TasksBackendHTTP       = "http"
	TasksBackendCloudTasks = "cloudtasks"
)

// LocalDevAudience is the sentinel OIDC audience that switches worker
// authentication to the shared-secret header for local development.
const LocalDevAudience = "local-dev"

// Config represents runtime configuration shared by both processes.
type Config struct {
	Env         string
	Port        string
	DatabaseURL string
	LogFile     string
	SelfBaseURL string

	ContactHashSecret []byte
	ContactRefsKey    []byte
	VaultKeyID        string
	ContactRefsTTL    time.Duration

	DefaultTZ *time.Location
	HoldTTL   time.Duration

	TemplatesFile string
	RedisURL      string

	Stripe    StripeConfig
	WhatsApp  WhatsAppConfig
	Tasks     TasksConfig
	StaffAuth StaffAuthConfig
	RateLimit RateLimitConfig
	Telemetry TelemetryConfig
}

// StripeConfig carries the payment provider credentials and endpoints.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	BaseURL       string
	SuccessURL    string
	CancelURL     string
}

// WhatsAppConfig carries messaging provider credentials. Per-property
// identifiers (Evolution instance, Meta phone number id) live on the
// property record; these are the process-wide credentials.
type WhatsAppConfig struct {
	MetaAppSecret    string
	MetaVerifyToken  string
	MetaAccessToken  string
	MetaGraphBaseURL string
	EvolutionBaseURL string
	EvolutionAPIKey  string
}

// TasksConfig controls the dispatcher backend and worker authentication.
type TasksConfig struct {
	Backend            string
	WorkerBaseURL      string
	OIDCAudience       string
	OIDCServiceAccount string
	OIDCIssuer         string
	JWKSURL            string
	JWKSCacheTTL       time.Duration
	InternalSecret     string
	CloudProject       string
	CloudLocation      string
	CloudQueue         string
}

// StaffAuthConfig controls verification of dashboard bearer tokens.
type StaffAuthConfig struct {
	Issuer    string
	Audience  []string
	HSSecret  string
	RoleClaim string
	Leeway    time.Duration
}

// RateLimitConfig bounds webhook ingress per property.
type RateLimitConfig struct {
	PerMinute int
	Burst     int
}

// TelemetryConfig mirrors the OTLP exporter knobs.
type TelemetryConfig struct {
	Endpoint string
	Insecure bool
	Metrics  bool
}

// LoadDotEnv loads a local .env file when present. Missing files are not
// an error; production supplies real environment variables.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// FromEnv loads configuration from environment variables required by the service.
func FromEnv() (*Config, error) {
	env := strings.ToLower(getEnvDefault("POUSADA_ENV", "development"))
	if env != "production" && env != "development" && env != "test" {
		return nil, fmt.Errorf("invalid POUSADA_ENV %q", env)
	}
	production := env == "production"

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	hashSecret, err := decodeKeyEnv("CONTACT_HASH_SECRET")
	if err != nil {
		return nil, err
	}
	refsKey, err := decodeKeyEnv("CONTACT_REFS_KEY")
	if err != nil {
		return nil, err
	}

	ttlHours := parseIntEnv("CONTACT_REFS_TTL_HOURS", 720)
	if ttlHours <= 0 {
		return nil, fmt.Errorf("invalid CONTACT_REFS_TTL_HOURS %d", ttlHours)
	}

	holdTTLMinutes := parseIntEnv("HOLD_TTL_MINUTES", 30)
	if holdTTLMinutes <= 0 {
		return nil, fmt.Errorf("invalid HOLD_TTL_MINUTES %d", holdTTLMinutes)
	}

	tzName := getEnvDefault("DEFAULT_TIMEZONE", "UTC")
	tz, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_TIMEZONE %q: %w", tzName, err)
	}

	port := normalizePort(getEnvDefault("PORT", "8080"))
	selfBase := strings.TrimRight(getEnvDefault("SELF_BASE_URL", "http://localhost:"+port), "/")

	stripeCfg := StripeConfig{
		APIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		WebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		BaseURL:       strings.TrimRight(getEnvDefault("STRIPE_BASE_URL", "https://api.stripe.com"), "/"),
		SuccessURL:    getEnvDefault("STRIPE_SUCCESS_URL", selfBase+"/payments/success"),
		CancelURL:     getEnvDefault("STRIPE_CANCEL_URL", selfBase+"/payments/cancelled"),
	}
	if production {
		if stripeCfg.APIKey == "" {
			return nil, fmt.Errorf("STRIPE_API_KEY is required in production")
		}
		if stripeCfg.WebhookSecret == "" {
			return nil, fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
	}

	waCfg := WhatsAppConfig{
		MetaAppSecret:    strings.TrimSpace(os.Getenv("META_APP_SECRET")),
		MetaVerifyToken:  strings.TrimSpace(os.Getenv("META_VERIFY_TOKEN")),
		MetaAccessToken:  strings.TrimSpace(os.Getenv("META_ACCESS_TOKEN")),
		MetaGraphBaseURL: strings.TrimRight(getEnvDefault("META_GRAPH_BASE_URL", "https://graph.facebook.com/v19.0"), "/"),
		EvolutionBaseURL: strings.TrimRight(strings.TrimSpace(os.Getenv("EVOLUTION_BASE_URL")), "/"),
		EvolutionAPIKey:  strings.TrimSpace(os.Getenv("EVOLUTION_API_KEY")),
	}

	tasksCfg, err := tasksFromEnv(production)
	if err != nil {
		return nil, err
	}

	staffCfg := StaffAuthConfig{
		Issuer:    strings.TrimSpace(getEnvDefault("STAFF_JWT_ISSUER", "pousada-dashboard")),
		Audience:  parseCSVEnv("STAFF_JWT_AUDIENCE"),
		HSSecret:  strings.TrimSpace(os.Getenv("STAFF_JWT_SECRET")),
		RoleClaim: getEnvDefault("STAFF_JWT_ROLE_CLAIM", "properties"),
		Leeway:    time.Duration(parseIntEnv("STAFF_JWT_MAX_SKEW_SECONDS", 60)) * time.Second,
	}
	if staffCfg.HSSecret == "" {
		return nil, fmt.Errorf("STAFF_JWT_SECRET is required")
	}
	if len(staffCfg.Audience) == 0 {
		staffCfg.Audience = []string{"pousada-api"}
	}

	rateCfg := RateLimitConfig{
		PerMinute: parseIntEnv("WEBHOOK_RATE_LIMIT_PER_MINUTE", 120),
		Burst:     parseIntEnv("WEBHOOK_RATE_LIMIT_BURST", 30),
	}
	if rateCfg.PerMinute < 0 {
		rateCfg.PerMinute = 0
	}
	if rateCfg.Burst <= 0 {
		rateCfg.Burst = 1
	}

	telemetry := TelemetryConfig{
		Endpoint: strings.TrimSpace(os.Getenv("OTEL_EXPORTER_ENDPOINT")),
		Insecure: parseBoolEnv("OTEL_EXPORTER_INSECURE", !production),
		Metrics:  parseBoolEnv("OTEL_EXPORT_METRICS", false),
	}

	return &Config{
		Env:               env,
		Port:              port,
		DatabaseURL:       dbURL,
		LogFile:           strings.TrimSpace(os.Getenv("LOG_FILE")),
		SelfBaseURL:       selfBase,
		ContactHashSecret: hashSecret,
		ContactRefsKey:    refsKey,
		VaultKeyID:        getEnvDefault("CONTACT_REFS_KEY_ID", "v1"),
		ContactRefsTTL:    time.Duration(ttlHours) * time.Hour,
		DefaultTZ:         tz,
		HoldTTL:           time.Duration(holdTTLMinutes) * time.Minute,
		TemplatesFile:     strings.TrimSpace(os.Getenv("MESSAGE_TEMPLATES_FILE")),
		RedisURL:          strings.TrimSpace(os.Getenv("REDIS_URL")),
		Stripe:            stripeCfg,
		WhatsApp:          waCfg,
		Tasks:             tasksCfg,
		StaffAuth:         staffCfg,
		RateLimit:         rateCfg,
		Telemetry:         telemetry,
	}, nil
}

func tasksFromEnv(production bool) (TasksConfig, error) {
	cfg := TasksConfig{
		Backend:            strings.ToLower(getEnvDefault("TASKS_BACKEND", TasksBackendInline)),
		WorkerBaseURL:      strings.TrimRight(strings.TrimSpace(os.Getenv("WORKER_BASE_URL")), "/"),
		OIDCAudience:       strings.TrimSpace(os.Getenv("TASKS_OIDC_AUDIENCE")),
		OIDCServiceAccount: strings.TrimSpace(os.Getenv("TASKS_OIDC_SERVICE_ACCOUNT")),
		OIDCIssuer:         getEnvDefault("WORKER_OIDC_ISSUER", "https://accounts.google.com"),
		JWKSURL:            getEnvDefault("WORKER_OIDC_JWKS_URL", "https://www.googleapis.com/oauth2/v3/certs"),
		JWKSCacheTTL:       time.Duration(parseIntEnv("WORKER_JWKS_CACHE_MINUTES", 10)) * time.Minute,
		InternalSecret:     strings.TrimSpace(os.Getenv("TASKS_INTERNAL_SECRET")),
		CloudProject:       strings.TrimSpace(os.Getenv("CLOUD_TASKS_PROJECT")),
		CloudLocation:      strings.TrimSpace(os.Getenv("CLOUD_TASKS_LOCATION")),
		CloudQueue:         strings.TrimSpace(os.Getenv("CLOUD_TASKS_QUEUE")),
	}
	switch cfg.Backend {
	case TasksBackendInline:
	case TasksBackendHTTP:
		if cfg.WorkerBaseURL == "" {
			return cfg, fmt.Errorf("WORKER_BASE_URL is required when TASKS_BACKEND=http")
		}
	case TasksBackendCloudTasks:
		if cfg.WorkerBaseURL == "" {
			return cfg, fmt.Errorf("WORKER_BASE_URL is required when TASKS_BACKEND=cloudtasks")
		}
		if cfg.CloudProject == "" || cfg.CloudLocation == "" || cfg.CloudQueue == "" {
			return cfg, fmt.Errorf("CLOUD_TASKS_PROJECT, CLOUD_TASKS_LOCATION and CLOUD_TASKS_QUEUE are required when TASKS_BACKEND=cloudtasks")
		}
	default:
		return cfg, fmt.Errorf("unsupported TASKS_BACKEND %q", cfg.Backend)
	}
	if cfg.OIDCAudience == "" {
		if production {
			return cfg, fmt.Errorf("TASKS_OIDC_AUDIENCE is required in production")
		}
		cfg.OIDCAudience = LocalDevAudience
	}
	if cfg.OIDCAudience == LocalDevAudience {
		if production {
			return cfg, fmt.Errorf("TASKS_OIDC_AUDIENCE %q is not allowed in production", LocalDevAudience)
		}
		if cfg.InternalSecret == "" {
			return cfg, fmt.Errorf("TASKS_INTERNAL_SECRET is required when TASKS_OIDC_AUDIENCE=%s", LocalDevAudience)
		}
	}
	return cfg, nil
}

// LocalDev reports whether worker authentication runs on the shared
// secret instead of OIDC tokens.
func (c TasksConfig) LocalDev() bool {
	return c.OIDCAudience == LocalDevAudience
}

// decodeKeyEnv reads a 32-byte key from a base64 (std or url) encoded
// environment variable.
func decodeKeyEnv(name string) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, fmt.Errorf("%s is required", name)
	}
	var key []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		key, err = enc.DecodeString(raw)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%s must be base64 encoded: %w", name, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%s must decode to 32 bytes, got %d", name, len(key))
	}
	return key, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func normalizePort(port string) string {
	if port == "" {
		return "8080"
	}
	if _, err := strconv.Atoi(port); err == nil {
		return port
	}
	// Allow values like ":8080".
	if len(port) > 0 && port[0] == ':' {
		return port[1:]
	}
	return port
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseCSVEnv(key string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	return strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ';' || r == ' '
	})
}
