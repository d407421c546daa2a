package config

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

func validEnv(t *testing.T) {
	t.Helper()
	key := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x42}, 32))
	t.Setenv("POUSADA_ENV", "development")
	t.Setenv("DATABASE_URL", "postgres://localhost/pousada_test")
	t.Setenv("CONTACT_HASH_SECRET", key)
	t.Setenv("CONTACT_REFS_KEY", key)
	t.Setenv("STAFF_JWT_SECRET", "dev-secret")
	t.Setenv("TASKS_INTERNAL_SECRET", "dev-internal")
}

func TestFromEnvDefaults(t *testing.T) {
	validEnv(t)

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.Tasks.Backend != TasksBackendInline {
		t.Fatalf("expected inline backend default, got %s", cfg.Tasks.Backend)
	}
	if !cfg.Tasks.LocalDev() {
		t.Fatalf("development without audience must fall back to local-dev")
	}
	if cfg.ContactRefsTTL != 720*time.Hour {
		t.Fatalf("expected 720h contact refs TTL, got %s", cfg.ContactRefsTTL)
	}
	if cfg.HoldTTL != 30*time.Minute {
		t.Fatalf("expected 30m hold TTL, got %s", cfg.HoldTTL)
	}
	if len(cfg.ContactRefsKey) != 32 {
		t.Fatalf("expected 32-byte refs key, got %d", len(cfg.ContactRefsKey))
	}
}

func TestFromEnvRequiresDatabaseURL(t *testing.T) {
	validEnv(t)
	t.Setenv("DATABASE_URL", "")

	if _, err := FromEnv(); err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("expected DATABASE_URL error, got %v", err)
	}
}

func TestFromEnvRejectsShortKey(t *testing.T) {
	validEnv(t)
	t.Setenv("CONTACT_REFS_KEY", base64.StdEncoding.EncodeToString([]byte("short")))

	if _, err := FromEnv(); err == nil || !strings.Contains(err.Error(), "32 bytes") {
		t.Fatalf("expected key length error, got %v", err)
	}
}

func TestFromEnvProductionForbidsLocalDevAudience(t *testing.T) {
	validEnv(t)
	t.Setenv("POUSADA_ENV", "production")
	t.Setenv("STRIPE_API_KEY", "sk_live_x")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_x")
	t.Setenv("TASKS_OIDC_AUDIENCE", LocalDevAudience)

	if _, err := FromEnv(); err == nil || !strings.Contains(err.Error(), "not allowed in production") {
		t.Fatalf("expected local-dev audience rejection, got %v", err)
	}
}

func TestFromEnvProductionRequiresStripeSecrets(t *testing.T) {
	validEnv(t)
	t.Setenv("POUSADA_ENV", "production")
	t.Setenv("TASKS_OIDC_AUDIENCE", "https://worker.example.com")

	if _, err := FromEnv(); err == nil || !strings.Contains(err.Error(), "STRIPE_API_KEY") {
		t.Fatalf("expected stripe secret error, got %v", err)
	}
}

func TestFromEnvHTTPBackendRequiresWorkerURL(t *testing.T) {
	validEnv(t)
	t.Setenv("TASKS_BACKEND", "http")

	if _, err := FromEnv(); err == nil || !strings.Contains(err.Error(), "WORKER_BASE_URL") {
		t.Fatalf("expected worker URL error, got %v", err)
	}

	t.Setenv("WORKER_BASE_URL", "http://localhost:8081/")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Tasks.WorkerBaseURL != "http://localhost:8081" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.Tasks.WorkerBaseURL)
	}
}

func TestNormalizePort(t *testing.T) {
	if got := normalizePort(":9090"); got != "9090" {
		t.Fatalf("expected 9090, got %s", got)
	}
	if got := normalizePort("8081"); got != "8081" {
		t.Fatalf("expected 8081, got %s", got)
	}
}
