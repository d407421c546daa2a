package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestSetupWriterEmitsCanonicalKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWriter("api", "test", &buf)

	logger.Info("hold created", "holdId", "a8098c1a-f86e-11da-bd1a-00112444be1e")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["message"] != "hold created" {
		t.Fatalf("expected message key, got %v", line)
	}
	if line["severity"] != "INFO" {
		t.Fatalf("expected severity INFO, got %v", line["severity"])
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("expected timestamp key, got %v", line)
	}
	if line["service"] != "api" || line["env"] != "test" {
		t.Fatalf("expected service/env attrs, got %v", line)
	}
}

func TestSetupWriterSanitizesContactData(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWriter("api", "test", &buf)

	logger.Info("normalized message",
		"remoteJid", "5511987654321@s.whatsapp.net",
		"guestEmail", "ana@example.com",
		"contactHash", "sXf0qL3kM9nB7vC1xZ5yW2tR4uQ8pE6d",
		"checkin", "2026-03-10",
	)

	out := buf.String()
	if strings.Contains(out, "5511987654321") {
		t.Fatalf("phone number leaked into log line: %s", out)
	}
	if strings.Contains(out, "ana@example.com") {
		t.Fatalf("email leaked into log line: %s", out)
	}
	if !strings.Contains(out, "sXf0qL3kM9nB7vC1xZ5yW2tR4uQ8pE6d") {
		t.Fatalf("contact hash must pass through untouched: %s", out)
	}
	if !strings.Contains(out, "2026-03-10") {
		t.Fatalf("ISO dates must not be redacted: %s", out)
	}
}

func TestContextLoggerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWriter("worker", "test", &buf)

	ctx := WithContext(context.Background(), logger.With("correlationId", "corr-1"))
	FromContext(ctx).Info("task handled")

	if !strings.Contains(buf.String(), "corr-1") {
		t.Fatalf("expected correlation id in output, got %s", buf.String())
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatalf("expected default logger fallback")
	}
}
