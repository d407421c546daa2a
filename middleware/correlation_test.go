package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"pousada/observability"
	"pousada/observability/logging"
)

func TestCorrelationMintsAndEchoesID(t *testing.T) {
	var logs bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&logs, nil))

	var seen string
	handler := Correlation(base)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = observability.CorrelationID(r.Context())
		logging.FromContext(r.Context()).Info("handled")
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	echoed := res.Header().Get(HeaderCorrelationID)
	if echoed == "" {
		t.Fatalf("expected correlation header on the response")
	}
	if _, err := uuid.Parse(echoed); err != nil {
		t.Fatalf("expected minted id to be a uuid, got %q", echoed)
	}
	if seen != echoed {
		t.Fatalf("context id %q does not match response header %q", seen, echoed)
	}
	if !strings.Contains(logs.String(), `"correlationId":"`+echoed+`"`) {
		t.Fatalf("log line missing correlation id: %s", logs.String())
	}
}

func TestCorrelationHonorsInboundID(t *testing.T) {
	var seen string
	handler := Correlation(slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = observability.CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(HeaderCorrelationID, "corr-retry-42")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if got := res.Header().Get(HeaderCorrelationID); got != "corr-retry-42" {
		t.Fatalf("expected inbound id echoed back, got %q", got)
	}
	if seen != "corr-retry-42" {
		t.Fatalf("expected inbound id on the context, got %q", seen)
	}
}

func TestCorrelationReplacesOversizedID(t *testing.T) {
	handler := Correlation(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(HeaderCorrelationID, strings.Repeat("x", maxCorrelationIDLength+1))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	got := res.Header().Get(HeaderCorrelationID)
	if got == "" || strings.Contains(got, "xxx") {
		t.Fatalf("expected a fresh id instead of the oversized one, got %q", got)
	}
	if _, err := uuid.Parse(got); err != nil {
		t.Fatalf("expected a minted uuid, got %q", got)
	}
}
