package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pousada/auth"
	"pousada/models"
	"pousada/observability/logging"
)

// HeaderIdempotencyKey binds a request outcome so that retries replay
// the stored response instead of executing twice.
const HeaderIdempotencyKey = "Idempotency-Key"

const maxIdempotencyKeyLength = 160

type idempotencyContextKey struct{}

// IdempotencyKeyFromContext returns the key attached by the middleware,
// or an empty string when the request carried none.
func IdempotencyKeyFromContext(ctx context.Context) string {
	if key, ok := ctx.Value(idempotencyContextKey{}).(string); ok {
		return key
	}
	return ""
}

// Idempotency replays the canonical response for a repeated
// (key, endpoint) pair. The acting property is folded into the endpoint
// scope so tenants cannot replay each other's keys. Reusing a key with
// a different request body is a client error and conflicts.
// Server-error responses are not stored, so a retry after a transient
// failure executes again.
func Idempotency(db *gorm.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKeyLength {
				writeError(w, http.StatusUnprocessableEntity, "invalid_idempotency_key", "idempotency key exceeds 160 characters")
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeError(w, http.StatusBadRequest, "unreadable_body", "request body could not be read")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			sum := sha256.Sum256(body)
			hash := hex.EncodeToString(sum[:])
			endpoint := r.Method + " " + r.URL.Path
			if property := strings.TrimSpace(r.Header.Get(auth.HeaderPropertyID)); property != "" {
				endpoint += " " + property
			}

			var record models.IdempotencyKey
			err = db.WithContext(r.Context()).
				First(&record, "key = ? AND endpoint = ?", key, endpoint).Error
			switch {
			case err == nil:
				if record.RequestHash != hash {
					writeError(w, http.StatusConflict, "idempotency_mismatch", "idempotency key was already used with a different request body")
					return
				}
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(record.Status)
				_, _ = w.Write(record.Response)
				return
			case !errors.Is(err, gorm.ErrRecordNotFound):
				writeError(w, http.StatusInternalServerError, "idempotency_lookup", "idempotency record lookup failed")
				return
			}

			recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			ctx := context.WithValue(r.Context(), idempotencyContextKey{}, key)
			next.ServeHTTP(recorder, r.WithContext(ctx))

			if recorder.status >= http.StatusInternalServerError {
				return
			}
			stored := models.IdempotencyKey{
				Key:         key,
				Endpoint:    endpoint,
				RequestHash: hash,
				Status:      recorder.status,
				Response:    recorder.buf.Bytes(),
				CreatedAt:   time.Now().UTC(),
			}
			// A concurrent request may have stored its response first;
			// the earlier row stays canonical.
			if err := db.WithContext(r.Context()).Clauses(clause.OnConflict{DoNothing: true}).Create(&stored).Error; err != nil {
				logging.FromContext(r.Context()).Warn("idempotency record not stored", "error", err)
			}
		})
	}
}

// responseRecorder captures the handler response so it can be stored
// for replay.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "detail": detail})
}
