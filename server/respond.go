package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"pousada/faults"
	"pousada/observability"
	"pousada/observability/logging"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the error convention shared across the repo plus the
// correlation id, so a caller can quote the matching log lines.
type errorBody struct {
	Code          string `json:"code"`
	Detail        string `json:"detail"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	writeJSON(w, status, errorBody{
		Code:          code,
		Detail:        detail,
		CorrelationID: observability.CorrelationID(r.Context()),
	})
}

// writeFault maps the fault taxonomy onto HTTP statuses for the
// dashboard surface. Fault messages are constructed without PII, so
// they pass through as the detail; unclassified errors stay opaque.
func writeFault(w http.ResponseWriter, r *http.Request, err error) {
	kind := faults.KindOf(err)
	status := statusForKind(kind)
	detail := faults.MessageOf(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error("request failed",
			"kind", string(kind), "code", faults.CodeOf(err), "error", err.Error())
	}
	if detail == "" {
		detail = "internal error"
	}
	writeError(w, r, status, faults.CodeOf(err), detail)
}

func statusForKind(kind faults.Kind) int {
	switch kind {
	case faults.KindValidation:
		return http.StatusUnprocessableEntity
	case faults.KindAuth:
		return http.StatusUnauthorized
	case faults.KindNotFound:
		return http.StatusNotFound
	case faults.KindConflictReplay:
		return http.StatusOK
	case faults.KindConflictBusiness, faults.KindUnavailable:
		return http.StatusConflict
	case faults.KindProviderTransient, faults.KindProviderPermanent:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON fills dst from the request body. An empty body leaves dst
// zero-valued for field validation to report. Malformed JSON is a 400
// already written to the response; the caller just returns.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, "invalid_body", "request body must be valid JSON")
		return false
	}
	return true
}

// pathUUID parses a chi route parameter as a UUID. A malformed id is a
// 422 already written to the response.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "invalid_id", "path id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}
