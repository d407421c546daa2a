package worker

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"pousada/dedupe"
	"pousada/faults"
	"pousada/models"
	"pousada/observability"
	"pousada/observability/logging"
	"pousada/payments"
	"pousada/tasks"
)

// Envelopes carry identifiers only; anything larger is a broken
// producer.
const maxTaskBody = 1 << 20

// decodeEnvelope parses and validates the v1 envelope and pins it to
// the route's task. Failures are 400s: redelivering a malformed
// envelope can never succeed.
func decodeEnvelope(w http.ResponseWriter, r *http.Request, want string) (tasks.Envelope, bool) {
	var env tasks.Envelope
	if err := json.NewDecoder(io.LimitReader(r.Body, maxTaskBody)).Decode(&env); err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed_envelope", "body must be a v1 task envelope")
		return env, false
	}
	if err := env.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, faults.CodeOf(err), faults.MessageOf(err))
		return env, false
	}
	if env.TaskName != want {
		writeError(w, r, http.StatusBadRequest, "task_route_mismatch", "envelope task name does not match the route")
		return env, false
	}
	return env, true
}

func decodePayload(w http.ResponseWriter, r *http.Request, env tasks.Envelope, dst any) bool {
	if err := env.DecodeInto(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, faults.CodeOf(err), faults.MessageOf(err))
		return false
	}
	return true
}

// succeed reports a consumed task.
func (wk *Worker) succeed(w http.ResponseWriter, env tasks.Envelope, started time.Time, outcome string, extra map[string]any) {
	observability.Tasks().ObserveHandle(env.TaskName, outcome, time.Since(started))
	body := map[string]any{"task_id": env.TaskID, "outcome": outcome}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

// fail translates a handler error into the queue contract: a transient
// failure returns 503 so the queue redelivers, anything else is logged
// and consumed with a 200 so a deterministic failure does not loop.
func (wk *Worker) fail(w http.ResponseWriter, r *http.Request, env tasks.Envelope, started time.Time, err error) {
	duration := time.Since(started)
	log := logging.FromContext(r.Context())
	if faults.Retryable(err) {
		observability.Tasks().ObserveHandle(env.TaskName, "retry", duration)
		log.Warn("task awaiting redelivery",
			"taskName", env.TaskName,
			"taskId", env.TaskID,
			"code", faults.CodeOf(err),
			"error", err.Error(),
		)
		writeError(w, r, http.StatusServiceUnavailable, faults.CodeOf(err), "transient failure, redeliver")
		return
	}
	observability.Tasks().ObserveHandle(env.TaskName, "dropped", duration)
	log.Error("task dropped",
		"taskName", env.TaskName,
		"taskId", env.TaskID,
		"kind", string(faults.KindOf(err)),
		"code", faults.CodeOf(err),
		"error", err.Error(),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": env.TaskID,
		"outcome": "dropped",
		"code":    faults.CodeOf(err),
	})
}

func (wk *Worker) handleExpireHold(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	env, ok := decodeEnvelope(w, r, tasks.TaskExpireHold)
	if !ok {
		return
	}
	var payload tasks.ExpireHoldPayload
	if !decodePayload(w, r, env, &payload) {
		return
	}
	if payload.PropertyID == uuid.Nil || payload.HoldID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, "missing_fields", "property_id and hold_id are required")
		return
	}

	result, err := wk.holds.Expire(r.Context(), payload.PropertyID, payload.HoldID)
	if err != nil {
		wk.fail(w, r, env, started, err)
		return
	}
	wk.succeed(w, env, started, string(result), nil)
}

func (wk *Worker) handleStripeEvent(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	env, ok := decodeEnvelope(w, r, tasks.TaskStripeEvent)
	if !ok {
		return
	}
	var payload tasks.StripeEventPayload
	if !decodePayload(w, r, env, &payload) {
		return
	}
	if payload.PropertyID == uuid.Nil || payload.EventID == "" {
		writeError(w, r, http.StatusBadRequest, "missing_fields", "property_id and event_id are required")
		return
	}
	if payload.EventType == payments.EventCheckoutCompleted && payload.SessionID == "" {
		writeError(w, r, http.StatusBadRequest, "missing_session", "session_id is required for checkout events")
		return
	}

	outcome, err := wk.payments.HandleEvent(r.Context(), payload)
	if err != nil {
		wk.fail(w, r, env, started, err)
		return
	}
	wk.succeed(w, env, started, string(outcome), nil)
}

func (wk *Worker) handleInboundMessage(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	env, ok := decodeEnvelope(w, r, tasks.TaskHandleMessage)
	if !ok {
		return
	}
	var payload tasks.HandleMessagePayload
	if !decodePayload(w, r, env, &payload) {
		return
	}
	if payload.PropertyID == uuid.Nil || payload.Source == "" || payload.MessageID == "" ||
		payload.Channel == "" || payload.ContactHash == "" {
		writeError(w, r, http.StatusBadRequest, "missing_fields",
			"property_id, source, message_id, channel and contact_hash are required")
		return
	}

	out, err := wk.conversations.HandleInbound(r.Context(), payload)
	if err != nil {
		wk.fail(w, r, env, started, err)
		return
	}
	if out.Duplicate {
		wk.succeed(w, env, started, "duplicate", nil)
		return
	}
	wk.succeed(w, env, started, "advanced", map[string]any{
		"conversation_id": out.ConversationID,
		"state":           out.State,
		"template_key":    out.TemplateKey,
	})
}

// handleSendMessage delivers one templated reply. It is the sole
// consumer of vault contact lookups. The ledger row is written only
// after the provider accepted the message, so a transient delivery
// failure stays redeliverable; the Seen pre-check stops a second send
// when only the success response was lost.
func (wk *Worker) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	env, ok := decodeEnvelope(w, r, tasks.TaskSendMessage)
	if !ok {
		return
	}
	var payload tasks.SendMessagePayload
	if !decodePayload(w, r, env, &payload) {
		return
	}
	if payload.PropertyID == uuid.Nil || payload.Channel == "" ||
		payload.ContactHash == "" || payload.TemplateKey == "" {
		writeError(w, r, http.StatusBadRequest, "missing_fields",
			"property_id, channel, contact_hash and template_key are required")
		return
	}

	var (
		property models.Property
		address  string
		seen     bool
		expired  bool
	)
	err := wk.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		var err error
		seen, err = dedupe.Seen(tx, payload.PropertyID, dedupe.SourceSendTask, env.TaskID)
		if err != nil || seen {
			return err
		}
		if err := tx.First(&property, "id = ?", payload.PropertyID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return faults.Newf(faults.KindNotFound, "property_not_found", "property %s not found", payload.PropertyID)
			}
			return err
		}
		addr, found, err := wk.vault.GetContact(tx, payload.PropertyID, payload.Channel, payload.ContactHash)
		if err != nil {
			return err
		}
		if !found {
			expired = true
			return nil
		}
		address = addr
		return nil
	})
	if err != nil {
		wk.fail(w, r, env, started, err)
		return
	}
	if seen {
		wk.succeed(w, env, started, "duplicate", nil)
		return
	}
	if expired {
		logging.FromContext(r.Context()).Warn("contact reference expired before send",
			"taskId", env.TaskID,
			"propertyId", payload.PropertyID.String(),
		)
		wk.succeed(w, env, started, "contact_expired", nil)
		return
	}

	text, err := wk.templates.Render(payload.TemplateKey, payload.Params)
	if err != nil {
		wk.fail(w, r, env, started, err)
		return
	}
	if err := wk.sender.Send(r.Context(), &property, address, text); err != nil {
		wk.fail(w, r, env, started, err)
		return
	}

	err = wk.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		_, err := dedupe.Mark(tx, payload.PropertyID, dedupe.SourceSendTask, env.TaskID)
		return err
	})
	if err != nil {
		// The message went out; losing the ledger row only risks one
		// duplicate on redelivery.
		logging.FromContext(r.Context()).Warn("send ledger row not stored",
			"taskId", env.TaskID,
			"error", err.Error(),
		)
	}
	wk.succeed(w, env, started, "sent", nil)
}

func (wk *Worker) handleVaultCleanup(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	env, ok := decodeEnvelope(w, r, tasks.TaskVaultCleanup)
	if !ok {
		return
	}
	var payload tasks.VaultCleanupPayload
	if !decodePayload(w, r, env, &payload) {
		return
	}

	var removed int64
	err := wk.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		n, err := wk.vault.Cleanup(tx)
		removed = n
		return err
	})
	if err != nil {
		wk.fail(w, r, env, started, err)
		return
	}
	wk.succeed(w, env, started, "cleaned", map[string]any{"removed": removed})
}
