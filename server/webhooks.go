package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"pousada/auth"
	"pousada/dedupe"
	"pousada/faults"
	"pousada/models"
	"pousada/observability"
	"pousada/observability/logging"
	"pousada/payments"
	"pousada/tasks"
	"pousada/wa"
)

type ingestOutcome string

const (
	ingestProcessed ingestOutcome = "processed"
	ingestDuplicate ingestOutcome = "duplicate"
	ingestIgnored   ingestOutcome = "ignored"
)

// handleEvolutionWebhook ingests Evolution deliveries. The instance is
// self-hosted per property, so the tenant rides an X-Property-Id header
// set on the instance's webhook configuration.
func (s *Server) handleEvolutionWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	source := dedupe.SourceEvolution

	header := strings.TrimSpace(r.Header.Get(auth.HeaderPropertyID))
	propertyID, err := uuid.Parse(header)
	if err != nil {
		observability.Webhooks().Observe(source, "invalid", time.Since(start))
		writeError(w, r, http.StatusBadRequest, "invalid_property", "X-Property-Id header must be a UUID")
		return
	}
	var property models.Property
	err = s.db.WithContext(r.Context()).First(&property, "id = ?", propertyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		observability.Webhooks().Observe(source, "invalid", time.Since(start))
		writeError(w, r, http.StatusBadRequest, "unknown_property", "no property matches this delivery")
		return
	}
	if err != nil {
		observability.Webhooks().Observe(source, "error", time.Since(start))
		writeFault(w, r, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		observability.Webhooks().Observe(source, "invalid", time.Since(start))
		writeError(w, r, http.StatusBadRequest, "unreadable_body", "request body could not be read")
		return
	}
	messages, err := wa.NormalizeEvolution(body)
	if err != nil {
		observability.Webhooks().Observe(source, "invalid", time.Since(start))
		writeError(w, r, http.StatusBadRequest, faults.CodeOf(err), faults.MessageOf(err))
		return
	}
	s.ingestMessages(w, r, &property, source, messages, start)
}

// handleMetaSubscription answers Meta's GET verification handshake.
func (s *Server) handleMetaSubscription(w http.ResponseWriter, r *http.Request) {
	challenge, err := wa.VerifySubscription(s.whatsapp.MetaVerifyToken, r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusForbidden, faults.CodeOf(err), faults.MessageOf(err))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

// handleMetaWebhook ingests Meta Cloud deliveries. All tenants share
// one callback URL; the receiving phone number id picks the property.
func (s *Server) handleMetaWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	source := dedupe.SourceMeta

	body, err := io.ReadAll(r.Body)
	if err != nil {
		observability.Webhooks().Observe(source, "invalid", time.Since(start))
		writeError(w, r, http.StatusBadRequest, "unreadable_body", "request body could not be read")
		return
	}
	if err := wa.VerifyMetaSignature(s.whatsapp.MetaAppSecret, body, r.Header.Get("X-Hub-Signature-256"), s.localDev); err != nil {
		if faults.KindOf(err) == faults.KindConfigurationMissing {
			observability.Webhooks().Observe(source, "error", time.Since(start))
			writeFault(w, r, err)
			return
		}
		observability.Webhooks().Observe(source, "unauthorized", time.Since(start))
		writeError(w, r, http.StatusUnauthorized, faults.CodeOf(err), faults.MessageOf(err))
		return
	}

	messages, err := wa.NormalizeMeta(body)
	if err != nil {
		observability.Webhooks().Observe(source, "invalid", time.Since(start))
		writeError(w, r, http.StatusBadRequest, faults.CodeOf(err), faults.MessageOf(err))
		return
	}

	phoneNumberID := wa.MetaPhoneNumberID(body)
	if phoneNumberID == "" {
		observability.Webhooks().Observe(source, "ignored", time.Since(start))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	var property models.Property
	err = s.db.WithContext(r.Context()).First(&property, "meta_phone_number_id = ?", phoneNumberID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Signature already checked out; an unregistered number is a
		// configuration gap, not a reason to make Meta retry forever.
		logging.FromContext(r.Context()).Warn("webhook for unregistered phone number id", "source", source)
		observability.Webhooks().Observe(source, "ignored", time.Since(start))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err != nil {
		observability.Webhooks().Observe(source, "error", time.Since(start))
		writeFault(w, r, err)
		return
	}
	s.ingestMessages(w, r, &property, source, messages, start)
}

// handleStripeWebhook verifies and routes payment provider events. Only
// the delivery is recorded here; reconciliation runs on the worker.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	source := dedupe.SourceStripe

	body, err := io.ReadAll(r.Body)
	if err != nil {
		observability.Webhooks().Observe(source, "invalid", time.Since(start))
		writeError(w, r, http.StatusBadRequest, "unreadable_body", "request body could not be read")
		return
	}
	if err := payments.VerifyStripeSignature(s.stripe.WebhookSecret, body, r.Header.Get("Stripe-Signature"), s.now(), s.localDev); err != nil {
		if faults.KindOf(err) == faults.KindConfigurationMissing {
			observability.Webhooks().Observe(source, "error", time.Since(start))
			writeFault(w, r, err)
			return
		}
		observability.Webhooks().Observe(source, "unauthorized", time.Since(start))
		writeError(w, r, http.StatusBadRequest, faults.CodeOf(err), "webhook signature rejected")
		return
	}
	event, err := payments.ParseEvent(body)
	if err != nil {
		observability.Webhooks().Observe(source, "invalid", time.Since(start))
		writeError(w, r, http.StatusBadRequest, faults.CodeOf(err), faults.MessageOf(err))
		return
	}
	if event.SessionID == "" {
		observability.Webhooks().Observe(source, "ignored", time.Since(start))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	// The session id carries the tenant: checkout sessions were created
	// by us and each one owns exactly one payment row.
	var payment models.Payment
	err = s.db.WithContext(r.Context()).
		First(&payment, "provider = ? AND provider_object_id = ?", payments.ProviderStripe, event.SessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		logging.FromContext(r.Context()).Warn("stripe event for unknown session",
			"eventId", event.ID, "eventType", event.Type)
		observability.Webhooks().Observe(source, "ignored", time.Since(start))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err != nil {
		observability.Webhooks().Observe(source, "error", time.Since(start))
		writeFault(w, r, err)
		return
	}

	fresh := false
	err = s.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		var err error
		fresh, err = dedupe.Mark(tx, payment.PropertyID, source, event.ID)
		if err != nil {
			return err
		}
		if !fresh {
			return nil
		}
		return s.dispatcher.Enqueue(r.Context(), tasks.Request{
			Name: tasks.TaskStripeEvent,
			ID:   tasks.StripeEventID(event.ID),
			Payload: tasks.StripeEventPayload{
				PropertyID: payment.PropertyID,
				EventID:    event.ID,
				EventType:  event.Type,
				SessionID:  event.SessionID,
			},
		})
	})
	if err != nil {
		observability.Webhooks().Observe(source, "error", time.Since(start))
		writeFault(w, r, err)
		return
	}
	if !fresh {
		observability.Webhooks().Observe(source, "duplicate", time.Since(start))
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}
	logging.FromContext(r.Context()).Info("stripe event accepted",
		"eventId", event.ID, "eventType", event.Type, "propertyId", payment.PropertyID.String())
	observability.Webhooks().Observe(source, "processed", time.Since(start))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ingestMessages runs the shared message pipeline and writes the
// aggregate response: ok when anything new was accepted, duplicate when
// everything was replayed, ignored otherwise.
func (s *Server) ingestMessages(w http.ResponseWriter, r *http.Request, property *models.Property, source string, messages []wa.InboundMessage, start time.Time) {
	processed, duplicates := 0, 0
	for _, msg := range messages {
		outcome, err := s.ingestOne(r, property, source, msg)
		if err != nil {
			observability.Webhooks().Observe(source, "error", time.Since(start))
			writeFault(w, r, err)
			return
		}
		switch outcome {
		case ingestProcessed:
			processed++
		case ingestDuplicate:
			duplicates++
		}
	}

	status := "ignored"
	outcome := "ignored"
	switch {
	case processed > 0:
		status, outcome = "ok", "processed"
	case duplicates > 0:
		status, outcome = "duplicate", "duplicate"
	}
	observability.Webhooks().Observe(source, outcome, time.Since(start))
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// ingestOne vaults one message and schedules its handling. The ledger
// write, the vault rows and the enqueue share one transaction: a failed
// enqueue rolls everything back and the provider's retry starts clean.
func (s *Server) ingestOne(r *http.Request, property *models.Property, source string, msg wa.InboundMessage) (ingestOutcome, error) {
	if !msg.HasText {
		return ingestIgnored, nil
	}
	ctx := r.Context()
	contactHash := s.hasher.ContactHash(property.ID, wa.Channel, msg.Address)

	fresh := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		fresh, err = dedupe.Mark(tx, property.ID, source, msg.MessageID)
		if err != nil {
			return err
		}
		if !fresh {
			return nil
		}
		if err := s.vault.StoreContact(tx, property.ID, wa.Channel, contactHash, msg.Address); err != nil {
			return err
		}
		if err := s.vault.StoreMessage(tx, property.ID, source, msg.MessageID, msg.Text); err != nil {
			return err
		}
		return s.dispatcher.Enqueue(ctx, tasks.Request{
			Name: tasks.TaskHandleMessage,
			ID:   tasks.HandleMessageID(msg.MessageID),
			Payload: tasks.HandleMessagePayload{
				PropertyID:  property.ID,
				Source:      source,
				MessageID:   msg.MessageID,
				Channel:     wa.Channel,
				ContactHash: contactHash,
			},
		})
	})
	if err != nil {
		return "", err
	}
	if !fresh {
		return ingestDuplicate, nil
	}
	logging.FromContext(ctx).Info("inbound message accepted",
		"source", source, "messageId", msg.MessageID, "propertyId", property.ID.String())
	return ingestProcessed, nil
}
