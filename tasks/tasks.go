// Package tasks defines the versioned envelope exchanged between the
// api and worker processes and the pluggable dispatcher that enqueues
// it. Payloads carry identifiers only, never guest addresses or
// message bodies.
package tasks

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"pousada/faults"
	"pousada/models"
)

// EnvelopeVersion is the only version the worker accepts.
const EnvelopeVersion = "v1"

// Task names. Each doubles as the worker route suffix under /tasks/.
const (
	TaskExpireHold    = "holds/expire"
	TaskStripeEvent   = "stripe/handle-event"
	TaskHandleMessage = "whatsapp/handle-message"
	TaskSendMessage   = "whatsapp/send"
	TaskVaultCleanup  = "vault/cleanup"
)

var knownTasks = map[string]struct{}{
	TaskExpireHold:    {},
	TaskStripeEvent:   {},
	TaskHandleMessage: {},
	TaskSendMessage:   {},
	TaskVaultCleanup:  {},
}

// Route returns the worker path a task is delivered to.
func Route(taskName string) string {
	return "/tasks/" + taskName
}

// Deduplication identifiers. These are stable across enqueue retries so
// the ledger (or the queue) can collapse duplicates.

func ExpireHoldID(propertyID, holdID uuid.UUID) string {
	return fmt.Sprintf("expire-hold:%s:%s", propertyID, holdID)
}

func StripeEventID(eventID string) string {
	return "stripe:" + eventID
}

func HandleMessageID(messageID string) string {
	return "whatsapp:" + messageID
}

func SendMessageID(source, messageID string) string {
	return fmt.Sprintf("wa-send:%s:%s", source, messageID)
}

func VaultCleanupID(day time.Time) string {
	return "vault-cleanup:" + models.FormatDate(day)
}

// Envelope is the canonical wire shape. The payload is a discriminated
// union on task_name; handlers decode it with DecodeInto.
type Envelope struct {
	Version  string          `json:"version"`
	TaskName string          `json:"task_name"`
	TaskID   string          `json:"task_id"`
	Payload  json.RawMessage `json:"payload"`
}

// NewEnvelope builds a v1 envelope for a known task.
func NewEnvelope(taskName, taskID string, payload any) (Envelope, error) {
	if _, ok := knownTasks[taskName]; !ok {
		return Envelope{}, faults.Newf(faults.KindValidation, "unknown_task", "unknown task name %q", taskName)
	}
	if strings.TrimSpace(taskID) == "" {
		return Envelope{}, faults.New(faults.KindValidation, "missing_task_id", "task_id is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal task payload: %w", err)
	}
	return Envelope{
		Version:  EnvelopeVersion,
		TaskName: taskName,
		TaskID:   taskID,
		Payload:  raw,
	}, nil
}

// Validate rejects envelopes the worker must not execute.
func (e Envelope) Validate() error {
	if e.Version != EnvelopeVersion {
		return faults.Newf(faults.KindValidation, "unsupported_version", "unsupported envelope version %q", e.Version)
	}
	if _, ok := knownTasks[e.TaskName]; !ok {
		return faults.Newf(faults.KindValidation, "unknown_task", "unknown task name %q", e.TaskName)
	}
	if strings.TrimSpace(e.TaskID) == "" {
		return faults.New(faults.KindValidation, "missing_task_id", "task_id is required")
	}
	return nil
}

// DecodeInto unmarshals the payload into the task-specific type.
func (e Envelope) DecodeInto(v any) error {
	if len(e.Payload) == 0 {
		return faults.New(faults.KindValidation, "missing_payload", "task payload is required")
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return faults.Wrap(faults.KindValidation, "malformed_payload", err)
	}
	return nil
}

// ExpireHoldPayload releases an expired hold's inventory.
type ExpireHoldPayload struct {
	PropertyID uuid.UUID `json:"property_id"`
	HoldID     uuid.UUID `json:"hold_id"`
}

// StripeEventPayload carries the identifiers of a verified provider
// event. The raw provider body never rides a task.
type StripeEventPayload struct {
	PropertyID uuid.UUID `json:"property_id"`
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	SessionID  string    `json:"session_id"`
}

// HandleMessagePayload advances a conversation for one inbound message.
// The body stays in the vault keyed by (property, source, message_id).
type HandleMessagePayload struct {
	PropertyID  uuid.UUID `json:"property_id"`
	Source      string    `json:"source"`
	MessageID   string    `json:"message_id"`
	Channel     string    `json:"channel"`
	ContactHash string    `json:"contact_hash"`
}

// SendMessagePayload delivers one templated outbound message. The
// handler is the sole consumer of vault contact lookups.
type SendMessagePayload struct {
	PropertyID     uuid.UUID         `json:"property_id"`
	ConversationID uuid.UUID         `json:"conversation_id"`
	Channel        string            `json:"channel"`
	ContactHash    string            `json:"contact_hash"`
	TemplateKey    string            `json:"template_key"`
	Params         map[string]string `json:"params,omitempty"`
}

// VaultCleanupPayload prunes expired vault rows.
type VaultCleanupPayload struct {
	Day string `json:"day"`
}
