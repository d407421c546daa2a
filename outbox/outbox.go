// Package outbox persists domain-visible state changes in the same
// transaction that produces them. Events are tagged variants with fixed
// field sets; payloads are JSON and never contain PII. A downstream
// delivery process ships committed rows.
package outbox

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"pousada/models"
	"pousada/observability"
)

// Event type names recorded on outbox rows.
const (
	TypeHoldCreated          = "HOLD_CREATED"
	TypeHoldExpired          = "HOLD_EXPIRED"
	TypeHoldReleased         = "HOLD_RELEASED"
	TypeReservationCancelled = "RESERVATION_CANCELLED"
	TypeWhatsAppSendMessage  = "whatsapp.send_message"
)

// Aggregate type names.
const (
	AggregateHold         = "hold"
	AggregateReservation  = "reservation"
	AggregateConversation = "conversation"
)

// Event is a tagged outbox variant. Payload returns only the
// event-specific keys; Emit adds aggregate and correlation ids.
type Event interface {
	EventType() string
	AggregateType() string
	AggregateID() uuid.UUID
	Payload() models.JSONMap
}

// classified is implemented by message-intent events that carry a
// template key in the outbox row's message classifier column.
type classified interface {
	MessageKey() string
}

// HoldCreated is emitted exactly once per successful hold creation.
type HoldCreated struct {
	HoldID     uuid.UUID
	RoomTypeID uuid.UUID
	Checkin    time.Time
	Checkout   time.Time
	Nights     int
	TotalCents int64
	Currency   string
}

func (e HoldCreated) EventType() string      { return TypeHoldCreated }
func (e HoldCreated) AggregateType() string  { return AggregateHold }
func (e HoldCreated) AggregateID() uuid.UUID { return e.HoldID }

func (e HoldCreated) Payload() models.JSONMap {
	return models.JSONMap{
		"room_type_id": e.RoomTypeID.String(),
		"checkin":      models.FormatDate(e.Checkin),
		"checkout":     models.FormatDate(e.Checkout),
		"nights":       e.Nights,
		"total_cents":  e.TotalCents,
		"currency":     e.Currency,
	}
}

// HoldExpired is emitted when the expiration task releases inventory.
type HoldExpired struct {
	HoldID     uuid.UUID
	RoomTypeID uuid.UUID
	Nights     int
}

func (e HoldExpired) EventType() string      { return TypeHoldExpired }
func (e HoldExpired) AggregateType() string  { return AggregateHold }
func (e HoldExpired) AggregateID() uuid.UUID { return e.HoldID }

func (e HoldExpired) Payload() models.JSONMap {
	return models.JSONMap{
		"room_type_id": e.RoomTypeID.String(),
		"nights":       e.Nights,
	}
}

// HoldReleased is emitted when staff cancel an active hold.
type HoldReleased struct {
	HoldID uuid.UUID
	Actor  string
}

func (e HoldReleased) EventType() string      { return TypeHoldReleased }
func (e HoldReleased) AggregateType() string  { return AggregateHold }
func (e HoldReleased) AggregateID() uuid.UUID { return e.HoldID }

func (e HoldReleased) Payload() models.JSONMap {
	return models.JSONMap{
		"actor": e.Actor,
	}
}

// ReservationCancelled is emitted once per cancellation with the refund
// the policy produced.
type ReservationCancelled struct {
	ReservationID     uuid.UUID
	RefundAmountCents int64
	Reason            string
	Actor             string
}

func (e ReservationCancelled) EventType() string      { return TypeReservationCancelled }
func (e ReservationCancelled) AggregateType() string  { return AggregateReservation }
func (e ReservationCancelled) AggregateID() uuid.UUID { return e.ReservationID }

func (e ReservationCancelled) Payload() models.JSONMap {
	return models.JSONMap{
		"refund_amount_cents": e.RefundAmountCents,
		"reason":              e.Reason,
		"actor":               e.Actor,
	}
}

// WhatsAppSendMessage is the outbound message intent. Params carry only
// enumerated, non-PII values; the contact is referenced by hash.
type WhatsAppSendMessage struct {
	ConversationID uuid.UUID
	Channel        string
	ContactHash    string
	TemplateKey    string
	Params         map[string]string
}

func (e WhatsAppSendMessage) EventType() string      { return TypeWhatsAppSendMessage }
func (e WhatsAppSendMessage) AggregateType() string  { return AggregateConversation }
func (e WhatsAppSendMessage) AggregateID() uuid.UUID { return e.ConversationID }
func (e WhatsAppSendMessage) MessageKey() string     { return e.TemplateKey }

func (e WhatsAppSendMessage) Payload() models.JSONMap {
	params := make(map[string]any, len(e.Params))
	for key, value := range e.Params {
		params[key] = value
	}
	return models.JSONMap{
		"channel":      e.Channel,
		"contact_hash": e.ContactHash,
		"template_key": e.TemplateKey,
		"params":       params,
	}
}

// Emit appends one outbox row inside the caller's transaction. The
// payload always carries aggregate_id and correlation_id in addition to
// the event-specific keys.
func Emit(tx *gorm.DB, propertyID uuid.UUID, correlationID string, event Event) error {
	payload := event.Payload()
	if payload == nil {
		payload = models.JSONMap{}
	}
	payload["aggregate_id"] = event.AggregateID().String()
	payload["correlation_id"] = correlationID

	row := models.OutboxEvent{
		ID:            uuid.New(),
		PropertyID:    propertyID,
		EventType:     event.EventType(),
		AggregateType: event.AggregateType(),
		AggregateID:   event.AggregateID(),
		Payload:       payload,
		CorrelationID: correlationID,
		OccurredAt:    time.Now().UTC(),
	}
	if c, ok := event.(classified); ok {
		key := c.MessageKey()
		row.MessageKey = &key
	}
	if err := tx.Create(&row).Error; err != nil {
		return err
	}
	observability.Outbox().RecordEmit(event.EventType())
	return nil
}

// EventsFor lists committed events for an aggregate, oldest first. Used
// by tests and the delivery process.
func EventsFor(tx *gorm.DB, propertyID, aggregateID uuid.UUID) ([]models.OutboxEvent, error) {
	var rows []models.OutboxEvent
	err := tx.Where("property_id = ? AND aggregate_id = ?", propertyID, aggregateID).
		Order("occurred_at asc").
		Find(&rows).Error
	return rows, err
}
