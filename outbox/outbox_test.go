package outbox

import (
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"pousada/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestEmitCarriesAggregateAndCorrelation(t *testing.T) {
	db := setupTestDB(t)
	propertyID := uuid.New()
	holdID := uuid.New()

	event := HoldCreated{
		HoldID:     holdID,
		RoomTypeID: uuid.New(),
		Checkin:    time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		Checkout:   time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC),
		Nights:     3,
		TotalCents: 90000,
		Currency:   "BRL",
	}
	if err := Emit(db, propertyID, "corr-123", event); err != nil {
		t.Fatalf("emit: %v", err)
	}

	rows, err := EventsFor(db, propertyID, holdID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 event, got %d", len(rows))
	}
	row := rows[0]
	if row.EventType != TypeHoldCreated {
		t.Fatalf("unexpected event type %q", row.EventType)
	}
	if row.AggregateType != AggregateHold {
		t.Fatalf("unexpected aggregate type %q", row.AggregateType)
	}
	if row.CorrelationID != "corr-123" {
		t.Fatalf("unexpected correlation id %q", row.CorrelationID)
	}
	if row.MessageKey != nil {
		t.Fatalf("domain event should not carry a message key")
	}
	if got := row.Payload["aggregate_id"]; got != holdID.String() {
		t.Fatalf("payload aggregate_id = %v", got)
	}
	if got := row.Payload["correlation_id"]; got != "corr-123" {
		t.Fatalf("payload correlation_id = %v", got)
	}
	if got := row.Payload["checkin"]; got != "2026-03-10" {
		t.Fatalf("payload checkin = %v", got)
	}
}

func TestEmitMessageIntentSetsMessageKey(t *testing.T) {
	db := setupTestDB(t)
	propertyID := uuid.New()
	conversationID := uuid.New()

	event := WhatsAppSendMessage{
		ConversationID: conversationID,
		Channel:        "whatsapp",
		ContactHash:    "c2FtcGxlLWhhc2gtdmFsdWUtMzItY2hhcnM",
		TemplateKey:    "quote_offer",
		Params: map[string]string{
			"room_type_name":  "Suíte Master",
			"nights":          "3",
			"total_formatted": "R$ 900,00",
		},
	}
	if err := Emit(db, propertyID, "corr-456", event); err != nil {
		t.Fatalf("emit: %v", err)
	}

	rows, err := EventsFor(db, propertyID, conversationID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 event, got %d", len(rows))
	}
	if rows[0].MessageKey == nil || *rows[0].MessageKey != "quote_offer" {
		t.Fatalf("message key = %v", rows[0].MessageKey)
	}
	params, ok := rows[0].Payload["params"].(map[string]any)
	if !ok {
		t.Fatalf("params payload missing: %v", rows[0].Payload)
	}
	if params["room_type_name"] != "Suíte Master" {
		t.Fatalf("params round trip: %v", params)
	}
}

func TestEmitRollsBackWithTransaction(t *testing.T) {
	db := setupTestDB(t)
	propertyID := uuid.New()
	holdID := uuid.New()

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := Emit(tx, propertyID, "corr-789", HoldReleased{HoldID: holdID, Actor: "staff"}); err != nil {
			return err
		}
		return fmt.Errorf("forced rollback")
	})
	if err == nil {
		t.Fatalf("expected transaction error")
	}

	rows, err := EventsFor(db, propertyID, holdID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("rolled-back emit should leave no rows, got %d", len(rows))
	}
}
