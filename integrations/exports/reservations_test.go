package exports

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"pousada/models"
)

func sampleReservation(roomTypeID uuid.UUID, status models.ReservationStatus) models.Reservation {
	holdID := uuid.New()
	return models.Reservation{
		ID:           uuid.New(),
		PropertyID:   uuid.New(),
		HoldID:       &holdID,
		RoomTypeID:   roomTypeID,
		Status:       status,
		Checkin:      time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC),
		Checkout:     time.Date(2026, 9, 12, 0, 0, 0, 0, time.UTC),
		TotalCents:   40000,
		Currency:     "BRL",
		Adults:       2,
		ChildrenAges: models.IntList{5},
		CreatedAt:    time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestReservationsCSV(t *testing.T) {
	roomTypeID := uuid.New()
	rows := BuildReservationRows(
		[]models.Reservation{sampleReservation(roomTypeID, models.ReservationConfirmed)},
		map[uuid.UUID]string{roomTypeID: "Suíte Master"},
	)
	data, checksum, err := ReservationsCSV(rows)
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if len(data) == 0 || checksum == "" {
		t.Fatalf("expected data and checksum")
	}
	output := string(data)
	if !strings.Contains(output, "reservation_id,hold_id,room_type,status") {
		t.Fatalf("missing header: %s", output)
	}
	if !strings.Contains(output, "Suíte Master") {
		t.Fatalf("missing room type: %s", output)
	}
	if !strings.Contains(output, ",confirmed,2026-09-10,2026-09-12,2,2,1,40000,") {
		t.Fatalf("unexpected record: %s", output)
	}
}

func TestReservationsCSVUnknownRoomType(t *testing.T) {
	roomTypeID := uuid.New()
	rows := BuildReservationRows(
		[]models.Reservation{sampleReservation(roomTypeID, models.ReservationCancelled)},
		map[uuid.UUID]string{},
	)
	if rows[0].RoomType != roomTypeID.String() {
		t.Fatalf("room type fallback: got %s", rows[0].RoomType)
	}
}

func TestReservationsJSONL(t *testing.T) {
	roomTypeID := uuid.New()
	rows := BuildReservationRows(
		[]models.Reservation{sampleReservation(roomTypeID, models.ReservationConfirmed)},
		map[uuid.UUID]string{roomTypeID: "Chalé"},
	)
	data, checksum, err := ReservationsJSONL(rows)
	if err != nil {
		t.Fatalf("jsonl: %v", err)
	}
	if len(data) == 0 || checksum == "" {
		t.Fatalf("expected data and checksum")
	}
	output := string(data)
	if !strings.Contains(output, `"status":"confirmed"`) {
		t.Fatalf("missing status: %s", output)
	}
	if !strings.Contains(output, `"nights":2`) {
		t.Fatalf("missing nights: %s", output)
	}
	if strings.Contains(output, `"cancelled_at"`) {
		t.Fatalf("empty timestamps must be omitted: %s", output)
	}
}
