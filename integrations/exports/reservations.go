// Package exports serialises accounting views of the booking ledger
// for download from the dashboard. Exports never carry guest contact
// data; names, emails and phone numbers stay inside the vault.
package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"

	"pousada/models"
)

// ReservationRow is one exported reservation. Room types are resolved
// to names so the file is useful without database access.
type ReservationRow struct {
	ReservationID   uuid.UUID `json:"reservation_id"`
	HoldID          string    `json:"hold_id,omitempty"`
	RoomType        string    `json:"room_type"`
	Status          string    `json:"status"`
	Checkin         string    `json:"checkin"`
	Checkout        string    `json:"checkout"`
	Nights          int       `json:"nights"`
	Adults          int       `json:"adults"`
	Children        int       `json:"children"`
	TotalCents      int64     `json:"total_cents"`
	AdjustmentCents int64     `json:"adjustment_cents"`
	Currency        string    `json:"currency"`
	CreatedAt       string    `json:"created_at"`
	CancelledAt     string    `json:"cancelled_at,omitempty"`
	CheckedInAt     string    `json:"checked_in_at,omitempty"`
	CheckedOutAt    string    `json:"checked_out_at,omitempty"`
}

// BuildReservationRows flattens reservations into export rows. Unknown
// room type ids keep the raw id so a stale snapshot still exports.
func BuildReservationRows(reservations []models.Reservation, roomTypeNames map[uuid.UUID]string) []ReservationRow {
	rows := make([]ReservationRow, 0, len(reservations))
	for _, res := range reservations {
		roomType, ok := roomTypeNames[res.RoomTypeID]
		if !ok {
			roomType = res.RoomTypeID.String()
		}
		row := ReservationRow{
			ReservationID:   res.ID,
			RoomType:        roomType,
			Status:          string(res.Status),
			Checkin:         models.FormatDate(res.Checkin),
			Checkout:        models.FormatDate(res.Checkout),
			Nights:          len(models.DatesBetween(res.Checkin, res.Checkout)),
			Adults:          res.Adults,
			Children:        len(res.ChildrenAges),
			TotalCents:      res.TotalCents,
			AdjustmentCents: res.AdjustmentCents,
			Currency:        res.Currency,
			CreatedAt:       res.CreatedAt.UTC().Format(time.RFC3339),
		}
		if res.HoldID != nil {
			row.HoldID = res.HoldID.String()
		}
		if res.CancelledAt != nil {
			row.CancelledAt = res.CancelledAt.UTC().Format(time.RFC3339)
		}
		if res.CheckedInAt != nil {
			row.CheckedInAt = res.CheckedInAt.UTC().Format(time.RFC3339)
		}
		if res.CheckedOutAt != nil {
			row.CheckedOutAt = res.CheckedOutAt.UTC().Format(time.RFC3339)
		}
		rows = append(rows, row)
	}
	return rows
}

// ReservationsCSV builds a CSV export and returns the serialised data
// alongside a SHA-256 checksum of the payload.
func ReservationsCSV(rows []ReservationRow) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	header := []string{
		"reservation_id", "hold_id", "room_type", "status",
		"checkin", "checkout", "nights", "adults", "children",
		"total_cents", "adjustment_cents", "currency",
		"created_at", "cancelled_at", "checked_in_at", "checked_out_at",
	}
	if err := writer.Write(header); err != nil {
		return nil, "", err
	}
	for _, row := range rows {
		record := []string{
			row.ReservationID.String(),
			row.HoldID,
			row.RoomType,
			row.Status,
			row.Checkin,
			row.Checkout,
			strconv.Itoa(row.Nights),
			strconv.Itoa(row.Adults),
			strconv.Itoa(row.Children),
			strconv.FormatInt(row.TotalCents, 10),
			strconv.FormatInt(row.AdjustmentCents, 10),
			row.Currency,
			row.CreatedAt,
			row.CancelledAt,
			row.CheckedInAt,
			row.CheckedOutAt,
		}
		if err := writer.Write(record); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}

// ReservationsJSONL builds a JSON Lines export and returns the
// serialised payload alongside a checksum.
func ReservationsJSONL(rows []ReservationRow) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, row := range rows {
		if err := encoder.Encode(row); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
