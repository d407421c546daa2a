package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"pousada/auth"
	"pousada/integrations/exports"
	"pousada/models"
)

// maxExportDays bounds one export to a year of check-ins.
const maxExportDays = 366

// handleExportReservations streams an accounting export of the
// reservations checking in inside the requested window. The payload
// carries no guest contact data.
func (s *Server) handleExportReservations(w http.ResponseWriter, r *http.Request) {
	propertyID, err := auth.PropertyFromContext(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}

	query := r.URL.Query()
	start, ok := s.requireDateParam(w, r, query.Get("start_date"), "start_date")
	if !ok {
		return
	}
	end, ok := s.requireDateParam(w, r, query.Get("end_date"), "end_date")
	if !ok {
		return
	}
	if end.Before(start) {
		writeError(w, r, http.StatusUnprocessableEntity, "invalid_range", "end_date must not precede start_date")
		return
	}
	if end.Sub(start) > maxExportDays*24*time.Hour {
		writeError(w, r, http.StatusUnprocessableEntity, "range_too_large", "date range may span at most 366 days")
		return
	}

	format := strings.TrimSpace(query.Get("format"))
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "jsonl" {
		writeError(w, r, http.StatusUnprocessableEntity, "invalid_parameter", "format must be csv or jsonl")
		return
	}

	var reservations []models.Reservation
	if err := s.db.WithContext(r.Context()).
		Where("property_id = ? AND checkin >= ? AND checkin <= ?", propertyID, start, end).
		Order("checkin asc").Order("created_at asc").
		Find(&reservations).Error; err != nil {
		writeFault(w, r, err)
		return
	}

	var roomTypes []models.RoomType
	if err := s.db.WithContext(r.Context()).
		Where("property_id = ?", propertyID).Find(&roomTypes).Error; err != nil {
		writeFault(w, r, err)
		return
	}
	names := make(map[uuid.UUID]string, len(roomTypes))
	for _, rt := range roomTypes {
		names[rt.ID] = rt.Name
	}

	rows := exports.BuildReservationRows(reservations, names)

	var (
		data        []byte
		checksum    string
		contentType string
	)
	switch format {
	case "jsonl":
		data, checksum, err = exports.ReservationsJSONL(rows)
		contentType = "application/x-ndjson"
	default:
		data, checksum, err = exports.ReservationsCSV(rows)
		contentType = "text/csv; charset=utf-8"
	}
	if err != nil {
		writeFault(w, r, err)
		return
	}

	filename := fmt.Sprintf("reservations_%s_%s.%s",
		models.FormatDate(start), models.FormatDate(end), format)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("X-Export-Checksum", checksum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
