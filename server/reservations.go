package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"pousada/auth"
	"pousada/models"
	"pousada/reservations"
)

type reservationView struct {
	ID              uuid.UUID                `json:"id"`
	Status          models.ReservationStatus `json:"status"`
	HoldID          *uuid.UUID               `json:"hold_id,omitempty"`
	RoomTypeID      uuid.UUID                `json:"room_type_id"`
	RoomID          *uuid.UUID               `json:"room_id,omitempty"`
	Checkin         string                   `json:"checkin"`
	Checkout        string                   `json:"checkout"`
	Adults          int                      `json:"adults"`
	ChildrenAges    []int                    `json:"children_ages,omitempty"`
	TotalCents      int64                    `json:"total_cents"`
	AdjustmentCents int64                    `json:"adjustment_cents"`
	Currency        string                   `json:"currency"`
	Notes           string                   `json:"notes,omitempty"`
	CheckedInAt     *time.Time               `json:"checked_in_at,omitempty"`
	CheckedOutAt    *time.Time               `json:"checked_out_at,omitempty"`
	CancelledAt     *time.Time               `json:"cancelled_at,omitempty"`
}

func newReservationView(res *models.Reservation) reservationView {
	return reservationView{
		ID:              res.ID,
		Status:          res.Status,
		HoldID:          res.HoldID,
		RoomTypeID:      res.RoomTypeID,
		RoomID:          res.RoomID,
		Checkin:         models.FormatDate(res.Checkin),
		Checkout:        models.FormatDate(res.Checkout),
		Adults:          res.Adults,
		ChildrenAges:    res.ChildrenAges,
		TotalCents:      res.TotalCents,
		AdjustmentCents: res.AdjustmentCents,
		Currency:        res.Currency,
		Notes:           res.Notes,
		CheckedInAt:     res.CheckedInAt,
		CheckedOutAt:    res.CheckedOutAt,
		CancelledAt:     res.CancelledAt,
	}
}

func (s *Server) handleCreateReservation(w http.ResponseWriter, r *http.Request) {
	propertyID, err := auth.PropertyFromContext(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}

	var req struct {
		RoomTypeID   uuid.UUID  `json:"room_type_id"`
		RoomID       *uuid.UUID `json:"room_id"`
		Checkin      string     `json:"checkin"`
		Checkout     string     `json:"checkout"`
		Adults       int        `json:"adults"`
		ChildrenAges []int      `json:"children_ages"`
		Notes        string     `json:"notes"`
		GuestName    *string    `json:"guest_name"`
		GuestEmail   *string    `json:"guest_email"`
		GuestPhone   *string    `json:"guest_phone"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RoomTypeID == uuid.Nil {
		writeError(w, r, http.StatusUnprocessableEntity, "missing_field", "room_type_id is required")
		return
	}
	checkin, ok := s.requireDateField(w, r, req.Checkin, "checkin")
	if !ok {
		return
	}
	checkout, ok := s.requireDateField(w, r, req.Checkout, "checkout")
	if !ok {
		return
	}

	reservation, err := s.reservations.Create(r.Context(), reservations.CreateRequest{
		PropertyID:   propertyID,
		RoomTypeID:   req.RoomTypeID,
		RoomID:       req.RoomID,
		Checkin:      checkin,
		Checkout:     checkout,
		Adults:       req.Adults,
		ChildrenAges: req.ChildrenAges,
		Notes:        req.Notes,
		GuestName:    req.GuestName,
		GuestEmail:   req.GuestEmail,
		GuestPhone:   req.GuestPhone,
	})
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newReservationView(reservation))
}

func (s *Server) handleAddFolioPayment(w http.ResponseWriter, r *http.Request) {
	propertyID, err := auth.PropertyFromContext(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}
	reservationID, ok := pathUUID(w, r, "reservationID")
	if !ok {
		return
	}
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}

	var req struct {
		AmountCents int64  `json:"amount_cents"`
		Method      string `json:"method"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	payment, err := s.reservations.AddFolioPayment(r.Context(), reservations.FolioPaymentRequest{
		PropertyID:    propertyID,
		ReservationID: reservationID,
		AmountCents:   req.AmountCents,
		Method:        models.PaymentMethod(req.Method),
		RecordedBy:    claims.Subject,
	})
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":           payment.ID,
		"amount_cents": payment.AmountCents,
		"method":       payment.Method,
		"status":       payment.Status,
		"recorded_by":  payment.RecordedBy,
	})
}

func (s *Server) handleAddExtra(w http.ResponseWriter, r *http.Request) {
	propertyID, err := auth.PropertyFromContext(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}
	reservationID, ok := pathUUID(w, r, "reservationID")
	if !ok {
		return
	}

	var req struct {
		ExtraID  uuid.UUID `json:"extra_id"`
		Quantity int       `json:"quantity"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ExtraID == uuid.Nil {
		writeError(w, r, http.StatusUnprocessableEntity, "missing_field", "extra_id is required")
		return
	}

	extra, err := s.reservations.AddExtra(r.Context(), reservations.ExtraRequest{
		PropertyID:    propertyID,
		ReservationID: reservationID,
		ExtraID:       req.ExtraID,
		Quantity:      req.Quantity,
	})
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":                extra.ID,
		"extra_id":          extra.ExtraID,
		"name":              extra.Name,
		"pricing_mode":      extra.PricingMode,
		"unit_price_cents":  extra.UnitPriceCents,
		"quantity":          extra.Quantity,
		"total_price_cents": extra.TotalPriceCents,
	})
}

func (s *Server) handleFolio(w http.ResponseWriter, r *http.Request) {
	propertyID, err := auth.PropertyFromContext(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}
	reservationID, ok := pathUUID(w, r, "reservationID")
	if !ok {
		return
	}
	summary, err := s.reservations.Folio(r.Context(), propertyID, reservationID)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleCancelReservation(w http.ResponseWriter, r *http.Request) {
	propertyID, err := auth.PropertyFromContext(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}
	reservationID, ok := pathUUID(w, r, "reservationID")
	if !ok {
		return
	}
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := s.reservations.Cancel(r.Context(), reservations.CancelRequest{
		PropertyID:    propertyID,
		ReservationID: reservationID,
		Reason:        req.Reason,
		Actor:         claims.Subject,
	})
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reservation":       newReservationView(result.Reservation),
		"refund_cents":      result.RefundCents,
		"already_cancelled": result.AlreadyCancelled,
	})
}

func (s *Server) handleAssignRoom(w http.ResponseWriter, r *http.Request) {
	propertyID, err := auth.PropertyFromContext(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}
	reservationID, ok := pathUUID(w, r, "reservationID")
	if !ok {
		return
	}

	var req struct {
		RoomID uuid.UUID `json:"room_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RoomID == uuid.Nil {
		writeError(w, r, http.StatusUnprocessableEntity, "missing_field", "room_id is required")
		return
	}

	reservation, err := s.reservations.AssignRoom(r.Context(), propertyID, reservationID, req.RoomID)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newReservationView(reservation))
}

func (s *Server) handleChangeDates(w http.ResponseWriter, r *http.Request) {
	propertyID, err := auth.PropertyFromContext(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}
	reservationID, ok := pathUUID(w, r, "reservationID")
	if !ok {
		return
	}

	var req struct {
		Checkin  string `json:"checkin"`
		Checkout string `json:"checkout"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	checkin, ok := s.requireDateField(w, r, req.Checkin, "checkin")
	if !ok {
		return
	}
	checkout, ok := s.requireDateField(w, r, req.Checkout, "checkout")
	if !ok {
		return
	}

	reservation, err := s.reservations.ChangeDates(r.Context(), reservations.ChangeDatesRequest{
		PropertyID:    propertyID,
		ReservationID: reservationID,
		Checkin:       checkin,
		Checkout:      checkout,
	})
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newReservationView(reservation))
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	propertyID, err := auth.PropertyFromContext(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}
	reservationID, ok := pathUUID(w, r, "reservationID")
	if !ok {
		return
	}
	reservation, err := s.reservations.CheckIn(r.Context(), propertyID, reservationID)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newReservationView(reservation))
}

func (s *Server) handleCheckOut(w http.ResponseWriter, r *http.Request) {
	propertyID, err := auth.PropertyFromContext(r.Context())
	if err != nil {
		writeFault(w, r, err)
		return
	}
	reservationID, ok := pathUUID(w, r, "reservationID")
	if !ok {
		return
	}
	reservation, err := s.reservations.CheckOut(r.Context(), propertyID, reservationID)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newReservationView(reservation))
}
