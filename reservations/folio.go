package reservations

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"pousada/faults"
	"pousada/models"
)

// FolioPaymentRequest records a manual payment against a stay.
type FolioPaymentRequest struct {
	PropertyID    uuid.UUID
	ReservationID uuid.UUID
	AmountCents   int64
	Method        models.PaymentMethod
	RecordedBy    string
}

// AddFolioPayment appends a captured payment entry. Only confirmed and
// in-house stays accept money; the reservation status never changes
// here.
func (e *Engine) AddFolioPayment(ctx context.Context, req FolioPaymentRequest) (*models.FolioPayment, error) {
	if req.AmountCents <= 0 {
		return nil, faults.Newf(faults.KindValidation, "invalid_amount",
			"amount must be positive, got %d", req.AmountCents)
	}
	if !req.Method.Valid() {
		return nil, faults.Newf(faults.KindValidation, "invalid_method", "unknown payment method %q", req.Method)
	}

	var payment models.FolioPayment
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var reservation models.Reservation
		if err := e.lockReservation(tx, req.PropertyID, req.ReservationID, &reservation); err != nil {
			return err
		}
		if !reservation.Status.Payable() {
			return faults.Newf(faults.KindConflictBusiness, "not_payable",
				"reservation %s is %s and cannot receive payments", reservation.ID, reservation.Status)
		}

		payment = models.FolioPayment{
			ID:            uuid.New(),
			PropertyID:    req.PropertyID,
			ReservationID: reservation.ID,
			AmountCents:   req.AmountCents,
			Method:        req.Method,
			Status:        models.FolioCaptured,
			RecordedBy:    req.RecordedBy,
		}
		if err := tx.Create(&payment).Error; err != nil {
			return faults.Classify(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// ExtraRequest consumes a catalog extra onto a stay.
type ExtraRequest struct {
	PropertyID    uuid.UUID
	ReservationID uuid.UUID
	ExtraID       uuid.UUID
	Quantity      int
}

// AddExtra snapshots a catalog extra onto the reservation. Name, price
// and pricing mode are copied at consumption time so later catalog
// edits cannot rewrite history. The total expands the pricing mode over
// the stay's nights and guest count before multiplying by quantity.
func (e *Engine) AddExtra(ctx context.Context, req ExtraRequest) (*models.ReservationExtra, error) {
	if req.Quantity < 1 {
		return nil, faults.Newf(faults.KindValidation, "invalid_quantity",
			"quantity must be at least 1, got %d", req.Quantity)
	}

	var row models.ReservationExtra
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var reservation models.Reservation
		if err := e.lockReservation(tx, req.PropertyID, req.ReservationID, &reservation); err != nil {
			return err
		}
		switch reservation.Status {
		case models.ReservationCancelled, models.ReservationCheckedOut:
			return faults.Newf(faults.KindConflictBusiness, "not_editable",
				"reservation %s is %s and cannot take extras", reservation.ID, reservation.Status)
		}

		var extra models.Extra
		err := tx.First(&extra, "id = ? AND property_id = ?", req.ExtraID, req.PropertyID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return faults.Newf(faults.KindNotFound, "extra_not_found", "extra %s not found", req.ExtraID)
		}
		if err != nil {
			return err
		}
		if !extra.Active {
			return faults.Newf(faults.KindConflictBusiness, "extra_inactive", "extra %q is inactive", extra.Name)
		}

		extraID := extra.ID
		row = models.ReservationExtra{
			ID:              uuid.New(),
			PropertyID:      req.PropertyID,
			ReservationID:   reservation.ID,
			ExtraID:         &extraID,
			Name:            extra.Name,
			PricingMode:     extra.PricingMode,
			UnitPriceCents:  extra.PriceCents,
			Quantity:        req.Quantity,
			TotalPriceCents: extraTotal(extra.PricingMode, extra.PriceCents, req.Quantity, &reservation),
		}
		if err := tx.Create(&row).Error; err != nil {
			return faults.Classify(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// extraTotal expands one catalog price over the stay dimensions the
// pricing mode names. Guests count adults plus children.
func extraTotal(mode models.PricingMode, unitCents int64, quantity int, reservation *models.Reservation) int64 {
	nights := int64(models.NightsBetween(reservation.Checkin, reservation.Checkout))
	if nights < 1 {
		nights = 1
	}
	guests := int64(reservation.Adults + len(reservation.ChildrenAges))
	if guests < 1 {
		guests = 1
	}
	total := unitCents * int64(quantity)
	switch mode {
	case models.PerNight:
		total *= nights
	case models.PerGuest:
		total *= guests
	case models.PerGuestPerNight:
		total *= guests * nights
	}
	return total
}

// FolioSummary is the money view of one stay.
type FolioSummary struct {
	ReservationID    uuid.UUID                 `json:"reservation_id"`
	Status           models.ReservationStatus  `json:"status"`
	Currency         string                    `json:"currency"`
	TotalCents       int64                     `json:"total_cents"`
	AdjustmentCents  int64                     `json:"adjustment_cents"`
	ExtrasCents      int64                     `json:"extras_cents"`
	SessionPaidCents int64                     `json:"session_paid_cents"`
	CapturedCents    int64                     `json:"captured_cents"`
	BalanceCents     int64                     `json:"balance_cents"`
	Payments         []models.FolioPayment     `json:"payments"`
	Extras           []models.ReservationExtra `json:"extras"`
}

// Folio aggregates the stay total, extras, provider session payments
// and captured folio entries into the balance still owed.
func (e *Engine) Folio(ctx context.Context, propertyID, reservationID uuid.UUID) (*FolioSummary, error) {
	var summary FolioSummary
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reservation, err := e.Get(tx, propertyID, reservationID)
		if err != nil {
			return err
		}

		var extras []models.ReservationExtra
		if err := tx.Where("property_id = ? AND reservation_id = ?", propertyID, reservation.ID).
			Order("created_at asc").Find(&extras).Error; err != nil {
			return err
		}
		var payments []models.FolioPayment
		if err := tx.Where("property_id = ? AND reservation_id = ?", propertyID, reservation.ID).
			Order("created_at asc").Find(&payments).Error; err != nil {
			return err
		}

		var extrasCents int64
		for _, extra := range extras {
			extrasCents += extra.TotalPriceCents
		}
		var capturedCents int64
		for _, payment := range payments {
			if payment.Status == models.FolioCaptured {
				capturedCents += payment.AmountCents
			}
		}
		var sessionPaid int64
		if reservation.HoldID != nil {
			err := tx.Model(&models.Payment{}).
				Where("property_id = ? AND hold_id = ? AND status = ?",
					propertyID, *reservation.HoldID, models.PaymentSucceeded).
				Select("COALESCE(SUM(amount_cents),0)").
				Scan(&sessionPaid).Error
			if err != nil {
				return err
			}
		}

		summary = FolioSummary{
			ReservationID:    reservation.ID,
			Status:           reservation.Status,
			Currency:         reservation.Currency,
			TotalCents:       reservation.TotalCents,
			AdjustmentCents:  reservation.AdjustmentCents,
			ExtrasCents:      extrasCents,
			SessionPaidCents: sessionPaid,
			CapturedCents:    capturedCents,
			BalanceCents:     reservation.TotalCents + extrasCents - sessionPaid - capturedCents,
			Payments:         payments,
			Extras:           extras,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &summary, nil
}
