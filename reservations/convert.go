package reservations

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pousada/faults"
	"pousada/messaging"
	"pousada/models"
	"pousada/observability"
	"pousada/outbox"
)

// ConvertHoldTx materialises a reservation from a paid hold inside the
// caller's transaction, so payment reconciliation and conversion commit
// or roll back together. The second return reports whether this call
// created the reservation; a replay (hold already converted, or the
// unique (property, hold) insert lost a race) returns the existing row.
// A missing hold is a noop so stale payment events cannot fail forever.
func (e *Engine) ConvertHoldTx(tx *gorm.DB, propertyID, holdID uuid.UUID, correlationID string) (*models.Reservation, bool, error) {
	var hold models.Hold
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&hold, "id = ? AND property_id = ?", holdID, propertyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		observability.Reservations().RecordConversion("noop")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	property, err := loadProperty(tx, propertyID)
	if err != nil {
		return nil, false, err
	}

	if hold.Status == models.HoldConverted {
		existing, err := e.reservationForHold(tx, property, &hold)
		if err != nil {
			return nil, false, err
		}
		observability.Reservations().RecordConversion("replayed")
		return existing, false, nil
	}
	if hold.Status != models.HoldActive {
		return nil, false, faults.Newf(faults.KindConflictBusiness, "hold_not_active",
			"hold %s is %s and cannot convert", holdID, hold.Status)
	}

	guestID, err := resolveGuest(tx, propertyID, hold.GuestName, hold.GuestEmail, hold.GuestPhone)
	if err != nil {
		return nil, false, err
	}

	roomTypeID := uuid.Nil
	if hold.RoomTypeID != nil {
		roomTypeID = *hold.RoomTypeID
	}
	holdRef := hold.ID
	reservation := models.Reservation{
		ID:           uuid.New(),
		PropertyID:   propertyID,
		HoldID:       &holdRef,
		RoomTypeID:   roomTypeID,
		GuestID:      guestID,
		Status:       models.ReservationPendingPayment,
		Checkin:      hold.Checkin,
		Checkout:     hold.Checkout,
		TotalCents:   hold.TotalCents,
		Currency:     hold.Currency,
		Adults:       hold.Adults,
		ChildrenAges: hold.ChildrenAges,
	}
	result := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "property_id"}, {Name: "hold_id"}},
		// uq_reservations_hold is partial; the conflict target must carry
		// the index predicate or neither SQLite nor Postgres can infer it.
		TargetWhere: clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: "hold_id IS NOT NULL"}}},
		DoNothing:   true,
	}).Create(&reservation)
	if result.Error != nil {
		return nil, false, result.Error
	}
	if result.RowsAffected == 0 {
		existing, err := e.reservationForHold(tx, property, &hold)
		if err != nil {
			return nil, false, err
		}
		observability.Reservations().RecordConversion("replayed")
		return existing, false, nil
	}

	hold.Status = models.HoldConverted
	if err := tx.Save(&hold).Error; err != nil {
		return nil, false, err
	}

	if err := e.applyConfirmation(tx, property, &reservation); err != nil {
		return nil, false, err
	}

	if err := e.emitConfirmationMessage(tx, property, &hold, &reservation, correlationID); err != nil {
		return nil, false, err
	}

	observability.Reservations().RecordConversion("converted")
	return &reservation, true, nil
}

// reservationForHold loads the unique reservation of a hold and lets a
// later payment upgrade its status when the threshold is met by now.
func (e *Engine) reservationForHold(tx *gorm.DB, property *models.Property, hold *models.Hold) (*models.Reservation, error) {
	var reservation models.Reservation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&reservation, "property_id = ? AND hold_id = ?", hold.PropertyID, hold.ID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, faults.Newf(faults.KindInventoryConsistency, "converted_without_reservation",
			"hold %s is converted but has no reservation", hold.ID)
	}
	if err != nil {
		return nil, err
	}
	if err := e.applyConfirmation(tx, property, &reservation); err != nil {
		return nil, err
	}
	return &reservation, nil
}

// applyConfirmation moves a pending_payment reservation to confirmed
// once the applied money reaches the property's confirmation threshold.
func (e *Engine) applyConfirmation(tx *gorm.DB, property *models.Property, reservation *models.Reservation) error {
	if reservation.Status != models.ReservationPendingPayment {
		return nil
	}
	paid, err := paidCents(tx, reservation)
	if err != nil {
		return err
	}
	if paid < confirmationRequirement(property, reservation.TotalCents) {
		return nil
	}
	reservation.Status = models.ReservationConfirmed
	return tx.Save(reservation).Error
}

// emitConfirmationMessage queues the reservation_confirmed reply when
// the hold came out of a conversation whose contact is still in the
// vault. Parameters are the safe set: property name, formatted dates
// and the guest's first name.
func (e *Engine) emitConfirmationMessage(tx *gorm.DB, property *models.Property, hold *models.Hold, reservation *models.Reservation, correlationID string) error {
	if hold.ConversationID == nil || e.vault == nil {
		return nil
	}
	var conversation models.Conversation
	err := tx.First(&conversation, "id = ? AND property_id = ?", *hold.ConversationID, property.ID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	known, err := e.vault.HasContact(tx, property.ID, conversation.Channel, conversation.ContactHash)
	if err != nil {
		return err
	}
	if !known {
		return nil
	}

	firstName := ""
	if hold.GuestName != nil {
		firstName, _ = splitName(*hold.GuestName)
	}
	return outbox.Emit(tx, property.ID, correlationID, outbox.WhatsAppSendMessage{
		ConversationID: conversation.ID,
		Channel:        conversation.Channel,
		ContactHash:    conversation.ContactHash,
		TemplateKey:    messaging.TemplateReservationConfirmed,
		Params: map[string]string{
			"property_name":    property.Name,
			"checkin":          reservation.Checkin.Format("02/01/2006"),
			"checkout":         reservation.Checkout.Format("02/01/2006"),
			"guest_first_name": firstName,
		},
	})
}
