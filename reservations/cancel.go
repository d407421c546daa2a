package reservations

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"pousada/faults"
	"pousada/models"
	"pousada/observability"
	"pousada/outbox"
)

// CancelRequest cancels one confirmed reservation.
type CancelRequest struct {
	PropertyID    uuid.UUID
	ReservationID uuid.UUID
	Reason        string
	Actor         string
}

// CancelResult reports the cancellation outcome. AlreadyCancelled marks
// the idempotent replay branch: nothing changed on this call.
type CancelResult struct {
	Reservation      *models.Reservation
	RefundCents      int64
	AlreadyCancelled bool
}

// RefundFor computes the policy refund in integer cents. Flexible stays
// refund in full up to the free window and keep the penalty share after
// it; division floors, so the guest never receives a rounded-up cent.
func RefundFor(policy models.CancellationPolicy, totalCents int64, checkin, today time.Time) int64 {
	switch policy.Type {
	case models.PolicyNonRefundable:
		return 0
	case models.PolicyFree:
		return totalCents
	default:
		days := models.NightsBetween(today, checkin)
		if days >= policy.FreeUntilDaysBeforeCheckin {
			return totalCents
		}
		percent := int64(100 - policy.PenaltyPercent)
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		return totalCents * percent / 100
	}
}

// Cancel cancels a confirmed reservation under the property's policy:
// status flip, per-night inventory return, pending refund row when the
// policy produces one, and the RESERVATION_CANCELLED event all commit
// together. A second call returns already_cancelled without touching
// the ledger or the calendar.
func (e *Engine) Cancel(ctx context.Context, req CancelRequest) (*CancelResult, error) {
	ctx, correlationID := observability.EnsureCorrelationID(ctx)
	out := &CancelResult{}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var reservation models.Reservation
		if err := e.lockReservation(tx, req.PropertyID, req.ReservationID, &reservation); err != nil {
			return err
		}
		if reservation.Status == models.ReservationCancelled {
			out.Reservation = &reservation
			out.AlreadyCancelled = true
			return nil
		}
		if reservation.Status != models.ReservationConfirmed {
			return faults.Newf(faults.KindConflictBusiness, "not_cancellable",
				"reservation %s is %s and cannot be cancelled", reservation.ID, reservation.Status)
		}

		property, err := loadProperty(tx, req.PropertyID)
		if err != nil {
			return err
		}
		policy, err := policyFor(tx, property)
		if err != nil {
			return err
		}

		today := models.DateOnly(e.now().In(property.Location()))
		refund := RefundFor(policy, reservation.TotalCents, reservation.Checkin, today)

		cancelledAt := e.now()
		reservation.Status = models.ReservationCancelled
		reservation.CancelledAt = &cancelledAt
		if err := tx.Save(&reservation).Error; err != nil {
			return err
		}

		if err := releaseNights(tx, req.PropertyID, reservation.RoomTypeID, reservation.Checkin, reservation.Checkout); err != nil {
			return err
		}

		if refund > 0 {
			row := models.PendingRefund{
				ID:            uuid.New(),
				PropertyID:    req.PropertyID,
				ReservationID: reservation.ID,
				AmountCents:   refund,
				Currency:      reservation.Currency,
				PolicyType:    policy.Type,
				PolicySnapshot: models.JSONMap{
					"type":                           string(policy.Type),
					"free_until_days_before_checkin": policy.FreeUntilDaysBeforeCheckin,
					"penalty_percent":                policy.PenaltyPercent,
				},
				Status: models.RefundPending,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}

		out.Reservation = &reservation
		out.RefundCents = refund
		observability.Reservations().RecordCancellation(string(policy.Type))
		return outbox.Emit(tx, req.PropertyID, correlationID, outbox.ReservationCancelled{
			ReservationID:     reservation.ID,
			RefundAmountCents: refund,
			Reason:            req.Reason,
			Actor:             req.Actor,
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// policyFor loads the property's cancellation policy, falling back to
// the flexible default when none is stored.
func policyFor(tx *gorm.DB, property *models.Property) (models.CancellationPolicy, error) {
	var policy models.CancellationPolicy
	err := tx.First(&policy, "property_id = ?", property.ID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.DefaultCancellationPolicy(property.ID), nil
	}
	if err != nil {
		return models.CancellationPolicy{}, err
	}
	return policy, nil
}
