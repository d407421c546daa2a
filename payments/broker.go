package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pousada/dedupe"
	"pousada/faults"
	"pousada/models"
	"pousada/observability"
	"pousada/observability/logging"
	"pousada/tasks"
)

const (
	// ProviderStripe is the provider discriminator on Payment rows.
	ProviderStripe = "stripe"

	// EventCheckoutCompleted is the only event type the broker acts on.
	EventCheckoutCompleted = "checkout.session.completed"
)

// IdempotencyKeyForHold derives the deterministic provider idempotency
// string: the same hold always presents the same key, so provider
// retries return the same session.
func IdempotencyKeyForHold(holdID uuid.UUID) string {
	return "hold:" + holdID.String()
}

// HoldConverter turns a paid hold into a reservation inside the
// caller's transaction, so payment reconciliation and conversion commit
// together.
type HoldConverter interface {
	ConvertHoldTx(tx *gorm.DB, propertyID, holdID uuid.UUID, correlationID string) (*models.Reservation, bool, error)
}

// Broker owns the hold-to-session mapping and event reconciliation.
type Broker struct {
	db         *gorm.DB
	provider   SessionProvider
	converter  HoldConverter
	successURL string
	cancelURL  string
}

func NewBroker(db *gorm.DB, provider SessionProvider, converter HoldConverter, successURL, cancelURL string) *Broker {
	return &Broker{
		db:         db,
		provider:   provider,
		converter:  converter,
		successURL: successURL,
		cancelURL:  cancelURL,
	}
}

// CreateCheckoutSession returns the checkout session for a hold,
// creating it at the provider on first call. The mapping is one-to-one:
// an existing Payment row short-circuits to a session retrieve. The
// provider call deliberately runs inside the transaction holding the
// hold row lock; this is the single sanctioned exception to the
// no-outbound-HTTP-in-transaction rule, because the idempotency key
// makes the call replay-safe and the lock keeps the hold from expiring
// or converting mid-flight.
func (b *Broker) CreateCheckoutSession(ctx context.Context, propertyID, holdID uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var property models.Property
		if err := tx.First(&property, "id = ?", propertyID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return faults.Newf(faults.KindNotFound, "property_not_found", "property %s not found", propertyID)
			}
			return err
		}

		var hold models.Hold
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&hold, "id = ? AND property_id = ?", holdID, propertyID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return faults.Newf(faults.KindNotFound, "hold_not_found", "hold %s not found", holdID)
		}
		if err != nil {
			return err
		}
		if hold.Status != models.HoldActive {
			return faults.Newf(faults.KindConflictBusiness, "hold_not_active", "hold %s is %s", holdID, hold.Status)
		}

		err = tx.Where("property_id = ? AND provider = ? AND hold_id = ?", propertyID, ProviderStripe, holdID).
			First(&payment).Error
		if err == nil {
			session, err := b.provider.RetrieveCheckoutSession(ctx, payment.ProviderObjectID)
			if err != nil {
				return err
			}
			payment.CheckoutURL = session.URL
			observability.Payments().RecordSession("replayed")
			return tx.Save(&payment).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		session, err := b.provider.CreateCheckoutSession(ctx, CheckoutParams{
			IdempotencyKey: IdempotencyKeyForHold(holdID),
			AmountCents:    hold.TotalCents,
			Currency:       hold.Currency,
			ProductName: fmt.Sprintf("%s: %s a %s", property.Name,
				models.FormatDate(hold.Checkin), models.FormatDate(hold.Checkout)),
			Reference:  hold.ID.String(),
			SuccessURL: b.successURL,
			CancelURL:  b.cancelURL,
			Metadata: map[string]string{
				"property_id": propertyID.String(),
				"hold_id":     holdID.String(),
			},
		})
		if err != nil {
			return err
		}

		holdRef := hold.ID
		payment = models.Payment{
			ID:               uuid.New(),
			PropertyID:       propertyID,
			Provider:         ProviderStripe,
			ProviderObjectID: session.ID,
			HoldID:           &holdRef,
			Status:           models.PaymentCreated,
			AmountCents:      hold.TotalCents,
			Currency:         hold.Currency,
			CheckoutURL:      session.URL,
			IdempotencyKey:   IdempotencyKeyForHold(holdID),
		}
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "property_id"}, {Name: "provider"}, {Name: "provider_object_id"}},
			DoNothing: true,
		}).Create(&payment)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return tx.First(&payment, "property_id = ? AND provider = ? AND provider_object_id = ?",
				propertyID, ProviderStripe, session.ID).Error
		}
		observability.Payments().RecordSession("created")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// ReconcileOutcome names the result of one event handling run.
type ReconcileOutcome string

const (
	OutcomeDuplicate      ReconcileOutcome = "duplicate"
	OutcomeIgnored        ReconcileOutcome = "ignored"
	OutcomeUnknownSession ReconcileOutcome = "unknown_session"
	OutcomeUnchanged      ReconcileOutcome = "unchanged"
	OutcomeReconciled     ReconcileOutcome = "reconciled"
	OutcomeConverted      ReconcileOutcome = "converted"
)

// HandleEvent reconciles one provider event. The authoritative
// payment_status is retrieved from the provider before the transaction
// opens, so no outbound call runs under the ledger lock. A paid session
// converts the linked hold in the same transaction, anchored by the
// event-scoped ledger row.
func (b *Broker) HandleEvent(ctx context.Context, in tasks.StripeEventPayload) (ReconcileOutcome, error) {
	ctx, correlationID := observability.EnsureCorrelationID(ctx)

	if in.EventType != EventCheckoutCompleted {
		err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			_, err := dedupe.Mark(tx, in.PropertyID, dedupe.SourceStripeTask, in.EventID)
			return err
		})
		if err != nil {
			return "", err
		}
		observability.Payments().RecordEvent(in.EventType, string(OutcomeIgnored))
		return OutcomeIgnored, nil
	}

	session, err := b.provider.RetrieveCheckoutSession(ctx, in.SessionID)
	if err != nil {
		return "", err
	}
	target := targetStatus(session.PaymentStatus)

	outcome := OutcomeUnchanged
	err = b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh, err := dedupe.Mark(tx, in.PropertyID, dedupe.SourceStripeTask, in.EventID)
		if err != nil {
			return err
		}
		if !fresh {
			outcome = OutcomeDuplicate
			return nil
		}

		var payment models.Payment
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&payment, "property_id = ? AND provider = ? AND provider_object_id = ?",
				in.PropertyID, ProviderStripe, in.SessionID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logging.FromContext(ctx).Warn("checkout event for unknown session",
				"event_id", in.EventID,
				"event_type", in.EventType,
				"session_id", in.SessionID,
			)
			outcome = OutcomeUnknownSession
			return nil
		}
		if err != nil {
			return err
		}

		if payment.Status == target {
			outcome = OutcomeUnchanged
			return nil
		}
		payment.Status = target
		if err := tx.Save(&payment).Error; err != nil {
			return err
		}
		observability.Payments().RecordReconcile(string(target))
		outcome = OutcomeReconciled

		if target == models.PaymentSucceeded && payment.HoldID != nil && b.converter != nil {
			if _, _, err := b.converter.ConvertHoldTx(tx, in.PropertyID, *payment.HoldID, correlationID); err != nil {
				return err
			}
			outcome = OutcomeConverted
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	observability.Payments().RecordEvent(in.EventType, string(outcome))
	return outcome, nil
}

func targetStatus(providerStatus string) models.PaymentStatus {
	switch strings.ToLower(providerStatus) {
	case "paid":
		return models.PaymentSucceeded
	case "unpaid":
		return models.PaymentPending
	default:
		return models.PaymentNeedsManual
	}
}
