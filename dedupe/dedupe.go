// Package dedupe implements the at-most-once ledger for external events.
// A ledger row is always the first write of a handling transaction so
// that every side effect commits or rolls back with it.
package dedupe

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pousada/models"
)

// Ledger sources. Task-derived sources are prefixed with "tasks." so the
// same external id can exist independently per processing stage.
const (
	SourceEvolution   = "whatsapp.evolution"
	SourceMeta        = "whatsapp.meta"
	SourceStripe      = "stripe"
	SourceHoldExpire  = "tasks.holds.expire"
	SourceStripeTask  = "tasks.stripe.handle-event"
	SourceMessageTask = "tasks.whatsapp.handle-message"
	SourceSendTask    = "tasks.whatsapp.send"
	SourceCleanupTask = "tasks.vault.cleanup"
)

// Mark inserts the ledger row for (property, source, external id) and
// reports whether it was new. A false return means the event was already
// processed and the caller must perform no further side effects.
func Mark(tx *gorm.DB, propertyID uuid.UUID, source, externalID string) (bool, error) {
	row := models.ProcessedEvent{
		ID:          uuid.New(),
		PropertyID:  propertyID,
		Source:      source,
		ExternalID:  externalID,
		ProcessedAt: time.Now().UTC(),
	}
	result := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "property_id"}, {Name: "source"}, {Name: "external_id"}},
		DoNothing: true,
	}).Create(&row)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Seen reports whether the ledger already carries the event without
// writing anything.
func Seen(tx *gorm.DB, propertyID uuid.UUID, source, externalID string) (bool, error) {
	var count int64
	err := tx.Model(&models.ProcessedEvent{}).
		Where("property_id = ? AND source = ? AND external_id = ?", propertyID, source, externalID).
		Count(&count).Error
	return count > 0, err
}
