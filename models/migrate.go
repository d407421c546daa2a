package models

import (
	"fmt"

	"gorm.io/gorm"
)

// AutoMigrate applies schema migrations for all models used by the
// service, then layers the Postgres-only constraints on top.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&Property{},
		&RoomType{},
		&Room{},
		&ARIDay{},
		&RateDay{},
		&ChildAgeBucket{},
		&Conversation{},
		&QuoteOption{},
		&Hold{},
		&HoldNight{},
		&Reservation{},
		&Payment{},
		&FolioPayment{},
		&Extra{},
		&ReservationExtra{},
		&PendingRefund{},
		&Guest{},
		&CancellationPolicy{},
		&OutboxEvent{},
		&ProcessedEvent{},
		&IdempotencyKey{},
		&ContactRef{},
		&MessageRef{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return applyPostgresConstraints(db)
}

// applyPostgresConstraints adds the guards AutoMigrate cannot express:
// the room-overlap exclusion constraint and the inventory check. The
// sqlite dialect used in tests skips them; application-level checks
// cover the same rules there.
func applyPostgresConstraints(db *gorm.DB) error {
	if db.Dialector.Name() != "postgres" {
		return nil
	}
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS btree_gist`,
		`DO $$ BEGIN
			ALTER TABLE ari_days ADD CONSTRAINT ari_days_inventory_guard
				CHECK (inv_booked + inv_held <= inv_total AND inv_held >= 0 AND inv_booked >= 0);
		EXCEPTION WHEN duplicate_object OR duplicate_table THEN NULL; END $$`,
		`DO $$ BEGIN
			ALTER TABLE reservations ADD CONSTRAINT room_assignment_no_overlap
				EXCLUDE USING gist (
					room_id WITH =,
					daterange(checkin, checkout, '[)') WITH &&
				) WHERE (room_id IS NOT NULL AND status IN ('confirmed', 'in_house', 'checked_out'));
		EXCEPTION WHEN duplicate_object OR duplicate_table THEN NULL; END $$`,
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("apply constraint: %w", err)
		}
	}
	return nil
}
