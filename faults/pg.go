package faults

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Postgres error codes the booking engine depends on. Unique and exclusion
// violations are load-bearing: the schema enforces at-most-once semantics
// and room-assignment overlap with them.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgExclusionViolation  = "23P01"
	pgSerializationError  = "40001"
	pgDeadlockDetected    = "40P01"
)

// Classify folds database driver errors into the taxonomy. Errors it does
// not recognise pass through unchanged so callers can still wrap them.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Wrap(KindNotFound, "not_found", err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return Wrapf(KindConflictReplay, "duplicate", err, "unique constraint %s", pgErr.ConstraintName)
		case pgExclusionViolation:
			return Wrapf(KindConflictBusiness, "room_conflict", err, "room already assigned for an overlapping stay")
		case pgForeignKeyViolation:
			return Wrapf(KindValidation, "invalid_reference", err, "referenced row does not exist")
		case pgSerializationError, pgDeadlockDetected:
			return Wrap(KindProviderTransient, "db_contention", err)
		}
	}
	return err
}
