// Package repository holds the Postgres-backed stores the campaign pipeline reads from and the
// delivery ledger it appends to. Queries are written against the host platform's schema
// (users, users_notification_settings, emails, surveys, polls, articles) and the pipeline's own
// delivery_records table.
package repository

import (
	"database/sql"
	"errors"

	apperrors "github.com/forem/forem-sub087/internal/errors"
)

// ErrNotFound is returned when a single-row lookup matches nothing.
var ErrNotFound = errors.New("record not found")

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// wrapDBError maps sql.ErrNoRows to ErrNotFound and everything else to a database AppError.
func wrapDBError(operation string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return apperrors.NewDatabaseError(operation, err)
}
