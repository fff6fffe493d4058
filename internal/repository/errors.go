package repository

import (
	"errors"

	"github.com/lib/pq"
)

// Common repository errors
var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")

	// ErrConflict marks a transaction aborted by lock contention. Callers may retry.
	ErrConflict = errors.New("transaction conflict")
)

// PostgreSQL error codes inspected by the repositories
const (
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// IsConflict reports whether err is a serialization failure or deadlock
func IsConflict(err error) bool {
	if errors.Is(err, ErrConflict) {
		return true
	}
	switch pqCode(err) {
	case pgSerializationFailure, pgDeadlockDetected:
		return true
	}
	return false
}
