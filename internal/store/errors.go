package store

import "errors"

// Sentinel errors, matched with errors.Is at the API boundary - mirrors the
// teacher's internal/store/store_types.go table.
var (
	ErrNotFound           = errors.New("record not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrAlreadyExists      = errors.New("record already exists")
	ErrServiceUnavailable = errors.New("service unavailable")
)
