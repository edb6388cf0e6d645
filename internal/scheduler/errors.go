package scheduler

import "errors"

// Sentinel errors returned by Scheduler methods. Callers (the API layer)
// match these with errors.Is to pick an HTTP status (spec.md §7).
var (
	ErrValidation         = errors.New("validation error")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrServiceUnavailable = errors.New("service unavailable")
)
