package models

import "errors"

// Sentinel errors returned by the scheduling core. Callers classify with
// errors.Is; wrapped messages carry the offending identifier.
var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidState      = errors.New("invalid state")
	ErrDuplicateID       = errors.New("duplicate job id")
	ErrInvalidRecurrence = errors.New("invalid recurrence rule")
)
