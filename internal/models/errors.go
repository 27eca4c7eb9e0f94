package models

import "errors"

// Error kinds translated by the HTTP layer. Storage and services wrap these
// with context; handlers match with errors.Is.
var (
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("validation failed")
)
