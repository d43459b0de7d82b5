// Package apperr holds the error kinds shared by every bounded context.
package apperr

import "errors"

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write collides with an existing entity.
	ErrConflict = errors.New("conflict")
	// ErrValidation is returned when caller input is malformed.
	ErrValidation = errors.New("validation failed")
)

// Kind returns the sentinel kind wrapped by err, or nil.
func Kind(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	case errors.Is(err, ErrConflict):
		return ErrConflict
	case errors.Is(err, ErrValidation):
		return ErrValidation
	default:
		return nil
	}
}
