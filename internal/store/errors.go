package store

import (
	"errors"
	"fmt"
)

// Error classes. Implementations wrap these with context and callers
// classify with errors.Is.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInvalidReorder    = errors.New("invalid reorder")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrConflict          = errors.New("conflict")
	ErrStorage           = errors.New("storage error")
)

// StorageError wraps a backend failure so it classifies as ErrStorage
// while keeping the driver error in the chain.
func StorageError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
