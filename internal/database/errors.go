package database

import (
	"context"
	"errors"
	"fmt"
)

// Store errors. Backends classify driver errors into these before returning.
var (
	ErrVectorSize       = errors.New("vector must have 512 elements")
	ErrUsernameConflict = errors.New("username already taken")
	ErrNotFound         = errors.New("not found")
	ErrStorage          = errors.New("storage unavailable")
)

// StorageFault wraps err as an ErrStorage failure of op. Errors that already
// carry a store classification are returned unchanged.
func StorageFault(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsClassified(err) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// IsClassified reports whether err already maps to one of the store errors.
func IsClassified(err error) bool {
	return errors.Is(err, ErrVectorSize) ||
		errors.Is(err, ErrUsernameConflict) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrStorage)
}

// IsCanceled reports whether err comes from a cancelled or expired context.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
