package subscription

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("subscription not found")
	ErrInvalidReference = errors.New("invalid reference")
	ErrInvalidArgument  = errors.New("invalid argument")

	ErrInvalidState             = errors.New("invalid subscription state")
	ErrAlreadyFrozen            = fmt.Errorf("%w: already frozen", ErrInvalidState)
	ErrNotFrozen                = fmt.Errorf("%w: not frozen", ErrInvalidState)
	ErrInconsistentProvisioning = fmt.Errorf("%w: remote client assignment is incomplete", ErrInvalidState)

	ErrNoChangeRequested      = errors.New("no change requested")
	ErrConcurrentModification = errors.New("subscription was modified concurrently")
)

// ConflictError reports the subscription whose versioned write was rejected.
type ConflictError struct {
	ID uint
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: %d", ErrConcurrentModification, e.ID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConcurrentModification
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrNoChangeRequested), errors.Is(err, ErrInvalidArgument):
		return "rejected"
	default:
		return "error"
	}
}
