package scheduling

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/clinicq/internal/platform/db"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrDuplicateSlot          = errors.New("a slot for this doctor, session and weekday already exists")
	ErrCapacityExceeded       = errors.New("no capacity left for this session")
	ErrSlotInactive           = errors.New("this session is closed on the requested date")
	ErrInvalidTransition      = errors.New("status transition not allowed")
	ErrAlreadyCheckedIn       = errors.New("reservation is already checked in")
	ErrPatientNotEligible     = errors.New("patient account is not active and verified")
	ErrInvalidState           = errors.New("reservation is already completed or cancelled")
	ErrOutsideCheckInWindow   = errors.New("check-in is outside the allowed window")
	ErrConcurrentModification = errors.New("reservation was modified concurrently, reload and retry")
	ErrAllocationUnavailable  = errors.New("queue allocation is busy, try again shortly")

	// ErrConcurrentAllocation marks a serialization failure or deadlock in
	// the allocation transaction. It is retried internally.
	ErrConcurrentAllocation = errors.New("concurrent allocation conflict")

	ErrInvalidDate      = errors.New("invalid date")
	ErrInvalidDayOfWeek = errors.New("invalid day of week")
	ErrInvalidCapacity  = errors.New("invalid capacity")
)

// FieldError describes one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports malformed input. Kind, when set, is one of the
// ErrInvalid* sentinels and is matched by errors.Is.
type ValidationError struct {
	Kind   error
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return e.Kind }

func invalid(kind error, field, msg string) *ValidationError {
	return &ValidationError{Kind: kind, Fields: []FieldError{{Field: field, Message: msg}}}
}

// PersistenceError wraps a storage failure. It is never retried because the
// write may or may not have committed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

var domainErrors = []error{
	ErrNotFound, ErrDuplicateSlot, ErrCapacityExceeded, ErrSlotInactive,
	ErrInvalidTransition, ErrAlreadyCheckedIn, ErrPatientNotEligible,
	ErrInvalidState, ErrOutsideCheckInWindow, ErrConcurrentModification,
	ErrAllocationUnavailable, ErrConcurrentAllocation,
}

// classify maps a storage error to the domain taxonomy. Domain errors pass
// through untouched.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ve *ValidationError
	var pe *PersistenceError
	if errors.As(err, &ve) || errors.As(err, &pe) {
		return err
	}
	for _, d := range domainErrors {
		if errors.Is(err, d) {
			return err
		}
	}

	err = db.Classify(err)
	switch {
	case errors.Is(err, db.ErrNoRows):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, db.ErrSerializationFailure):
		return fmt.Errorf("%s: %w: %w", op, ErrConcurrentAllocation, err)
	case errors.Is(err, db.ErrLockNotAvailable):
		return fmt.Errorf("%s: %w: %w", op, ErrAllocationUnavailable, err)
	case errors.Is(err, db.ErrUniqueViolation):
		switch db.ConstraintName(err) {
		case constraintSlotActiveUnique:
			return fmt.Errorf("%s: %w", op, ErrDuplicateSlot)
		case constraintQueueNumberUnique:
			return fmt.Errorf("%s: %w: %w", op, ErrConcurrentAllocation, err)
		}
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsTransient reports errors a caller may retry unchanged.
func IsTransient(err error) bool {
	return errors.Is(err, ErrAllocationUnavailable) || errors.Is(err, ErrConcurrentAllocation)
}

// IsPermanentPaymentError reports settlement failures that redelivery of the
// same payment event cannot fix.
func IsPermanentPaymentError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition)
}

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
