package scheduling

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/clinicq/internal/platform/db"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"no rows", pgx.ErrNoRows, ErrNotFound},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, ErrConcurrentAllocation},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, ErrConcurrentAllocation},
		{"lock timeout", &pgconn.PgError{Code: "55P03"}, ErrAllocationUnavailable},
		{"duplicate slot", uniqueViolation(constraintSlotActiveUnique), ErrDuplicateSlot},
		{"duplicate queue number", uniqueViolation(constraintQueueNumberUnique), ErrConcurrentAllocation},
		{"domain error", fmt.Errorf("wrapped: %w", ErrCapacityExceeded), ErrCapacityExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify("op", tt.in)
			if !errors.Is(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestClassify_KeepsDriverError(t *testing.T) {
	err := classify("lock", &pgconn.PgError{Code: "55P03"})
	if !errors.Is(err, db.ErrLockNotAvailable) {
		t.Errorf("expected db kind to stay reachable, got %v", err)
	}
	if !IsTransient(err) {
		t.Error("expected lock timeout to be transient")
	}
}

func TestClassify_PersistenceError(t *testing.T) {
	err := classify("create reservation", errors.New("connection reset"))
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PersistenceError, got %T", err)
	}
	if pe.Op != "create reservation" {
		t.Errorf("expected op to be kept, got %q", pe.Op)
	}
	if IsTransient(err) {
		t.Error("persistence errors must not be retried")
	}
	if again := classify("outer", err); again != err {
		t.Error("expected classify to be idempotent")
	}
}

func TestClassify_Nil(t *testing.T) {
	if classify("op", nil) != nil {
		t.Error("expected nil")
	}
}

func TestValidationError(t *testing.T) {
	err := invalid(ErrInvalidDayOfWeek, "day_of_week", "must be between 0 and 6")
	if !errors.Is(err, ErrInvalidDayOfWeek) {
		t.Error("expected kind to match")
	}
	var ve *ValidationError
	if !errors.As(fmt.Errorf("create slot: %w", err), &ve) {
		t.Fatal("expected ValidationError through wrapping")
	}
	if len(ve.Fields) != 1 || ve.Fields[0].Field != "day_of_week" {
		t.Errorf("unexpected fields: %+v", ve.Fields)
	}
	if ve.Error() != "validation failed: day_of_week: must be between 0 and 6" {
		t.Errorf("unexpected message: %s", ve.Error())
	}
}

func TestIsPermanentPaymentError(t *testing.T) {
	if !IsPermanentPaymentError(fmt.Errorf("x: %w", ErrInvalidTransition)) {
		t.Error("expected invalid transition to be permanent")
	}
	if IsPermanentPaymentError(&PersistenceError{Op: "update", Err: errors.New("timeout")}) {
		t.Error("expected persistence failure to be retryable")
	}
}
