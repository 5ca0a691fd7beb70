package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Transactor runs fn atomically. Repositories called with the ctx passed to fn
// take part in the same transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	List(ctx context.Context) ([]*Session, error)
}

// SlotCursor is the keyset position after the last slot of a page.
type SlotCursor struct {
	DayOfWeek int
	Start     ClockTime
	ID        uuid.UUID
}

type SlotRepository interface {
	Create(ctx context.Context, s *ScheduleSlot) error
	GetByID(ctx context.Context, id uuid.UUID) (*ScheduleSlot, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
	// ListActiveByDoctor returns up to limit active slots ordered by day of
	// week, session start and id, strictly after the cursor when one is given.
	ListActiveByDoctor(ctx context.Context, doctorID uuid.UUID, after *SlotCursor, limit int) ([]*ScheduleSlot, error)
}

type CapacityRepository interface {
	// Ensure inserts the (slot, date) row if missing. An existing row is left
	// untouched.
	Ensure(ctx context.Context, slotID uuid.UUID, date time.Time, active bool) error
	Get(ctx context.Context, slotID uuid.UUID, date time.Time) (*DailyCapacity, error)
	// GetForUpdate reads the row and holds its lock until the transaction ends.
	GetForUpdate(ctx context.Context, slotID uuid.UUID, date time.Time) (*DailyCapacity, error)
	// AdjustCount adds delta to current_reservations, flooring at zero.
	AdjustCount(ctx context.Context, id uuid.UUID, delta int) (*DailyCapacity, error)
	SetAvailability(ctx context.Context, id uuid.UUID, active bool, notes *string) (*DailyCapacity, error)
}

type QueueCounterRepository interface {
	// Next atomically reserves and returns the next queue number for the
	// doctor and date, starting at 1.
	Next(ctx context.Context, doctorID uuid.UUID, date time.Time) (int, error)
}

type ReservationRepository interface {
	Create(ctx context.Context, r *Reservation) error
	GetByID(ctx context.Context, id uuid.UUID) (*Reservation, error)
	// Update writes the lifecycle columns when the stored version matches
	// r.VersionID, then bumps r.VersionID. A stale version yields
	// ErrConcurrentModification.
	Update(ctx context.Context, r *Reservation) error
	// UpdatePriority writes only the priority columns, with the same version
	// check as Update.
	UpdatePriority(ctx context.Context, r *Reservation) error
	ListByDoctorDate(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]*Reservation, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Reservation, int, error)
	// ListNoShowCandidates returns open reservations that were never checked
	// in and whose reservation_date is before the cutoff.
	ListNoShowCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*Reservation, error)
	AppendHistory(ctx context.Context, h *StatusChange) error
	History(ctx context.Context, reservationID uuid.UUID) ([]*StatusChange, error)
}

// PatientDirectory resolves whether a patient account may book.
type PatientDirectory interface {
	IsEligible(ctx context.Context, patientID uuid.UUID) (bool, error)
}
