package scheduling

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AllocationRequest asks for one queue number on a slot and date. Override is
// set only for emergency walk-ins.
type AllocationRequest struct {
	DoctorID uuid.UUID
	SlotID   uuid.UUID
	Date     time.Time
	Override *Override
}

// Allocation is the outcome of a successful allocation.
type Allocation struct {
	QueueNumber int
	Capacity    *DailyCapacity
	Slot        *ScheduleSlot
	Overridden  bool
}

// QueueAllocator hands out queue numbers under the daily capacity guard.
type QueueAllocator struct {
	tx       Transactor
	slots    SlotRepository
	capacity *CapacityTracker
	counters QueueCounterRepository
	recorder Recorder
	settings Settings
	logger   zerolog.Logger
}

// Allocate runs a standalone allocation transaction: lock the daily row,
// check capacity, draw the next number and count it. Conflicts between
// concurrent transactions are retried.
func (a *QueueAllocator) Allocate(ctx context.Context, req AllocationRequest) (*Allocation, error) {
	var out *Allocation
	err := a.run(ctx, func(ctx context.Context) error {
		var err error
		out, err = a.allocate(ctx, req)
		return err
	})
	return out, err
}

// NextNumber reserves the next queue number for a doctor and date without any
// capacity check. Numbers are never handed out twice, even after
// cancellation.
func (a *QueueAllocator) NextNumber(ctx context.Context, doctorID uuid.UUID, date time.Time) (int, error) {
	n, err := a.counters.Next(ctx, doctorID, civilDate(date))
	if err != nil {
		return 0, classify("next queue number", err)
	}
	return n, nil
}

// allocate must run inside a transaction.
func (a *QueueAllocator) allocate(ctx context.Context, req AllocationRequest) (*Allocation, error) {
	if req.Override != nil && strings.TrimSpace(req.Override.Reason) == "" {
		return nil, invalid(nil, "override_reason", "is required for an emergency override")
	}
	date := civilDate(req.Date)

	slot, row, err := a.capacity.lock(ctx, req.SlotID, date)
	if err != nil {
		return nil, err
	}
	if slot.DoctorID != req.DoctorID {
		return nil, invalid(nil, "schedule_slot_id", "slot belongs to a different doctor")
	}
	// A daily row keeps the flag it was created with. Retiring the slot
	// closes only dates that have no row yet.
	if !row.IsActive {
		return nil, ErrSlotInactive
	}

	overridden := false
	if row.CurrentReservations >= slot.MaxPatients {
		if req.Override == nil {
			return nil, ErrCapacityExceeded
		}
		overridden = true
	}

	n, err := a.NextNumber(ctx, slot.DoctorID, date)
	if err != nil {
		return nil, err
	}
	row, err = a.capacity.capacity.AdjustCount(ctx, row.ID, 1)
	if err != nil {
		return nil, classify("increment daily capacity", err)
	}

	if overridden {
		a.recorder.CapacityOverride()
		a.logger.Warn().
			Str("slot_id", slot.ID.String()).
			Str("doctor_id", slot.DoctorID.String()).
			Time("date", date).
			Int("current_reservations", row.CurrentReservations).
			Int("max_patients", slot.MaxPatients).
			Str("override_reason", req.Override.Reason).
			Msg("capacity exceeded by emergency override")
	}
	return &Allocation{QueueNumber: n, Capacity: row, Slot: slot, Overridden: overridden}, nil
}

// run executes fn in a fresh transaction, retrying the whole transaction on
// ErrConcurrentAllocation with jittered exponential backoff.
func (a *QueueAllocator) run(ctx context.Context, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.settings.AllocRetryInitial
	b.MaxInterval = a.settings.AllocRetryMaxInterval

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := classify("allocate", a.tx.WithinTx(ctx, fn))
		if err == nil {
			return struct{}{}, nil
		}
		if !errors.Is(err, ErrConcurrentAllocation) {
			return struct{}{}, backoff.Permanent(err)
		}
		if attempt >= a.settings.AllocMaxAttempts {
			return struct{}{}, err
		}
		a.recorder.AllocationRetry()
		a.logger.Warn().Err(err).Int("attempt", attempt).Msg("allocation conflict, retrying")
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(a.settings.AllocMaxAttempts)),
	)
	return err
}
