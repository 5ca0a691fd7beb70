package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CapacityTracker owns the per-date materialization of schedule slots.
// Counter changes happen under the daily row lock, inside the caller's
// transaction when there is one.
type CapacityTracker struct {
	tx       Transactor
	slots    SlotRepository
	capacity CapacityRepository
}

// GetOrCreate returns the daily row for (slot, date), creating it from the
// slot on first use. A new row inherits the slot's active flag; later changes
// to the slot do not propagate.
func (t *CapacityTracker) GetOrCreate(ctx context.Context, slotID uuid.UUID, date time.Time) (*DailyCapacity, error) {
	var row *DailyCapacity
	err := t.tx.WithinTx(ctx, func(ctx context.Context) error {
		slot, err := t.slots.GetByID(ctx, slotID)
		if err != nil {
			return classify("get slot", err)
		}
		row, err = t.ensure(ctx, slot, civilDate(date), false)
		return err
	})
	return row, err
}

// HasCapacity reports whether one more regular booking fits. The answer is
// read from the locked row; it only stays true for the duration of the
// caller's transaction.
func (t *CapacityTracker) HasCapacity(ctx context.Context, slotID uuid.UUID, date time.Time) (bool, error) {
	var ok bool
	err := t.tx.WithinTx(ctx, func(ctx context.Context) error {
		slot, row, err := t.lock(ctx, slotID, date)
		if err != nil {
			return err
		}
		ok = row.IsActive && row.CurrentReservations < slot.MaxPatients
		return nil
	})
	return ok, err
}

func (t *CapacityTracker) Increment(ctx context.Context, slotID uuid.UUID, date time.Time) (*DailyCapacity, error) {
	return t.adjust(ctx, slotID, date, 1)
}

// Decrement releases one unit. The counter floors at zero and never reports
// an underflow.
func (t *CapacityTracker) Decrement(ctx context.Context, slotID uuid.UUID, date time.Time) (*DailyCapacity, error) {
	return t.adjust(ctx, slotID, date, -1)
}

func (t *CapacityTracker) adjust(ctx context.Context, slotID uuid.UUID, date time.Time, delta int) (*DailyCapacity, error) {
	var row *DailyCapacity
	err := t.tx.WithinTx(ctx, func(ctx context.Context) error {
		_, locked, err := t.lock(ctx, slotID, date)
		if err != nil {
			return err
		}
		row, err = t.capacity.AdjustCount(ctx, locked.ID, delta)
		return classify("adjust daily capacity", err)
	})
	return row, err
}

// SetDailyAvailability opens or closes one slot on one date, e.g. when the
// doctor is away. Existing reservations are kept.
func (t *CapacityTracker) SetDailyAvailability(ctx context.Context, slotID uuid.UUID, date time.Time, active bool, notes string) (*DailyCapacity, error) {
	var row *DailyCapacity
	err := t.tx.WithinTx(ctx, func(ctx context.Context) error {
		_, locked, err := t.lock(ctx, slotID, date)
		if err != nil {
			return err
		}
		row, err = t.capacity.SetAvailability(ctx, locked.ID, active, strPtr(notes))
		return classify("set daily availability", err)
	})
	return row, err
}

// Availability reports the state of (slot, date) without materializing the
// daily row.
func (t *CapacityTracker) Availability(ctx context.Context, slotID uuid.UUID, date time.Time) (*SlotAvailability, error) {
	slot, err := t.slots.GetByID(ctx, slotID)
	if err != nil {
		return nil, classify("get slot", err)
	}
	return t.availability(ctx, slot, civilDate(date))
}

func (t *CapacityTracker) availability(ctx context.Context, slot *ScheduleSlot, date time.Time) (*SlotAvailability, error) {
	a := &SlotAvailability{Slot: slot, Date: date, IsActive: slot.IsActive}
	row, err := t.capacity.Get(ctx, slot.ID, date)
	switch err = classify("get daily capacity", err); {
	case err == nil:
		a.Materialized = true
		a.IsActive = row.IsActive
		a.Reserved = row.CurrentReservations
		a.Notes = row.Notes
	case !isNotFound(err):
		return nil, err
	}
	a.Remaining = max(slot.MaxPatients-a.Reserved, 0)
	a.HasRoom = a.IsActive && a.Remaining > 0
	return a, nil
}

// lock materializes and row-locks the daily row. It must run inside a
// transaction.
func (t *CapacityTracker) lock(ctx context.Context, slotID uuid.UUID, date time.Time) (*ScheduleSlot, *DailyCapacity, error) {
	slot, err := t.slots.GetByID(ctx, slotID)
	if err != nil {
		return nil, nil, classify("get slot", err)
	}
	row, err := t.ensure(ctx, slot, civilDate(date), true)
	if err != nil {
		return nil, nil, err
	}
	return slot, row, nil
}

func (t *CapacityTracker) ensure(ctx context.Context, slot *ScheduleSlot, date time.Time, forUpdate bool) (*DailyCapacity, error) {
	if err := t.capacity.Ensure(ctx, slot.ID, date, slot.IsActive); err != nil {
		return nil, classify("create daily capacity", err)
	}
	var (
		row *DailyCapacity
		err error
	)
	if forUpdate {
		row, err = t.capacity.GetForUpdate(ctx, slot.ID, date)
	} else {
		row, err = t.capacity.Get(ctx, slot.ID, date)
	}
	if err != nil {
		return nil, classify("lock daily capacity", err)
	}
	return row, nil
}
