package scheduling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestGetOrCreate_InheritsSlotActiveAtCreation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	slot := env.slot(t, uuid.New(), time.Monday, 4)

	row, err := env.engine.Capacity.GetOrCreate(ctx, slot.ID, monday)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !row.IsActive || row.CurrentReservations != 0 || !row.Date.Equal(monday) {
		t.Errorf("unexpected new row: %+v", row)
	}

	_ = env.engine.Catalog.DeactivateSlot(ctx, slot.ID)

	again, err := env.engine.Capacity.GetOrCreate(ctx, slot.ID, monday.Add(10*time.Hour))
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if again.ID != row.ID || !again.IsActive {
		t.Errorf("expected the existing active row, got %+v", again)
	}

	nextWeek, err := env.engine.Capacity.GetOrCreate(ctx, slot.ID, monday.AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if nextWeek.IsActive {
		t.Error("expected a row created after deactivation to be inactive")
	}
}

func TestDeactivateSlot_KeepsMaterializedDatesOpen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	slot := env.slot(t, uuid.New(), time.Monday, 4)

	if _, err := env.engine.Capacity.GetOrCreate(ctx, slot.ID, monday); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := env.engine.Catalog.DeactivateSlot(ctx, slot.ID); err != nil {
		t.Fatalf("DeactivateSlot: %v", err)
	}

	ok, err := env.engine.Capacity.HasCapacity(ctx, slot.ID, monday)
	if err != nil || !ok {
		t.Fatalf("expected room on the existing date, got %v err=%v", ok, err)
	}
	res, err := env.engine.Lifecycle.Book(ctx, BookingRequest{
		PatientID: env.patient(), DoctorID: slot.DoctorID, SlotID: slot.ID, Date: monday,
	})
	if err != nil {
		t.Fatalf("expected booking on the existing date to succeed, got %v", err)
	}
	if res.QueueNumber != 1 {
		t.Errorf("expected queue number 1, got %d", res.QueueNumber)
	}
	row, _ := env.store.capacityRow(slot.ID, monday)
	if row.CurrentReservations != 1 {
		t.Errorf("expected counter 1, got %d", row.CurrentReservations)
	}

	// Closing the date itself is what stops further bookings.
	if _, err := env.engine.Capacity.SetDailyAvailability(ctx, slot.ID, monday, false, "retired"); err != nil {
		t.Fatalf("SetDailyAvailability: %v", err)
	}
	_, err = env.engine.Lifecycle.Book(ctx, BookingRequest{
		PatientID: env.patient(), DoctorID: slot.DoctorID, SlotID: slot.ID, Date: monday,
	})
	if !errors.Is(err, ErrSlotInactive) {
		t.Errorf("expected ErrSlotInactive after closing the date, got %v", err)
	}
}

func TestGetOrCreate_UnknownSlot(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.engine.Capacity.GetOrCreate(context.Background(), uuid.New(), monday); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestHasCapacity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	slot := env.slot(t, uuid.New(), time.Monday, 2)

	check := func(want bool) {
		t.Helper()
		got, err := env.engine.Capacity.HasCapacity(ctx, slot.ID, monday)
		if err != nil {
			t.Fatalf("HasCapacity: %v", err)
		}
		if got != want {
			t.Errorf("expected HasCapacity=%v", want)
		}
	}

	check(true)
	env.book(t, slot, monday)
	check(true)
	env.book(t, slot, monday)
	check(false)

	if _, err := env.engine.Capacity.Decrement(ctx, slot.ID, monday); err != nil {
		t.Fatalf("Decrement: %v", err)
	}
	check(true)

	if _, err := env.engine.Capacity.SetDailyAvailability(ctx, slot.ID, monday, false, "doctor on leave"); err != nil {
		t.Fatalf("SetDailyAvailability: %v", err)
	}
	check(false)
}

func TestIncrementDecrement_FloorsAtZero(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	slot := env.slot(t, uuid.New(), time.Monday, 2)

	row, err := env.engine.Capacity.Decrement(ctx, slot.ID, monday)
	if err != nil {
		t.Fatalf("Decrement on empty row: %v", err)
	}
	if row.CurrentReservations != 0 {
		t.Errorf("expected 0, got %d", row.CurrentReservations)
	}

	for i := 0; i < 3; i++ {
		row, _ = env.engine.Capacity.Increment(ctx, slot.ID, monday)
	}
	if row.CurrentReservations != 3 {
		t.Errorf("expected 3, got %d", row.CurrentReservations)
	}
	for i := 0; i < 5; i++ {
		row, _ = env.engine.Capacity.Decrement(ctx, slot.ID, monday)
	}
	if row.CurrentReservations != 0 {
		t.Errorf("expected floor at 0, got %d", row.CurrentReservations)
	}
}

func TestSetDailyAvailability_ClosesAndReopens(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	slot := env.slot(t, uuid.New(), time.Monday, 5)
	existing := env.book(t, slot, monday)

	row, err := env.engine.Capacity.SetDailyAvailability(ctx, slot.ID, monday, false, "doctor on leave")
	if err != nil {
		t.Fatalf("SetDailyAvailability: %v", err)
	}
	if row.IsActive || row.Notes == nil || *row.Notes != "doctor on leave" || row.CurrentReservations != 1 {
		t.Errorf("unexpected row: %+v", row)
	}

	_, err = env.engine.Lifecycle.Book(ctx, BookingRequest{
		PatientID: env.patient(), DoctorID: slot.DoctorID, SlotID: slot.ID, Date: monday,
	})
	if !errors.Is(err, ErrSlotInactive) {
		t.Errorf("expected ErrSlotInactive, got %v", err)
	}
	if env.store.stored(existing.ID).Status != StatusPending {
		t.Error("expected existing reservation to be kept")
	}

	// Other dates of the same slot are unaffected.
	env.book(t, slot, monday.AddDate(0, 0, 7))

	if _, err := env.engine.Capacity.SetDailyAvailability(ctx, slot.ID, monday, true, ""); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	env.book(t, slot, monday)
}

func TestAvailability_DoesNotMaterialize(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	slot := env.slot(t, uuid.New(), time.Monday, 3)

	a, err := env.engine.Queries.Availability(ctx, slot.ID, monday)
	if err != nil {
		t.Fatalf("Availability: %v", err)
	}
	if a.Materialized || a.Remaining != 3 || !a.HasRoom {
		t.Errorf("unexpected availability: %+v", a)
	}
	if _, ok := env.store.capacityRow(slot.ID, monday); ok {
		t.Error("expected no daily row to be created by a read")
	}

	env.book(t, slot, monday)
	a, _ = env.engine.Queries.Availability(ctx, slot.ID, monday)
	if !a.Materialized || a.Reserved != 1 || a.Remaining != 2 {
		t.Errorf("unexpected availability after booking: %+v", a)
	}
}
