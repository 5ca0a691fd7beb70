package scheduling

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
)

// QueryService answers the read-only questions asked by the queue display
// and the booking screens.
type QueryService struct {
	catalog      *CatalogService
	capacity     *CapacityTracker
	reservations ReservationRepository
}

// CurrentQueue returns the doctor's non-cancelled reservations for the date
// in display order.
func (q *QueryService) CurrentQueue(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]*Reservation, error) {
	items, err := q.reservations.ListByDoctorDate(ctx, doctorID, civilDate(date))
	if err != nil {
		return nil, classify("list queue", err)
	}
	return slices.Collect(OrderForDisplay(items)), nil
}

// AvailableSlots reports every active slot the doctor runs on the date's
// weekday together with its remaining room. Daily rows are read, never
// created.
func (q *QueryService) AvailableSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]*SlotAvailability, error) {
	date = civilDate(date)
	weekday := int(date.Weekday())

	var out []*SlotAvailability
	for slot, err := range q.catalog.ListSlotsForDoctor(ctx, doctorID) {
		if err != nil {
			return nil, err
		}
		if slot.DayOfWeek != weekday {
			continue
		}
		a, err := q.capacity.availability(ctx, slot, date)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Availability reports one slot on one date.
func (q *QueryService) Availability(ctx context.Context, slotID uuid.UUID, date time.Time) (*SlotAvailability, error) {
	return q.capacity.Availability(ctx, slotID, date)
}
