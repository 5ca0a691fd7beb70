package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	reasonRescheduled = "Rescheduled"
	reasonNoShow      = "No-show"
	reasonCancelled   = "Cancelled"
	reasonExamCancel  = "Examination cancelled"
	reasonPaid        = "Payment settled"
)

// BookingRequest books a future visit on a slot.
type BookingRequest struct {
	PatientID uuid.UUID
	DoctorID  uuid.UUID
	SlotID    uuid.UUID
	Date      time.Time
	Complaint string
}

// WalkInRequest registers a patient at the desk for today's session.
type WalkInRequest struct {
	PatientID         uuid.UUID
	DoctorID          uuid.UUID
	SlotID            uuid.UUID
	Notes             string
	EmergencyOverride bool
	OverrideReason    string
}

// LifecycleService drives reservations through booking, check-in,
// examination and cancellation.
type LifecycleService struct {
	tx           Transactor
	slots        SlotRepository
	capacity     *CapacityTracker
	allocator    *QueueAllocator
	reservations ReservationRepository
	patients     PatientDirectory
	recorder     Recorder
	settings     Settings
	now          func() time.Time
	logger       zerolog.Logger
}

// Book allocates a queue number on the slot for the given date and stores a
// pending reservation.
func (l *LifecycleService) Book(ctx context.Context, req BookingRequest) (*Reservation, error) {
	res, err := l.book(ctx, req)
	l.recorder.BookingOutcome("booking", bookingOutcome(err))
	return res, l.observe("book", err)
}

func (l *LifecycleService) book(ctx context.Context, req BookingRequest) (*Reservation, error) {
	if err := l.checkEligible(ctx, req.PatientID); err != nil {
		return nil, err
	}
	slot, err := l.slots.GetByID(ctx, req.SlotID)
	if err != nil {
		return nil, classify("get slot", err)
	}
	date := civilDate(req.Date)
	if err := l.validateDate(date, slot); err != nil {
		return nil, err
	}

	var res *Reservation
	err = l.allocator.run(ctx, func(ctx context.Context) error {
		alloc, err := l.allocator.allocate(ctx, AllocationRequest{
			DoctorID: req.DoctorID,
			SlotID:   req.SlotID,
			Date:     date,
		})
		if err != nil {
			return err
		}
		r := &Reservation{
			PatientID:         req.PatientID,
			DoctorID:          alloc.Slot.DoctorID,
			ScheduleSlotID:    alloc.Slot.ID,
			ReservationDate:   l.sessionStart(date, alloc.Slot),
			QueueDate:         date,
			QueueNumber:       alloc.QueueNumber,
			Status:            StatusPending,
			ExaminationStatus: ExamNotStarted,
			Complaint:         strPtr(strings.TrimSpace(req.Complaint)),
		}
		if err := l.insert(ctx, r); err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info().
		Str("reservation_id", res.ID.String()).
		Str("doctor_id", res.DoctorID.String()).
		Time("queue_date", res.QueueDate).
		Int("queue_number", res.QueueNumber).
		Msg("reservation booked")
	return res, nil
}

// RegisterWalkIn books today's session for a patient at the desk. With
// EmergencyOverride the allocation may exceed the slot's capacity; the
// patient is then flagged as priority and placed straight in the waiting
// room.
func (l *LifecycleService) RegisterWalkIn(ctx context.Context, req WalkInRequest) (*Reservation, error) {
	res, err := l.registerWalkIn(ctx, req)
	kind := "walk_in"
	if req.EmergencyOverride {
		kind = "emergency"
	}
	l.recorder.BookingOutcome(kind, bookingOutcome(err))
	return res, l.observe("register walk-in", err)
}

func (l *LifecycleService) registerWalkIn(ctx context.Context, req WalkInRequest) (*Reservation, error) {
	reason := strings.TrimSpace(req.OverrideReason)
	if req.EmergencyOverride && reason == "" {
		return nil, invalid(nil, "override_reason", "is required for an emergency override")
	}
	if err := l.checkEligible(ctx, req.PatientID); err != nil {
		return nil, err
	}
	slot, err := l.slots.GetByID(ctx, req.SlotID)
	if err != nil {
		return nil, classify("get slot", err)
	}
	now := l.now()
	date := l.today()
	if err := l.validateDate(date, slot); err != nil {
		return nil, err
	}

	alloc := AllocationRequest{DoctorID: req.DoctorID, SlotID: req.SlotID, Date: date}
	if req.EmergencyOverride {
		alloc.Override = &Override{Reason: reason}
	}

	var res *Reservation
	err = l.allocator.run(ctx, func(ctx context.Context) error {
		a, err := l.allocator.allocate(ctx, alloc)
		if err != nil {
			return err
		}
		r := &Reservation{
			PatientID:         req.PatientID,
			DoctorID:          a.Slot.DoctorID,
			ScheduleSlotID:    a.Slot.ID,
			ReservationDate:   now,
			QueueDate:         date,
			QueueNumber:       a.QueueNumber,
			Status:            StatusConfirmed,
			ExaminationStatus: ExamNotStarted,
			Complaint:         strPtr(strings.TrimSpace(req.Notes)),
			IsWalkIn:          true,
		}
		if req.EmergencyOverride {
			checkedIn := now
			r.ExaminationStatus = ExamWaiting
			r.CheckedInAt = &checkedIn
			r.IsPriority = true
			r.PriorityReason = &reason
			r.EmergencyOverride = true
			r.OverrideReason = &reason
		}
		if err := l.insert(ctx, r); err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info().
		Str("reservation_id", res.ID.String()).
		Str("doctor_id", res.DoctorID.String()).
		Int("queue_number", res.QueueNumber).
		Bool("emergency_override", res.EmergencyOverride).
		Msg("walk-in registered")
	return res, nil
}

// Reschedule replaces a reservation with a fresh one on another slot or date.
// The old reservation is cancelled with reason "Rescheduled" and its daily
// capacity released; the new one gets a new queue number and points back to
// the old through RescheduledFrom. Both happen in one transaction.
func (l *LifecycleService) Reschedule(ctx context.Context, id, newSlotID uuid.UUID, newDate time.Time) (*RescheduleResult, error) {
	res, err := l.reschedule(ctx, id, newSlotID, newDate)
	l.recorder.BookingOutcome("reschedule", bookingOutcome(err))
	return res, l.observe("reschedule", err)
}

func (l *LifecycleService) reschedule(ctx context.Context, id, newSlotID uuid.UUID, newDate time.Time) (*RescheduleResult, error) {
	if _, err := l.GetReservation(ctx, id); err != nil {
		return nil, err
	}
	slot, err := l.slots.GetByID(ctx, newSlotID)
	if err != nil {
		return nil, classify("get slot", err)
	}
	date := civilDate(newDate)
	if err := l.validateDate(date, slot); err != nil {
		return nil, err
	}

	var result *RescheduleResult
	err = l.allocator.run(ctx, func(ctx context.Context) error {
		old, err := l.reservations.GetByID(ctx, id)
		if err != nil {
			return classify("get reservation", err)
		}
		if old.Status.IsTerminal() {
			return fmt.Errorf("reservation is %s: %w", old.Status, ErrInvalidTransition)
		}
		switch old.ExaminationStatus {
		case ExamInProgress, ExamWaitingForPayment, ExamCompleted, ExamCancelled:
			return fmt.Errorf("examination is %s: %w", old.ExaminationStatus, ErrInvalidTransition)
		}

		if _, err := l.capacity.adjust(ctx, old.ScheduleSlotID, old.QueueDate, -1); err != nil {
			return err
		}
		alloc, err := l.allocator.allocate(ctx, AllocationRequest{
			DoctorID: slot.DoctorID,
			SlotID:   slot.ID,
			Date:     date,
		})
		if err != nil {
			return err
		}

		replacement := &Reservation{
			PatientID:         old.PatientID,
			DoctorID:          alloc.Slot.DoctorID,
			ScheduleSlotID:    alloc.Slot.ID,
			ReservationDate:   l.sessionStart(date, alloc.Slot),
			QueueDate:         date,
			QueueNumber:       alloc.QueueNumber,
			Status:            StatusPending,
			ExaminationStatus: ExamNotStarted,
			Complaint:         old.Complaint,
			RescheduledFrom:   &old.ID,
		}
		if old.Status == StatusConfirmed {
			replacement.Status = StatusConfirmed
		}
		if err := l.insert(ctx, replacement); err != nil {
			return err
		}

		old.Status = StatusCancelled
		old.ExaminationStatus = ExamCancelled
		old.CancellationReason = strPtr(reasonRescheduled)
		if err := l.update(ctx, old, reasonRescheduled); err != nil {
			return err
		}
		result = &RescheduleResult{Superseded: old, Replacement: replacement}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.recorder.Transition(string(ExamCancelled))
	l.logger.Info().
		Str("reservation_id", result.Superseded.ID.String()).
		Str("replacement_id", result.Replacement.ID.String()).
		Int("queue_number", result.Replacement.QueueNumber).
		Msg("reservation rescheduled")
	return result, nil
}

// Confirm moves a pending reservation to confirmed.
func (l *LifecycleService) Confirm(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	res, err := l.transition(ctx, id, func(r *Reservation) (string, error) {
		if r.Status != StatusPending {
			return "", fmt.Errorf("reservation is %s: %w", r.Status, ErrInvalidTransition)
		}
		r.Status = StatusConfirmed
		return "", nil
	})
	return res, l.observe("confirm", err)
}

// CheckIn records the patient's arrival and puts them in the waiting room. A
// pending reservation is confirmed on the way.
func (l *LifecycleService) CheckIn(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	res, err := l.transition(ctx, id, func(r *Reservation) (string, error) {
		if r.Status.IsTerminal() {
			return "", fmt.Errorf("reservation is %s: %w", r.Status, ErrInvalidTransition)
		}
		if r.IsCheckedIn() {
			return "", ErrAlreadyCheckedIn
		}
		now := l.now()
		if err := l.checkWindow(r, now); err != nil {
			return "", err
		}
		r.Status = StatusConfirmed
		r.ExaminationStatus = ExamWaiting
		r.CheckedInAt = &now
		return "", nil
	})
	if err == nil {
		l.recorder.Transition(string(ExamWaiting))
	}
	return res, l.observe("check in", err)
}

// UpdateExaminationStatus moves the examination forward. Waiting is only
// reached through CheckIn; cancelling goes through Cancel.
func (l *LifecycleService) UpdateExaminationStatus(ctx context.Context, id uuid.UUID, next ExaminationStatus, reason string) (*Reservation, error) {
	switch next {
	case ExamCancelled:
		if strings.TrimSpace(reason) == "" {
			reason = reasonExamCancel
		}
		return l.Cancel(ctx, id, reason)
	case ExamWaiting:
		return nil, fmt.Errorf("use check-in to move a patient to waiting: %w", ErrInvalidTransition)
	}

	res, err := l.transition(ctx, id, func(r *Reservation) (string, error) {
		if r.Status.IsTerminal() || !r.ExaminationStatus.CanTransitionTo(next) {
			return "", fmt.Errorf("examination cannot move from %s to %s: %w", r.ExaminationStatus, next, ErrInvalidTransition)
		}
		if next == ExamCompleted {
			if !r.Status.CanTransitionTo(StatusCompleted) {
				return "", fmt.Errorf("reservation is %s: %w", r.Status, ErrInvalidTransition)
			}
			r.Status = StatusCompleted
		}
		r.ExaminationStatus = next
		return strings.TrimSpace(reason), nil
	})
	if err == nil {
		l.recorder.Transition(string(next))
	}
	return res, l.observe("update examination status", err)
}

// SettlePayment completes a visit held at waiting_for_payment once billing
// reports the payment.
func (l *LifecycleService) SettlePayment(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	res, err := l.transition(ctx, id, func(r *Reservation) (string, error) {
		if r.Status.IsTerminal() || r.ExaminationStatus != ExamWaitingForPayment {
			return "", fmt.Errorf("examination is %s, not waiting for payment: %w", r.ExaminationStatus, ErrInvalidTransition)
		}
		r.ExaminationStatus = ExamCompleted
		r.Status = StatusCompleted
		return reasonPaid, nil
	})
	if err == nil {
		l.recorder.Transition(string(ExamCompleted))
	}
	return res, l.observe("settle payment", err)
}

// Cancel ends a reservation and releases its unit of daily capacity, also
// after check-in. The queue number stays used.
func (l *LifecycleService) Cancel(ctx context.Context, id uuid.UUID, reason string) (*Reservation, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = reasonCancelled
	}

	var res *Reservation
	err := l.allocator.run(ctx, func(ctx context.Context) error {
		r, err := l.reservations.GetByID(ctx, id)
		if err != nil {
			return classify("get reservation", err)
		}
		if r.Status.IsTerminal() {
			return fmt.Errorf("reservation is %s: %w", r.Status, ErrInvalidTransition)
		}
		r.Status = StatusCancelled
		r.ExaminationStatus = ExamCancelled
		r.CancellationReason = &reason
		if err := l.update(ctx, r, reason); err != nil {
			return err
		}
		if _, err := l.capacity.adjust(ctx, r.ScheduleSlotID, r.QueueDate, -1); err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, l.observe("cancel", err)
	}
	l.recorder.Transition(string(ExamCancelled))
	l.logger.Info().
		Str("reservation_id", id.String()).
		Str("reason", reason).
		Msg("reservation cancelled")
	return res, nil
}

// ExpireNoShows cancels open reservations whose patient never checked in
// and whose reservation time is more than the grace period in the past.
// Individual failures are logged and skipped.
func (l *LifecycleService) ExpireNoShows(ctx context.Context) (int, error) {
	cutoff := l.now().Add(-l.settings.NoShowGrace)
	batch := l.settings.NoShowBatchSize
	seen := make(map[uuid.UUID]bool)
	expired := 0

	for {
		candidates, err := l.reservations.ListNoShowCandidates(ctx, cutoff, batch)
		if err != nil {
			return expired, l.observe("list no-shows", classify("list no-shows", err))
		}
		progressed := false
		for _, r := range candidates {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			progressed = true
			if _, err := l.Cancel(ctx, r.ID, reasonNoShow); err != nil {
				l.logger.Warn().Err(err).Str("reservation_id", r.ID.String()).Msg("could not expire no-show")
				continue
			}
			expired++
		}
		if len(candidates) < batch || !progressed {
			break
		}
	}
	if expired > 0 {
		l.logger.Info().Int("count", expired).Time("cutoff", cutoff).Msg("no-show reservations expired")
	}
	return expired, nil
}

func (l *LifecycleService) GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	r, err := l.reservations.GetByID(ctx, id)
	if err != nil {
		return nil, classify("get reservation", err)
	}
	return r, nil
}

func (l *LifecycleService) ListPatientReservations(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Reservation, int, error) {
	items, total, err := l.reservations.ListByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, 0, classify("list patient reservations", err)
	}
	return items, total, nil
}

// ReservationHistory returns the status changes of a reservation, oldest
// first.
func (l *LifecycleService) ReservationHistory(ctx context.Context, id uuid.UUID) ([]*StatusChange, error) {
	if _, err := l.GetReservation(ctx, id); err != nil {
		return nil, err
	}
	items, err := l.reservations.History(ctx, id)
	if err != nil {
		return nil, classify("get reservation history", err)
	}
	return items, nil
}

// transition loads the reservation, applies mutate and saves it with a
// history row in one transaction. mutate returns the history reason.
func (l *LifecycleService) transition(ctx context.Context, id uuid.UUID, mutate func(r *Reservation) (string, error)) (*Reservation, error) {
	var res *Reservation
	err := l.tx.WithinTx(ctx, func(ctx context.Context) error {
		r, err := l.reservations.GetByID(ctx, id)
		if err != nil {
			return classify("get reservation", err)
		}
		reason, err := mutate(r)
		if err != nil {
			return err
		}
		if err := l.update(ctx, r, reason); err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, classify("update reservation", err)
	}
	return res, nil
}

func (l *LifecycleService) insert(ctx context.Context, r *Reservation) error {
	if err := l.reservations.Create(ctx, r); err != nil {
		return classify("create reservation", err)
	}
	return l.appendHistory(ctx, r, "")
}

func (l *LifecycleService) update(ctx context.Context, r *Reservation, reason string) error {
	if err := l.reservations.Update(ctx, r); err != nil {
		return classify("update reservation", err)
	}
	return l.appendHistory(ctx, r, reason)
}

func (l *LifecycleService) appendHistory(ctx context.Context, r *Reservation, reason string) error {
	h := &StatusChange{
		ReservationID:     r.ID,
		Status:            r.Status,
		ExaminationStatus: r.ExaminationStatus,
		Reason:            strPtr(reason),
		ChangedBy:         actor(ctx),
	}
	return classify("append status history", l.reservations.AppendHistory(ctx, h))
}

func (l *LifecycleService) checkEligible(ctx context.Context, patientID uuid.UUID) error {
	if patientID == uuid.Nil {
		return invalid(nil, "patient_id", "is required")
	}
	ok, err := l.patients.IsEligible(ctx, patientID)
	if err != nil {
		return classify("check patient eligibility", err)
	}
	if !ok {
		return ErrPatientNotEligible
	}
	return nil
}

// validateDate rejects dates in the past, beyond the booking horizon, or on
// a weekday the slot does not run.
func (l *LifecycleService) validateDate(date time.Time, slot *ScheduleSlot) error {
	today := l.today()
	if date.Before(today) {
		return invalid(ErrInvalidDate, "date", "is in the past")
	}
	if date.After(today.AddDate(0, 0, l.settings.BookingHorizonDays)) {
		return invalid(ErrInvalidDate, "date",
			fmt.Sprintf("is more than %d days ahead", l.settings.BookingHorizonDays))
	}
	if int(date.Weekday()) != slot.DayOfWeek {
		return invalid(ErrInvalidDate, "date",
			fmt.Sprintf("is a %s but the slot runs on %s", date.Weekday(), time.Weekday(slot.DayOfWeek)))
	}
	return nil
}

func (l *LifecycleService) checkWindow(r *Reservation, now time.Time) error {
	if early := l.settings.CheckInEarly; early > 0 && now.Before(r.ReservationDate.Add(-early)) {
		return fmt.Errorf("check-in opens %s before the reservation: %w", early, ErrOutsideCheckInWindow)
	}
	if late := l.settings.CheckInLate; late > 0 && now.After(r.ReservationDate.Add(late)) {
		return fmt.Errorf("check-in closed %s after the reservation: %w", late, ErrOutsideCheckInWindow)
	}
	return nil
}

// today is the current calendar date in the clinic's time zone.
func (l *LifecycleService) today() time.Time {
	return civilDate(l.now().In(l.settings.Location))
}

func (l *LifecycleService) sessionStart(date time.Time, slot *ScheduleSlot) time.Time {
	y, m, d := date.Date()
	start := int(slot.SessionStart)
	return time.Date(y, m, d, start/60, start%60, 0, 0, l.settings.Location)
}

func (l *LifecycleService) observe(op string, err error) error {
	var pe *PersistenceError
	if errors.As(err, &pe) {
		l.logger.Error().Err(pe.Err).Str("op", op).Msg("scheduling persistence failure")
	}
	return err
}

func bookingOutcome(err error) string {
	var ve *ValidationError
	switch {
	case err == nil:
		return "allocated"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrSlotInactive):
		return "slot_inactive"
	case errors.Is(err, ErrPatientNotEligible):
		return "not_eligible"
	case IsTransient(err):
		return "unavailable"
	case errors.As(err, &ve):
		return "invalid"
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotFound):
		return "rejected"
	default:
		return "error"
	}
}
