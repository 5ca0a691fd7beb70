package scheduling

import (
	"context"
	"iter"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CatalogService manages sessions and the weekly schedule slots built on them.
type CatalogService struct {
	sessions SessionRepository
	slots    SlotRepository
	pageSize int
	logger   zerolog.Logger
}

func (s *CatalogService) CreateSession(ctx context.Context, name string, start, end ClockTime) (*Session, error) {
	var fields []FieldError
	name = strings.TrimSpace(name)
	if name == "" {
		fields = append(fields, FieldError{Field: "name", Message: "is required"})
	}
	if start < 0 || end > 24*60 || start >= end {
		fields = append(fields, FieldError{Field: "end_time", Message: "must be after start_time within one day"})
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	sess := &Session{Name: name, StartTime: start, EndTime: end}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, classify("create session", err)
	}
	return sess, nil
}

func (s *CatalogService) ListSessions(ctx context.Context) ([]*Session, error) {
	items, err := s.sessions.List(ctx)
	if err != nil {
		return nil, classify("list sessions", err)
	}
	return items, nil
}

// CreateSlot registers a recurring weekly slot. dayOfWeek follows
// time.Weekday, 0 being Sunday.
func (s *CatalogService) CreateSlot(ctx context.Context, doctorID, sessionID uuid.UUID, dayOfWeek, maxPatients int) (*ScheduleSlot, error) {
	if dayOfWeek < 0 || dayOfWeek > 6 {
		return nil, invalid(ErrInvalidDayOfWeek, "day_of_week", "must be between 0 (Sunday) and 6 (Saturday)")
	}
	if maxPatients < 1 {
		return nil, invalid(ErrInvalidCapacity, "max_patients", "must be at least 1")
	}
	if doctorID == uuid.Nil {
		return nil, invalid(nil, "doctor_id", "is required")
	}

	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		err = classify("get session", err)
		if isNotFound(err) {
			return nil, invalid(nil, "session_id", "unknown session")
		}
		return nil, err
	}

	slot := &ScheduleSlot{
		DoctorID:     doctorID,
		SessionID:    sessionID,
		DayOfWeek:    dayOfWeek,
		MaxPatients:  maxPatients,
		SessionName:  sess.Name,
		SessionStart: sess.StartTime,
		SessionEnd:   sess.EndTime,
	}
	if err := s.slots.Create(ctx, slot); err != nil {
		return nil, classify("create slot", err)
	}
	s.logger.Info().
		Str("slot_id", slot.ID.String()).
		Str("doctor_id", doctorID.String()).
		Int("day_of_week", dayOfWeek).
		Int("max_patients", maxPatients).
		Msg("schedule slot created")
	return slot, nil
}

func (s *CatalogService) GetSlot(ctx context.Context, id uuid.UUID) (*ScheduleSlot, error) {
	slot, err := s.slots.GetByID(ctx, id)
	if err != nil {
		return nil, classify("get slot", err)
	}
	return slot, nil
}

// DeactivateSlot retires a slot. Existing reservations and daily rows are
// left as they are.
func (s *CatalogService) DeactivateSlot(ctx context.Context, id uuid.UUID) error {
	if err := s.slots.Deactivate(ctx, id); err != nil {
		return classify("deactivate slot", err)
	}
	s.logger.Info().Str("slot_id", id.String()).Msg("schedule slot deactivated")
	return nil
}

// ListSlotsForDoctor yields the doctor's active slots ordered by weekday and
// session start. Pages are fetched as the sequence is consumed; ranging over
// it again starts a fresh read. A storage error is yielded once and ends the
// sequence.
func (s *CatalogService) ListSlotsForDoctor(ctx context.Context, doctorID uuid.UUID) iter.Seq2[*ScheduleSlot, error] {
	return func(yield func(*ScheduleSlot, error) bool) {
		var after *SlotCursor
		for {
			page, err := s.slots.ListActiveByDoctor(ctx, doctorID, after, s.pageSize)
			if err != nil {
				yield(nil, classify("list slots", err))
				return
			}
			for _, slot := range page {
				if !yield(slot, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			last := page[len(page)-1]
			after = &SlotCursor{DayOfWeek: last.DayOfWeek, Start: last.SessionStart, ID: last.ID}
		}
	}
}
