package scheduling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ClockTime is a wall-clock time of day in minutes after midnight. It is
// encoded as "HH:MM" in JSON.
type ClockTime int

func ParseClockTime(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q, expected HH:MM", s)
	}
	return ClockTime(t.Hour()*60 + t.Minute()), nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

func (c ClockTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *ClockTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseClockTime(s)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Session is a named time window shared across doctors, e.g. "Pagi" 08:00-12:00.
type Session struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	StartTime ClockTime `db:"start_minute" json:"start_time"`
	EndTime   ClockTime `db:"end_minute" json:"end_time"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ScheduleSlot is a recurring weekly offering: one doctor, one session, one
// weekday. DayOfWeek follows time.Weekday (0 = Sunday).
type ScheduleSlot struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	DoctorID    uuid.UUID  `db:"doctor_id" json:"doctor_id"`
	SessionID   uuid.UUID  `db:"session_id" json:"session_id"`
	DayOfWeek   int        `db:"day_of_week" json:"day_of_week"`
	MaxPatients int        `db:"max_patients" json:"max_patients"`
	IsActive    bool       `db:"is_active" json:"is_active"`
	DeletedAt   *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`

	// Joined from session.
	SessionName  string    `db:"session_name" json:"session_name"`
	SessionStart ClockTime `db:"start_minute" json:"session_start"`
	SessionEnd   ClockTime `db:"end_minute" json:"session_end"`
}

// DailyCapacity materializes one slot for one calendar date.
type DailyCapacity struct {
	ID                  uuid.UUID `db:"id" json:"id"`
	ScheduleSlotID      uuid.UUID `db:"schedule_slot_id" json:"schedule_slot_id"`
	Date                time.Time `db:"date" json:"date"`
	IsActive            bool      `db:"is_active" json:"is_active"`
	CurrentReservations int       `db:"current_reservations" json:"current_reservations"`
	Notes               *string   `db:"notes" json:"notes,omitempty"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time `db:"updated_at" json:"updated_at"`
}

// Status transitions:
//
//	pending → confirmed → completed
//	pending | confirmed → cancelled
type ReservationStatus string

const (
	StatusPending   ReservationStatus = "pending"
	StatusConfirmed ReservationStatus = "confirmed"
	StatusCompleted ReservationStatus = "completed"
	StatusCancelled ReservationStatus = "cancelled"
)

var statusTransitions = map[ReservationStatus][]ReservationStatus{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCompleted, StatusCancelled},
	StatusCompleted: {},
	StatusCancelled: {},
}

func (s ReservationStatus) IsValid() bool {
	_, ok := statusTransitions[s]
	return ok
}

func (s ReservationStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s ReservationStatus) CanTransitionTo(next ReservationStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Examination status transitions:
//
//	not_started → waiting → in_progress → completed
//	                        in_progress → waiting_for_payment → completed
//	any non-terminal → cancelled
type ExaminationStatus string

const (
	ExamNotStarted        ExaminationStatus = "not_started"
	ExamWaiting           ExaminationStatus = "waiting"
	ExamInProgress        ExaminationStatus = "in_progress"
	ExamWaitingForPayment ExaminationStatus = "waiting_for_payment"
	ExamCompleted         ExaminationStatus = "completed"
	ExamCancelled         ExaminationStatus = "cancelled"
)

var examTransitions = map[ExaminationStatus][]ExaminationStatus{
	ExamNotStarted:        {ExamWaiting, ExamCancelled},
	ExamWaiting:           {ExamInProgress, ExamCancelled},
	ExamInProgress:        {ExamCompleted, ExamWaitingForPayment, ExamCancelled},
	ExamWaitingForPayment: {ExamCompleted, ExamCancelled},
	ExamCompleted:         {},
	ExamCancelled:         {},
}

func ParseExaminationStatus(s string) (ExaminationStatus, error) {
	e := ExaminationStatus(s)
	if _, ok := examTransitions[e]; !ok {
		return "", fmt.Errorf("unknown examination status %q", s)
	}
	return e, nil
}

func (e ExaminationStatus) IsTerminal() bool {
	return e == ExamCompleted || e == ExamCancelled
}

func (e ExaminationStatus) CanTransitionTo(next ExaminationStatus) bool {
	for _, allowed := range examTransitions[e] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Reservation is one patient visit attempt with an allocated queue number.
type Reservation struct {
	ID                 uuid.UUID         `db:"id" json:"id"`
	PatientID          uuid.UUID         `db:"patient_id" json:"patient_id"`
	DoctorID           uuid.UUID         `db:"doctor_id" json:"doctor_id"`
	ScheduleSlotID     uuid.UUID         `db:"schedule_slot_id" json:"schedule_slot_id"`
	ReservationDate    time.Time         `db:"reservation_date" json:"reservation_date"`
	QueueDate          time.Time         `db:"queue_date" json:"queue_date"`
	QueueNumber        int               `db:"queue_number" json:"queue_number"`
	Status             ReservationStatus `db:"status" json:"status"`
	ExaminationStatus  ExaminationStatus `db:"examination_status" json:"examination_status"`
	Complaint          *string           `db:"complaint" json:"complaint,omitempty"`
	IsWalkIn           bool              `db:"is_walk_in" json:"is_walk_in"`
	IsPriority         bool              `db:"is_priority" json:"is_priority"`
	PriorityReason     *string           `db:"priority_reason" json:"priority_reason,omitempty"`
	EmergencyOverride  bool              `db:"emergency_override" json:"emergency_override"`
	OverrideReason     *string           `db:"override_reason" json:"override_reason,omitempty"`
	CancellationReason *string           `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	CheckedInAt        *time.Time        `db:"checked_in_at" json:"checked_in_at,omitempty"`
	RescheduledFrom    *uuid.UUID        `db:"rescheduled_from" json:"rescheduled_from,omitempty"`
	VersionID          int               `db:"version_id" json:"version_id"`
	CreatedAt          time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time         `db:"updated_at" json:"updated_at"`
}

// IsCheckedIn reports whether the patient has arrived.
func (r *Reservation) IsCheckedIn() bool {
	return r.ExaminationStatus != ExamNotStarted
}

// StatusChange is one row of a reservation's transition history.
type StatusChange struct {
	ID                int64             `db:"id" json:"id"`
	ReservationID     uuid.UUID         `db:"reservation_id" json:"reservation_id"`
	Status            ReservationStatus `db:"status" json:"status"`
	ExaminationStatus ExaminationStatus `db:"examination_status" json:"examination_status"`
	Reason            *string           `db:"reason" json:"reason,omitempty"`
	ChangedBy         string            `db:"changed_by" json:"changed_by,omitempty"`
	ChangedAt         time.Time         `db:"changed_at" json:"changed_at"`
}

// SlotAvailability reports the remaining room of one slot on one date.
type SlotAvailability struct {
	Slot         *ScheduleSlot `json:"slot"`
	Date         time.Time     `json:"date"`
	IsActive     bool          `json:"is_active"`
	Reserved     int           `json:"reserved"`
	Remaining    int           `json:"remaining"`
	HasRoom      bool          `json:"has_room"`
	Materialized bool          `json:"materialized"`
	Notes        *string       `json:"notes,omitempty"`
}

// RescheduleResult pairs the cancelled reservation with its replacement.
type RescheduleResult struct {
	Superseded  *Reservation `json:"superseded"`
	Replacement *Reservation `json:"replacement"`
}

// Override authorizes an emergency walk-in past a full session.
type Override struct {
	Reason string
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// civilDate drops the clock and zone, keeping the calendar day as UTC midnight.
func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
