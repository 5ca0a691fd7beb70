package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/clinicq/internal/platform/db"
)

// Constraint names referenced by classify; they must match migrations/.
const (
	constraintSlotActiveUnique  = "schedule_slot_active_uniq"
	constraintQueueNumberUnique = "reservation_queue_number_uniq"
)

// =========== Session Repository ===========

type sessionRepoPG struct{ pool *pgxpool.Pool }

func NewSessionRepoPG(pool *pgxpool.Pool) SessionRepository { return &sessionRepoPG{pool: pool} }

func (r *sessionRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const sessionCols = `id, name, start_minute, end_minute, created_at`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	var start, end int
	if err := row.Scan(&s.ID, &s.Name, &start, &end, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.StartTime, s.EndTime = ClockTime(start), ClockTime(end)
	return &s, nil
}

func (r *sessionRepoPG) Create(ctx context.Context, s *Session) error {
	s.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO session (id, name, start_minute, end_minute)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		s.ID, s.Name, int(s.StartTime), int(s.EndTime)).Scan(&s.CreatedAt)
}

func (r *sessionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	return scanSession(r.conn(ctx).QueryRow(ctx, `SELECT `+sessionCols+` FROM session WHERE id = $1`, id))
}

func (r *sessionRepoPG) List(ctx context.Context) ([]*Session, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+sessionCols+` FROM session ORDER BY start_minute, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

// =========== Schedule Slot Repository ===========

type slotRepoPG struct{ pool *pgxpool.Pool }

func NewSlotRepoPG(pool *pgxpool.Pool) SlotRepository { return &slotRepoPG{pool: pool} }

func (r *slotRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const slotSelect = `SELECT sl.id, sl.doctor_id, sl.session_id, sl.day_of_week, sl.max_patients,
	sl.is_active, sl.deleted_at, sl.created_at, sl.updated_at,
	se.name, se.start_minute, se.end_minute
	FROM schedule_slot sl JOIN session se ON se.id = sl.session_id`

func scanSlot(row pgx.Row) (*ScheduleSlot, error) {
	var s ScheduleSlot
	var start, end int
	err := row.Scan(&s.ID, &s.DoctorID, &s.SessionID, &s.DayOfWeek, &s.MaxPatients,
		&s.IsActive, &s.DeletedAt, &s.CreatedAt, &s.UpdatedAt,
		&s.SessionName, &start, &end)
	if err != nil {
		return nil, err
	}
	s.SessionStart, s.SessionEnd = ClockTime(start), ClockTime(end)
	return &s, nil
}

func (r *slotRepoPG) Create(ctx context.Context, s *ScheduleSlot) error {
	s.ID = uuid.New()
	s.IsActive = true
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO schedule_slot (id, doctor_id, session_id, day_of_week, max_patients, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		RETURNING created_at, updated_at`,
		s.ID, s.DoctorID, s.SessionID, s.DayOfWeek, s.MaxPatients).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (r *slotRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ScheduleSlot, error) {
	return scanSlot(r.conn(ctx).QueryRow(ctx, slotSelect+` WHERE sl.id = $1`, id))
}

func (r *slotRepoPG) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE schedule_slot SET is_active = FALSE, deleted_at = COALESCE(deleted_at, NOW()), updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *slotRepoPG) ListActiveByDoctor(ctx context.Context, doctorID uuid.UUID, after *SlotCursor, limit int) ([]*ScheduleSlot, error) {
	query := slotSelect + ` WHERE sl.doctor_id = $1 AND sl.deleted_at IS NULL`
	args := []interface{}{doctorID}
	if after != nil {
		query += ` AND (sl.day_of_week, se.start_minute, sl.id) > ($2, $3, $4)`
		args = append(args, after.DayOfWeek, int(after.Start), after.ID)
	}
	args = append(args, limit)
	query += ` ORDER BY sl.day_of_week, se.start_minute, sl.id LIMIT $` + strconv.Itoa(len(args))

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ScheduleSlot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

// =========== Daily Capacity Repository ===========

type capacityRepoPG struct{ pool *pgxpool.Pool }

func NewCapacityRepoPG(pool *pgxpool.Pool) CapacityRepository { return &capacityRepoPG{pool: pool} }

func (r *capacityRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const capacityCols = `id, schedule_slot_id, date, is_active, current_reservations, notes, created_at, updated_at`

func scanCapacity(row pgx.Row) (*DailyCapacity, error) {
	var c DailyCapacity
	err := row.Scan(&c.ID, &c.ScheduleSlotID, &c.Date, &c.IsActive, &c.CurrentReservations,
		&c.Notes, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Date = civilDate(c.Date)
	return &c, nil
}

func (r *capacityRepoPG) Ensure(ctx context.Context, slotID uuid.UUID, date time.Time, active bool) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO daily_capacity (id, schedule_slot_id, date, is_active, current_reservations)
		VALUES ($1, $2, $3, $4, 0)
		ON CONFLICT (schedule_slot_id, date) DO NOTHING`,
		uuid.New(), slotID, date, active)
	return err
}

func (r *capacityRepoPG) Get(ctx context.Context, slotID uuid.UUID, date time.Time) (*DailyCapacity, error) {
	return scanCapacity(r.conn(ctx).QueryRow(ctx,
		`SELECT `+capacityCols+` FROM daily_capacity WHERE schedule_slot_id = $1 AND date = $2`, slotID, date))
}

func (r *capacityRepoPG) GetForUpdate(ctx context.Context, slotID uuid.UUID, date time.Time) (*DailyCapacity, error) {
	return scanCapacity(r.conn(ctx).QueryRow(ctx,
		`SELECT `+capacityCols+` FROM daily_capacity WHERE schedule_slot_id = $1 AND date = $2 FOR UPDATE`, slotID, date))
}

func (r *capacityRepoPG) AdjustCount(ctx context.Context, id uuid.UUID, delta int) (*DailyCapacity, error) {
	return scanCapacity(r.conn(ctx).QueryRow(ctx, `
		UPDATE daily_capacity
		SET current_reservations = GREATEST(current_reservations + $2, 0), updated_at = NOW()
		WHERE id = $1
		RETURNING `+capacityCols, id, delta))
}

func (r *capacityRepoPG) SetAvailability(ctx context.Context, id uuid.UUID, active bool, notes *string) (*DailyCapacity, error) {
	return scanCapacity(r.conn(ctx).QueryRow(ctx, `
		UPDATE daily_capacity SET is_active = $2, notes = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING `+capacityCols, id, active, notes))
}

// =========== Queue Counter Repository ===========

type queueCounterRepoPG struct{ pool *pgxpool.Pool }

func NewQueueCounterRepoPG(pool *pgxpool.Pool) QueueCounterRepository {
	return &queueCounterRepoPG{pool: pool}
}

func (r *queueCounterRepoPG) Next(ctx context.Context, doctorID uuid.UUID, date time.Time) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO queue_counter (doctor_id, queue_date, last_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (doctor_id, queue_date)
		DO UPDATE SET last_number = queue_counter.last_number + 1
		RETURNING last_number`, doctorID, date).Scan(&n)
	return n, err
}

// =========== Reservation Repository ===========

type reservationRepoPG struct{ pool *pgxpool.Pool }

func NewReservationRepoPG(pool *pgxpool.Pool) ReservationRepository {
	return &reservationRepoPG{pool: pool}
}

func (r *reservationRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const resCols = `id, patient_id, doctor_id, schedule_slot_id, reservation_date, queue_date,
	queue_number, status, examination_status, complaint, is_walk_in, is_priority,
	priority_reason, emergency_override, override_reason, cancellation_reason,
	checked_in_at, rescheduled_from, version_id, created_at, updated_at`

func scanReservation(row pgx.Row) (*Reservation, error) {
	var res Reservation
	var status, exam string
	err := row.Scan(&res.ID, &res.PatientID, &res.DoctorID, &res.ScheduleSlotID,
		&res.ReservationDate, &res.QueueDate, &res.QueueNumber, &status, &exam,
		&res.Complaint, &res.IsWalkIn, &res.IsPriority, &res.PriorityReason,
		&res.EmergencyOverride, &res.OverrideReason, &res.CancellationReason,
		&res.CheckedInAt, &res.RescheduledFrom, &res.VersionID, &res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		return nil, err
	}
	res.Status, res.ExaminationStatus = ReservationStatus(status), ExaminationStatus(exam)
	if !res.Status.IsValid() {
		return nil, fmt.Errorf("reservation %s has unknown status %q", res.ID, status)
	}
	res.QueueDate = civilDate(res.QueueDate)
	return &res, nil
}

func (r *reservationRepoPG) Create(ctx context.Context, res *Reservation) error {
	res.ID = uuid.New()
	res.VersionID = 1
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO reservation (id, patient_id, doctor_id, schedule_slot_id, reservation_date,
			queue_date, queue_number, status, examination_status, complaint, is_walk_in,
			is_priority, priority_reason, emergency_override, override_reason,
			checked_in_at, rescheduled_from, version_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		RETURNING created_at, updated_at`,
		res.ID, res.PatientID, res.DoctorID, res.ScheduleSlotID, res.ReservationDate,
		res.QueueDate, res.QueueNumber, string(res.Status), string(res.ExaminationStatus),
		res.Complaint, res.IsWalkIn, res.IsPriority, res.PriorityReason,
		res.EmergencyOverride, res.OverrideReason, res.CheckedInAt, res.RescheduledFrom,
		res.VersionID).Scan(&res.CreatedAt, &res.UpdatedAt)
}

func (r *reservationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	return scanReservation(r.conn(ctx).QueryRow(ctx, `SELECT `+resCols+` FROM reservation WHERE id = $1`, id))
}

func (r *reservationRepoPG) Update(ctx context.Context, res *Reservation) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE reservation SET status = $3, examination_status = $4, cancellation_reason = $5,
			checked_in_at = $6, version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND version_id = $2
		RETURNING version_id, updated_at`,
		res.ID, res.VersionID, string(res.Status), string(res.ExaminationStatus),
		res.CancellationReason, res.CheckedInAt).Scan(&res.VersionID, &res.UpdatedAt)
	return staleAsConflict(err)
}

func (r *reservationRepoPG) UpdatePriority(ctx context.Context, res *Reservation) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE reservation SET is_priority = $3, priority_reason = $4,
			version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND version_id = $2
		RETURNING version_id, updated_at`,
		res.ID, res.VersionID, res.IsPriority, res.PriorityReason).Scan(&res.VersionID, &res.UpdatedAt)
	return staleAsConflict(err)
}

// staleAsConflict turns a missed version-checked UPDATE into
// ErrConcurrentModification. Callers load the row first, so a missing row
// means another writer got there in between.
func staleAsConflict(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrConcurrentModification
	}
	return err
}

func (r *reservationRepoPG) queryReservations(ctx context.Context, query string, args ...interface{}) ([]*Reservation, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, res)
	}
	return items, rows.Err()
}

func (r *reservationRepoPG) ListByDoctorDate(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]*Reservation, error) {
	return r.queryReservations(ctx, `SELECT `+resCols+` FROM reservation
		WHERE doctor_id = $1 AND queue_date = $2 AND status <> 'cancelled'
		ORDER BY queue_number`, doctorID, date)
}

func (r *reservationRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Reservation, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM reservation WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	items, err := r.queryReservations(ctx, `SELECT `+resCols+` FROM reservation
		WHERE patient_id = $1 ORDER BY reservation_date DESC, id LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *reservationRepoPG) ListNoShowCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*Reservation, error) {
	return r.queryReservations(ctx, `SELECT `+resCols+` FROM reservation
		WHERE status IN ('pending', 'confirmed') AND examination_status = 'not_started'
			AND reservation_date < $1
		ORDER BY reservation_date, id LIMIT $2`, cutoff, limit)
}

func (r *reservationRepoPG) AppendHistory(ctx context.Context, h *StatusChange) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO reservation_status_history (reservation_id, status, examination_status, reason, changed_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, changed_at`,
		h.ReservationID, string(h.Status), string(h.ExaminationStatus), h.Reason, h.ChangedBy).Scan(&h.ID, &h.ChangedAt)
}

func (r *reservationRepoPG) History(ctx context.Context, reservationID uuid.UUID) ([]*StatusChange, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, reservation_id, status, examination_status, reason, changed_by, changed_at
		FROM reservation_status_history WHERE reservation_id = $1 ORDER BY id`, reservationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*StatusChange
	for rows.Next() {
		var h StatusChange
		var status, exam string
		if err := rows.Scan(&h.ID, &h.ReservationID, &status, &exam, &h.Reason, &h.ChangedBy, &h.ChangedAt); err != nil {
			return nil, err
		}
		h.Status, h.ExaminationStatus = ReservationStatus(status), ExaminationStatus(exam)
		items = append(items, &h)
	}
	return items, rows.Err()
}
