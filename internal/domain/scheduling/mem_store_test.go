package scheduling

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// -- In-memory store --
//
// memStore implements every repository plus the Transactor. A transaction
// holds the store mutex for its whole duration and rolls back to a snapshot
// on error, so concurrent allocations serialize the way they do on the
// locked daily_capacity row.

type txMarker struct{}

type capKey struct {
	slotID uuid.UUID
	date   time.Time
}

type counterKey struct {
	doctorID uuid.UUID
	date     time.Time
}

type memState struct {
	sessions     map[uuid.UUID]Session
	slots        map[uuid.UUID]ScheduleSlot
	capacity     map[capKey]DailyCapacity
	counters     map[counterKey]int
	reservations map[uuid.UUID]Reservation
	history      []StatusChange
}

func (s memState) clone() memState {
	c := memState{
		sessions:     make(map[uuid.UUID]Session, len(s.sessions)),
		slots:        make(map[uuid.UUID]ScheduleSlot, len(s.slots)),
		capacity:     make(map[capKey]DailyCapacity, len(s.capacity)),
		counters:     make(map[counterKey]int, len(s.counters)),
		reservations: make(map[uuid.UUID]Reservation, len(s.reservations)),
		history:      append([]StatusChange(nil), s.history...),
	}
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	for k, v := range s.slots {
		c.slots[k] = v
	}
	for k, v := range s.capacity {
		c.capacity[k] = v
	}
	for k, v := range s.counters {
		c.counters[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	return c
}

type memStore struct {
	mu    sync.Mutex
	state memState

	eligible map[uuid.UUID]bool
	faults   map[string][]error
	calls    map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		state: memState{
			sessions:     make(map[uuid.UUID]Session),
			slots:        make(map[uuid.UUID]ScheduleSlot),
			capacity:     make(map[capKey]DailyCapacity),
			counters:     make(map[counterKey]int),
			reservations: make(map[uuid.UUID]Reservation),
		},
		eligible: make(map[uuid.UUID]bool),
		faults:   make(map[string][]error),
		calls:    make(map[string]int),
	}
}

func (s *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txMarker{}) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.state.clone()
	if err := fn(context.WithValue(ctx, txMarker{}, true)); err != nil {
		s.state = snap
		return err
	}
	return nil
}

// guard locks the store unless ctx already runs inside WithinTx.
func (s *memStore) guard(ctx context.Context) func() {
	if ctx.Value(txMarker{}) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// inject queues errors returned by the next calls to op.
func (s *memStore) inject(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], errs...)
}

func (s *memStore) callCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// fault must be called with the store locked.
func (s *memStore) fault(op string) error {
	s.calls[op]++
	if q := s.faults[op]; len(q) > 0 {
		s.faults[op] = q[1:]
		return q[0]
	}
	return nil
}

func (s *memStore) capacityRow(slotID uuid.UUID, date time.Time) (DailyCapacity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.state.capacity[capKey{slotID, civilDate(date)}]
	return row, ok
}

func (s *memStore) stored(id uuid.UUID) Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.reservations[id]
}

func uniqueViolation(constraint string) error {
	return &pgconn.PgError{Code: "23505", ConstraintName: constraint, Message: "duplicate key value"}
}

// -- Sessions --

type memSessions struct{ *memStore }

func (m memSessions) Create(ctx context.Context, sess *Session) error {
	defer m.guard(ctx)()
	if err := m.fault("sessions.Create"); err != nil {
		return err
	}
	sess.ID = uuid.New()
	sess.CreatedAt = time.Now()
	m.state.sessions[sess.ID] = *sess
	return nil
}

func (m memSessions) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	defer m.guard(ctx)()
	sess, ok := m.state.sessions[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &sess, nil
}

func (m memSessions) List(ctx context.Context) ([]*Session, error) {
	defer m.guard(ctx)()
	var items []*Session
	for _, sess := range m.state.sessions {
		sess := sess
		items = append(items, &sess)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].StartTime < items[j].StartTime })
	return items, nil
}

// -- Slots --

type memSlots struct{ *memStore }

func (m memSlots) Create(ctx context.Context, slot *ScheduleSlot) error {
	defer m.guard(ctx)()
	for _, other := range m.state.slots {
		if other.DeletedAt == nil && other.DoctorID == slot.DoctorID &&
			other.SessionID == slot.SessionID && other.DayOfWeek == slot.DayOfWeek {
			return uniqueViolation(constraintSlotActiveUnique)
		}
	}
	slot.ID = uuid.New()
	slot.IsActive = true
	slot.CreatedAt = time.Now()
	slot.UpdatedAt = slot.CreatedAt
	m.state.slots[slot.ID] = *slot
	return nil
}

func (m memSlots) GetByID(ctx context.Context, id uuid.UUID) (*ScheduleSlot, error) {
	defer m.guard(ctx)()
	slot, ok := m.state.slots[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &slot, nil
}

func (m memSlots) Deactivate(ctx context.Context, id uuid.UUID) error {
	defer m.guard(ctx)()
	slot, ok := m.state.slots[id]
	if !ok {
		return pgx.ErrNoRows
	}
	now := time.Now()
	slot.IsActive = false
	if slot.DeletedAt == nil {
		slot.DeletedAt = &now
	}
	m.state.slots[id] = slot
	return nil
}

func slotLess(a, b *ScheduleSlot) bool {
	if a.DayOfWeek != b.DayOfWeek {
		return a.DayOfWeek < b.DayOfWeek
	}
	if a.SessionStart != b.SessionStart {
		return a.SessionStart < b.SessionStart
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

func (m memSlots) ListActiveByDoctor(ctx context.Context, doctorID uuid.UUID, after *SlotCursor, limit int) ([]*ScheduleSlot, error) {
	defer m.guard(ctx)()
	if err := m.fault("slots.ListActiveByDoctor"); err != nil {
		return nil, err
	}
	var items []*ScheduleSlot
	for _, slot := range m.state.slots {
		slot := slot
		if slot.DoctorID != doctorID || slot.DeletedAt != nil {
			continue
		}
		if after != nil {
			cursor := &ScheduleSlot{DayOfWeek: after.DayOfWeek, SessionStart: after.Start, ID: after.ID}
			if !slotLess(cursor, &slot) {
				continue
			}
		}
		items = append(items, &slot)
	}
	sort.Slice(items, func(i, j int) bool { return slotLess(items[i], items[j]) })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// -- Daily capacity --

type memCapacity struct{ *memStore }

func (m memCapacity) Ensure(ctx context.Context, slotID uuid.UUID, date time.Time, active bool) error {
	defer m.guard(ctx)()
	key := capKey{slotID, civilDate(date)}
	if _, ok := m.state.capacity[key]; ok {
		return nil
	}
	now := time.Now()
	m.state.capacity[key] = DailyCapacity{
		ID:             uuid.New(),
		ScheduleSlotID: slotID,
		Date:           key.date,
		IsActive:       active,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return nil
}

func (m memCapacity) Get(ctx context.Context, slotID uuid.UUID, date time.Time) (*DailyCapacity, error) {
	defer m.guard(ctx)()
	row, ok := m.state.capacity[capKey{slotID, civilDate(date)}]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &row, nil
}

func (m memCapacity) GetForUpdate(ctx context.Context, slotID uuid.UUID, date time.Time) (*DailyCapacity, error) {
	defer m.guard(ctx)()
	if err := m.fault("capacity.GetForUpdate"); err != nil {
		return nil, err
	}
	row, ok := m.state.capacity[capKey{slotID, civilDate(date)}]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &row, nil
}

func (m memCapacity) byID(id uuid.UUID) (capKey, DailyCapacity, bool) {
	for k, row := range m.state.capacity {
		if row.ID == id {
			return k, row, true
		}
	}
	return capKey{}, DailyCapacity{}, false
}

func (m memCapacity) AdjustCount(ctx context.Context, id uuid.UUID, delta int) (*DailyCapacity, error) {
	defer m.guard(ctx)()
	key, row, ok := m.byID(id)
	if !ok {
		return nil, pgx.ErrNoRows
	}
	row.CurrentReservations = max(row.CurrentReservations+delta, 0)
	row.UpdatedAt = time.Now()
	m.state.capacity[key] = row
	return &row, nil
}

func (m memCapacity) SetAvailability(ctx context.Context, id uuid.UUID, active bool, notes *string) (*DailyCapacity, error) {
	defer m.guard(ctx)()
	key, row, ok := m.byID(id)
	if !ok {
		return nil, pgx.ErrNoRows
	}
	row.IsActive = active
	row.Notes = notes
	m.state.capacity[key] = row
	return &row, nil
}

// -- Queue counters --

type memCounters struct{ *memStore }

func (m memCounters) Next(ctx context.Context, doctorID uuid.UUID, date time.Time) (int, error) {
	defer m.guard(ctx)()
	if err := m.fault("counters.Next"); err != nil {
		return 0, err
	}
	key := counterKey{doctorID, civilDate(date)}
	m.state.counters[key]++
	return m.state.counters[key], nil
}

// -- Reservations --

type memReservations struct{ *memStore }

func (m memReservations) Create(ctx context.Context, r *Reservation) error {
	defer m.guard(ctx)()
	if err := m.fault("reservations.Create"); err != nil {
		return err
	}
	for _, other := range m.state.reservations {
		if other.Status != StatusCancelled && other.DoctorID == r.DoctorID &&
			other.QueueDate.Equal(r.QueueDate) && other.QueueNumber == r.QueueNumber {
			return uniqueViolation(constraintQueueNumberUnique)
		}
	}
	r.ID = uuid.New()
	r.VersionID = 1
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	m.state.reservations[r.ID] = *r
	return nil
}

func (m memReservations) GetByID(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	defer m.guard(ctx)()
	r, ok := m.state.reservations[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &r, nil
}

func (m memReservations) Update(ctx context.Context, r *Reservation) error {
	defer m.guard(ctx)()
	if err := m.fault("reservations.Update"); err != nil {
		return err
	}
	stored, ok := m.state.reservations[r.ID]
	if !ok || stored.VersionID != r.VersionID {
		return ErrConcurrentModification
	}
	stored.Status = r.Status
	stored.ExaminationStatus = r.ExaminationStatus
	stored.CancellationReason = r.CancellationReason
	stored.CheckedInAt = r.CheckedInAt
	stored.VersionID++
	stored.UpdatedAt = time.Now()
	m.state.reservations[r.ID] = stored
	r.VersionID, r.UpdatedAt = stored.VersionID, stored.UpdatedAt
	return nil
}

func (m memReservations) UpdatePriority(ctx context.Context, r *Reservation) error {
	defer m.guard(ctx)()
	stored, ok := m.state.reservations[r.ID]
	if !ok || stored.VersionID != r.VersionID {
		return ErrConcurrentModification
	}
	stored.IsPriority = r.IsPriority
	stored.PriorityReason = r.PriorityReason
	stored.VersionID++
	m.state.reservations[r.ID] = stored
	r.VersionID = stored.VersionID
	return nil
}

func (m memReservations) filter(keep func(r *Reservation) bool) []*Reservation {
	var items []*Reservation
	for _, r := range m.state.reservations {
		r := r
		if keep(&r) {
			items = append(items, &r)
		}
	}
	return items
}

func (m memReservations) ListByDoctorDate(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]*Reservation, error) {
	defer m.guard(ctx)()
	items := m.filter(func(r *Reservation) bool {
		return r.DoctorID == doctorID && r.QueueDate.Equal(date) && r.Status != StatusCancelled
	})
	sort.Slice(items, func(i, j int) bool { return items[i].QueueNumber < items[j].QueueNumber })
	return items, nil
}

func (m memReservations) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Reservation, int, error) {
	defer m.guard(ctx)()
	items := m.filter(func(r *Reservation) bool { return r.PatientID == patientID })
	sort.Slice(items, func(i, j int) bool { return items[i].ReservationDate.After(items[j].ReservationDate) })
	total := len(items)
	if offset >= total {
		return nil, total, nil
	}
	return items[offset:min(offset+limit, total)], total, nil
}

func (m memReservations) ListNoShowCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*Reservation, error) {
	defer m.guard(ctx)()
	items := m.filter(func(r *Reservation) bool {
		return !r.Status.IsTerminal() && r.ExaminationStatus == ExamNotStarted && r.ReservationDate.Before(cutoff)
	})
	sort.Slice(items, func(i, j int) bool { return items[i].ReservationDate.Before(items[j].ReservationDate) })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m memReservations) AppendHistory(ctx context.Context, h *StatusChange) error {
	defer m.guard(ctx)()
	h.ID = int64(len(m.state.history) + 1)
	h.ChangedAt = time.Now()
	m.state.history = append(m.state.history, *h)
	return nil
}

func (m memReservations) History(ctx context.Context, id uuid.UUID) ([]*StatusChange, error) {
	defer m.guard(ctx)()
	var items []*StatusChange
	for _, h := range m.state.history {
		h := h
		if h.ReservationID == id {
			items = append(items, &h)
		}
	}
	return items, nil
}

// -- Collaborators --

type memPatients struct{ *memStore }

func (m memPatients) IsEligible(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eligible[id], nil
}

type fakeRecorder struct {
	mu          sync.Mutex
	outcomes    map[string]int
	retries     int
	overrides   int
	transitions map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{outcomes: make(map[string]int), transitions: make(map[string]int)}
}

func (r *fakeRecorder) BookingOutcome(kind, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[kind+"/"+outcome]++
}

func (r *fakeRecorder) AllocationRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func (r *fakeRecorder) CapacityOverride() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides++
}

func (r *fakeRecorder) Transition(to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions[to]++
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// -- Fixtures --

// 2025-06-01 is a Sunday; monday is the next day.
var (
	sunday = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	monday = time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
)

type testEnv struct {
	engine   *Engine
	store    *memStore
	clock    *testClock
	recorder *fakeRecorder
}

func newTestEnv(t *testing.T, opts ...func(*Settings)) *testEnv {
	t.Helper()
	store := newMemStore()
	clock := &testClock{now: sunday.Add(9 * time.Hour)}
	rec := newFakeRecorder()

	settings := DefaultSettings()
	settings.AllocRetryInitial = time.Millisecond
	settings.AllocRetryMaxInterval = 2 * time.Millisecond
	for _, opt := range opts {
		opt(&settings)
	}

	engine := NewEngine(Deps{
		Tx:           store,
		Sessions:     memSessions{store},
		Slots:        memSlots{store},
		Capacity:     memCapacity{store},
		Counters:     memCounters{store},
		Reservations: memReservations{store},
		Patients:     memPatients{store},
		Recorder:     rec,
		Logger:       zerolog.Nop(),
		Settings:     settings,
		Now:          clock.Now,
	})
	return &testEnv{engine: engine, store: store, clock: clock, recorder: rec}
}

func (env *testEnv) patient() uuid.UUID {
	id := uuid.New()
	env.store.mu.Lock()
	env.store.eligible[id] = true
	env.store.mu.Unlock()
	return id
}

// slot creates a 08:00-12:00 session slot for doctorID on day.
func (env *testEnv) slot(t *testing.T, doctorID uuid.UUID, day time.Weekday, maxPatients int) *ScheduleSlot {
	t.Helper()
	ctx := context.Background()
	sess, err := env.engine.Catalog.CreateSession(ctx, "Pagi "+uuid.NewString()[:8], 8*60, 12*60)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	slot, err := env.engine.Catalog.CreateSlot(ctx, doctorID, sess.ID, int(day), maxPatients)
	if err != nil {
		t.Fatalf("CreateSlot: %v", err)
	}
	return slot
}

func (env *testEnv) book(t *testing.T, slot *ScheduleSlot, date time.Time) *Reservation {
	t.Helper()
	res, err := env.engine.Lifecycle.Book(context.Background(), BookingRequest{
		PatientID: env.patient(),
		DoctorID:  slot.DoctorID,
		SlotID:    slot.ID,
		Date:      date,
	})
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	return res
}
