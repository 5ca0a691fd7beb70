package scheduling

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/clinicq/internal/platform/auth"
)

// Recorder receives scheduling events for metrics.
type Recorder interface {
	BookingOutcome(kind, outcome string)
	AllocationRetry()
	CapacityOverride()
	Transition(to string)
}

type nopRecorder struct{}

func (nopRecorder) BookingOutcome(string, string) {}
func (nopRecorder) AllocationRetry()              {}
func (nopRecorder) CapacityOverride()             {}
func (nopRecorder) Transition(string)             {}

// Settings are the clinic policy knobs.
type Settings struct {
	Location           *time.Location
	BookingHorizonDays int
	// CheckInEarly and CheckInLate bound check-in around the reservation
	// time. Zero disables that side of the window.
	CheckInEarly time.Duration
	CheckInLate  time.Duration
	NoShowGrace  time.Duration

	AllocMaxAttempts      int
	AllocRetryInitial     time.Duration
	AllocRetryMaxInterval time.Duration

	SlotPageSize    int
	NoShowBatchSize int
}

func DefaultSettings() Settings {
	return Settings{
		Location:              time.UTC,
		BookingHorizonDays:    30,
		NoShowGrace:           120 * time.Minute,
		AllocMaxAttempts:      3,
		AllocRetryInitial:     25 * time.Millisecond,
		AllocRetryMaxInterval: 250 * time.Millisecond,
		SlotPageSize:          50,
		NoShowBatchSize:       200,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.Location == nil {
		s.Location = d.Location
	}
	if s.BookingHorizonDays <= 0 {
		s.BookingHorizonDays = d.BookingHorizonDays
	}
	if s.AllocMaxAttempts <= 0 {
		s.AllocMaxAttempts = d.AllocMaxAttempts
	}
	if s.AllocRetryInitial <= 0 {
		s.AllocRetryInitial = d.AllocRetryInitial
	}
	if s.AllocRetryMaxInterval <= 0 {
		s.AllocRetryMaxInterval = d.AllocRetryMaxInterval
	}
	if s.SlotPageSize <= 0 {
		s.SlotPageSize = d.SlotPageSize
	}
	if s.NoShowBatchSize <= 0 {
		s.NoShowBatchSize = d.NoShowBatchSize
	}
	return s
}

// Deps wires the engine to its storage and collaborators.
type Deps struct {
	Tx           Transactor
	Sessions     SessionRepository
	Slots        SlotRepository
	Capacity     CapacityRepository
	Counters     QueueCounterRepository
	Reservations ReservationRepository
	Patients     PatientDirectory
	Recorder     Recorder
	Logger       zerolog.Logger
	Settings     Settings
	Now          func() time.Time
}

// Engine groups the scheduling components over one set of dependencies.
type Engine struct {
	Catalog   *CatalogService
	Capacity  *CapacityTracker
	Allocator *QueueAllocator
	Lifecycle *LifecycleService
	Priority  *PriorityService
	Queries   *QueryService
}

func NewEngine(d Deps) *Engine {
	d.Settings = d.Settings.withDefaults()
	if d.Recorder == nil {
		d.Recorder = nopRecorder{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}

	catalog := &CatalogService{
		sessions: d.Sessions,
		slots:    d.Slots,
		pageSize: d.Settings.SlotPageSize,
		logger:   d.Logger,
	}
	capacity := &CapacityTracker{
		tx:       d.Tx,
		slots:    d.Slots,
		capacity: d.Capacity,
	}
	allocator := &QueueAllocator{
		tx:       d.Tx,
		slots:    d.Slots,
		capacity: capacity,
		counters: d.Counters,
		recorder: d.Recorder,
		settings: d.Settings,
		logger:   d.Logger,
	}
	lifecycle := &LifecycleService{
		tx:           d.Tx,
		slots:        d.Slots,
		capacity:     capacity,
		allocator:    allocator,
		reservations: d.Reservations,
		patients:     d.Patients,
		recorder:     d.Recorder,
		settings:     d.Settings,
		now:          d.Now,
		logger:       d.Logger,
	}
	priority := &PriorityService{
		reservations: d.Reservations,
		logger:       d.Logger,
	}
	queries := &QueryService{
		catalog:      catalog,
		capacity:     capacity,
		reservations: d.Reservations,
	}

	return &Engine{
		Catalog:   catalog,
		Capacity:  capacity,
		Allocator: allocator,
		Lifecycle: lifecycle,
		Priority:  priority,
		Queries:   queries,
	}
}

// actor names who performed a change, for history rows and logs.
func actor(ctx context.Context) string {
	if id := auth.UserIDFromContext(ctx); id != "" {
		return id
	}
	return "system"
}
