package scheduling

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/clinicq/internal/platform/auth"
	"github.com/ehr/clinicq/pkg/pagination"
)

const dateLayout = "2006-01-02"

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := []string{auth.RoleReceptionist, auth.RoleNurse, auth.RoleDoctor, auth.RoleCashier}

	// Catalog reads – everyone signed in, patients included
	readGroup := api.Group("", auth.RequireRole(append(staff, auth.RolePatient)...))
	readGroup.GET("/sessions", h.ListSessions)
	readGroup.GET("/doctors/:doctor_id/schedule-slots", h.ListDoctorSlots)
	readGroup.GET("/doctors/:doctor_id/availability", h.AvailableSlots)

	// Catalog writes – admin only
	adminGroup := api.Group("", auth.RequireRole(auth.RoleAdmin))
	adminGroup.POST("/sessions", h.CreateSession)
	adminGroup.POST("/schedule-slots", h.CreateSlot)
	adminGroup.DELETE("/schedule-slots/:id", h.DeactivateSlot)

	// Staff worklists
	staffGroup := api.Group("", auth.RequireRole(staff...))
	staffGroup.GET("/doctors/:doctor_id/queue", h.CurrentQueue)
	staffGroup.GET("/schedule-slots/:id/capacity/:date", h.GetDailyCapacity)

	// Front desk
	deskGroup := api.Group("", auth.RequireRole(auth.RoleReceptionist))
	deskGroup.PUT("/schedule-slots/:id/capacity/:date", h.SetDailyAvailability)
	deskGroup.POST("/reservations/walk-in", h.RegisterWalkIn)
	deskGroup.POST("/reservations/:id/confirm", h.ConfirmReservation)
	deskGroup.POST("/reservations/:id/check-in", h.CheckIn)

	// Clinical staff
	clinicalGroup := api.Group("", auth.RequireRole(auth.RoleNurse, auth.RoleDoctor))
	clinicalGroup.PUT("/reservations/:id/examination-status", h.UpdateExaminationStatus)
	clinicalGroup.PUT("/reservations/:id/priority", h.SetPriority)
	clinicalGroup.DELETE("/reservations/:id/priority", h.ClearPriority)

	// Billing
	cashierGroup := api.Group("", auth.RequireRole(auth.RoleCashier))
	cashierGroup.POST("/reservations/:id/payment", h.SettlePayment)

	// Patient self-service and desk bookings; ownership checked per request
	bookingGroup := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleReceptionist))
	bookingGroup.POST("/reservations", h.Book)
	bookingGroup.POST("/reservations/:id/reschedule", h.Reschedule)
	bookingGroup.POST("/reservations/:id/cancel", h.Cancel)

	ownerGroup := api.Group("", auth.RequireRole(append(staff, auth.RolePatient)...))
	ownerGroup.GET("/reservations/:id", h.GetReservation)
	ownerGroup.GET("/reservations/:id/history", h.ReservationHistory)
	ownerGroup.GET("/patients/:patient_id/reservations", h.ListPatientReservations)
}

// -- Request bodies --

type createSessionRequest struct {
	Name      string    `json:"name"`
	StartTime ClockTime `json:"start_time"`
	EndTime   ClockTime `json:"end_time"`
}

type createSlotRequest struct {
	DoctorID    uuid.UUID `json:"doctor_id"`
	SessionID   uuid.UUID `json:"session_id"`
	DayOfWeek   *int      `json:"day_of_week"`
	MaxPatients int       `json:"max_patients"`
}

type dailyAvailabilityRequest struct {
	IsActive *bool  `json:"is_active"`
	Notes    string `json:"notes"`
}

type bookRequest struct {
	PatientID      uuid.UUID `json:"patient_id"`
	DoctorID       uuid.UUID `json:"doctor_id"`
	ScheduleSlotID uuid.UUID `json:"schedule_slot_id"`
	Date           string    `json:"date"`
	Complaint      string    `json:"complaint"`
}

type walkInRequest struct {
	PatientID         uuid.UUID `json:"patient_id"`
	DoctorID          uuid.UUID `json:"doctor_id"`
	ScheduleSlotID    uuid.UUID `json:"schedule_slot_id"`
	Notes             string    `json:"notes"`
	EmergencyOverride bool      `json:"emergency_override"`
	OverrideReason    string    `json:"override_reason"`
}

type rescheduleRequest struct {
	ScheduleSlotID uuid.UUID `json:"schedule_slot_id"`
	Date           string    `json:"date"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type examinationStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// -- Catalog Handlers --

func (h *Handler) CreateSession(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, err := h.engine.Catalog.CreateSession(c.Request().Context(), req.Name, req.StartTime, req.EndTime)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, sess)
}

func (h *Handler) ListSessions(c echo.Context) error {
	items, err := h.engine.Catalog.ListSessions(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) CreateSlot(c echo.Context) error {
	var req createSlotRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	day := -1
	if req.DayOfWeek != nil {
		day = *req.DayOfWeek
	}
	slot, err := h.engine.Catalog.CreateSlot(c.Request().Context(), req.DoctorID, req.SessionID, day, req.MaxPatients)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, slot)
}

func (h *Handler) DeactivateSlot(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.engine.Catalog.DeactivateSlot(c.Request().Context(), id); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListDoctorSlots(c echo.Context) error {
	doctorID, err := uuid.Parse(c.Param("doctor_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid doctor_id")
	}
	items := []*ScheduleSlot{}
	for slot, err := range h.engine.Catalog.ListSlotsForDoctor(c.Request().Context(), doctorID) {
		if err != nil {
			return h.fail(c, err)
		}
		items = append(items, slot)
	}
	return c.JSON(http.StatusOK, items)
}

// -- Capacity Handlers --

func (h *Handler) GetDailyCapacity(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	date, err := parseDate(c.Param("date"))
	if err != nil {
		return h.fail(c, err)
	}
	a, err := h.engine.Queries.Availability(c.Request().Context(), id, date)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) SetDailyAvailability(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	date, err := parseDate(c.Param("date"))
	if err != nil {
		return h.fail(c, err)
	}
	var req dailyAvailabilityRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.IsActive == nil {
		return h.fail(c, invalid(nil, "is_active", "is required"))
	}
	row, err := h.engine.Capacity.SetDailyAvailability(c.Request().Context(), id, date, *req.IsActive, req.Notes)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, row)
}

// -- Query Handlers --

func (h *Handler) AvailableSlots(c echo.Context) error {
	doctorID, err := uuid.Parse(c.Param("doctor_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid doctor_id")
	}
	date, err := parseDate(c.QueryParam("date"))
	if err != nil {
		return h.fail(c, err)
	}
	items, err := h.engine.Queries.AvailableSlots(c.Request().Context(), doctorID, date)
	if err != nil {
		return h.fail(c, err)
	}
	if items == nil {
		items = []*SlotAvailability{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) CurrentQueue(c echo.Context) error {
	doctorID, err := uuid.Parse(c.Param("doctor_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid doctor_id")
	}
	date, err := parseDate(c.QueryParam("date"))
	if err != nil {
		return h.fail(c, err)
	}
	items, err := h.engine.Queries.CurrentQueue(c.Request().Context(), doctorID, date)
	if err != nil {
		return h.fail(c, err)
	}
	if items == nil {
		items = []*Reservation{}
	}
	return c.JSON(http.StatusOK, items)
}

// -- Reservation Handlers --

func (h *Handler) Book(c echo.Context) error {
	var req bookRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if !auth.CanActForPatient(ctx, req.PatientID.String()) {
		return echo.NewHTTPError(http.StatusForbidden, "patients may only book for themselves")
	}
	date, err := parseDate(req.Date)
	if err != nil {
		return h.fail(c, err)
	}
	res, err := h.engine.Lifecycle.Book(ctx, BookingRequest{
		PatientID: req.PatientID,
		DoctorID:  req.DoctorID,
		SlotID:    req.ScheduleSlotID,
		Date:      date,
		Complaint: req.Complaint,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) RegisterWalkIn(c echo.Context) error {
	var req walkInRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.engine.Lifecycle.RegisterWalkIn(c.Request().Context(), WalkInRequest{
		PatientID:         req.PatientID,
		DoctorID:          req.DoctorID,
		SlotID:            req.ScheduleSlotID,
		Notes:             req.Notes,
		EmergencyOverride: req.EmergencyOverride,
		OverrideReason:    req.OverrideReason,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) GetReservation(c echo.Context) error {
	res, err := h.ownedReservation(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ReservationHistory(c echo.Context) error {
	res, err := h.ownedReservation(c)
	if err != nil {
		return err
	}
	items, err := h.engine.Lifecycle.ReservationHistory(c.Request().Context(), res.ID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListPatientReservations(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	ctx := c.Request().Context()
	if !auth.CanActForPatient(ctx, patientID.String()) {
		return echo.NewHTTPError(http.StatusForbidden, "access to another patient's reservations is not allowed")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.engine.Lifecycle.ListPatientReservations(ctx, patientID, pg.Limit, pg.Offset)
	if err != nil {
		return h.fail(c, err)
	}
	if items == nil {
		items = []*Reservation{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) Reschedule(c echo.Context) error {
	res, err := h.ownedReservation(c)
	if err != nil {
		return err
	}
	var req rescheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	date, err := parseDate(req.Date)
	if err != nil {
		return h.fail(c, err)
	}
	result, err := h.engine.Lifecycle.Reschedule(c.Request().Context(), res.ID, req.ScheduleSlotID, date)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, result)
}

func (h *Handler) ConfirmReservation(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	res, err := h.engine.Lifecycle.Confirm(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) CheckIn(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	res, err := h.engine.Lifecycle.CheckIn(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) UpdateExaminationStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req examinationStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	next, err := ParseExaminationStatus(req.Status)
	if err != nil {
		return h.fail(c, invalid(nil, "status", err.Error()))
	}
	res, err := h.engine.Lifecycle.UpdateExaminationStatus(c.Request().Context(), id, next, req.Reason)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Cancel(c echo.Context) error {
	res, err := h.ownedReservation(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err = h.engine.Lifecycle.Cancel(c.Request().Context(), res.ID, req.Reason)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) SettlePayment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	res, err := h.engine.Lifecycle.SettlePayment(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// -- Priority Handlers --

func (h *Handler) SetPriority(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.engine.Priority.SetPriority(c.Request().Context(), id, req.Reason)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ClearPriority(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	res, err := h.engine.Priority.ClearPriority(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// ownedReservation loads the :id reservation and checks the caller may act
// for its patient. The returned error is ready to hand back to echo.
func (h *Handler) ownedReservation(c echo.Context) (*Reservation, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	res, err := h.engine.Lifecycle.GetReservation(ctx, id)
	if err != nil {
		return nil, h.fail(c, err)
	}
	if !auth.CanActForPatient(ctx, res.PatientID.String()) {
		// Hide other patients' reservations entirely.
		return nil, h.fail(c, ErrNotFound)
	}
	return res, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, invalid(ErrInvalidDate, "date", "is required (YYYY-MM-DD)")
	}
	d, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, invalid(ErrInvalidDate, "date", "must be formatted YYYY-MM-DD")
	}
	return d, nil
}

// errorBody is the JSON error payload. Code is stable for clients; Error is
// the human-readable reason.
type errorBody struct {
	Error  string       `json:"error"`
	Code   string       `json:"code"`
	Fields []FieldError `json:"fields,omitempty"`
}

// retryAfterSeconds is advertised on 503 responses for transient allocation
// failures.
const retryAfterSeconds = 1

func (h *Handler) fail(c echo.Context, err error) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return echo.NewHTTPError(http.StatusBadRequest,
			errorBody{Error: ve.Error(), Code: "validation_failed", Fields: ve.Fields})
	}

	status, code := errorStatus(err)
	if status == http.StatusServiceUnavailable {
		c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	if status == http.StatusInternalServerError {
		return echo.NewHTTPError(status, errorBody{Error: "internal error", Code: code}).SetInternal(err)
	}
	return echo.NewHTTPError(status, errorBody{Error: err.Error(), Code: code})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrCapacityExceeded):
		return http.StatusConflict, "capacity_exceeded"
	case errors.Is(err, ErrSlotInactive):
		return http.StatusConflict, "slot_inactive"
	case errors.Is(err, ErrDuplicateSlot):
		return http.StatusConflict, "duplicate_slot"
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, ErrAlreadyCheckedIn):
		return http.StatusConflict, "already_checked_in"
	case errors.Is(err, ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrConcurrentModification):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, ErrPatientNotEligible):
		return http.StatusUnprocessableEntity, "patient_not_eligible"
	case errors.Is(err, ErrOutsideCheckInWindow):
		return http.StatusUnprocessableEntity, "outside_check_in_window"
	case IsTransient(err):
		return http.StatusServiceUnavailable, "allocation_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
