package queue

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicqueue/clinicqueue/internal/platform/auth"
	"github.com/clinicqueue/clinicqueue/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – any staff role, including display boards
	readGroup := api.Group("", auth.RequireRole(auth.StaffRoles...))
	readGroup.GET("/queues/:department/:date/:channel", h.GetQueue)
	readGroup.GET("/queues/:department/:date/:channel/serving", h.GetServing)
	readGroup.GET("/queues/:department/:date/:channel/position/:profile_id", h.GetPosition)
	readGroup.GET("/queues/:department/:date/:channel/history", h.GetHistory)
	readGroup.GET("/queue-entries/:id", h.GetEntry)

	// Front desk
	deskGroup := api.Group("", auth.RequireRole(auth.RoleReceptionist))
	deskGroup.POST("/queues/:department/:date/:channel/entries", h.Admit)
	deskGroup.POST("/queues/admit-appointment", h.AdmitAppointment)
	deskGroup.POST("/queue-entries/:id/check-in", h.CheckIn)

	// Lifecycle – the event decides which role is needed
	advanceGroup := api.Group("", auth.RequireRole(auth.RoleReceptionist, auth.RoleDoctor))
	advanceGroup.POST("/queue-entries/:id/advance", h.Advance)

	// Payment subsystem
	payGroup := api.Group("", auth.RequireRole(auth.RoleCashier))
	payGroup.PUT("/queue-entries/:id/payment", h.SetPayment)
}

type admitBody struct {
	AppointmentID string `json:"appointment_id"`
	ProfileID     string `json:"profile_id"`
	DoctorID      string `json:"doctor_id"`
	ArrivalTime   string `json:"arrival_time"`
}

type admitAppointmentBody struct {
	AppointmentID string `json:"appointment_id"`
	Channel       string `json:"channel"`
}

type advanceBody struct {
	Event  string  `json:"event"`
	Reason *string `json:"reason"`
}

type paymentBody struct {
	Status string `json:"status"`
}

type positionResponse struct {
	ProfileID string `json:"profile_id"`
	Position  int    `json:"position"`
}

type servingResponse struct {
	Serving *Entry `json:"serving"`
}

// eventRoles lists who may submit each lifecycle event.
var eventRoles = map[Event][]string{
	EventCheckIn:      {auth.RoleReceptionist},
	EventCancel:       {auth.RoleReceptionist},
	EventDoctorReady:  {auth.RoleDoctor},
	EventDoctorStart:  {auth.RoleDoctor},
	EventDoctorFinish: {auth.RoleDoctor},
}

// -- Commands --

func (h *Handler) Admit(c echo.Context) error {
	var body admitBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req := AdmitRequest{
		Department:    c.Param("department"),
		Date:          c.Param("date"),
		Channel:       c.Param("channel"),
		AppointmentID: body.AppointmentID,
		ProfileID:     body.ProfileID,
		DoctorID:      body.DoctorID,
	}
	if body.ArrivalTime != "" {
		t, err := time.Parse(time.RFC3339, body.ArrivalTime)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid arrival_time")
		}
		req.ArrivalTime = t
	}
	adm, err := h.svc.AdmitToQueue(c.Request().Context(), req)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, adm)
}

func (h *Handler) AdmitAppointment(c echo.Context) error {
	var body admitAppointmentBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.AppointmentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "appointment_id is required")
	}
	if body.Channel == "" {
		body.Channel = string(ChannelOffline)
	}
	adm, err := h.svc.AdmitAppointment(c.Request().Context(), body.AppointmentID, body.Channel)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, adm)
}

func (h *Handler) CheckIn(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.svc.CheckIn(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) Advance(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body advanceBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ev, err := ParseEvent(body.Event)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !auth.HasRole(auth.RolesFromContext(c.Request().Context()), eventRoles[ev]...) {
		return echo.NewHTTPError(http.StatusForbidden, "role may not submit "+string(ev))
	}
	e, err := h.svc.AdvanceStatus(c.Request().Context(), id, ev, body.Reason)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) SetPayment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body paymentBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	status, err := ParsePaymentStatus(body.Status)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	e, err := h.svc.SetPaymentStatus(c.Request().Context(), id, status)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, e)
}

// -- Queries --

func (h *Handler) GetEntry(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.svc.GetEntry(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) GetQueue(c echo.Context) error {
	items, err := h.svc.GetQueueSnapshot(c.Request().Context(),
		c.Param("department"), c.Param("date"), c.Param("channel"), c.QueryParam("doctor_id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetServing(c echo.Context) error {
	e, err := h.svc.CurrentServing(c.Request().Context(),
		c.Param("department"), c.Param("date"), c.Param("channel"), c.QueryParam("doctor_id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, servingResponse{Serving: e})
}

func (h *Handler) GetPosition(c echo.Context) error {
	profileID := c.Param("profile_id")
	pos, err := h.svc.PositionOf(c.Request().Context(),
		c.Param("department"), c.Param("date"), c.Param("channel"), profileID)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, positionResponse{ProfileID: profileID, Position: pos})
}

func (h *Handler) GetHistory(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.History(c.Request().Context(),
		c.Param("department"), c.Param("date"), c.Param("channel"), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

// httpError maps queue errors to HTTP responses.
func httpError(c echo.Context, err error) error {
	var te *TransitionError
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicateAdmission):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &te):
		return echo.NewHTTPError(http.StatusConflict, map[string]string{
			"message": err.Error(),
			"current": string(te.Current),
			"event":   string(te.Event),
		})
	case errors.Is(err, ErrIllegalTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrPaymentRequired):
		return echo.NewHTTPError(http.StatusPaymentRequired, err.Error())
	case errors.Is(err, ErrInvalidDepartment), errors.Is(err, ErrInvalidQueueKey), errors.Is(err, ErrInvalidAdmission):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrPersistence):
		c.Response().Header().Set("Retry-After", "1")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "queue temporarily unavailable, retry")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "request cancelled while waiting for the queue")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
