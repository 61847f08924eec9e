package grouping

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/daycare/daycare/internal/platform/auth"
	"github.com/daycare/daycare/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the trigger hook on hooks and the staff endpoints on
// api. hookRoles are the token roles allowed to post events.
func (h *Handler) RegisterRoutes(api *echo.Group, hooks *echo.Group, hookRoles []string) {
	hooks.POST("/submission-events", h.ReceiveEvent, auth.RequireRole(hookRoles...))

	staff := auth.RequireRole(auth.StaffRole)
	api.GET("/patients/:id/group-history", h.ListHistory, staff)
	api.POST("/patients/:id/reassign", h.Reassign, staff)
}

type reassignRequest struct {
	SubmissionID *uuid.UUID `json:"submission_id"`
}

// ReceiveEvent is the change-notification webhook. Retryable failures answer
// 503 so the sender delivers again; a transition whose audit write failed
// answers 500 and must not be retried blindly.
func (h *Handler) ReceiveEvent(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	ev, err := DecodeEvent(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	out, err := h.svc.HandleEvent(c.Request().Context(), ev)
	if err != nil {
		return eventError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Reassign(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req reassignRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	out, err := h.svc.Reassign(c.Request().Context(), patientID, req.SubmissionID)
	if err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "patient not found")
		}
		return eventError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ListHistory(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.History(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*HistoryEntry{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func eventError(err error) error {
	if IsPartial(err) {
		return echo.NewHTTPError(http.StatusInternalServerError, map[string]string{
			"error":  "audit_write_failed",
			"detail": err.Error(),
		})
	}
	if IsRetryable(err) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, map[string]string{
			"error":  "retryable",
			"detail": err.Error(),
		})
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
