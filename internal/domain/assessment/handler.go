package assessment

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/daycare/daycare/internal/domain/evaluation"
	"github.com/daycare/daycare/internal/platform/auth"
	"github.com/daycare/daycare/pkg/pagination"
)

type Handler struct {
	svc       *Service
	Validator *validator.Validate
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, Validator: validator.New()}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := auth.RequireRole(auth.StaffRole)
	api.POST("/submissions", h.Submit, staff)
	api.GET("/submissions/:id/evaluation", h.GetEvaluation, staff)
	api.GET("/forms/:id/maximum-score", h.GetMaximumScore, staff)
	api.GET("/patients/:id/submissions", h.ListByPatient, staff)
}

type answerRequest struct {
	QuestionID string      `json:"question_id" validate:"required,uuid"`
	Value      interface{} `json:"value"`
}

type submitRequest struct {
	PatientID string          `json:"patient_id" validate:"required,uuid"`
	FormID    string          `json:"form_id" validate:"required,uuid"`
	Answers   []answerRequest `json:"answers" validate:"required,dive"`
}

func (r *submitRequest) input() SubmitInput {
	in := SubmitInput{
		PatientID: uuid.MustParse(r.PatientID),
		FormID:    uuid.MustParse(r.FormID),
		Answers:   make([]evaluation.Answer, 0, len(r.Answers)),
	}
	for _, a := range r.Answers {
		in.Answers = append(in.Answers, evaluation.Answer{QuestionID: uuid.MustParse(a.QuestionID), Value: a.Value})
	}
	return in
}

func (h *Handler) Submit(c echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.Validator.Struct(&req); err != nil {
		return validationError(err)
	}

	in := req.input()
	in.SubmittedBy = auth.UserIDFromContext(c.Request().Context())
	receipt, err := h.svc.Submit(c.Request().Context(), in)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusCreated, receipt)
}

func (h *Handler) GetEvaluation(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ev, err := h.svc.Evaluation(c.Request().Context(), id)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, ev)
}

func (h *Handler) GetMaximumScore(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	maximum, err := h.svc.MaximumScore(c.Request().Context(), id)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"form_id":       id,
		"maximum_score": maximum,
	})
}

func (h *Handler) ListByPatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListByPatient(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*Submission{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func validationError(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid input")
	}
	fields := make(map[string]string, len(ve))
	for _, fe := range ve {
		fields[fe.Field()] = fe.Tag()
	}
	return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
		"error":  "validation_failed",
		"fields": fields,
	})
}

func serviceError(err error) error {
	switch {
	case errors.Is(err, ErrFormNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "form not found")
	case errors.Is(err, ErrSubmissionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "submission not found")
	case errors.Is(err, ErrPatientNotFound):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "patient not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
