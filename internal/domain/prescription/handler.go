package prescription

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/rxvault/internal/domain/template"
	"github.com/ehr/rxvault/internal/platform/auth"
	"github.com/ehr/rxvault/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "physician", "nurse", "pharmacist"))
	read.GET("/prescriptions", h.List)

	write := api.Group("", auth.RequireRole("admin", "physician"))
	write.POST("/prescriptions", h.Create)
	write.POST("/prescriptions/prepare", h.Prepare)
	write.DELETE("/prescriptions/:id", h.Delete)
}

// submitError maps submission failures to generic HTTP errors. Only caller
// mistakes are 4xx; storage and key exchange faults are the server's.
func submitError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidSubmission):
		return echo.NewHTTPError(http.StatusBadRequest, "submission rejected")
	case errors.Is(err, template.ErrNotFound):
		return echo.NewHTTPError(http.StatusBadRequest, "unknown template")
	case errors.Is(err, ErrKeyUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "record key unavailable")
	case errors.Is(err, ErrKeyExchangeUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "key exchange unavailable")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to submit prescription")
	}
}

func bindSubmission(c echo.Context) (*Submission, error) {
	var sub Submission
	if err := c.Bind(&sub); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid submission body")
	}
	if sub.TemplateCode == "" || sub.Responses == nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "template_code and responses are required")
	}
	return &sub, nil
}

// Create encrypts and stores a prescription. Fields that failed to encrypt
// are reported in unencrypted_fields; the request still succeeds.
func (h *Handler) Create(c echo.Context) error {
	sub, err := bindSubmission(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	rec, _, err := h.svc.Submit(ctx, sub, auth.UserIDFromContext(ctx))
	if err != nil {
		return submitError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

// Prepare returns the encrypted form of a submission without storing it.
func (h *Handler) Prepare(c echo.Context) error {
	sub, err := bindSubmission(c)
	if err != nil {
		return err
	}
	prepared, err := h.svc.PrepareForSubmission(c.Request().Context(), sub)
	if err != nil {
		return submitError(err)
	}
	return c.JSON(http.StatusOK, prepared)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), c.QueryParam("template_code"), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list prescriptions")
	}
	summaries := make([]Summary, 0, len(items))
	for _, rec := range items {
		summaries = append(summaries, rec.Summary())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(summaries, total, pg.Limit, pg.Offset))
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "prescription not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete prescription")
	}
	return c.NoContent(http.StatusNoContent)
}
