package template

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

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
	read.GET("/templates", h.ListVersions)
	read.GET("/templates/:code", h.GetLatest)
	read.GET("/templates/:code/versions/:version", h.GetVersion)
	read.GET("/templates/:code/protected-fields", h.GetProtectedFields)

	write := api.Group("", auth.RequireRole("admin"))
	write.POST("/templates", h.Import)
}

func (h *Handler) ListVersions(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListVersions(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list templates")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetLatest(c echo.Context) error {
	v, err := h.svc.Latest(c.Request().Context(), c.Param("code"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "template not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load template")
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) GetVersion(c echo.Context) error {
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil || version < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid version")
	}
	v, err := h.svc.Version(c.Request().Context(), c.Param("code"), version)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "template version not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load template")
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) GetProtectedFields(c echo.Context) error {
	schema, err := h.svc.GetSchema(c.Request().Context(), c.Param("code"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "template not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load template")
	}
	fields := schema.ProtectedFields()
	if fields == nil {
		fields = []string{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"code":                schema.Code,
		"version":             schema.Version,
		"requires_encryption": schema.RequiresEncryption(),
		"protected_fields":    fields,
	})
}

func (h *Handler) Import(c echo.Context) error {
	var v Version
	if err := c.Bind(&v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid template body")
	}
	if err := h.svc.Import(c.Request().Context(), &v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, v)
}
