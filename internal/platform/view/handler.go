package view

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/rxvault/internal/platform/auth"
	"github.com/ehr/rxvault/internal/platform/db"
)

// Handler serves decrypted prescription views.
type Handler struct {
	sessions     *Sessions
	awaitTimeout time.Duration
	logger       zerolog.Logger
}

func NewHandler(sessions *Sessions, awaitTimeout time.Duration, logger zerolog.Logger) *Handler {
	return &Handler{sessions: sessions, awaitTimeout: awaitTimeout, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "physician", "nurse", "pharmacist"))
	read.GET("/prescriptions/:id/view", h.GetView)

	api.DELETE("/view-session", h.EndSession)
}

// GetView waits up to the await timeout for the view. A view still loading
// after that answers 202 so the client can poll; ?reload=true discards the
// memoized state for the record first.
func (h *Handler) GetView(c echo.Context) error {
	userID := auth.UserIDFromContext(c.Request().Context())
	if userID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing user")
	}
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	v, err := h.await(c, userID, id)
	if errors.Is(err, ErrClosed) {
		// The session was swept between lookup and use; a fresh one serves it.
		v, err = h.await(c, userID, id)
	}

	switch {
	case err == nil:
		return c.JSON(http.StatusOK, v)
	case errors.Is(err, context.DeadlineExceeded):
		return c.JSON(http.StatusAccepted, v)
	case errors.Is(err, ErrSuperseded):
		return echo.NewHTTPError(http.StatusConflict, "another prescription was opened in this session")
	case errors.Is(err, context.Canceled):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "request canceled")
	default:
		return echo.NewHTTPError(http.StatusUnprocessableEntity, ErrViewUnavailable.Error())
	}
}

func (h *Handler) await(c echo.Context, userID, id string) (DecryptedView, error) {
	a := h.sessions.For(db.TenantFromContext(c.Request().Context()), userID)
	if c.QueryParam("reload") == "true" {
		a.Select(id)
	}

	ctx := c.Request().Context()
	if h.awaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.awaitTimeout)
		defer cancel()
	}
	return a.Await(ctx, id)
}

// EndSession tears down the caller's assembler and its key material.
func (h *Handler) EndSession(c echo.Context) error {
	userID := auth.UserIDFromContext(c.Request().Context())
	if userID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing user")
	}
	h.sessions.End(db.TenantFromContext(c.Request().Context()), userID)
	return c.NoContent(http.StatusNoContent)
}
