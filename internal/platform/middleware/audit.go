package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/rxvault/internal/platform/auth"
)

// AccessEntry describes one request that touched prescription data.
type AccessEntry struct {
	RequestID string
	TenantID  string
	UserID    string
	UserRoles []string
	Action    string // read, create, delete
	Route     string
	RecordID  string
	Status    int
}

// RecordAccess logs every request under /api/v1/prescriptions and
// /api/v1/view-session as a "record_access" event. Only ids are logged.
func RecordAccess(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !isAuditablePath(c.Request().URL.Path) {
				return next(c)
			}

			err := next(c)

			entry := newAccessEntry(c, err)
			evt := logger.Info()
			if entry.Status == http.StatusForbidden || entry.Status == http.StatusUnauthorized {
				evt = logger.Warn()
			}
			evt.
				Str("type", "record_access").
				Str("request_id", entry.RequestID).
				Str("tenant_id", entry.TenantID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("action", entry.Action).
				Str("route", entry.Route).
				Str("record_id", entry.RecordID).
				Int("status", entry.Status).
				Msg("record_access")

			return err
		}
	}
}

func newAccessEntry(c echo.Context, err error) AccessEntry {
	ctx := c.Request().Context()
	entry := AccessEntry{
		UserID:    auth.UserIDFromContext(ctx),
		UserRoles: auth.RolesFromContext(ctx),
		Action:    httpMethodToAction(c.Request().Method),
		Route:     c.Path(),
		RecordID:  c.Param("id"),
		Status:    c.Response().Status,
	}
	entry.RequestID, _ = c.Get("request_id").(string)
	entry.TenantID, _ = c.Get("tenant_id").(string)
	if he, ok := err.(*echo.HTTPError); ok {
		entry.Status = he.Code
	} else if err != nil {
		entry.Status = http.StatusInternalServerError
	}
	return entry
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/api/v1/prescriptions") || strings.HasPrefix(path, "/api/v1/view-session")
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}
