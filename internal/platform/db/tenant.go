package db

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBConnKey   contextKey = "db_conn"
)

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// SchemaName returns the PostgreSQL schema holding a tenant's prescriptions
// and templates.
func SchemaName(tenantID string) (string, error) {
	if !tenantIDPattern.MatchString(tenantID) {
		return "", fmt.Errorf("invalid tenant identifier: %q", tenantID)
	}
	return "tenant_" + tenantID, nil
}

// TenantMiddleware acquires a connection per request and pins its
// search_path to the caller's tenant schema.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := extractTenantID(c, defaultTenant)
			if !tenantIDPattern.MatchString(tenantID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}

			err := WithTenantConn(c.Request().Context(), pool, tenantID, func(ctx context.Context) error {
				c.SetRequest(c.Request().WithContext(ctx))
				c.Set("tenant_id", tenantID)
				return next(c)
			})
			var te *tenantConnError
			if errors.As(err, &te) {
				return echo.NewHTTPError(te.status, te.msg)
			}
			return err
		}
	}
}

type tenantConnError struct {
	status int
	msg    string
	cause  error
}

func (e *tenantConnError) Error() string { return e.msg + ": " + e.cause.Error() }
func (e *tenantConnError) Unwrap() error { return e.cause }

// WithTenantConn acquires a pool connection whose search_path is pinned to
// tenantID's schema and runs fn with the connection and tenant in ctx. Work
// started outside a request, such as background view loads, uses this to
// reach the right schema.
func WithTenantConn(ctx context.Context, pool *pgxpool.Pool, tenantID string, fn func(ctx context.Context) error) error {
	schema, err := SchemaName(tenantID)
	if err != nil {
		return &tenantConnError{status: http.StatusBadRequest, msg: "invalid tenant identifier", cause: err}
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return &tenantConnError{status: http.StatusServiceUnavailable, msg: "database unavailable", cause: err}
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", schema)); err != nil {
		return &tenantConnError{status: http.StatusInternalServerError, msg: "tenant resolution failed", cause: err}
	}

	ctx = WithTenantID(ctx, tenantID)
	ctx = context.WithValue(ctx, DBConnKey, conn)
	return fn(ctx)
}

// WithTenantID stores tenantID in ctx without a connection.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

func extractTenantID(c echo.Context, defaultTenant string) string {
	// JWT claim first (set by auth middleware)
	if tid, ok := c.Get("jwt_tenant_id").(string); ok && tid != "" {
		return tid
	}
	if tid := c.Request().Header.Get("X-Tenant-ID"); tid != "" {
		return tid
	}
	if tid := c.QueryParam("tenant_id"); tid != "" {
		return tid
	}
	return defaultTenant
}

// ConnFromContext retrieves the tenant-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// TenantFromContext retrieves the tenant ID from context.
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// CreateTenantSchema creates the schema for a tenant and applies every
// migration in files to it. A nil files skips migrations.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, files fs.FS) (string, error) {
	schema, err := SchemaName(tenantID)
	if err != nil {
		return "", err
	}

	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return "", fmt.Errorf("create schema %s: %w", schema, err)
	}

	if files != nil {
		if _, err := NewMigrator(pool, files).Up(ctx, schema); err != nil {
			return "", fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}
	return schema, nil
}
