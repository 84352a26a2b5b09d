package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTenantContext(target string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestExtractTenantID_FromHeader(t *testing.T) {
	c := newTenantContext("/")
	c.Request().Header.Set("X-Tenant-ID", "pharmacy_abc")

	if tid := extractTenantID(c, "default"); tid != "pharmacy_abc" {
		t.Errorf("expected pharmacy_abc, got %s", tid)
	}
}

func TestExtractTenantID_FromQuery(t *testing.T) {
	c := newTenantContext("/?tenant_id=clinic_xyz")

	if tid := extractTenantID(c, "default"); tid != "clinic_xyz" {
		t.Errorf("expected clinic_xyz, got %s", tid)
	}
}

func TestExtractTenantID_Default(t *testing.T) {
	if tid := extractTenantID(newTenantContext("/"), "default"); tid != "default" {
		t.Errorf("expected default, got %s", tid)
	}
}

func TestExtractTenantID_Priority(t *testing.T) {
	c := newTenantContext("/?tenant_id=query")
	c.Request().Header.Set("X-Tenant-ID", "header")
	c.Set("jwt_tenant_id", "jwt")

	if tid := extractTenantID(c, "default"); tid != "jwt" {
		t.Errorf("expected jwt (highest priority), got %s", tid)
	}
}

func TestExtractTenantID_EmptyJWTFallsThrough(t *testing.T) {
	c := newTenantContext("/?tenant_id=query")
	c.Request().Header.Set("X-Tenant-ID", "header_tenant")
	c.Set("jwt_tenant_id", "")

	if tid := extractTenantID(c, "default"); tid != "header_tenant" {
		t.Errorf("expected header_tenant when JWT is empty, got %s", tid)
	}
}

func TestSchemaName(t *testing.T) {
	tests := []struct {
		input string
		want  string
		valid bool
	}{
		{"abc", "tenant_abc", true},
		{"A1B2C3", "tenant_A1B2C3", true},
		{"tenant_1", "tenant_tenant_1", true},
		{"a-b", "", false},
		{"a.b", "", false},
		{"a b", "", false},
		{"", "", false},
		{"'; DROP TABLE", "", false},
	}

	for _, tt := range tests {
		got, err := SchemaName(tt.input)
		if tt.valid && err != nil {
			t.Errorf("SchemaName(%q) unexpected error: %v", tt.input, err)
		}
		if !tt.valid && err == nil {
			t.Errorf("SchemaName(%q) expected error", tt.input)
		}
		if got != tt.want {
			t.Errorf("SchemaName(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestTenantFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), TenantIDKey, "test_tenant")
	if tid := TenantFromContext(ctx); tid != "test_tenant" {
		t.Errorf("expected test_tenant, got %s", tid)
	}
	if empty := TenantFromContext(context.Background()); empty != "" {
		t.Errorf("expected empty string, got %s", empty)
	}
}

func TestConnFromContext_Nil(t *testing.T) {
	if conn := ConnFromContext(context.Background()); conn != nil {
		t.Error("expected nil conn from empty context")
	}
}

func TestCreateTenantSchema_InvalidID(t *testing.T) {
	for _, id := range []string{"tenant-with-dash", "tenant.with.dot", "ten ant", "drop;table"} {
		if _, err := CreateTenantSchema(context.Background(), nil, id, nil); err == nil {
			t.Errorf("expected error for invalid tenant ID %q", id)
		}
	}
}

func TestWithTenantID(t *testing.T) {
	ctx := WithTenantID(context.Background(), "clinic_1")
	if tid := TenantFromContext(ctx); tid != "clinic_1" {
		t.Errorf("expected clinic_1, got %s", tid)
	}
	if conn := ConnFromContext(ctx); conn != nil {
		t.Error("expected no connection")
	}
}

func TestWithTenantConn_InvalidTenant(t *testing.T) {
	called := false
	err := WithTenantConn(context.Background(), nil, "bad-tenant", func(context.Context) error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("expected error for invalid tenant")
	}
	if called {
		t.Error("fn must not run for an invalid tenant")
	}
}
