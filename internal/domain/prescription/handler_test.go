package prescription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/rxvault/internal/platform/auth"
)

func newTestHandler(t *testing.T) (*Handler, *testEnv, *echo.Echo) {
	env := newTestEnv(t, nil, nil)
	return NewHandler(env.svc), env, echo.New()
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	ctx := context.WithValue(req.Context(), auth.UserIDKey, "dr-house")
	return req.WithContext(ctx)
}

const submissionBody = `{"template_code":"rx-standard","subject_id":"p-1","responses":{"drug":"amoxicillin","notes":"allergic to penicillin?"}}`

func TestHandler_Create(t *testing.T) {
	h, env, e := newTestHandler(t)

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/api/v1/prescriptions", submissionBody), rec)

	if err := h.Create(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	var created Record
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	notes, _ := created.Responses["notes"].(string)
	if !isEncrypted(notes) {
		t.Errorf("expected encrypted notes in response, got %q", notes)
	}
	stored, err := env.repo.GetByID(context.Background(), created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.CreatedBy == nil || *stored.CreatedBy != "dr-house" {
		t.Errorf("expected created_by from auth context, got %v", stored.CreatedBy)
	}
}

func TestHandler_Create_UnknownTemplate(t *testing.T) {
	h, _, e := newTestHandler(t)

	body := `{"template_code":"missing","responses":{"drug":"x"}}`
	c := e.NewContext(jsonRequest(http.MethodPost, "/api/v1/prescriptions", body), httptest.NewRecorder())

	err := h.Create(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_Create_MissingFields(t *testing.T) {
	h, _, e := newTestHandler(t)

	c := e.NewContext(jsonRequest(http.MethodPost, "/api/v1/prescriptions", `{"template_code":"rx-standard"}`), httptest.NewRecorder())

	err := h.Create(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_Create_KeyUnavailable(t *testing.T) {
	env := newTestEnv(t, failingIssuer{newLocalBackend(t)}, nil)
	h, e := NewHandler(env.svc), echo.New()

	c := e.NewContext(jsonRequest(http.MethodPost, "/api/v1/prescriptions", submissionBody), httptest.NewRecorder())

	err := h.Create(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %v", err)
	}
	if len(env.repo.records) != 0 {
		t.Error("nothing must be stored when no key could be issued")
	}
}

func TestHandler_Create_StorageFailure(t *testing.T) {
	h, env, e := newTestHandler(t)
	env.repo.err = errors.New("relation prescription_record does not exist")

	c := e.NewContext(jsonRequest(http.MethodPost, "/api/v1/prescriptions", submissionBody), httptest.NewRecorder())

	err := h.Create(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %v", err)
	}
	if strings.Contains(fmt.Sprint(he.Message), "prescription_record") {
		t.Errorf("storage detail leaked to the client: %v", he.Message)
	}
}

func TestHandler_Create_PseudonymizeFailure(t *testing.T) {
	env := newTestEnv(t, failingPseudonymizer{newLocalBackend(t)}, nil)
	h, e := NewHandler(env.svc), echo.New()

	c := e.NewContext(jsonRequest(http.MethodPost, "/api/v1/prescriptions", submissionBody), httptest.NewRecorder())

	err := h.Create(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %v", err)
	}
	if len(env.repo.records) != 0 {
		t.Error("nothing must be stored when the subject could not be pseudonymized")
	}
}

func TestHandler_Prepare(t *testing.T) {
	h, env, e := newTestHandler(t)

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/api/v1/prescriptions/prepare", submissionBody), rec)

	if err := h.Prepare(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var p Prepared
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if p.PseudonymizedKey == "" || p.SubjectPseudonym == "" {
		t.Errorf("expected key token and pseudonym, got %+v", p)
	}
	if len(env.repo.records) != 0 {
		t.Error("prepare must not store anything")
	}
}

func TestHandler_List(t *testing.T) {
	h, env, e := newTestHandler(t)
	for i := 0; i < 3; i++ {
		if _, _, err := env.svc.Submit(context.Background(), submission(), ""); err != nil {
			t.Fatal(err)
		}
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/prescriptions?template_code=rx-standard", nil), rec)

	if err := h.List(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Data  []map[string]any `json:"data"`
		Total int              `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Total != 3 || len(body.Data) != 3 {
		t.Errorf("expected 3 summaries, got total=%d len=%d", body.Total, len(body.Data))
	}
	if _, ok := body.Data[0]["responses"]; ok {
		t.Error("summaries must not carry responses")
	}
}

func TestHandler_Delete(t *testing.T) {
	h, env, e := newTestHandler(t)
	stored, _, err := env.svc.Submit(context.Background(), submission(), "")
	if err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodDelete, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(stored.ID.String())

	if err := h.Delete(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodDelete, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.NewString())
	err = h.Delete(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}
