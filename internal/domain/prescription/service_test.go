package prescription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/rxvault/internal/domain/template"
	"github.com/ehr/rxvault/internal/platform/hipaa"
	"github.com/ehr/rxvault/internal/platform/keyexchange"
	"github.com/ehr/rxvault/internal/platform/view"
)

// -- Mock Repository --

type mockRecordRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Record
	err     error
}

func newMockRecordRepo() *mockRecordRepo {
	return &mockRecordRepo{records: make(map[uuid.UUID]*Record)}
}

func (m *mockRecordRepo) Create(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	r.ID = uuid.New()
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	m.records[r.ID] = r
	return nil
}

func (m *mockRecordRepo) GetByID(_ context.Context, id uuid.UUID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (m *mockRecordRepo) List(_ context.Context, templateCode string, limit, offset int) ([]*Record, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, r := range m.records {
		if templateCode == "" || r.TemplateCode == templateCode {
			out = append(out, r)
		}
	}
	return out, len(out), nil
}

func (m *mockRecordRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return ErrNotFound
	}
	delete(m.records, id)
	return nil
}

// -- Schema source --

type staticSchemas map[string]*template.Schema

func (s staticSchemas) GetSchema(_ context.Context, code string) (*template.Schema, error) {
	sc, ok := s[code]
	if !ok {
		return nil, fmt.Errorf("load template %s: %w", code, template.ErrNotFound)
	}
	return sc, nil
}

func testSchemas() staticSchemas {
	return staticSchemas{
		"rx-standard": template.NewSchema(&template.Version{Code: "rx-standard", Version: 3, Elements: []template.Element{
			{ID: "drug"},
			{ID: "dose"},
			{ID: "notes", Tags: []string{template.TagFreeText}},
			{ID: "indication", SubFormElements: []template.Element{
				{ID: "code"},
				{ID: "comment", Tags: []string{template.TagFreeText}},
			}},
		}}),
		"rx-refill": template.NewSchema(&template.Version{Code: "rx-refill", Version: 1, Elements: []template.Element{
			{ID: "drug"},
			{ID: "dose"},
		}}),
	}
}

// -- Key exchange doubles --

type failingIssuer struct{ *keyexchange.LocalClient }

func (failingIssuer) IssueKey(context.Context) (keyexchange.PseudonymInTransit, []byte, error) {
	return "", nil, errors.New("exchange unreachable")
}

type failingPseudonymizer struct{ *keyexchange.LocalClient }

func (failingPseudonymizer) Pseudonymize(context.Context, string) (string, error) {
	return "", errors.New("exchange unreachable")
}

// selectiveImporter hands out keys that refuse to encrypt one plaintext.
type selectiveImporter struct{ refuse string }

func (s selectiveImporter) ImportKey(raw []byte) (hipaa.KeyHandle, error) {
	h, err := hipaa.AESImporter{}.ImportKey(raw)
	if err != nil {
		return nil, err
	}
	return &selectiveKey{KeyHandle: h, refuse: s.refuse}, nil
}

type selectiveKey struct {
	hipaa.KeyHandle
	refuse string
}

func (k *selectiveKey) Encrypt(plaintext string) (string, error) {
	if plaintext == k.refuse {
		return "", errors.New("cipher rejected input")
	}
	return k.KeyHandle.Encrypt(plaintext)
}

func newLocalBackend(t *testing.T) *keyexchange.LocalClient {
	t.Helper()
	c, err := keyexchange.NewLocalClient(bytes.Repeat([]byte{0x5a}, 32))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

type testEnv struct {
	svc   *Service
	repo  *mockRecordRepo
	keys  *keyexchange.LocalClient
	codec *hipaa.RecordCodec
}

func newTestEnv(t *testing.T, keys keyexchange.Backend, importer hipaa.KeyImporter) *testEnv {
	t.Helper()
	local := newLocalBackend(t)
	if keys == nil {
		keys = local
	}
	if importer == nil {
		importer = hipaa.AESImporter{}
	}
	repo := newMockRecordRepo()
	codec := hipaa.NewRecordCodec(hipaa.NewFieldCodec(), zerolog.Nop())
	return &testEnv{
		svc:   NewService(repo, testSchemas(), keys, importer, codec, zerolog.Nop()),
		repo:  repo,
		keys:  local,
		codec: codec,
	}
}

// isEncrypted reports whether v carries a field ciphertext envelope.
func isEncrypted(v string) bool {
	return strings.HasPrefix(v, fmt.Sprintf("v%d:", hipaa.CurrentEnvelopeVersion))
}

func submission() *Submission {
	return &Submission{
		TemplateCode: "rx-standard",
		SubjectID:    "patient-123",
		Responses: hipaa.Record{
			"drug":  "amoxicillin",
			"dose":  500.0,
			"notes": "mild rash after previous course",
			"indication": map[string]any{
				"code":    "J02.9",
				"comment": "recurrent pharyngitis",
			},
		},
	}
}

func TestPrepareForSubmission_EncryptsFreeText(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	sub := submission()

	p, err := env.svc.PrepareForSubmission(context.Background(), sub)
	if err != nil {
		t.Fatalf("PrepareForSubmission() error: %v", err)
	}

	notes, _ := p.Responses["notes"].(string)
	if !isEncrypted(notes) {
		t.Errorf("expected notes to be encrypted, got %q", notes)
	}
	comment, _ := p.Responses["indication"].(map[string]any)["comment"].(string)
	if !isEncrypted(comment) {
		t.Errorf("expected nested comment to be encrypted, got %q", comment)
	}
	if p.Responses["drug"] != "amoxicillin" || p.Responses["dose"] != 500.0 {
		t.Errorf("expected structured answers untouched, got %v", p.Responses)
	}
	if p.PseudonymizedKey == "" {
		t.Error("expected a key token")
	}
	if p.SubjectPseudonym == "" || strings.Contains(p.SubjectPseudonym, "patient-123") {
		t.Errorf("expected a pseudonym, got %q", p.SubjectPseudonym)
	}
	if len(p.UnencryptedFields) != 0 {
		t.Errorf("expected no unencrypted fields, got %v", p.UnencryptedFields)
	}
	if sub.Responses["notes"] != "mild rash after previous course" {
		t.Error("input responses must not be mutated")
	}
}

func TestPrepareForSubmission_RoundTripThroughKeyExchange(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	p, err := env.svc.PrepareForSubmission(ctx, submission())
	if err != nil {
		t.Fatal(err)
	}

	state := keyexchange.LoadKeyMaterial(ctx, env.keys, hipaa.AESImporter{}, p.PseudonymizedKey)
	km, ok := state.Value()
	if !ok {
		t.Fatalf("key material did not load: %v", state.Err())
	}
	defer km.Destroy()

	out, err := env.codec.Decrypt(ctx, p.Responses, testSchemas()["rx-standard"], km.Handle())
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}
	if out["notes"] != "mild rash after previous course" {
		t.Errorf("unexpected notes after round trip: %v", out["notes"])
	}
}

func TestPrepareForSubmission_NoFreeTextSkipsKey(t *testing.T) {
	env := newTestEnv(t, failingIssuer{newLocalBackend(t)}, nil)
	sub := &Submission{TemplateCode: "rx-refill", Responses: hipaa.Record{"drug": "ibuprofen"}}

	p, err := env.svc.PrepareForSubmission(context.Background(), sub)
	if err != nil {
		t.Fatalf("PrepareForSubmission() error: %v", err)
	}
	if p.PseudonymizedKey != "" {
		t.Errorf("expected no key token, got %q", p.PseudonymizedKey)
	}
	if p.Responses["drug"] != "ibuprofen" {
		t.Errorf("unexpected responses: %v", p.Responses)
	}
}

func TestPrepareForSubmission_FailOpenPerField(t *testing.T) {
	env := newTestEnv(t, nil, selectiveImporter{refuse: "recurrent pharyngitis"})

	p, err := env.svc.PrepareForSubmission(context.Background(), submission())
	if err != nil {
		t.Fatalf("a field failure must not fail the submission: %v", err)
	}
	if len(p.UnencryptedFields) != 1 || p.UnencryptedFields[0] != "indication/comment" {
		t.Errorf("expected indication/comment to be reported, got %v", p.UnencryptedFields)
	}
	if len(p.Failures) != 1 {
		t.Errorf("expected one failure, got %d", len(p.Failures))
	}
	comment := p.Responses["indication"].(map[string]any)["comment"]
	if comment != "recurrent pharyngitis" {
		t.Errorf("expected failed field to stay plaintext, got %v", comment)
	}
	if !isEncrypted(p.Responses["notes"].(string)) {
		t.Error("expected other protected fields to be encrypted")
	}
}

func TestPrepareForSubmission_KeyIssueFailure(t *testing.T) {
	env := newTestEnv(t, failingIssuer{newLocalBackend(t)}, nil)

	_, err := env.svc.PrepareForSubmission(context.Background(), submission())
	if !errors.Is(err, ErrKeyUnavailable) {
		t.Errorf("expected ErrKeyUnavailable, got %v", err)
	}
}

func TestPrepareForSubmission_Validation(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	if _, err := env.svc.PrepareForSubmission(ctx, &Submission{Responses: hipaa.Record{}}); err == nil {
		t.Error("expected error for missing template code")
	}
	if _, err := env.svc.PrepareForSubmission(ctx, &Submission{TemplateCode: "rx-standard"}); err == nil {
		t.Error("expected error for missing responses")
	}
	_, err := env.svc.PrepareForSubmission(ctx, &Submission{TemplateCode: "nope", Responses: hipaa.Record{}})
	if !errors.Is(err, template.ErrNotFound) {
		t.Errorf("expected template.ErrNotFound, got %v", err)
	}
}

func TestPrepareForSubmission_ValidationIsInvalidSubmission(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	_, err := env.svc.PrepareForSubmission(context.Background(), &Submission{Responses: hipaa.Record{}})
	if !errors.Is(err, ErrInvalidSubmission) {
		t.Errorf("expected ErrInvalidSubmission, got %v", err)
	}
}

func TestPrepareForSubmission_PseudonymizeFailure(t *testing.T) {
	env := newTestEnv(t, failingPseudonymizer{newLocalBackend(t)}, nil)

	_, err := env.svc.PrepareForSubmission(context.Background(), submission())
	if !errors.Is(err, ErrKeyExchangeUnavailable) {
		t.Errorf("expected ErrKeyExchangeUnavailable, got %v", err)
	}
}

func TestPrepareForSubmission_KeyIssueKeepsCause(t *testing.T) {
	env := newTestEnv(t, failingIssuer{newLocalBackend(t)}, nil)

	_, err := env.svc.PrepareForSubmission(context.Background(), submission())
	if err == nil || !strings.Contains(err.Error(), "exchange unreachable") {
		t.Errorf("expected issuer cause in error, got %v", err)
	}
}

func TestPrepareForSubmission_CanceledContext(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p, err := env.svc.PrepareForSubmission(ctx, submission())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if p != nil {
		t.Errorf("no prepared record may be returned once canceled, got %+v", p)
	}
}

func TestPrepareForSubmission_StampsTemplateVersion(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	p, err := env.svc.PrepareForSubmission(context.Background(), submission())
	if err != nil {
		t.Fatal(err)
	}
	if p.TemplateVersion != 3 {
		t.Errorf("expected template version 3, got %d", p.TemplateVersion)
	}
}

func TestSubmit_StoresRecord(t *testing.T) {
	env := newTestEnv(t, nil, selectiveImporter{refuse: "mild rash after previous course"})

	rec, failures, err := env.svc.Submit(context.Background(), submission(), "dr-who")
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if len(failures) != 1 || failures[0].FieldID != "notes" {
		t.Errorf("expected notes failure, got %+v", failures)
	}

	stored, err := env.repo.GetByID(context.Background(), rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.CreatedBy == nil || *stored.CreatedBy != "dr-who" {
		t.Errorf("expected created_by dr-who, got %v", stored.CreatedBy)
	}
	if stored.SubjectPseudonym == nil {
		t.Error("expected subject pseudonym")
	}
	if len(stored.UnencryptedFields) != 1 || stored.UnencryptedFields[0] != "notes" {
		t.Errorf("expected unencrypted_fields [notes], got %v", stored.UnencryptedFields)
	}
	if stored.TemplateVersion != 3 {
		t.Errorf("expected template_version 3, got %d", stored.TemplateVersion)
	}
}

func TestSubmit_StorageFailure(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.repo.err = errors.New("connection reset")

	if _, _, err := env.svc.Submit(context.Background(), submission(), ""); err == nil {
		t.Fatal("expected storage error")
	}
}

func TestLoadViewRecord_CarriesPlaintextPaths(t *testing.T) {
	env := newTestEnv(t, nil, selectiveImporter{refuse: "recurrent pharyngitis"})
	ctx := context.Background()
	rec, _, err := env.svc.Submit(ctx, submission(), "")
	if err != nil {
		t.Fatal(err)
	}

	vr, err := env.svc.LoadViewRecord(ctx, rec.ID.String())
	if err != nil {
		t.Fatal(err)
	}
	if len(vr.PlaintextPaths) != 1 || vr.PlaintextPaths[0] != "indication/comment" {
		t.Errorf("expected plaintext path indication/comment, got %v", vr.PlaintextPaths)
	}
}

func TestLoadViewRecord(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()
	rec, _, err := env.svc.Submit(ctx, submission(), "")
	if err != nil {
		t.Fatal(err)
	}

	vr, err := env.svc.LoadViewRecord(ctx, rec.ID.String())
	if err != nil {
		t.Fatalf("LoadViewRecord() error: %v", err)
	}
	if vr.TemplateCode != "rx-standard" || vr.KeyToken != rec.PseudonymizedKey {
		t.Errorf("unexpected view record: %+v", vr)
	}
	if vr.TemplateVersion != 3 {
		t.Errorf("expected view record pinned to version 3, got %d", vr.TemplateVersion)
	}

	if _, err := env.svc.LoadViewRecord(ctx, "not-a-uuid"); !errors.Is(err, view.ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound for bad id, got %v", err)
	}
	if _, err := env.svc.LoadViewRecord(ctx, uuid.NewString()); !errors.Is(err, view.ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound for unknown id, got %v", err)
	}
}
