package prescription

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/rxvault/internal/domain/template"
	"github.com/ehr/rxvault/internal/platform/hipaa"
	"github.com/ehr/rxvault/internal/platform/keyexchange"
	"github.com/ehr/rxvault/internal/platform/view"
)

var (
	// ErrKeyUnavailable is returned when no data key could be issued for a
	// template that has free-text fields.
	ErrKeyUnavailable = errors.New("record key unavailable")
	// ErrKeyExchangeUnavailable is returned when the subject could not be
	// pseudonymized.
	ErrKeyExchangeUnavailable = errors.New("key exchange unavailable")
	// ErrInvalidSubmission marks submissions rejected before any work is done.
	ErrInvalidSubmission = errors.New("invalid submission")
)

// SchemaSource resolves the current schema of a template code.
type SchemaSource interface {
	GetSchema(ctx context.Context, code string) (*template.Schema, error)
}

type Service struct {
	repo     RecordRepository
	schemas  SchemaSource
	keys     keyexchange.Backend
	importer hipaa.KeyImporter
	codec    *hipaa.RecordCodec
	logger   zerolog.Logger
}

func NewService(repo RecordRepository, schemas SchemaSource, keys keyexchange.Backend, importer hipaa.KeyImporter, codec *hipaa.RecordCodec, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		schemas:  schemas,
		keys:     keys,
		importer: importer,
		codec:    codec,
		logger:   logger,
	}
}

// PrepareForSubmission encrypts the free-text answers of sub under a freshly
// issued record key and pseudonymizes the subject. It never fails because a
// single field could not be encrypted: such fields stay in plaintext and are
// listed in UnencryptedFields.
func (s *Service) PrepareForSubmission(ctx context.Context, sub *Submission) (*Prepared, error) {
	if sub.TemplateCode == "" {
		return nil, fmt.Errorf("%w: template_code is required", ErrInvalidSubmission)
	}
	if sub.Responses == nil {
		return nil, fmt.Errorf("%w: responses are required", ErrInvalidSubmission)
	}

	var (
		schema    *template.Schema
		pseudonym string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sc, err := s.schemas.GetSchema(gctx, sub.TemplateCode)
		if err != nil {
			return fmt.Errorf("load template: %w", err)
		}
		schema = sc
		return nil
	})
	if sub.SubjectID != "" {
		g.Go(func() error {
			p, err := s.keys.Pseudonymize(gctx, sub.SubjectID)
			if err != nil {
				return fmt.Errorf("%w: pseudonymize subject: %w", ErrKeyExchangeUnavailable, err)
			}
			pseudonym = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	prepared := &Prepared{
		TemplateCode:     sub.TemplateCode,
		TemplateVersion:  schema.Version,
		SubjectPseudonym: pseudonym,
	}

	var handle hipaa.KeyHandle
	if schema.RequiresEncryption() {
		token, km, err := s.issueKey(ctx)
		if err != nil {
			s.logger.Error().Err(err).Str("template", sub.TemplateCode).Msg("record key issue failed")
			return nil, fmt.Errorf("%w: %w", ErrKeyUnavailable, err)
		}
		defer km.Destroy()
		handle = km.Handle()
		prepared.PseudonymizedKey = token
	}

	out, failures := s.codec.Encrypt(ctx, sub.Responses, schema, handle)
	if err := ctx.Err(); err != nil {
		// Fields skipped for cancellation are not encryption failures and
		// must not be handed on as plaintext.
		return nil, err
	}
	prepared.Responses = out
	prepared.Failures = failures
	for _, f := range failures {
		prepared.UnencryptedFields = append(prepared.UnencryptedFields, f.Path)
	}
	if len(failures) > 0 {
		s.logger.Warn().
			Str("template", sub.TemplateCode).
			Strs("unencrypted_fields", prepared.UnencryptedFields).
			Msg("submission carries plaintext in protected fields")
	}
	return prepared, nil
}

func (s *Service) issueKey(ctx context.Context) (keyexchange.PseudonymInTransit, *keyexchange.KeyMaterial, error) {
	token, raw, err := s.keys.IssueKey(ctx)
	if err != nil {
		return "", nil, err
	}
	handle, err := s.importer.ImportKey(raw)
	if err != nil {
		hipaa.Zero(raw)
		return "", nil, fmt.Errorf("import issued key: %w", err)
	}
	return token, keyexchange.NewKeyMaterial(raw, handle), nil
}

// Submit prepares sub and stores it. Field encryption failures are returned
// alongside the stored record.
func (s *Service) Submit(ctx context.Context, sub *Submission, createdBy string) (*Record, []hipaa.FieldEncryptionError, error) {
	prepared, err := s.PrepareForSubmission(ctx, sub)
	if err != nil {
		return nil, nil, err
	}

	rec := &Record{
		TemplateCode:      prepared.TemplateCode,
		TemplateVersion:   prepared.TemplateVersion,
		PseudonymizedKey:  prepared.PseudonymizedKey,
		Responses:         prepared.Responses,
		UnencryptedFields: prepared.UnencryptedFields,
	}
	if prepared.SubjectPseudonym != "" {
		rec.SubjectPseudonym = &prepared.SubjectPseudonym
	}
	if createdBy != "" {
		rec.CreatedBy = &createdBy
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, nil, fmt.Errorf("store prescription: %w", err)
	}
	s.logger.Info().Str("id", rec.ID.String()).Str("template", rec.TemplateCode).Msg("prescription stored")
	return rec, prepared.Failures, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, templateCode string, limit, offset int) ([]*Record, int, error) {
	return s.repo.List(ctx, templateCode, limit, offset)
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.repo.Delete(ctx, id)
}

// LoadViewRecord fetches a record in the form the view assembler consumes.
func (s *Service) LoadViewRecord(ctx context.Context, id string) (*view.Record, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, view.ErrRecordNotFound
	}
	rec, err := s.repo.GetByID(ctx, uid)
	if errors.Is(err, ErrNotFound) {
		return nil, view.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load prescription %s: %w", id, err)
	}
	return &view.Record{
		ID:              rec.ID.String(),
		TemplateCode:    rec.TemplateCode,
		TemplateVersion: rec.TemplateVersion,
		KeyToken:        rec.PseudonymizedKey,
		Responses:       rec.Responses,
		PlaintextPaths:  rec.UnencryptedFields,
	}, nil
}
