package template

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/rxvault/internal/platform/db"
)

// Service loads template versions and hands out classification schemas.
// Schemas are immutable per version: each version is cached once per tenant,
// alongside the newest version of each code. Concurrent misses for the same
// key share one repository call.
type Service struct {
	repo   VersionRepository
	logger zerolog.Logger

	mu       sync.RWMutex
	latest   map[string]*Schema
	versions map[string]*Schema
	group    singleflight.Group
}

func NewService(repo VersionRepository, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		logger:   logger,
		latest:   make(map[string]*Schema),
		versions: make(map[string]*Schema),
	}
}

// GetSchema returns the schema of the latest version of code.
func (s *Service) GetSchema(ctx context.Context, code string) (*Schema, error) {
	if code == "" {
		return nil, fmt.Errorf("template code is required")
	}
	key := cacheKey(ctx, code)
	s.mu.RLock()
	cached, ok := s.latest[key]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	schema, err := s.fill(ctx, key, func(ctx context.Context) (*Version, error) {
		return s.repo.GetLatest(ctx, code)
	})
	if err != nil {
		return nil, fmt.Errorf("load template %s: %w", code, err)
	}
	s.storeLatest(ctx, schema)
	return schema, nil
}

// SchemaAt returns the schema of one version of code. Records are decrypted
// against the version they were written under; version zero falls back to
// the latest.
func (s *Service) SchemaAt(ctx context.Context, code string, version int) (*Schema, error) {
	if version <= 0 {
		return s.GetSchema(ctx, code)
	}
	if code == "" {
		return nil, fmt.Errorf("template code is required")
	}
	key := versionKey(ctx, code, version)
	s.mu.RLock()
	cached, ok := s.versions[key]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	schema, err := s.fill(ctx, key, func(ctx context.Context) (*Version, error) {
		return s.repo.GetVersion(ctx, code, version)
	})
	if err != nil {
		return nil, fmt.Errorf("load template %s v%d: %w", code, version, err)
	}
	s.storeVersion(ctx, schema)
	return schema, nil
}

// fill loads through the singleflight group. The load runs detached from the
// caller's cancellation so one caller giving up does not fail the callers
// sharing it; context values such as the tenant connection still apply.
func (s *Service) fill(ctx context.Context, key string, load func(context.Context) (*Version, error)) (*Schema, error) {
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		version, err := load(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		s.logger.Debug().Str("template", version.Code).Int("version", version.Version).Msg("template schema loaded")
		return NewSchema(version), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Schema), nil
}

func (s *Service) storeVersion(ctx context.Context, schema *Schema) {
	s.mu.Lock()
	s.versions[versionKey(ctx, schema.Code, schema.Version)] = schema
	s.mu.Unlock()
}

// storeLatest caches schema as the latest of its code unless a newer version
// is already cached. A slow fill never replaces what Import just wrote.
func (s *Service) storeLatest(ctx context.Context, schema *Schema) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[versionKey(ctx, schema.Code, schema.Version)] = schema
	key := cacheKey(ctx, schema.Code)
	if cur, ok := s.latest[key]; ok && cur.Version >= schema.Version {
		return
	}
	s.latest[key] = schema
}

// Import validates v and stores it as the next version of its code. The
// cached schema for the code is replaced.
func (s *Service) Import(ctx context.Context, v *Version) error {
	if err := Validate(v); err != nil {
		return err
	}
	latest, err := s.repo.GetLatest(ctx, v.Code)
	switch {
	case errors.Is(err, ErrNotFound):
		if v.Version == 0 {
			v.Version = 1
		}
	case err != nil:
		return fmt.Errorf("look up template %s: %w", v.Code, err)
	default:
		if v.Version == 0 {
			v.Version = latest.Version + 1
		}
		if v.Version <= latest.Version {
			return fmt.Errorf("template %s version %d is not newer than %d", v.Code, v.Version, latest.Version)
		}
	}

	if err := s.repo.Create(ctx, v); err != nil {
		return fmt.Errorf("store template %s: %w", v.Code, err)
	}

	s.storeLatest(ctx, NewSchema(v))
	s.logger.Info().Str("template", v.Code).Int("version", v.Version).Msg("template imported")
	return nil
}

func cacheKey(ctx context.Context, code string) string {
	return db.TenantFromContext(ctx) + "/" + code
}

func versionKey(ctx context.Context, code string, version int) string {
	return cacheKey(ctx, code) + "@" + strconv.Itoa(version)
}

// Latest returns the newest stored version of code.
func (s *Service) Latest(ctx context.Context, code string) (*Version, error) {
	return s.repo.GetLatest(ctx, code)
}

// Version returns one stored version of code. Records keep the code only, so
// this is for auditing what a template looked like when a record was written.
func (s *Service) Version(ctx context.Context, code string, version int) (*Version, error) {
	return s.repo.GetVersion(ctx, code, version)
}

func (s *Service) ListVersions(ctx context.Context, limit, offset int) ([]*Version, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// Validate checks that every element has an id.
func Validate(v *Version) error {
	if v.Code == "" {
		return fmt.Errorf("code is required")
	}
	if v.Version < 0 {
		return fmt.Errorf("version must not be negative")
	}
	var check func(path string, elements []Element) error
	check = func(path string, elements []Element) error {
		for i, e := range elements {
			if e.ID == "" {
				return fmt.Errorf("element %s[%d] has no id", path, i)
			}
			if err := check(path+"/"+e.ID, e.SubFormElements); err != nil {
				return err
			}
		}
		return nil
	}
	return check(v.Code, v.Elements)
}
