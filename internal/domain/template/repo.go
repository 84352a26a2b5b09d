package template

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no version exists for a template code.
var ErrNotFound = errors.New("template not found")

type VersionRepository interface {
	Create(ctx context.Context, v *Version) error
	GetLatest(ctx context.Context, code string) (*Version, error)
	GetVersion(ctx context.Context, code string, version int) (*Version, error)
	List(ctx context.Context, limit, offset int) ([]*Version, int, error)
}
