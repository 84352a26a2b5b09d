package prescription

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no record has the requested id.
var ErrNotFound = errors.New("prescription not found")

type RecordRepository interface {
	Create(ctx context.Context, r *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	List(ctx context.Context, templateCode string, limit, offset int) ([]*Record, int, error)
	Delete(ctx context.Context, id uuid.UUID) error
}
