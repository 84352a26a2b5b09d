package template

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/rxvault/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type versionRepoPG struct{ pool *pgxpool.Pool }

func NewVersionRepoPG(pool *pgxpool.Pool) VersionRepository {
	return &versionRepoPG{pool: pool}
}

func (r *versionRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const versionCols = `id, code, version, title, elements, created_at`

func (r *versionRepoPG) scanRow(row pgx.Row) (*Version, error) {
	var v Version
	var elements []byte
	err := row.Scan(&v.ID, &v.Code, &v.Version, &v.Title, &elements, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(elements, &v.Elements); err != nil {
		return nil, fmt.Errorf("decode elements of %s v%d: %w", v.Code, v.Version, err)
	}
	return &v, nil
}

func (r *versionRepoPG) Create(ctx context.Context, v *Version) error {
	v.ID = uuid.New()
	elements, err := json.Marshal(v.Elements)
	if err != nil {
		return fmt.Errorf("encode elements: %w", err)
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO template_version (id, code, version, title, elements)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at`,
		v.ID, v.Code, v.Version, v.Title, elements).Scan(&v.CreatedAt)
}

func (r *versionRepoPG) GetLatest(ctx context.Context, code string) (*Version, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx,
		`SELECT `+versionCols+` FROM template_version WHERE code = $1 ORDER BY version DESC LIMIT 1`, code))
}

func (r *versionRepoPG) GetVersion(ctx context.Context, code string, version int) (*Version, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx,
		`SELECT `+versionCols+` FROM template_version WHERE code = $1 AND version = $2`, code, version))
}

func (r *versionRepoPG) List(ctx context.Context, limit, offset int) ([]*Version, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM template_version`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+versionCols+` FROM template_version ORDER BY code, version DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Version
	for rows.Next() {
		v, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, v)
	}
	return items, total, rows.Err()
}
