package prescription

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
	"github.com/ehr/rxvault/internal/platform/keyexchange"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type recordRepoPG struct{ pool *pgxpool.Pool }

func NewRecordRepoPG(pool *pgxpool.Pool) RecordRepository {
	return &recordRepoPG{pool: pool}
}

func (r *recordRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const recordCols = `id, template_code, template_version, subject_pseudonym, pseudonymized_key,
	responses, unencrypted_fields, created_by, created_at, updated_at`

func (r *recordRepoPG) scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var key *string
	var responses []byte
	err := row.Scan(&rec.ID, &rec.TemplateCode, &rec.TemplateVersion, &rec.SubjectPseudonym, &key,
		&responses, &rec.UnencryptedFields, &rec.CreatedBy, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if key != nil {
		rec.PseudonymizedKey = keyexchange.PseudonymInTransit(*key)
	}
	if err := json.Unmarshal(responses, &rec.Responses); err != nil {
		return nil, fmt.Errorf("decode responses of %s: %w", rec.ID, err)
	}
	return &rec, nil
}

func (r *recordRepoPG) Create(ctx context.Context, rec *Record) error {
	rec.ID = uuid.New()
	responses, err := json.Marshal(rec.Responses)
	if err != nil {
		return fmt.Errorf("encode responses: %w", err)
	}
	var key *string
	if rec.PseudonymizedKey != "" {
		s := string(rec.PseudonymizedKey)
		key = &s
	}
	unencrypted := rec.UnencryptedFields
	if unencrypted == nil {
		unencrypted = []string{}
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO prescription_record (id, template_code, template_version, subject_pseudonym,
			pseudonymized_key, responses, unencrypted_fields, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		rec.ID, rec.TemplateCode, rec.TemplateVersion, rec.SubjectPseudonym,
		key, responses, unencrypted, rec.CreatedBy).Scan(&rec.CreatedAt, &rec.UpdatedAt)
}

func (r *recordRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	return r.scanRecord(r.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM prescription_record WHERE id = $1`, id))
}

func (r *recordRepoPG) List(ctx context.Context, templateCode string, limit, offset int) ([]*Record, int, error) {
	where := ""
	args := []interface{}{}
	if templateCode != "" {
		where = ` WHERE template_code = $1`
		args = append(args, templateCode)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM prescription_record`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM prescription_record%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		recordCols, where, len(args)+1, len(args)+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Record
	for rows.Next() {
		rec, err := r.scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}

func (r *recordRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM prescription_record WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
