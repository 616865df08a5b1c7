package labqc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stablehand/labqc/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// -- Templates --

type templateRepoPG struct{ pool *pgxpool.Pool }

func NewTemplateRepoPG(pool *pgxpool.Pool) TemplateRepository {
	return &templateRepoPG{pool: pool}
}

const templateCols = `id, template_id, name, name_alt, category, sample_type, parameters, created_at, updated_at`

func (r *templateRepoPG) scanRow(row pgx.Row) (*Template, error) {
	var t Template
	var params []byte
	err := row.Scan(&t.RowID, &t.ID, &t.Name, &t.NameAlt, &t.Category, &t.SampleType,
		&params, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(params, &t.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters of %s: %w", t.ID, err)
	}
	return &t, nil
}

func (r *templateRepoPG) Upsert(ctx context.Context, t *Template) error {
	params, err := json.Marshal(t.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters of %s: %w", t.ID, err)
	}
	if t.RowID == uuid.Nil {
		t.RowID = uuid.New()
	}
	return connFor(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO lab_template (id, template_id, name, name_alt, category, sample_type, parameters)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (template_id) DO UPDATE SET
			name = EXCLUDED.name,
			name_alt = EXCLUDED.name_alt,
			category = EXCLUDED.category,
			sample_type = EXCLUDED.sample_type,
			parameters = EXCLUDED.parameters,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`,
		t.RowID, t.ID, t.Name, t.NameAlt, t.Category, t.SampleType, params,
	).Scan(&t.RowID, &t.CreatedAt, &t.UpdatedAt)
}

func (r *templateRepoPG) GetTemplateByID(ctx context.Context, id string) (*Template, bool, error) {
	t, err := r.scanRow(connFor(ctx, r.pool).QueryRow(ctx,
		`SELECT `+templateCols+` FROM lab_template WHERE template_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

func (r *templateRepoPG) GetAllTemplates(ctx context.Context) ([]Template, error) {
	rows, err := connFor(ctx, r.pool).Query(ctx, `SELECT `+templateCols+` FROM lab_template ORDER BY category, template_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Template
	for rows.Next() {
		t, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *t)
	}
	return items, rows.Err()
}

func (r *templateRepoPG) Delete(ctx context.Context, id string) error {
	_, err := connFor(ctx, r.pool).Exec(ctx, `DELETE FROM lab_template WHERE template_id = $1`, id)
	return err
}

func (r *templateRepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]Template, int, error) {
	query := `SELECT ` + templateCols + ` FROM lab_template WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM lab_template WHERE 1=1`
	var args []interface{}
	idx := 1

	if p, ok := params["category"]; ok {
		query += fmt.Sprintf(` AND category = $%d`, idx)
		countQuery += fmt.Sprintf(` AND category = $%d`, idx)
		args = append(args, p)
		idx++
	}
	if p, ok := params["sample_type"]; ok {
		query += fmt.Sprintf(` AND sample_type = $%d`, idx)
		countQuery += fmt.Sprintf(` AND sample_type = $%d`, idx)
		args = append(args, p)
		idx++
	}

	var total int
	if err := connFor(ctx, r.pool).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY category, template_id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := connFor(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []Template
	for rows.Next() {
		t, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, *t)
	}
	return items, total, rows.Err()
}

// -- Associations --

type associationStorePG struct{ pool *pgxpool.Pool }

func NewAssociationStorePG(pool *pgxpool.Pool) AssociationStore {
	return &associationStorePG{pool: pool}
}

func (s *associationStorePG) Get(ctx context.Context, recordID string) ([]byte, bool, error) {
	var raw []byte
	err := connFor(ctx, s.pool).QueryRow(ctx,
		`SELECT payload FROM lab_association WHERE record_id = $1`, recordID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (s *associationStorePG) Set(ctx context.Context, recordID string, raw []byte) error {
	_, err := connFor(ctx, s.pool).Exec(ctx, `
		INSERT INTO lab_association (record_id, payload) VALUES ($1, $2)
		ON CONFLICT (record_id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()`,
		recordID, raw)
	return err
}

func (s *associationStorePG) Delete(ctx context.Context, recordID string) error {
	_, err := connFor(ctx, s.pool).Exec(ctx, `DELETE FROM lab_association WHERE record_id = $1`, recordID)
	return err
}
