package glosa

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tiss/tiss/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const glosaCols = `id, clinic_id, guide_id, return_id, denial_code, denial_reason,
	glosa_value, suggested_correction, disputed, created_at`

func (r *repoPG) Create(ctx context.Context, g *Glosa) error {
	g.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO glosas (id, clinic_id, guide_id, return_id, denial_code, denial_reason,
			glosa_value, suggested_correction, disputed)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		g.ID, g.ClinicID, g.GuideID, g.ReturnID, g.DenialCode, g.DenialReason,
		g.GlosaValue, g.SuggestedCorrection, g.Disputed)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Glosa, error) {
	var g Glosa
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+glosaCols+` FROM glosas WHERE id = $1`, id).
		Scan(&g.ID, &g.ClinicID, &g.GuideID, &g.ReturnID, &g.DenialCode, &g.DenialReason,
			&g.GlosaValue, &g.SuggestedCorrection, &g.Disputed, &g.CreatedAt)
	return &g, err
}

func (r *repoPG) List(ctx context.Context, clinicID uuid.UUID, f ListFilter, limit, offset int) ([]*Summary, int, error) {
	where := "g.clinic_id = $1"
	args := []interface{}{clinicID}
	if f.GuideID != nil {
		args = append(args, *f.GuideID)
		where += fmt.Sprintf(" AND g.guide_id = $%d", len(args))
	}
	if f.ReturnID != nil {
		args = append(args, *f.ReturnID)
		where += fmt.Sprintf(" AND g.return_id = $%d", len(args))
	}
	if f.DenialCode != "" {
		args = append(args, f.DenialCode)
		where += fmt.Sprintf(" AND g.denial_code = $%d", len(args))
	}
	if f.Disputed != nil {
		args = append(args, *f.Disputed)
		where += fmt.Sprintf(" AND g.disputed = $%d", len(args))
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM glosas g WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`
		SELECT g.id, g.clinic_id, g.guide_id, g.return_id, g.denial_code, g.denial_reason,
			g.glosa_value, g.suggested_correction, g.disputed, g.created_at,
			u.guide_number, u.patient_name, u.operator_name, u.total_value
		FROM glosas g
		JOIN guides u ON u.id = g.guide_id
		WHERE %s
		ORDER BY g.created_at DESC LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.ID, &s.ClinicID, &s.GuideID, &s.ReturnID, &s.DenialCode, &s.DenialReason,
			&s.GlosaValue, &s.SuggestedCorrection, &s.Disputed, &s.CreatedAt,
			&s.GuideNumber, &s.PatientName, &s.OperatorName, &s.TotalValue); err != nil {
			return nil, 0, err
		}
		items = append(items, &s)
	}
	return items, total, rows.Err()
}

func (r *repoPG) SetDisputed(ctx context.Context, id uuid.UUID, disputed bool) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE glosas SET disputed = $2 WHERE id = $1`, id, disputed)
	return err
}
