package guide

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

const guideCols = `id, clinic_id, batch_id, guide_number, patient_ref, patient_name,
	operator_name, cid_code, council_number, card_number, issue_date,
	procedure_code, procedure_quantity, total_value, paid_value, glosa_value,
	validation_status, status, created_at, updated_at`

func scanGuide(row pgx.Row) (*Guide, error) {
	var g Guide
	err := row.Scan(&g.ID, &g.ClinicID, &g.BatchID, &g.GuideNumber, &g.PatientRef, &g.PatientName,
		&g.OperatorName, &g.CIDCode, &g.CouncilNumber, &g.CardNumber, &g.IssueDate,
		&g.ProcedureCode, &g.ProcedureQuantity, &g.TotalValue, &g.PaidValue, &g.GlosaValue,
		&g.ValidationStatus, &g.Status, &g.CreatedAt, &g.UpdatedAt)
	return &g, err
}

func (r *repoPG) Create(ctx context.Context, g *Guide) error {
	g.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO guides (id, clinic_id, batch_id, guide_number, patient_ref, patient_name,
			operator_name, cid_code, council_number, card_number, issue_date,
			procedure_code, procedure_quantity, total_value, paid_value, glosa_value,
			validation_status, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		g.ID, g.ClinicID, g.BatchID, g.GuideNumber, g.PatientRef, g.PatientName,
		g.OperatorName, g.CIDCode, g.CouncilNumber, g.CardNumber, g.IssueDate,
		g.ProcedureCode, g.ProcedureQuantity, g.TotalValue, g.PaidValue, g.GlosaValue,
		g.ValidationStatus, g.Status)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Guide, error) {
	return scanGuide(r.conn(ctx).QueryRow(ctx, `SELECT `+guideCols+` FROM guides WHERE id = $1`, id))
}

func (r *repoPG) GetByNumber(ctx context.Context, clinicID uuid.UUID, guideNumber string) (*Guide, error) {
	return scanGuide(r.conn(ctx).QueryRow(ctx,
		`SELECT `+guideCols+` FROM guides WHERE clinic_id = $1 AND guide_number = $2`,
		clinicID, guideNumber))
}

func (r *repoPG) Update(ctx context.Context, g *Guide) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE guides SET guide_number=$2, patient_ref=$3, patient_name=$4, operator_name=$5,
			cid_code=$6, council_number=$7, card_number=$8, issue_date=$9,
			procedure_code=$10, procedure_quantity=$11, total_value=$12,
			validation_status=$13, updated_at=NOW()
		WHERE id = $1`,
		g.ID, g.GuideNumber, g.PatientRef, g.PatientName, g.OperatorName,
		g.CIDCode, g.CouncilNumber, g.CardNumber, g.IssueDate,
		g.ProcedureCode, g.ProcedureQuantity, g.TotalValue,
		g.ValidationStatus)
	return err
}

func (r *repoPG) List(ctx context.Context, clinicID uuid.UUID, f ListFilter, limit, offset int) ([]*Guide, int, error) {
	where := "clinic_id = $1"
	args := []interface{}{clinicID}
	if f.Status != "" {
		args = append(args, f.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.BatchID != nil {
		args = append(args, *f.BatchID)
		where += fmt.Sprintf(" AND batch_id = $%d", len(args))
	}
	if f.Unbatched {
		where += " AND batch_id IS NULL"
	}
	if f.OperatorName != "" {
		args = append(args, f.OperatorName)
		where += fmt.Sprintf(" AND operator_name = $%d", len(args))
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM guides WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT %s FROM guides WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
			guideCols, where, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Guide
	for rows.Next() {
		g, err := scanGuide(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, g)
	}
	return items, total, rows.Err()
}

func (r *repoPG) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*Guide, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+guideCols+` FROM guides WHERE batch_id = $1 ORDER BY guide_number`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Guide
	for rows.Next() {
		g, err := scanGuide(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, g)
	}
	return items, rows.Err()
}

func (r *repoPG) SetBatch(ctx context.Context, guideID uuid.UUID, batchID *uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE guides SET batch_id = $2, updated_at = NOW() WHERE id = $1`, guideID, batchID)
	return err
}

func (r *repoPG) SetStatusByBatch(ctx context.Context, batchID uuid.UUID, status string) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE guides SET status = $2, updated_at = NOW() WHERE batch_id = $1`, batchID, status)
	return err
}

func (r *repoPG) ApplyOutcome(ctx context.Context, g *Guide, returnID uuid.UUID) error {
	if db.TxFromContext(ctx) != nil {
		return r.applyOutcome(ctx, g, returnID)
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		return r.applyOutcome(ctx, g, returnID)
	})
}

func (r *repoPG) applyOutcome(ctx context.Context, g *Guide, returnID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE guides SET paid_value=$2, glosa_value=$3, status=$4, updated_at=NOW()
		WHERE id = $1`,
		g.ID, g.PaidValue, g.GlosaValue, g.Status)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO guide_applied_returns (guide_id, return_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`,
		g.ID, returnID)
	return err
}

func (r *repoPG) ReturnApplied(ctx context.Context, guideID, returnID uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM guide_applied_returns WHERE guide_id = $1 AND return_id = $2)`,
		guideID, returnID).Scan(&exists)
	return exists, err
}
