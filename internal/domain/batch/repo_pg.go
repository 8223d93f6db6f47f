package batch

import (
	"context"
	"fmt"
	"time"

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

const batchCols = `id, clinic_id, name, operator_name, status, xml_snapshot_url,
	protocol_number, submission_date, notes, created_at, updated_at`

func scanBatch(row pgx.Row) (*Batch, error) {
	var b Batch
	err := row.Scan(&b.ID, &b.ClinicID, &b.Name, &b.OperatorName, &b.Status, &b.XMLSnapshotURL,
		&b.ProtocolNumber, &b.SubmissionDate, &b.Notes, &b.CreatedAt, &b.UpdatedAt)
	return &b, err
}

func (r *repoPG) Create(ctx context.Context, b *Batch) error {
	b.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO batches (id, clinic_id, name, operator_name, status, notes)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		b.ID, b.ClinicID, b.Name, b.OperatorName, b.Status, b.Notes)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Batch, error) {
	return scanBatch(r.conn(ctx).QueryRow(ctx, `SELECT `+batchCols+` FROM batches WHERE id = $1`, id))
}

func (r *repoPG) List(ctx context.Context, clinicID uuid.UUID, status string, limit, offset int) ([]*Batch, int, error) {
	where := "clinic_id = $1"
	args := []interface{}{clinicID}
	if status != "" {
		args = append(args, status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM batches WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT %s FROM batches WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
			batchCols, where, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, b)
	}
	return items, total, rows.Err()
}

func (r *repoPG) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE batches SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	return err
}

func (r *repoPG) SetSnapshot(ctx context.Context, id uuid.UUID, url string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE batches SET xml_snapshot_url = $2, updated_at = NOW()
		WHERE id = $1 AND xml_snapshot_url IS NULL`,
		id, url)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) SetSubmission(ctx context.Context, id uuid.UUID, protocol *string, date time.Time, notes *string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE batches SET status = $2, protocol_number = $3, submission_date = $4,
			notes = COALESCE($5, notes), updated_at = NOW()
		WHERE id = $1 AND status IN ($6, $7)`,
		id, StatusSent, protocol, date, notes, StatusDraft, StatusValid)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
