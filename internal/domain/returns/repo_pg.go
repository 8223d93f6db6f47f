package returns

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

const returnCols = `id, clinic_id, file_name, file_url, processing_status, retry_count,
	next_attempt_at, parser_strategy, file_encoding,
	total_guides_processed, total_approved, total_denied, total_partial,
	error_details, processing_logs, created_at, started_at, completed_at`

func scanReturn(row pgx.Row) (*Return, error) {
	var ret Return
	err := row.Scan(&ret.ID, &ret.ClinicID, &ret.FileName, &ret.FileURL, &ret.ProcessingStatus, &ret.RetryCount,
		&ret.NextAttemptAt, &ret.ParserStrategy, &ret.FileEncoding,
		&ret.TotalGuidesProcessed, &ret.TotalApproved, &ret.TotalDenied, &ret.TotalPartial,
		&ret.ErrorDetails, &ret.ProcessingLogs, &ret.CreatedAt, &ret.StartedAt, &ret.CompletedAt)
	return &ret, err
}

func (r *repoPG) Create(ctx context.Context, ret *Return) error {
	ret.ID = uuid.New()
	if ret.ProcessingLogs == nil {
		ret.ProcessingLogs = []LogEntry{}
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO returns (id, clinic_id, file_name, file_url, processing_status, processing_logs)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		ret.ID, ret.ClinicID, ret.FileName, ret.FileURL, ret.ProcessingStatus, ret.ProcessingLogs)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Return, error) {
	return scanReturn(r.conn(ctx).QueryRow(ctx, `SELECT `+returnCols+` FROM returns WHERE id = $1`, id))
}

func (r *repoPG) List(ctx context.Context, clinicID uuid.UUID, status string, limit, offset int) ([]*Return, int, error) {
	where := "clinic_id = $1"
	args := []interface{}{clinicID}
	if status != "" {
		args = append(args, status)
		where += fmt.Sprintf(" AND processing_status = $%d", len(args))
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM returns WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT %s FROM returns WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
			returnCols, where, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Return
	for rows.Next() {
		ret, err := scanReturn(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, ret)
	}
	return items, total, rows.Err()
}

func (r *repoPG) NextDue(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id FROM returns
		WHERE processing_status = $1
		   OR (processing_status = $2 AND next_attempt_at <= NOW())
		ORDER BY created_at
		LIMIT $3`,
		StatusPending, StatusRetry, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *repoPG) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE returns
		SET processing_status = $2, started_at = COALESCE(started_at, NOW())
		WHERE id = $1 AND processing_status IN ($3, $4)`,
		id, StatusProcessing, StatusPending, StatusRetry)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) Update(ctx context.Context, ret *Return) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE returns SET processing_status=$2, retry_count=$3, next_attempt_at=$4,
			parser_strategy=$5, file_encoding=$6,
			total_guides_processed=$7, total_approved=$8, total_denied=$9, total_partial=$10,
			error_details=$11, processing_logs=$12, started_at=$13, completed_at=$14
		WHERE id = $1`,
		ret.ID, ret.ProcessingStatus, ret.RetryCount, ret.NextAttemptAt,
		ret.ParserStrategy, ret.FileEncoding,
		ret.TotalGuidesProcessed, ret.TotalApproved, ret.TotalDenied, ret.TotalPartial,
		ret.ErrorDetails, ret.ProcessingLogs, ret.StartedAt, ret.CompletedAt)
	return err
}
