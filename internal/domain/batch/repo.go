package batch

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, b *Batch) error
	GetByID(ctx context.Context, id uuid.UUID) (*Batch, error)
	List(ctx context.Context, clinicID uuid.UUID, status string, limit, offset int) ([]*Batch, int, error)
	SetStatus(ctx context.Context, id uuid.UUID, status string) error
	// SetSnapshot writes the frozen file URL. The row is only updated while
	// the column is still NULL, so the snapshot is write-once at the
	// storage layer too; it reports whether the write landed.
	SetSnapshot(ctx context.Context, id uuid.UUID, url string) (bool, error)
	// SetSubmission stamps the submission metadata together with the SENT
	// status. The update only lands while the batch is still DRAFT or
	// VALID, so of two concurrent submitters exactly one wins; it reports
	// whether the write landed.
	SetSubmission(ctx context.Context, id uuid.UUID, protocol *string, date time.Time, notes *string) (bool, error)
}
