package guide

import (
	"context"

	"github.com/google/uuid"
)

// ListFilter narrows guide listings. Zero values mean no filter.
type ListFilter struct {
	Status       string
	BatchID      *uuid.UUID
	Unbatched    bool
	OperatorName string
}

type Repository interface {
	Create(ctx context.Context, g *Guide) error
	GetByID(ctx context.Context, id uuid.UUID) (*Guide, error)
	GetByNumber(ctx context.Context, clinicID uuid.UUID, guideNumber string) (*Guide, error)
	Update(ctx context.Context, g *Guide) error
	List(ctx context.Context, clinicID uuid.UUID, f ListFilter, limit, offset int) ([]*Guide, int, error)
	ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*Guide, error)
	// SetBatch attaches (or with nil detaches) a guide to a batch.
	SetBatch(ctx context.Context, guideID uuid.UUID, batchID *uuid.UUID) error
	// SetStatusByBatch flips every guide in the batch to the given status.
	SetStatusByBatch(ctx context.Context, batchID uuid.UUID, status string) error
	// ApplyOutcome persists the money and status columns written by return
	// ingestion and records the (guide, return) pair in the applied set.
	// Both writes land atomically: a partial write would let a retry count
	// the guide as applied while its row still carries the old outcome.
	ApplyOutcome(ctx context.Context, g *Guide, returnID uuid.UUID) error
	// ReturnApplied reports whether the (guide, return) pair is already in
	// the applied set.
	ReturnApplied(ctx context.Context, guideID, returnID uuid.UUID) (bool, error)
}
