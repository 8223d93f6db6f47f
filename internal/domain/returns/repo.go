package returns

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, r *Return) error
	GetByID(ctx context.Context, id uuid.UUID) (*Return, error)
	List(ctx context.Context, clinicID uuid.UUID, status string, limit, offset int) ([]*Return, int, error)
	// NextDue lists returns ready for an attempt: PENDING, or RETRY whose
	// next_attempt_at has passed.
	NextDue(ctx context.Context, limit int) ([]uuid.UUID, error)
	// Claim atomically moves the row to PROCESSING. It reports false when
	// another worker got there first; exactly one claim wins.
	Claim(ctx context.Context, id uuid.UUID) (bool, error)
	// Update persists the attempt result columns.
	Update(ctx context.Context, r *Return) error
}
