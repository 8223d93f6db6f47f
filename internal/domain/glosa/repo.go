package glosa

import (
	"context"

	"github.com/google/uuid"
)

// ListFilter narrows glosa listings. Zero values mean no filter.
type ListFilter struct {
	GuideID    *uuid.UUID
	ReturnID   *uuid.UUID
	DenialCode string
	Disputed   *bool
}

type Repository interface {
	Create(ctx context.Context, g *Glosa) error
	GetByID(ctx context.Context, id uuid.UUID) (*Glosa, error)
	List(ctx context.Context, clinicID uuid.UUID, f ListFilter, limit, offset int) ([]*Summary, int, error)
	SetDisputed(ctx context.Context, id uuid.UUID, disputed bool) error
}
