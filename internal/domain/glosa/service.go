package glosa

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tiss/tiss/internal/platform/apperr"
	"github.com/tiss/tiss/internal/platform/auth"
)

type Service struct {
	glosas Repository
}

func NewService(glosas Repository) *Service {
	return &Service{glosas: glosas}
}

// Record persists one glosa produced by return ingestion.
func (s *Service) Record(ctx context.Context, g *Glosa) error {
	return s.glosas.Create(ctx, g)
}

func (s *Service) List(ctx context.Context, clinicID uuid.UUID, f ListFilter, limit, offset int) ([]*Summary, int, error) {
	return s.glosas.List(ctx, clinicID, f, limit, offset)
}

// Dispute flags a glosa as contested with the operator.
func (s *Service) Dispute(ctx context.Context, id uuid.UUID) (*Glosa, error) {
	g, err := s.glosas.GetByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("glosa")
	}
	if err != nil {
		return nil, err
	}
	if !auth.SameClinic(ctx, g.ClinicID) {
		return nil, apperr.NotFound("glosa")
	}
	if g.Disputed {
		return g, nil
	}
	if err := s.glosas.SetDisputed(ctx, id, true); err != nil {
		return nil, err
	}
	g.Disputed = true
	return g, nil
}
