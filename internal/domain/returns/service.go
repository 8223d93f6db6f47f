package returns

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tiss/tiss/internal/platform/apperr"
	"github.com/tiss/tiss/internal/platform/auth"
	"github.com/tiss/tiss/internal/platform/blobstore"
)

type Service struct {
	returns Repository
	store   blobstore.BlobStore
}

func NewService(returns Repository, store blobstore.BlobStore) *Service {
	return &Service{returns: returns, store: store}
}

// Upload registers a return file for asynchronous ingestion. The bytes land
// in the blobstore untouched; all interpretation happens in the worker.
func (s *Service) Upload(ctx context.Context, clinicID uuid.UUID, fileName string, content []byte) (*Return, error) {
	if len(content) == 0 {
		return nil, apperr.NewValidation("return file is empty")
	}
	if fileName == "" {
		fileName = "return.dat"
	}

	info, err := s.store.Put(ctx, fileName, "application/octet-stream", content)
	if err != nil {
		if errors.Is(err, blobstore.ErrFileTooLarge) {
			return nil, apperr.NewValidation("return file exceeds the size limit")
		}
		return nil, fmt.Errorf("store return file: %w", err)
	}

	ret := &Return{
		ClinicID:         clinicID,
		FileName:         fileName,
		FileURL:          info.URL,
		ProcessingStatus: StatusPending,
	}
	if err := s.returns.Create(ctx, ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Return, error) {
	ret, err := s.returns.GetByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("return")
	}
	if err != nil {
		return nil, err
	}
	if !auth.SameClinic(ctx, ret.ClinicID) {
		return nil, apperr.NotFound("return")
	}
	return ret, nil
}

// Status reports ingestion progress for polling clients.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (*StatusResponse, error) {
	ret, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return ret.ToStatus(), nil
}

func (s *Service) List(ctx context.Context, clinicID uuid.UUID, status string, limit, offset int) ([]*Return, int, error) {
	return s.returns.List(ctx, clinicID, status, limit, offset)
}
