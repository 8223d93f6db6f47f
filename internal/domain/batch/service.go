package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/tiss/tiss/internal/domain/guide"
	"github.com/tiss/tiss/internal/platform/apperr"
	"github.com/tiss/tiss/internal/platform/auth"
	"github.com/tiss/tiss/internal/platform/blobstore"
	"github.com/tiss/tiss/internal/platform/events"
	"github.com/tiss/tiss/internal/platform/tiss"
)

// TxRunner executes fn atomically. The server binds this to db.WithTx so the
// batch and guide writes of a submit share one transaction; a nil runner
// executes fn directly.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

type Service struct {
	batches         Repository
	guides          guide.Repository
	store           blobstore.BlobStore
	pub             events.Publisher
	logger          zerolog.Logger
	denialThreshold float64
	tx              TxRunner
}

func NewService(batches Repository, guides guide.Repository, store blobstore.BlobStore,
	pub events.Publisher, logger zerolog.Logger, denialThreshold float64, tx TxRunner) *Service {
	if tx == nil {
		tx = func(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }
	}
	return &Service{
		batches:         batches,
		guides:          guides,
		store:           store,
		pub:             pub,
		logger:          logger,
		denialThreshold: denialThreshold,
		tx:              tx,
	}
}

func (s *Service) Create(ctx context.Context, b *Batch) error {
	var findings []apperr.FieldError
	if b.Name == "" {
		findings = append(findings, apperr.FieldError{Field: "name", Message: "batch name is required", Severity: apperr.SeverityError})
	}
	if b.OperatorName == "" {
		findings = append(findings, apperr.FieldError{Field: "operator_name", Message: "operator name is required", Severity: apperr.SeverityError})
	}
	if len(findings) > 0 {
		return apperr.NewValidation("batch cannot be created", findings...)
	}
	b.Status = StatusDraft
	return s.batches.Create(ctx, b)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Batch, error) {
	b, err := s.batches.GetByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("batch")
	}
	if err != nil {
		return nil, err
	}
	if !auth.SameClinic(ctx, b.ClinicID) {
		return nil, apperr.NotFound("batch")
	}
	return b, nil
}

func (s *Service) List(ctx context.Context, clinicID uuid.UUID, status string, limit, offset int) ([]*Batch, int, error) {
	return s.batches.List(ctx, clinicID, status, limit, offset)
}

func (s *Service) Guides(ctx context.Context, batchID uuid.UUID) ([]*guide.Guide, error) {
	if _, err := s.Get(ctx, batchID); err != nil {
		return nil, err
	}
	return s.guides.ListByBatch(ctx, batchID)
}

// AddGuides attaches guides to a DRAFT batch. A guide already sitting in
// another batch is a conflict, never a silent move.
func (s *Service) AddGuides(ctx context.Context, batchID uuid.UUID, guideIDs []uuid.UUID) error {
	b, err := s.Get(ctx, batchID)
	if err != nil {
		return err
	}
	if b.Status != StatusDraft {
		return apperr.Conflictf("batch is %s, membership is editable only while DRAFT", b.Status)
	}

	for _, gid := range guideIDs {
		g, err := s.guides.GetByID(ctx, gid)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("guide " + gid.String())
		}
		if err != nil {
			return err
		}
		if g.ClinicID != b.ClinicID {
			return apperr.NotFound("guide " + gid.String())
		}
		if g.BatchID != nil {
			if *g.BatchID == batchID {
				continue
			}
			return apperr.Conflictf("guide %s is already attached to another batch", g.GuideNumber)
		}
		if g.Status != guide.StatusPending {
			return apperr.Conflictf("guide %s is %s and cannot be batched", g.GuideNumber, g.Status)
		}
		if err := s.guides.SetBatch(ctx, gid, &batchID); err != nil {
			return err
		}
	}

	// Membership changed, any earlier validation result is stale.
	if b.Status == StatusValid {
		return s.batches.SetStatus(ctx, batchID, StatusDraft)
	}
	return nil
}

func (s *Service) RemoveGuide(ctx context.Context, batchID, guideID uuid.UUID) error {
	b, err := s.Get(ctx, batchID)
	if err != nil {
		return err
	}
	if b.Status != StatusDraft {
		return apperr.Conflictf("batch is %s, membership is editable only while DRAFT", b.Status)
	}
	g, err := s.guides.GetByID(ctx, guideID)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("guide")
	}
	if err != nil {
		return err
	}
	if g.BatchID == nil || *g.BatchID != batchID {
		return apperr.NotFound("guide in batch")
	}
	return s.guides.SetBatch(ctx, guideID, nil)
}

// Validate runs the structural and semantic check set over the batch and its
// guides. Zero ERROR findings promotes a DRAFT batch to VALID.
func (s *Service) Validate(ctx context.Context, batchID uuid.UUID) ([]apperr.FieldError, error) {
	b, err := s.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status != StatusDraft && b.Status != StatusValid {
		return nil, apperr.Conflictf("batch is %s and can no longer be validated", b.Status)
	}

	members, err := s.guides.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	var findings []apperr.FieldError
	add := func(field, msg, severity string) {
		findings = append(findings, apperr.FieldError{Field: field, Message: msg, Severity: severity})
	}

	if len(members) == 0 {
		add("guides", "batch has no guides", apperr.SeverityError)
	}

	seen := make(map[string]bool, len(members))
	for _, g := range members {
		prefix := "guides." + g.GuideNumber

		if seen[g.GuideNumber] {
			add(prefix+".guide_number", "duplicate guide number in batch", apperr.SeverityError)
		}
		seen[g.GuideNumber] = true

		if g.OperatorName != b.OperatorName {
			add(prefix+".operator_name",
				fmt.Sprintf("guide operator %q differs from batch operator %q", g.OperatorName, b.OperatorName),
				apperr.SeverityError)
		}
		for _, f := range g.Validate() {
			add(prefix+"."+f.Field, f.Message, f.Severity)
		}
		if g.ProcedureQuantity > 99 {
			add(prefix+".procedure_quantity", "procedure quantity above the usual operator limit", apperr.SeverityWarning)
		}
	}

	blocking := false
	for _, f := range findings {
		if f.Severity == apperr.SeverityError {
			blocking = true
			break
		}
	}

	switch {
	case !blocking && b.Status == StatusDraft:
		if err := transition(s.logger, b, StatusValid); err != nil {
			return nil, err
		}
		if err := s.batches.SetStatus(ctx, batchID, StatusValid); err != nil {
			return nil, err
		}
	case blocking && b.Status == StatusValid:
		if err := s.batches.SetStatus(ctx, batchID, StatusDraft); err != nil {
			return nil, err
		}
	}
	return findings, nil
}

// GenerateFile serializes the batch and freezes the snapshot. The snapshot
// is write-once: once generated, the bytes submitted to the operator can
// always be reproduced on audit.
func (s *Service) GenerateFile(ctx context.Context, batchID uuid.UUID) (*Batch, error) {
	b, err := s.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.XMLSnapshotURL != nil {
		return nil, apperr.Conflictf("batch file was already generated")
	}
	if b.Status != StatusValid {
		findings, err := s.Validate(ctx, batchID)
		if err != nil {
			return nil, err
		}
		if v := apperr.NewValidation("batch is not valid", findings...); v.Blocking() {
			return nil, v
		}
		b.Status = StatusValid
	}

	members, err := s.guides.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	records := make([]tiss.GuideRecord, 0, len(members))
	for _, g := range members {
		records = append(records, g.ToRecord())
	}

	data, err := tiss.Encode(tiss.BatchHeader{
		BatchID:      b.ID.String(),
		Name:         b.Name,
		OperatorName: b.OperatorName,
	}, records)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}

	info, err := s.store.Put(ctx, fmt.Sprintf("batch-%s.xml", b.ID), "application/xml", data)
	if err != nil {
		return nil, fmt.Errorf("store batch file: %w", err)
	}

	wrote, err := s.batches.SetSnapshot(ctx, batchID, info.URL)
	if err != nil {
		return nil, err
	}
	if !wrote {
		// Lost a race with a concurrent generate call.
		return nil, apperr.Conflictf("batch file was already generated")
	}
	b.XMLSnapshotURL = &info.URL
	return b, nil
}

// Submit marks the batch as handed to the operator. A DRAFT batch is
// validated on the way; a batch without a frozen snapshot cannot be
// submitted at all.
func (s *Service) Submit(ctx context.Context, batchID uuid.UUID, req SubmitRequest) (*Batch, error) {
	b, err := s.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status == StatusSent || b.Status == StatusClosed {
		s.logger.Warn().
			Str("type", "illegal_transition").
			Str("batch_id", b.ID.String()).
			Str("from", b.Status).
			Str("to", StatusSent).
			Msg("batch transition rejected")
		return nil, &apperr.InvalidStateError{Entity: "batch", From: b.Status, To: StatusSent}
	}

	if b.Status == StatusDraft {
		findings, err := s.Validate(ctx, batchID)
		if err != nil {
			return nil, err
		}
		if v := apperr.NewValidation("batch failed validation on submit", findings...); v.Blocking() {
			return nil, v
		}
	}
	if b.XMLSnapshotURL == nil {
		return nil, apperr.Preconditionf("batch has no generated file, call generate before submit")
	}

	date := time.Now().UTC()
	if req.SubmissionDate != nil {
		date = *req.SubmissionDate
	}
	err = s.tx(ctx, func(ctx context.Context) error {
		ok, err := s.batches.SetSubmission(ctx, batchID, req.ProtocolNumber, date, req.Notes)
		if err != nil {
			return err
		}
		if !ok {
			// A concurrent submitter got here first.
			s.logger.Warn().
				Str("type", "illegal_transition").
				Str("batch_id", b.ID.String()).
				Str("from", StatusSent).
				Str("to", StatusSent).
				Msg("batch transition rejected")
			return &apperr.InvalidStateError{Entity: "batch", From: StatusSent, To: StatusSent}
		}
		return s.guides.SetStatusByBatch(ctx, batchID, guide.StatusSent)
	})
	if err != nil {
		return nil, err
	}

	b.Status = StatusSent
	b.SubmissionDate = &date
	b.ProtocolNumber = req.ProtocolNumber
	if req.Notes != nil {
		b.Notes = req.Notes
	}

	s.pub.Publish(ctx, events.New(events.TypeBatchSubmitted, b.ClinicID, b.ID, map[string]interface{}{
		"batch_name":      b.Name,
		"operator_name":   b.OperatorName,
		"protocol_number": req.ProtocolNumber,
	}))
	return b, nil
}

// CloseIfComplete closes a SENT batch once every member guide reached a
// terminal outcome. Called by return ingestion after each applied outcome.
func (s *Service) CloseIfComplete(ctx context.Context, batchID uuid.UUID) (bool, error) {
	b, err := s.batches.GetByID(ctx, batchID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, apperr.NotFound("batch")
	}
	if err != nil {
		return false, err
	}
	if b.Status != StatusSent {
		return false, nil
	}

	members, err := s.guides.ListByBatch(ctx, batchID)
	if err != nil {
		return false, err
	}
	if len(members) == 0 {
		return false, nil
	}

	var totalValue, totalGlosa int64
	for _, g := range members {
		if !g.IsTerminal() {
			return false, nil
		}
		totalValue += g.TotalValue
		totalGlosa += g.GlosaValue
	}

	if err := transition(s.logger, b, StatusClosed); err != nil {
		return false, err
	}
	if err := s.batches.SetStatus(ctx, batchID, StatusClosed); err != nil {
		return false, err
	}

	payload := map[string]interface{}{
		"batch_name":  b.Name,
		"guide_count": len(members),
		"total_value": totalValue,
		"glosa_value": totalGlosa,
	}
	s.pub.Publish(ctx, events.New(events.TypeBatchClosed, b.ClinicID, b.ID, payload))

	if totalValue > 0 {
		ratio := float64(totalGlosa) / float64(totalValue)
		if ratio >= s.denialThreshold {
			payload["glosa_ratio"] = ratio
			s.pub.Publish(ctx, events.New(events.TypeDenialRateHigh, b.ClinicID, b.ID, payload))
		}
	}
	return true, nil
}
