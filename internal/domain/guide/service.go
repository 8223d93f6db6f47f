package guide

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/tiss/tiss/internal/platform/apperr"
	"github.com/tiss/tiss/internal/platform/auth"
	"github.com/tiss/tiss/internal/platform/tiss"
)

// ApplyResult describes what RecordOutcome did with one parsed outcome.
type ApplyResult string

const (
	ApplyApplied        ApplyResult = "APPLIED"
	ApplyAlreadyApplied ApplyResult = "ALREADY_APPLIED"
	ApplyRejected       ApplyResult = "REJECTED"
)

type Service struct {
	guides Repository
	logger zerolog.Logger
}

func NewService(guides Repository, logger zerolog.Logger) *Service {
	return &Service{guides: guides, logger: logger}
}

func (s *Service) Create(ctx context.Context, g *Guide) error {
	var blocking []apperr.FieldError
	if g.GuideNumber == "" {
		blocking = append(blocking, apperr.FieldError{Field: "guide_number", Message: "guide number is required", Severity: apperr.SeverityError})
	}
	if g.OperatorName == "" {
		blocking = append(blocking, apperr.FieldError{Field: "operator_name", Message: "operator name is required", Severity: apperr.SeverityError})
	}
	if g.ProcedureCode == "" {
		blocking = append(blocking, apperr.FieldError{Field: "procedure_code", Message: "procedure code is required", Severity: apperr.SeverityError})
	}
	if g.TotalValue <= 0 {
		blocking = append(blocking, apperr.FieldError{Field: "total_value", Message: "total value must be positive", Severity: apperr.SeverityError})
	}
	if len(blocking) > 0 {
		return apperr.NewValidation("guide cannot be created", blocking...)
	}

	if existing, err := s.guides.GetByNumber(ctx, g.ClinicID, g.GuideNumber); err == nil && existing != nil {
		return apperr.Conflictf("guide number %s already exists", g.GuideNumber)
	} else if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("check guide number: %w", err)
	}

	if g.ProcedureQuantity == 0 {
		g.ProcedureQuantity = 1
	}
	g.Status = StatusPending
	g.PaidValue = 0
	g.RecomputeGlosa()
	// Completeness findings do not block creation, they only mark the guide
	// ineligible for batching until fixed.
	g.RefreshValidationStatus()
	return s.guides.Create(ctx, g)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Guide, error) {
	g, err := s.guides.GetByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("guide")
	}
	if err != nil {
		return nil, err
	}
	// Cross-clinic access is indistinguishable from absence.
	if !auth.SameClinic(ctx, g.ClinicID) {
		return nil, apperr.NotFound("guide")
	}
	return g, nil
}

// Update rewrites the editable fields of a PENDING guide and revalidates it.
func (s *Service) Update(ctx context.Context, id uuid.UUID, in *Guide) (*Guide, error) {
	g, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.Status != StatusPending {
		return nil, apperr.Conflictf("guide is %s, only PENDING guides can be edited", g.Status)
	}

	if in.GuideNumber != "" && in.GuideNumber != g.GuideNumber {
		if existing, err := s.guides.GetByNumber(ctx, g.ClinicID, in.GuideNumber); err == nil && existing != nil {
			return nil, apperr.Conflictf("guide number %s already exists", in.GuideNumber)
		} else if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("check guide number: %w", err)
		}
		g.GuideNumber = in.GuideNumber
	}
	if in.PatientRef != "" {
		g.PatientRef = in.PatientRef
	}
	if in.PatientName != "" {
		g.PatientName = in.PatientName
	}
	if in.OperatorName != "" {
		g.OperatorName = in.OperatorName
	}
	if in.CIDCode != nil {
		g.CIDCode = in.CIDCode
	}
	if in.CouncilNumber != nil {
		g.CouncilNumber = in.CouncilNumber
	}
	if in.CardNumber != nil {
		g.CardNumber = in.CardNumber
	}
	if in.IssueDate != nil {
		g.IssueDate = in.IssueDate
	}
	if in.ProcedureCode != "" {
		g.ProcedureCode = in.ProcedureCode
	}
	if in.ProcedureQuantity > 0 {
		g.ProcedureQuantity = in.ProcedureQuantity
	}
	if in.TotalValue > 0 {
		g.TotalValue = in.TotalValue
		g.RecomputeGlosa()
	}
	g.RefreshValidationStatus()

	if err := s.guides.Update(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *Service) List(ctx context.Context, clinicID uuid.UUID, f ListFilter, limit, offset int) ([]*Guide, int, error) {
	return s.guides.List(ctx, clinicID, f, limit, offset)
}

// RecordOutcome applies one parsed return outcome to the matching guide. The
// operation is idempotent per (guide, return): replaying the same return is a
// no-op, while a second, different return reaching an already-terminal guide
// is rejected and logged as an anomaly for manual review.
func (s *Service) RecordOutcome(ctx context.Context, clinicID, returnID uuid.UUID, out tiss.GuideOutcome) (ApplyResult, *Guide, error) {
	g, err := s.guides.GetByNumber(ctx, clinicID, out.GuideNumber)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, apperr.NotFound("guide " + out.GuideNumber)
	}
	if err != nil {
		return "", nil, err
	}

	applied, err := s.guides.ReturnApplied(ctx, g.ID, returnID)
	if err != nil {
		return "", nil, err
	}
	if applied {
		return ApplyAlreadyApplied, g, nil
	}

	if g.IsTerminal() {
		s.logger.Warn().
			Str("type", "outcome_conflict").
			Str("guide_id", g.ID.String()).
			Str("guide_number", g.GuideNumber).
			Str("guide_status", g.Status).
			Str("return_id", returnID.String()).
			Msg("conflicting outcome from a different return rejected")
		return ApplyRejected, g, nil
	}

	var status string
	switch out.Outcome {
	case tiss.OutcomeApproved:
		status = StatusApproved
	case tiss.OutcomeDenied:
		status = StatusDenied
	case tiss.OutcomePartial:
		status = StatusPartial
	default:
		return "", nil, fmt.Errorf("unknown outcome %q", out.Outcome)
	}

	paid := out.PaidValue
	if status == StatusApproved && paid == 0 {
		// Operators often omit the paid value on full approvals.
		paid = g.TotalValue
	}
	if paid < 0 {
		return "", nil, apperr.NewValidation("paid value cannot be negative")
	}
	if paid > g.TotalValue {
		return "", nil, apperr.NewValidation(
			fmt.Sprintf("paid value %d exceeds guide total %d", paid, g.TotalValue))
	}

	g.PaidValue = paid
	g.RecomputeGlosa()
	g.Status = status

	if err := s.guides.ApplyOutcome(ctx, g, returnID); err != nil {
		return "", nil, fmt.Errorf("apply outcome: %w", err)
	}
	return ApplyApplied, g, nil
}
