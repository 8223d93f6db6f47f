package guide

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/tiss/tiss/internal/platform/apperr"
	"github.com/tiss/tiss/internal/platform/auth"
	"github.com/tiss/tiss/internal/platform/tiss"
)

// -- Mock Repository --

type appliedKey struct {
	guideID  uuid.UUID
	returnID uuid.UUID
}

type mockGuideRepo struct {
	store   map[uuid.UUID]*Guide
	applied map[appliedKey]bool
	// failApply makes the next ApplyOutcome fail, simulating a transient
	// storage error. Consumed on use.
	failApply error
}

func newMockGuideRepo() *mockGuideRepo {
	return &mockGuideRepo{
		store:   make(map[uuid.UUID]*Guide),
		applied: make(map[appliedKey]bool),
	}
}

func (m *mockGuideRepo) Create(_ context.Context, g *Guide) error {
	g.ID = uuid.New()
	m.store[g.ID] = g
	return nil
}

func (m *mockGuideRepo) GetByID(_ context.Context, id uuid.UUID) (*Guide, error) {
	g, ok := m.store[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *g
	return &cp, nil
}

func (m *mockGuideRepo) GetByNumber(_ context.Context, clinicID uuid.UUID, number string) (*Guide, error) {
	for _, g := range m.store {
		if g.ClinicID == clinicID && g.GuideNumber == number {
			cp := *g
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *mockGuideRepo) Update(_ context.Context, g *Guide) error {
	if _, ok := m.store[g.ID]; !ok {
		return pgx.ErrNoRows
	}
	cp := *g
	m.store[g.ID] = &cp
	return nil
}

func (m *mockGuideRepo) List(_ context.Context, clinicID uuid.UUID, f ListFilter, limit, offset int) ([]*Guide, int, error) {
	var r []*Guide
	for _, g := range m.store {
		if g.ClinicID != clinicID {
			continue
		}
		if f.Status != "" && g.Status != f.Status {
			continue
		}
		r = append(r, g)
	}
	return r, len(r), nil
}

func (m *mockGuideRepo) ListByBatch(_ context.Context, batchID uuid.UUID) ([]*Guide, error) {
	var r []*Guide
	for _, g := range m.store {
		if g.BatchID != nil && *g.BatchID == batchID {
			r = append(r, g)
		}
	}
	return r, nil
}

func (m *mockGuideRepo) SetBatch(_ context.Context, guideID uuid.UUID, batchID *uuid.UUID) error {
	g, ok := m.store[guideID]
	if !ok {
		return pgx.ErrNoRows
	}
	g.BatchID = batchID
	return nil
}

func (m *mockGuideRepo) SetStatusByBatch(_ context.Context, batchID uuid.UUID, status string) error {
	for _, g := range m.store {
		if g.BatchID != nil && *g.BatchID == batchID {
			g.Status = status
		}
	}
	return nil
}

// ApplyOutcome mirrors the storage contract: guide columns and the applied
// mark land together or not at all.
func (m *mockGuideRepo) ApplyOutcome(_ context.Context, g *Guide, returnID uuid.UUID) error {
	if m.failApply != nil {
		err := m.failApply
		m.failApply = nil
		return err
	}
	stored, ok := m.store[g.ID]
	if !ok {
		return pgx.ErrNoRows
	}
	stored.PaidValue = g.PaidValue
	stored.GlosaValue = g.GlosaValue
	stored.Status = g.Status
	m.applied[appliedKey{g.ID, returnID}] = true
	return nil
}

func (m *mockGuideRepo) ReturnApplied(_ context.Context, guideID, returnID uuid.UUID) (bool, error) {
	return m.applied[appliedKey{guideID, returnID}], nil
}

// -- Helpers --

var testClinic = uuid.MustParse("11111111-1111-1111-1111-111111111111")

func testCtx() context.Context {
	return auth.WithIdentity(context.Background(), "test-user", testClinic, "admin")
}

func strPtr(s string) *string { return &s }

func completeGuide(number string) *Guide {
	issue := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	return &Guide{
		ClinicID:          testClinic,
		GuideNumber:       number,
		PatientRef:        "patient-1",
		PatientName:       "Maria Souza",
		OperatorName:      "Unimed",
		CIDCode:           strPtr("J45.0"),
		CouncilNumber:     strPtr("CRM-12345"),
		CardNumber:        strPtr("123456789"),
		IssueDate:         &issue,
		ProcedureCode:     "10101012",
		ProcedureQuantity: 1,
		TotalValue:        10000,
	}
}

func newTestService(repo Repository) *Service {
	return NewService(repo, zerolog.Nop())
}

// -- Tests --

func TestCreateGuide(t *testing.T) {
	repo := newMockGuideRepo()
	svc := newTestService(repo)

	g := completeGuide("G-1")
	if err := svc.Create(testCtx(), g); err != nil {
		t.Fatalf("create: %v", err)
	}
	if g.Status != StatusPending {
		t.Errorf("status = %s, want PENDING", g.Status)
	}
	if g.ValidationStatus != ValidationValid {
		t.Errorf("validation_status = %s, want VALID", g.ValidationStatus)
	}
	if g.GlosaValue != g.TotalValue {
		t.Errorf("glosa_value = %d, want full total while unpaid", g.GlosaValue)
	}
}

func TestCreateGuideMissingCoreFields(t *testing.T) {
	svc := newTestService(newMockGuideRepo())

	err := svc.Create(testCtx(), &Guide{ClinicID: testClinic})
	var ve *apperr.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !ve.Blocking() {
		t.Error("expected blocking findings")
	}
}

func TestCreateGuideIncompleteIsInvalid(t *testing.T) {
	svc := newTestService(newMockGuideRepo())

	g := completeGuide("G-1")
	g.CIDCode = nil
	if err := svc.Create(testCtx(), g); err != nil {
		t.Fatalf("create: %v", err)
	}
	if g.ValidationStatus != ValidationInvalid {
		t.Errorf("validation_status = %s, want INVALID without diagnosis code", g.ValidationStatus)
	}
}

func TestCreateGuideDuplicateNumber(t *testing.T) {
	repo := newMockGuideRepo()
	svc := newTestService(repo)

	if err := svc.Create(testCtx(), completeGuide("G-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := svc.Create(testCtx(), completeGuide("G-1"))
	var ce *apperr.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestGetGuideCrossClinicHidden(t *testing.T) {
	repo := newMockGuideRepo()
	svc := newTestService(repo)

	g := completeGuide("G-1")
	if err := svc.Create(testCtx(), g); err != nil {
		t.Fatalf("create: %v", err)
	}

	otherCtx := auth.WithIdentity(context.Background(), "other", uuid.New(), "admin")
	_, err := svc.Get(otherCtx, g.ID)
	var ne *apperr.NotFoundError
	if !errors.As(err, &ne) {
		t.Fatalf("expected not found across clinics, got %v", err)
	}

	superCtx := auth.WithIdentity(context.Background(), "root", uuid.Nil, auth.RoleSuper)
	if _, err := svc.Get(superCtx, g.ID); err != nil {
		t.Errorf("super role should bypass clinic scoping: %v", err)
	}
}

func TestUpdateGuideOnlyWhilePending(t *testing.T) {
	repo := newMockGuideRepo()
	svc := newTestService(repo)

	g := completeGuide("G-1")
	if err := svc.Create(testCtx(), g); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.Update(testCtx(), g.ID, &Guide{PatientName: "Maria S. Souza"}); err != nil {
		t.Fatalf("update pending: %v", err)
	}

	repo.store[g.ID].Status = StatusSent
	_, err := svc.Update(testCtx(), g.ID, &Guide{PatientName: "x"})
	var ce *apperr.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict for non-pending guide, got %v", err)
	}
}

func TestRecordOutcomeAppliesMoneyAndStatus(t *testing.T) {
	repo := newMockGuideRepo()
	svc := newTestService(repo)

	g := completeGuide("G-1")
	if err := svc.Create(testCtx(), g); err != nil {
		t.Fatalf("create: %v", err)
	}
	repo.store[g.ID].Status = StatusSent
	returnID := uuid.New()

	res, updated, err := svc.RecordOutcome(context.Background(), testClinic, returnID,
		tiss.GuideOutcome{GuideNumber: "G-1", Outcome: tiss.OutcomePartial, PaidValue: 6000})
	if err != nil {
		t.Fatalf("record outcome: %v", err)
	}
	if res != ApplyApplied {
		t.Fatalf("result = %s, want APPLIED", res)
	}
	if updated.Status != StatusPartial || updated.PaidValue != 6000 || updated.GlosaValue != 4000 {
		t.Errorf("guide after outcome = %+v", updated)
	}
	if repo.store[g.ID].GlosaValue != 4000 {
		t.Errorf("stored glosa = %d, want 4000", repo.store[g.ID].GlosaValue)
	}
}

func TestRecordOutcomeIdempotentPerReturn(t *testing.T) {
	repo := newMockGuideRepo()
	svc := newTestService(repo)

	g := completeGuide("G-1")
	if err := svc.Create(testCtx(), g); err != nil {
		t.Fatalf("create: %v", err)
	}
	repo.store[g.ID].Status = StatusSent
	returnID := uuid.New()
	out := tiss.GuideOutcome{GuideNumber: "G-1", Outcome: tiss.OutcomeDenied}

	if res, _, err := svc.RecordOutcome(context.Background(), testClinic, returnID, out); err != nil || res != ApplyApplied {
		t.Fatalf("first apply: res=%s err=%v", res, err)
	}
	// Replaying the same return file must not change anything.
	res, updated, err := svc.RecordOutcome(context.Background(), testClinic, returnID, out)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res != ApplyAlreadyApplied {
		t.Errorf("replay result = %s, want ALREADY_APPLIED", res)
	}
	if updated.PaidValue != 0 || updated.GlosaValue != 10000 {
		t.Errorf("replay mutated guide: %+v", updated)
	}
}

func TestRecordOutcomeRetrySurvivesStorageFailure(t *testing.T) {
	repo := newMockGuideRepo()
	svc := newTestService(repo)

	g := completeGuide("G-1")
	if err := svc.Create(testCtx(), g); err != nil {
		t.Fatalf("create: %v", err)
	}
	repo.store[g.ID].Status = StatusSent
	returnID := uuid.New()
	out := tiss.GuideOutcome{GuideNumber: "G-1", Outcome: tiss.OutcomeApproved, PaidValue: 10000}

	// First attempt dies in storage. Nothing may be left behind, or a
	// replay of the same return would see the pair as applied and skip the
	// guide forever.
	repo.failApply = errors.New("connection reset")
	if _, _, err := svc.RecordOutcome(context.Background(), testClinic, returnID, out); err == nil {
		t.Fatal("expected storage error on first attempt")
	}
	if repo.applied[appliedKey{g.ID, returnID}] {
		t.Fatal("failed attempt left the applied mark behind")
	}

	res, updated, err := svc.RecordOutcome(context.Background(), testClinic, returnID, out)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res != ApplyApplied {
		t.Fatalf("retry result = %s, want APPLIED", res)
	}
	if updated.Status != StatusApproved || repo.store[g.ID].PaidValue != 10000 {
		t.Errorf("outcome lost across retry: %+v", repo.store[g.ID])
	}
}

func TestRecordOutcomeConflictingReturnRejected(t *testing.T) {
	repo := newMockGuideRepo()
	svc := newTestService(repo)

	g := completeGuide("G-1")
	if err := svc.Create(testCtx(), g); err != nil {
		t.Fatalf("create: %v", err)
	}
	repo.store[g.ID].Status = StatusSent

	if res, _, err := svc.RecordOutcome(context.Background(), testClinic, uuid.New(),
		tiss.GuideOutcome{GuideNumber: "G-1", Outcome: tiss.OutcomeApproved}); err != nil || res != ApplyApplied {
		t.Fatalf("first apply: res=%s err=%v", res, err)
	}

	res, updated, err := svc.RecordOutcome(context.Background(), testClinic, uuid.New(),
		tiss.GuideOutcome{GuideNumber: "G-1", Outcome: tiss.OutcomeDenied})
	if err != nil {
		t.Fatalf("second return: %v", err)
	}
	if res != ApplyRejected {
		t.Errorf("second return result = %s, want REJECTED", res)
	}
	if updated.Status != StatusApproved {
		t.Errorf("terminal status changed by conflicting return: %s", updated.Status)
	}
}

func TestRecordOutcomeApprovedDefaultsToFullPayment(t *testing.T) {
	repo := newMockGuideRepo()
	svc := newTestService(repo)

	g := completeGuide("G-1")
	if err := svc.Create(testCtx(), g); err != nil {
		t.Fatalf("create: %v", err)
	}
	repo.store[g.ID].Status = StatusSent

	_, updated, err := svc.RecordOutcome(context.Background(), testClinic, uuid.New(),
		tiss.GuideOutcome{GuideNumber: "G-1", Outcome: tiss.OutcomeApproved})
	if err != nil {
		t.Fatalf("record outcome: %v", err)
	}
	if updated.PaidValue != 10000 || updated.GlosaValue != 0 {
		t.Errorf("approved without paid value: %+v", updated)
	}
}

func TestRecordOutcomeOverpaymentRejected(t *testing.T) {
	repo := newMockGuideRepo()
	svc := newTestService(repo)

	g := completeGuide("G-1")
	if err := svc.Create(testCtx(), g); err != nil {
		t.Fatalf("create: %v", err)
	}
	repo.store[g.ID].Status = StatusSent

	_, _, err := svc.RecordOutcome(context.Background(), testClinic, uuid.New(),
		tiss.GuideOutcome{GuideNumber: "G-1", Outcome: tiss.OutcomePartial, PaidValue: 20000})
	var ve *apperr.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for overpayment, got %v", err)
	}
}

func TestRecordOutcomeUnknownGuide(t *testing.T) {
	svc := newTestService(newMockGuideRepo())

	_, _, err := svc.RecordOutcome(context.Background(), testClinic, uuid.New(),
		tiss.GuideOutcome{GuideNumber: "NOPE", Outcome: tiss.OutcomeApproved})
	var ne *apperr.NotFoundError
	if !errors.As(err, &ne) {
		t.Fatalf("expected not found, got %v", err)
	}
}
