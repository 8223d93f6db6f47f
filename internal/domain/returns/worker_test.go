package returns

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/tiss/tiss/internal/domain/batch"
	"github.com/tiss/tiss/internal/domain/glosa"
	"github.com/tiss/tiss/internal/domain/guide"
	"github.com/tiss/tiss/internal/platform/blobstore"
	"github.com/tiss/tiss/internal/platform/events"
)

// -- Mock Repositories --

type mockReturnRepo struct {
	store map[uuid.UUID]*Return
}

func newMockReturnRepo() *mockReturnRepo {
	return &mockReturnRepo{store: make(map[uuid.UUID]*Return)}
}

func (m *mockReturnRepo) Create(_ context.Context, r *Return) error {
	r.ID = uuid.New()
	cp := *r
	m.store[r.ID] = &cp
	return nil
}

func (m *mockReturnRepo) GetByID(_ context.Context, id uuid.UUID) (*Return, error) {
	r, ok := m.store[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *r
	cp.ProcessingLogs = append([]LogEntry(nil), r.ProcessingLogs...)
	return &cp, nil
}

func (m *mockReturnRepo) List(_ context.Context, clinicID uuid.UUID, status string, limit, offset int) ([]*Return, int, error) {
	var r []*Return
	for _, ret := range m.store {
		if ret.ClinicID == clinicID {
			r = append(r, ret)
		}
	}
	return r, len(r), nil
}

func (m *mockReturnRepo) NextDue(_ context.Context, limit int) ([]uuid.UUID, error) {
	now := time.Now()
	var ids []uuid.UUID
	for id, r := range m.store {
		if r.ProcessingStatus == StatusPending {
			ids = append(ids, id)
		}
		if r.ProcessingStatus == StatusRetry && r.NextAttemptAt != nil && !r.NextAttemptAt.After(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *mockReturnRepo) Claim(_ context.Context, id uuid.UUID) (bool, error) {
	r, ok := m.store[id]
	if !ok {
		return false, pgx.ErrNoRows
	}
	if r.ProcessingStatus != StatusPending && r.ProcessingStatus != StatusRetry {
		return false, nil
	}
	r.ProcessingStatus = StatusProcessing
	if r.StartedAt == nil {
		now := time.Now().UTC()
		r.StartedAt = &now
	}
	return true, nil
}

func (m *mockReturnRepo) Update(_ context.Context, r *Return) error {
	if _, ok := m.store[r.ID]; !ok {
		return pgx.ErrNoRows
	}
	cp := *r
	cp.ProcessingLogs = append([]LogEntry(nil), r.ProcessingLogs...)
	m.store[r.ID] = &cp
	return nil
}

type mockGuideRepo struct {
	store   map[uuid.UUID]*guide.Guide
	applied map[string]bool
}

func newMockGuideRepo() *mockGuideRepo {
	return &mockGuideRepo{
		store:   make(map[uuid.UUID]*guide.Guide),
		applied: make(map[string]bool),
	}
}

func (m *mockGuideRepo) Create(_ context.Context, g *guide.Guide) error {
	g.ID = uuid.New()
	m.store[g.ID] = g
	return nil
}

func (m *mockGuideRepo) GetByID(_ context.Context, id uuid.UUID) (*guide.Guide, error) {
	g, ok := m.store[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *g
	return &cp, nil
}

func (m *mockGuideRepo) GetByNumber(_ context.Context, clinicID uuid.UUID, number string) (*guide.Guide, error) {
	for _, g := range m.store {
		if g.ClinicID == clinicID && g.GuideNumber == number {
			cp := *g
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *mockGuideRepo) Update(_ context.Context, g *guide.Guide) error {
	cp := *g
	m.store[g.ID] = &cp
	return nil
}

func (m *mockGuideRepo) List(_ context.Context, clinicID uuid.UUID, f guide.ListFilter, limit, offset int) ([]*guide.Guide, int, error) {
	return nil, 0, nil
}

func (m *mockGuideRepo) ListByBatch(_ context.Context, batchID uuid.UUID) ([]*guide.Guide, error) {
	var r []*guide.Guide
	for _, g := range m.store {
		if g.BatchID != nil && *g.BatchID == batchID {
			cp := *g
			r = append(r, &cp)
		}
	}
	return r, nil
}

func (m *mockGuideRepo) SetBatch(_ context.Context, guideID uuid.UUID, batchID *uuid.UUID) error {
	m.store[guideID].BatchID = batchID
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

func (m *mockGuideRepo) ApplyOutcome(_ context.Context, g *guide.Guide, returnID uuid.UUID) error {
	stored, ok := m.store[g.ID]
	if !ok {
		return pgx.ErrNoRows
	}
	stored.PaidValue = g.PaidValue
	stored.GlosaValue = g.GlosaValue
	stored.Status = g.Status
	m.applied[g.ID.String()+returnID.String()] = true
	return nil
}

func (m *mockGuideRepo) ReturnApplied(_ context.Context, guideID, returnID uuid.UUID) (bool, error) {
	return m.applied[guideID.String()+returnID.String()], nil
}

type mockBatchRepo struct {
	store map[uuid.UUID]*batch.Batch
}

func newMockBatchRepo() *mockBatchRepo {
	return &mockBatchRepo{store: make(map[uuid.UUID]*batch.Batch)}
}

func (m *mockBatchRepo) Create(_ context.Context, b *batch.Batch) error {
	b.ID = uuid.New()
	cp := *b
	m.store[b.ID] = &cp
	return nil
}

func (m *mockBatchRepo) GetByID(_ context.Context, id uuid.UUID) (*batch.Batch, error) {
	b, ok := m.store[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *b
	return &cp, nil
}

func (m *mockBatchRepo) List(_ context.Context, clinicID uuid.UUID, status string, limit, offset int) ([]*batch.Batch, int, error) {
	return nil, 0, nil
}

func (m *mockBatchRepo) SetStatus(_ context.Context, id uuid.UUID, status string) error {
	m.store[id].Status = status
	return nil
}

func (m *mockBatchRepo) SetSnapshot(_ context.Context, id uuid.UUID, url string) (bool, error) {
	b := m.store[id]
	if b.XMLSnapshotURL != nil {
		return false, nil
	}
	b.XMLSnapshotURL = &url
	return true, nil
}

func (m *mockBatchRepo) SetSubmission(_ context.Context, id uuid.UUID, protocol *string, date time.Time, notes *string) (bool, error) {
	b := m.store[id]
	if b.Status != batch.StatusDraft && b.Status != batch.StatusValid {
		return false, nil
	}
	b.Status = batch.StatusSent
	b.ProtocolNumber = protocol
	b.SubmissionDate = &date
	return true, nil
}

type mockGlosaRepo struct {
	rows []*glosa.Glosa
}

func (m *mockGlosaRepo) Create(_ context.Context, g *glosa.Glosa) error {
	g.ID = uuid.New()
	cp := *g
	m.rows = append(m.rows, &cp)
	return nil
}

func (m *mockGlosaRepo) GetByID(_ context.Context, id uuid.UUID) (*glosa.Glosa, error) {
	for _, g := range m.rows {
		if g.ID == id {
			return g, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *mockGlosaRepo) List(_ context.Context, clinicID uuid.UUID, f glosa.ListFilter, limit, offset int) ([]*glosa.Summary, int, error) {
	return nil, 0, nil
}

func (m *mockGlosaRepo) SetDisputed(_ context.Context, id uuid.UUID, disputed bool) error {
	return nil
}

// -- Fixture --

var testClinic = uuid.MustParse("33333333-3333-3333-3333-333333333333")

type fixture struct {
	worker  *Worker
	svc     *Service
	returns *mockReturnRepo
	guides  *mockGuideRepo
	batches *mockBatchRepo
	glosas  *mockGlosaRepo
	store   *blobstore.InMemoryBlobStore
	rec     *events.Recorder
}

func newFixture(cfg WorkerConfig) *fixture {
	returnsRepo := newMockReturnRepo()
	guidesRepo := newMockGuideRepo()
	batchesRepo := newMockBatchRepo()
	glosasRepo := &mockGlosaRepo{}
	store := blobstore.NewInMemoryBlobStore()
	rec := &events.Recorder{}
	logger := zerolog.Nop()

	guideSvc := guide.NewService(guidesRepo, logger)
	batchSvc := batch.NewService(batchesRepo, guidesRepo, store, rec, logger, 0.30, nil)
	glosaSvc := glosa.NewService(glosasRepo)
	returnSvc := NewService(returnsRepo, store)

	return &fixture{
		worker:  NewWorker(returnsRepo, guideSvc, batchSvc, glosaSvc, store, rec, logger, cfg),
		svc:     returnSvc,
		returns: returnsRepo,
		guides:  guidesRepo,
		batches: batchesRepo,
		glosas:  glosasRepo,
		store:   store,
		rec:     rec,
	}
}

func defaultCfg() WorkerConfig {
	return WorkerConfig{
		MaxRetries:   3,
		BaseBackoff:  30 * time.Second,
		MaxBackoff:   10 * time.Minute,
		PollInterval: time.Second,
	}
}

func strPtr(s string) *string { return &s }

// seedSentBatch creates a SENT batch with the given guides already flipped
// to SENT, exactly as they sit after submission.
func (f *fixture) seedSentBatch(t *testing.T, numbers []string, totals []int64) (*batch.Batch, []*guide.Guide) {
	t.Helper()
	b := &batch.Batch{ClinicID: testClinic, Name: "March", OperatorName: "Unimed", Status: batch.StatusSent}
	if err := f.batches.Create(context.Background(), b); err != nil {
		t.Fatalf("seed batch: %v", err)
	}

	issue := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	var gs []*guide.Guide
	for i, number := range numbers {
		g := &guide.Guide{
			ClinicID:          testClinic,
			BatchID:           &b.ID,
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
			TotalValue:        totals[i],
			GlosaValue:        totals[i],
			ValidationStatus:  guide.ValidationValid,
			Status:            guide.StatusSent,
		}
		if err := f.guides.Create(context.Background(), g); err != nil {
			t.Fatalf("seed guide: %v", err)
		}
		gs = append(gs, g)
	}
	return b, gs
}

func (f *fixture) upload(t *testing.T, name string, content []byte) *Return {
	t.Helper()
	ret, err := f.svc.Upload(context.Background(), testClinic, name, content)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	return ret
}

func (f *fixture) eventTypes() map[string]int {
	types := make(map[string]int)
	for _, e := range f.rec.Events {
		types[e.Type]++
	}
	return types
}

// -- Tests --

func TestWorkerFullPipeline(t *testing.T) {
	f := newFixture(defaultCfg())
	b, gs := f.seedSentBatch(t, []string{"G-1", "G-2", "G-3"}, []int64{10000, 20000, 30000})

	file := []byte("G-1;APROVADA;100,00\n" +
		"G-2;GLOSADA;0,00;1705;codigo de procedimento invalido\n" +
		"G-3;PARCIAL;150,00;1820;quantidade excedida\n" +
		"G-404;APROVADA;50,00\n")
	ret := f.upload(t, "retorno-marco.csv", file)

	f.worker.ProcessOne(context.Background(), ret.ID)

	got := f.returns.store[ret.ID]
	if got.ProcessingStatus != StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED (details: %v)", got.ProcessingStatus, got.ErrorDetails)
	}
	if got.TotalGuidesProcessed != 3 || got.TotalApproved != 1 || got.TotalDenied != 1 || got.TotalPartial != 1 {
		t.Errorf("counters = %d/%d/%d/%d", got.TotalGuidesProcessed, got.TotalApproved, got.TotalDenied, got.TotalPartial)
	}
	if got.ParserStrategy == nil || *got.ParserStrategy != "delimited" {
		t.Errorf("strategy = %v", got.ParserStrategy)
	}
	if got.CompletedAt == nil || got.StartedAt == nil {
		t.Error("timestamps not stamped")
	}
	if len(got.ProcessingLogs) == 0 {
		t.Error("no stage logs recorded")
	}

	// Guides carry the outcomes.
	if g := f.guides.store[gs[0].ID]; g.Status != guide.StatusApproved || g.PaidValue != 10000 || g.GlosaValue != 0 {
		t.Errorf("G-1 = %s paid=%d glosa=%d", g.Status, g.PaidValue, g.GlosaValue)
	}
	if g := f.guides.store[gs[1].ID]; g.Status != guide.StatusDenied || g.GlosaValue != 20000 {
		t.Errorf("G-2 = %s glosa=%d", g.Status, g.GlosaValue)
	}
	if g := f.guides.store[gs[2].ID]; g.Status != guide.StatusPartial || g.PaidValue != 15000 || g.GlosaValue != 15000 {
		t.Errorf("G-3 = %s paid=%d glosa=%d", g.Status, g.PaidValue, g.GlosaValue)
	}

	// Glosa rows only for denied and partial.
	if len(f.glosas.rows) != 2 {
		t.Fatalf("glosa rows = %d, want 2", len(f.glosas.rows))
	}

	// All guides terminal, so the batch closed. Glosa ratio 35000/60000 is
	// above the 0.30 threshold.
	if f.batches.store[b.ID].Status != batch.StatusClosed {
		t.Errorf("batch status = %s, want CLOSED", f.batches.store[b.ID].Status)
	}
	types := f.eventTypes()
	if types[events.TypeReturnCompleted] != 1 || types[events.TypeBatchClosed] != 1 || types[events.TypeDenialRateHigh] != 1 {
		t.Errorf("events = %v", types)
	}
}

func TestWorkerReprocessingIsIdempotent(t *testing.T) {
	f := newFixture(defaultCfg())
	_, gs := f.seedSentBatch(t, []string{"G-1"}, []int64{10000})

	ret := f.upload(t, "r.csv", []byte("G-1;PARCIAL;60,00;1820;qtd\n"))
	f.worker.ProcessOne(context.Background(), ret.ID)

	// Force a second full attempt of the same return.
	f.returns.store[ret.ID].ProcessingStatus = StatusPending
	f.worker.ProcessOne(context.Background(), ret.ID)

	got := f.returns.store[ret.ID]
	if got.ProcessingStatus != StatusCompleted {
		t.Fatalf("status = %s", got.ProcessingStatus)
	}
	if got.TotalGuidesProcessed != 1 || got.TotalPartial != 1 {
		t.Errorf("counters doubled: processed=%d partial=%d", got.TotalGuidesProcessed, got.TotalPartial)
	}
	if g := f.guides.store[gs[0].ID]; g.PaidValue != 6000 || g.GlosaValue != 4000 {
		t.Errorf("guide mutated on replay: paid=%d glosa=%d", g.PaidValue, g.GlosaValue)
	}
	if len(f.glosas.rows) != 1 {
		t.Errorf("glosa rows duplicated on replay: %d", len(f.glosas.rows))
	}
}

func TestWorkerRetriesThenFails(t *testing.T) {
	cfg := defaultCfg()
	cfg.MaxRetries = 2
	f := newFixture(cfg)

	ret := f.upload(t, "r.csv", []byte("G-1;APROVADA;1,00\n"))
	// Break the stored file so every fetch fails.
	f.returns.store[ret.ID].FileURL = "mem://missing"

	f.worker.ProcessOne(context.Background(), ret.ID)
	got := f.returns.store[ret.ID]
	if got.ProcessingStatus != StatusRetry || got.RetryCount != 1 {
		t.Fatalf("after first failure: status=%s retries=%d", got.ProcessingStatus, got.RetryCount)
	}
	if got.NextAttemptAt == nil || !got.NextAttemptAt.After(time.Now()) {
		t.Error("next attempt not scheduled in the future")
	}
	if got.Progress() != 25 {
		t.Errorf("progress = %d, want 25 while retrying", got.Progress())
	}

	// Fast-forward past the backoff and exhaust the ceiling.
	for i := 0; i < cfg.MaxRetries; i++ {
		past := time.Now().Add(-time.Minute)
		f.returns.store[ret.ID].NextAttemptAt = &past
		f.worker.Poll(context.Background())
	}

	got = f.returns.store[ret.ID]
	if got.ProcessingStatus != StatusError {
		t.Fatalf("status = %s, want ERROR after exhausting retries", got.ProcessingStatus)
	}
	if got.ErrorDetails == nil {
		t.Error("error details missing")
	}
	if f.eventTypes()[events.TypeReturnFailed] != 1 {
		t.Errorf("events = %v, want one return.failed", f.eventTypes())
	}
}

func TestWorkerClaimIsExclusive(t *testing.T) {
	f := newFixture(defaultCfg())
	ret := f.upload(t, "r.csv", []byte("x"))

	claimed, err := f.returns.Claim(context.Background(), ret.ID)
	if err != nil || !claimed {
		t.Fatalf("first claim: %v %v", claimed, err)
	}
	claimed, err = f.returns.Claim(context.Background(), ret.ID)
	if err != nil || claimed {
		t.Fatalf("second claim should lose: %v %v", claimed, err)
	}
}

func TestBackoff(t *testing.T) {
	base := 30 * time.Second
	max := 10 * time.Minute
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{5, 8 * time.Minute},
		{6, max},
		{20, max},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt, base, max); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestUploadRejectsEmptyFile(t *testing.T) {
	f := newFixture(defaultCfg())
	if _, err := f.svc.Upload(context.Background(), testClinic, "empty.csv", nil); err == nil {
		t.Error("expected error for empty upload")
	}
}

func TestStatusProgressMapping(t *testing.T) {
	tests := []struct {
		status string
		want   int
	}{
		{StatusPending, 0},
		{StatusRetry, 25},
		{StatusProcessing, 50},
		{StatusCompleted, 100},
		{StatusError, 100},
	}
	for _, tt := range tests {
		r := &Return{ProcessingStatus: tt.status}
		if got := r.Progress(); got != tt.want {
			t.Errorf("Progress(%s) = %d, want %d", tt.status, got, tt.want)
		}
	}
}
