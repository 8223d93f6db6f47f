package returns

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tiss/tiss/internal/domain/batch"
	"github.com/tiss/tiss/internal/domain/glosa"
	"github.com/tiss/tiss/internal/domain/guide"
	"github.com/tiss/tiss/internal/platform/apperr"
	"github.com/tiss/tiss/internal/platform/blobstore"
	"github.com/tiss/tiss/internal/platform/events"
	"github.com/tiss/tiss/internal/platform/tiss"
)

const claimBatchSize = 10

// WorkerConfig holds the retry policy and poll cadence.
type WorkerConfig struct {
	MaxRetries   int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	PollInterval time.Duration
}

// Worker drives return files through the ingestion pipeline. Multiple
// workers may run against the same database; the CAS claim guarantees each
// return has exactly one active processor.
type Worker struct {
	returns Repository
	guides  *guide.Service
	batches *batch.Service
	glosas  *glosa.Service
	store   blobstore.BlobStore
	pub     events.Publisher
	logger  zerolog.Logger
	cfg     WorkerConfig
}

func NewWorker(returns Repository, guides *guide.Service, batches *batch.Service,
	glosas *glosa.Service, store blobstore.BlobStore, pub events.Publisher,
	logger zerolog.Logger, cfg WorkerConfig) *Worker {
	return &Worker{
		returns: returns,
		guides:  guides,
		batches: batches,
		glosas:  glosas,
		store:   store,
		pub:     pub,
		logger:  logger,
		cfg:     cfg,
	}
}

// Run polls for due returns until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.Info().Dur("poll_interval", w.cfg.PollInterval).Msg("return ingestion worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("return ingestion worker stopped")
			return
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll runs one polling round: claim and process every due return.
func (w *Worker) Poll(ctx context.Context) {
	ids, err := w.returns.NextDue(ctx, claimBatchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("poll due returns")
		return
	}
	for _, id := range ids {
		w.ProcessOne(ctx, id)
	}
}

// ProcessOne claims one return and runs a full ingestion attempt.
func (w *Worker) ProcessOne(ctx context.Context, id uuid.UUID) {
	claimed, err := w.returns.Claim(ctx, id)
	if err != nil {
		w.logger.Error().Err(err).Str("return_id", id.String()).Msg("claim return")
		return
	}
	if !claimed {
		return
	}

	ret, err := w.returns.GetByID(ctx, id)
	if err != nil {
		w.logger.Error().Err(err).Str("return_id", id.String()).Msg("load claimed return")
		return
	}
	ret.ProcessingStatus = StatusProcessing
	if ret.StartedAt == nil {
		now := time.Now().UTC()
		ret.StartedAt = &now
	}

	if err := w.attempt(ctx, ret); err != nil {
		w.fail(ctx, ret, err)
		return
	}

	now := time.Now().UTC()
	ret.ProcessingStatus = StatusCompleted
	ret.CompletedAt = &now
	ret.NextAttemptAt = nil
	ret.ErrorDetails = nil
	if err := w.returns.Update(ctx, ret); err != nil {
		w.logger.Error().Err(err).Str("return_id", id.String()).Msg("persist completed return")
		return
	}

	w.pub.Publish(ctx, events.New(events.TypeReturnCompleted, ret.ClinicID, ret.ID, map[string]interface{}{
		"file_name": ret.FileName,
		"processed": ret.TotalGuidesProcessed,
		"approved":  ret.TotalApproved,
		"denied":    ret.TotalDenied,
		"partial":   ret.TotalPartial,
	}))
}

// attempt runs the pipeline stages over one claimed return. Any returned
// error is treated as transient and scheduled for retry; per-record problems
// are absorbed into logs instead.
func (w *Worker) attempt(ctx context.Context, ret *Return) error {
	stageStart := time.Now()
	raw, err := w.store.Get(ctx, ret.FileURL)
	if err != nil {
		return fmt.Errorf("fetch file: %w", err)
	}
	ret.AppendLog("fetch", fmt.Sprintf("fetched %d bytes", len(raw)), time.Since(stageStart))

	stageStart = time.Now()
	result, err := tiss.ParseReturn(raw)
	if err != nil {
		return fmt.Errorf("parse file: %w", err)
	}
	ret.ParserStrategy = &result.Strategy
	ret.FileEncoding = &result.Encoding
	ret.AppendLog("parse",
		fmt.Sprintf("strategy=%s encoding=%s outcomes=%d unmatched=%d",
			result.Strategy, result.Encoding, len(result.Outcomes), len(result.Unmatched)),
		time.Since(stageStart))
	for _, u := range result.Unmatched {
		ret.AppendLog("parse", fmt.Sprintf("line %d skipped: %s", u.LineNumber, u.Reason), 0)
	}

	stageStart = time.Now()
	var processed, approved, denied, partial, skipped int
	touched := make(map[uuid.UUID]bool)
	for _, out := range result.Outcomes {
		res, g, err := w.guides.RecordOutcome(ctx, ret.ClinicID, ret.ID, out)
		if err != nil {
			// Bad records must not sink the file; infrastructure failures
			// must.
			var ne *apperr.NotFoundError
			var ve *apperr.ValidationError
			if errors.As(err, &ne) || errors.As(err, &ve) {
				skipped++
				ret.AppendLog("apply", fmt.Sprintf("guide %s skipped: %v", out.GuideNumber, err), 0)
				continue
			}
			return fmt.Errorf("apply outcome for guide %s: %w", out.GuideNumber, err)
		}

		switch res {
		case guide.ApplyRejected:
			skipped++
			ret.AppendLog("apply", fmt.Sprintf("guide %s already terminal, conflicting outcome rejected", out.GuideNumber), 0)
			continue
		case guide.ApplyApplied:
			if err := w.recordGlosa(ctx, ret, g, out); err != nil {
				return err
			}
		}

		processed++
		switch out.Outcome {
		case tiss.OutcomeApproved:
			approved++
		case tiss.OutcomeDenied:
			denied++
		case tiss.OutcomePartial:
			partial++
		}
		if g.BatchID != nil {
			touched[*g.BatchID] = true
		}
	}
	// Overwrite, never increment: a retried attempt recounts from scratch.
	ret.TotalGuidesProcessed = processed
	ret.TotalApproved = approved
	ret.TotalDenied = denied
	ret.TotalPartial = partial
	ret.AppendLog("apply",
		fmt.Sprintf("applied=%d approved=%d denied=%d partial=%d skipped=%d",
			processed, approved, denied, partial, skipped),
		time.Since(stageStart))

	stageStart = time.Now()
	var closed int
	for batchID := range touched {
		didClose, err := w.batches.CloseIfComplete(ctx, batchID)
		if err != nil {
			return fmt.Errorf("close batch %s: %w", batchID, err)
		}
		if didClose {
			closed++
		}
	}
	ret.AppendLog("close", fmt.Sprintf("batches touched=%d closed=%d", len(touched), closed), time.Since(stageStart))
	return nil
}

// recordGlosa writes a glosa row for a freshly applied denial or partial
// payment. Already-applied replays never reach here, so rows are not
// duplicated across retries.
func (w *Worker) recordGlosa(ctx context.Context, ret *Return, g *guide.Guide, out tiss.GuideOutcome) error {
	if out.Outcome != tiss.OutcomeDenied && out.Outcome != tiss.OutcomePartial {
		return nil
	}
	if err := w.glosas.Record(ctx, &glosa.Glosa{
		ClinicID:     ret.ClinicID,
		GuideID:      g.ID,
		ReturnID:     ret.ID,
		DenialCode:   out.DenialCode,
		DenialReason: out.DenialReason,
		GlosaValue:   g.GlosaValue,
	}); err != nil {
		return fmt.Errorf("record glosa for guide %s: %w", g.GuideNumber, err)
	}
	return nil
}

// fail schedules a retry under the ceiling, otherwise parks the return in
// ERROR with the failure recorded.
func (w *Worker) fail(ctx context.Context, ret *Return, cause error) {
	ret.RetryCount++
	msg := cause.Error()
	ret.ErrorDetails = &msg
	ret.AppendLog("fail", msg, 0)

	if ret.RetryCount <= w.cfg.MaxRetries {
		next := time.Now().UTC().Add(Backoff(ret.RetryCount, w.cfg.BaseBackoff, w.cfg.MaxBackoff))
		ret.ProcessingStatus = StatusRetry
		ret.NextAttemptAt = &next
		w.logger.Warn().Err(cause).
			Str("return_id", ret.ID.String()).
			Int("retry_count", ret.RetryCount).
			Time("next_attempt_at", next).
			Msg("return attempt failed, scheduled for retry")
	} else {
		now := time.Now().UTC()
		ret.ProcessingStatus = StatusError
		ret.NextAttemptAt = nil
		ret.CompletedAt = &now
		w.logger.Error().Err(cause).
			Str("return_id", ret.ID.String()).
			Int("retry_count", ret.RetryCount).
			Msg("return failed permanently")
		w.pub.Publish(ctx, events.New(events.TypeReturnFailed, ret.ClinicID, ret.ID, map[string]interface{}{
			"file_name": ret.FileName,
			"error":     msg,
		}))
	}

	if err := w.returns.Update(ctx, ret); err != nil {
		w.logger.Error().Err(err).Str("return_id", ret.ID.String()).Msg("persist failed return")
	}
}

// Backoff returns the delay before retry attempt n (1-based): base doubled
// per prior failure, capped.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
