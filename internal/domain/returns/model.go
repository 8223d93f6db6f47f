package returns

import (
	"time"

	"github.com/google/uuid"
)

// Return processing statuses. RETRY is a scheduled re-attempt after a
// transient failure; ERROR is final.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusRetry      = "RETRY"
	StatusCompleted  = "COMPLETED"
	StatusError      = "ERROR"
)

// LogEntry is one pipeline stage record, stored append-only in the
// processing_logs jsonb column.
type LogEntry struct {
	Stage      string    `json:"stage"`
	Message    string    `json:"message"`
	DurationMS int64     `json:"duration_ms"`
	At         time.Time `json:"at"`
}

// Return maps to the returns table: one uploaded operator return file and
// the state of its ingestion. Counters are overwritten per attempt, never
// incremented, so a retried file can never double count.
type Return struct {
	ID                   uuid.UUID  `db:"id" json:"id"`
	ClinicID             uuid.UUID  `db:"clinic_id" json:"clinic_id"`
	FileName             string     `db:"file_name" json:"file_name"`
	FileURL              string     `db:"file_url" json:"file_url"`
	ProcessingStatus     string     `db:"processing_status" json:"processing_status"`
	RetryCount           int        `db:"retry_count" json:"retry_count"`
	NextAttemptAt        *time.Time `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	ParserStrategy       *string    `db:"parser_strategy" json:"parser_strategy,omitempty"`
	FileEncoding         *string    `db:"file_encoding" json:"file_encoding,omitempty"`
	TotalGuidesProcessed int        `db:"total_guides_processed" json:"total_guides_processed"`
	TotalApproved        int        `db:"total_approved" json:"total_approved"`
	TotalDenied          int        `db:"total_denied" json:"total_denied"`
	TotalPartial         int        `db:"total_partial" json:"total_partial"`
	ErrorDetails         *string    `db:"error_details" json:"error_details,omitempty"`
	ProcessingLogs       []LogEntry `db:"processing_logs" json:"processing_logs"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
	StartedAt            *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt          *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// Progress maps the processing status to a coarse percentage for polling
// clients.
func (r *Return) Progress() int {
	switch r.ProcessingStatus {
	case StatusPending:
		return 0
	case StatusRetry:
		return 25
	case StatusProcessing:
		return 50
	case StatusCompleted, StatusError:
		return 100
	}
	return 0
}

// AppendLog records one pipeline stage.
func (r *Return) AppendLog(stage, message string, duration time.Duration) {
	r.ProcessingLogs = append(r.ProcessingLogs, LogEntry{
		Stage:      stage,
		Message:    message,
		DurationMS: duration.Milliseconds(),
		At:         time.Now().UTC(),
	})
}

// StatusResponse is the poll-safe shape served by the status endpoint.
type StatusResponse struct {
	ID                   uuid.UUID  `json:"id"`
	FileName             string     `json:"file_name"`
	ProcessingStatus     string     `json:"processing_status"`
	ProgressPercentage   int        `json:"progress_percentage"`
	RetryCount           int        `json:"retry_count"`
	NextAttemptAt        *time.Time `json:"next_attempt_at,omitempty"`
	ParserStrategy       *string    `json:"parser_strategy,omitempty"`
	FileEncoding         *string    `json:"file_encoding,omitempty"`
	TotalGuidesProcessed int        `json:"total_guides_processed"`
	TotalApproved        int        `json:"total_approved"`
	TotalDenied          int        `json:"total_denied"`
	TotalPartial         int        `json:"total_partial"`
	ErrorDetails         *string    `json:"error_details,omitempty"`
	Logs                 []LogEntry `json:"logs"`
	CreatedAt            time.Time  `json:"created_at"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
}

// ToStatus converts the record to its status-endpoint shape.
func (r *Return) ToStatus() *StatusResponse {
	return &StatusResponse{
		ID:                   r.ID,
		FileName:             r.FileName,
		ProcessingStatus:     r.ProcessingStatus,
		ProgressPercentage:   r.Progress(),
		RetryCount:           r.RetryCount,
		NextAttemptAt:        r.NextAttemptAt,
		ParserStrategy:       r.ParserStrategy,
		FileEncoding:         r.FileEncoding,
		TotalGuidesProcessed: r.TotalGuidesProcessed,
		TotalApproved:        r.TotalApproved,
		TotalDenied:          r.TotalDenied,
		TotalPartial:         r.TotalPartial,
		ErrorDetails:         r.ErrorDetails,
		Logs:                 r.ProcessingLogs,
		CreatedAt:            r.CreatedAt,
		StartedAt:            r.StartedAt,
		CompletedAt:          r.CompletedAt,
	}
}
