package batch

import (
	"time"

	"github.com/google/uuid"
)

// Batch lifecycle statuses.
const (
	StatusDraft  = "DRAFT"
	StatusValid  = "VALID"
	StatusSent   = "SENT"
	StatusClosed = "CLOSED"
)

// Batch maps to the batches table: a set of guides submitted to one operator
// as a single file.
type Batch struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	ClinicID       uuid.UUID  `db:"clinic_id" json:"clinic_id"`
	Name           string     `db:"name" json:"name"`
	OperatorName   string     `db:"operator_name" json:"operator_name"`
	Status         string     `db:"status" json:"status"`
	XMLSnapshotURL *string    `db:"xml_snapshot_url" json:"xml_snapshot_url,omitempty"`
	ProtocolNumber *string    `db:"protocol_number" json:"protocol_number,omitempty"`
	SubmissionDate *time.Time `db:"submission_date" json:"submission_date,omitempty"`
	Notes          *string    `db:"notes" json:"notes,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// SubmitRequest carries the operator-facing metadata stamped at submission.
type SubmitRequest struct {
	ProtocolNumber *string    `json:"protocol_number,omitempty"`
	SubmissionDate *time.Time `json:"submission_date,omitempty"`
	Notes          *string    `json:"notes,omitempty"`
}
