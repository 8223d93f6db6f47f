package glosa

import (
	"time"

	"github.com/google/uuid"
)

// Glosa is one denial (full or partial) extracted from an operator return.
// Rows are created only by return ingestion; the dispute flag is the single
// user-mutable field.
type Glosa struct {
	ID                  uuid.UUID `db:"id" json:"id"`
	ClinicID            uuid.UUID `db:"clinic_id" json:"clinic_id"`
	GuideID             uuid.UUID `db:"guide_id" json:"guide_id"`
	ReturnID            uuid.UUID `db:"return_id" json:"return_id"`
	DenialCode          string    `db:"denial_code" json:"denial_code"`
	DenialReason        string    `db:"denial_reason" json:"denial_reason"`
	GlosaValue          int64     `db:"glosa_value" json:"glosa_value"`
	SuggestedCorrection *string   `db:"suggested_correction" json:"suggested_correction,omitempty"`
	Disputed            bool      `db:"disputed" json:"disputed"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
}

// Summary joins the glosa with its guide for list views.
type Summary struct {
	Glosa
	GuideNumber  string `db:"guide_number" json:"guide_number"`
	PatientName  string `db:"patient_name" json:"patient_name"`
	OperatorName string `db:"operator_name" json:"operator_name"`
	TotalValue   int64  `db:"total_value" json:"total_value"`
}
