package guide

import (
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/tiss/tiss/internal/platform/apperr"
	"github.com/tiss/tiss/internal/platform/tiss"
)

// Guide lifecycle statuses. PENDING guides are editable; SENT guides are
// frozen inside a submitted batch; the last three are terminal outcomes set
// only by return ingestion.
const (
	StatusPending  = "PENDING"
	StatusSent     = "SENT"
	StatusApproved = "APPROVED"
	StatusDenied   = "DENIED"
	StatusPartial  = "PARTIAL"
)

const (
	ValidationValid   = "VALID"
	ValidationInvalid = "INVALID"
)

// Guide maps to the guides table: one billable claim line against an
// operator. Money fields are int64 minor units (centavos).
type Guide struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	ClinicID          uuid.UUID  `db:"clinic_id" json:"clinic_id"`
	BatchID           *uuid.UUID `db:"batch_id" json:"batch_id,omitempty"`
	GuideNumber       string     `db:"guide_number" json:"guide_number"`
	PatientRef        string     `db:"patient_ref" json:"patient_ref"`
	PatientName       string     `db:"patient_name" json:"patient_name"`
	OperatorName      string     `db:"operator_name" json:"operator_name"`
	CIDCode           *string    `db:"cid_code" json:"cid_code,omitempty"`
	CouncilNumber     *string    `db:"council_number" json:"council_number,omitempty"`
	CardNumber        *string    `db:"card_number" json:"card_number,omitempty"`
	IssueDate         *time.Time `db:"issue_date" json:"issue_date,omitempty"`
	ProcedureCode     string     `db:"procedure_code" json:"procedure_code"`
	ProcedureQuantity int        `db:"procedure_quantity" json:"procedure_quantity"`
	TotalValue        int64      `db:"total_value" json:"total_value"`
	PaidValue         int64      `db:"paid_value" json:"paid_value"`
	GlosaValue        int64      `db:"glosa_value" json:"glosa_value"`
	ValidationStatus  string     `db:"validation_status" json:"validation_status"`
	Status            string     `db:"status" json:"status"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// IsTerminal reports whether the guide has reached a final outcome.
func (g *Guide) IsTerminal() bool {
	switch g.Status {
	case StatusApproved, StatusDenied, StatusPartial:
		return true
	}
	return false
}

// RecomputeGlosa rederives glosa_value from the money columns. The clamp
// keeps an overpayment from producing a negative glosa.
func (g *Guide) RecomputeGlosa() {
	glosa := g.TotalValue - g.PaidValue
	if glosa < 0 {
		glosa = 0
	}
	g.GlosaValue = glosa
}

// cidRe matches ICD-10 shaped codes: letter, two digits, optional dotted
// subcategory ("J45", "J45.0", "M54.5").
var cidRe = regexp.MustCompile(`^[A-Z][0-9]{2}(\.[0-9]{1,2})?$`)

var cardDigitsRe = regexp.MustCompile(`^[0-9]{6,20}$`)

// Validate runs the full field-level check set. ERROR findings make the
// guide ineligible for batching; WARNING findings are advisory.
func (g *Guide) Validate() []apperr.FieldError {
	var findings []apperr.FieldError
	add := func(field, msg, severity string) {
		findings = append(findings, apperr.FieldError{Field: field, Message: msg, Severity: severity})
	}

	if g.GuideNumber == "" {
		add("guide_number", "guide number is required", apperr.SeverityError)
	}
	if g.OperatorName == "" {
		add("operator_name", "operator name is required", apperr.SeverityError)
	}
	if g.ProcedureCode == "" {
		add("procedure_code", "procedure code is required", apperr.SeverityError)
	}
	if g.ProcedureQuantity <= 0 {
		add("procedure_quantity", "procedure quantity must be positive", apperr.SeverityError)
	}
	if g.TotalValue <= 0 {
		add("total_value", "total value must be positive", apperr.SeverityError)
	}
	if g.PatientName == "" {
		add("patient_name", "patient name is required", apperr.SeverityError)
	}

	if g.CIDCode == nil || *g.CIDCode == "" {
		add("cid_code", "diagnosis code is missing", apperr.SeverityError)
	} else if !cidRe.MatchString(*g.CIDCode) {
		add("cid_code", "diagnosis code is not in ICD-10 format", apperr.SeverityError)
	}
	if g.CouncilNumber == nil || *g.CouncilNumber == "" {
		add("council_number", "professional council number is missing", apperr.SeverityError)
	}
	if g.CardNumber == nil || *g.CardNumber == "" {
		add("card_number", "beneficiary card number is missing", apperr.SeverityError)
	} else if !cardDigitsRe.MatchString(*g.CardNumber) {
		add("card_number", "beneficiary card number must be 6 to 20 digits", apperr.SeverityError)
	}
	if g.IssueDate == nil || g.IssueDate.IsZero() {
		add("issue_date", "issue date is missing", apperr.SeverityError)
	}

	if g.PatientRef == "" {
		add("patient_ref", "patient reference is empty", apperr.SeverityWarning)
	}
	return findings
}

// RefreshValidationStatus recomputes validation_status from Validate.
func (g *Guide) RefreshValidationStatus() {
	g.ValidationStatus = ValidationValid
	for _, f := range g.Validate() {
		if f.Severity == apperr.SeverityError {
			g.ValidationStatus = ValidationInvalid
			return
		}
	}
}

// ToRecord converts the guide to its wire form for batch serialization.
func (g *Guide) ToRecord() tiss.GuideRecord {
	rec := tiss.GuideRecord{
		GuideNumber:       g.GuideNumber,
		PatientRef:        g.PatientRef,
		PatientName:       g.PatientName,
		ProcedureCode:     g.ProcedureCode,
		ProcedureQuantity: g.ProcedureQuantity,
		TotalValue:        g.TotalValue,
	}
	if g.CIDCode != nil {
		rec.CIDCode = *g.CIDCode
	}
	if g.CouncilNumber != nil {
		rec.CouncilNumber = *g.CouncilNumber
	}
	if g.CardNumber != nil {
		rec.CardNumber = *g.CardNumber
	}
	if g.IssueDate != nil {
		rec.IssueDate = *g.IssueDate
	}
	return rec
}
