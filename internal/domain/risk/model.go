package risk

// Risk levels, from routine to near-certain denial.
const (
	LevelLow      = "low"
	LevelMedium   = "medium"
	LevelHigh     = "high"
	LevelCritical = "critical"
)

// Reason codes attached to assessments.
const (
	ReasonMissingCID        = "MISSING_CID"
	ReasonMalformedCID      = "MALFORMED_CID"
	ReasonMissingCouncil    = "MISSING_COUNCIL"
	ReasonMissingCard       = "MISSING_CARD"
	ReasonMalformedCard     = "MALFORMED_CARD"
	ReasonMissingIssueDate  = "MISSING_ISSUE_DATE"
	ReasonValueOutOfBand    = "VALUE_OUT_OF_BAND"
	ReasonOperatorBaseRate  = "OPERATOR_BASE_RATE"
	ReasonExcessiveQuantity = "EXCESSIVE_QUANTITY"
)

// Reason is one contributing factor in an assessment.
type Reason struct {
	Code        string `json:"code"`
	Field       string `json:"field"`
	Message     string `json:"message"`
	AutoFixable bool   `json:"auto_fixable"`
}

// Assessment is the denial-risk verdict for one guide. It is never
// persisted; callers re-run the analysis when the guide changes.
type Assessment struct {
	RiskLevel     string   `json:"risk_level"`
	Probability   float64  `json:"probability"`
	EstimatedLoss int64    `json:"estimated_loss"`
	CanAutoFix    bool     `json:"can_auto_fix"`
	Reasons       []Reason `json:"reasons"`
}

// FieldChange records one repair applied by AutoFixGuide.
type FieldChange struct {
	Field    string `json:"field"`
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value"`
}
