// Package risk predicts the denial probability of a guide before
// submission. The analysis is pure: no stored state, same guide in, same
// verdict out.
package risk

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tiss/tiss/internal/domain/guide"
)

// baseRates holds historical denial rates keyed operator|procedure, with
// operator-wide fallbacks under the bare operator key. Values come from
// aggregated return statistics and are deliberately conservative.
var baseRates = map[string]float64{
	"unimed":          0.08,
	"unimed|10101012": 0.05,
	"unimed|40304361": 0.22,
	"amil":            0.12,
	"amil|10101012":   0.09,
	"bradesco":        0.10,
	"sulamerica":      0.11,
}

const defaultBaseRate = 0.10

// typicalBands is the plausible charge band (minor units) per procedure.
// Values far outside the band draw operator review.
var typicalBands = map[string]struct{ lo, hi int64 }{
	"10101012": {5000, 40000},
	"10101039": {8000, 60000},
	"40304361": {15000, 250000},
}

// Contribution weights per finding class.
const (
	weightMissingField = 0.18
	weightMalformed    = 0.12
	weightValueBand    = 0.15
	weightQuantity     = 0.10
)

var cidShapeRe = regexp.MustCompile(`^[A-Z][0-9]{2}(\.[0-9]{1,2})?$`)

// AnalyzeGlosaRisk scores one guide against an operator. Field findings and
// the operator's historical base rate combine into a clamped probability.
func AnalyzeGlosaRisk(g *guide.Guide, operatorName string) Assessment {
	if operatorName == "" {
		operatorName = g.OperatorName
	}
	var reasons []Reason
	add := func(code, field, msg string, fixable bool) {
		reasons = append(reasons, Reason{Code: code, Field: field, Message: msg, AutoFixable: fixable})
	}

	probability := baseRate(operatorName, g.ProcedureCode)
	add(ReasonOperatorBaseRate, "operator_name",
		fmt.Sprintf("historical denial rate for %s", operatorName), false)

	if g.CIDCode == nil || *g.CIDCode == "" {
		probability += weightMissingField
		add(ReasonMissingCID, "cid_code", "diagnosis code is missing", false)
	} else if !cidShapeRe.MatchString(*g.CIDCode) {
		probability += weightMalformed
		fixable := cidShapeRe.MatchString(normalizeCID(*g.CIDCode))
		add(ReasonMalformedCID, "cid_code", "diagnosis code is not in ICD-10 format", fixable)
	}

	if g.CouncilNumber == nil || strings.TrimSpace(*g.CouncilNumber) == "" {
		probability += weightMissingField
		add(ReasonMissingCouncil, "council_number", "professional council number is missing", false)
	}

	if g.CardNumber == nil || *g.CardNumber == "" {
		probability += weightMissingField
		add(ReasonMissingCard, "card_number", "beneficiary card number is missing", false)
	} else if stripped := digitsOnly(*g.CardNumber); stripped != *g.CardNumber {
		probability += weightMalformed
		add(ReasonMalformedCard, "card_number", "beneficiary card number contains non-digit characters",
			len(stripped) >= 6)
	}

	if g.IssueDate == nil || g.IssueDate.IsZero() {
		probability += weightMissingField
		add(ReasonMissingIssueDate, "issue_date", "issue date is missing", false)
	}

	if band, ok := typicalBands[g.ProcedureCode]; ok {
		if g.TotalValue < band.lo || g.TotalValue > band.hi {
			probability += weightValueBand
			add(ReasonValueOutOfBand, "total_value",
				fmt.Sprintf("charged value is outside the typical band for procedure %s", g.ProcedureCode), false)
		}
	}

	if g.ProcedureQuantity > 10 {
		probability += weightQuantity
		add(ReasonExcessiveQuantity, "procedure_quantity",
			"quantity above the usual per-guide limit draws manual review", false)
	}

	if probability > 1 {
		probability = 1
	}

	canAutoFix := len(reasons) > 1
	for _, r := range reasons {
		if r.Code == ReasonOperatorBaseRate {
			continue
		}
		if !r.AutoFixable {
			canAutoFix = false
			break
		}
	}

	return Assessment{
		RiskLevel:     bucket(probability),
		Probability:   probability,
		EstimatedLoss: int64(probability * float64(g.TotalValue)),
		CanAutoFix:    canAutoFix,
		Reasons:       reasons,
	}
}

// AutoFixGuide applies deterministic formatting repairs and returns the
// fixed copy with a change log. Clinical content (procedure code, values,
// quantities, dates) is never touched.
func AutoFixGuide(g *guide.Guide) (*guide.Guide, []FieldChange) {
	fixed := *g
	var changes []FieldChange

	if g.CIDCode != nil && *g.CIDCode != "" {
		if norm := normalizeCID(*g.CIDCode); norm != *g.CIDCode && cidShapeRe.MatchString(norm) {
			changes = append(changes, FieldChange{Field: "cid_code", OldValue: *g.CIDCode, NewValue: norm})
			fixed.CIDCode = &norm
		}
	}

	if g.CardNumber != nil && *g.CardNumber != "" {
		if stripped := digitsOnly(*g.CardNumber); stripped != *g.CardNumber && len(stripped) >= 6 {
			changes = append(changes, FieldChange{Field: "card_number", OldValue: *g.CardNumber, NewValue: stripped})
			fixed.CardNumber = &stripped
		}
	}

	if g.CouncilNumber != nil {
		if trimmed := strings.TrimSpace(*g.CouncilNumber); trimmed != *g.CouncilNumber && trimmed != "" {
			changes = append(changes, FieldChange{Field: "council_number", OldValue: *g.CouncilNumber, NewValue: trimmed})
			fixed.CouncilNumber = &trimmed
		}
	}

	return &fixed, changes
}

func baseRate(operator, procedure string) float64 {
	op := strings.ToLower(strings.TrimSpace(operator))
	if rate, ok := baseRates[op+"|"+procedure]; ok {
		return rate
	}
	if rate, ok := baseRates[op]; ok {
		return rate
	}
	return defaultBaseRate
}

func bucket(p float64) string {
	switch {
	case p < 0.25:
		return LevelLow
	case p < 0.50:
		return LevelMedium
	case p < 0.75:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// normalizeCID uppercases and restores the dotted subcategory: "j450" and
// "J45 0" both become "J45.0".
func normalizeCID(code string) string {
	c := strings.ToUpper(strings.TrimSpace(code))
	c = strings.NewReplacer(" ", "", "-", "", ",", ".").Replace(c)
	if cidShapeRe.MatchString(c) {
		return c
	}
	// Letter plus 3-4 digits without a separator: insert the dot after the
	// category digits.
	compact := strings.ReplaceAll(c, ".", "")
	if len(compact) >= 4 && len(compact) <= 5 &&
		compact[0] >= 'A' && compact[0] <= 'Z' && allDigits(compact[1:]) {
		return compact[:3] + "." + compact[3:]
	}
	return c
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
