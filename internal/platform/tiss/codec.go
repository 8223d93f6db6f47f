// Package tiss implements the interchange codec for operator-bound claim
// batches: a deterministic serializer for submission files and a tolerant,
// multi-strategy parser for the operator's asynchronous return files.
package tiss

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Normalized guide outcomes extracted from a return file.
const (
	OutcomeApproved = "APPROVED"
	OutcomeDenied   = "DENIED"
	OutcomePartial  = "PARTIAL"
)

// BatchHeader is the batch-level input to the serializer.
type BatchHeader struct {
	BatchID      string
	Name         string
	OperatorName string
}

// GuideRecord is one billable guide as it appears on the wire.
type GuideRecord struct {
	GuideNumber       string
	PatientRef        string
	PatientName       string
	CIDCode           string
	CouncilNumber     string
	CardNumber        string
	IssueDate         time.Time
	ProcedureCode     string
	ProcedureQuantity int
	TotalValue        int64 // minor units
}

// GuideOutcome is one per-guide result extracted from a return file.
type GuideOutcome struct {
	GuideNumber  string
	Outcome      string // OutcomeApproved, OutcomeDenied, OutcomePartial
	PaidValue    int64  // minor units
	DenialCode   string
	DenialReason string
}

// UnmatchedLine records a return-file record the parser could not use.
// Per-record failures never abort the pass; the file may carry a clinic's
// entire month of reimbursement.
type UnmatchedLine struct {
	LineNumber int    `json:"line_number"`
	Content    string `json:"content"`
	Reason     string `json:"reason"`
}

// ReturnResult is the outcome of one full parse pass.
type ReturnResult struct {
	Strategy  string
	Encoding  string
	Protocol  string
	Outcomes  []GuideOutcome
	Unmatched []UnmatchedLine
}

// FormatMoney renders minor units as a dotted decimal ("1234.56").
func FormatMoney(cents int64) string {
	neg := ""
	if cents < 0 {
		neg = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", neg, cents/100, cents%100)
}

// ParseMoney accepts the decimal shapes operators actually emit: "1234.56",
// "1.234,56", "1234,56" and bare integers. Returns minor units.
func ParseMoney(s string) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "R$")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	// Decide which separator is the decimal mark: the right-most of . or ,
	// when it is followed by exactly one or two digits.
	dot := strings.LastIndexByte(s, '.')
	comma := strings.LastIndexByte(s, ',')
	decIdx := dot
	if comma > dot {
		decIdx = comma
	}

	intPart := s
	fracPart := ""
	if decIdx >= 0 && len(s)-decIdx-1 <= 2 {
		intPart = s[:decIdx]
		fracPart = s[decIdx+1:]
	}

	// Strip grouping separators; whatever remains must be digits end to
	// end. Sscanf-style parsing would silently stop at interior junk and
	// fabricate a value.
	intPart = strings.Map(func(r rune) rune {
		if r == '.' || r == ',' {
			return -1
		}
		return r
	}, intPart)
	if intPart == "" {
		intPart = "0"
	}
	if !allDigits(intPart) {
		return 0, fmt.Errorf("malformed amount %q", s)
	}
	units, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed amount %q", s)
	}

	if len(fracPart) > 2 || !allDigits(fracPart) {
		return 0, fmt.Errorf("malformed amount %q", s)
	}
	var frac int64
	switch len(fracPart) {
	case 1:
		frac = int64(fracPart[0]-'0') * 10
	case 2:
		frac = int64(fracPart[0]-'0')*10 + int64(fracPart[1]-'0')
	}

	total := units*100 + frac
	if neg {
		total = -total
	}
	return total, nil
}

// NormalizeOutcome maps the free-form outcome words seen in return files to
// the three normalized outcomes. Returns "" when the word is unrecognized.
func NormalizeOutcome(word string) string {
	switch strings.ToUpper(strings.TrimSpace(word)) {
	case "APPROVED", "APROVADA", "APROVADO", "PAID", "PAGO", "PAGA", "LIBERADA", "OK":
		return OutcomeApproved
	case "DENIED", "NEGADA", "NEGADO", "GLOSADA", "GLOSADO", "RECUSADA", "REJECTED":
		return OutcomeDenied
	case "PARTIAL", "PARCIAL", "PARTIALLY-PAID", "PAGO-PARCIAL":
		return OutcomePartial
	default:
		return ""
	}
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
