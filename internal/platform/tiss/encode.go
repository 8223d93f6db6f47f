package tiss

import (
	"crypto/sha256"
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
)

// Encode serializes a batch into the submission file. The output is
// deterministic: guides are sorted by guide number and every field uses a
// fixed rendering, so identical input always yields byte-identical output.
// That property is what makes the frozen snapshot auditable and replayable.
func Encode(header BatchHeader, guides []GuideRecord) ([]byte, error) {
	if header.OperatorName == "" {
		return nil, fmt.Errorf("tiss: operator name is required")
	}
	if len(guides) == 0 {
		return nil, fmt.Errorf("tiss: batch has no guides")
	}

	sorted := make([]GuideRecord, len(guides))
	copy(sorted, guides)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].GuideNumber < sorted[j].GuideNumber
	})

	var total int64
	for _, g := range sorted {
		total += g.TotalValue
	}

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString("<claimBatch>\n")
	b.WriteString("  <header>\n")
	writeElem(&b, 4, "batchId", header.BatchID)
	writeElem(&b, 4, "batchName", header.Name)
	writeElem(&b, 4, "operator", header.OperatorName)
	writeElem(&b, 4, "guideCount", fmt.Sprintf("%d", len(sorted)))
	writeElem(&b, 4, "totalValue", FormatMoney(total))
	b.WriteString("  </header>\n")
	b.WriteString("  <guides>\n")
	for _, g := range sorted {
		if g.GuideNumber == "" {
			return nil, fmt.Errorf("tiss: guide without guide number")
		}
		b.WriteString("    <guide>\n")
		writeElem(&b, 6, "number", g.GuideNumber)
		writeElem(&b, 6, "patientRef", g.PatientRef)
		writeElem(&b, 6, "patientName", g.PatientName)
		writeElem(&b, 6, "cardNumber", g.CardNumber)
		writeElem(&b, 6, "cid", g.CIDCode)
		writeElem(&b, 6, "councilNumber", g.CouncilNumber)
		if !g.IssueDate.IsZero() {
			writeElem(&b, 6, "issueDate", g.IssueDate.Format("2006-01-02"))
		}
		writeElem(&b, 6, "procedureCode", g.ProcedureCode)
		writeElem(&b, 6, "quantity", fmt.Sprintf("%d", g.ProcedureQuantity))
		writeElem(&b, 6, "totalValue", FormatMoney(g.TotalValue))
		b.WriteString("    </guide>\n")
	}
	b.WriteString("  </guides>\n")

	// Content hash over everything above, so a tampered snapshot is
	// detectable on audit replay.
	sum := sha256.Sum256([]byte(b.String()))
	writeElem(&b, 2, "hash", fmt.Sprintf("%x", sum))
	b.WriteString("</claimBatch>\n")

	return []byte(b.String()), nil
}

func writeElem(b *strings.Builder, indent int, name, value string) {
	if value == "" {
		return
	}
	b.WriteString(strings.Repeat(" ", indent))
	b.WriteString("<" + name + ">")
	_ = xml.EscapeText(b, []byte(value))
	b.WriteString("</" + name + ">\n")
}
