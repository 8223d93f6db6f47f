package tiss

import (
	"encoding/xml"
	"regexp"
	"strings"
)

// Strategy is one way of reading an operator return file. Sniff decides
// whether the strategy applies to the text; Parse extracts outcomes into res,
// pushing unusable records onto res.Unmatched instead of failing.
type Strategy interface {
	Name() string
	Sniff(text string) bool
	Parse(text string, res *ReturnResult)
}

// SelectStrategy picks the most specific strategy whose sniff accepts the
// text. The generic strategy accepts everything, so selection always
// succeeds.
func SelectStrategy(text string) Strategy {
	for _, s := range strategies {
		if s.Sniff(text) {
			return s
		}
	}
	return genericStrategy{} // unreachable, generic sniffs true
}

// Ordered most specific first.
var strategies = []Strategy{
	xmlStrategy{},
	delimitedStrategy{},
	genericStrategy{},
}

// --- XML return files ---------------------------------------------------

type xmlReturnFile struct {
	XMLName  xml.Name         `xml:"returnFile"`
	Protocol string           `xml:"protocol"`
	Guides   []xmlReturnGuide `xml:"guides>guide"`
}

type xmlReturnGuide struct {
	GuideNumber  string `xml:"guideNumber"`
	Status       string `xml:"status"`
	PaidValue    string `xml:"paidValue"`
	DenialCode   string `xml:"denialCode"`
	DenialReason string `xml:"denialReason"`
}

type xmlStrategy struct{}

func (xmlStrategy) Name() string { return "xml" }

func (xmlStrategy) Sniff(text string) bool {
	t := strings.TrimSpace(text)
	if strings.HasPrefix(t, "<?xml") {
		return true
	}
	return strings.HasPrefix(t, "<returnFile")
}

func (xmlStrategy) Parse(text string, res *ReturnResult) {
	var file xmlReturnFile
	if err := xml.Unmarshal([]byte(text), &file); err != nil {
		res.Unmatched = append(res.Unmatched, UnmatchedLine{
			LineNumber: 1,
			Content:    truncateLine(text),
			Reason:     "malformed xml: " + err.Error(),
		})
		return
	}
	res.Protocol = strings.TrimSpace(file.Protocol)

	for i, g := range file.Guides {
		// XML records carry no useful line number, use the 1-based guide
		// position instead.
		pos := i + 1
		number := strings.TrimSpace(g.GuideNumber)
		if number == "" {
			res.Unmatched = append(res.Unmatched, UnmatchedLine{
				LineNumber: pos,
				Content:    g.Status,
				Reason:     "guide record without guide number",
			})
			continue
		}
		outcome := NormalizeOutcome(g.Status)
		if outcome == "" {
			res.Unmatched = append(res.Unmatched, UnmatchedLine{
				LineNumber: pos,
				Content:    number + " " + g.Status,
				Reason:     "unrecognized outcome " + strings.TrimSpace(g.Status),
			})
			continue
		}
		var paid int64
		if strings.TrimSpace(g.PaidValue) != "" {
			v, err := ParseMoney(g.PaidValue)
			if err != nil {
				res.Unmatched = append(res.Unmatched, UnmatchedLine{
					LineNumber: pos,
					Content:    number + " " + g.PaidValue,
					Reason:     "unparseable paid value",
				})
				continue
			}
			paid = v
		}
		res.Outcomes = append(res.Outcomes, GuideOutcome{
			GuideNumber:  number,
			Outcome:      outcome,
			PaidValue:    paid,
			DenialCode:   strings.TrimSpace(g.DenialCode),
			DenialReason: strings.TrimSpace(g.DenialReason),
		})
	}
}

// --- Delimited return files ---------------------------------------------

// delimitedStrategy reads record-per-line files shaped
// guideNumber<sep>outcome<sep>paidValue[<sep>denialCode[<sep>denialReason]]
// with ";", "|" or tab as the separator. A leading header line is skipped.
type delimitedStrategy struct{}

func (delimitedStrategy) Name() string { return "delimited" }

var delimiters = []string{";", "|", "\t"}

func detectDelimiter(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, d := range delimiters {
			if strings.Count(line, d) >= 2 {
				return d
			}
		}
		return ""
	}
	return ""
}

func (delimitedStrategy) Sniff(text string) bool {
	return detectDelimiter(text) != ""
}

func (delimitedStrategy) Parse(text string, res *ReturnResult) {
	sep := detectDelimiter(text)
	if sep == "" {
		sep = ";"
	}

	for i, line := range strings.Split(text, "\n") {
		lineNo := i + 1
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		fields := strings.Split(line, sep)
		for j := range fields {
			fields[j] = strings.TrimSpace(fields[j])
		}
		if len(fields) < 3 {
			res.Unmatched = append(res.Unmatched, UnmatchedLine{
				LineNumber: lineNo,
				Content:    truncateLine(line),
				Reason:     "too few fields",
			})
			continue
		}

		outcome := NormalizeOutcome(fields[1])
		if outcome == "" {
			// Tolerate one header line at the top of the file.
			if lineNo == 1 {
				continue
			}
			res.Unmatched = append(res.Unmatched, UnmatchedLine{
				LineNumber: lineNo,
				Content:    truncateLine(line),
				Reason:     "unrecognized outcome " + fields[1],
			})
			continue
		}
		if fields[0] == "" {
			res.Unmatched = append(res.Unmatched, UnmatchedLine{
				LineNumber: lineNo,
				Content:    truncateLine(line),
				Reason:     "record without guide number",
			})
			continue
		}
		var paid int64
		if fields[2] != "" {
			v, err := ParseMoney(fields[2])
			if err != nil {
				res.Unmatched = append(res.Unmatched, UnmatchedLine{
					LineNumber: lineNo,
					Content:    truncateLine(line),
					Reason:     "unparseable paid value",
				})
				continue
			}
			paid = v
		}

		out := GuideOutcome{
			GuideNumber: fields[0],
			Outcome:     outcome,
			PaidValue:   paid,
		}
		if len(fields) > 3 {
			out.DenialCode = fields[3]
		}
		if len(fields) > 4 {
			out.DenialReason = strings.Join(fields[4:], sep)
		}
		res.Outcomes = append(res.Outcomes, out)
	}
}

// --- Generic fallback ---------------------------------------------------

// genericStrategy scrapes free-form lines for a guide number, an outcome
// word and optionally an amount. It is the strategy of last resort for
// operators that mail out what is essentially a printed report.
type genericStrategy struct{}

func (genericStrategy) Name() string { return "generic" }

func (genericStrategy) Sniff(string) bool { return true }

var (
	genericGuideRe  = regexp.MustCompile(`\b([A-Z]{0,3}[0-9]{4,20})\b`)
	genericAmountRe = regexp.MustCompile(`(?:R\$\s*)?([0-9][0-9.,]*[0-9]|[0-9])(?:\s|$)`)
	genericWordRe   = regexp.MustCompile(`[A-Za-zÀ-ÿ-]+`)
)

func (genericStrategy) Parse(text string, res *ReturnResult) {
	for i, line := range strings.Split(text, "\n") {
		lineNo := i + 1
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		outcome := ""
		for _, w := range genericWordRe.FindAllString(line, -1) {
			if o := NormalizeOutcome(w); o != "" {
				outcome = o
				break
			}
		}
		if outcome == "" {
			res.Unmatched = append(res.Unmatched, UnmatchedLine{
				LineNumber: lineNo,
				Content:    truncateLine(line),
				Reason:     "no outcome word found",
			})
			continue
		}

		number := genericGuideRe.FindString(line)
		if number == "" {
			res.Unmatched = append(res.Unmatched, UnmatchedLine{
				LineNumber: lineNo,
				Content:    truncateLine(line),
				Reason:     "no guide number found",
			})
			continue
		}

		var paid int64
		// Skip amount candidates that are just the guide number again.
		for _, m := range genericAmountRe.FindAllStringSubmatch(line, -1) {
			if m[1] == number {
				continue
			}
			if v, err := ParseMoney(m[1]); err == nil {
				paid = v
				break
			}
		}

		res.Outcomes = append(res.Outcomes, GuideOutcome{
			GuideNumber: number,
			Outcome:     outcome,
			PaidValue:   paid,
		})
	}
}

const maxUnmatchedContent = 200

func truncateLine(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxUnmatchedContent {
		return s[:maxUnmatchedContent]
	}
	return s
}
