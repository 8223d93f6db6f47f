package tiss

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestParseMoney(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1234.56", 123456, false},
		{"1.234,56", 123456, false},
		{"1234,56", 123456, false},
		{"R$ 99,90", 9990, false},
		{"1234", 123400, false},
		{"0.5", 50, false},
		{"-10.00", -1000, false},
		{"", 0, true},
		{"abc", 0, true},
		// Interior junk must not be swallowed into a fabricated value.
		{"1a2,50", 0, true},
		{"12abc3.45", 0, true},
		{"12x", 0, true},
		{"1.2.3,4x", 0, true},
		{"10,5x", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseMoney(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseMoney(%q): expected error, got %d", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseMoney(%q): unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMoney(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFormatMoneyRoundTrip(t *testing.T) {
	for _, cents := range []int64{0, 1, 99, 100, 123456, -1000} {
		got, err := ParseMoney(FormatMoney(cents))
		if err != nil {
			t.Fatalf("round trip %d: %v", cents, err)
		}
		if got != cents {
			t.Errorf("round trip %d: got %d", cents, got)
		}
	}
}

func TestNormalizeOutcome(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"APROVADA", OutcomeApproved},
		{"pago", OutcomeApproved},
		{" GLOSADA ", OutcomeDenied},
		{"negado", OutcomeDenied},
		{"Parcial", OutcomePartial},
		{"whatever", ""},
	}
	for _, tt := range tests {
		if got := NormalizeOutcome(tt.in); got != tt.want {
			t.Errorf("NormalizeOutcome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEncodeDeterministic(t *testing.T) {
	header := BatchHeader{BatchID: "b-1", Name: "March", OperatorName: "Unimed"}
	guides := []GuideRecord{
		{GuideNumber: "G-200", PatientName: "Bob", ProcedureCode: "10101012", ProcedureQuantity: 1, TotalValue: 5000, IssueDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{GuideNumber: "G-100", PatientName: "Ana", ProcedureCode: "10101039", ProcedureQuantity: 2, TotalValue: 12050, IssueDate: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)},
	}

	first, err := Encode(header, guides)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// Guide order in the input must not affect the output.
	swapped := []GuideRecord{guides[1], guides[0]}
	second, err := Encode(header, swapped)
	if err != nil {
		t.Fatalf("encode swapped: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("expected byte-identical output regardless of input order")
	}

	out := string(first)
	if !strings.Contains(out, "<operator>Unimed</operator>") {
		t.Error("missing operator element")
	}
	if !strings.Contains(out, "<totalValue>170.50</totalValue>") {
		t.Error("missing batch total")
	}
	if strings.Index(out, "G-100") > strings.Index(out, "G-200") {
		t.Error("guides are not sorted by number")
	}
	if !strings.Contains(out, "<hash>") {
		t.Error("missing content hash")
	}
}

func TestEncodeValidation(t *testing.T) {
	if _, err := Encode(BatchHeader{}, []GuideRecord{{GuideNumber: "1"}}); err == nil {
		t.Error("expected error for missing operator")
	}
	if _, err := Encode(BatchHeader{OperatorName: "X"}, nil); err == nil {
		t.Error("expected error for empty batch")
	}
	if _, err := Encode(BatchHeader{OperatorName: "X"}, []GuideRecord{{TotalValue: 100}}); err == nil {
		t.Error("expected error for guide without number")
	}
}

func TestDetectEncoding(t *testing.T) {
	text, enc := DetectEncoding([]byte("plain ascii"))
	if enc != EncodingUTF8 || text != "plain ascii" {
		t.Errorf("ascii: got %q %q", text, enc)
	}

	text, enc = DetectEncoding(append([]byte{0xEF, 0xBB, 0xBF}, []byte("bom body")...))
	if enc != EncodingUTF8BOM || text != "bom body" {
		t.Errorf("bom: got %q %q", text, enc)
	}

	// "glosa não" in ISO-8859-1: 0xE3 is ã.
	text, enc = DetectEncoding([]byte{'n', 0xE3, 'o'})
	if enc != EncodingLatin1 {
		t.Errorf("latin1: got encoding %q", enc)
	}
	if text != "não" {
		t.Errorf("latin1: got %q", text)
	}
}

func TestSelectStrategy(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{`<?xml version="1.0"?><returnFile></returnFile>`, "xml"},
		{"<returnFile><guides></guides></returnFile>", "xml"},
		{"G-1;APROVADA;100,00", "delimited"},
		{"G-1|NEGADA|0,00|1705", "delimited"},
		{"guia G-1 foi aprovada no valor de 100,00", "generic"},
	}
	for _, tt := range tests {
		if got := SelectStrategy(tt.text).Name(); got != tt.want {
			t.Errorf("SelectStrategy(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestParseReturnXML(t *testing.T) {
	raw := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<returnFile>
  <protocol>PRT-42</protocol>
  <guides>
    <guide><guideNumber>G-1</guideNumber><status>APROVADA</status><paidValue>150,00</paidValue></guide>
    <guide><guideNumber>G-2</guideNumber><status>GLOSADA</status><paidValue>0,00</paidValue><denialCode>1705</denialCode><denialReason>codigo invalido</denialReason></guide>
    <guide><guideNumber>G-3</guideNumber><status>strange</status></guide>
  </guides>
</returnFile>`)

	res, err := ParseReturn(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.Strategy != "xml" {
		t.Errorf("strategy = %q", res.Strategy)
	}
	if res.Protocol != "PRT-42" {
		t.Errorf("protocol = %q", res.Protocol)
	}
	if len(res.Outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(res.Outcomes))
	}
	if res.Outcomes[0].Outcome != OutcomeApproved || res.Outcomes[0].PaidValue != 15000 {
		t.Errorf("outcome[0] = %+v", res.Outcomes[0])
	}
	if res.Outcomes[1].DenialCode != "1705" {
		t.Errorf("outcome[1] = %+v", res.Outcomes[1])
	}
	if len(res.Unmatched) != 1 {
		t.Fatalf("unmatched = %d, want 1", len(res.Unmatched))
	}
}

func TestParseReturnDelimited(t *testing.T) {
	raw := []byte("numero;situacao;valor_pago;codigo;motivo\r\n" +
		"G-1;APROVADA;1.250,00\r\n" +
		"G-2;PARCIAL;300,00;1820;quantidade excedida\r\n" +
		";NEGADA;0,00\r\n" +
		"G-4;NEGADA;banana\r\n")

	res, err := ParseReturn(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.Strategy != "delimited" {
		t.Errorf("strategy = %q", res.Strategy)
	}
	if len(res.Outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2: %+v", len(res.Outcomes), res.Outcomes)
	}
	if res.Outcomes[0].PaidValue != 125000 {
		t.Errorf("paid = %d", res.Outcomes[0].PaidValue)
	}
	if res.Outcomes[1].DenialReason != "quantidade excedida" {
		t.Errorf("reason = %q", res.Outcomes[1].DenialReason)
	}
	// Header is skipped silently, the two bad records are reported.
	if len(res.Unmatched) != 2 {
		t.Fatalf("unmatched = %d, want 2: %+v", len(res.Unmatched), res.Unmatched)
	}
}

func TestParseReturnGeneric(t *testing.T) {
	raw := []byte("RELATORIO DE RETORNO\n" +
		"guia 20260001 APROVADA valor pago R$ 442,10\n" +
		"guia 20260002 GLOSADA\n" +
		"linha sem nada util\n")

	res, err := ParseReturn(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.Strategy != "generic" {
		t.Errorf("strategy = %q", res.Strategy)
	}
	if len(res.Outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2: %+v", len(res.Outcomes), res.Outcomes)
	}
	if res.Outcomes[0].GuideNumber != "20260001" || res.Outcomes[0].PaidValue != 44210 {
		t.Errorf("outcome[0] = %+v", res.Outcomes[0])
	}
	if res.Outcomes[1].Outcome != OutcomeDenied {
		t.Errorf("outcome[1] = %+v", res.Outcomes[1])
	}
	if len(res.Unmatched) != 2 {
		t.Errorf("unmatched = %d: %+v", len(res.Unmatched), res.Unmatched)
	}
}

func TestParseReturnEmpty(t *testing.T) {
	if _, err := ParseReturn(nil); err == nil {
		t.Error("expected error for empty file")
	}
}
