package tiss

import (
	"bytes"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// Encoding names reported on the Return record.
const (
	EncodingUTF8    = "utf-8"
	EncodingUTF8BOM = "utf-8-bom"
	EncodingLatin1  = "iso-8859-1"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DetectEncoding inspects raw return-file bytes and decodes them to text.
// Operators ship files in whatever their legacy systems produce, so the
// detector is deliberately permissive: valid UTF-8 (with or without BOM) is
// taken as such, everything else is decoded as ISO-8859-1, which maps every
// byte and therefore never fails. Returning garbage text for a truly exotic
// charset is acceptable — the strategy sniffers and per-record parsing
// downstream degrade gracefully.
func DetectEncoding(raw []byte) (text string, encoding string) {
	if bytes.HasPrefix(raw, utf8BOM) {
		return string(raw[len(utf8BOM):]), EncodingUTF8BOM
	}
	if utf8.Valid(raw) {
		return string(raw), EncodingUTF8
	}

	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		// ISO-8859-1 decoding cannot fail, but keep the fallback total.
		return string(raw), EncodingLatin1
	}
	return string(decoded), EncodingLatin1
}
