package tiss

import "fmt"

// ParseReturn runs the full return-file pipeline over raw bytes: encoding
// detection, strategy selection and extraction. Per-record failures land in
// Unmatched; the only hard error is an empty file.
func ParseReturn(raw []byte) (*ReturnResult, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty return file")
	}

	text, encoding := DetectEncoding(raw)
	strategy := SelectStrategy(text)

	res := &ReturnResult{
		Strategy: strategy.Name(),
		Encoding: encoding,
	}
	strategy.Parse(text, res)
	return res, nil
}
