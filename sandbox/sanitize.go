package sandbox

import (
	"strings"
	"unicode"
)

// Sanitize turns raw process output into display-safe text. Invalid UTF-8
// becomes U+FFFD, control characters other than \t \n \v \f \r are removed
// and surrounding whitespace is trimmed. Sanitize(Sanitize(b)) == Sanitize(b).
func Sanitize(raw []byte) string {
	valid := strings.ToValidUTF8(string(raw), string(unicode.ReplacementChar))

	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '\t', '\n', '\v', '\f', '\r':
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, valid)

	return strings.TrimSpace(cleaned)
}
