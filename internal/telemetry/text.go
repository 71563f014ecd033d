package telemetry

import (
	"strings"
	"unicode/utf8"
)

// CleanText strips NUL bytes and invalid UTF-8, neither of which a text or
// jsonb column accepts
func CleanText(s string) string {
	if !strings.ContainsRune(s, 0) && utf8.ValidString(s) {
		return s
	}
	return strings.ReplaceAll(strings.ToValidUTF8(s, ""), "\x00", "")
}
