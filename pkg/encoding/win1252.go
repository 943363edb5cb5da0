package encoding

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// ToUTF8 converts raw scanner bytes to a trimmed UTF-8 string
// Keyboard-wedge scanners on legacy terminals emit Windows-1252; valid UTF-8 passes through untouched
func ToUTF8(b []byte) string {
	if len(b) == 0 {
		return ""
	}

	if utf8.Valid(b) {
		return strings.TrimSpace(string(b))
	}

	decoded, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		return strings.TrimSpace(strings.ToValidUTF8(string(b), ""))
	}

	return strings.TrimSpace(string(decoded))
}
