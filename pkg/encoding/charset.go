package encoding

import (
	"mime"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
)

// ToUTF8 converts a response body to UTF-8 using the charset parameter of its Content-Type.
// Bodies without a charset, or already declared as UTF-8, are returned as is
func ToUTF8(body []byte, contentType string) []byte {
	if len(body) == 0 {
		return body
	}

	charset := charsetOf(contentType)
	if charset == "" || charset == "utf-8" || charset == "utf8" {
		return body
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		// Unknown label: legacy Windows payloads are the common case
		if utf8.Valid(body) {
			return body
		}
		enc = charmap.Windows1252
	}

	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		// Fallback: return raw bytes if decoding fails (better than dropping the page)
		return body
	}
	return decoded
}

func charsetOf(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(params["charset"]))
}
