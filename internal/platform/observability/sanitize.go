package observability

import (
	"strings"
	"unicode"
)

const defaultStringLimit = 256

// Request log fields can carry text that originated in uploaded CSV headers
// or scanned HTML, so everything is scrubbed before it reaches the encoder.

func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = defaultStringLimit
	}

	var b strings.Builder
	b.Grow(len(value))
	n := 0
	for _, r := range value {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		b.WriteRune(r)
		n++
		if n == limit {
			break
		}
	}
	return b.String()
}

// SanitizeRoute strips control characters from a route pattern and caps its
// length so a hostile path cannot bloat or break log lines.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, 180)
}

// SanitizeMethod strips control characters from an HTTP method token.
func SanitizeMethod(method string) string {
	return sanitizeString(method, 10)
}

// SanitizeUserID caps identifiers before logging. Hook callers log as
// "hook:<partner>" through the same path as end-user UIDs.
func SanitizeUserID(uid string) string {
	if uid == "" {
		return ""
	}
	return sanitizeString(uid, 64)
}
