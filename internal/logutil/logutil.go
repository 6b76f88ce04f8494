// Package logutil holds helpers for writing user-controlled values into logs.
package logutil

import (
	"strings"
	"unicode/utf8"
)

// SanitizeForLog replaces newlines and tabs with spaces and drops other
// control characters so that hostnames, usernames and session IDs supplied
// by a client cannot forge log lines.
func SanitizeForLog(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n', r == '\r', r == '\t':
			return ' '
		case r < 32, r == 0x7f:
			return -1
		}
		return r
	}, s)
}

// Excerpt renders at most max bytes of terminal data as a single sanitized
// log-safe string, appending "..." when the data was cut.
func Excerpt(data []byte, max int) string {
	cut := false
	if max >= 0 && len(data) > max {
		data = data[:max]
		for len(data) > 0 && !utf8.Valid(data) {
			data = data[:len(data)-1]
		}
		cut = true
	}
	s := SanitizeForLog(string(data))
	if cut {
		s += "..."
	}
	return s
}
