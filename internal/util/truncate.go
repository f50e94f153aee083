package util

import "unicode/utf8"

// Truncate shortens s to at most max runes, appending an ellipsis when it
// cut anything. Used for error messages persisted to job rows; raw provider
// bodies can be arbitrarily large and belong in logs, not the database.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}

	runes := []rune(s)
	if max <= 1 {
		return string(runes[:max])
	}
	return string(runes[:max-1]) + "…"
}
