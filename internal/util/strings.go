package util

import "strings"

// DefaultString returns the fallback value if v is empty or consists entirely
// of whitespace; otherwise it returns v unchanged.
func DefaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// EmptyDash returns "-" for blank strings. Used by table output for optional
// columns such as an instance's host override.
func EmptyDash(s string) string {
	return DefaultString(s, "-")
}
