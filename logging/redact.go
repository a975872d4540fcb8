package logging

import (
	"regexp"
)

// RedactedPlaceholder replaces any detected secret in log output.
const RedactedPlaceholder = "[REDACTED]"

// secretPatterns covers the key formats this runner actually handles:
// OpenAI keys, Google API keys, bearer tokens, and generic key=value
// assignments. Compiled once at package init.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),                         // OpenAI (incl. sk-proj-)
	regexp.MustCompile(`AIza[a-zA-Z0-9_-]{35}`),                         // Google API keys
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._-]{20,}`),              // bearer tokens
	regexp.MustCompile(`(?i)(?:api_?key|token|secret)\s*[:=]\s*\S{8,}`), // generic assignments
}

// Redact scans a string and replaces any detected secret material.
// Pure function; safe to call on every log field.
func Redact(value string) string {
	if value == "" {
		return value
	}
	for _, p := range secretPatterns {
		value = p.ReplaceAllString(value, RedactedPlaceholder)
	}
	return value
}
