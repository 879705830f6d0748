package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":       {},
	"env":           {},
	"message":       {},
	"severity":      {},
	"timestamp":     {},
	"error":         {},
	"reason":        {},
	"component":     {},
	"investment_id": {},
	"round":         {},
	"rail":          {},
	"status":        {},
	"outcome":       {},
}

// IsAllowlisted reports whether the key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// RedactionAllowlist returns a sorted copy of the keys emitted without redaction.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskField returns a slog.Attr that redacts the value unless the key is
// allowlisted. Deposit addresses, wire references and card tokens go through here.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// Suffix keeps the last n characters of a value so operators can correlate
// references without the full identifier reaching the logs.
func Suffix(key, value string, n int) slog.Attr {
	trimmed := strings.TrimSpace(value)
	if n <= 0 || len(trimmed) <= n {
		return MaskField(key, trimmed)
	}
	return slog.String(key, "…"+trimmed[len(trimmed)-n:])
}
