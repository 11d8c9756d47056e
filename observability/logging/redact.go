package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive attribute values.
const RedactedValue = "[REDACTED]"

// sensitiveFragments mark an attribute key as carrying a credential.
var sensitiveFragments = []string{"secret", "passphrase", "password", "dsn", "private", "authorization"}

// Sensitive reports whether key names a credential.
func Sensitive(key string) bool {
	k := strings.ToLower(key)
	for _, fragment := range sensitiveFragments {
		if strings.Contains(k, fragment) {
			return true
		}
	}
	return false
}

// redact masks non-empty values of sensitive keys.
func redact(attr slog.Attr) slog.Attr {
	if !Sensitive(attr.Key) {
		return attr
	}
	if attr.Value.Kind() == slog.KindString && strings.TrimSpace(attr.Value.String()) == "" {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}
