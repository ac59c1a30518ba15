package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in
// logs.
const RedactedValue = "[REDACTED]"

// sensitiveKeys lists the log keys that must never carry their real value: a
// node's block-signing secret, wallet material and raw signatures. The JSON
// handler masks them automatically; callers with dynamic keys use MaskField.
var sensitiveKeys = map[string]struct{}{
	"producer_key": {},
	"private_key":  {},
	"passphrase":   {},
	"seed":         {},
	"secret":       {},
	"signature":    {},
	"wif":          {},
}

// IsSensitive reports whether the key is masked automatically by the log
// handler.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := sensitiveKeys[normalized]
	return ok
}

// SensitiveKeys returns a sorted copy of the automatically-masked log keys.
func SensitiveKeys() []string {
	keys := make([]string, 0, len(sensitiveKeys))
	for key := range sensitiveKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns the redacted placeholder for non-empty values. Empty
// values pass through so absent fields stay recognizable.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds a slog.Attr with the value masked, for keys not covered
// by the automatic list.
func MaskField(key, value string) slog.Attr {
	return slog.String(key, MaskValue(value))
}

// redactAttr is the handler hook: any sensitive key loses its value before
// the record is encoded.
func redactAttr(attr slog.Attr) slog.Attr {
	if IsSensitive(attr.Key) {
		return slog.String(attr.Key, RedactedValue)
	}
	return attr
}
