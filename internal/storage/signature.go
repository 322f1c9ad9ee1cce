package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Volatile fragments stripped before hashing so that two occurrences of the
// same underlying failure fingerprint identically. Order matters: URLs must
// go before bare numbers, UUIDs before hex addresses.
var (
	signatureURLPattern       = regexp.MustCompile(`\bhttps?://[^\s'"]+`)
	signatureTimestampPattern = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?\b`)
	signatureUUIDPattern      = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)
	signatureAddressPattern   = regexp.MustCompile(`\b0x[0-9a-fA-F]+\b`)
	signatureLinePattern      = regexp.MustCompile(`(?i)\b(line|:)\s*\d+\b`)
	signatureNumberPattern    = regexp.MustCompile(`\b\d+\b`)
	signatureSpacePattern     = regexp.MustCompile(`\s+`)
)

// ErrorSignature derives a stable fingerprint for an error message: volatile
// fragments (timestamps, UUIDs, numeric ids, URLs, memory addresses, line
// numbers) are normalized to placeholders and the result is SHA-256 hashed.
// Downstream clustering relies on this hash, so producers never compute it
// themselves.
//
// Returns "" for an empty message.
func ErrorSignature(message string) string {
	normalized := NormalizeErrorMessage(message)
	if normalized == "" {
		return ""
	}

	sum := sha256.Sum256([]byte(normalized))

	return hex.EncodeToString(sum[:])
}

// NormalizeErrorMessage applies the placeholder substitutions without
// hashing. Exposed for tests and debugging of signature collisions.
func NormalizeErrorMessage(message string) string {
	s := strings.TrimSpace(message)
	if s == "" {
		return ""
	}

	s = signatureURLPattern.ReplaceAllString(s, "<url>")
	s = signatureTimestampPattern.ReplaceAllString(s, "<ts>")
	s = signatureUUIDPattern.ReplaceAllString(s, "<uuid>")
	s = signatureAddressPattern.ReplaceAllString(s, "<addr>")
	s = signatureLinePattern.ReplaceAllString(s, "<line>")
	s = signatureNumberPattern.ReplaceAllString(s, "<n>")
	s = signatureSpacePattern.ReplaceAllString(s, " ")

	return strings.ToLower(strings.TrimSpace(s))
}
