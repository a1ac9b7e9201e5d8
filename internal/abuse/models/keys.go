package models

import (
	"strings"
)

// Store key prefixes. The kv adapter namespaces them further.
const (
	PrefixRateLimit  = "rl:"
	PrefixViolation  = "viol:"
	PrefixBlock      = "block:"
	PrefixAllowlist  = "allow:"
	PrefixSuspicious = "susp:"
	PrefixIdempotent = "idem:"
	KeyEmergency     = "emergency:status"
)

// RateLimitKey builds "rl:<scope>:user:<id>" for authenticated subjects and
// "rl:<scope>:ip:<ip>" otherwise.
func RateLimitKey(scope Scope, subject Subject) string {
	kind, id := "ip", subject.IP
	if subject.UserID != "" {
		kind, id = "user", subject.UserID
	}
	return PrefixRateLimit + SanitizeKeySegment(string(scope)) + ":" + kind + ":" + SanitizeKeySegment(id)
}

func ViolationKey(ip string) string  { return PrefixViolation + SanitizeKeySegment(ip) }
func BlockKey(ip string) string      { return PrefixBlock + SanitizeKeySegment(ip) }
func AllowlistKey(ip string) string  { return PrefixAllowlist + SanitizeKeySegment(ip) }
func SuspiciousKey(ip string) string { return PrefixSuspicious + SanitizeKeySegment(ip) }

// IdempotencyKey scopes a client key to the caller so two users cannot
// replay each other's responses.
func IdempotencyKey(owner, key string) string {
	return PrefixIdempotent + SanitizeKeySegment(owner) + ":" + SanitizeKeySegment(key)
}

// SanitizeKeySegment escapes the key delimiter in user-controlled segments.
// IPv6 addresses and client-chosen keys contain ':' and would otherwise be
// able to address a neighbouring key.
//
// '_' is escaped first so the mapping stays injective:
//
//	"a:b"  → "a_cb"
//	"a_b"  → "a__b"
//	"a_:b" → "a___cb"
func SanitizeKeySegment(s string) string {
	s = strings.ReplaceAll(s, "_", "__")
	return strings.ReplaceAll(s, ":", "_c")
}

// UnsanitizeKeySegment reverses SanitizeKeySegment.
func UnsanitizeKeySegment(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '_' && i+1 < len(s) {
			switch s[i+1] {
			case '_':
				b.WriteByte('_')
				i++
				continue
			case 'c':
				b.WriteByte(':')
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
