package util

import "strings"

// DefaultString returns the fallback value if v is empty or consists entirely
// of whitespace; otherwise it returns v unchanged.
//
// Examples:
//
//	DefaultString("hello", "world")  → "hello"
//	DefaultString("",      "world")  → "world"
//	DefaultString("  ",    "world")  → "world"
func DefaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// EmptyDash returns "-" if s is blank; otherwise it returns s unchanged.
// The CLI tables and the dashboard use it for optional columns such as the
// proxy address of an instance without a proxy chain.
func EmptyDash(s string) string {
	return DefaultString(s, "-")
}

// NormalizeAddr returns the trimmed address, or fallback when it is blank.
// Bind addresses for launches default to the loopback host this way.
func NormalizeAddr(addr, fallback string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fallback
	}
	return addr
}
