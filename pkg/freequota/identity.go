package freequota

import (
	"fmt"
	"sort"
	"strings"
)

const maxUserIDLen = 255

// Subject is the canonical identity a quota is counted against.
// It is recomputed per request and never stored as its own row.
type Subject struct {
	UserID          string
	FingerprintHash string
	IPHash          string
}

// Resolve builds a Subject from the request's identity signals.
// fingerprintHash and ipHash must already be hashed by the caller; at least one is required.
func Resolve(userID, fingerprintHash, ipHash string) (Subject, error) {
	s := Subject{
		UserID:          strings.TrimSpace(userID),
		FingerprintHash: strings.TrimSpace(fingerprintHash),
		IPHash:          strings.TrimSpace(ipHash),
	}

	if s.FingerprintHash == "" && s.IPHash == "" {
		return Subject{}, fmt.Errorf("%w: fingerprint and ip hash are both empty", ErrInvalidIdentity)
	}
	if len(s.UserID) > maxUserIDLen {
		return Subject{}, fmt.Errorf("%w: user id too long", ErrInvalidIdentity)
	}

	return s, nil
}

// Anonymous reports whether the subject has no user id
func (s Subject) Anonymous() bool {
	return s.UserID == ""
}

// Keys returns the subject's non-empty identity keys ordered by precedence.
// Kinds missing from precedence are appended in their default order.
func (s Subject) Keys(precedence []IdentityKind) []IdentityKey {
	order := normalizePrecedence(precedence)
	keys := make([]IdentityKey, 0, len(order))
	for _, kind := range order {
		if v := s.value(kind); v != "" {
			keys = append(keys, IdentityKey{Kind: kind, Value: v})
		}
	}
	return keys
}

// LockKeys returns the subject's identity keys scoped to a period, sorted
// lexicographically. Backends that lock per key take them in this order.
func (s Subject) LockKeys(period string) []string {
	keys := s.Keys(nil)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, period+"|"+k.String())
	}
	sort.Strings(out)
	return out
}

func (s Subject) value(kind IdentityKind) string {
	switch kind {
	case IdentityUser:
		return s.UserID
	case IdentityFingerprint:
		return s.FingerprintHash
	case IdentityIP:
		return s.IPHash
	}
	return ""
}

func normalizePrecedence(precedence []IdentityKind) []IdentityKind {
	seen := make(map[IdentityKind]bool, len(DefaultIdentityPrecedence))
	out := make([]IdentityKind, 0, len(DefaultIdentityPrecedence))
	for _, kind := range precedence {
		if seen[kind] || !validKind(kind) {
			continue
		}
		seen[kind] = true
		out = append(out, kind)
	}
	for _, kind := range DefaultIdentityPrecedence {
		if !seen[kind] {
			out = append(out, kind)
		}
	}
	return out
}

func validKind(kind IdentityKind) bool {
	return kind == IdentityUser || kind == IdentityFingerprint || kind == IdentityIP
}

// ParseIdentityPrecedence parses a comma separated list such as "user,fingerprint,ip"
func ParseIdentityPrecedence(raw string) ([]IdentityKind, error) {
	var out []IdentityKind
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		if part == "" {
			continue
		}
		kind := IdentityKind(part)
		if !validKind(kind) {
			return nil, fmt.Errorf("%w: unknown identity kind %q", ErrInvalidConfig, part)
		}
		out = append(out, kind)
	}
	return out, nil
}
