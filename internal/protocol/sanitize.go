package protocol

import (
	"strings"
	"unicode"
)

const (
	maxNameLen = 20

	// DefaultName replaces display names that sanitize to nothing.
	DefaultName = "Player"
)

// Terms masked out of display names. Kept short and lowercase; matching is
// case-insensitive.
var maskedTerms = []string{
	"admin",
	"moderator",
	"fuck",
	"shit",
	"cunt",
}

// SanitizeName trims a display name to a bounded letter/digit/space/_-
// charset, masks filtered terms and falls back to DefaultName when nothing
// usable remains.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ' ' || r == '_' || r == '-':
			b.WriteRune(r)
		}
	}
	safe := strings.Join(strings.Fields(b.String()), " ")
	safe = maskTerms(safe)
	// Truncate by runes so a multibyte name is never cut mid-sequence.
	if runes := []rune(safe); len(runes) > maxNameLen {
		safe = strings.TrimSpace(string(runes[:maxNameLen]))
	}
	if !hasAlnum(safe) {
		return DefaultName
	}
	return safe
}

func maskTerms(s string) string {
	lower := strings.ToLower(s)
	for _, term := range maskedTerms {
		for {
			i := strings.Index(lower, term)
			if i < 0 {
				break
			}
			s = s[:i] + "***" + s[i+len(term):]
			lower = lower[:i] + "***" + lower[i+len(term):]
		}
	}
	return s
}

func hasAlnum(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
