package verify

import (
	"strings"
	"unicode"

	kit "gatebot/internal/transport"
)

// DisplayName joins first and last name the way chat clients render them.
func DisplayName(p kit.UserProfile) string {
	name := strings.TrimSpace(p.FirstName)
	if last := strings.TrimSpace(p.LastName); last != "" {
		if name != "" {
			name += " "
		}
		name += last
	}
	return name
}

// CheckLegitimacy runs the pre-verification screen on a join requester.
// It returns false with a short reason when the account should be declined
// without being offered a code.
func CheckLegitimacy(p kit.UserProfile) (ok bool, reason string) {
	if p.IsBot {
		return false, "bot account"
	}
	if IsSuspiciousName(DisplayName(p)) {
		return false, "suspicious display name"
	}
	return true, ""
}

// IsSuspiciousName flags display names that are too short, carry almost no
// real characters, or are dominated by symbols.
func IsSuspiciousName(name string) bool {
	name = strings.TrimSpace(name)
	runes := []rune(name)
	if len(runes) < 2 {
		return true
	}

	var alnum, digits, space int
	for _, r := range runes {
		switch {
		case unicode.IsDigit(r):
			digits++
			alnum++
		case unicode.IsLetter(r):
			alnum++
		case unicode.IsSpace(r):
			space++
		}
	}

	// Fewer than two real characters: emoji-only and punctuation names land here.
	if alnum < 2 {
		return true
	}
	// Pure digit strings are not names.
	if digits == len(runes) {
		return true
	}
	// Symbol-heavy: more than 70% of runes are neither alphanumeric nor whitespace.
	other := len(runes) - alnum - space
	if float64(other) > 0.7*float64(len(runes)) {
		return true
	}
	return false
}
