// Package contact normalizes buyer and member contact details so identity matching
// compares like with like.
package contact

import (
	"strings"

	"referral-ledger/pkg/validation"
)

// DefaultCountryCode is prefixed to ten digit domestic numbers.
const DefaultCountryCode = "91"

// NormalizeEmail lowercases and trims s. It returns false when the result is not a
// syntactically valid address.
func NormalizeEmail(s string) (string, bool) {
	email := strings.ToLower(strings.TrimSpace(s))
	if email == "" || !validation.Var(email, "email") {
		return "", false
	}
	return email, true
}

// NormalizePhone strips formatting and returns an E.164 style number.
func NormalizePhone(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}

	explicit := strings.HasPrefix(s, "+") || strings.HasPrefix(s, "00")

	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if explicit && strings.HasPrefix(s, "00") {
		digits = strings.TrimPrefix(digits, "00")
	}

	switch {
	case explicit:
		// already international, keep as given
	case len(digits) == 10:
		digits = DefaultCountryCode + digits
	case len(digits) == 11 && digits[0] == '0':
		digits = DefaultCountryCode + digits[1:]
	}

	if len(digits) < 8 || len(digits) > 15 || digits[0] == '0' {
		return "", false
	}
	return "+" + digits, true
}

// Identity is a normalized pair; either side may be empty but not both.
type Identity struct {
	Email string
	Phone string
}

func (i Identity) Empty() bool {
	return i.Email == "" && i.Phone == ""
}

// Normalize normalizes both fields, dropping whichever is invalid.
func Normalize(email, phone string) Identity {
	var id Identity
	if e, ok := NormalizeEmail(email); ok {
		id.Email = e
	}
	if p, ok := NormalizePhone(phone); ok {
		id.Phone = p
	}
	return id
}
