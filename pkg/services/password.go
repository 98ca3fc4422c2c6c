package services

import (
	"strings"
	"unicode"
)

const minPasswordLength = 8

// identityFragmentLen is the shortest run of a name part or email local
// part that disqualifies a password containing it.
const identityFragmentLen = 3

// ValidatePassword enforces the signup password policy: at least 8
// characters with an uppercase letter, a digit and a symbol, and no
// case-folded fragment (3+ characters) of the user's name parts or email
// local part. Returns a ValidationError naming the failed rule.
func ValidatePassword(password, fullName, email string) error {
	if len(password) < minPasswordLength {
		return NewValidationError("password", "must be at least 8 characters")
	}

	var hasUpper, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			hasSymbol = true
		}
	}
	if !hasUpper {
		return NewValidationError("password", "must contain an uppercase letter")
	}
	if !hasDigit {
		return NewValidationError("password", "must contain a digit")
	}
	if !hasSymbol {
		return NewValidationError("password", "must contain a symbol")
	}

	folded := strings.ToLower(password)
	for _, part := range identityParts(fullName, email) {
		if containsFragment(folded, strings.ToLower(part)) {
			return NewValidationError("password", "must not contain parts of your name or email")
		}
	}
	return nil
}

// identityParts collects the whitespace-separated name parts and the email
// local part.
func identityParts(fullName, email string) []string {
	parts := strings.Fields(fullName)
	local := email
	if at := strings.IndexByte(email, '@'); at >= 0 {
		local = email[:at]
	}
	if local != "" {
		parts = append(parts, local)
	}
	return parts
}

// containsFragment reports whether password contains any substring of part
// with identityFragmentLen or more characters. Checking windows of exactly
// that length suffices: any longer shared substring contains one.
func containsFragment(password, part string) bool {
	if len(part) < identityFragmentLen {
		return false
	}
	for i := 0; i+identityFragmentLen <= len(part); i++ {
		if strings.Contains(password, part[i:i+identityFragmentLen]) {
			return true
		}
	}
	return false
}
