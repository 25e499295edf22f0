package auth

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	usernameMinLength = 3
	usernameMaxLength = 254
	emailMaxLength    = 254
	passwordMinLength = 8
	passwordMaxLength = 128
	passwordSpecials  = `!@#$%^&*(),.?":{}|<>`
)

var (
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	emailPattern    = regexp.MustCompile("^[a-z0-9!#$%&'*+/=?^_`{|}~-]+(?:\\.[a-z0-9!#$%&'*+/=?^_`{|}~-]+)*@(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\\.)+[a-z0-9](?:[a-z0-9-]*[a-z0-9])?$")
	upperPattern    = regexp.MustCompile(`[A-Z]`)
	lowerPattern    = regexp.MustCompile(`[a-z]`)
	digitPattern    = regexp.MustCompile(`\d`)
)

// NormalizeEmail trims and lower-cases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CheckUsername accepts either a plain handle or an email address.
func CheckUsername(username string) error {
	n := utf8.RuneCountInString(username)
	if n < usernameMinLength || n > usernameMaxLength {
		return &PolicyError{Err: ErrInvalidUsername, Reason: "Username must be between 3 and 254 characters"}
	}
	if emailPattern.MatchString(username) || usernamePattern.MatchString(username) {
		return nil
	}
	return &PolicyError{Err: ErrInvalidUsername, Reason: "Username can be either a valid email address or only contain letters, numbers, underscores, and hyphens"}
}

// CheckEmail expects an already normalized address.
func CheckEmail(email string) error {
	if len(email) == 0 || len(email) > emailMaxLength || !emailPattern.MatchString(email) {
		return &PolicyError{Err: ErrInvalidEmail, Reason: "Invalid email address"}
	}
	return nil
}

// CheckPassword enforces length and character-class rules and reports the
// first rule broken.
func CheckPassword(password string) error {
	weak := func(reason string) error { return &PolicyError{Err: ErrWeakPassword, Reason: reason} }
	n := utf8.RuneCountInString(password)
	switch {
	case n < passwordMinLength:
		return weak("Password must be at least 8 characters")
	case n > passwordMaxLength:
		return weak("Password too long (max 128 characters)")
	case !upperPattern.MatchString(password):
		return weak("Password must contain at least one uppercase letter")
	case !lowerPattern.MatchString(password):
		return weak("Password must contain at least one lowercase letter")
	case !digitPattern.MatchString(password):
		return weak("Password must contain at least one digit")
	case !strings.ContainsAny(password, passwordSpecials):
		return weak("Password must contain at least one special character: " + passwordSpecials)
	}
	return nil
}
