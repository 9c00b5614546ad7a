package flow

import (
	netmail "net/mail"
	"strings"
	"unicode/utf8"
)

// Field is one form input. Error holds the first failing validator's
// message; Dirty is set once the user has changed the value.
type Field struct {
	Value string
	Error string
	Dirty bool
}

// Set stores v and marks the field dirty.
func (f *Field) Set(v string) {
	f.Value = v
	f.Dirty = true
}

// Reset clears value, error and dirty flag.
func (f *Field) Reset() { *f = Field{} }

// Check runs validators in order and records the first failure. It reports
// whether the field is valid.
func (f *Field) Check(validators ...Validator) bool {
	f.Error = ""
	for _, v := range validators {
		if msg := v(f.Value); msg != "" {
			f.Error = msg
			return false
		}
	}
	return true
}

// Validator returns an error message for an invalid value, or "".
type Validator func(string) string

// Required fails on an empty or all-space value.
func Required(msg string) Validator {
	return func(s string) string {
		if strings.TrimSpace(s) == "" {
			return msg
		}
		return ""
	}
}

// MinLength fails when s has fewer than n characters.
func MinLength(n int, msg string) Validator {
	return func(s string) string {
		if utf8.RuneCountInString(s) < n {
			return msg
		}
		return ""
	}
}

// Length fails unless s has exactly n characters.
func Length(n int, msg string) Validator {
	return func(s string) string {
		if utf8.RuneCountInString(s) != n {
			return msg
		}
		return ""
	}
}

// Alphanumeric fails when s contains anything but ASCII letters and digits.
func Alphanumeric(msg string) Validator {
	return func(s string) string {
		for _, r := range s {
			if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
				return msg
			}
		}
		return ""
	}
}

// Email fails unless s (trimmed) is a bare address like jane@example.com.
func Email(msg string) Validator {
	return func(s string) string {
		s = strings.TrimSpace(s)
		addr, err := netmail.ParseAddress(s)
		if err != nil || addr.Address != s || !strings.Contains(s, "@") {
			return msg
		}
		return ""
	}
}

// Equals fails unless s equals the value other returns at check time.
func Equals(other func() string, msg string) Validator {
	return func(s string) string {
		if s != other() {
			return msg
		}
		return ""
	}
}

// NotEqualFold fails when s matches other, ignoring case and surrounding space.
func NotEqualFold(other func() string, msg string) Validator {
	return func(s string) string {
		if strings.EqualFold(strings.TrimSpace(s), strings.TrimSpace(other())) {
			return msg
		}
		return ""
	}
}

// Validation messages shared by several forms.
const (
	msgNameRequired     = "Name is required"
	msgInvalidEmail     = "Invalid email"
	msgPasswordRequired = "Password is required"
	msgPasswordLength   = "Password must be at least 8 characters long"
	msgConfirmRequired  = "Confirm password is required"
	msgPasswordMismatch = "Passwords do not match"
	msgCodeLength       = "Code must be 6 characters"
	msgCodeCharacters   = "Code may only contain letters and digits"

	minPasswordLength = 8
	totpCodeLength    = 6
)

func allValid(results ...bool) bool {
	for _, ok := range results {
		if !ok {
			return false
		}
	}
	return true
}
