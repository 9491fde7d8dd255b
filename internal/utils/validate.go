package utils

import (
	"errors"
	"regexp"
	"strings"
)

var emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ValidateEmail checks that s looks like an email address.
func ValidateEmail(s string) error {
	if !emailRe.MatchString(strings.TrimSpace(s)) {
		return errors.New("invalid email address")
	}
	return nil
}

// ValidatePassword enforces the registration password policy:
// at least 8 characters with an uppercase letter, a lowercase letter and a digit.
func ValidatePassword(s string) error {
	if len(s) < 8 {
		return errors.New("password must be at least 8 characters")
	}
	var upper, lower, digit bool
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= '0' && r <= '9':
			digit = true
		}
	}
	if !upper {
		return errors.New("password must include at least one uppercase letter")
	}
	if !lower {
		return errors.New("password must include at least one lowercase letter")
	}
	if !digit {
		return errors.New("password must include at least one number")
	}
	return nil
}

// ValidateName checks a display-name part.
func ValidateName(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return errors.New("required")
	}
	if len(s) > 64 {
		return errors.New("too long")
	}
	return nil
}
