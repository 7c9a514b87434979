// Package validate checks free-text and URL input before it reaches the
// payment ledger.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// String validation errors
var (
	ErrStringTooShort    = errors.New("string is too short")
	ErrStringTooLong     = errors.New("string is too long")
	ErrInvalidCharacters = errors.New("string contains invalid characters")
	ErrEmpty             = errors.New("string is empty")
)

// Limits for operator-entered text.
const (
	MaxReasonLength    = 500
	MaxNotesLength     = 2000
	MaxReferenceLength = 100
)

// referencePattern matches bank transfer references: letters, digits, spaces
// and the separators banks print on SPEI and deposit slips.
var referencePattern = regexp.MustCompile(`^[\p{L}\p{N} _\-./#:]+$`)

// StringConstraints defines validation constraints for a string.
type StringConstraints struct {
	MinLength      int            // Minimum length in runes (0 = no minimum)
	MaxLength      int            // Maximum length in runes (0 = no maximum)
	AllowedPattern *regexp.Regexp // Optional pattern the whole string must match
	AllowEmpty     bool           // Whether empty strings are allowed
	AllowNewlines  bool           // Whether \n and \t are accepted
}

// String trims s and validates it against the given constraints.
// Control characters are always rejected.
func String(s string, constraints StringConstraints) (string, error) {
	s = strings.TrimSpace(s)

	if s == "" {
		if !constraints.AllowEmpty {
			return "", ErrEmpty
		}
		return s, nil
	}

	if !utf8.ValidString(s) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalidCharacters)
	}

	// Get actual character count (not byte count)
	length := utf8.RuneCountInString(s)

	if constraints.MinLength > 0 && length < constraints.MinLength {
		return "", fmt.Errorf("%w: got %d chars, need at least %d", ErrStringTooShort, length, constraints.MinLength)
	}
	if constraints.MaxLength > 0 && length > constraints.MaxLength {
		return "", fmt.Errorf("%w: got %d chars, maximum is %d", ErrStringTooLong, length, constraints.MaxLength)
	}

	for _, r := range s {
		if constraints.AllowNewlines && (r == '\n' || r == '\t' || r == '\r') {
			continue
		}
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: control character %U", ErrInvalidCharacters, r)
		}
	}

	if constraints.AllowedPattern != nil && !constraints.AllowedPattern.MatchString(s) {
		return "", fmt.Errorf("%w: does not match required pattern", ErrInvalidCharacters)
	}

	return s, nil
}

// Reason validates a cancellation reason: required, at most MaxReasonLength runes.
func Reason(reason string) (string, error) {
	return String(reason, StringConstraints{
		MinLength: 1,
		MaxLength: MaxReasonLength,
	})
}

// Notes validates verification notes: optional, multi-line, at most MaxNotesLength runes.
func Notes(notes string) (string, error) {
	return String(notes, StringConstraints{
		MaxLength:     MaxNotesLength,
		AllowEmpty:    true,
		AllowNewlines: true,
	})
}

// Reference validates an optional bank transfer reference.
func Reference(ref string) (string, error) {
	return String(ref, StringConstraints{
		MaxLength:      MaxReferenceLength,
		AllowedPattern: referencePattern,
		AllowEmpty:     true,
	})
}
