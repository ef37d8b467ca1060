package domain

import (
	"fmt"
	"regexp"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateID rejects identifiers that cannot address a document.
func ValidateID(kind, id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s %q: %w", kind, id, ErrInvalidID)
	}
	return nil
}

// ValidateKey checks both halves of a document key.
func ValidateKey(key DocumentKey) error {
	if err := ValidateID("test id", key.TestID); err != nil {
		return err
	}
	return ValidateID("team id", key.TeamID)
}
