package utils

import (
	"fmt"
	"regexp"
)

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidateID checks that the given identifier is safe to use as a directory
// name and as a path segment in the control protocol.
func ValidateID(id string) error {
	if len(id) > 63 {
		return fmt.Errorf("identifier is longer than 63 characters")
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("identifier must consist of lowercase letters, digits, '-', and '_', and must not start with a separator")
	}
	return nil
}

func PointerTo[T any](v T) *T {
	return &v
}
