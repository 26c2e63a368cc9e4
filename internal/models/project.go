package models

import (
	"regexp"
)

var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateProjectID checks that id names a single directory below the
// projects root.
func ValidateProjectID(id string) error {
	if !projectIDPattern.MatchString(id) {
		return Errorf(ReasonInvalidProject, "", "invalid project id %q", id)
	}
	return nil
}
