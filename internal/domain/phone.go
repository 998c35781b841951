package domain

import "regexp"

var phonePattern = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)

// IsPhoneNumber reports whether s is an E.164 style number with an
// optional leading plus.
func IsPhoneNumber(s string) bool {
	return phonePattern.MatchString(s)
}
