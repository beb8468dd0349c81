package util

import (
	"regexp"
)

var pairingCodeRegex = regexp.MustCompile(`^[0-9a-f]{32}$`)

// IsPairingCode reports whether s has the shape of a generated pairing code.
func IsPairingCode(s string) bool {
	return pairingCodeRegex.MatchString(s)
}
