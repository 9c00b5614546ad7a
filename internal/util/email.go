package util

import "strings"

// NormalizeEmail lower-cases and trims an address. Server and client code
// share it so lookups and form input agree.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
