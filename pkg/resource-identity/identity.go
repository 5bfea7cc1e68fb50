// Package resourceid derives the resource identity of a captured request.
// Two entries share an identity when their request URLs are equal ignoring case
// and surrounding whitespace.
package resourceid

import "strings"

// Normalize returns the comparable form of a request URL.
func Normalize(url string) string {
	return strings.ToLower(strings.TrimSpace(url))
}

// Equal reports whether two request URLs identify the same resource.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}
