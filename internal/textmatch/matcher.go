// Package textmatch decides whether OCR output matches the intended text.
package textmatch

import "strings"

// Normalize lowercases s, collapses every whitespace run to a single space
// and trims the result.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Matches reports whether recognized equals intended after normalization.
// There is no partial credit: the comparison is exact.
func Matches(recognized, intended string) bool {
	return Normalize(recognized) == Normalize(intended)
}
