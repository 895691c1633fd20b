// Package textx prepares documents for prompting: cleaning, whitespace
// normalisation and language-aware splitting.
package textx

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	lineBreakRun = regexp.MustCompile(`\s*\n\s*`)
	blankRun     = regexp.MustCompile(`[ \t]+`)
)

// SanitizeText drops control characters other than tab, newline and carriage
// return, byte order marks and invalid UTF-8, then trims surrounding space.
func SanitizeText(s string) string {
	s = strings.ToValidUTF8(s, "")
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return r
		case r == '\uFEFF' || unicode.IsControl(r):
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// NormalizeWhitespace collapses each run of whitespace that contains a line
// break into a single "\n" and every other run of spaces or tabs into one
// space.
func NormalizeWhitespace(s string) string {
	return blankRun.ReplaceAllString(lineBreakRun.ReplaceAllString(s, "\n"), " ")
}
