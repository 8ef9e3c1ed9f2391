package policy

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizeName folds a tool or method name to the form rules are matched
// against: NFKC, lower case, trimmed, with control and zero-width characters
// removed. Fullwidth "ｗｒｉｔｅ" becomes "write".
func NormalizeName(s string) string {
	s = strings.ToLower(norm.NFKC.String(s))
	s = strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) && !unicode.IsControl(r) {
			return r
		}
		return -1
	}, s)
	return strings.TrimSpace(s)
}

// NormalizeCommand applies NFKC to a command line and drops invisible
// characters while keeping case, tabs and newlines, which are meaningful to
// the shell.
func NormalizeCommand(s string) string {
	s = norm.NFKC.String(s)
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case unicode.IsPrint(r) && !unicode.IsControl(r):
			return r
		case unicode.IsSpace(r):
			return ' '
		}
		return -1
	}, s)
}
