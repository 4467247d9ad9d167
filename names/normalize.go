/*
Package names normalizes free-text names and resolves manager strings to users.

PURPOSE:
  Every subsystem that compares names (manager resolution, client and
  service upsert keys, alias tables) goes through Normalize. Using a
  different normalization anywhere silently breaks matching.

NORMALIZATION:
  1. NFD decomposition, combining marks removed ("é" -> "e")
  2. Every rune outside [A-Za-z0-9] and whitespace becomes a space
  3. Whitespace runs collapse to one space, ends trimmed
  4. Uppercase

  Normalize("José-Luís 123!!") == "JOSE LUIS 123"

MATCHING:
  Exact equality on normalized form only. Near misses are handled with
  explicit per-user aliases, never inferred.

SEE ALSO:
  - matcher.go: Matcher interface and ExactMatcher
  - aliases.go: Alias normalization and conflict detection
*/
package names

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize is total and idempotent: Normalize(Normalize(s)) == Normalize(s).
func Normalize(value string) string {
	stripped, _, err := transform.String(stripMarks(), value)
	if err != nil {
		stripped = value
	}

	var b strings.Builder
	b.Grow(len(stripped))
	for _, r := range stripped {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}

	return strings.ToUpper(strings.Join(strings.Fields(b.String()), " "))
}

// stripMarks builds a fresh transformer per call; transform.Chain is not
// safe for concurrent use.
func stripMarks() transform.Transformer {
	return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)))
}
