package util

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	reFormatting     = regexp.MustCompile(`(?i)\[c=(?:[0-9a-f]{6}|[0-9a-f]{3}|[0-9a-f])\]|\[[iub]\]`)
	reNameDisallowed = regexp.MustCompile(`[^a-z0-9\-_]`)
	reTrailingDigits = regexp.MustCompile(`\d{1,3}$`)
	reSpaces         = regexp.MustCompile(` {2,}`)
)

// StripDiacritics maps accented letters to their base form ("é" -> "e").
func StripDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// CleanPlayerName produces the search key stored next to a player's
// display name. In-game color and style codes are dropped, so are up to
// three trailing digits.
func CleanPlayerName(name string) string {
	name = strings.ToLower(name)
	name = StripDiacritics(name)
	name = reFormatting.ReplaceAllString(name, "")
	name = reNameDisallowed.ReplaceAllString(name, " ")
	name = reTrailingDigits.ReplaceAllString(name, " ")
	name = reSpaces.ReplaceAllString(name, " ")
	return strings.TrimSpace(name)
}
