package market

import (
	"strings"
	"unicode"
)

var stopWords = map[string]struct{}{
	"will": {}, "the": {}, "be": {}, "to": {}, "in": {}, "on": {},
	"at": {}, "by": {}, "for": {}, "a": {}, "an": {},
}

// NormalizeTitle lowercases title, strips everything but word characters and
// whitespace, collapses whitespace and drops stop words.
func NormalizeTitle(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	for _, r := range strings.ToLower(title) {
		if r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	words := strings.Fields(b.String())
	kept := words[:0]
	for _, w := range words {
		if _, stop := stopWords[w]; !stop {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}
