package matcher

import (
	"strings"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"
	"github.com/xrash/smetrics"
)

// corpSuffixes are dropped from organizer names before comparison, so
// "Blue Owl Events LLC" and "Blue Owl Events" compare equal.
var corpSuffixes = map[string]struct{}{
	"inc":          {},
	"llc":          {},
	"ltd":          {},
	"corp":         {},
	"company":      {},
	"organization": {},
	"org":          {},
}

// normalizeText lowercases, strips punctuation and collapses whitespace.
func normalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	lastSpace := true

	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		case r >= 0x80:
			// Keep non-ASCII letters as-is; venue and title names are
			// frequently accented.
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}

	return strings.TrimSpace(b.String())
}

func normalizeOrganizer(s string) string {
	words := strings.Fields(normalizeText(s))
	out := words[:0]

	for _, w := range words {
		if _, ok := corpSuffixes[w]; ok {
			continue
		}

		out = append(out, w)
	}

	return strings.Join(out, " ")
}

// jaroWinkler guards the library call against empty inputs: a missing field
// contributes zero similarity rather than a spurious perfect score.
func jaroWinkler(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}

	return smetrics.JaroWinkler(a, b, 0.7, 4)
}

// titleSimilarity blends token-set ratio with Jaro-Winkler over normalized
// titles. The token-set component is order- and subset-insensitive, which
// handles "Jazz Night at Blue Owl" vs "Blue Owl Jazz Night"; Jaro-Winkler
// rewards shared prefixes.
func titleSimilarity(a, b string) float64 {
	na, nb := normalizeText(a), normalizeText(b)
	if na == "" || nb == "" {
		return 0
	}

	tokenSet := float64(fuzzy.TokenSetRatio(na, nb)) / 100.0

	return 0.6*tokenSet + 0.4*jaroWinkler(na, nb)
}

func organizerSimilarity(a, b string) float64 {
	return jaroWinkler(normalizeOrganizer(a), normalizeOrganizer(b))
}

func venueNameSimilarity(a, b string) float64 {
	return jaroWinkler(normalizeText(a), normalizeText(b))
}

func citySimilarity(a, b string) float64 {
	return jaroWinkler(normalizeText(a), normalizeText(b))
}
