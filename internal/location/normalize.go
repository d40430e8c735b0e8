package location

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/JakeFAU/procurement-enricher/internal/enrich"
)

// Fold normalizes a place name for comparison: accents removed, lower case,
// punctuation turned into spaces and whitespace collapsed.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)
	folded = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, folded)
	return strings.Join(strings.Fields(folded), " ")
}

var placeholders = map[string]struct{}{
	"":                {},
	"por determinar":  {},
	"no especificado": {},
	"no especifica":   {},
	"sin especificar": {},
	"no definido":     {},
	"desconocido":     {},
	"n a":             {},
	"na":              {},
	"nd":              {},
	"n d":             {},
	"s n":             {},
	"ninguno":         {},
	"null":            {},
	"none":            {},
}

// Placeholders returns the folded placeholder spellings, sorted.
func Placeholders() []string {
	out := make([]string, 0, len(placeholders))
	for p := range placeholders {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// MatchesKeywords reports whether the record's description or entity
// contains any of the folded keywords. No keywords matches everything.
func MatchesKeywords(rec enrich.Record, folded []string) bool {
	if len(folded) == 0 {
		return true
	}
	text := Fold(rec.Description + " " + rec.Entity)
	for _, kw := range folded {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// FoldKeywords folds keywords and drops the empty ones.
func FoldKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if folded := Fold(kw); folded != "" {
			out = append(out, folded)
		}
	}
	return out
}

// Placeholder reports whether value carries no real location, e.g.
// "Por Determinar", "No especificado", "N/A" or "-".
func Placeholder(value string) bool {
	_, ok := placeholders[Fold(value)]
	return ok
}

// clean returns value, or "" when it is a placeholder.
func clean(value string) string {
	if Placeholder(value) {
		return ""
	}
	return strings.TrimSpace(value)
}
