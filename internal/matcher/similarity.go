package matcher

import (
	"github.com/texttheater/golang-levenshtein/levenshtein"

	"statement-ingest-service/internal/normalizer"
)

// Similarity returns the Levenshtein ratio of two normalized strings,
// (|a|+|b|-distance)/(|a|+|b|) with substitution cost 2, taken as the higher
// of the raw and token-sorted forms. Equal strings score 1, including two
// empty strings.
func Similarity(a, b string) float64 {
	return textSimilarity(newText(a), newText(b))
}

// text caches the comparison forms of one normalized string
type text struct {
	value  string
	raw    []rune
	sorted []rune // nil when token order is already sorted
}

func newText(s string) text {
	t := text{value: s, raw: []rune(s)}
	if sorted := normalizer.SortTokens(s); sorted != s {
		t.sorted = []rune(sorted)
	}
	return t
}

func (t text) sortedForm() []rune {
	if t.sorted != nil {
		return t.sorted
	}
	return t.raw
}

func textSimilarity(a, b text) float64 {
	if a.value == b.value {
		return 1
	}
	if len(a.raw) == 0 || len(b.raw) == 0 {
		return 0
	}

	best := levenshtein.RatioForStrings(a.raw, b.raw, levenshtein.DefaultOptions)
	if a.sorted != nil || b.sorted != nil {
		if r := levenshtein.RatioForStrings(a.sortedForm(), b.sortedForm(), levenshtein.DefaultOptions); r > best {
			best = r
		}
	}
	return best
}
