// Package similarity scores text similarity between market titles and
// descriptions so near-duplicate markets can be rejected at creation time.
//
// The score is the Jaccard index over word sets: both strings are
// lowercased, stripped of punctuation, and split on whitespace; the score
// is |intersection| / |union| in [0, 1].
package similarity

import (
	"regexp"
	"strings"
)

// Threshold above which two markets are considered duplicates.
const Threshold = 0.6

// punctuation matches everything that is neither a word character nor
// whitespace, mirroring \w-based tokenization.
var punctuation = regexp.MustCompile(`[^a-z0-9_\s]+`)

// tokenize lowercases s, strips punctuation, and returns the set of words.
func tokenize(s string) map[string]struct{} {
	clean := punctuation.ReplaceAllString(strings.ToLower(s), "")
	set := make(map[string]struct{})
	for _, w := range strings.Fields(clean) {
		set[w] = struct{}{}
	}
	return set
}

// Score returns the Jaccard similarity of a and b in [0, 1]. Two strings
// with no tokens at all (empty or punctuation-only) are treated as
// identical and score 1.
func Score(a, b string) float64 {
	setA := tokenize(a)
	setB := tokenize(b)

	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}

	intersection := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection

	return float64(intersection) / float64(union)
}

// TooSimilar reports whether either the titles or the descriptions of two
// markets exceed the duplicate threshold.
func TooSimilar(titleA, descA, titleB, descB string) bool {
	return Score(titleA, titleB) > Threshold || Score(descA, descB) > Threshold
}
