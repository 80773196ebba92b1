package resolver

import (
	"fmt"
	"strings"
)

// Matcher computes a distance between a raw mention and a candidate string.
// Lower is closer; 0 means identical. The resolver accepts the best
// candidate only when its distance is strictly below the configured
// threshold, so the algorithm can be swapped without touching the
// resolution control flow.
type Matcher interface {
	Name() string
	Distance(a, b string) int
}

// NewMatcher returns the matcher for a configured algorithm name.
func NewMatcher(algorithm string) (Matcher, error) {
	switch algorithm {
	case "levenshtein":
		return Levenshtein{}, nil
	case "token-set":
		return TokenSet{}, nil
	default:
		return nil, fmt.Errorf("unknown similarity algorithm: %q", algorithm)
	}
}

// Levenshtein computes the classic case-insensitive edit distance.
type Levenshtein struct{}

// Name implements Matcher.
func (Levenshtein) Name() string { return "levenshtein" }

// Distance implements Matcher using two-row dynamic programming.
func (Levenshtein) Distance(a, b string) int {
	ra := []rune(strings.ToLower(a))
	rb := []rune(strings.ToLower(b))
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min3(
				prev[j]+1,      // deletion
				cur[j-1]+1,     // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

// TokenSet measures distance as the size of the symmetric difference of the
// lowercased token sets. "Lazarus Group" vs "group lazarus" is distance 0.
type TokenSet struct{}

// Name implements Matcher.
func (TokenSet) Name() string { return "token-set" }

// Distance implements Matcher.
func (TokenSet) Distance(a, b string) int {
	sa := tokenSet(a)
	sb := tokenSet(b)

	diff := 0
	for tok := range sa {
		if !sb[tok] {
			diff++
		}
	}
	for tok := range sb {
		if !sa[tok] {
			diff++
		}
	}
	return diff
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		out[tok] = true
	}
	return out
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
