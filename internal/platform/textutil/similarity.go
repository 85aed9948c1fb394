package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize lowers the string into matching form: diacritics folded to their
// base letters, camelCase boundaries and punctuation collapsed to single
// spaces, surrounding whitespace trimmed.
func Normalize(value string) string {
	folded := foldDiacritics(value)

	var builder strings.Builder
	builder.Grow(len(folded))
	prev := rune(0)
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r):
			if unicode.IsUpper(r) && (unicode.IsLower(prev) || unicode.IsDigit(prev)) {
				builder.WriteByte(' ')
			}
			builder.WriteRune(unicode.ToLower(r))
		case unicode.IsDigit(r):
			builder.WriteRune(r)
		default:
			builder.WriteByte(' ')
		}
		prev = r
	}

	return strings.Join(strings.Fields(builder.String()), " ")
}

// Tokenize splits the normalized form into its space-separated tokens.
func Tokenize(value string) []string {
	normalized := Normalize(value)
	if normalized == "" {
		return nil
	}
	return strings.Split(normalized, " ")
}

// EditDistance computes the insert/delete edit distance between two strings,
// counting a substitution as one deletion plus one insertion.
func EditDistance(a, b string) int {
	left := []rune(a)
	right := []rune(b)
	if len(left) == 0 {
		return len(right)
	}
	if len(right) == 0 {
		return len(left)
	}

	prev := make([]int, len(right)+1)
	curr := make([]int, len(right)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(left); i++ {
		curr[0] = i
		for j := 1; j <= len(right); j++ {
			if left[i-1] == right[j-1] {
				curr[j] = prev[j-1]
				continue
			}
			cost := curr[j-1]
			if prev[j] < cost {
				cost = prev[j]
			}
			curr[j] = cost + 1
		}
		prev, curr = curr, prev
	}

	return prev[len(right)]
}

// EditSimilarity scores two strings by edit distance over their normalized
// forms, scaled into [0,1]. The distance can exceed the longer length, so the
// ratio is clamped at zero.
func EditSimilarity(a, b string) float64 {
	return editSimilarityNormalized(Normalize(a), Normalize(b))
}

// TokenOverlap scores the shared-token ratio of two strings: the number of
// distinct tokens in common divided by the larger distinct token count.
func TokenOverlap(a, b string) float64 {
	return tokenOverlapSets(tokenSet(Tokenize(a)), tokenSet(Tokenize(b)))
}

// Similarity combines edit similarity and token overlap, keeping the stronger
// signal. Empty strings score zero against anything but another empty string.
func Similarity(a, b string) float64 {
	na := Normalize(a)
	nb := Normalize(b)
	if na == "" && nb == "" {
		return 1
	}
	if na == "" || nb == "" {
		return 0
	}

	edit := editSimilarityNormalized(na, nb)
	overlap := tokenOverlapSets(tokenSet(strings.Split(na, " ")), tokenSet(strings.Split(nb, " ")))
	if overlap > edit {
		return overlap
	}
	return edit
}

func editSimilarityNormalized(na, nb string) float64 {
	if na == "" && nb == "" {
		return 1
	}
	if na == "" || nb == "" {
		return 0
	}

	longest := len([]rune(na))
	if l := len([]rune(nb)); l > longest {
		longest = l
	}

	ratio := 1 - float64(EditDistance(na, nb))/float64(longest)
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}

func tokenSet(tokens []string) map[string]struct{} {
	if len(tokens) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		if token == "" {
			continue
		}
		set[token] = struct{}{}
	}
	return set
}

func tokenOverlapSets(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	shared := 0
	for token := range a {
		if _, ok := b[token]; ok {
			shared++
		}
	}

	larger := len(a)
	if len(b) > larger {
		larger = len(b)
	}
	return float64(shared) / float64(larger)
}

func foldDiacritics(value string) string {
	ascii := true
	for i := 0; i < len(value); i++ {
		if value[i] >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return value
	}

	// The transformer chain keeps internal state, so build it per call.
	chain := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(chain, value)
	if err != nil {
		return value
	}
	return folded
}
