package engine

import "sort"

// maxSuggestedKeywords bounds the keywords one tagging pass contributes.
const maxSuggestedKeywords = 5

// stopwords excluded from keyword suggestion. Deliberately small; the tagger
// is a cheap lexical pass, not language understanding.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true,
	"has": true, "have": true, "he": true, "her": true, "his": true,
	"in": true, "is": true, "it": true, "its": true, "of": true, "on": true,
	"or": true, "she": true, "that": true, "the": true, "their": true,
	"they": true, "this": true, "to": true, "was": true, "were": true,
	"with": true, "will": true, "would": true, "you": true, "your": true,
}

// SuggestKeywords extracts up to limit candidate keywords from claim text by
// token frequency, longest-first on ties. Tokens shorter than four
// characters and stopwords are skipped.
func SuggestKeywords(content string, limit int) []string {
	if limit <= 0 {
		limit = maxSuggestedKeywords
	}

	counts := make(map[string]int)
	for _, tok := range NormalizeTokens(content) {
		if len(tok) < 4 || stopwords[tok] {
			continue
		}
		counts[tok]++
	}
	if len(counts) == 0 {
		return nil
	}

	candidates := make([]string, 0, len(counts))
	for tok := range counts {
		candidates = append(candidates, tok)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if counts[candidates[i]] != counts[candidates[j]] {
			return counts[candidates[i]] > counts[candidates[j]]
		}
		if len(candidates[i]) != len(candidates[j]) {
			return len(candidates[i]) > len(candidates[j])
		}
		return candidates[i] < candidates[j]
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	sort.Strings(candidates)
	return candidates
}
