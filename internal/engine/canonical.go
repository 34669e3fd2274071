package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// NormalizeContent lowercases the claim text, strips punctuation, and
// collapses runs of whitespace, so that restatements differing only in
// case, punctuation, or spacing normalize identically.
func NormalizeContent(content string) string {
	var b strings.Builder
	b.Grow(len(content))

	lastSpace := true
	for _, r := range strings.ToLower(content) {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}

	return strings.TrimSpace(b.String())
}

// NormalizeTokens returns the normalized content split into tokens.
func NormalizeTokens(content string) []string {
	return strings.Fields(NormalizeContent(content))
}

// CanonicalKey derives the stable identity key for a claim: the SHA-256 hex
// digest of the normalized content. Deterministic and side-effect-free; the
// engine backfills it when a caller omits one, so dedup is never skippable
// by omission.
func CanonicalKey(content string) string {
	sum := sha256.Sum256([]byte(NormalizeContent(content)))
	return hex.EncodeToString(sum[:])
}
