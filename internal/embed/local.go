package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// LocalProvider is a deterministic, dependency-free embedder that hashes
// token n-grams into a fixed-size vector. The vectors are not semantically
// meaningful in the way a learned model's are, but textually similar claims
// land close together, which is enough for offline operation and for tests.
type LocalProvider struct {
	dimension int
}

// NewLocalProvider creates a hash-based embedder with the given dimension
// (default 256 when zero).
func NewLocalProvider(dimension int) *LocalProvider {
	if dimension <= 0 {
		dimension = 256
	}
	return &LocalProvider{dimension: dimension}
}

// Embed hashes tokens and their bigrams into buckets and L2-normalizes the
// result. Never fails.
func (p *LocalProvider) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, p.dimension)
	tokens := tokenize(text)

	for i, tok := range tokens {
		vec[bucket(tok, p.dimension)] += 1.0
		if i+1 < len(tokens) {
			vec[bucket(tok+" "+tokens[i+1], p.dimension)] += 0.5
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1.0 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}

	return vec, nil
}

// Dimension returns the configured vector length.
func (p *LocalProvider) Dimension() int {
	return p.dimension
}

func bucket(s string, dimension int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(dimension))
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
