// Package embed provides pluggable embedding providers for semantic
// similarity. Embeddings are generated off the write path by background
// workers; every consumer of this package must tolerate provider failure.
package embed

import (
	"context"
	"math"
)

// Provider generates embedding vectors from text.
type Provider interface {
	// Embed returns the embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the vector length this provider produces.
	Dimension() int
}

// Cosine computes cosine similarity between two vectors.
// Mismatched or empty vectors score zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
