// Package embed provides embedding clients for the knowledge base
// service: a remote HTTP worker client, an LRU-cached decorator and a
// deterministic static embedder for tests.
package embed

import (
	"context"
	"math"
)

// Embedder generates dense vectors for texts.
type Embedder interface {
	// Embed generates the embedding for a single query text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch generates embeddings for multiple documents, preserving
	// input order. Empty texts yield zero vectors.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding dimension.
	Dimensions() int
	// ModelName returns the model identifier.
	ModelName() string
	// Close releases resources.
	Close() error
}

// normalizeVector normalizes a vector to unit length (L2 norm).
// Zero vectors pass through unchanged.
func normalizeVector(vec []float32) []float32 {
	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v) * float64(v)
	}
	if sumSquares == 0 {
		return vec
	}

	norm := float32(math.Sqrt(sumSquares))
	normalized := make([]float32, len(vec))
	for i, v := range vec {
		normalized[i] = v / norm
	}
	return normalized
}
