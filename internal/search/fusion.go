// Package search implements hybrid retrieval: dense kNN and BM25 run in
// parallel, their rankings are fused with weighted Reciprocal Rank
// Fusion, and an optional cross-encoder reranks the fused list.
package search

import (
	"sort"

	"github.com/kbserve/kbserve/internal/schema"
)

// DefaultRRFConstant is the standard RRF smoothing parameter; k=60 is
// empirically validated across domains.
const DefaultRRFConstant = 60

// Default fusion weights for the kNN and BM25 rankings.
const (
	DefaultDenseWeight  = 0.5
	DefaultSparseWeight = 0.5
)

// WeightedReciprocalRank fuses ranked lists into one ordering.
//
// Each document contributes weight_i / (rank_i + c) per list it appears
// in, with rank starting at 1; a list not containing the document
// contributes nothing. Documents are keyed by page content, so the same
// chunk surfacing from both searches merges into one entry. Ties keep
// the insertion order of the first list containing the document, which
// makes the fusion deterministic regardless of which search finished
// first.
func WeightedReciprocalRank(lists [][]schema.ScoredDocument, weights []float64, c int) []schema.ScoredDocument {
	if c <= 0 {
		c = DefaultRRFConstant
	}
	if len(weights) != len(lists) {
		w := make([]float64, len(lists))
		for i := range w {
			w[i] = 1.0 / float64(len(lists))
		}
		weights = w
	}

	type fused struct {
		doc   schema.ScoredDocument
		score float64
	}
	index := map[string]int{} // page content -> position in union
	var union []*fused

	for li, list := range lists {
		for rank, doc := range list {
			pos, ok := index[doc.PageContent]
			if !ok {
				pos = len(union)
				index[doc.PageContent] = pos
				union = append(union, &fused{doc: doc})
			}
			union[pos].score += weights[li] * (1.0 / float64(rank+1+c))
		}
	}

	sort.SliceStable(union, func(i, j int) bool {
		return union[i].score > union[j].score
	})

	out := make([]schema.ScoredDocument, len(union))
	for i, f := range union {
		f.doc.Score = f.score
		out[i] = f.doc
	}
	return out
}
