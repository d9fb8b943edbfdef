package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbserve/kbserve/internal/schema"
)

func doc(content string, score float64) schema.ScoredDocument {
	d := schema.NewDocument(content)
	return schema.ScoredDocument{Document: d, Score: score}
}

func contents(docs []schema.ScoredDocument) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.PageContent
	}
	return out
}

func TestWeightedReciprocalRankMergesByContent(t *testing.T) {
	knn := []schema.ScoredDocument{doc("a", 0.9), doc("b", 0.8)}
	bm25 := []schema.ScoredDocument{doc("b", 12.0), doc("c", 6.0)}

	fused := WeightedReciprocalRank(
		[][]schema.ScoredDocument{knn, bm25},
		[]float64{0.5, 0.5}, 60)

	require.Len(t, fused, 3)
	// "b" appears in both lists: 0.5/(2+60) + 0.5/(1+60), the highest sum.
	assert.Equal(t, "b", fused[0].PageContent)

	bScore := 0.5/62.0 + 0.5/61.0
	assert.InDelta(t, bScore, fused[0].Score, 1e-12)
}

func TestWeightedReciprocalRankDeterministicOrder(t *testing.T) {
	knn := []schema.ScoredDocument{doc("x", 0.9), doc("y", 0.5)}
	bm25 := []schema.ScoredDocument{doc("z", 3.0), doc("w", 2.0)}

	first := WeightedReciprocalRank([][]schema.ScoredDocument{knn, bm25}, []float64{0.5, 0.5}, 60)
	for i := 0; i < 10; i++ {
		again := WeightedReciprocalRank([][]schema.ScoredDocument{knn, bm25}, []float64{0.5, 0.5}, 60)
		assert.Equal(t, contents(first), contents(again))
	}

	// Equal-rank, equal-weight entries tie; insertion order of the
	// first list containing them breaks the tie.
	assert.Equal(t, []string{"x", "z", "y", "w"}, contents(first))
}

func TestWeightedReciprocalRankWeights(t *testing.T) {
	knn := []schema.ScoredDocument{doc("dense", 0.9)}
	bm25 := []schema.ScoredDocument{doc("sparse", 9.0)}

	fused := WeightedReciprocalRank([][]schema.ScoredDocument{knn, bm25}, []float64{0.9, 0.1}, 60)
	require.Len(t, fused, 2)
	assert.Equal(t, "dense", fused[0].PageContent)

	fused = WeightedReciprocalRank([][]schema.ScoredDocument{knn, bm25}, []float64{0.1, 0.9}, 60)
	assert.Equal(t, "sparse", fused[0].PageContent)
}

func TestWeightedReciprocalRankEmptyLists(t *testing.T) {
	fused := WeightedReciprocalRank(nil, nil, 60)
	assert.Empty(t, fused)

	one := []schema.ScoredDocument{doc("only", 1.0)}
	fused = WeightedReciprocalRank([][]schema.ScoredDocument{one, nil}, []float64{0.5, 0.5}, 60)
	require.Len(t, fused, 1)
	assert.Equal(t, "only", fused[0].PageContent)
}

func TestWeightedReciprocalRankMismatchedWeightsFallBack(t *testing.T) {
	knn := []schema.ScoredDocument{doc("a", 0.9)}
	bm25 := []schema.ScoredDocument{doc("b", 2.0)}

	// Wrong weight count falls back to uniform weights.
	fused := WeightedReciprocalRank([][]schema.ScoredDocument{knn, bm25}, []float64{1.0}, 60)
	require.Len(t, fused, 2)
	assert.InDelta(t, fused[0].Score, fused[1].Score, 1e-12)
}
