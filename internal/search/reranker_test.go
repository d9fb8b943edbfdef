package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kberrors "github.com/kbserve/kbserve/internal/errors"
	"github.com/kbserve/kbserve/internal/schema"
)

func newRerankWorker(t *testing.T, scores map[string]float64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/worker_compute_score_by_query", r.URL.Path)

		var req struct {
			Query string   `json:"query"`
			Texts []string `json:"texts"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		out := make([]float64, len(req.Texts))
		for i, text := range req.Texts {
			out[i] = scores[text]
		}
		require.NoError(t, json.NewEncoder(w).Encode(out))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRemoteRerankerOrdersFiltersTruncates(t *testing.T) {
	srv := newRerankWorker(t, map[string]float64{
		"best": 0.95, "good": 0.8, "weak": 0.5, "fine": 0.75,
	})
	rr := NewRemoteReranker(RemoteRerankerConfig{
		BaseURL: srv.URL, TopN: 2, ScoreMin: 0.7,
	})
	defer func() { _ = rr.Close() }()

	docs := []schema.ScoredDocument{
		doc("weak", 0.1), doc("good", 0.2), doc("best", 0.3), doc("fine", 0.4),
	}
	ranked, err := rr.Rerank(context.Background(), "q", docs)
	require.NoError(t, err)

	// weak drops below the cutoff, fine falls to the top_n cap.
	require.Len(t, ranked, 2)
	assert.Equal(t, "best", ranked[0].PageContent)
	assert.Equal(t, "good", ranked[1].PageContent)
	assert.Equal(t, 0.95, ranked[0].Metadata["relevance_score"])
}

func TestRemoteRerankerDoesNotMutateInput(t *testing.T) {
	srv := newRerankWorker(t, map[string]float64{"a": 0.9})
	rr := NewRemoteReranker(RemoteRerankerConfig{BaseURL: srv.URL, TopN: 3, ScoreMin: 0})

	in := []schema.ScoredDocument{doc("a", 0.5)}
	_, err := rr.Rerank(context.Background(), "q", in)
	require.NoError(t, err)
	_, tainted := in[0].Metadata["relevance_score"]
	assert.False(t, tainted)
}

func TestRemoteRerankerEmptyInput(t *testing.T) {
	rr := NewRemoteReranker(RemoteRerankerConfig{BaseURL: "http://127.0.0.1:0"})
	out, err := rr.Rerank(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRemoteRerankerWorkerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	rr := NewRemoteReranker(RemoteRerankerConfig{BaseURL: srv.URL})
	_, err := rr.Rerank(context.Background(), "q", []schema.ScoredDocument{doc("a", 1)})
	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeRerankRemote, kberrors.GetCode(err))
	assert.True(t, kberrors.IsRetryable(err))
}
