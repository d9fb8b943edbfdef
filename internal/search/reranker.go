package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	kberrors "github.com/kbserve/kbserve/internal/errors"
	"github.com/kbserve/kbserve/internal/schema"
)

// Reranker rescoring is the final pruning stage: raw similarity
// magnitudes differ between embedding models, so the wide pre-fusion
// threshold is tightened here by the cross-encoder cutoff.
type Reranker interface {
	// Rerank scores docs against the query, attaches
	// metadata.relevance_score, drops scores at or below the cutoff and
	// truncates to the configured top n.
	Rerank(ctx context.Context, query string, docs []schema.ScoredDocument) ([]schema.ScoredDocument, error)
	// Close releases resources.
	Close() error
}

// RemoteRerankerConfig configures the reranker worker client.
type RemoteRerankerConfig struct {
	// BaseURL is the worker endpoint, e.g. http://127.0.0.1:21002.
	BaseURL string
	// TopN caps the reranked list.
	TopN int
	// ScoreMin drops documents scoring at or below it.
	ScoreMin float64
	// Timeout bounds each HTTP attempt.
	Timeout time.Duration
}

// RemoteReranker calls the cross-encoder worker:
//
//	POST {base}/worker_compute_score_by_query  {query, texts} -> [f, ...]
type RemoteReranker struct {
	cfg    RemoteRerankerConfig
	client *http.Client
}

var _ Reranker = (*RemoteReranker)(nil)

// NewRemoteReranker creates a worker client.
func NewRemoteReranker(cfg RemoteRerankerConfig) *RemoteReranker {
	if cfg.TopN <= 0 {
		cfg.TopN = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &RemoteReranker{cfg: cfg, client: &http.Client{}}
}

// Rerank implements Reranker.
func (r *RemoteReranker) Rerank(ctx context.Context, query string, docs []schema.ScoredDocument) ([]schema.ScoredDocument, error) {
	if len(docs) == 0 {
		return docs, nil
	}

	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.PageContent
	}

	scores, err := r.computeScores(ctx, query, texts)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(docs) {
		return nil, kberrors.Newf(kberrors.ErrCodeRerankRemote,
			"worker returned %d scores for %d documents", len(scores), len(docs))
	}

	ranked := make([]schema.ScoredDocument, len(docs))
	for i, doc := range docs {
		doc = schema.ScoredDocument{Document: doc.Document.Copy(), ID: doc.ID, Score: doc.Score}
		doc.Metadata["relevance_score"] = scores[i]
		ranked[i] = doc
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Metadata["relevance_score"].(float64) > ranked[j].Metadata["relevance_score"].(float64)
	})

	kept := ranked[:0]
	for _, doc := range ranked {
		if doc.Metadata["relevance_score"].(float64) > r.cfg.ScoreMin {
			kept = append(kept, doc)
		}
	}
	if len(kept) > r.cfg.TopN {
		kept = kept[:r.cfg.TopN]
	}
	return kept, nil
}

func (r *RemoteReranker) computeScores(ctx context.Context, query string, texts []string) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{"query": query, "texts": texts})
	if err != nil {
		return nil, kberrors.Wrap(kberrors.ErrCodeRerankRemote, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.cfg.BaseURL+"/worker_compute_score_by_query", bytes.NewReader(body))
	if err != nil {
		return nil, kberrors.Wrap(kberrors.ErrCodeRerankRemote, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.ErrCodeRerankRemote, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, kberrors.Wrap(kberrors.ErrCodeRerankRemote,
			fmt.Errorf("worker returned status %d: %s", resp.StatusCode, string(raw)))
	}

	var scores []float64
	if err := json.NewDecoder(resp.Body).Decode(&scores); err != nil {
		return nil, kberrors.Wrap(kberrors.ErrCodeRerankRemote, err)
	}
	return scores, nil
}

// Close implements Reranker.
func (r *RemoteReranker) Close() error {
	r.client.CloseIdleConnections()
	return nil
}
