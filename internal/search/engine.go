package search

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kbserve/kbserve/internal/schema"
	"github.com/kbserve/kbserve/internal/vectorstore"
)

// EngineConfig controls fusion and the optional rerank stage.
type EngineConfig struct {
	// DenseWeight and SparseWeight are the RRF weights for the kNN and
	// BM25 rankings.
	DenseWeight  float64
	SparseWeight float64
	// RRFConstant is the smoothing parameter c.
	RRFConstant int
	// Reranker, when non-nil, rescores the fused list.
	Reranker Reranker
}

// Engine runs hybrid retrieval against one knowledge base's index.
type Engine struct {
	kb  vectorstore.VectorKB
	cfg EngineConfig
}

// NewEngine creates an engine over the knowledge base handle.
func NewEngine(kb vectorstore.VectorKB, cfg EngineConfig) *Engine {
	if cfg.DenseWeight == 0 && cfg.SparseWeight == 0 {
		cfg.DenseWeight = DefaultDenseWeight
		cfg.SparseWeight = DefaultSparseWeight
	}
	if cfg.RRFConstant <= 0 {
		cfg.RRFConstant = DefaultRRFConstant
	}
	return &Engine{kb: kb, cfg: cfg}
}

// Search returns the fused ranking for the query. scoreThreshold is
// accepted for callers that pre-filter; RRF scores are not comparable
// to raw similarities, so the hybrid path does not apply it.
func (e *Engine) Search(ctx context.Context, query string, topK int, scoreThreshold float64) ([]schema.ScoredDocument, error) {
	if strings.TrimSpace(query) == "" || topK <= 0 {
		return nil, nil
	}
	_ = scoreThreshold

	start := time.Now()
	knn, bm25, err := e.parallelSearch(ctx, query, topK)
	if err != nil {
		return nil, err
	}

	fused := WeightedReciprocalRank(
		[][]schema.ScoredDocument{knn, bm25},
		[]float64{e.cfg.DenseWeight, e.cfg.SparseWeight},
		e.cfg.RRFConstant,
	)

	if e.cfg.Reranker != nil {
		fused, err = e.cfg.Reranker.Rerank(ctx, query, fused)
		if err != nil {
			return nil, err
		}
	}

	slog.Debug("search_complete",
		slog.String("kb", e.kb.Name()),
		slog.Int("knn_hits", len(knn)),
		slog.Int("bm25_hits", len(bm25)),
		slog.Int("fused", len(fused)),
		slog.Duration("elapsed", time.Since(start)))
	return fused, nil
}

// parallelSearch runs the kNN and BM25 searches concurrently. One
// failing leg degrades to the other's results; both failing surfaces
// the joined error.
func (e *Engine) parallelSearch(ctx context.Context, query string, k int) (knn, bm25 []schema.ScoredDocument, err error) {
	g, gctx := errgroup.WithContext(ctx)

	var knnErr, bm25Err error
	g.Go(func() error {
		knn, knnErr = e.kb.KNNSearch(gctx, query, k)
		return nil
	})
	g.Go(func() error {
		bm25, bm25Err = e.kb.BM25Search(gctx, query, k)
		return nil
	})
	if waitErr := g.Wait(); waitErr != nil {
		return nil, nil, waitErr
	}

	if knnErr != nil && bm25Err != nil {
		return nil, nil, errors.Join(knnErr, bm25Err)
	}
	if knnErr != nil {
		slog.Warn("knn_search_failed",
			slog.String("kb", e.kb.Name()),
			slog.String("error", knnErr.Error()))
	}
	if bm25Err != nil {
		slog.Warn("bm25_search_failed",
			slog.String("kb", e.kb.Name()),
			slog.String("error", bm25Err.Error()))
	}
	return knn, bm25, nil
}
