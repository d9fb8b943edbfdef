package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kbserve/kbserve/internal/config"
	"github.com/kbserve/kbserve/internal/embed"
	kberrors "github.com/kbserve/kbserve/internal/errors"
	"github.com/kbserve/kbserve/internal/schema"
)

// Index field names. The analyzed text lives in "context", embeddings in
// "dense_vector"; heading metadata shares the text settings so BM25 can
// match section titles.
const (
	esFieldContext = "context"
	esFieldVector  = "dense_vector"
)

// ESDB is the Elasticsearch-compatible backend, vs_type "es".
type ESDB struct {
	cfg      config.ESConfig
	embedder embed.Embedder
	client   *http.Client
	baseURL  string
}

var _ VectorDB = (*ESDB)(nil)

// NewESDB creates the backend. The embedder supplies document and query
// vectors; its dimension must match the index mapping.
func NewESDB(cfg config.ESConfig, embedder embed.Embedder) *ESDB {
	if cfg.Deadline <= 0 {
		cfg.Deadline = 300 * time.Second
	}
	return &ESDB{
		cfg:      cfg,
		embedder: embedder,
		client:   &http.Client{},
		baseURL:  strings.TrimRight(cfg.URL, "/"),
	}
}

// Type implements VectorDB.
func (d *ESDB) Type() string { return "es" }

// indexName maps a knowledge base to its index. Elasticsearch index
// names must be lowercase, which also gives case-insensitive KB
// identity for free.
func indexName(kbName string) string {
	return strings.ToLower(kbName)
}

// ExistKB implements VectorDB.
func (d *ESDB) ExistKB(ctx context.Context, kbName string) (bool, error) {
	status, err := d.do(ctx, http.MethodHead, "/"+url.PathEscape(indexName(kbName)), nil, nil)
	if err != nil {
		return false, err
	}
	return status == http.StatusOK, nil
}

// CreateKB implements VectorDB.
func (d *ESDB) CreateKB(ctx context.Context, kbName string) (VectorKB, error) {
	exists, err := d.ExistKB(ctx, kbName)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := d.createIndex(ctx, indexName(kbName)); err != nil {
			return nil, err
		}
	}
	return &ESKB{db: d, kbName: kbName, index: indexName(kbName)}, nil
}

// GetKB implements VectorDB.
func (d *ESDB) GetKB(ctx context.Context, kbName string) (VectorKB, error) {
	exists, err := d.ExistKB(ctx, kbName)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return &ESKB{db: d, kbName: kbName, index: indexName(kbName)}, nil
}

// DeleteKB implements VectorDB.
func (d *ESDB) DeleteKB(ctx context.Context, kbName string) error {
	status, err := d.do(ctx, http.MethodDelete, "/"+url.PathEscape(indexName(kbName)), nil, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNotFound {
		return kberrors.Newf(kberrors.ErrCodeIndexRemote,
			"delete index %s: status %d", indexName(kbName), status)
	}
	return nil
}

// ClearKB implements VectorDB.
func (d *ESDB) ClearKB(ctx context.Context, kbName string) error {
	if err := d.DeleteKB(ctx, kbName); err != nil {
		return err
	}
	return d.createIndex(ctx, indexName(kbName))
}

// Close implements VectorDB.
func (d *ESDB) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

// createIndex creates the per-KB index with the BM25 and dense-vector
// mapping. The ik_smart tokenizer and the synonym dictionary must be
// installed on the cluster.
func (d *ESDB) createIndex(ctx context.Context, index string) error {
	shards := d.cfg.Shards
	if shards <= 0 {
		shards = 1
	}
	body := map[string]any{
		"settings": map[string]any{
			"number_of_shards":   shards,
			"number_of_replicas": d.cfg.Replicas,
			"analysis": map[string]any{
				"filter": map[string]any{
					"custom_synonyms_filter": map[string]any{
						"type":          "synonym",
						"synonyms_path": "synonym.dic",
					},
				},
				"analyzer": map[string]any{
					"custom_analyzer": map[string]any{
						"tokenizer": "ik_smart",
						"filter":    []string{"custom_synonyms_filter"},
					},
				},
			},
			"similarity": map[string]any{
				"custom_bm25": map[string]any{
					"type": "BM25",
					"k1":   2.0,
					"b":    0.75,
				},
			},
		},
		"mappings": map[string]any{
			"properties": map[string]any{
				esFieldContext: map[string]any{
					"type":       "text",
					"similarity": "custom_bm25",
					"analyzer":   "custom_analyzer",
				},
				esFieldVector: map[string]any{
					"type":       "dense_vector",
					"dims":       d.embedder.Dimensions(),
					"index":      true,
					"similarity": d.cfg.Similarity,
				},
				"metadata": map[string]any{
					"properties": map[string]any{
						"head1": map[string]any{
							"type":       "text",
							"similarity": "custom_bm25",
							"analyzer":   "custom_analyzer",
						},
						"head2": map[string]any{
							"type":       "text",
							"similarity": "custom_bm25",
							"analyzer":   "custom_analyzer",
						},
						"head3": map[string]any{
							"type":       "text",
							"similarity": "custom_bm25",
							"analyzer":   "custom_analyzer",
						},
						"source": map[string]any{
							"type": "text",
							"fields": map[string]any{
								"keyword": map[string]any{
									"type":         "keyword",
									"ignore_above": 256,
								},
							},
						},
					},
				},
			},
		},
	}

	status, err := d.do(ctx, http.MethodPut, "/"+url.PathEscape(index), body, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return kberrors.Newf(kberrors.ErrCodeIndexRemote,
			"create index %s: status %d", index, status)
	}
	return nil
}

// do performs one request with basic auth and the configured deadline.
// out, when non-nil, receives the decoded JSON response body.
func (d *ESDB) do(ctx context.Context, method, path string, body, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Deadline)
	defer cancel()

	var reader io.Reader
	contentType := "application/json"
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
		contentType = "application/x-ndjson"
	default:
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, kberrors.Wrap(kberrors.ErrCodeIndexRemote, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, reader)
	if err != nil {
		return 0, kberrors.Wrap(kberrors.ErrCodeIndexRemote, err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if d.cfg.User != "" {
		req.SetBasicAuth(d.cfg.User, d.cfg.Password)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, kberrors.Wrap(kberrors.ErrCodeIndexRemote, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if out != nil && resp.StatusCode < http.StatusMultipleChoices {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, kberrors.Wrap(kberrors.ErrCodeIndexRemote, err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}

// ESKB serves a single knowledge base's index.
type ESKB struct {
	db     *ESDB
	kbName string
	index  string
}

var _ VectorKB = (*ESKB)(nil)

// Name implements VectorKB.
func (kb *ESKB) Name() string { return kb.kbName }

// Close implements VectorKB. ES handles share the backend's client.
func (kb *ESKB) Close() error { return nil }

// esHit is one search or get-by-id hit.
type esHit struct {
	ID     string  `json:"_id"`
	Score  float64 `json:"_score"`
	Source struct {
		Context  string         `json:"context"`
		Metadata map[string]any `json:"metadata"`
	} `json:"_source"`
	Found bool `json:"found"`
}

// esSearchResponse is the subset of the _search response we consume.
type esSearchResponse struct {
	Hits struct {
		Hits []esHit `json:"hits"`
	} `json:"hits"`
}

// AddDocs implements VectorKB. Vectors are computed in one batch, rows
// are written through the bulk API and the minted ids come back from
// the bulk items in insertion order.
func (kb *ESKB) AddDocs(ctx context.Context, docs []schema.Document) ([]schema.DocInfo, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.PageContent
	}
	vectors, err := kb.db.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, doc := range docs {
		if err := enc.Encode(map[string]any{"index": map[string]any{}}); err != nil {
			return nil, kberrors.Wrap(kberrors.ErrCodeIndexRemote, err)
		}
		row := map[string]any{
			esFieldContext: doc.PageContent,
			esFieldVector:  vectors[i],
			"metadata":     doc.Metadata,
		}
		if err := enc.Encode(row); err != nil {
			return nil, kberrors.Wrap(kberrors.ErrCodeIndexRemote, err)
		}
	}

	var bulkResp struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
		} `json:"items"`
	}
	status, err := kb.db.do(ctx, http.MethodPost,
		"/"+url.PathEscape(kb.index)+"/_bulk?refresh=true", buf.Bytes(), &bulkResp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK || bulkResp.Errors {
		return nil, kberrors.Newf(kberrors.ErrCodeIndexRemote,
			"bulk insert into %s failed: status %d", kb.index, status)
	}

	infos := make([]schema.DocInfo, 0, len(docs))
	for i, item := range bulkResp.Items {
		for _, op := range item {
			infos = append(infos, schema.DocInfo{ID: op.ID, Metadata: docs[i].Metadata})
		}
	}

	// Read back by source: a write the index cannot find again must not
	// reach the catalog.
	source := docs[0].Source()
	hits, err := kb.searchBySource(ctx, source, 1)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, kberrors.Newf(kberrors.ErrCodeIndexIntegrity,
			"index %s returned no chunks for source %s after insert", kb.index, source)
	}
	return infos, nil
}

// searchBySource returns hits whose metadata.source equals source.
func (kb *ESKB) searchBySource(ctx context.Context, source string, size int) ([]esHit, error) {
	body := map[string]any{
		"query": map[string]any{
			"term": map[string]any{
				"metadata.source.keyword": source,
			},
		},
		"size": size,
	}
	var resp esSearchResponse
	status, err := kb.db.do(ctx, http.MethodPost,
		"/"+url.PathEscape(kb.index)+"/_search", body, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, kberrors.Newf(kberrors.ErrCodeIndexRemote,
			"search %s by source: status %d", kb.index, status)
	}
	return resp.Hits.Hits, nil
}

// DeleteDocs implements VectorKB.
func (kb *ESKB) DeleteDocs(ctx context.Context, source string) error {
	for {
		hits, err := kb.searchBySource(ctx, source, DeleteBatchSize)
		if err != nil {
			return err
		}
		if len(hits) == 0 {
			return nil
		}
		for _, hit := range hits {
			status, err := kb.db.do(ctx, http.MethodDelete,
				"/"+url.PathEscape(kb.index)+"/_doc/"+url.PathEscape(hit.ID)+"?refresh=true", nil, nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK && status != http.StatusNotFound {
				return kberrors.Newf(kberrors.ErrCodeIndexRemote,
					"delete doc %s from %s: status %d", hit.ID, kb.index, status)
			}
		}
		if len(hits) < DeleteBatchSize {
			return nil
		}
	}
}

// GetDocsByIDs implements VectorKB.
func (kb *ESKB) GetDocsByIDs(ctx context.Context, ids []string) ([]schema.ScoredDocument, error) {
	docs := make([]schema.ScoredDocument, 0, len(ids))
	for _, id := range ids {
		var hit esHit
		status, err := kb.db.do(ctx, http.MethodGet,
			"/"+url.PathEscape(kb.index)+"/_doc/"+url.PathEscape(id), nil, &hit)
		if err != nil {
			return nil, err
		}
		if status == http.StatusNotFound || !hit.Found {
			continue
		}
		if status != http.StatusOK {
			return nil, kberrors.Newf(kberrors.ErrCodeIndexRemote,
				"get doc %s from %s: status %d", id, kb.index, status)
		}
		docs = append(docs, hitToDocument(hit))
	}
	return docs, nil
}

// KNNSearch implements VectorKB.
func (kb *ESKB) KNNSearch(ctx context.Context, query string, k int) ([]schema.ScoredDocument, error) {
	if k <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	vector, err := kb.db.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	candidates := k * 4
	if candidates < 50 {
		candidates = 50
	}
	body := map[string]any{
		"knn": map[string]any{
			"field":          esFieldVector,
			"query_vector":   vector,
			"k":              k,
			"num_candidates": candidates,
		},
		"size": k,
	}
	return kb.search(ctx, body)
}

// BM25Search implements VectorKB. The multi_match most_fields query sums
// field scores so heading matches boost their section bodies.
func (kb *ESKB) BM25Search(ctx context.Context, query string, k int) ([]schema.ScoredDocument, error) {
	if k <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	body := map[string]any{
		"query": map[string]any{
			"multi_match": map[string]any{
				"query":  query,
				"type":   "most_fields",
				"fields": []string{esFieldContext, "metadata.head1", "metadata.head2", "metadata.head3"},
			},
		},
		"size": k,
	}
	return kb.search(ctx, body)
}

func (kb *ESKB) search(ctx context.Context, body map[string]any) ([]schema.ScoredDocument, error) {
	var resp esSearchResponse
	status, err := kb.db.do(ctx, http.MethodPost,
		"/"+url.PathEscape(kb.index)+"/_search", body, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, kberrors.Newf(kberrors.ErrCodeIndexRemote,
			"search %s: status %d", kb.index, status)
	}

	docs := make([]schema.ScoredDocument, 0, len(resp.Hits.Hits))
	for _, hit := range resp.Hits.Hits {
		docs = append(docs, hitToDocument(hit))
	}
	return docs, nil
}

// hitToDocument converts an ES hit, mirroring the minted id into the
// metadata so callers downstream of fusion can still recover it.
func hitToDocument(hit esHit) schema.ScoredDocument {
	meta := hit.Source.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	meta["id"] = hit.ID
	return schema.ScoredDocument{
		Document: schema.Document{
			PageContent: hit.Source.Context,
			Metadata:    meta,
		},
		ID:    hit.ID,
		Score: hit.Score,
	}
}
