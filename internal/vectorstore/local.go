package vectorstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/lang/cjk"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/coder/hnsw"
	"github.com/google/uuid"

	"github.com/kbserve/kbserve/internal/embed"
	kberrors "github.com/kbserve/kbserve/internal/errors"
	"github.com/kbserve/kbserve/internal/schema"
)

// On-disk layout of one local knowledge base index, under
// <root>/<kb_name>/vector_store/.
const (
	localBM25Dir   = "bm25"
	localGraphFile = "vectors.hnsw"
	localStateFile = "state.json"
)

// LocalDB is the embedded backend, vs_type "local". BM25 runs on bleve,
// kNN on an HNSW graph, both persisted next to the knowledge base's
// content directory. It exists so the service can run without an
// Elasticsearch cluster, and it is what the tests exercise.
type LocalDB struct {
	root     string
	embedder embed.Embedder

	mu  sync.Mutex
	kbs map[string]*LocalKB // keyed by lowercase kb name
}

var _ VectorDB = (*LocalDB)(nil)

// NewLocalDB creates the backend rooted at the knowledge base root.
func NewLocalDB(root string, embedder embed.Embedder) *LocalDB {
	return &LocalDB{root: root, embedder: embedder, kbs: map[string]*LocalKB{}}
}

// Type implements VectorDB.
func (d *LocalDB) Type() string { return "local" }

func (d *LocalDB) kbDir(kbName string) string {
	return filepath.Join(d.root, kbName, "vector_store")
}

// ExistKB implements VectorDB.
func (d *LocalDB) ExistKB(ctx context.Context, kbName string) (bool, error) {
	d.mu.Lock()
	_, cached := d.kbs[strings.ToLower(kbName)]
	d.mu.Unlock()
	if cached {
		return true, nil
	}
	info, err := os.Stat(d.kbDir(kbName))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, kberrors.Wrap(kberrors.ErrCodeIndexRemote, err)
	}
	return info.IsDir(), nil
}

// CreateKB implements VectorDB.
func (d *LocalDB) CreateKB(ctx context.Context, kbName string) (VectorKB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := strings.ToLower(kbName)
	if kb, ok := d.kbs[key]; ok {
		return kb, nil
	}
	kb, err := openLocalKB(d.kbDir(kbName), kbName, d.embedder)
	if err != nil {
		return nil, err
	}
	d.kbs[key] = kb
	return kb, nil
}

// GetKB implements VectorDB.
func (d *LocalDB) GetKB(ctx context.Context, kbName string) (VectorKB, error) {
	exists, err := d.ExistKB(ctx, kbName)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return d.CreateKB(ctx, kbName)
}

// DeleteKB implements VectorDB.
func (d *LocalDB) DeleteKB(ctx context.Context, kbName string) error {
	d.mu.Lock()
	key := strings.ToLower(kbName)
	if kb, ok := d.kbs[key]; ok {
		_ = kb.Close()
		delete(d.kbs, key)
	}
	d.mu.Unlock()

	if err := os.RemoveAll(d.kbDir(kbName)); err != nil {
		return kberrors.Wrap(kberrors.ErrCodeIndexRemote, err)
	}
	return nil
}

// ClearKB implements VectorDB.
func (d *LocalDB) ClearKB(ctx context.Context, kbName string) error {
	if err := d.DeleteKB(ctx, kbName); err != nil {
		return err
	}
	_, err := d.CreateKB(ctx, kbName)
	return err
}

// Close implements VectorDB.
func (d *LocalDB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var first error
	for key, kb := range d.kbs {
		if err := kb.Close(); err != nil && first == nil {
			first = err
		}
		delete(d.kbs, key)
	}
	return first
}

// storedChunk is the persisted form of one chunk.
type storedChunk struct {
	PageContent string         `json:"page_content"`
	Metadata    map[string]any `json:"metadata"`
}

// localState is the JSON-persisted sidecar holding chunk bodies and the
// HNSW id mapping. The graph itself lives in vectors.hnsw, bleve in its
// own directory.
type localState struct {
	Docs    map[string]storedChunk `json:"docs"`
	IDKeys  map[string]uint64      `json:"id_keys"`
	NextKey uint64                 `json:"next_key"`
}

// bleveChunk is what bleve indexes per chunk. Heading metadata gets its
// own fields so lexical search can match section titles, mirroring the
// multi-field query of the ES backend.
type bleveChunk struct {
	Context string `json:"context"`
	Head1   string `json:"head1"`
	Head2   string `json:"head2"`
	Head3   string `json:"head3"`
}

// LocalKB is the embedded index of one knowledge base.
type LocalKB struct {
	kbName   string
	dir      string
	embedder embed.Embedder

	mu      sync.RWMutex
	index   bleve.Index
	graph   *hnsw.Graph[uint64]
	docs    map[string]storedChunk
	idKeys  map[string]uint64 // chunk id -> graph key
	keyIDs  map[uint64]string // graph key -> chunk id
	nextKey uint64
	closed  bool
}

var _ VectorKB = (*LocalKB)(nil)

// openLocalKB opens or creates the index directory.
func openLocalKB(dir, kbName string, embedder embed.Embedder) (*LocalKB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, kberrors.Wrap(kberrors.ErrCodeIndexRemote, err)
	}

	bm25Path := filepath.Join(dir, localBM25Dir)
	index, err := bleve.Open(bm25Path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		index, err = bleve.New(bm25Path, buildLocalMapping())
	}
	if err != nil {
		return nil, kberrors.Wrap(kberrors.ErrCodeIndexRemote, err)
	}

	kb := &LocalKB{
		kbName:   kbName,
		dir:      dir,
		embedder: embedder,
		index:    index,
		docs:     map[string]storedChunk{},
		idKeys:   map[string]uint64{},
		keyIDs:   map[uint64]string{},
	}
	kb.graph = newLocalGraph()

	if err := kb.loadState(); err != nil {
		_ = index.Close()
		return nil, err
	}
	return kb, nil
}

// newLocalGraph creates the HNSW graph with cosine distance.
func newLocalGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.EfSearch = 20
	g.Ml = 0.25
	return g
}

// buildLocalMapping maps content and heading fields through the CJK
// analyzer, the closest embedded stand-in for ik_smart.
func buildLocalMapping() mapping.IndexMapping {
	text := bleve.NewTextFieldMapping()
	text.Analyzer = cjk.AnalyzerName

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("context", text)
	doc.AddFieldMappingsAt("head1", text)
	doc.AddFieldMappingsAt("head2", text)
	doc.AddFieldMappingsAt("head3", text)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	im.DefaultAnalyzer = cjk.AnalyzerName
	return im
}

// loadState restores the chunk bodies and the HNSW graph from disk.
func (kb *LocalKB) loadState() error {
	raw, err := os.ReadFile(filepath.Join(kb.dir, localStateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return kberrors.Wrap(kberrors.ErrCodeIndexRemote, err)
	}

	var state localState
	if err := json.Unmarshal(raw, &state); err != nil {
		return kberrors.Wrap(kberrors.ErrCodeIndexRemote, err)
	}
	if state.Docs != nil {
		kb.docs = state.Docs
	}
	if state.IDKeys != nil {
		kb.idKeys = state.IDKeys
	}
	kb.nextKey = state.NextKey
	for id, key := range kb.idKeys {
		kb.keyIDs[key] = id
	}

	graphFile, err := os.Open(filepath.Join(kb.dir, localGraphFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return kberrors.Wrap(kberrors.ErrCodeIndexRemote, err)
	}
	defer func() { _ = graphFile.Close() }()

	graph := newLocalGraph()
	// hnsw Import requires an io.ByteReader.
	if err := graph.Import(bufio.NewReader(graphFile)); err != nil {
		return kberrors.Wrap(kberrors.ErrCodeIndexRemote, err)
	}
	kb.graph = graph
	return nil
}

// saveState persists the sidecar and graph atomically. Callers hold the
// write lock.
func (kb *LocalKB) saveState() error {
	state := localState{Docs: kb.docs, IDKeys: kb.idKeys, NextKey: kb.nextKey}
	raw, err := json.Marshal(state)
	if err != nil {
		return kberrors.Wrap(kberrors.ErrCodeIndexRemote, err)
	}

	statePath := filepath.Join(kb.dir, localStateFile)
	if err := writeAtomic(statePath, raw); err != nil {
		return err
	}

	graphPath := filepath.Join(kb.dir, localGraphFile)
	tmp, err := os.CreateTemp(kb.dir, "tmp-graph-*")
	if err != nil {
		return kberrors.Wrap(kberrors.ErrCodeIndexRemote, err)
	}
	tmpName := tmp.Name()
	if err := kb.graph.Export(tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return kberrors.Wrap(kberrors.ErrCodeIndexRemote, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return kberrors.Wrap(kberrors.ErrCodeIndexRemote, err)
	}
	if err := os.Rename(tmpName, graphPath); err != nil {
		_ = os.Remove(tmpName)
		return kberrors.Wrap(kberrors.ErrCodeIndexRemote, err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-state-*")
	if err != nil {
		return kberrors.Wrap(kberrors.ErrCodeIndexRemote, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return kberrors.Wrap(kberrors.ErrCodeIndexRemote, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return kberrors.Wrap(kberrors.ErrCodeIndexRemote, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return kberrors.Wrap(kberrors.ErrCodeIndexRemote, err)
	}
	return nil
}

// Name implements VectorKB.
func (kb *LocalKB) Name() string { return kb.kbName }

// Close implements VectorKB.
func (kb *LocalKB) Close() error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	if kb.closed {
		return nil
	}
	kb.closed = true
	return kb.index.Close()
}

// AddDocs implements VectorKB. Ids are minted as UUIDs and mirrored
// into each chunk's metadata.
func (kb *LocalKB) AddDocs(ctx context.Context, docs []schema.Document) ([]schema.DocInfo, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.PageContent
	}
	vectors, err := kb.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}

	kb.mu.Lock()
	defer kb.mu.Unlock()

	if kb.closed {
		return nil, kberrors.Newf(kberrors.ErrCodeIndexRemote, "local index %s is closed", kb.kbName)
	}

	batch := kb.index.NewBatch()
	infos := make([]schema.DocInfo, 0, len(docs))
	for i, doc := range docs {
		id := uuid.NewString()
		meta := doc.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		meta["id"] = id

		chunk := bleveChunk{
			Context: doc.PageContent,
			Head1:   metaString(meta, "head1"),
			Head2:   metaString(meta, "head2"),
			Head3:   metaString(meta, "head3"),
		}
		if err := batch.Index(id, chunk); err != nil {
			return nil, kberrors.Wrap(kberrors.ErrCodeIndexRemote, err)
		}

		key := kb.nextKey
		kb.nextKey++
		kb.graph.Add(hnsw.MakeNode(key, vectors[i]))
		kb.idKeys[id] = key
		kb.keyIDs[key] = id
		kb.docs[id] = storedChunk{PageContent: doc.PageContent, Metadata: meta}

		infos = append(infos, schema.DocInfo{ID: id, Metadata: meta})
	}
	if err := kb.index.Batch(batch); err != nil {
		return nil, kberrors.Wrap(kberrors.ErrCodeIndexRemote, err)
	}
	if err := kb.saveState(); err != nil {
		return nil, err
	}

	source := docs[0].Source()
	if len(kb.idsBySourceLocked(source, 1)) == 0 {
		return nil, kberrors.Newf(kberrors.ErrCodeIndexIntegrity,
			"local index %s returned no chunks for source %s after insert", kb.kbName, source)
	}
	return infos, nil
}

// idsBySourceLocked lists up to limit chunk ids with the given source,
// in stable order. Callers hold at least the read lock.
func (kb *LocalKB) idsBySourceLocked(source string, limit int) []string {
	var ids []string
	for id, chunk := range kb.docs {
		if metaString(chunk.Metadata, "source") == source {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

// DeleteDocs implements VectorKB. Graph nodes are removed lazily, the
// same trick the HNSW store uses elsewhere: orphaned keys stay in the
// graph but are filtered from results.
func (kb *LocalKB) DeleteDocs(ctx context.Context, source string) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	if kb.closed {
		return kberrors.Newf(kberrors.ErrCodeIndexRemote, "local index %s is closed", kb.kbName)
	}

	for {
		ids := kb.idsBySourceLocked(source, DeleteBatchSize)
		if len(ids) == 0 {
			return nil
		}
		batch := kb.index.NewBatch()
		for _, id := range ids {
			batch.Delete(id)
			if key, ok := kb.idKeys[id]; ok {
				delete(kb.keyIDs, key)
				delete(kb.idKeys, id)
			}
			delete(kb.docs, id)
		}
		if err := kb.index.Batch(batch); err != nil {
			return kberrors.Wrap(kberrors.ErrCodeIndexRemote, err)
		}
		if err := kb.saveState(); err != nil {
			return err
		}
		if len(ids) < DeleteBatchSize {
			return nil
		}
	}
}

// GetDocsByIDs implements VectorKB.
func (kb *LocalKB) GetDocsByIDs(ctx context.Context, ids []string) ([]schema.ScoredDocument, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	docs := make([]schema.ScoredDocument, 0, len(ids))
	for _, id := range ids {
		chunk, ok := kb.docs[id]
		if !ok {
			continue
		}
		docs = append(docs, schema.ScoredDocument{
			Document: schema.Document{PageContent: chunk.PageContent, Metadata: chunk.Metadata},
			ID:       id,
		})
	}
	return docs, nil
}

// KNNSearch implements VectorKB.
func (kb *LocalKB) KNNSearch(ctx context.Context, query string, k int) ([]schema.ScoredDocument, error) {
	if k <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	vector, err := kb.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	kb.mu.RLock()
	defer kb.mu.RUnlock()

	if kb.graph.Len() == 0 {
		return nil, nil
	}

	// Over-fetch by the orphan count so lazily deleted nodes cannot
	// crowd out live ones.
	orphans := kb.graph.Len() - len(kb.idKeys)
	nodes := kb.graph.Search(vector, k+orphans)

	results := make([]schema.ScoredDocument, 0, k)
	for _, node := range nodes {
		id, live := kb.keyIDs[node.Key]
		if !live {
			continue
		}
		chunk := kb.docs[id]
		distance := kb.graph.Distance(vector, node.Value)
		results = append(results, schema.ScoredDocument{
			Document: schema.Document{PageContent: chunk.PageContent, Metadata: chunk.Metadata},
			ID:       id,
			Score:    float64(1 - distance), // cosine distance -> similarity
		})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// BM25Search implements VectorKB. A disjunction over the content and
// heading fields approximates the ES most_fields query.
func (kb *LocalKB) BM25Search(ctx context.Context, queryText string, k int) ([]schema.ScoredDocument, error) {
	if k <= 0 || strings.TrimSpace(queryText) == "" {
		return nil, nil
	}

	kb.mu.RLock()
	defer kb.mu.RUnlock()

	if kb.closed {
		return nil, kberrors.Newf(kberrors.ErrCodeIndexRemote, "local index %s is closed", kb.kbName)
	}

	fields := []string{"context", "head1", "head2", "head3"}
	queries := make([]query.Query, 0, len(fields))
	for _, field := range fields {
		mq := bleve.NewMatchQuery(queryText)
		mq.SetField(field)
		queries = append(queries, mq)
	}
	req := bleve.NewSearchRequest(bleve.NewDisjunctionQuery(queries...))
	req.Size = k

	res, err := kb.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.ErrCodeIndexRemote, err)
	}

	results := make([]schema.ScoredDocument, 0, len(res.Hits))
	for _, hit := range res.Hits {
		chunk, ok := kb.docs[hit.ID]
		if !ok {
			continue
		}
		results = append(results, schema.ScoredDocument{
			Document: schema.Document{PageContent: chunk.PageContent, Metadata: chunk.Metadata},
			ID:       hit.ID,
			Score:    hit.Score,
		})
	}
	return results, nil
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	if s, ok := meta[key].(string); ok {
		return s
	}
	if v, ok := meta[key]; ok {
		return fmt.Sprint(v)
	}
	return ""
}
