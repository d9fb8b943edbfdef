// Package vectorstore abstracts the search backend behind a uniform
// per-knowledge-base contract.
//
// A VectorDB manages the lifecycle of per-KB indexes for one backend
// type; a VectorKB is the handle for a single knowledge base's index.
// Two backends ship today: "es" talks to an Elasticsearch-compatible
// REST endpoint, "local" runs an embedded bleve + HNSW pair on disk.
// Backends are selected by vs_type through the Factory, so new ones can
// be added without touching the KB service.
package vectorstore

import (
	"context"

	kberrors "github.com/kbserve/kbserve/internal/errors"
	"github.com/kbserve/kbserve/internal/schema"
)

// DeleteBatchSize caps how many chunks a single delete pass removes.
// DeleteDocs loops until no chunk with the source remains.
const DeleteBatchSize = 50

// VectorKB is the index of one knowledge base.
type VectorKB interface {
	// Name returns the knowledge base name the handle serves.
	Name() string

	// AddDocs embeds and indexes chunks, returning the backend-minted
	// ids with each chunk's metadata, in insertion order. After the
	// write, a read-back by metadata.source must return at least one
	// hit; zero hits fail with ERR_505_INDEX_INTEGRITY.
	AddDocs(ctx context.Context, docs []schema.Document) ([]schema.DocInfo, error)

	// DeleteDocs removes every chunk whose metadata.source equals
	// source, looping in batches of DeleteBatchSize until none remain.
	DeleteDocs(ctx context.Context, source string) error

	// GetDocsByIDs resolves stored chunks by id. Unknown ids are
	// silently skipped.
	GetDocsByIDs(ctx context.Context, ids []string) ([]schema.ScoredDocument, error)

	// KNNSearch embeds the query and returns the k nearest chunks by
	// the configured distance.
	KNNSearch(ctx context.Context, query string, k int) ([]schema.ScoredDocument, error)

	// BM25Search ranks chunks lexically over the content and heading
	// fields.
	BM25Search(ctx context.Context, query string, k int) ([]schema.ScoredDocument, error)

	// Close releases the handle's resources.
	Close() error
}

// VectorDB manages the per-KB indexes of one backend type.
type VectorDB interface {
	// Type returns the vs_type identifier.
	Type() string

	// ExistKB reports whether the knowledge base's index exists.
	ExistKB(ctx context.Context, kbName string) (bool, error)

	// CreateKB creates the index if absent and returns a handle.
	// Creating an existing index is a no-op.
	CreateKB(ctx context.Context, kbName string) (VectorKB, error)

	// GetKB returns a handle to an existing index, or nil when absent.
	GetKB(ctx context.Context, kbName string) (VectorKB, error)

	// DeleteKB removes the index. Deleting an absent index is a no-op.
	DeleteKB(ctx context.Context, kbName string) error

	// ClearKB drops and recreates the index.
	ClearKB(ctx context.Context, kbName string) error

	// Close releases backend resources.
	Close() error
}

// Factory resolves vs_type strings to registered backends.
type Factory struct {
	dbs map[string]VectorDB
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{dbs: map[string]VectorDB{}}
}

// Register adds a backend under its Type.
func (f *Factory) Register(db VectorDB) {
	f.dbs[db.Type()] = db
}

// Get returns the backend for vsType.
func (f *Factory) Get(vsType string) (VectorDB, error) {
	db, ok := f.dbs[vsType]
	if !ok {
		return nil, kberrors.Newf(kberrors.ErrCodeInvalidInput,
			"不存在向量库：%s", vsType)
	}
	return db, nil
}

// Types lists the registered vs_type identifiers.
func (f *Factory) Types() []string {
	types := make([]string, 0, len(f.dbs))
	for t := range f.dbs {
		types = append(types, t)
	}
	return types
}

// Close closes every registered backend.
func (f *Factory) Close() error {
	var first error
	for _, db := range f.dbs {
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
