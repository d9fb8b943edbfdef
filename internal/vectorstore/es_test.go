package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbserve/kbserve/internal/config"
	"github.com/kbserve/kbserve/internal/embed"
	kberrors "github.com/kbserve/kbserve/internal/errors"
)

// fakeES is a minimal Elasticsearch stand-in covering the endpoints the
// backend calls: index HEAD/PUT/DELETE, _bulk, _search, _doc get/delete.
type fakeES struct {
	indexes  map[string]map[string]map[string]any // index -> id -> row
	mappings map[string]json.RawMessage
	nextID   int
	failBulk bool
	// emptyReadback makes every search return zero hits, simulating a
	// write the index cannot find again.
	emptyReadback bool
}

func newFakeES() *fakeES {
	return &fakeES{
		indexes:  map[string]map[string]map[string]any{},
		mappings: map[string]json.RawMessage{},
	}
}

func (f *fakeES) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		index := parts[0]

		switch {
		case len(parts) == 1 && r.Method == http.MethodHead:
			if _, ok := f.indexes[index]; !ok {
				w.WriteHeader(http.StatusNotFound)
			}
		case len(parts) == 1 && r.Method == http.MethodPut:
			body, _ := json.Marshal(map[string]any{"acknowledged": true})
			raw := json.RawMessage{}
			_ = json.NewDecoder(r.Body).Decode(&raw)
			f.indexes[index] = map[string]map[string]any{}
			f.mappings[index] = raw
			_, _ = w.Write(body)
		case len(parts) == 1 && r.Method == http.MethodDelete:
			if _, ok := f.indexes[index]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(f.indexes, index)
			_, _ = w.Write([]byte(`{"acknowledged":true}`))
		case len(parts) == 2 && parts[1] == "_bulk":
			f.handleBulk(w, r, index)
		case len(parts) == 2 && parts[1] == "_search":
			f.handleSearch(w, r, index)
		case len(parts) == 3 && parts[1] == "_doc" && r.Method == http.MethodGet:
			row, ok := f.indexes[index][parts[2]]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"found":false}`))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"_id": parts[2], "found": true, "_source": row,
			})
		case len(parts) == 3 && parts[1] == "_doc" && r.Method == http.MethodDelete:
			if _, ok := f.indexes[index][parts[2]]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(f.indexes[index], parts[2])
			_, _ = w.Write([]byte(`{"result":"deleted"}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
}

func (f *fakeES) handleBulk(w http.ResponseWriter, r *http.Request, index string) {
	if f.failBulk {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	dec := json.NewDecoder(r.Body)
	var items []map[string]any
	for {
		var action map[string]any
		if err := dec.Decode(&action); err != nil {
			break
		}
		var row map[string]any
		if err := dec.Decode(&row); err != nil {
			break
		}
		f.nextID++
		id := fmt.Sprintf("es-%d", f.nextID)
		f.indexes[index][id] = row
		items = append(items, map[string]any{
			"index": map[string]any{"_id": id, "status": 201},
		})
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"errors": false, "items": items})
}

func (f *fakeES) handleSearch(w http.ResponseWriter, r *http.Request, index string) {
	var body struct {
		Query struct {
			Term map[string]string `json:"term"`
		} `json:"query"`
		Size int `json:"size"`
		KNN  any `json:"knn"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	var hits []map[string]any
	if !f.emptyReadback {
		source := body.Query.Term["metadata.source.keyword"]
		for id, row := range f.indexes[index] {
			meta, _ := row["metadata"].(map[string]any)
			if source != "" && (meta == nil || meta["source"] != source) {
				continue
			}
			hits = append(hits, map[string]any{
				"_id": id, "_score": 1.0,
				"_source": map[string]any{"context": row["context"], "metadata": meta},
			})
			if body.Size > 0 && len(hits) == body.Size {
				break
			}
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"hits": map[string]any{"hits": hits},
	})
}

func newTestESDB(t *testing.T, fake *fakeES) *ESDB {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	return NewESDB(config.ESConfig{
		URL:        srv.URL,
		Similarity: "l2_norm",
		Deadline:   5 * time.Second,
	}, embed.NewStaticEmbedder(8))
}

func TestESDBLifecycleAndMapping(t *testing.T) {
	ctx := context.Background()
	fake := newFakeES()
	db := newTestESDB(t, fake)

	exists, err := db.ExistKB(ctx, "Samples")
	require.NoError(t, err)
	assert.False(t, exists)

	kb, err := db.CreateKB(ctx, "Samples")
	require.NoError(t, err)
	require.NotNil(t, kb)

	// index names are lowercased
	raw, ok := fake.mappings["samples"]
	require.True(t, ok)

	var created struct {
		Settings struct {
			Similarity map[string]struct {
				Type string  `json:"type"`
				K1   float64 `json:"k1"`
				B    float64 `json:"b"`
			} `json:"similarity"`
		} `json:"settings"`
		Mappings struct {
			Properties map[string]json.RawMessage `json:"properties"`
		} `json:"mappings"`
	}
	require.NoError(t, json.Unmarshal(raw, &created))
	bm25 := created.Settings.Similarity["custom_bm25"]
	assert.Equal(t, "BM25", bm25.Type)
	assert.Equal(t, 2.0, bm25.K1)
	assert.Equal(t, 0.75, bm25.B)
	assert.Contains(t, created.Mappings.Properties, "context")
	assert.Contains(t, created.Mappings.Properties, "dense_vector")

	exists, err = db.ExistKB(ctx, "samples")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, db.DeleteKB(ctx, "samples"))
	exists, err = db.ExistKB(ctx, "samples")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestESKBAddDeleteGet(t *testing.T) {
	ctx := context.Background()
	fake := newFakeES()
	db := newTestESDB(t, fake)

	kb, err := db.CreateKB(ctx, "samples")
	require.NoError(t, err)

	infos, err := kb.AddDocs(ctx, makeDocs("foo.md", "hello world", "second chunk"))
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "es-1", infos[0].ID)
	assert.Equal(t, "es-2", infos[1].ID)

	docs, err := kb.GetDocsByIDs(ctx, []string{infos[0].ID, "missing"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "hello world", docs[0].PageContent)

	require.NoError(t, kb.DeleteDocs(ctx, "foo.md"))
	docs, err = kb.GetDocsByIDs(ctx, []string{infos[0].ID})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestESKBAddDocsReadbackFailure(t *testing.T) {
	ctx := context.Background()
	fake := newFakeES()
	db := newTestESDB(t, fake)

	kb, err := db.CreateKB(ctx, "samples")
	require.NoError(t, err)

	fake.emptyReadback = true
	_, err = kb.AddDocs(ctx, makeDocs("foo.md", "hello world"))
	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeIndexIntegrity, kberrors.GetCode(err))
}
