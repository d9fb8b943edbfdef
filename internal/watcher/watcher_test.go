package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbserve/kbserve/internal/blob"
	"github.com/kbserve/kbserve/internal/catalog"
	"github.com/kbserve/kbserve/internal/config"
	"github.com/kbserve/kbserve/internal/embed"
	"github.com/kbserve/kbserve/internal/kb"
	"github.com/kbserve/kbserve/internal/vectorstore"
)

func collect(t *testing.T, d *Debouncer) []FileEvent {
	t.Helper()
	select {
	case batch := <-d.Output():
		return batch
	case <-time.After(time.Second):
		t.Fatal("no batch emitted within a second")
		return nil
	}
}

func TestDebouncerCoalescesSamePath(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	d.Add(FileEvent{KBName: "docs", Path: "a.txt", Op: OpCreate})
	d.Add(FileEvent{KBName: "docs", Path: "a.txt", Op: OpModify})
	d.Add(FileEvent{KBName: "docs", Path: "a.txt", Op: OpModify})

	batch := collect(t, d)
	require.Len(t, batch, 1)
	assert.Equal(t, OpCreate, batch[0].Op)
}

func TestDebouncerCreateDeleteCancels(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	d.Add(FileEvent{KBName: "docs", Path: "a.txt", Op: OpCreate})
	d.Add(FileEvent{KBName: "docs", Path: "a.txt", Op: OpDelete})
	d.Add(FileEvent{KBName: "docs", Path: "b.txt", Op: OpModify})

	batch := collect(t, d)
	require.Len(t, batch, 1)
	assert.Equal(t, "b.txt", batch[0].Path)
}

func TestDebouncerDeleteCreateBecomesModify(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	d.Add(FileEvent{KBName: "docs", Path: "a.txt", Op: OpDelete})
	d.Add(FileEvent{KBName: "docs", Path: "a.txt", Op: OpCreate})

	batch := collect(t, d)
	require.Len(t, batch, 1)
	assert.Equal(t, OpModify, batch[0].Op)
}

func TestDebouncerWindowRestartsOnNewEvent(t *testing.T) {
	d := NewDebouncer(50 * time.Millisecond)
	defer d.Stop()

	d.Add(FileEvent{KBName: "docs", Path: "a.txt", Op: OpModify})
	time.Sleep(30 * time.Millisecond)
	d.Add(FileEvent{KBName: "docs", Path: "b.txt", Op: OpModify})

	select {
	case <-d.Output():
		t.Fatal("batch emitted before the window settled")
	case <-time.After(30 * time.Millisecond):
	}

	batch := collect(t, d)
	assert.Len(t, batch, 2)
}

func newTestManager(t *testing.T) *kb.Manager {
	t.Helper()

	root := t.TempDir()
	cfg := config.NewConfig()
	cfg.Storage.KBRoot = root
	cfg.Storage.DefaultVSType = "local"

	cat, err := catalog.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	store, err := blob.NewStore(root)
	require.NoError(t, err)

	factory := vectorstore.NewFactory()
	factory.Register(vectorstore.NewLocalDB(root, embed.NewStaticEmbedder(32)))
	t.Cleanup(func() { _ = factory.Close() })

	return kb.NewManager(cfg, cat, store, factory, nil)
}

func TestApplyReingestsAndDeletes(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.CreateKB(ctx, "docs", "local"))

	path := m.Blob().DocPath("docs", "a.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("hello world from the watcher"), 0o644))

	w := New(m, 20*time.Millisecond)
	w.Apply(ctx, []FileEvent{{KBName: "docs", Path: "a.txt", Op: OpCreate}})

	svc, err := m.GetService(ctx, "docs")
	require.NoError(t, err)
	exists, err := svc.ExistFile(ctx, "a.txt")
	require.NoError(t, err)
	assert.True(t, exists)

	// A delete event drops catalog row and chunks, keeps nothing behind.
	w.Apply(ctx, []FileEvent{{KBName: "docs", Path: "a.txt", Op: OpDelete}})
	exists, err = svc.ExistFile(ctx, "a.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestApplySkipsUnknownKB(t *testing.T) {
	m := newTestManager(t)
	w := New(m, 20*time.Millisecond)
	// Must not panic or create anything.
	w.Apply(context.Background(), []FileEvent{{KBName: "ghost", Path: "a.txt", Op: OpModify}})
	assert.False(t, m.ExistKB(context.Background(), "ghost"))
}
