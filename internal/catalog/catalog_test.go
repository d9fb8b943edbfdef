package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestOpen_CreatesDatabaseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "info.db")

	c, err := Open(path)
	require.NoError(t, err)
	defer c.Close()

	exists, err := c.KBExists(context.Background(), "samples")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestAddKB_InsertAndLookup(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.AddKB(ctx, "Samples", "demo kb", "es", "bge-large-zh-v1.5"))

	exists, err := c.KBExists(ctx, "samples")
	require.NoError(t, err)
	assert.True(t, exists)

	kb, err := c.LoadKB(ctx, "SAMPLES")
	require.NoError(t, err)
	require.NotNil(t, kb)
	// Stored casing is preserved
	assert.Equal(t, "Samples", kb.Name)
	assert.Equal(t, "demo kb", kb.Info)
	assert.Equal(t, "es", kb.VSType)
	assert.Equal(t, 0, kb.FileCount)
}

func TestAddKB_ReAddRefreshesMetadata(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.AddKB(ctx, "samples", "v1", "es", "model-a"))
	require.NoError(t, c.AddKB(ctx, "SAMPLES", "v2", "local", "model-b"))

	names, err := c.ListKBs(ctx)
	require.NoError(t, err)
	assert.Len(t, names, 1)

	kb, err := c.LoadKB(ctx, "samples")
	require.NoError(t, err)
	assert.Equal(t, "v2", kb.Info)
	assert.Equal(t, "local", kb.VSType)
	assert.Equal(t, "model-b", kb.EmbedModel)
}

func TestLoadKB_MissingReturnsNil(t *testing.T) {
	c := newTestCatalog(t)

	kb, err := c.LoadKB(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, kb)
}

func TestUpdateKBInfo(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.AddKB(ctx, "samples", "old", "es", "m"))

	ok, err := c.UpdateKBInfo(ctx, "SAMPLES", "new info")
	require.NoError(t, err)
	assert.True(t, ok)

	kb, err := c.LoadKB(ctx, "samples")
	require.NoError(t, err)
	assert.Equal(t, "new info", kb.Info)

	ok, err = c.UpdateKBInfo(ctx, "ghost", "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAddFile_NewFileIncrementsCount(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.AddKB(ctx, "samples", "", "es", "m"))
	require.NoError(t, c.AddFile(ctx, &File{
		FileName: "Report.md", Ext: ".md", KBName: "samples",
		LoaderName: "TextLoader", SplitterName: "MarkdownHeaderTextSplitter",
		MTime: 100, Size: 2048, DocsCount: 4,
	}))

	kb, err := c.LoadKB(ctx, "samples")
	require.NoError(t, err)
	assert.Equal(t, 1, kb.FileCount)

	f, err := c.GetFile(ctx, "samples", "report.md")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "Report.md", f.FileName)
	assert.Equal(t, 1, f.Version)
	assert.Equal(t, 4, f.DocsCount)
}

func TestAddFile_ReAddBumpsVersionNotCount(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.AddKB(ctx, "samples", "", "es", "m"))
	f := &File{FileName: "report.md", Ext: ".md", KBName: "samples",
		LoaderName: "TextLoader", SplitterName: "default", MTime: 100, Size: 10, DocsCount: 2}
	require.NoError(t, c.AddFile(ctx, f))

	f.MTime = 200
	f.Size = 20
	f.DocsCount = 3
	require.NoError(t, c.AddFile(ctx, f))

	got, err := c.GetFile(ctx, "samples", "REPORT.MD")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, float64(200), got.MTime)
	assert.Equal(t, int64(20), got.Size)
	assert.Equal(t, 3, got.DocsCount)

	kb, err := c.LoadKB(ctx, "samples")
	require.NoError(t, err)
	assert.Equal(t, 1, kb.FileCount)
}

func TestDeleteFile_DecrementsCountAndClearsDocs(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.AddKB(ctx, "samples", "", "es", "m"))
	require.NoError(t, c.AddFile(ctx, &File{FileName: "a.txt", Ext: ".txt", KBName: "samples",
		LoaderName: "TextLoader", SplitterName: "default"}))
	require.NoError(t, c.AddFileDocs(ctx, "samples", "a.txt", []FileDoc{
		{DocID: "doc-1"}, {DocID: "doc-2"},
	}))

	require.NoError(t, c.DeleteFile(ctx, "SAMPLES", "A.TXT"))

	kb, err := c.LoadKB(ctx, "samples")
	require.NoError(t, err)
	assert.Equal(t, 0, kb.FileCount)

	docs, err := c.ListFileDocs(ctx, "samples", "a.txt", nil)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestDeleteAllFiles_ResetsCount(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.AddKB(ctx, "samples", "", "es", "m"))
	for _, name := range []string{"a.txt", "b.txt"} {
		require.NoError(t, c.AddFile(ctx, &File{FileName: name, Ext: ".txt", KBName: "samples",
			LoaderName: "TextLoader", SplitterName: "default"}))
	}

	require.NoError(t, c.DeleteAllFiles(ctx, "samples"))

	count, err := c.CountFiles(ctx, "samples")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	kb, err := c.LoadKB(ctx, "samples")
	require.NoError(t, err)
	assert.Equal(t, 0, kb.FileCount)
}

func TestDeleteKB_CascadesFilesAndDocs(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.AddKB(ctx, "samples", "", "es", "m"))
	require.NoError(t, c.AddFile(ctx, &File{FileName: "a.txt", Ext: ".txt", KBName: "samples",
		LoaderName: "TextLoader", SplitterName: "default"}))
	require.NoError(t, c.AddFileDocs(ctx, "samples", "a.txt", []FileDoc{{DocID: "doc-1"}}))

	require.NoError(t, c.DeleteKB(ctx, "SAMPLES"))

	exists, err := c.KBExists(ctx, "samples")
	require.NoError(t, err)
	assert.False(t, exists)

	files, err := c.ListFiles(ctx, "samples")
	require.NoError(t, err)
	assert.Empty(t, files)

	docs, err := c.ListFileDocs(ctx, "samples", "", nil)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestFileDocs_RoundTripWithMetadata(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.AddKB(ctx, "samples", "", "es", "m"))
	require.NoError(t, c.AddFileDocs(ctx, "samples", "a.md", []FileDoc{
		{DocID: "doc-1", Metadata: map[string]any{"source": "a.md", "head1": "Intro"}},
		{DocID: "doc-2", Metadata: map[string]any{"source": "a.md", "head1": "Usage"}},
	}))

	// Metadata filter narrows the result
	docs, err := c.ListFileDocs(ctx, "samples", "a.md", map[string]any{"head1": "Usage"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "doc-2", docs[0].DocID)

	// Delete returns the removed mappings
	removed, err := c.DeleteFileDocs(ctx, "samples", "a.md")
	require.NoError(t, err)
	assert.Len(t, removed, 2)

	docs, err = c.ListFileDocs(ctx, "samples", "a.md", nil)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestListFileRecords(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.AddKB(ctx, "samples", "", "es", "m"))
	require.NoError(t, c.AddFile(ctx, &File{FileName: "a.txt", Ext: ".txt", KBName: "samples",
		LoaderName: "TextLoader", SplitterName: "default", DocsCount: 2}))
	require.NoError(t, c.AddFile(ctx, &File{FileName: "b.md", Ext: ".md", KBName: "samples",
		LoaderName: "TextLoader", SplitterName: "MarkdownHeaderTextSplitter", DocsCount: 5}))

	records, err := c.ListFileRecords(ctx, "samples")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a.txt", records[0].FileName)
	assert.Equal(t, "b.md", records[1].FileName)
	assert.Equal(t, 5, records[1].DocsCount)
}
