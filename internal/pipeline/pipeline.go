// Package pipeline turns knowledge base files into index-ready chunks.
//
// A KnowledgeFile is one unit of work: resolve loader and splitter by
// extension, load, split, optionally run the title-enhance pass, and
// rewrite every chunk's source to the knowledge base file name.
// FilesToDocs runs batches of them on a bounded worker pool and yields
// outcomes in completion order.
package pipeline

import (
	"context"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	kberrors "github.com/kbserve/kbserve/internal/errors"
	"github.com/kbserve/kbserve/internal/loader"
	"github.com/kbserve/kbserve/internal/schema"
	"github.com/kbserve/kbserve/internal/splitter"
)

// Options control chunking for one batch.
type Options struct {
	ChunkSize      int
	ChunkOverlap   int
	ZhTitleEnhance bool
	// Workers bounds the pool. Zero means min(2 x CPU, batch size).
	Workers int
}

// KnowledgeFile is one file queued for ingestion. Docs caches the
// produced chunks so the consumer does not split twice.
type KnowledgeFile struct {
	KBName   string
	FileName string
	// Path is the absolute on-disk location of the blob.
	Path string

	LoaderName   string
	SplitterName string
	Docs         []schema.Document
}

// NewKnowledgeFile creates a work item. The loader and splitter are
// resolved eagerly so catalog records can name them even when loading
// later fails.
func NewKnowledgeFile(kbName, fileName, path string) *KnowledgeFile {
	return &KnowledgeFile{
		KBName:       kbName,
		FileName:     fileName,
		Path:         path,
		LoaderName:   loader.NameForFile(fileName),
		SplitterName: splitter.NameForFile(fileName),
	}
}

// Ext returns the file's lowercase extension.
func (f *KnowledgeFile) Ext() string {
	return strings.ToLower(filepath.Ext(f.FileName))
}

// ToDocs loads and splits the file, returning the cached chunks when a
// prior call already produced them. Every chunk's metadata.source is
// forced to the knowledge base file name, whatever the loader set.
func (f *KnowledgeFile) ToDocs(opts Options) ([]schema.Document, error) {
	if f.Docs != nil {
		for i := range f.Docs {
			if f.Docs[i].Metadata == nil {
				f.Docs[i].Metadata = map[string]any{}
			}
			f.Docs[i].Metadata["source"] = f.FileName
		}
		return f.Docs, nil
	}

	raw, loaderName, err := loader.Load(f.Path)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.ErrCodeLoaderFailed, err)
	}
	f.LoaderName = loaderName

	docs := splitter.Split(raw, f.FileName, opts.ChunkSize, opts.ChunkOverlap)
	if opts.ZhTitleEnhance {
		docs = splitter.EnhanceTitles(docs)
	}
	for i := range docs {
		if docs[i].Metadata == nil {
			docs[i].Metadata = map[string]any{}
		}
		docs[i].Metadata["source"] = f.FileName
	}

	f.Docs = docs
	return docs, nil
}

// Result is one outcome of a batch. Err is the per-file failure; the
// batch itself never aborts.
type Result struct {
	File *KnowledgeFile
	Err  error
}

// FilesToDocs dispatches load-and-split work for each file to a bounded
// pool and returns a channel of outcomes in completion order. The
// channel closes when every file finished or the context was cancelled;
// already started work runs to completion, queued work is dropped.
func FilesToDocs(ctx context.Context, files []*KnowledgeFile, opts Options) <-chan Result {
	results := make(chan Result)

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU() * 2
	}
	if workers > len(files) {
		workers = len(files)
	}
	if workers < 1 {
		workers = 1
	}

	work := make(chan *KnowledgeFile)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for file := range work {
				_, err := file.ToDocs(opts)
				if err != nil {
					slog.Error("ingest_file_failed",
						slog.String("kb", file.KBName),
						slog.String("file", file.FileName),
						slog.String("error", err.Error()))
				}
				select {
				case results <- Result{File: file, Err: err}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(work)
		for _, file := range files {
			select {
			case work <- file:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}
