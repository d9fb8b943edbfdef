// Package watcher re-ingests knowledge base content files when they
// change on disk. It watches every <kb>/content tree under the blob
// root with fsnotify, coalesces bursts through a debouncer, and replays
// the surviving events against the KB service: created and modified
// files are re-split and re-indexed, deleted files lose their catalog
// rows and chunks.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kbserve/kbserve/internal/kb"
	"github.com/kbserve/kbserve/internal/pipeline"
)

// Operation classifies a file system event.
type Operation int

const (
	OpCreate Operation = iota
	OpModify
	OpDelete
)

// String returns the operation name for logs.
func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// FileEvent is one change inside a knowledge base content tree.
type FileEvent struct {
	// KBName is the knowledge base owning the file.
	KBName string
	// Path is the file's posix path relative to the content root.
	Path string
	// Op is the change kind.
	Op Operation
}

// skipPrefixes mirrors the blob store's walk rules; events for these
// names never reach ingestion.
var skipPrefixes = []string{"temp", "tmp", ".", "~$"}

func skipName(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range skipPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// Watcher drives --watch mode: fsnotify events in, re-ingests out.
type Watcher struct {
	manager   *kb.Manager
	debouncer *Debouncer
	fsw       *fsnotify.Watcher
}

// New creates a watcher over the manager's blob root.
func New(manager *kb.Manager, debounce time.Duration) *Watcher {
	return &Watcher{
		manager:   manager,
		debouncer: NewDebouncer(debounce),
	}
}

// Run watches until the context is canceled. New knowledge base content
// directories are picked up as they appear.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw
	defer fsw.Close()
	defer w.debouncer.Stop()

	root := w.manager.Blob().Root()
	if err := fsw.Add(root); err != nil {
		return err
	}
	w.addExistingTrees(root)

	slog.Info("watcher_started", slog.String("root", root))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, okCh := <-fsw.Events:
			if !okCh {
				return nil
			}
			w.handleFsEvent(root, event)
		case err, okCh := <-fsw.Errors:
			if !okCh {
				return nil
			}
			slog.Warn("watcher_error", slog.String("error", err.Error()))
		case batch, okCh := <-w.debouncer.Output():
			if !okCh {
				return nil
			}
			w.Apply(ctx, batch)
		}
	}
}

// addExistingTrees registers every current content tree, including
// subdirectories, since fsnotify watches are not recursive.
func (w *Watcher) addExistingTrees(root string) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || skipName(entry.Name()) {
			continue
		}
		content := filepath.Join(root, entry.Name(), "content")
		_ = filepath.WalkDir(content, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() && !skipName(d.Name()) {
				_ = w.fsw.Add(path)
			}
			return nil
		})
	}
}

// handleFsEvent maps one raw fsnotify event to a debounced FileEvent.
// Directory creations extend the watch set instead.
func (w *Watcher) handleFsEvent(root string, event fsnotify.Event) {
	rel, err := filepath.Rel(root, event.Name)
	if err != nil {
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	// Only <kb>/content/<file...> is interesting.
	if len(parts) < 3 || parts[1] != "content" {
		// A new KB directory: watch its content tree once it exists.
		if len(parts) <= 2 && event.Has(fsnotify.Create) {
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				w.addExistingTrees(root)
			}
		}
		return
	}

	kbName := parts[0]
	fileName := strings.Join(parts[2:], "/")
	if skipName(filepath.Base(fileName)) {
		return
	}

	if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
		if event.Has(fsnotify.Create) {
			_ = w.fsw.Add(event.Name)
		}
		return
	}

	var op Operation
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = OpDelete
	default:
		return
	}

	w.debouncer.Add(FileEvent{KBName: kbName, Path: fileName, Op: op})
}

// Apply replays one debounced batch against the KB service. Exported
// so tests can drive it without a real file system watcher.
func (w *Watcher) Apply(ctx context.Context, events []FileEvent) {
	byKB := map[string][]FileEvent{}
	for _, e := range events {
		byKB[e.KBName] = append(byKB[e.KBName], e)
	}

	for kbName, kbEvents := range byKB {
		svc, err := w.manager.GetService(ctx, kbName)
		if err != nil {
			slog.Warn("watcher_kb_skipped",
				slog.String("kb", kbName),
				slog.String("error", err.Error()))
			continue
		}

		var reingest []string
		for _, e := range kbEvents {
			if e.Op == OpDelete {
				if err := svc.DeleteFile(ctx, e.Path, false); err != nil {
					slog.Warn("watcher_delete_failed",
						slog.String("kb", kbName),
						slog.String("file", e.Path),
						slog.String("error", err.Error()))
				}
				continue
			}
			reingest = append(reingest, e.Path)
		}

		if len(reingest) == 0 {
			continue
		}
		cfg := w.manager.Config()
		failed := svc.UpdateFiles(ctx, reingest, pipeline.Options{
			ChunkSize:      cfg.Search.ChunkSize,
			ChunkOverlap:   cfg.Search.ChunkOverlap,
			ZhTitleEnhance: cfg.Search.ZhTitleEnhance,
		})
		for file, msg := range failed {
			slog.Warn("watcher_reingest_failed",
				slog.String("kb", kbName),
				slog.String("file", file),
				slog.String("error", msg))
		}
		slog.Info("watcher_reingested",
			slog.String("kb", kbName),
			slog.Int("files", len(reingest)-len(failed)))
	}
}
