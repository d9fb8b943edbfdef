// Package blob stores uploaded knowledge base documents on disk.
//
// Layout: <root>/<kb_name>/content/<file_name>. The content tree is the
// on-disk half of a knowledge base; the catalog and the search index
// reference files by the relative paths this package reports.
package blob

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	kberrors "github.com/kbserve/kbserve/internal/errors"
)

// skipPrefixes marks editor droppings and in-flight uploads that the
// walk must never report.
var skipPrefixes = []string{"temp", "tmp", ".", "~$"}

// Store manages per-knowledge-base content directories under one root.
type Store struct {
	root string
	lock *flock.Flock
}

// NewStore creates a blob store rooted at root, creating it if needed.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, kberrors.Wrap(kberrors.ErrCodeBlobWrite, err)
	}
	return &Store{root: root}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Acquire takes the store-wide file lock, guarding against a second
// kbserve process serving the same root.
func (s *Store) Acquire() error {
	s.lock = flock.New(filepath.Join(s.root, ".kbserve.lock"))
	locked, err := s.lock.TryLock()
	if err != nil {
		return kberrors.Wrap(kberrors.ErrCodeBlobWrite, err)
	}
	if !locked {
		return kberrors.Newf(kberrors.ErrCodeBlobWrite,
			"knowledge base root %s is locked by another process", s.root)
	}
	return nil
}

// Release drops the store-wide file lock.
func (s *Store) Release() error {
	if s.lock == nil {
		return nil
	}
	return s.lock.Unlock()
}

// KBPath returns the directory of a knowledge base.
func (s *Store) KBPath(kbName string) string {
	return filepath.Join(s.root, kbName)
}

// ContentPath returns the content directory of a knowledge base.
func (s *Store) ContentPath(kbName string) string {
	return filepath.Join(s.KBPath(kbName), "content")
}

// DocPath returns the on-disk path of a document. fileName may contain
// posix-style subdirectories.
func (s *Store) DocPath(kbName, fileName string) string {
	return filepath.Join(s.ContentPath(kbName), filepath.FromSlash(fileName))
}

// EnsureKB creates the content directory for a knowledge base.
func (s *Store) EnsureKB(kbName string) error {
	if err := os.MkdirAll(s.ContentPath(kbName), 0o755); err != nil {
		return kberrors.Wrap(kberrors.ErrCodeBlobWrite, err)
	}
	return nil
}

// DeleteKB removes the whole directory of a knowledge base.
func (s *Store) DeleteKB(kbName string) error {
	if err := os.RemoveAll(s.KBPath(kbName)); err != nil {
		return kberrors.Wrap(kberrors.ErrCodeBlobWrite, err)
	}
	return nil
}

// Exists reports whether a document is present on disk.
func (s *Store) Exists(kbName, fileName string) bool {
	info, err := os.Stat(s.DocPath(kbName, fileName))
	return err == nil && !info.IsDir()
}

// Size returns the document size in bytes, or -1 when absent.
func (s *Store) Size(kbName, fileName string) int64 {
	info, err := os.Stat(s.DocPath(kbName, fileName))
	if err != nil || info.IsDir() {
		return -1
	}
	return info.Size()
}

// Save writes a document atomically (temp file + rename).
//
// When the document already exists with the same byte size and override
// is false, Save fails with ERR_203_FILE_EXISTS so callers can report a
// skipped upload without touching the existing content.
func (s *Store) Save(kbName, fileName string, data []byte, override bool) error {
	target := s.DocPath(kbName, fileName)

	if !override {
		if info, err := os.Stat(target); err == nil && info.Size() == int64(len(data)) {
			return kberrors.Newf(kberrors.ErrCodeFileExists,
				"file %s already exists in knowledge base %s", fileName, kbName)
		}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return kberrors.Wrap(kberrors.ErrCodeBlobWrite, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), "tmp-upload-*")
	if err != nil {
		return kberrors.Wrap(kberrors.ErrCodeBlobWrite, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return kberrors.Wrap(kberrors.ErrCodeBlobWrite, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return kberrors.Wrap(kberrors.ErrCodeBlobWrite, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return kberrors.Wrap(kberrors.ErrCodeBlobWrite, err)
	}
	return nil
}

// Read returns the document content.
func (s *Store) Read(kbName, fileName string) ([]byte, error) {
	data, err := os.ReadFile(s.DocPath(kbName, fileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kberrors.Newf(kberrors.ErrCodeFileNotFound,
				"file %s not found in knowledge base %s", fileName, kbName)
		}
		return nil, kberrors.Wrap(kberrors.ErrCodeBlobWrite, err)
	}
	return data, nil
}

// Delete removes a document from disk. Missing files are not an error.
func (s *Store) Delete(kbName, fileName string) error {
	err := os.Remove(s.DocPath(kbName, fileName))
	if err != nil && !os.IsNotExist(err) {
		return kberrors.Wrap(kberrors.ErrCodeBlobWrite, err)
	}
	return nil
}

// ListFiles walks the content directory of a knowledge base and returns
// the posix-style relative paths of every regular file. Symlinked
// directories are followed; a visited set over resolved paths guards
// against cycles. Entries whose base name starts with temp, tmp, "." or
// "~$" are skipped, directories with such names are not descended into.
func (s *Store) ListFiles(kbName string) ([]string, error) {
	contentDir := s.ContentPath(kbName)
	if _, err := os.Stat(contentDir); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, kberrors.Wrap(kberrors.ErrCodeBlobWrite, err)
	}

	visited := map[string]struct{}{}
	var files []string
	if err := s.walk(contentDir, contentDir, visited, &files); err != nil {
		return nil, err
	}
	return files, nil
}

func (s *Store) walk(base, dir string, visited map[string]struct{}, out *[]string) error {
	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return nil // dangling symlink, skip
	}
	if _, seen := visited[real]; seen {
		return nil
	}
	visited[real] = struct{}{}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return kberrors.Wrap(kberrors.ErrCodeBlobWrite, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if hasSkipPrefix(name) {
			continue
		}
		full := filepath.Join(dir, name)

		info, err := os.Stat(full) // follows symlinks
		if err != nil {
			continue
		}
		if info.IsDir() {
			if err := s.walk(base, full, visited, out); err != nil {
				return err
			}
			continue
		}

		rel, err := filepath.Rel(base, full)
		if err != nil {
			return kberrors.Wrap(kberrors.ErrCodeBlobWrite, err)
		}
		*out = append(*out, filepath.ToSlash(rel))
	}
	return nil
}

// hasSkipPrefix reports whether a base name marks a file the walk skips.
func hasSkipPrefix(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range skipPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer for log output.
func (s *Store) String() string {
	return fmt.Sprintf("blob.Store(%s)", s.root)
}
