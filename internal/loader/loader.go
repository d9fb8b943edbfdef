// Package loader turns uploaded files into raw documents.
//
// A registry maps file extensions to loaders; unknown extensions fall
// back to the plain text loader, as does any loader that fails on a
// file it claimed.
package loader

import (
	"path/filepath"
	"strings"

	"github.com/kbserve/kbserve/internal/schema"
)

// Loader reads one file into raw documents.
type Loader interface {
	// Name identifies the loader in catalog records and logs.
	Name() string
	// Load parses the file at path into documents. Loaders set the
	// "source" metadata key to path; the ingestion pipeline rewrites it
	// to the knowledge base file name.
	Load(path string) ([]schema.Document, error)
}

// registry maps lowercase extensions (with dot) to loader constructors.
var registry = map[string]func() Loader{
	".txt":   func() Loader { return &TextLoader{} },
	".md":    func() Loader { return &TextLoader{} },
	".csv":   func() Loader { return &CSVLoader{} },
	".json":  func() Loader { return &JSONLoader{} },
	".jsonl": func() Loader { return &JSONLinesLoader{} },
}

// ForFile returns the loader registered for the file's extension.
// Unknown extensions get the plain text loader.
func ForFile(fileName string) Loader {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ctor, ok := registry[ext]; ok {
		return ctor()
	}
	return &TextLoader{}
}

// NameForFile returns the loader name without constructing it.
func NameForFile(fileName string) string {
	return ForFile(fileName).Name()
}

// Load runs the registered loader and falls back to the text loader when
// the specialized loader fails. The fallback keeps ingestion alive for
// malformed structured files.
func Load(path string) ([]schema.Document, string, error) {
	l := ForFile(path)
	docs, err := l.Load(path)
	if err != nil {
		if _, isText := l.(*TextLoader); !isText {
			fallback := &TextLoader{}
			if docs, ferr := fallback.Load(path); ferr == nil {
				return docs, fallback.Name(), nil
			}
		}
		return nil, l.Name(), err
	}
	return docs, l.Name(), nil
}
