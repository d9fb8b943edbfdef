// Package splitter cuts raw documents into index-sized chunks.
//
// The registry maps file extensions to splitter names. Markdown gets a
// header-aware splitter, CSV rows bypass splitting entirely, everything
// else goes through the recursive character splitter.
package splitter

import (
	"path/filepath"
	"strings"

	"github.com/kbserve/kbserve/internal/schema"
)

// Splitter cuts documents into chunks, carrying metadata over.
type Splitter interface {
	// Name identifies the splitter in catalog records and logs.
	Name() string
	SplitDocuments(docs []schema.Document) []schema.Document
}

const (
	// NameRecursive is the default splitter.
	NameRecursive = "ChineseRecursiveTextSplitter"
	// NameMarkdownHeader splits on markdown headings.
	NameMarkdownHeader = "MarkdownHeaderTextSplitter"
	// NameNone bypasses splitting; loader output is indexed as-is.
	NameNone = ""
)

// NameForFile returns the splitter name registered for the file's
// extension.
func NameForFile(fileName string) string {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".md":
		return NameMarkdownHeader
	case ".csv":
		return NameNone
	default:
		return NameRecursive
	}
}

// ForName constructs a splitter by name. Size and overlap are counted
// in runes; the markdown header splitter ignores both. Returns nil for
// NameNone.
func ForName(name string, chunkSize, chunkOverlap int) Splitter {
	switch name {
	case NameMarkdownHeader:
		return NewMarkdownHeaderSplitter()
	case NameNone:
		return nil
	default:
		return NewRecursiveSplitter(chunkSize, chunkOverlap)
	}
}

// Split runs the splitter registered for fileName over docs. CSV files
// pass through unchanged.
func Split(docs []schema.Document, fileName string, chunkSize, chunkOverlap int) []schema.Document {
	s := ForName(NameForFile(fileName), chunkSize, chunkOverlap)
	if s == nil {
		return docs
	}
	return s.SplitDocuments(docs)
}
