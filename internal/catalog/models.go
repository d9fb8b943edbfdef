package catalog

import "time"

// KnowledgeBase is a catalog row describing one knowledge base.
type KnowledgeBase struct {
	ID         int64
	Name       string
	Info       string
	VSType     string
	EmbedModel string
	FileCount  int
	CreateTime time.Time
}

// File is a catalog row describing one ingested file.
type File struct {
	ID           int64
	FileName     string
	Ext          string
	KBName       string
	LoaderName   string
	SplitterName string
	Version      int
	MTime        float64
	Size         int64
	CustomDocs   bool
	DocsCount    int
	CreateTime   time.Time
}

// FileDoc maps one index chunk back to its owning file.
type FileDoc struct {
	ID       int64
	KBName   string
	FileName string
	DocID    string
	Metadata map[string]any
}
