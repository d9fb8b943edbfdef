// Package schema defines the document types shared by the loading,
// splitting, indexing and retrieval stages.
package schema

// Document is one unit of indexed text plus its metadata. The
// "source" metadata key always holds the owning file name.
type Document struct {
	PageContent string         `json:"page_content"`
	Metadata    map[string]any `json:"metadata"`
}

// NewDocument creates a document with an initialized metadata map.
func NewDocument(content string) Document {
	return Document{PageContent: content, Metadata: map[string]any{}}
}

// Copy returns a deep copy; mutating the copy's metadata never touches
// the original.
func (d Document) Copy() Document {
	meta := make(map[string]any, len(d.Metadata))
	for k, v := range d.Metadata {
		meta[k] = v
	}
	return Document{PageContent: d.PageContent, Metadata: meta}
}

// Source returns the owning file name recorded in metadata.
func (d Document) Source() string {
	if s, ok := d.Metadata["source"].(string); ok {
		return s
	}
	return ""
}

// ScoredDocument is a document returned from the index together with
// its store-assigned id and retrieval score.
type ScoredDocument struct {
	Document
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// DocInfo identifies one stored chunk without its content.
type DocInfo struct {
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata"`
}
