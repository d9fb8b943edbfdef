package splitter

import (
	"strings"

	"github.com/kbserve/kbserve/internal/schema"
)

// headersToSplitOn maps heading markers to the metadata key each level
// fills. Deeper headings than #### are treated as content.
var headersToSplitOn = []struct {
	marker string
	key    string
}{
	{"####", "head4"},
	{"###", "head3"},
	{"##", "head2"},
	{"#", "head1"},
}

// MarkdownHeaderSplitter splits markdown on headings. Each chunk is the
// text between two headings; the heading trail above it lands in
// metadata keys head1..head4. Chunk size and overlap do not apply.
type MarkdownHeaderSplitter struct{}

// NewMarkdownHeaderSplitter creates a header splitter.
func NewMarkdownHeaderSplitter() *MarkdownHeaderSplitter {
	return &MarkdownHeaderSplitter{}
}

// Name implements Splitter.
func (m *MarkdownHeaderSplitter) Name() string { return NameMarkdownHeader }

// SplitDocuments implements Splitter.
func (m *MarkdownHeaderSplitter) SplitDocuments(docs []schema.Document) []schema.Document {
	var out []schema.Document
	for _, doc := range docs {
		for _, chunk := range m.splitText(doc.PageContent) {
			next := doc.Copy()
			next.PageContent = chunk.content
			for k, v := range chunk.headers {
				next.Metadata[k] = v
			}
			out = append(out, next)
		}
	}
	return out
}

type mdChunk struct {
	content string
	headers map[string]string
}

func (m *MarkdownHeaderSplitter) splitText(text string) []mdChunk {
	var chunks []mdChunk
	active := map[string]string{} // heading trail in effect
	var buf []string
	inFence := false

	flush := func() {
		content := strings.TrimSpace(strings.Join(buf, "\n"))
		buf = nil
		if content == "" {
			return
		}
		headers := make(map[string]string, len(active))
		for k, v := range active {
			headers[k] = v
		}
		chunks = append(chunks, mdChunk{content: content, headers: headers})
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)

		// Heading markers inside code fences are content
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			buf = append(buf, line)
			continue
		}
		if inFence {
			buf = append(buf, line)
			continue
		}

		marker, key, title, ok := parseHeading(trimmed)
		if !ok {
			buf = append(buf, line)
			continue
		}

		flush()

		// A new heading invalidates everything at its level and deeper
		level := len(marker)
		for _, h := range headersToSplitOn {
			if len(h.marker) >= level {
				delete(active, h.key)
			}
		}
		active[key] = title
	}
	flush()

	return chunks
}

// parseHeading matches "#"-"####" followed by a space.
func parseHeading(line string) (marker, key, title string, ok bool) {
	for _, h := range headersToSplitOn {
		if strings.HasPrefix(line, h.marker+" ") {
			return h.marker, h.key, strings.TrimSpace(line[len(h.marker)+1:]), true
		}
		if line == h.marker {
			return h.marker, h.key, "", true
		}
	}
	return "", "", "", false
}
