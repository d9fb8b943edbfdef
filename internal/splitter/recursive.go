package splitter

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/kbserve/kbserve/internal/schema"
)

// defaultSeparators are tried in order, coarsest first. Chinese
// sentence punctuation ranks alongside its latin counterparts so mixed
// text breaks at sentence boundaries before falling back to commas.
var defaultSeparators = []string{
	"\n\n",
	"\n",
	"。|！|？",
	`\.\s|\!\s|\?\s`,
	"；|;\\s",
	"，|,\\s",
}

var multiNewline = regexp.MustCompile(`\n{2,}`)

// RecursiveSplitter splits text recursively by separator priority,
// then greedily merges pieces into chunks of at most chunkSize runes
// with chunkOverlap runes carried between neighbors.
type RecursiveSplitter struct {
	chunkSize    int
	chunkOverlap int
	separators   []*regexp.Regexp
}

// NewRecursiveSplitter creates the default splitter. Non-positive
// arguments fall back to 250/50.
func NewRecursiveSplitter(chunkSize, chunkOverlap int) *RecursiveSplitter {
	if chunkSize <= 0 {
		chunkSize = 250
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = 50
		if chunkOverlap >= chunkSize {
			chunkOverlap = chunkSize / 5
		}
	}

	seps := make([]*regexp.Regexp, len(defaultSeparators))
	for i, s := range defaultSeparators {
		seps[i] = regexp.MustCompile(s)
	}
	return &RecursiveSplitter{
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
		separators:   seps,
	}
}

// Name implements Splitter.
func (r *RecursiveSplitter) Name() string { return NameRecursive }

// SplitDocuments implements Splitter.
func (r *RecursiveSplitter) SplitDocuments(docs []schema.Document) []schema.Document {
	var out []schema.Document
	for _, doc := range docs {
		for _, chunk := range r.SplitText(doc.PageContent) {
			next := doc.Copy()
			next.PageContent = chunk
			out = append(out, next)
		}
	}
	return out
}

// SplitText splits one text into chunks.
func (r *RecursiveSplitter) SplitText(text string) []string {
	chunks := r.split(text, r.separators)

	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		c = strings.TrimSpace(multiNewline.ReplaceAllString(c, "\n"))
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

func (r *RecursiveSplitter) split(text string, separators []*regexp.Regexp) []string {
	var final []string

	// Pick the first separator that occurs in the text; the rest stay
	// available for oversized pieces.
	sep := separators[len(separators)-1]
	var rest []*regexp.Regexp
	for i, s := range separators {
		if s.MatchString(text) {
			sep = s
			rest = separators[i+1:]
			break
		}
	}

	splits := splitKeepingSeparator(text, sep)

	var pending []string
	flush := func() {
		if len(pending) > 0 {
			final = append(final, r.merge(pending)...)
			pending = nil
		}
	}

	for _, s := range splits {
		if utf8.RuneCountInString(s) < r.chunkSize {
			pending = append(pending, s)
			continue
		}
		flush()
		if len(rest) == 0 {
			final = append(final, s)
		} else {
			final = append(final, r.split(s, rest)...)
		}
	}
	flush()

	return final
}

// splitKeepingSeparator splits text on the pattern, keeping each
// separator attached to the end of the piece before it.
func splitKeepingSeparator(text string, sep *regexp.Regexp) []string {
	locs := sep.FindAllStringIndex(text, -1)
	if locs == nil {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	var parts []string
	prev := 0
	for _, loc := range locs {
		piece := text[prev:loc[1]]
		if piece != "" {
			parts = append(parts, piece)
		}
		prev = loc[1]
	}
	if tail := text[prev:]; tail != "" {
		parts = append(parts, tail)
	}
	return parts
}

// merge greedily packs splits into chunks of at most chunkSize runes,
// keeping up to chunkOverlap trailing runes from the previous chunk.
func (r *RecursiveSplitter) merge(splits []string) []string {
	var docs []string
	var current []string
	total := 0

	appendDoc := func() {
		doc := strings.TrimSpace(strings.Join(current, ""))
		if doc != "" {
			docs = append(docs, doc)
		}
	}

	for _, s := range splits {
		l := utf8.RuneCountInString(s)
		if total+l > r.chunkSize && total > 0 {
			appendDoc()
			// Drop leading pieces until the carry-over fits the overlap
			for total > r.chunkOverlap || (total+l > r.chunkSize && total > 0) {
				total -= utf8.RuneCountInString(current[0])
				current = current[1:]
			}
		}
		current = append(current, s)
		total += l
	}
	appendDoc()

	return docs
}
