package splitter

import (
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/kbserve/kbserve/internal/schema"
)

// EnhanceTitles marks probable title chunks with category "cn_Title"
// and prefixes each following chunk with a reference to the most recent
// title, improving recall for short Chinese section bodies.
func EnhanceTitles(docs []schema.Document) []schema.Document {
	title := ""
	for i := range docs {
		if isPossibleTitle(docs[i].PageContent) {
			docs[i].Metadata["category"] = "cn_Title"
			title = docs[i].PageContent
		} else if title != "" {
			docs[i].PageContent = fmt.Sprintf("下文与(%s)有关。%s", title, docs[i].PageContent)
		}
	}
	return docs
}

// isPossibleTitle applies the heuristics for a standalone title line:
// short, mostly letters, not punctuation-terminated, and carrying a
// digit within its first five runes (numbered section style).
func isPossibleTitle(text string) bool {
	if text == "" {
		return false
	}
	if utf8.RuneCountInString(text) > 20 {
		return false
	}

	runes := []rune(text)
	last := runes[len(runes)-1]
	if !unicode.IsLetter(last) && !unicode.IsDigit(last) && last != '_' {
		return false
	}

	if underNonAlphaRatio(text, 0.5) {
		return false
	}

	allDigits := true
	for _, r := range runes {
		if !unicode.IsDigit(r) {
			allDigits = false
			break
		}
	}
	if allDigits {
		return false
	}

	head := runes
	if len(head) > 5 {
		head = head[:5]
	}
	hasDigit := false
	for _, r := range head {
		if unicode.IsDigit(r) {
			hasDigit = true
			break
		}
	}
	return hasDigit
}

// underNonAlphaRatio reports whether the share of letters among
// non-space runes falls below threshold. Filters table fragments and
// separator lines that would otherwise look like titles.
func underNonAlphaRatio(text string, threshold float64) bool {
	alpha, total := 0, 0
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsLetter(r) {
			alpha++
		}
	}
	if total == 0 {
		return false
	}
	return float64(alpha)/float64(total) < threshold
}
