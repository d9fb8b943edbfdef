package splitter

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbserve/kbserve/internal/schema"
)

func TestNameForFile(t *testing.T) {
	assert.Equal(t, NameMarkdownHeader, NameForFile("guide.md"))
	assert.Equal(t, NameNone, NameForFile("table.csv"))
	assert.Equal(t, NameRecursive, NameForFile("notes.txt"))
	assert.Equal(t, NameRecursive, NameForFile("data.json"))
	assert.Equal(t, NameMarkdownHeader, NameForFile("GUIDE.MD"))
}

func TestRecursiveSplitter_ShortTextSingleChunk(t *testing.T) {
	s := NewRecursiveSplitter(250, 50)

	chunks := s.SplitText("a short paragraph")
	require.Len(t, chunks, 1)
	assert.Equal(t, "a short paragraph", chunks[0])
}

func TestRecursiveSplitter_SplitsOnParagraphsFirst(t *testing.T) {
	s := NewRecursiveSplitter(20, 5)

	text := "first paragraph here\n\nsecond paragraph too"
	chunks := s.SplitText(text)

	require.Len(t, chunks, 2)
	assert.Equal(t, "first paragraph here", chunks[0])
	assert.Equal(t, "second paragraph too", chunks[1])
}

func TestRecursiveSplitter_ChineseSentencePunctuation(t *testing.T) {
	s := NewRecursiveSplitter(12, 0)

	text := "这是第一句话。这是第二句话！这是第三句话？"
	chunks := s.SplitText(text)

	require.True(t, len(chunks) >= 2)
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 12)
	}
	assert.Equal(t, "这是第一句话。", chunks[0])
}

func TestRecursiveSplitter_RespectsChunkSizeInRunes(t *testing.T) {
	s := NewRecursiveSplitter(50, 10)

	// 30 sentences of Chinese text
	text := strings.Repeat("知识库检索服务的测试句子。", 30)
	chunks := s.SplitText(text)

	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 50)
	}
}

func TestRecursiveSplitter_OverlapCarriesTrailingPieces(t *testing.T) {
	s := NewRecursiveSplitter(10, 5)

	chunks := s.SplitText("aaaa。bbbb。cccc。")
	require.GreaterOrEqual(t, len(chunks), 2)
	// Second chunk starts with the overlapped previous sentence
	assert.Equal(t, "aaaa。bbbb。", chunks[0])
	assert.True(t, strings.HasPrefix(chunks[1], "bbbb。"), "got %q", chunks[1])
}

func TestRecursiveSplitter_CollapsesBlankRuns(t *testing.T) {
	s := NewRecursiveSplitter(250, 50)

	chunks := s.SplitText("line one\n\n\n\nline two")
	require.Len(t, chunks, 1)
	assert.NotContains(t, chunks[0], "\n\n")
}

func TestRecursiveSplitter_SplitDocumentsCopiesMetadata(t *testing.T) {
	s := NewRecursiveSplitter(20, 5)

	doc := schema.NewDocument("first paragraph here\n\nsecond paragraph too")
	doc.Metadata["source"] = "notes.txt"

	out := s.SplitDocuments([]schema.Document{doc})
	require.Len(t, out, 2)
	for _, d := range out {
		assert.Equal(t, "notes.txt", d.Metadata["source"])
	}

	// Chunk metadata maps are independent
	out[0].Metadata["head1"] = "x"
	_, ok := out[1].Metadata["head1"]
	assert.False(t, ok)
}

func TestMarkdownHeaderSplitter_HeadingTrailInMetadata(t *testing.T) {
	m := NewMarkdownHeaderSplitter()

	text := `# Guide

intro text

## Install

install steps

### Linux

apt instructions

## Usage

usage notes
`
	doc := schema.NewDocument(text)
	doc.Metadata["source"] = "guide.md"
	out := m.SplitDocuments([]schema.Document{doc})

	require.Len(t, out, 4)

	assert.Equal(t, "intro text", out[0].PageContent)
	assert.Equal(t, "Guide", out[0].Metadata["head1"])

	assert.Equal(t, "install steps", out[1].PageContent)
	assert.Equal(t, "Install", out[1].Metadata["head2"])

	assert.Equal(t, "apt instructions", out[2].PageContent)
	assert.Equal(t, "Linux", out[2].Metadata["head3"])
	assert.Equal(t, "Install", out[2].Metadata["head2"])

	// New ## resets deeper levels
	assert.Equal(t, "usage notes", out[3].PageContent)
	assert.Equal(t, "Usage", out[3].Metadata["head2"])
	_, hasHead3 := out[3].Metadata["head3"]
	assert.False(t, hasHead3)

	// source survives on every chunk
	for _, d := range out {
		assert.Equal(t, "guide.md", d.Metadata["source"])
	}
}

func TestMarkdownHeaderSplitter_IgnoresHeadingsInCodeFences(t *testing.T) {
	m := NewMarkdownHeaderSplitter()

	text := "# Title\n\n```\n# not a heading\n```\n\ntail"
	out := m.SplitDocuments([]schema.Document{schema.NewDocument(text)})

	require.Len(t, out, 1)
	assert.Contains(t, out[0].PageContent, "# not a heading")
	assert.Equal(t, "Title", out[0].Metadata["head1"])
}

func TestMarkdownHeaderSplitter_FiveHashesIsContent(t *testing.T) {
	m := NewMarkdownHeaderSplitter()

	out := m.SplitDocuments([]schema.Document{schema.NewDocument("##### deep\nbody")})
	require.Len(t, out, 1)
	assert.Contains(t, out[0].PageContent, "##### deep")
}

func TestEnhanceTitles_MarksAndPrefixes(t *testing.T) {
	docs := []schema.Document{
		schema.NewDocument("1.2 系统架构"),
		schema.NewDocument("系统由三个组件构成，分别负责存储、索引和检索。"),
		schema.NewDocument("每个组件可以独立部署。"),
	}

	out := EnhanceTitles(docs)

	assert.Equal(t, "cn_Title", out[0].Metadata["category"])
	assert.Equal(t, "下文与(1.2 系统架构)有关。系统由三个组件构成，分别负责存储、索引和检索。", out[1].PageContent)
	assert.Equal(t, "下文与(1.2 系统架构)有关。每个组件可以独立部署。", out[2].PageContent)
}

func TestEnhanceTitles_NoTitleLeavesDocsAlone(t *testing.T) {
	docs := []schema.Document{
		schema.NewDocument("普通正文内容，没有标题结构，用于验证直通行为。"),
	}

	out := EnhanceTitles(docs)
	assert.Equal(t, "普通正文内容，没有标题结构，用于验证直通行为。", out[0].PageContent)
	_, ok := out[0].Metadata["category"]
	assert.False(t, ok)
}

func TestIsPossibleTitle(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"1.2 系统架构", true},
		{"第3章 部署指南", true},
		{"", false},
		{"这是一个以句号结尾的标题。", false},
		{"12345", false}, // all digits
		{"系统架构说明", false}, // no digit in first five runes
		{"这个标题实在太长了超过二十个字符的限制所以不算标题1", false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, isPossibleTitle(tt.text))
		})
	}
}

func TestSplit_CSVBypassesSplitting(t *testing.T) {
	docs := []schema.Document{schema.NewDocument(strings.Repeat("long row content ", 100))}

	out := Split(docs, "table.csv", 50, 10)
	require.Len(t, out, 1)
	assert.Equal(t, docs[0].PageContent, out[0].PageContent)
}
