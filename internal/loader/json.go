package loader

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	kberrors "github.com/kbserve/kbserve/internal/errors"
	"github.com/kbserve/kbserve/internal/schema"
)

// JSONLoader reads a JSON file. A top-level array yields one document
// per element; any other value yields a single document.
type JSONLoader struct{}

// Name implements Loader.
func (l *JSONLoader) Name() string { return "JSONLoader" }

// Load implements Loader.
func (l *JSONLoader) Load(path string) ([]schema.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.ErrCodeLoaderFailed,
			fmt.Errorf("read %s: %w", path, err))
	}

	var value any
	if err := json.Unmarshal([]byte(decodeBytes(data)), &value); err != nil {
		return nil, kberrors.Wrap(kberrors.ErrCodeLoaderFailed,
			fmt.Errorf("parse json %s: %w", path, err))
	}

	var docs []schema.Document
	switch v := value.(type) {
	case []any:
		for i, elem := range v {
			doc := schema.NewDocument(renderJSON(elem))
			doc.Metadata["source"] = path
			doc.Metadata["seq_num"] = i + 1
			docs = append(docs, doc)
		}
	default:
		doc := schema.NewDocument(renderJSON(v))
		doc.Metadata["source"] = path
		docs = append(docs, doc)
	}
	return docs, nil
}

// JSONLinesLoader reads newline-delimited JSON, one document per line.
// Lines that fail to parse are kept verbatim rather than dropped.
type JSONLinesLoader struct{}

// Name implements Loader.
func (l *JSONLinesLoader) Name() string { return "JSONLinesLoader" }

// Load implements Loader.
func (l *JSONLinesLoader) Load(path string) ([]schema.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.ErrCodeLoaderFailed,
			fmt.Errorf("read %s: %w", path, err))
	}

	var docs []schema.Document
	scanner := bufio.NewScanner(strings.NewReader(decodeBytes(data)))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	seq := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		seq++

		content := line
		var value any
		if err := json.Unmarshal([]byte(line), &value); err == nil {
			content = renderJSON(value)
		}

		doc := schema.NewDocument(content)
		doc.Metadata["source"] = path
		doc.Metadata["seq_num"] = seq
		docs = append(docs, doc)
	}
	if err := scanner.Err(); err != nil {
		return nil, kberrors.Wrap(kberrors.ErrCodeLoaderFailed,
			fmt.Errorf("scan jsonl %s: %w", path, err))
	}
	return docs, nil
}

// renderJSON flattens a decoded JSON value into readable text. Objects
// become "key: value" lines, scalars their plain representation.
func renderJSON(value any) string {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		// Deterministic output for stable chunk identity
		sort.Strings(keys)
		var lines []string
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("%s: %s", k, renderJSON(v[k])))
		}
		return strings.Join(lines, "\n")
	case string:
		return v
	case nil:
		return ""
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(raw)
	}
}
