package loader

import (
	"fmt"
	"os"

	kberrors "github.com/kbserve/kbserve/internal/errors"
	"github.com/kbserve/kbserve/internal/schema"
)

// TextLoader reads a whole file as one document, auto-detecting its
// encoding. It is the default and the fallback for every extension
// without a specialized loader.
type TextLoader struct{}

// Name implements Loader.
func (l *TextLoader) Name() string { return "TextLoader" }

// Load implements Loader.
func (l *TextLoader) Load(path string) ([]schema.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.ErrCodeLoaderFailed,
			fmt.Errorf("read %s: %w", path, err))
	}

	doc := schema.NewDocument(decodeBytes(data))
	doc.Metadata["source"] = path
	return []schema.Document{doc}, nil
}
