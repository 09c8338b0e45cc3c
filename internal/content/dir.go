// Package content stores markup documents whose image references the bulk
// rewriter repoints.
package content

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aliskhannn/webp-offload/internal/model"
	"github.com/aliskhannn/webp-offload/internal/storage/local"
)

var documentExts = map[string]bool{".html": true, ".htm": true, ".md": true}

// Dir serves .html, .htm and .md files under a directory, ordered by path.
type Dir struct {
	root string
}

// NewDir creates a document store over root.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

// List returns one page of documents with their content loaded.
func (d *Dir) List(ctx context.Context, offset, limit int) ([]model.Document, error) {
	if offset < 0 {
		return nil, fmt.Errorf("offset must not be negative, got %d", offset)
	}

	var paths []string
	err := filepath.WalkDir(d.root, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if de.Type().IsRegular() && documentExts[strings.ToLower(filepath.Ext(p))] {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan documents: %w", err)
	}
	sort.Strings(paths)

	if offset >= len(paths) {
		return nil, nil
	}
	paths = paths[offset:]
	if limit > 0 && limit < len(paths) {
		paths = paths[:limit]
	}

	docs := make([]model.Document, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read document: %w", err)
		}
		rel, _ := filepath.Rel(d.root, p)
		docs = append(docs, model.Document{
			ID:      filepath.ToSlash(rel),
			Path:    p,
			Content: string(data),
		})
	}

	return docs, nil
}

// Update writes doc.Content back to doc.Path atomically.
func (d *Dir) Update(_ context.Context, doc model.Document) error {
	return local.WriteFile(doc.Path, []byte(doc.Content))
}
