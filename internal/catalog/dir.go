package catalog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/gabriel-vasile/mimetype"

	"github.com/aliskhannn/webp-offload/internal/model"
)

// Dir discovers assets by scanning the upload root. IDs are derived from the
// primary's relative path, so they are stable across scans.
type Dir struct {
	root string
}

// NewDir creates a Dir catalog over root.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

type entry struct {
	rel      string
	variants []string
}

// List returns assets in relative path order.
func (d *Dir) List(ctx context.Context, offset, limit int) ([]model.Asset, error) {
	if offset < 0 {
		return nil, fmt.Errorf("offset must not be negative, got %d", offset)
	}

	entries, err := d.scan(ctx)
	if err != nil {
		return nil, err
	}

	if offset >= len(entries) {
		return nil, nil
	}
	entries = entries[offset:]
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}

	assets := make([]model.Asset, 0, len(entries))
	for _, e := range entries {
		assets = append(assets, d.asset(e))
	}
	return assets, nil
}

// Get finds the asset with id by scanning.
func (d *Dir) Get(ctx context.Context, id model.AssetID) (model.Asset, error) {
	entries, err := d.scan(ctx)
	if err != nil {
		return model.Asset{}, err
	}
	for _, e := range entries {
		if IDForPath(e.rel) == id {
			return d.asset(e), nil
		}
	}
	return model.Asset{}, ErrNotFound
}

// Lookup returns the asset owning rel, which may be a primary or a variant.
// Only rel's directory is read.
func (d *Dir) Lookup(_ context.Context, rel string) (model.Asset, error) {
	rel = path.Clean(filepath.ToSlash(rel))
	dir, name := path.Split(rel)

	names, err := readNames(filepath.Join(d.root, filepath.FromSlash(dir)))
	if errors.Is(err, fs.ErrNotExist) {
		return model.Asset{}, ErrNotFound
	}
	if err != nil {
		return model.Asset{}, err
	}

	for _, g := range classify(names) {
		if g.primary == name || contains(g.variants, name) {
			return d.asset(toEntry(dir, g)), nil
		}
	}
	return model.Asset{}, ErrNotFound
}

func (d *Dir) scan(ctx context.Context) ([]entry, error) {
	dirs := make(map[string][]string)
	err := filepath.WalkDir(d.root, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if de.IsDir() || !de.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		dir, name := path.Split(filepath.ToSlash(rel))
		dirs[dir] = append(dirs[dir], name)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", d.root, err)
	}

	var entries []entry
	for dir, names := range dirs {
		for _, g := range classify(names) {
			entries = append(entries, toEntry(dir, g))
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })

	return entries, nil
}

func (d *Dir) asset(e entry) model.Asset {
	abs := filepath.Join(d.root, filepath.FromSlash(e.rel))

	mime := ""
	if mt, err := mimetype.DetectFile(abs); err == nil {
		mime = mt.String()
	}

	a := model.Asset{
		ID:   IDForPath(e.rel),
		Path: abs,
		MIME: mime,
	}
	for _, v := range e.variants {
		_, size, _ := SplitSize(stem(path.Base(v)))
		a.Variants = append(a.Variants, model.Variant{
			Name: size,
			Path: filepath.Join(d.root, filepath.FromSlash(v)),
		})
	}
	return a
}

func toEntry(dir string, g group) entry {
	e := entry{rel: dir + g.primary}
	vs := append([]string(nil), g.variants...)
	sort.Strings(vs)
	for _, v := range vs {
		e.variants = append(e.variants, dir+v)
	}
	return e
}

func readNames(dir string) ([]string, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(des))
	for _, de := range des {
		if de.Type().IsRegular() {
			names = append(names, de.Name())
		}
	}
	return names, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
