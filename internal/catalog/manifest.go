package catalog

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/aliskhannn/webp-offload/internal/model"
)

// ManifestFile is the YAML export of host attachments:
//
//	assets:
//	  - id: 42
//	    file: 2024/05/img.jpg
//	    mime: image/jpeg
//	    sizes:
//	      medium: 2024/05/img-300x200.jpg
type ManifestFile struct {
	Assets []ManifestAsset `yaml:"assets"`
}

// ManifestAsset is one attachment of the manifest. Paths are relative to
// the upload root.
type ManifestAsset struct {
	ID    int64             `yaml:"id"`
	File  string            `yaml:"file"`
	MIME  string            `yaml:"mime"`
	Sizes map[string]string `yaml:"sizes"`
}

// Manifest serves assets from a ManifestFile. It keeps the host's IDs.
type Manifest struct {
	root   string
	assets []model.Asset
	byID   map[model.AssetID]int
	byPath map[string]int
}

// LoadManifest reads and indexes the manifest at path.
func LoadManifest(root, manifestPath string) (*Manifest, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var mf ManifestFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	return NewManifest(root, mf)
}

// NewManifest indexes mf.
func NewManifest(root string, mf ManifestFile) (*Manifest, error) {
	m := &Manifest{
		root:   root,
		byID:   make(map[model.AssetID]int),
		byPath: make(map[string]int),
	}

	items := append([]ManifestAsset(nil), mf.Assets...)
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	for _, it := range items {
		id := model.AssetID(it.ID)
		if it.File == "" {
			return nil, fmt.Errorf("manifest asset %d: file is empty", it.ID)
		}
		if _, dup := m.byID[id]; dup {
			return nil, fmt.Errorf("manifest asset %d: duplicate id", it.ID)
		}

		a := model.Asset{
			ID:   id,
			Path: m.abs(it.File),
			MIME: it.MIME,
		}

		names := make([]string, 0, len(it.Sizes))
		for name := range it.Sizes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			a.Variants = append(a.Variants, model.Variant{Name: name, Path: m.abs(it.Sizes[name])})
		}

		idx := len(m.assets)
		m.assets = append(m.assets, a)
		m.byID[id] = idx
		m.byPath[path.Clean(it.File)] = idx
		for _, name := range names {
			if _, taken := m.byPath[path.Clean(it.Sizes[name])]; !taken {
				m.byPath[path.Clean(it.Sizes[name])] = idx
			}
		}
	}

	return m, nil
}

func (m *Manifest) abs(rel string) string {
	return filepath.Join(m.root, filepath.FromSlash(rel))
}

// List returns assets ordered by ID.
func (m *Manifest) List(_ context.Context, offset, limit int) ([]model.Asset, error) {
	if offset < 0 {
		return nil, fmt.Errorf("offset must not be negative, got %d", offset)
	}
	if offset >= len(m.assets) {
		return nil, nil
	}
	out := m.assets[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return append([]model.Asset(nil), out...), nil
}

// Get returns the asset with id.
func (m *Manifest) Get(_ context.Context, id model.AssetID) (model.Asset, error) {
	idx, ok := m.byID[id]
	if !ok {
		return model.Asset{}, ErrNotFound
	}
	return m.assets[idx], nil
}

// Lookup returns the asset whose file or one of whose sizes is rel.
func (m *Manifest) Lookup(_ context.Context, rel string) (model.Asset, error) {
	idx, ok := m.byPath[path.Clean(filepath.ToSlash(rel))]
	if !ok {
		return model.Asset{}, ErrNotFound
	}
	return m.assets[idx], nil
}
