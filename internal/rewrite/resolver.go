package rewrite

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aliskhannn/webp-offload/internal/catalog"
	"github.com/aliskhannn/webp-offload/internal/model"
)

// Catalog looks up the asset owning a path relative to the upload root.
type Catalog interface {
	Lookup(ctx context.Context, rel string) (model.Asset, error)
}

// Context describes where uploads live and where the CDN serves them.
type Context struct {
	UploadURL  string // public URL of the upload root
	UploadDir  string // upload root on disk
	CDNDomain  string
	CDNEnabled bool
}

// RelFromUpload strips the upload URL from u. Scheme differences are
// ignored, and so are query and fragment.
func (c Context) RelFromUpload(u string) (string, bool) {
	return relUnder(c.UploadURL, u)
}

// RelFromCDN strips the CDN domain from u.
func (c Context) RelFromCDN(u string) (string, bool) {
	if c.CDNDomain == "" {
		return "", false
	}
	return relUnder(c.CDNDomain, u)
}

// UploadURLFor joins the upload URL and rel.
func (c Context) UploadURLFor(rel string) string {
	return strings.TrimRight(c.UploadURL, "/") + "/" + rel
}

// CDNURLFor joins the CDN domain and rel.
func (c Context) CDNURLFor(rel string) string {
	return strings.TrimRight(c.CDNDomain, "/") + "/" + rel
}

func relUnder(base, u string) (string, bool) {
	if base == "" {
		return "", false
	}
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	prefix := stripScheme(strings.TrimRight(base, "/")) + "/"
	rest := stripScheme(u)
	if !strings.HasPrefix(rest, prefix) {
		return "", false
	}
	rel := strings.TrimPrefix(rest, prefix)
	if unescaped, err := url.PathUnescape(rel); err == nil {
		rel = unescaped
	}
	rel = path.Clean(rel)
	if rel == "." || strings.HasPrefix(rel, "../") || rel == ".." {
		return "", false
	}
	return rel, true
}

func stripScheme(u string) string {
	for _, s := range []string{"https:", "http:"} {
		if len(u) >= len(s) && strings.EqualFold(u[:len(s)], s) {
			return u[len(s):]
		}
	}
	return u
}

// Resolver maps a referenced URL back to the asset that owns it.
type Resolver struct {
	rc      Context
	catalog Catalog
	cache   *lru.Cache[string, model.Asset]
}

// NewResolver creates a Resolver with an LRU of size entries.
func NewResolver(rc Context, cat Catalog, size int) (*Resolver, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, model.Asset](size)
	if err != nil {
		return nil, fmt.Errorf("resolver cache: %w", err)
	}
	return &Resolver{rc: rc, catalog: cat, cache: cache}, nil
}

// Resolve returns the asset referenced by u, which must point under the
// upload root.
func (r *Resolver) Resolve(ctx context.Context, u string) (model.Asset, bool) {
	rel, ok := r.rc.RelFromUpload(u)
	if !ok {
		return model.Asset{}, false
	}
	return r.ResolveRel(ctx, rel)
}

// ResolveRel resolves a path relative to the upload root. The path is tried
// as-is (a WebP first through its original extensions), then without -WxH
// and -scaled suffixes across the known source extensions. Only hits are
// cached.
func (r *Resolver) ResolveRel(ctx context.Context, rel string) (model.Asset, bool) {
	if a, ok := r.cache.Get(rel); ok {
		return a, true
	}

	for _, candidate := range candidates(rel) {
		a, err := r.catalog.Lookup(ctx, candidate)
		if errors.Is(err, catalog.ErrNotFound) {
			continue
		}
		if err != nil {
			return model.Asset{}, false
		}
		r.cache.Add(rel, a)
		return a, true
	}

	return model.Asset{}, false
}

func candidates(rel string) []string {
	ext := path.Ext(rel)
	stemmed := strings.TrimSuffix(rel, ext)

	var out []string
	seen := make(map[string]bool)
	add := func(c string) {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}

	if strings.EqualFold(ext, ".webp") {
		for _, e := range []string{".jpg", ".jpeg", ".png"} {
			add(stemmed + e)
		}
	}
	add(rel)

	dir, name := path.Split(stemmed)
	base, _, sized := catalog.SplitSize(name)
	base = strings.TrimSuffix(base, "-scaled")
	if !sized && base == name {
		return out
	}
	for _, e := range catalog.SourceExts {
		add(dir + base + e)
	}

	return out
}
