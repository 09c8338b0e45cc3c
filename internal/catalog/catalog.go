// Package catalog enumerates source assets: primary images and their size
// variants under the upload root.
package catalog

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"path"
	"regexp"
	"strings"

	"github.com/aliskhannn/webp-offload/internal/model"
)

// ErrNotFound is returned when no asset owns the requested ID or path.
var ErrNotFound = errors.New("asset not found")

// Source lists and looks up assets. Paths given to Lookup are relative to
// the upload root with forward slashes, and may name a variant.
type Source interface {
	List(ctx context.Context, offset, limit int) ([]model.Asset, error)
	Get(ctx context.Context, id model.AssetID) (model.Asset, error)
	Lookup(ctx context.Context, rel string) (model.Asset, error)
}

// SourceExts are the extensions of images the catalog knows, in the order
// the resolver tries them.
var SourceExts = []string{".jpg", ".jpeg", ".png", ".webp"}

var sizeSuffix = regexp.MustCompile(`^(.+)-(\d+x\d+)$`)

// SplitSize splits "img-300x200" into ("img", "300x200"). ok is false for
// names without a size suffix.
func SplitSize(stem string) (base, size string, ok bool) {
	m := sizeSuffix.FindStringSubmatch(stem)
	if m == nil {
		return stem, "", false
	}
	return m[1], m[2], true
}

// IDForPath derives a stable 63-bit asset ID from a relative path.
func IDForPath(rel string) model.AssetID {
	h := fnv.New64a()
	_, _ = h.Write([]byte(rel))
	id := h.Sum64() & math.MaxInt64
	if id == 0 {
		id = 1
	}
	return model.AssetID(id)
}

func knownExt(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	for _, e := range SourceExts {
		if ext == e {
			return true
		}
	}
	return false
}

func stem(name string) string {
	return strings.TrimSuffix(name, path.Ext(name))
}

// group is one primary file name with the names of its variants.
type group struct {
	primary  string
	variants []string
}

// classify splits the image file names of one directory into primaries and
// variants. WebP files beside a JPEG or PNG of the same stem are derived
// output and are dropped. A -WxH file is a variant only when a primary with
// the bare stem exists; otherwise it is a primary itself.
func classify(names []string) []group {
	originals := make(map[string]bool)
	for _, n := range names {
		if knownExt(n) && strings.ToLower(path.Ext(n)) != ".webp" {
			originals[stem(n)] = true
		}
	}

	var candidates []string
	for _, n := range names {
		if !knownExt(n) {
			continue
		}
		if strings.ToLower(path.Ext(n)) == ".webp" && originals[stem(n)] {
			continue
		}
		candidates = append(candidates, n)
	}

	byStem := make(map[string]string)
	for _, n := range candidates {
		if _, _, sized := SplitSize(stem(n)); !sized {
			if _, dup := byStem[stem(n)]; !dup {
				byStem[stem(n)] = n
			}
		}
	}

	groups := make(map[string]*group)
	var order []string
	add := func(primary string) *group {
		g, ok := groups[primary]
		if !ok {
			g = &group{primary: primary}
			groups[primary] = g
			order = append(order, primary)
		}
		return g
	}

	for _, n := range candidates {
		s := stem(n)
		if base, _, sized := SplitSize(s); sized {
			if owner, ok := byStem[base]; ok {
				g := add(owner)
				g.variants = append(g.variants, n)
				continue
			}
			add(n)
			continue
		}
		add(n)
	}

	out := make([]group, 0, len(order))
	for _, p := range order {
		out = append(out, *groups[p])
	}
	return out
}
