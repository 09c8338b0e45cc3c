package rewrite

import (
	"path/filepath"

	"github.com/aliskhannn/webp-offload/internal/model"
	"github.com/aliskhannn/webp-offload/internal/storage/local"
)

// Repointer rewrites stored markup in bulk so that image sources point at
// WebP files that already exist on disk.
type Repointer struct {
	rc Context
}

// NewRepointer creates a Repointer.
func NewRepointer(rc Context) *Repointer {
	return &Repointer{rc: rc}
}

// Repoint switches the src of every <img> under the upload root or the CDN
// domain to the WebP copy of kind, provided that copy exists locally. It
// returns the new markup and the number of replaced sources.
func (p *Repointer) Repoint(markup string, kind model.URLKind) (string, int) {
	if kind == model.URLKindCDN && p.rc.CDNDomain == "" {
		return markup, 0
	}

	count := 0
	out := imgTag.ReplaceAllStringFunc(markup, func(raw string) string {
		t := parseTag(raw)
		src, ok := t.get("src")
		if !ok {
			return raw
		}

		target, ok := p.target(src.value, kind)
		if !ok || target == src.value {
			return raw
		}

		count++
		return apply(raw, []edit{{start: src.start, end: src.end, text: formatAttr("src", target)}})
	})

	return out, count
}

func (p *Repointer) target(u string, kind model.URLKind) (string, bool) {
	switch lowerExt(stripQuery(u)) {
	case ".jpg", ".jpeg", ".png", ".webp":
	default:
		return "", false
	}

	rel, ok := p.rc.RelFromCDN(u)
	if !ok {
		if rel, ok = p.rc.RelFromUpload(u); !ok {
			return "", false
		}
	}

	webpRel := rel
	if lowerExt(rel) != ".webp" {
		webpRel = swapExt(rel, ".webp")
	}
	if !local.Exists(filepath.Join(p.rc.UploadDir, filepath.FromSlash(webpRel))) {
		return "", false
	}

	if kind == model.URLKindCDN {
		return p.rc.CDNURLFor(webpRel), true
	}
	return p.rc.UploadURLFor(webpRel), true
}
