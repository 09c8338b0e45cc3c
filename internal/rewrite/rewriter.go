// Package rewrite points image references in markup at optimized WebP copies.
package rewrite

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/webp-offload/internal/metrics"
	"github.com/aliskhannn/webp-offload/internal/model"
	"github.com/aliskhannn/webp-offload/internal/storage/local"
)

// Records reads ledger records.
type Records interface {
	Get(ctx context.Context, id model.AssetID) (model.AssetRecord, bool, error)
}

// Rewriter rewrites <img> references at render time.
type Rewriter struct {
	rc       Context
	resolver *Resolver
	records  Records
	metrics  *metrics.Metrics
}

// Option configures a Rewriter.
type Option func(*Rewriter)

// WithMetrics counts rewritten references on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Rewriter) { r.metrics = m }
}

// New creates a Rewriter.
func New(rc Context, resolver *Resolver, records Records, opts ...Option) *Rewriter {
	r := &Rewriter{rc: rc, resolver: resolver, records: records}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rewrite returns markup with every resolvable <img> reference pointed at its
// CDN copy (with an onerror chain back to the local WebP and the original) or
// at its local WebP sibling, and the number of tags changed. References that
// cannot be resolved stay byte-identical. Rewriting the output again changes
// nothing.
func (r *Rewriter) Rewrite(ctx context.Context, markup string) (string, int) {
	var cdn, loc int

	out := imgTag.ReplaceAllStringFunc(markup, func(raw string) string {
		rewritten, kind := r.rewriteTag(ctx, parseTag(raw))
		switch kind {
		case model.URLKindCDN:
			cdn++
		case model.URLKindLocal:
			loc++
		default:
			return raw
		}
		return rewritten
	})

	r.metrics.ObserveRewrites(string(model.URLKindCDN), cdn)
	r.metrics.ObserveRewrites(string(model.URLKindLocal), loc)

	return out, cdn + loc
}

func (r *Rewriter) rewriteTag(ctx context.Context, t tag) (string, model.URLKind) {
	src, ok := t.get("src")
	if !ok || src.value == "" {
		return t.raw, ""
	}
	rel, ok := r.rc.RelFromUpload(src.value)
	if !ok {
		return t.raw, ""
	}
	asset, ok := r.resolver.ResolveRel(ctx, rel)
	if !ok {
		return t.raw, ""
	}

	if r.rc.CDNEnabled {
		rec, found, err := r.records.Get(ctx, asset.ID)
		if err != nil {
			zlog.Logger.Warn().Err(err).Int64("asset_id", int64(asset.ID)).Msg("ledger lookup failed, leaving reference")
			return t.raw, ""
		}
		if found && rec.Status == model.StatusUploaded && rec.RemoteURL != "" {
			return r.toCDN(t, src, rel, asset, rec.RemoteURL), model.URLKindCDN
		}
	}

	if out, changed := r.toLocal(t, src, rel); changed {
		return out, model.URLKindLocal
	}
	return t.raw, ""
}

func (r *Rewriter) toCDN(t tag, src attr, rel string, asset model.Asset, remoteURL string) string {
	remote := sizedRemote(remoteURL, rel)
	localWebP := r.rc.UploadURLFor(swapExt(rel, ".webp"))

	original := stripQuery(src.value)
	if !isRaster(original) {
		original = swapExt(original, filepath.Ext(asset.Path))
	}

	edits := []edit{{start: src.start, end: src.end, text: formatAttr("src", remote)}}

	if srcset, ok := t.get("srcset"); ok {
		entries := parseSrcset(srcset.value)
		for i, e := range entries {
			if entryRel, ok := r.rc.RelFromUpload(e.url); ok {
				entries[i].url = r.rc.CDNURLFor(swapExt(entryRel, ".webp"))
			}
		}
		edits = append(edits, edit{start: srcset.start, end: srcset.end, text: formatAttr("srcset", formatSrcset(entries))})
	}

	if _, ok := t.get("onerror"); !ok {
		handler := fmt.Sprintf(
			"this.onerror=null;this.removeAttribute('srcset');this.src='%s';this.onerror=function(){this.onerror=null;this.src='%s';}",
			jsEscape(localWebP), jsEscape(original),
		)
		edits = append(edits, insertAttr(t.raw, formatAttr("onerror", handler)))
	}

	return apply(t.raw, edits)
}

func (r *Rewriter) toLocal(t tag, src attr, rel string) (string, bool) {
	var edits []edit

	if isRaster(rel) && local.Exists(local.SiblingWebP(r.diskPath(rel))) {
		edits = append(edits, edit{start: src.start, end: src.end, text: formatAttr("src", swapURLExt(src.value, ".webp"))})
	}

	if srcset, ok := t.get("srcset"); ok {
		entries := parseSrcset(srcset.value)
		changed := false
		for i, e := range entries {
			entryRel, ok := r.rc.RelFromUpload(e.url)
			if !ok || !isRaster(entryRel) || !local.Exists(local.SiblingWebP(r.diskPath(entryRel))) {
				continue
			}
			entries[i].url = swapURLExt(e.url, ".webp")
			changed = true
		}
		if changed {
			edits = append(edits, edit{start: srcset.start, end: srcset.end, text: formatAttr("srcset", formatSrcset(entries))})
		}
	}

	if len(edits) == 0 {
		return t.raw, false
	}
	return apply(t.raw, edits), true
}

// AttachmentURL returns the CDN URL of asset id when offload is enabled and
// the asset has been uploaded, and url otherwise.
func (r *Rewriter) AttachmentURL(ctx context.Context, id model.AssetID, url string) string {
	if !r.rc.CDNEnabled {
		return url
	}
	rec, found, err := r.records.Get(ctx, id)
	if err != nil {
		zlog.Logger.Warn().Err(err).Int64("asset_id", int64(id)).Msg("ledger lookup failed")
		return url
	}
	if !found || rec.Status != model.StatusUploaded || rec.RemoteURL == "" {
		return url
	}
	return rec.RemoteURL
}

func (r *Rewriter) diskPath(rel string) string {
	return filepath.Join(r.rc.UploadDir, filepath.FromSlash(rel))
}

// sizedRemote carries the -WxH suffix of the referenced file over to the
// remote URL of the primary.
func sizedRemote(remote, rel string) string {
	m := sizedName.FindStringSubmatch(path.Base(rel))
	if m == nil {
		return remote
	}
	stem := strings.TrimSuffix(remote, path.Ext(remote))
	if strings.HasSuffix(stem, m[1]) {
		return remote
	}
	return stem + m[1] + ".webp"
}

// insertAttr adds text as the last attribute of the tag.
func insertAttr(raw, text string) edit {
	pos := len(raw) - 1
	if pos > 0 && raw[pos-1] == '/' {
		pos--
	}
	if pos > 0 && (raw[pos-1] == ' ' || raw[pos-1] == '\t' || raw[pos-1] == '\n') {
		return edit{start: pos, end: pos, text: text + " "}
	}
	return edit{start: pos, end: pos, text: " " + text}
}

func stripQuery(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		return u[:i]
	}
	return u
}

// swapURLExt swaps the extension of the path part of u.
func swapURLExt(u, ext string) string {
	suffix := ""
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u, suffix = u[:i], u[i:]
	}
	return swapExt(u, ext) + suffix
}
