package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/webp-offload/internal/catalog"
	"github.com/aliskhannn/webp-offload/internal/model"
	"github.com/aliskhannn/webp-offload/internal/storage/local"
)

// ErrOffloadDisabled is returned by operations that need the CDN bucket.
var ErrOffloadDisabled = errors.New("cdn offload is disabled")

// assetSource enumerates assets and finds the owner of a file.
type assetSource interface {
	List(ctx context.Context, offset, limit int) ([]model.Asset, error)
	Lookup(ctx context.Context, rel string) (model.Asset, error)
}

// documentStore pages through markup documents.
type documentStore interface {
	List(ctx context.Context, offset, limit int) ([]model.Document, error)
	Update(ctx context.Context, doc model.Document) error
}

// repointer rewrites image sources in stored markup.
type repointer interface {
	Repoint(markup string, kind model.URLKind) (string, int)
}

// ProcessResult is one page of ProcessBatch.
type ProcessResult struct {
	NextOffset int       `json:"next_offset"`
	Done       bool      `json:"done"`
	Log        []string  `json:"log"`
	HadError   bool      `json:"had_error"`
	Outcomes   []Outcome `json:"outcomes"`
}

// SyncResult is one page of SyncToStorage.
type SyncResult struct {
	NextOffset int      `json:"next_offset"`
	Done       bool     `json:"done"`
	Uploaded   int      `json:"uploaded"`
	Skipped    int      `json:"skipped"`
	Total      int      `json:"total"`
	Log        []string `json:"log"`
	HadError   bool     `json:"had_error"`
}

// RewriteResult is one page of RewriteReferences.
type RewriteResult struct {
	NextOffset int      `json:"next_offset"`
	Done       bool     `json:"done"`
	Updated    int      `json:"updated"`
	Log        []string `json:"log"`
}

// Batch exposes the paginated operations a driver loop calls until Done.
type Batch struct {
	orch      *Orchestrator
	assets    assetSource
	ledger    assetLedger
	docs      documentStore
	repointer repointer
}

// NewBatch creates a Batch. docs and rp may be nil when reference rewriting
// is not used.
func NewBatch(orch *Orchestrator, assets assetSource, l assetLedger, docs documentStore, rp repointer) *Batch {
	return &Batch{
		orch:      orch,
		assets:    assets,
		ledger:    l,
		docs:      docs,
		repointer: rp,
	}
}

// ProcessBatch processes one page of the catalog. Assets without a record,
// failed assets and every asset when force is set go through the
// orchestrator; converted assets are uploaded when offload has been enabled
// since. Errors are per item; the returned error is for the page itself.
func (b *Batch) ProcessBatch(ctx context.Context, offset, batchSize int, force bool) (ProcessResult, error) {
	if batchSize <= 0 {
		return ProcessResult{}, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if offset < 0 {
		return ProcessResult{}, fmt.Errorf("offset must not be negative, got %d", offset)
	}

	assets, err := b.assets.List(ctx, offset, batchSize)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("list assets: %w", err)
	}

	res := ProcessResult{
		NextOffset: offset + len(assets),
		Done:       len(assets) < batchSize,
	}

	for _, a := range assets {
		rec, found, err := b.ledger.Get(ctx, a.ID)
		if err != nil {
			res.HadError = true
			res.Log = append(res.Log, fmt.Sprintf("asset %d: ledger: %v", a.ID, err))
			continue
		}

		var out Outcome
		switch {
		case !found || rec.Status == model.StatusError || force:
			out = b.orch.Process(ctx, a, force)
		case rec.Status == model.StatusConverted && b.orch.CDNEnabled():
			out = b.orch.Reconcile(ctx, a)
		default:
			res.Log = append(res.Log, fmt.Sprintf("asset %d: already processed", a.ID))
			continue
		}

		res.Outcomes = append(res.Outcomes, out)
		res.Log = append(res.Log, formatOutcome(out))
		if out.State == StateFailed {
			res.HadError = true
		}
	}

	return res, nil
}

// SyncToStorage uploads one page of the WebP files found under the upload
// root. Files of assets that are already uploaded are skipped. The ledger is
// updated only for an asset's primary WebP.
func (b *Batch) SyncToStorage(ctx context.Context, offset, batchSize int) (SyncResult, error) {
	if batchSize <= 0 {
		return SyncResult{}, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if offset < 0 {
		return SyncResult{}, fmt.Errorf("offset must not be negative, got %d", offset)
	}
	if !b.orch.CDNEnabled() {
		return SyncResult{}, ErrOffloadDisabled
	}

	files, err := findWebP(ctx, b.orch.opts.UploadDir)
	if err != nil {
		return SyncResult{}, err
	}

	res := SyncResult{Total: len(files)}
	page := files[min(offset, len(files)):]
	if len(page) > batchSize {
		page = page[:batchSize]
	}
	res.NextOffset = offset + len(page)
	res.Done = len(page) < batchSize

	for _, file := range page {
		rel, _ := local.RelPath(b.orch.opts.UploadDir, file)

		asset, owned := b.owner(ctx, file)
		if owned {
			rec, found, err := b.ledger.Get(ctx, asset.ID)
			if err != nil {
				res.HadError = true
				res.Log = append(res.Log, fmt.Sprintf("failed: %s: %v", rel, err))
				continue
			}
			if found && rec.Status == model.StatusUploaded {
				res.Skipped++
				continue
			}
		}

		remoteURL, err := b.orch.upload(ctx, file)
		if err != nil {
			res.HadError = true
			res.Log = append(res.Log, fmt.Sprintf("failed: %s: %v", rel, err))
			continue
		}
		res.Uploaded++
		res.Log = append(res.Log, "uploaded: "+rel)

		if owned && primaryWebP(asset) == file {
			if _, err := b.ledger.Upsert(ctx, asset.ID, model.StatusUploaded, remoteURL, file, ""); err != nil {
				res.HadError = true
				zlog.Logger.Err(err).Int64("asset_id", int64(asset.ID)).Msg("ledger write failed")
			}
		}
	}

	return res, nil
}

// owner finds the asset a WebP file belongs to through its original sibling,
// or the file itself for WebP sources.
func (b *Batch) owner(ctx context.Context, webpPath string) (model.Asset, bool) {
	stem := strings.TrimSuffix(webpPath, filepath.Ext(webpPath))

	candidates := make([]string, 0, 4)
	for _, ext := range []string{".jpg", ".jpeg", ".png"} {
		if local.Exists(stem + ext) {
			candidates = append(candidates, stem+ext)
		}
	}
	candidates = append(candidates, webpPath)

	for _, c := range candidates {
		rel, err := local.RelPath(b.orch.opts.UploadDir, c)
		if err != nil {
			continue
		}
		a, err := b.assets.Lookup(ctx, rel)
		if err == nil {
			return a, true
		}
		if !errors.Is(err, catalog.ErrNotFound) {
			zlog.Logger.Warn().Err(err).Str("path", c).Msg("asset lookup failed")
		}
	}

	return model.Asset{}, false
}

func primaryWebP(a model.Asset) string {
	if a.MIME == model.MIMEWebP {
		return a.Path
	}
	return local.SiblingWebP(a.Path)
}

// RewriteReferences repoints image sources in one page of documents to the
// WebP copies of kind and saves the documents that changed.
func (b *Batch) RewriteReferences(ctx context.Context, offset, batchSize int, kind model.URLKind) (RewriteResult, error) {
	if batchSize <= 0 {
		return RewriteResult{}, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if offset < 0 {
		return RewriteResult{}, fmt.Errorf("offset must not be negative, got %d", offset)
	}
	if b.docs == nil || b.repointer == nil {
		return RewriteResult{}, errors.New("no document store configured")
	}

	docs, err := b.docs.List(ctx, offset, batchSize)
	if err != nil {
		return RewriteResult{}, fmt.Errorf("list documents: %w", err)
	}

	res := RewriteResult{
		NextOffset: offset + len(docs),
		Done:       len(docs) < batchSize,
	}

	for _, doc := range docs {
		content, n := b.repointer.Repoint(doc.Content, kind)
		if n == 0 {
			res.Log = append(res.Log, fmt.Sprintf("%s: no changes needed", doc.ID))
			continue
		}

		doc.Content = content
		if err := b.docs.Update(ctx, doc); err != nil {
			return res, fmt.Errorf("update %s: %w", doc.ID, err)
		}
		res.Updated++
		res.Log = append(res.Log, fmt.Sprintf("%s: updated %d image(s) to %s webp", doc.ID, n, kind))
	}

	return res, nil
}

// findWebP returns every .webp file under root, sorted.
func findWebP(ctx context.Context, root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if de.Type().IsRegular() && strings.EqualFold(filepath.Ext(p), ".webp") {
			files = append(files, p)
		}
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}

func formatOutcome(o Outcome) string {
	if o.Message == "" {
		return fmt.Sprintf("asset %d: %s", o.AssetID, o.State)
	}
	return fmt.Sprintf("asset %d: %s: %s", o.AssetID, o.State, o.Message)
}

// Drive calls step from offset until it reports done or ctx is cancelled,
// waiting pause between pages.
func Drive(ctx context.Context, offset int, pause time.Duration, step func(ctx context.Context, offset int) (next int, done bool, err error)) error {
	for {
		next, done, err := step(ctx, offset)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		offset = next

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}
}
