// Package pipeline converts assets to WebP, offloads them to the CDN bucket and
// keeps the ledger in step.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/webp-offload/internal/metrics"
	"github.com/aliskhannn/webp-offload/internal/model"
	"github.com/aliskhannn/webp-offload/internal/storage/local"
	"github.com/aliskhannn/webp-offload/internal/storage/sigv4"
)

// State is where processing of one asset ended.
type State string

const (
	StateStart       State = "start"
	StateAlreadyWebP State = "already_webp"
	StateConverting  State = "converting"
	StateConverted   State = "converted"
	StateUploading   State = "uploading"
	StateUploaded    State = "uploaded"
	StateFailed      State = "failed"
	StateSkipped     State = "skipped"     // already processed
	StateUnsupported State = "unsupported" // not an image type we convert
)

// Outcome is the result of processing one asset.
type Outcome struct {
	AssetID model.AssetID `json:"asset_id"`
	State   State         `json:"state"`
	Message string        `json:"message,omitempty"`
	Err     error         `json:"-"`
}

// converter turns a source image into WebP bytes.
type converter interface {
	Convert(ctx context.Context, path string) ([]byte, error)
}

// ObjectStore is the CDN bucket.
type ObjectStore interface {
	IsConfigured() bool
	UploadFile(ctx context.Context, path, key, contentType string) error
	DeleteObject(ctx context.Context, key string) error
	PublicURL(key string) string
}

// assetLedger records per-asset progress.
type assetLedger interface {
	Get(ctx context.Context, id model.AssetID) (model.AssetRecord, bool, error)
	Upsert(ctx context.Context, id model.AssetID, status model.Status, remoteURL, localPath, errorMessage string) (model.AssetRecord, error)
}

// Options holds the settings the orchestrator reads.
type Options struct {
	UploadDir  string // object keys are paths relative to it
	CDNEnabled bool
}

// Orchestrator runs the convert/persist/upload state machine for one asset at
// a time. It never returns errors: every result is an Outcome, and terminal
// failures are recorded in the ledger.
type Orchestrator struct {
	converter converter
	store     ObjectStore
	ledger    assetLedger
	opts      Options
	metrics   *metrics.Metrics
}

// NewOrchestrator creates an Orchestrator. store may be nil when offload is
// disabled.
func NewOrchestrator(c converter, store ObjectStore, l assetLedger, opts Options, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		converter: c,
		store:     store,
		ledger:    l,
		opts:      opts,
		metrics:   m,
	}
}

// CDNEnabled reports whether uploads are part of processing.
func (o *Orchestrator) CDNEnabled() bool {
	return o.opts.CDNEnabled
}

// Process converts asset, saves <name>.webp beside it and its variants, and
// uploads the results when offload is enabled. A processed asset is left
// alone unless force is set.
func (o *Orchestrator) Process(ctx context.Context, asset model.Asset, force bool) Outcome {
	out := o.process(ctx, asset, force)
	o.metrics.ObserveOutcome(string(out.State))
	return out
}

func (o *Orchestrator) process(ctx context.Context, asset model.Asset, force bool) Outcome {
	if asset.MIME == model.MIMEWebP {
		return o.processWebP(ctx, asset, force)
	}

	if !model.Convertible(asset.MIME) {
		zlog.Logger.Info().Int64("asset_id", int64(asset.ID)).Str("mime", asset.MIME).Msg("unsupported type, skipping")
		return Outcome{AssetID: asset.ID, State: StateUnsupported, Message: "unsupported type " + asset.MIME}
	}

	if skip, out := o.alreadyProcessed(ctx, asset.ID, force); skip {
		return out
	}

	// converting
	data, err := o.converter.Convert(ctx, asset.Path)
	if err != nil {
		return o.fail(ctx, asset.ID, "", fmt.Errorf("conversion failed: %w", err))
	}

	webpPath := local.SiblingWebP(asset.Path)
	if err := local.WriteFile(webpPath, data); err != nil {
		return o.fail(ctx, asset.ID, "", fmt.Errorf("save webp: %w", err))
	}
	zlog.Logger.Info().Int64("asset_id", int64(asset.ID)).Str("path", webpPath).Int("bytes", len(data)).Msg("webp saved")

	o.convertVariants(ctx, asset)

	if !o.opts.CDNEnabled {
		return o.record(ctx, asset.ID, model.StatusConverted, "", webpPath)
	}

	// uploading
	remoteURL, err := o.upload(ctx, webpPath)
	if err != nil {
		return o.fail(ctx, asset.ID, webpPath, fmt.Errorf("upload failed: %w", err))
	}
	o.uploadVariants(ctx, asset)

	return o.record(ctx, asset.ID, model.StatusUploaded, remoteURL, webpPath)
}

// processWebP handles sources that are WebP already: nothing is converted,
// the file itself is offloaded.
func (o *Orchestrator) processWebP(ctx context.Context, asset model.Asset, force bool) Outcome {
	if skip, out := o.alreadyProcessed(ctx, asset.ID, force); skip {
		return out
	}

	if !o.opts.CDNEnabled {
		return o.record(ctx, asset.ID, model.StatusConverted, "", asset.Path)
	}

	remoteURL, err := o.upload(ctx, asset.Path)
	if err != nil {
		return o.fail(ctx, asset.ID, asset.Path, fmt.Errorf("upload failed: %w", err))
	}
	o.uploadVariants(ctx, asset)

	return o.record(ctx, asset.ID, model.StatusUploaded, remoteURL, asset.Path)
}

// Reconcile uploads the existing WebP of a converted asset without
// converting it again.
func (o *Orchestrator) Reconcile(ctx context.Context, asset model.Asset) Outcome {
	out := o.reconcile(ctx, asset)
	o.metrics.ObserveOutcome(string(out.State))
	return out
}

func (o *Orchestrator) reconcile(ctx context.Context, asset model.Asset) Outcome {
	if !o.opts.CDNEnabled {
		return Outcome{AssetID: asset.ID, State: StateSkipped, Message: "cdn offload disabled"}
	}

	rec, found, err := o.ledger.Get(ctx, asset.ID)
	if err != nil {
		return Outcome{AssetID: asset.ID, State: StateFailed, Message: err.Error(), Err: err}
	}
	if found && rec.Status == model.StatusUploaded {
		return Outcome{AssetID: asset.ID, State: StateSkipped, Message: "already uploaded"}
	}

	webpPath := asset.Path
	if asset.MIME != model.MIMEWebP {
		webpPath = local.SiblingWebP(asset.Path)
	}
	if !local.Exists(webpPath) {
		return o.fail(ctx, asset.ID, "", fmt.Errorf("webp file not found: %s", webpPath))
	}

	remoteURL, err := o.upload(ctx, webpPath)
	if err != nil {
		return o.fail(ctx, asset.ID, webpPath, fmt.Errorf("upload failed: %w", err))
	}
	o.uploadVariants(ctx, asset)

	return o.record(ctx, asset.ID, model.StatusUploaded, remoteURL, webpPath)
}

func (o *Orchestrator) alreadyProcessed(ctx context.Context, id model.AssetID, force bool) (bool, Outcome) {
	if force {
		return false, Outcome{}
	}

	rec, found, err := o.ledger.Get(ctx, id)
	if err != nil {
		return true, Outcome{AssetID: id, State: StateFailed, Message: err.Error(), Err: err}
	}
	if found && rec.Status.Processed() {
		return true, Outcome{AssetID: id, State: StateSkipped, Message: "already " + string(rec.Status)}
	}

	return false, Outcome{}
}

// convertVariants converts every size variant independently. Failures are
// logged and never affect the primary.
func (o *Orchestrator) convertVariants(ctx context.Context, asset model.Asset) {
	for _, v := range asset.Variants {
		log := zlog.Logger.With().Int64("asset_id", int64(asset.ID)).Str("variant", v.Name).Logger()

		if !local.Exists(v.Path) {
			log.Warn().Str("path", v.Path).Msg("variant file not found")
			continue
		}

		data, err := o.converter.Convert(ctx, v.Path)
		if err != nil {
			log.Warn().Err(err).Msg("variant conversion failed")
			continue
		}

		if err := local.WriteFile(local.SiblingWebP(v.Path), data); err != nil {
			log.Warn().Err(err).Msg("variant save failed")
			continue
		}
	}
}

// uploadVariants uploads the WebP of every variant that has one, best-effort.
func (o *Orchestrator) uploadVariants(ctx context.Context, asset model.Asset) {
	for _, v := range asset.Variants {
		webpPath := v.Path
		if !strings.EqualFold(filepath.Ext(webpPath), ".webp") {
			webpPath = local.SiblingWebP(v.Path)
		}
		if !local.Exists(webpPath) {
			continue
		}

		if _, err := o.upload(ctx, webpPath); err != nil {
			zlog.Logger.Warn().Err(err).Int64("asset_id", int64(asset.ID)).Str("variant", v.Name).Msg("variant upload failed")
		}
	}
}

// upload puts path into the bucket under its path relative to the upload
// root and returns the public URL.
func (o *Orchestrator) upload(ctx context.Context, path string) (string, error) {
	if o.store == nil {
		return "", sigv4.ErrNotConfigured
	}

	key, err := local.RelPath(o.opts.UploadDir, path)
	if err != nil {
		return "", err
	}

	start := time.Now()
	err = o.store.UploadFile(ctx, path, key, model.MIMEWebP)
	o.metrics.ObserveUpload(time.Since(start), err)
	if err != nil {
		return "", err
	}

	return o.store.PublicURL(key), nil
}

func (o *Orchestrator) record(ctx context.Context, id model.AssetID, status model.Status, remoteURL, localPath string) Outcome {
	if _, err := o.ledger.Upsert(ctx, id, status, remoteURL, localPath, ""); err != nil {
		zlog.Logger.Err(err).Int64("asset_id", int64(id)).Msg("ledger write failed")
		return Outcome{AssetID: id, State: StateFailed, Message: err.Error(), Err: err}
	}

	state := StateConverted
	msg := localPath
	if status == model.StatusUploaded {
		state = StateUploaded
		msg = remoteURL
	}

	zlog.Logger.Info().Int64("asset_id", int64(id)).Str("status", string(status)).Msg("asset processed")

	return Outcome{AssetID: id, State: state, Message: msg}
}

func (o *Orchestrator) fail(ctx context.Context, id model.AssetID, localPath string, cause error) Outcome {
	zlog.Logger.Err(cause).Int64("asset_id", int64(id)).Msg("asset failed")

	if _, err := o.ledger.Upsert(ctx, id, model.StatusError, "", localPath, cause.Error()); err != nil {
		zlog.Logger.Err(err).Int64("asset_id", int64(id)).Msg("ledger write failed")
	}

	return Outcome{AssetID: id, State: StateFailed, Message: cause.Error(), Err: cause}
}
