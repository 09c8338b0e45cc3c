package asset

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/webp-offload/internal/catalog"
	"github.com/aliskhannn/webp-offload/internal/model"
	"github.com/aliskhannn/webp-offload/internal/pipeline"
	"github.com/aliskhannn/webp-offload/internal/storage/local"
)

var (
	// ErrNotFound is returned when an asset or its record does not exist.
	ErrNotFound = errors.New("asset not found")

	// ErrNotUploaded is returned when purging an asset that has no CDN copy.
	ErrNotUploaded = errors.New("asset is not uploaded")

	// ErrQueueDisabled is returned by Enqueue without a producer.
	ErrQueueDisabled = errors.New("asset queue is disabled")
)

// assetFinder finds assets by ID.
type assetFinder interface {
	Get(ctx context.Context, id model.AssetID) (model.Asset, error)
}

// ledger reads and writes asset records.
type ledger interface {
	Get(ctx context.Context, id model.AssetID) (model.AssetRecord, bool, error)
	Upsert(ctx context.Context, id model.AssetID, status model.Status, remoteURL, localPath, errorMessage string) (model.AssetRecord, error)
}

// processor runs the pipeline for one asset.
type processor interface {
	Process(ctx context.Context, asset model.Asset, force bool) pipeline.Outcome
}

// rewriter rewrites image references.
type rewriter interface {
	Rewrite(ctx context.Context, markup string) (string, int)
	AttachmentURL(ctx context.Context, id model.AssetID, url string) string
}

// producer publishes asset events.
type producer interface {
	Produce(ctx context.Context, ev model.AssetEvent) error
}

// objectStore removes objects from the CDN bucket.
type objectStore interface {
	DeleteObject(ctx context.Context, key string) error
}

// Service ties the pipeline, the ledger and the rewriter together for the
// HTTP and queue boundaries.
type Service struct {
	catalog   assetFinder
	ledger    ledger
	processor processor
	rewriter  rewriter
	producer  producer
	store     objectStore
	uploadDir string
	uploadURL string
}

// Deps holds the collaborators of a Service. Producer and Store may be nil.
type Deps struct {
	Catalog   assetFinder
	Ledger    ledger
	Processor processor
	Rewriter  rewriter
	Producer  producer
	Store     objectStore
	UploadDir string
	UploadURL string
}

// NewService creates a new Service.
func NewService(d Deps) *Service {
	return &Service{
		catalog:   d.Catalog,
		ledger:    d.Ledger,
		processor: d.Processor,
		rewriter:  d.Rewriter,
		producer:  d.Producer,
		store:     d.Store,
		uploadDir: d.UploadDir,
		uploadURL: d.UploadURL,
	}
}

// Record returns the ledger record of id.
func (s *Service) Record(ctx context.Context, id model.AssetID) (model.AssetRecord, error) {
	rec, found, err := s.ledger.Get(ctx, id)
	if err != nil {
		return model.AssetRecord{}, fmt.Errorf("get record: %w", err)
	}
	if !found {
		return model.AssetRecord{}, ErrNotFound
	}
	return rec, nil
}

// URL returns the URL to serve for asset id. Without a current URL the local
// URL of the source file is used as the fallback.
func (s *Service) URL(ctx context.Context, id model.AssetID, current string) (string, error) {
	if current == "" {
		a, err := s.asset(ctx, id)
		if err != nil {
			return "", err
		}
		rel, err := local.RelPath(s.uploadDir, a.Path)
		if err != nil {
			return "", err
		}
		current = strings.TrimRight(s.uploadURL, "/") + "/" + rel
	}
	return s.rewriter.AttachmentURL(ctx, id, current), nil
}

// Render rewrites the image references in markup.
func (s *Service) Render(ctx context.Context, markup string) (string, int) {
	return s.rewriter.Rewrite(ctx, markup)
}

// Enqueue publishes an event asking the workers to process id.
func (s *Service) Enqueue(ctx context.Context, id model.AssetID, force bool) (uuid.UUID, error) {
	if s.producer == nil {
		return uuid.Nil, ErrQueueDisabled
	}
	if _, err := s.asset(ctx, id); err != nil {
		return uuid.Nil, err
	}

	ev := model.AssetEvent{ID: uuid.New(), AssetID: id, Force: force}
	if err := s.producer.Produce(ctx, ev); err != nil {
		return uuid.Nil, fmt.Errorf("enqueue asset: %w", err)
	}

	return ev.ID, nil
}

// ProcessAsset runs the pipeline for the asset named by ev.
func (s *Service) ProcessAsset(ctx context.Context, ev model.AssetEvent) (pipeline.Outcome, error) {
	a, err := s.asset(ctx, ev.AssetID)
	if err != nil {
		return pipeline.Outcome{}, err
	}
	return s.processor.Process(ctx, a, ev.Force), nil
}

// Purge deletes the CDN copies of id and moves its record back to converted.
// The local WebP files stay.
func (s *Service) Purge(ctx context.Context, id model.AssetID) error {
	if s.store == nil {
		return pipeline.ErrOffloadDisabled
	}

	rec, err := s.Record(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != model.StatusUploaded {
		return ErrNotUploaded
	}

	key, err := local.RelPath(s.uploadDir, rec.LocalPath)
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	if err := s.store.DeleteObject(ctx, key); err != nil {
		return fmt.Errorf("purge %s: %w", key, err)
	}

	if a, err := s.catalog.Get(ctx, id); err == nil {
		for _, v := range a.Variants {
			vkey, err := local.RelPath(s.uploadDir, local.SiblingWebP(v.Path))
			if err != nil {
				continue
			}
			if err := s.store.DeleteObject(ctx, vkey); err != nil {
				zlog.Logger.Warn().Err(err).Str("key", vkey).Msg("failed to purge variant")
			}
		}
	}

	if _, err := s.ledger.Upsert(ctx, id, model.StatusConverted, "", rec.LocalPath, ""); err != nil {
		return fmt.Errorf("purge: %w", err)
	}

	zlog.Logger.Info().Int64("asset_id", int64(id)).Str("key", key).Msg("asset purged from cdn")

	return nil
}

func (s *Service) asset(ctx context.Context, id model.AssetID) (model.Asset, error) {
	a, err := s.catalog.Get(ctx, id)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return model.Asset{}, ErrNotFound
		}
		return model.Asset{}, fmt.Errorf("get asset: %w", err)
	}
	return a, nil
}
