package asset

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/webp-offload/internal/api/respond"
	"github.com/aliskhannn/webp-offload/internal/model"
	"github.com/aliskhannn/webp-offload/internal/pipeline"
	assetsvc "github.com/aliskhannn/webp-offload/internal/service/asset"
)

// service defines the asset operations exposed over HTTP.
type service interface {
	Record(ctx context.Context, id model.AssetID) (model.AssetRecord, error)
	URL(ctx context.Context, id model.AssetID, current string) (string, error)
	Render(ctx context.Context, markup string) (string, int)
	Enqueue(ctx context.Context, id model.AssetID, force bool) (uuid.UUID, error)
	Purge(ctx context.Context, id model.AssetID) error
}

// batch defines the paginated bulk operations.
type batch interface {
	ProcessBatch(ctx context.Context, offset, batchSize int, force bool) (pipeline.ProcessResult, error)
	SyncToStorage(ctx context.Context, offset, batchSize int) (pipeline.SyncResult, error)
	RewriteReferences(ctx context.Context, offset, batchSize int, kind model.URLKind) (pipeline.RewriteResult, error)
}

// BatchSizes are the page sizes used when a request does not set one.
type BatchSizes struct {
	Process int
	Sync    int
	Rewrite int
}

// Handler provides HTTP handlers for asset and batch endpoints.
type Handler struct {
	service     service
	batch       batch
	sizes       BatchSizes
	defaultKind model.URLKind
}

// NewHandler creates a new Handler.
func NewHandler(s service, b batch, sizes BatchSizes, defaultKind model.URLKind) *Handler {
	return &Handler{service: s, batch: b, sizes: sizes, defaultKind: defaultKind}
}

// BatchRequest is the body of the batch endpoints.
type BatchRequest struct {
	Offset    int    `json:"offset"`
	BatchSize int    `json:"batch_size"`
	Force     bool   `json:"force"`
	URLKind   string `json:"url_type"` // "local", "cdn" or the legacy "r2"
}

// EnqueueRequest is the body of POST /assets.
type EnqueueRequest struct {
	AssetID model.AssetID `json:"asset_id"`
	Force   bool          `json:"force"`
}

// RenderRequest is the body of POST /render.
type RenderRequest struct {
	Markup string `json:"markup"`
}

// ProcessBatch handles one page of conversion.
func (h *Handler) ProcessBatch(c *ginext.Context) {
	req, ok := h.bindBatch(c, h.sizes.Process)
	if !ok {
		return
	}

	res, err := h.batch.ProcessBatch(c.Request.Context(), req.Offset, req.BatchSize, req.Force)
	if err != nil {
		zlog.Logger.Err(err).Int("offset", req.Offset).Msg("process batch failed")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("process batch: %w", err))
		return
	}

	respond.OK(c, res)
}

// SyncToStorage handles one page of filesystem sync to the CDN bucket.
func (h *Handler) SyncToStorage(c *ginext.Context) {
	req, ok := h.bindBatch(c, h.sizes.Sync)
	if !ok {
		return
	}

	res, err := h.batch.SyncToStorage(c.Request.Context(), req.Offset, req.BatchSize)
	if err != nil {
		if errors.Is(err, pipeline.ErrOffloadDisabled) {
			respond.Fail(c, http.StatusConflict, err)
			return
		}
		zlog.Logger.Err(err).Int("offset", req.Offset).Msg("sync batch failed")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("sync: %w", err))
		return
	}

	respond.OK(c, res)
}

// RewriteReferences handles one page of bulk reference rewriting.
func (h *Handler) RewriteReferences(c *ginext.Context) {
	req, ok := h.bindBatch(c, h.sizes.Rewrite)
	if !ok {
		return
	}

	kind := h.defaultKind
	if req.URLKind != "" {
		var valid bool
		if kind, valid = model.ParseURLKind(req.URLKind); !valid {
			respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid url_type %q", req.URLKind))
			return
		}
	}

	res, err := h.batch.RewriteReferences(c.Request.Context(), req.Offset, req.BatchSize, kind)
	if err != nil {
		zlog.Logger.Err(err).Int("offset", req.Offset).Msg("rewrite batch failed")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("rewrite: %w", err))
		return
	}

	respond.OK(c, res)
}

// Get returns the ledger record of an asset.
func (h *Handler) Get(c *ginext.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	rec, err := h.service.Record(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "failed to get record")
		return
	}

	respond.OK(c, rec)
}

// URL returns the URL to serve for an asset, optionally given the URL the
// caller currently has in the "url" query parameter.
func (h *Handler) URL(c *ginext.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	u, err := h.service.URL(c.Request.Context(), id, c.Query("url"))
	if err != nil {
		h.fail(c, err, "failed to resolve url")
		return
	}

	respond.OK(c, map[string]interface{}{"asset_id": id, "url": u})
}

// Enqueue publishes an asset event for the workers.
func (h *Handler) Enqueue(c *ginext.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid request: %v", err))
		return
	}
	if req.AssetID <= 0 {
		respond.Fail(c, http.StatusBadRequest, errors.New("asset_id is required"))
		return
	}

	eventID, err := h.service.Enqueue(c.Request.Context(), req.AssetID, req.Force)
	if err != nil {
		if errors.Is(err, assetsvc.ErrQueueDisabled) {
			respond.Fail(c, http.StatusServiceUnavailable, err)
			return
		}
		h.fail(c, err, "failed to enqueue asset")
		return
	}

	zlog.Logger.Info().Int64("asset_id", int64(req.AssetID)).Str("event_id", eventID.String()).Msg("asset enqueued")

	respond.Accepted(c, map[string]interface{}{"event_id": eventID, "asset_id": req.AssetID})
}

// Purge removes the CDN copies of an asset.
func (h *Handler) Purge(c *ginext.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := h.service.Purge(c.Request.Context(), id); err != nil {
		switch {
		case errors.Is(err, assetsvc.ErrNotUploaded), errors.Is(err, pipeline.ErrOffloadDisabled):
			respond.Fail(c, http.StatusConflict, err)
		default:
			h.fail(c, err, "failed to purge asset")
		}
		return
	}

	c.Status(http.StatusNoContent)
}

// Render rewrites the image references of the posted markup.
func (h *Handler) Render(c *ginext.Context) {
	var req RenderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid request: %v", err))
		return
	}

	out, n := h.service.Render(c.Request.Context(), req.Markup)

	respond.OK(c, map[string]interface{}{"markup": out, "rewritten": n})
}

func (h *Handler) bindBatch(c *ginext.Context, defaultSize int) (BatchRequest, bool) {
	var req BatchRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid request: %v", err))
			return req, false
		}
	}
	if req.Offset < 0 {
		respond.Fail(c, http.StatusBadRequest, errors.New("offset must not be negative"))
		return req, false
	}
	if req.BatchSize <= 0 {
		req.BatchSize = defaultSize
	}
	return req, true
}

func (h *Handler) fail(c *ginext.Context, err error, msg string) {
	if errors.Is(err, assetsvc.ErrNotFound) {
		zlog.Logger.Warn().Msg("asset not found")
		respond.Fail(c, http.StatusNotFound, errors.New("asset not found"))
		return
	}

	zlog.Logger.Err(err).Msg(msg)
	respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("%s: %v", msg, err))
}

func parseID(c *ginext.Context) (model.AssetID, bool) {
	idStr := c.Param("id")
	if idStr == "" {
		zlog.Logger.Warn().Msg("missing id")
		respond.Fail(c, http.StatusBadRequest, errors.New("missing id"))
		return 0, false
	}

	id, err := model.ParseAssetID(idStr)
	if err != nil {
		zlog.Logger.Err(err).Msg("failed to parse id")
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid id: %v", err))
		return 0, false
	}

	return id, true
}
