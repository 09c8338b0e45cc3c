package asset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/webp-offload/internal/infra/kafka/consumer"
	"github.com/aliskhannn/webp-offload/internal/model"
	"github.com/aliskhannn/webp-offload/internal/pipeline"
	assetsvc "github.com/aliskhannn/webp-offload/internal/service/asset"
)

// service defines the interface for processing announced assets.
type service interface {
	ProcessAsset(ctx context.Context, ev model.AssetEvent) (pipeline.Outcome, error)
}

// UploadedHandler runs the pipeline for every asset.uploaded event. It is the
// boundary where new uploads enter the pipeline.
type UploadedHandler struct {
	service service
}

// NewUploadedHandler creates a new handler with the given service.
func NewUploadedHandler(s service) *UploadedHandler {
	return &UploadedHandler{service: s}
}

// Handle decodes the event and processes its asset. Pipeline failures are
// already recorded in the ledger, so they do not reject the message; lookup
// errors do. Undecodable events and unknown assets are dropped.
func (h *UploadedHandler) Handle(ctx context.Context, msg kafka.Message) error {
	var ev model.AssetEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return fmt.Errorf("%w: unmarshal event: %v", consumer.ErrDiscard, err)
	}

	out, err := h.service.ProcessAsset(ctx, ev)
	if err != nil {
		if errors.Is(err, assetsvc.ErrNotFound) {
			zlog.Logger.Warn().Int64("asset_id", int64(ev.AssetID)).Msg("asset not found, dropping event")
			return nil
		}

		return fmt.Errorf("process asset: %w", err)
	}

	zlog.Logger.Info().
		Int64("asset_id", int64(out.AssetID)).
		Str("event_id", ev.ID.String()).
		Str("state", string(out.State)).
		Msg("asset event handled")

	return nil
}
