package asset

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/webp-offload/internal/infra/kafka/consumer"
	"github.com/aliskhannn/webp-offload/internal/model"
	"github.com/aliskhannn/webp-offload/internal/pipeline"
	assetsvc "github.com/aliskhannn/webp-offload/internal/service/asset"
)

func TestMain(m *testing.M) {
	zlog.Init()
	os.Exit(m.Run())
}

type fakeService struct {
	events []model.AssetEvent
	err    error
}

func (f *fakeService) ProcessAsset(_ context.Context, ev model.AssetEvent) (pipeline.Outcome, error) {
	f.events = append(f.events, ev)
	if f.err != nil {
		return pipeline.Outcome{}, f.err
	}
	return pipeline.Outcome{AssetID: ev.AssetID, State: pipeline.StateFailed, Message: "upload failed"}, nil
}

func message(t *testing.T, ev model.AssetEvent) kafka.Message {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return kafka.Message{Key: []byte(ev.AssetID.String()), Value: data}
}

func TestHandle(t *testing.T) {
	svc := &fakeService{}
	h := NewUploadedHandler(svc)
	ev := model.AssetEvent{ID: uuid.New(), AssetID: 42, Force: true}

	// a failed outcome is recorded by the pipeline and still acknowledged
	require.NoError(t, h.Handle(context.Background(), message(t, ev)))
	require.Len(t, svc.events, 1)
	assert.Equal(t, ev, svc.events[0])
}

func TestHandleErrors(t *testing.T) {
	ctx := context.Background()
	ev := model.AssetEvent{ID: uuid.New(), AssetID: 1}

	err := NewUploadedHandler(&fakeService{}).Handle(ctx, kafka.Message{Value: []byte("{")})
	assert.ErrorContains(t, err, "unmarshal event")
	assert.ErrorIs(t, err, consumer.ErrDiscard)

	missing := &fakeService{err: assetsvc.ErrNotFound}
	assert.NoError(t, NewUploadedHandler(missing).Handle(ctx, message(t, ev)))

	broken := &fakeService{err: errors.New("catalog unavailable")}
	err = NewUploadedHandler(broken).Handle(ctx, message(t, ev))
	assert.ErrorContains(t, err, "catalog unavailable")
	assert.NotErrorIs(t, err, consumer.ErrDiscard)
}
