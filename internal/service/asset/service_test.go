package asset

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/webp-offload/internal/catalog"
	ledgerpkg "github.com/aliskhannn/webp-offload/internal/ledger"
	"github.com/aliskhannn/webp-offload/internal/model"
	"github.com/aliskhannn/webp-offload/internal/pipeline"
)

func TestMain(m *testing.M) {
	zlog.Init()
	os.Exit(m.Run())
}

const root = "/srv/uploads"

type fakeCatalog map[model.AssetID]model.Asset

func (f fakeCatalog) Get(_ context.Context, id model.AssetID) (model.Asset, error) {
	a, ok := f[id]
	if !ok {
		return model.Asset{}, catalog.ErrNotFound
	}
	return a, nil
}

type fakeProcessor struct{ forced []bool }

func (p *fakeProcessor) Process(_ context.Context, a model.Asset, force bool) pipeline.Outcome {
	p.forced = append(p.forced, force)
	return pipeline.Outcome{AssetID: a.ID, State: pipeline.StateConverted}
}

type fakeRewriter struct{}

func (fakeRewriter) Rewrite(_ context.Context, markup string) (string, int) {
	return markup + "!", 1
}

func (fakeRewriter) AttachmentURL(_ context.Context, id model.AssetID, url string) string {
	if id == 1 {
		return "https://cdn.example.com/a.webp"
	}
	return url
}

type fakeProducer struct {
	events []model.AssetEvent
	err    error
}

func (p *fakeProducer) Produce(_ context.Context, ev model.AssetEvent) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

type fakeStore struct {
	deleted []string
	err     error
}

func (s *fakeStore) DeleteObject(_ context.Context, key string) error {
	if s.err != nil {
		return s.err
	}
	s.deleted = append(s.deleted, key)
	return nil
}

type env struct {
	svc      *Service
	ledger   *ledgerpkg.Ledger
	producer *fakeProducer
	store    *fakeStore
	proc     *fakeProcessor
}

func newEnv() *env {
	e := &env{
		ledger:   ledgerpkg.New(ledgerpkg.NewMemoryStore()),
		producer: &fakeProducer{},
		store:    &fakeStore{},
		proc:     &fakeProcessor{},
	}
	e.svc = NewService(Deps{
		Catalog: fakeCatalog{
			1: {ID: 1, Path: filepath.Join(root, "2024/a.jpg"), MIME: model.MIMEJPEG, Variants: []model.Variant{
				{Name: "150x150", Path: filepath.Join(root, "2024/a-150x150.jpg")},
			}},
			2: {ID: 2, Path: filepath.Join(root, "2024/b.png"), MIME: model.MIMEPNG},
		},
		Ledger:    e.ledger,
		Processor: e.proc,
		Rewriter:  fakeRewriter{},
		Producer:  e.producer,
		Store:     e.store,
		UploadDir: root,
		UploadURL: "https://example.com/uploads/",
	})
	return e
}

func TestRecord(t *testing.T) {
	e := newEnv()
	ctx := context.Background()

	_, err := e.svc.Record(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = e.ledger.Upsert(ctx, 1, model.StatusConverted, "", "/x.webp", "")
	require.NoError(t, err)
	rec, err := e.svc.Record(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConverted, rec.Status)
}

func TestURL(t *testing.T) {
	e := newEnv()
	ctx := context.Background()

	u, err := e.svc.URL(ctx, 1, "")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/a.webp", u)

	u, err = e.svc.URL(ctx, 2, "")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/uploads/2024/b.png", u)

	_, err = e.svc.URL(ctx, 99, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnqueueAndProcess(t *testing.T) {
	e := newEnv()
	ctx := context.Background()

	id, err := e.svc.Enqueue(ctx, 2, true)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)
	require.Len(t, e.producer.events, 1)
	ev := e.producer.events[0]
	assert.Equal(t, model.AssetID(2), ev.AssetID)
	assert.True(t, ev.Force)

	out, err := e.svc.ProcessAsset(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateConverted, out.State)
	assert.Equal(t, []bool{true}, e.proc.forced)

	_, err = e.svc.Enqueue(ctx, 99, false)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = e.svc.ProcessAsset(ctx, model.AssetEvent{AssetID: 99})
	assert.ErrorIs(t, err, ErrNotFound)

	e.producer.err = errors.New("broker down")
	_, err = e.svc.Enqueue(ctx, 2, false)
	assert.ErrorContains(t, err, "broker down")
}

func TestEnqueueWithoutProducer(t *testing.T) {
	svc := NewService(Deps{Catalog: fakeCatalog{}})
	_, err := svc.Enqueue(context.Background(), 1, false)
	assert.ErrorIs(t, err, ErrQueueDisabled)
}

func TestPurge(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	webp := filepath.Join(root, "2024/a.webp")

	assert.ErrorIs(t, e.svc.Purge(ctx, 1), ErrNotFound)

	_, err := e.ledger.Upsert(ctx, 1, model.StatusConverted, "", webp, "")
	require.NoError(t, err)
	assert.ErrorIs(t, e.svc.Purge(ctx, 1), ErrNotUploaded)

	_, err = e.ledger.Upsert(ctx, 1, model.StatusUploaded, "https://cdn.example.com/2024/a.webp", webp, "")
	require.NoError(t, err)
	require.NoError(t, e.svc.Purge(ctx, 1))

	assert.Equal(t, []string{"2024/a.webp", "2024/a-150x150.webp"}, e.store.deleted)
	rec, err := e.svc.Record(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConverted, rec.Status)
	assert.Empty(t, rec.RemoteURL)
	assert.Equal(t, webp, rec.LocalPath)
}

func TestPurgeStorageFailureKeepsRecord(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	_, err := e.ledger.Upsert(ctx, 1, model.StatusUploaded, "https://cdn.example.com/2024/a.webp", filepath.Join(root, "2024/a.webp"), "")
	require.NoError(t, err)

	e.store.err = errors.New("status 403")
	assert.ErrorContains(t, e.svc.Purge(ctx, 1), "403")

	rec, _ := e.svc.Record(ctx, 1)
	assert.Equal(t, model.StatusUploaded, rec.Status)
}

func TestRender(t *testing.T) {
	out, n := newEnv().svc.Render(context.Background(), "<p>")
	assert.Equal(t, "<p>!", out)
	assert.Equal(t, 1, n)
}
