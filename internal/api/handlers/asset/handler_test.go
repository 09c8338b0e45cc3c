package asset_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/webp-offload/internal/api/handlers/asset"
	"github.com/aliskhannn/webp-offload/internal/api/router"
	"github.com/aliskhannn/webp-offload/internal/model"
	"github.com/aliskhannn/webp-offload/internal/pipeline"
	assetsvc "github.com/aliskhannn/webp-offload/internal/service/asset"
)

func TestMain(m *testing.M) {
	zlog.Init()
	os.Exit(m.Run())
}

type fakeService struct {
	purged []model.AssetID
}

func (f *fakeService) Record(_ context.Context, id model.AssetID) (model.AssetRecord, error) {
	if id != 42 {
		return model.AssetRecord{}, assetsvc.ErrNotFound
	}
	return model.AssetRecord{AssetID: 42, Status: model.StatusConverted, LocalPath: "/u/img.webp"}, nil
}

func (f *fakeService) URL(_ context.Context, id model.AssetID, current string) (string, error) {
	return current + "?id=" + id.String(), nil
}

func (f *fakeService) Render(_ context.Context, markup string) (string, int) {
	return strings.ReplaceAll(markup, ".jpg", ".webp"), strings.Count(markup, ".jpg")
}

func (f *fakeService) Enqueue(_ context.Context, id model.AssetID, _ bool) (uuid.UUID, error) {
	if id == 7 {
		return uuid.Nil, assetsvc.ErrQueueDisabled
	}
	return uuid.MustParse("6f1b5a9e-1f6d-4c52-9a43-0b8e3f0c2d11"), nil
}

func (f *fakeService) Purge(_ context.Context, id model.AssetID) error {
	if id == 5 {
		return assetsvc.ErrNotUploaded
	}
	f.purged = append(f.purged, id)
	return nil
}

type fakeBatch struct {
	offset, size int
	force        bool
	kind         model.URLKind
}

func (b *fakeBatch) ProcessBatch(_ context.Context, offset, size int, force bool) (pipeline.ProcessResult, error) {
	b.offset, b.size, b.force = offset, size, force
	return pipeline.ProcessResult{NextOffset: offset + size, Log: []string{"asset 1: converted"}}, nil
}

func (b *fakeBatch) SyncToStorage(context.Context, int, int) (pipeline.SyncResult, error) {
	return pipeline.SyncResult{}, pipeline.ErrOffloadDisabled
}

func (b *fakeBatch) RewriteReferences(_ context.Context, offset, size int, kind model.URLKind) (pipeline.RewriteResult, error) {
	b.offset, b.size, b.kind = offset, size, kind
	return pipeline.RewriteResult{NextOffset: offset + size, Done: true, Updated: 2}, nil
}

type fixture struct {
	svc   *fakeService
	batch *fakeBatch
	srv   http.Handler
}

func newFixture() *fixture {
	f := &fixture{svc: &fakeService{}, batch: &fakeBatch{}}
	h := asset.NewHandler(f.svc, f.batch, asset.BatchSizes{Process: 5, Sync: 20, Rewrite: 10}, model.URLKindLocal)
	f.srv = router.Setup(h, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	}))
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)

	var decoded map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded))
	}
	return w, decoded
}

func TestProcessBatchDefaults(t *testing.T) {
	f := newFixture()

	w, body := f.do(t, http.MethodPost, "/api/batches/process", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, f.batch.size)
	result := body["result"].(map[string]interface{})
	assert.EqualValues(t, 5, result["next_offset"])

	w, _ = f.do(t, http.MethodPost, "/api/batches/process", `{"offset":10,"batch_size":3,"force":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 10, f.batch.offset)
	assert.Equal(t, 3, f.batch.size)
	assert.True(t, f.batch.force)

	w, _ = f.do(t, http.MethodPost, "/api/batches/process", `{"offset":-1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSyncDisabled(t *testing.T) {
	w, body := newFixture().do(t, http.MethodPost, "/api/batches/sync", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, body["message"], "disabled")
}

func TestRewriteKinds(t *testing.T) {
	f := newFixture()

	w, _ := f.do(t, http.MethodPost, "/api/batches/rewrite", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.URLKindLocal, f.batch.kind)
	assert.Equal(t, 10, f.batch.size)

	w, _ = f.do(t, http.MethodPost, "/api/batches/rewrite", `{"url_type":"r2"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.URLKindCDN, f.batch.kind)

	w, _ = f.do(t, http.MethodPost, "/api/batches/rewrite", `{"url_type":"ftp"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAssetEndpoints(t *testing.T) {
	f := newFixture()

	w, body := f.do(t, http.MethodGet, "/api/assets/42", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "converted", body["result"].(map[string]interface{})["status"])

	w, _ = f.do(t, http.MethodGet, "/api/assets/43", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = f.do(t, http.MethodGet, "/api/assets/abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = f.do(t, http.MethodGet, "/api/assets/42/url?url=https://example.com/a.jpg", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://example.com/a.jpg?id=42", body["result"].(map[string]interface{})["url"])

	w, _ = f.do(t, http.MethodDelete, "/api/assets/42/remote", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []model.AssetID{42}, f.svc.purged)

	w, _ = f.do(t, http.MethodDelete, "/api/assets/5/remote", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestEnqueue(t *testing.T) {
	f := newFixture()

	w, body := f.do(t, http.MethodPost, "/api/assets", `{"asset_id":42}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "6f1b5a9e-1f6d-4c52-9a43-0b8e3f0c2d11", body["result"].(map[string]interface{})["event_id"])

	w, _ = f.do(t, http.MethodPost, "/api/assets", `{"asset_id":7}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/assets", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRender(t *testing.T) {
	w, body := newFixture().do(t, http.MethodPost, "/api/render", `{"markup":"<img src=\"a.jpg\">"}`)
	require.Equal(t, http.StatusOK, w.Code)
	result := body["result"].(map[string]interface{})
	assert.Equal(t, `<img src="a.webp">`, result["markup"])
	assert.EqualValues(t, 1, result["rewritten"])
}

func TestMetricsRoute(t *testing.T) {
	w, _ := newFixture().do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "# metrics", w.Body.String())
}
