package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aliskhannn/webp-offload/internal/catalog"
	"github.com/aliskhannn/webp-offload/internal/content"
	"github.com/aliskhannn/webp-offload/internal/model"
	"github.com/aliskhannn/webp-offload/internal/rewrite"
)

func TestReconcileAfterEnablingCDN(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	writeImage(t, e.root, "2024/05/img.jpg")
	writeImage(t, e.root, "2024/05/img-300x200.jpg")
	cat := catalog.NewDir(e.root)
	id := catalog.IDForPath("2024/05/img.jpg")

	res, err := NewBatch(e.orchestrator(false), cat, e.ledger, nil, nil).ProcessBatch(ctx, 0, 5, false)
	require.NoError(t, err)
	require.True(t, res.Done)
	assert.Equal(t, 1, res.NextOffset)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, StateConverted, res.Outcomes[0].State)

	rec, _, _ := e.ledger.Get(ctx, id)
	require.Equal(t, model.StatusConverted, rec.Status)
	converted := e.conv.total()

	// offload enabled later
	res, err = NewBatch(e.orchestrator(true), cat, e.ledger, nil, nil).ProcessBatch(ctx, 0, 5, false)
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, StateUploaded, res.Outcomes[0].State)
	assert.False(t, res.HadError)

	rec, _, _ = e.ledger.Get(ctx, id)
	assert.Equal(t, model.StatusUploaded, rec.Status)
	assert.Equal(t, cdnDomain+"/2024/05/img.webp", rec.RemoteURL)
	assert.Equal(t, converted, e.conv.total(), "no reconversion")
	assert.ElementsMatch(t, []string{"2024/05/img.webp", "2024/05/img-300x200.webp"}, e.store.keys())

	// nothing left to do
	res, err = NewBatch(e.orchestrator(true), cat, e.ledger, nil, nil).ProcessBatch(ctx, 0, 5, false)
	require.NoError(t, err)
	assert.Empty(t, res.Outcomes)
	assert.Equal(t, []string{"asset " + id.String() + ": already processed"}, res.Log)
}

func TestReconcileMissingWebP(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	asset := e.jpeg(t, 21, "img.jpg")

	_, err := e.ledger.Upsert(ctx, asset.ID, model.StatusConverted, "", "", "")
	require.NoError(t, err)

	out := e.orchestrator(true).Reconcile(ctx, asset)
	assert.Equal(t, StateFailed, out.State)
	assert.Contains(t, out.Message, "webp file not found")
	assert.Empty(t, e.store.keys())
}

func TestProcessBatchPaging(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	var assets staticAssets
	for i, name := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		assets = append(assets, e.jpeg(t, model.AssetID(i+1), name))
	}
	b := NewBatch(e.orchestrator(false), assets, e.ledger, nil, nil)

	res, err := b.ProcessBatch(ctx, 0, 2, false)
	require.NoError(t, err)
	assert.False(t, res.Done)
	assert.Equal(t, 2, res.NextOffset)

	res, err = b.ProcessBatch(ctx, res.NextOffset, 2, false)
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Equal(t, 3, res.NextOffset)
	assert.Equal(t, 3, e.mem.Len())

	_, err = b.ProcessBatch(ctx, 0, 0, false)
	assert.Error(t, err)
}

func TestProcessBatchReportsErrors(t *testing.T) {
	e := newEnv(t)
	asset := e.jpeg(t, 1, "bad.jpg")
	e.conv.fail = map[string]error{"bad.jpg": os.ErrInvalid}

	res, err := NewBatch(e.orchestrator(false), staticAssets{asset}, e.ledger, nil, nil).ProcessBatch(context.Background(), 0, 5, false)
	require.NoError(t, err)
	assert.True(t, res.HadError)
	require.Len(t, res.Log, 1)
	assert.Contains(t, res.Log[0], "failed")
}

func TestSyncToStorage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, rel := range []string{
		"2024/05/img.jpg",
		"2024/05/img.webp",
		"2024/05/img-300x200.jpg",
		"2024/05/img-300x200.webp",
		"2024/06/orphan.webp",
	} {
		writeImage(t, e.root, rel)
	}
	cat := catalog.NewDir(e.root)
	b := NewBatch(e.orchestrator(true), cat, e.ledger, nil, nil)

	first, err := b.SyncToStorage(ctx, 0, 2)
	require.NoError(t, err)
	assert.False(t, first.Done)
	assert.Equal(t, 2, first.NextOffset)
	assert.Equal(t, 3, first.Total)
	assert.Equal(t, 2, first.Uploaded)

	second, err := b.SyncToStorage(ctx, first.NextOffset, 2)
	require.NoError(t, err)
	assert.True(t, second.Done)
	assert.Equal(t, 1, second.Uploaded)

	assert.Equal(t, []string{"2024/05/img-300x200.webp", "2024/05/img.webp", "2024/06/orphan.webp"}, e.store.keys())

	rec, found, err := e.ledger.Get(ctx, catalog.IDForPath("2024/05/img.jpg"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.StatusUploaded, rec.Status)
	assert.Equal(t, cdnDomain+"/2024/05/img.webp", rec.RemoteURL, "variant never overwrites the primary URL")

	rec, found, _ = e.ledger.Get(ctx, catalog.IDForPath("2024/06/orphan.webp"))
	require.True(t, found)
	assert.Equal(t, cdnDomain+"/2024/06/orphan.webp", rec.RemoteURL)

	again, err := b.SyncToStorage(ctx, 0, 10)
	require.NoError(t, err)
	assert.True(t, again.Done)
	assert.Zero(t, again.Uploaded)
	assert.Equal(t, 3, again.Skipped)
	assert.Len(t, e.store.keys(), 3)
}

func TestSyncRequiresCDN(t *testing.T) {
	e := newEnv(t)
	_, err := NewBatch(e.orchestrator(false), catalog.NewDir(e.root), e.ledger, nil, nil).SyncToStorage(context.Background(), 0, 10)
	assert.ErrorIs(t, err, ErrOffloadDisabled)
}

func TestBatchRejectsNegativeOffset(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	writeImage(t, e.root, "2024/05/img.jpg")
	writeImage(t, e.root, "2024/05/img.webp")

	rp := rewrite.NewRepointer(rewrite.Context{UploadURL: "https://example.com/uploads", UploadDir: e.root})
	b := NewBatch(e.orchestrator(true), catalog.NewDir(e.root), e.ledger, content.NewDir(t.TempDir()), rp)

	_, err := b.ProcessBatch(ctx, -1, 5, false)
	assert.ErrorContains(t, err, "offset must not be negative")

	_, err = b.SyncToStorage(ctx, -1, 5)
	assert.ErrorContains(t, err, "offset must not be negative")

	_, err = b.RewriteReferences(ctx, -1, 5, model.URLKindLocal)
	assert.ErrorContains(t, err, "offset must not be negative")

	assert.Empty(t, e.store.keys())
	assert.Zero(t, e.conv.total())
}

func TestRewriteReferences(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	writeImage(t, e.root, "2024/05/img.jpg")
	writeImage(t, e.root, "2024/05/img.webp")

	docsDir := t.TempDir()
	posts := map[string]string{
		"a.html": `<p><img src="https://example.com/uploads/2024/05/img.jpg" alt="x"></p>`,
		"b.html": `<p>no images</p>`,
		"c.md":   `<img src="https://example.com/uploads/2024/05/other.png">`,
	}
	for name, body := range posts {
		require.NoError(t, os.WriteFile(filepath.Join(docsDir, name), []byte(body), 0o644))
	}

	rp := rewrite.NewRepointer(rewrite.Context{
		UploadURL: "https://example.com/uploads",
		UploadDir: e.root,
		CDNDomain: cdnDomain,
	})
	b := NewBatch(e.orchestrator(false), catalog.NewDir(e.root), e.ledger, content.NewDir(docsDir), rp)

	res, err := b.RewriteReferences(ctx, 0, 10, model.URLKindCDN)
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Equal(t, 3, res.NextOffset)
	assert.Equal(t, 1, res.Updated)

	data, err := os.ReadFile(filepath.Join(docsDir, "a.html"))
	require.NoError(t, err)
	assert.Equal(t, `<p><img src="`+cdnDomain+`/2024/05/img.webp" alt="x"></p>`, string(data))

	res, err = b.RewriteReferences(ctx, 0, 10, model.URLKindCDN)
	require.NoError(t, err)
	assert.Zero(t, res.Updated)
}

func TestDrive(t *testing.T) {
	var offsets []int
	err := Drive(context.Background(), 0, time.Millisecond, func(_ context.Context, offset int) (int, bool, error) {
		offsets = append(offsets, offset)
		return offset + 5, offset >= 10, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 5, 10}, offsets)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Drive(ctx, 0, time.Hour, func(context.Context, int) (int, bool, error) { return 1, false, nil })
	assert.ErrorIs(t, err, context.Canceled)
}
