// Package ledger records per-asset conversion and upload progress. Every
// pipeline step consults it, which makes batches safe to re-run.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aliskhannn/webp-offload/internal/model"
)

// ErrNotFound is returned by stores for assets without a record.
var ErrNotFound = errors.New("asset record not found")

// Store persists asset records. Upsert must replace the whole row for an
// existing asset ID; implementations serialize writes per row.
type Store interface {
	Get(ctx context.Context, id model.AssetID) (model.AssetRecord, error)
	Upsert(ctx context.Context, rec model.AssetRecord) error
	ListByStatus(ctx context.Context, status model.Status, offset, limit int) ([]model.AssetRecord, error)
}

// Ledger is the facade the pipeline talks to.
type Ledger struct {
	store Store
	now   func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces the clock used for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger over store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Get returns the record of id. The boolean is false for pending assets.
func (l *Ledger) Get(ctx context.Context, id model.AssetID) (model.AssetRecord, bool, error) {
	rec, err := l.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return model.AssetRecord{}, false, nil
	}
	if err != nil {
		return model.AssetRecord{}, false, fmt.Errorf("get asset %d: %w", id, err)
	}
	return rec, true, nil
}

// IsProcessed reports whether id is Converted or Uploaded.
func (l *Ledger) IsProcessed(ctx context.Context, id model.AssetID) (bool, error) {
	rec, ok, err := l.Get(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	return rec.Status.Processed(), nil
}

// Upsert writes the full record of id and refreshes UpdatedAt.
func (l *Ledger) Upsert(ctx context.Context, id model.AssetID, status model.Status, remoteURL, localPath, errorMessage string) (model.AssetRecord, error) {
	if !status.Valid() {
		return model.AssetRecord{}, fmt.Errorf("upsert asset %d: invalid status %q", id, status)
	}

	rec := model.AssetRecord{
		AssetID:      id,
		Status:       status,
		RemoteURL:    remoteURL,
		LocalPath:    localPath,
		ErrorMessage: errorMessage,
		UpdatedAt:    l.now().UTC().Truncate(time.Microsecond),
	}

	if err := l.store.Upsert(ctx, rec); err != nil {
		return model.AssetRecord{}, fmt.Errorf("upsert asset %d: %w", id, err)
	}

	return rec, nil
}

// ListByStatus pages through records with status, ordered by asset ID.
func (l *Ledger) ListByStatus(ctx context.Context, status model.Status, offset, limit int) ([]model.AssetRecord, error) {
	recs, err := l.store.ListByStatus(ctx, status, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("list %s assets: %w", status, err)
	}
	return recs, nil
}
