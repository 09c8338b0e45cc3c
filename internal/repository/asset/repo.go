package asset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/wb-go/wbf/dbpg"

	"github.com/aliskhannn/webp-offload/internal/ledger"
	"github.com/aliskhannn/webp-offload/internal/model"
)

const schema = `
	CREATE TABLE IF NOT EXISTS asset_records (
		asset_id      BIGINT PRIMARY KEY,
		status        TEXT NOT NULL,
		remote_url    TEXT NOT NULL DEFAULT '',
		local_path    TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		updated_at    TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS asset_records_status ON asset_records (status, asset_id);
`

// Repository is the Postgres implementation of ledger.Store.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new Repository with the given DB connection.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// EnsureSchema creates the asset_records table when missing.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Get retrieves the record of id from the database.
func (r *Repository) Get(ctx context.Context, id model.AssetID) (model.AssetRecord, error) {
	query := `
		SELECT asset_id, status, remote_url, local_path, error_message, updated_at
		FROM asset_records
		WHERE asset_id = $1
	`

	var rec model.AssetRecord
	err := r.db.Master.QueryRowContext(ctx, query, int64(id)).Scan(
		&rec.AssetID, &rec.Status, &rec.RemoteURL, &rec.LocalPath, &rec.ErrorMessage, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AssetRecord{}, ledger.ErrNotFound
		}

		return model.AssetRecord{}, fmt.Errorf("get: failed to get asset record: %w", err)
	}

	rec.UpdatedAt = rec.UpdatedAt.UTC()

	return rec, nil
}

// Upsert inserts the record or replaces the existing row of the same asset.
func (r *Repository) Upsert(ctx context.Context, rec model.AssetRecord) error {
	query := `
		INSERT INTO asset_records (asset_id, status, remote_url, local_path, error_message, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (asset_id) DO UPDATE SET
			status = EXCLUDED.status,
			remote_url = EXCLUDED.remote_url,
			local_path = EXCLUDED.local_path,
			error_message = EXCLUDED.error_message,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(
		ctx, query,
		int64(rec.AssetID), string(rec.Status), rec.RemoteURL, rec.LocalPath, rec.ErrorMessage, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert: failed to save asset record: %w", err)
	}

	return nil
}

// ListByStatus returns one page of records with status, ordered by asset ID.
func (r *Repository) ListByStatus(ctx context.Context, status model.Status, offset, limit int) ([]model.AssetRecord, error) {
	query := `
		SELECT asset_id, status, remote_url, local_path, error_message, updated_at
		FROM asset_records
		WHERE status = $1
		ORDER BY asset_id
		OFFSET $2
		LIMIT $3
	`

	var lim any
	if limit > 0 {
		lim = limit
	}

	rows, err := r.db.Master.QueryContext(ctx, query, string(status), offset, lim)
	if err != nil {
		return nil, fmt.Errorf("list: failed to query asset records: %w", err)
	}
	defer rows.Close()

	var recs []model.AssetRecord
	for rows.Next() {
		var rec model.AssetRecord
		if err := rows.Scan(&rec.AssetID, &rec.Status, &rec.RemoteURL, &rec.LocalPath, &rec.ErrorMessage, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("list: failed to scan asset record: %w", err)
		}
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}

	return recs, nil
}
