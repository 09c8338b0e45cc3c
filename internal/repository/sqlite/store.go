// Package sqlite is the default ledger store: a single SQLite file in WAL
// mode, shared by concurrent batch runs through a connection pool.
package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/wb-go/wbf/zlog"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/aliskhannn/webp-offload/internal/ledger"
	"github.com/aliskhannn/webp-offload/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS asset_records (
	asset_id      INTEGER PRIMARY KEY,
	status        TEXT    NOT NULL,
	remote_url    TEXT    NOT NULL DEFAULT '',
	local_path    TEXT    NOT NULL DEFAULT '',
	error_message TEXT    NOT NULL DEFAULT '',
	updated_at    TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS asset_records_status ON asset_records (status, asset_id);
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

// Store implements ledger.Store on SQLite.
type Store struct {
	pool *sqlitex.Pool
	path string
}

// Open opens (creating if needed) the ledger database at path.
func Open(ctx context.Context, path string, poolSize int) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite ledger: path is required")
	}
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite ledger: open %s: %w", path, err)
	}

	s := &Store{pool: pool, path: path}
	if err := s.ensureSchema(ctx); err != nil {
		_ = pool.Close()
		return nil, err
	}

	zlog.Logger.Info().Str("path", path).Int("pool_size", poolSize).Msg("sqlite ledger opened")

	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite ledger: take: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("sqlite ledger: schema: %w", err)
	}
	return nil
}

// Close closes every pooled connection.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("sqlite ledger: close %s: %w", s.path, err)
	}
	return nil
}

// Get returns the record of id or ledger.ErrNotFound.
func (s *Store) Get(ctx context.Context, id model.AssetID) (model.AssetRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return model.AssetRecord{}, fmt.Errorf("take: %w", err)
	}
	defer s.pool.Put(conn)

	var (
		rec     model.AssetRecord
		found   bool
		scanErr error
	)
	err = sqlitex.Execute(conn, `
		SELECT asset_id, status, remote_url, local_path, error_message, updated_at
		FROM asset_records
		WHERE asset_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{int64(id)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				rec, scanErr = scan(stmt)
				return scanErr
			},
		})
	if err != nil {
		return model.AssetRecord{}, fmt.Errorf("select asset %d: %w", id, err)
	}
	if !found {
		return model.AssetRecord{}, ledger.ErrNotFound
	}

	return rec, nil
}

// Upsert inserts or fully replaces the record.
func (s *Store) Upsert(ctx context.Context, rec model.AssetRecord) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("take: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO asset_records (asset_id, status, remote_url, local_path, error_message, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (asset_id) DO UPDATE SET
			status = excluded.status,
			remote_url = excluded.remote_url,
			local_path = excluded.local_path,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{
				int64(rec.AssetID),
				string(rec.Status),
				rec.RemoteURL,
				rec.LocalPath,
				rec.ErrorMessage,
				rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
			},
		})
	if err != nil {
		return fmt.Errorf("upsert asset %d: %w", rec.AssetID, err)
	}

	return nil
}

// ListByStatus pages through records with status ordered by asset ID.
func (s *Store) ListByStatus(ctx context.Context, status model.Status, offset, limit int) ([]model.AssetRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("take: %w", err)
	}
	defer s.pool.Put(conn)

	if limit <= 0 {
		limit = -1
	}

	var recs []model.AssetRecord
	err = sqlitex.Execute(conn, `
		SELECT asset_id, status, remote_url, local_path, error_message, updated_at
		FROM asset_records
		WHERE status = ?
		ORDER BY asset_id
		LIMIT ? OFFSET ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(status), int64(limit), int64(offset)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rec, err := scan(stmt)
				if err != nil {
					return err
				}
				recs = append(recs, rec)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", status, err)
	}

	return recs, nil
}

func scan(stmt *sqlite.Stmt) (model.AssetRecord, error) {
	updatedAt, err := time.Parse(time.RFC3339Nano, stmt.ColumnText(5))
	if err != nil {
		return model.AssetRecord{}, fmt.Errorf("parse updated_at: %w", err)
	}

	return model.AssetRecord{
		AssetID:      model.AssetID(stmt.ColumnInt64(0)),
		Status:       model.Status(stmt.ColumnText(1)),
		RemoteURL:    stmt.ColumnText(2),
		LocalPath:    stmt.ColumnText(3),
		ErrorMessage: stmt.ColumnText(4),
		UpdatedAt:    updatedAt,
	}, nil
}
