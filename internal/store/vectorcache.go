package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// VectorStoreRecord is a cached vector store.
type VectorStoreRecord struct {
	ID         string
	Layer      string
	Name       string
	FilesCount int64
	SizeBytes  int64
	SyncedAt   time.Time
}

// VectorFileRecord is a cached file of a vector store.
type VectorFileRecord struct {
	FileID    string
	StoreID   string
	Filename  string
	Bytes     int64
	Status    string
	SyncedAt  time.Time
	CreatedAt time.Time
}

// UpsertVectorStores replaces the cached rows of the given stores.
func (s *Store) UpsertVectorStores(ctx context.Context, stores []VectorStoreRecord) error {
	if len(stores) == 0 {
		return nil
	}
	now := s.timestamp()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, st := range stores {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO vector_stores_cache (id, layer, name, files_count, size_bytes, synced_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				layer = excluded.layer,
				name = excluded.name,
				files_count = excluded.files_count,
				size_bytes = excluded.size_bytes,
				synced_at = excluded.synced_at`,
			st.ID, st.Layer, nullString(st.Name), st.FilesCount, st.SizeBytes, now)
		if err != nil {
			return fmt.Errorf("upsert vector store: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit vector stores: %w", err)
	}
	return nil
}

// ListVectorStores returns the cached stores ordered by layer then name.
func (s *Store) ListVectorStores(ctx context.Context) ([]VectorStoreRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, layer, name, files_count, size_bytes, synced_at
		 FROM vector_stores_cache ORDER BY layer, name, id`)
	if err != nil {
		return nil, fmt.Errorf("query vector stores: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []VectorStoreRecord
	for rows.Next() {
		r, err := scanVectorStore(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// GetVectorStore returns one cached store, or ErrNotFound.
func (s *Store) GetVectorStore(ctx context.Context, id string) (*VectorStoreRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, layer, name, files_count, size_bytes, synced_at
		 FROM vector_stores_cache WHERE id = ?`, id)
	r, err := scanVectorStore(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("vector store %s: %w", id, ErrNotFound)
	}
	return r, err
}

// DeleteVectorStore drops a store and its files from the cache.
func (s *Store) DeleteVectorStore(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM vector_store_files_cache WHERE store_id = ?", id); err != nil {
		return fmt.Errorf("delete vector files: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM vector_stores_cache WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete vector store: %w", err)
	}
	return tx.Commit()
}

// UpsertVectorFiles replaces the cached rows of the given files. A zero
// CreatedAt keeps the previously cached value.
func (s *Store) UpsertVectorFiles(ctx context.Context, files []VectorFileRecord) error {
	if len(files) == 0 {
		return nil
	}
	now := s.timestamp()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, f := range files {
		var createdAt sql.NullString
		if !f.CreatedAt.IsZero() {
			createdAt = sql.NullString{String: f.CreatedAt.UTC().Format(timeLayout), Valid: true}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO vector_store_files_cache (file_id, store_id, filename, bytes, status, synced_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, COALESCE(?, ?))
			 ON CONFLICT(file_id) DO UPDATE SET
				store_id = excluded.store_id,
				filename = excluded.filename,
				bytes = excluded.bytes,
				status = excluded.status,
				synced_at = excluded.synced_at,
				created_at = COALESCE(?, vector_store_files_cache.created_at)`,
			f.FileID, f.StoreID, f.Filename, f.Bytes, nullString(f.Status), now, createdAt, now, createdAt)
		if err != nil {
			return fmt.Errorf("upsert vector file: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit vector files: %w", err)
	}
	return nil
}

// ListVectorFiles returns a store's cached files, newest first.
func (s *Store) ListVectorFiles(ctx context.Context, storeID string) ([]VectorFileRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT file_id, store_id, filename, bytes, status, synced_at, created_at
		 FROM vector_store_files_cache WHERE store_id = ? ORDER BY created_at DESC, file_id`, storeID)
	if err != nil {
		return nil, fmt.Errorf("query vector files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []VectorFileRecord
	for rows.Next() {
		var (
			f                           VectorFileRecord
			bytes                       sql.NullInt64
			status, syncedAt, createdAt sql.NullString
		)
		if err := rows.Scan(&f.FileID, &f.StoreID, &f.Filename, &bytes, &status, &syncedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan vector file row: %w", err)
		}
		f.Bytes = bytes.Int64
		f.Status = status.String
		f.SyncedAt = parseTime(syncedAt.String)
		f.CreatedAt = parseTime(createdAt.String)
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteVectorFile drops a file from the cache.
func (s *Store) DeleteVectorFile(ctx context.Context, fileID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM vector_store_files_cache WHERE file_id = ?", fileID); err != nil {
		return fmt.Errorf("delete vector file: %w", err)
	}
	return nil
}

func scanVectorStore(r rowScanner) (*VectorStoreRecord, error) {
	var (
		rec                   VectorStoreRecord
		name, syncedAt        sql.NullString
		filesCount, sizeBytes sql.NullInt64
	)
	if err := r.Scan(&rec.ID, &rec.Layer, &name, &filesCount, &sizeBytes, &syncedAt); err != nil {
		return nil, fmt.Errorf("scan vector store row: %w", err)
	}
	rec.Name = name.String
	rec.FilesCount = filesCount.Int64
	rec.SizeBytes = sizeBytes.Int64
	rec.SyncedAt = parseTime(syncedAt.String)
	return &rec, nil
}
