package vector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/n0madic/go-elements/internal/store"
)

// LocalAdapter keeps vector stores only in the local cache. It serves safe
// mode and offline use; files are recorded but never indexed.
type LocalAdapter struct {
	store *store.Store
	now   func() time.Time
}

// NewLocalAdapter creates a cache backed adapter.
func NewLocalAdapter(st *store.Store) *LocalAdapter {
	return &LocalAdapter{store: st, now: time.Now}
}

func (a *LocalAdapter) ListStores(ctx context.Context) ([]StoreInfo, error) {
	recs, err := a.store.ListVectorStores(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]StoreInfo, 0, len(recs))
	for _, r := range recs {
		out = append(out, storeInfoFromRecord(r))
	}
	return out, nil
}

func (a *LocalAdapter) ListFiles(ctx context.Context, storeID string) ([]FileInfo, error) {
	if _, err := a.lookup(ctx, storeID); err != nil {
		return nil, err
	}
	recs, err := a.store.ListVectorFiles(ctx, storeID)
	if err != nil {
		return nil, err
	}
	out := make([]FileInfo, 0, len(recs))
	for _, r := range recs {
		out = append(out, fileInfoFromRecord(r))
	}
	return out, nil
}

func (a *LocalAdapter) CreateStore(ctx context.Context, layer Layer, name string) (StoreInfo, error) {
	info := StoreInfo{ID: "vs_local_" + uuid.NewString(), Layer: layer, Name: name, UpdatedAt: a.now().UTC()}
	if err := a.store.UpsertVectorStores(ctx, []store.VectorStoreRecord{storeRecord(info)}); err != nil {
		return StoreInfo{}, err
	}
	return info, nil
}

func (a *LocalAdapter) DeleteStore(ctx context.Context, storeID string) error {
	if _, err := a.lookup(ctx, storeID); err != nil {
		return err
	}
	return a.store.DeleteVectorStore(ctx, storeID)
}

func (a *LocalAdapter) AddFile(ctx context.Context, storeID string, up Upload) (FileInfo, error) {
	if _, err := a.lookup(ctx, storeID); err != nil {
		return FileInfo{}, err
	}
	size := up.Size
	if up.Reader != nil {
		n, err := io.Copy(io.Discard, up.Reader)
		if err != nil {
			return FileInfo{}, fmt.Errorf("read %s: %w", up.Filename, err)
		}
		size = n
	}
	info := FileInfo{
		FileID:    "file_local_" + uuid.NewString(),
		StoreID:   storeID,
		Filename:  up.Filename,
		Bytes:     size,
		Status:    StatusReady,
		CreatedAt: a.now().UTC(),
	}
	if err := a.store.UpsertVectorFiles(ctx, []store.VectorFileRecord{fileRecord(info)}); err != nil {
		return FileInfo{}, err
	}
	return info, nil
}

func (a *LocalAdapter) RemoveFile(ctx context.Context, storeID, fileID string) error {
	return a.store.DeleteVectorFile(ctx, fileID)
}

// Search matches the query against file names only.
func (a *LocalAdapter) Search(ctx context.Context, storeID, query string, limit int) ([]SearchResult, error) {
	files, err := a.ListFiles(ctx, storeID)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	var out []SearchResult
	for _, f := range files {
		if q == "" || !strings.Contains(strings.ToLower(f.Filename), q) {
			continue
		}
		out = append(out, SearchResult{StoreID: storeID, FileID: f.FileID, Filename: f.Filename, Score: 1})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (a *LocalAdapter) lookup(ctx context.Context, storeID string) (*store.VectorStoreRecord, error) {
	rec, err := a.store.GetVectorStore(ctx, storeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStore, storeID)
	}
	return rec, err
}

func storeInfoFromRecord(r store.VectorStoreRecord) StoreInfo {
	layer, err := ParseLayer(r.Layer)
	if err != nil {
		layer = L2
	}
	return StoreInfo{
		ID:         r.ID,
		Layer:      layer,
		Name:       r.Name,
		FilesCount: r.FilesCount,
		SizeBytes:  r.SizeBytes,
		UpdatedAt:  r.SyncedAt,
	}
}

func storeRecord(s StoreInfo) store.VectorStoreRecord {
	return store.VectorStoreRecord{
		ID:         s.ID,
		Layer:      string(s.Layer),
		Name:       s.Name,
		FilesCount: s.FilesCount,
		SizeBytes:  s.SizeBytes,
	}
}

func fileInfoFromRecord(r store.VectorFileRecord) FileInfo {
	return FileInfo{
		FileID:    r.FileID,
		StoreID:   r.StoreID,
		Filename:  r.Filename,
		Bytes:     r.Bytes,
		Status:    r.Status,
		CreatedAt: r.CreatedAt,
	}
}

func fileRecord(f FileInfo) store.VectorFileRecord {
	return store.VectorFileRecord{
		FileID:    f.FileID,
		StoreID:   f.StoreID,
		Filename:  f.Filename,
		Bytes:     f.Bytes,
		Status:    f.Status,
		CreatedAt: f.CreatedAt,
	}
}
