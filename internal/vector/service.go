package vector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/n0madic/go-elements/internal/store"
)

// syncConcurrency bounds concurrent per-store requests.
const syncConcurrency = 4

// Service fronts an Adapter with the local cache. Listings fall back to the
// cache when the adapter fails and mutations are written through.
type Service struct {
	Adapter Adapter
	Store   *store.Store
	Logger  *slog.Logger

	predefined map[string]struct{}
}

// NewService creates a service. predefined lists the L1 store ids.
func NewService(adapter Adapter, st *store.Store, logger *slog.Logger, predefined []string) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{Adapter: adapter, Store: st, Logger: logger, predefined: make(map[string]struct{})}
	for _, id := range predefined {
		if id = strings.TrimSpace(id); id != "" {
			s.predefined[id] = struct{}{}
		}
	}
	return s
}

// ListStores returns the known stores, refreshing the cache from the adapter.
func (s *Service) ListStores(ctx context.Context) ([]StoreInfo, error) {
	cachedRecs, cacheErr := s.Store.ListVectorStores(ctx)
	cachedLayers := make(map[string]Layer, len(cachedRecs))
	for _, r := range cachedRecs {
		cachedLayers[r.ID] = storeInfoFromRecord(r).Layer
	}

	latest, err := s.Adapter.ListStores(ctx)
	if err != nil {
		if cacheErr != nil {
			return nil, errors.Join(err, cacheErr)
		}
		s.Logger.Warn("vector.list_stores_failed", "error", err, "cached", len(cachedRecs))
		out := make([]StoreInfo, 0, len(cachedRecs))
		for _, r := range cachedRecs {
			out = append(out, s.resolveLayer(storeInfoFromRecord(r), cachedLayers))
		}
		return s.withPredefined(out), nil
	}

	out := make([]StoreInfo, 0, len(latest))
	recs := make([]store.VectorStoreRecord, 0, len(latest))
	for _, info := range latest {
		info = s.resolveLayer(info, cachedLayers)
		out = append(out, info)
		recs = append(recs, storeRecord(info))
	}
	if err := s.Store.UpsertVectorStores(ctx, recs); err != nil {
		s.Logger.Warn("vector.cache_write_failed", "error", err)
	}
	return s.withPredefined(out), nil
}

// ListFiles returns a store's files, refreshing the cache from the adapter.
func (s *Service) ListFiles(ctx context.Context, storeID string) ([]FileInfo, error) {
	latest, err := s.Adapter.ListFiles(ctx, storeID)
	if err != nil {
		if errors.Is(err, ErrUnknownStore) {
			return nil, err
		}
		s.Logger.Warn("vector.list_files_failed", "store_id", storeID, "error", err)
		recs, cacheErr := s.Store.ListVectorFiles(ctx, storeID)
		if cacheErr != nil {
			return nil, errors.Join(err, cacheErr)
		}
		out := make([]FileInfo, 0, len(recs))
		for _, r := range recs {
			out = append(out, fileInfoFromRecord(r))
		}
		return out, nil
	}
	s.cacheFiles(ctx, latest)
	return latest, nil
}

// CreateStore creates an L2 or L3 store.
func (s *Service) CreateStore(ctx context.Context, layer Layer, name string) (StoreInfo, error) {
	if layer == L1 {
		return StoreInfo{}, ErrReadOnly
	}
	if layer != L2 && layer != L3 {
		return StoreInfo{}, fmt.Errorf("unknown layer %q", layer)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return StoreInfo{}, errors.New("store name is required")
	}
	info, err := s.Adapter.CreateStore(ctx, layer, name)
	if err != nil {
		return StoreInfo{}, err
	}
	info.Layer = layer
	if err := s.Store.UpsertVectorStores(ctx, []store.VectorStoreRecord{storeRecord(info)}); err != nil {
		return info, fmt.Errorf("cache vector store: %w", err)
	}
	s.Logger.Info("vector.store_created", "store_id", info.ID, "layer", layer)
	return info, nil
}

// DeleteStore removes a writable store.
func (s *Service) DeleteStore(ctx context.Context, storeID string) error {
	if err := s.ensureWritable(ctx, storeID); err != nil {
		return err
	}
	if err := s.Adapter.DeleteStore(ctx, storeID); err != nil {
		return err
	}
	if err := s.Store.DeleteVectorStore(ctx, storeID); err != nil {
		return fmt.Errorf("uncache vector store: %w", err)
	}
	s.Logger.Info("vector.store_deleted", "store_id", storeID)
	return nil
}

// AddFile uploads a file into a writable store.
func (s *Service) AddFile(ctx context.Context, storeID string, up Upload) (FileInfo, error) {
	if err := s.ensureWritable(ctx, storeID); err != nil {
		return FileInfo{}, err
	}
	info, err := s.Adapter.AddFile(ctx, storeID, up)
	if err != nil {
		return FileInfo{}, err
	}
	if info.Filename == "" {
		info.Filename = up.Filename
	}
	s.cacheFiles(ctx, []FileInfo{info})
	s.Logger.Info("vector.file_added", "store_id", storeID, "file_id", info.FileID, "bytes", info.Bytes)
	return info, nil
}

// RemoveFile detaches a file from a writable store.
func (s *Service) RemoveFile(ctx context.Context, storeID, fileID string) error {
	if err := s.ensureWritable(ctx, storeID); err != nil {
		return err
	}
	if err := s.Adapter.RemoveFile(ctx, storeID, fileID); err != nil {
		return err
	}
	return s.Store.DeleteVectorFile(ctx, fileID)
}

// SyncAll refreshes the file list of every store concurrently and returns
// the stores with updated file counts.
func (s *Service) SyncAll(ctx context.Context) ([]StoreInfo, error) {
	stores, err := s.ListStores(ctx)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(syncConcurrency)
	for i := range stores {
		g.Go(func() error {
			files, err := s.Adapter.ListFiles(gctx, stores[i].ID)
			if errors.Is(err, ErrUnknownStore) {
				s.Logger.Warn("vector.sync_skipped", "store_id", stores[i].ID, "error", err)
				return nil
			}
			if err != nil {
				return fmt.Errorf("sync %s: %w", stores[i].ID, err)
			}
			var size int64
			for _, f := range files {
				size += f.Bytes
			}
			stores[i].FilesCount = int64(len(files))
			if size > stores[i].SizeBytes {
				stores[i].SizeBytes = size
			}
			if err := s.Store.UpsertVectorFiles(gctx, fileRecords(files)); err != nil {
				return err
			}
			return s.Store.UpsertVectorStores(gctx, []store.VectorStoreRecord{storeRecord(stores[i])})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	s.Logger.Info("vector.synced", "stores", len(stores))
	return stores, nil
}

// Search queries the given stores, or every known store when none are
// given. Results are grouped L3, then L2, then L1, best score first within a
// store. A store that fails is skipped unless all of them fail.
func (s *Service) Search(ctx context.Context, query string, storeIDs []string, limit int) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query is required")
	}
	known, err := s.ListStores(ctx)
	if err != nil {
		return nil, err
	}
	targets := known
	if len(storeIDs) > 0 {
		byID := make(map[string]StoreInfo, len(known))
		for _, st := range known {
			byID[st.ID] = st
		}
		targets = targets[:0:0]
		for _, id := range storeIDs {
			if st, ok := byID[id]; ok {
				targets = append(targets, st)
			} else {
				targets = append(targets, StoreInfo{ID: id, Layer: s.LayerOf(ctx, id)})
			}
		}
	}
	sort.SliceStable(targets, func(i, j int) bool { return targets[i].Layer.rank() < targets[j].Layer.rank() })

	results := make([][]SearchResult, len(targets))
	errs := make([]error, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(syncConcurrency)
	for i := range targets {
		g.Go(func() error {
			hits, err := s.Adapter.Search(gctx, targets[i].ID, query, limit)
			if err != nil {
				errs[i] = err
				s.Logger.Warn("vector.search_failed", "store_id", targets[i].ID, "error", err)
				return nil
			}
			sort.SliceStable(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })
			for j := range hits {
				hits[j].StoreID = targets[i].ID
				hits[j].Layer = targets[i].Layer
			}
			results[i] = hits
			return nil
		})
	}
	_ = g.Wait()

	var out []SearchResult
	failed := 0
	for i := range targets {
		if errs[i] != nil {
			failed++
			continue
		}
		out = append(out, results[i]...)
	}
	if len(targets) > 0 && failed == len(targets) {
		return nil, errors.Join(errs...)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LayerOf returns the layer of a store id, L2 when unknown.
func (s *Service) LayerOf(ctx context.Context, storeID string) Layer {
	if _, ok := s.predefined[storeID]; ok {
		return L1
	}
	if rec, err := s.Store.GetVectorStore(ctx, storeID); err == nil {
		return storeInfoFromRecord(*rec).Layer
	}
	return L2
}

func (s *Service) ensureWritable(ctx context.Context, storeID string) error {
	if s.LayerOf(ctx, storeID) == L1 {
		return fmt.Errorf("%w: %s", ErrReadOnly, storeID)
	}
	return nil
}

func (s *Service) resolveLayer(info StoreInfo, cached map[string]Layer) StoreInfo {
	switch {
	case s.isPredefined(info.ID):
		info.Layer = L1
	case info.Layer == "":
		if l, ok := cached[info.ID]; ok && l != L1 {
			info.Layer = l
		} else {
			info.Layer = L2
		}
	case info.Layer == L1:
		// Only configured stores are read-only.
		info.Layer = L2
	}
	return info
}

func (s *Service) isPredefined(id string) bool {
	_, ok := s.predefined[id]
	return ok
}

// withPredefined appends configured L1 stores the adapter did not report and
// orders the list by layer then name.
func (s *Service) withPredefined(stores []StoreInfo) []StoreInfo {
	seen := make(map[string]struct{}, len(stores))
	for _, st := range stores {
		seen[st.ID] = struct{}{}
	}
	for id := range s.predefined {
		if _, ok := seen[id]; !ok {
			stores = append(stores, StoreInfo{ID: id, Layer: L1, Name: id})
		}
	}
	sort.SliceStable(stores, func(i, j int) bool {
		if stores[i].Layer != stores[j].Layer {
			return stores[i].Layer < stores[j].Layer
		}
		if stores[i].Name != stores[j].Name {
			return stores[i].Name < stores[j].Name
		}
		return stores[i].ID < stores[j].ID
	})
	return stores
}

func (s *Service) cacheFiles(ctx context.Context, files []FileInfo) {
	if err := s.Store.UpsertVectorFiles(ctx, fileRecords(files)); err != nil {
		s.Logger.Warn("vector.cache_write_failed", "error", err)
	}
}

func fileRecords(files []FileInfo) []store.VectorFileRecord {
	out := make([]store.VectorFileRecord, 0, len(files))
	for _, f := range files {
		out = append(out, fileRecord(f))
	}
	return out
}
