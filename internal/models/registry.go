package models

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go/v3"
)

// CacheTTL is how long the model list is served before a background refresh.
const CacheTTL = 5 * time.Minute

// CacheFileName is the warm cache kept in the data dir.
const CacheFileName = "models_cache.json"

// refreshTimeout bounds a background refresh.
const refreshTimeout = 30 * time.Second

// Lister fetches the model list.
type Lister interface {
	ListModels(ctx context.Context) ([]Model, error)
}

// SDKLister lists models with the openai-go client.
type SDKLister struct {
	Client openai.Client
}

func (l SDKLister) ListModels(ctx context.Context) ([]Model, error) {
	var out []Model
	iter := l.Client.Models.ListAutoPaging(ctx)
	for iter.Next() {
		m := iter.Current()
		out = append(out, Model{ID: m.ID, Created: m.Created, OwnedBy: m.OwnedBy})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	return out, nil
}

type diskModelsCache struct {
	FetchedAt string  `json:"fetched_at"`
	Models    []Model `json:"models"`
}

// Registry fetches and caches the available model list.
type Registry struct {
	mu        sync.RWMutex
	fetchMu   sync.Mutex // prevents concurrent fetches
	lister    Lister
	logger    *slog.Logger
	cachePath string
	ttl       time.Duration
	now       func() time.Time

	models    []Model
	lastFetch time.Time
}

// NewRegistry creates a registry. A non-empty dataDir keeps a warm cache on
// disk which is loaded immediately.
func NewRegistry(lister Lister, dataDir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{lister: lister, logger: logger, ttl: CacheTTL, now: time.Now}
	if dataDir != "" {
		r.cachePath = filepath.Join(dataDir, CacheFileName)
		r.loadFromDiskCache()
	}
	return r
}

// List returns the cached model list, refreshing if needed. The first call
// blocks on a fetch; a stale list is returned immediately while a refresh
// runs in the background. When nothing could be fetched the fallback list is
// returned.
func (r *Registry) List(ctx context.Context) []Model {
	r.mu.RLock()
	age := r.now().Sub(r.lastFetch)
	cached := r.models
	r.mu.RUnlock()

	if len(cached) == 0 {
		r.fetchMu.Lock()
		r.mu.RLock()
		cached = r.models
		r.mu.RUnlock()
		if len(cached) == 0 {
			if err := r.doFetch(ctx); err != nil {
				r.logger.Warn("models fetch failed, using fallback", "error", err)
			}
			r.mu.RLock()
			cached = r.models
			r.mu.RUnlock()
		}
		r.fetchMu.Unlock()

		if len(cached) == 0 {
			return FallbackModels()
		}
		return cached
	}

	if age >= r.ttl {
		go func() {
			if !r.fetchMu.TryLock() {
				return
			}
			defer r.fetchMu.Unlock()
			ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
			defer cancel()
			if err := r.doFetch(ctx); err != nil {
				r.logger.Warn("background models refresh failed", "error", err)
			}
		}()
	}
	return cached
}

// Refresh forces a synchronous fetch. On failure the previous list, or the
// fallback, is returned with the error.
func (r *Registry) Refresh(ctx context.Context) ([]Model, error) {
	r.fetchMu.Lock()
	defer r.fetchMu.Unlock()
	err := r.doFetch(ctx)
	r.mu.RLock()
	result := r.models
	r.mu.RUnlock()
	if len(result) == 0 {
		return FallbackModels(), err
	}
	return result, err
}

// IsPopulated reports whether the registry holds fetched data.
func (r *Registry) IsPopulated() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models) > 0
}

// IsKnownModel checks whether id is in the populated registry. It is
// permissive while the registry is empty. When id is unknown the hint lists
// the available ids.
func (r *Registry) IsKnownModel(id string) (bool, string) {
	r.mu.RLock()
	mods := r.models
	r.mu.RUnlock()

	if len(mods) == 0 {
		return true, ""
	}
	for _, m := range mods {
		if m.ID == id {
			return true, ""
		}
	}
	return false, strings.Join(IDs(mods), ", ")
}

// Resolve normalizes name and falls back to the first available model when
// the registry is populated and does not know it.
func (r *Registry) Resolve(name string) string {
	id := NormalizeModelName(name)
	if ok, _ := r.IsKnownModel(id); ok {
		return id
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, fb := range Fallback {
		for _, m := range r.models {
			if m.ID == fb {
				return fb
			}
		}
	}
	return r.models[0].ID
}

// doFetch calls the lister. Caller must hold fetchMu.
func (r *Registry) doFetch(ctx context.Context) error {
	if r.lister == nil {
		return fmt.Errorf("no model lister configured")
	}
	fetched, err := r.lister.ListModels(ctx)
	if err != nil {
		return err
	}
	var mods []Model
	for _, m := range fetched {
		if !chatCapable(m.ID) {
			continue
		}
		m.Capabilities = Capabilities(m.ID)
		mods = append(mods, m)
	}
	if len(mods) == 0 {
		return fmt.Errorf("models endpoint returned no chat models")
	}
	sortModels(mods)

	now := r.now()
	r.mu.Lock()
	r.models = mods
	r.lastFetch = now
	r.mu.Unlock()

	if err := r.saveToDiskCache(mods, now); err != nil {
		r.logger.Warn("models cache write failed", "error", err)
	}
	return nil
}

func (r *Registry) loadFromDiskCache() {
	data, err := os.ReadFile(r.cachePath)
	if err != nil {
		return
	}
	var cache diskModelsCache
	if err := json.Unmarshal(data, &cache); err != nil || len(cache.Models) == 0 {
		return
	}
	var fetchedAt time.Time
	if parsed, err := time.Parse(time.RFC3339Nano, cache.FetchedAt); err == nil {
		fetchedAt = parsed
	}
	r.mu.Lock()
	r.models = cache.Models
	r.lastFetch = fetchedAt
	r.mu.Unlock()
}

func (r *Registry) saveToDiskCache(mods []Model, fetchedAt time.Time) error {
	if r.cachePath == "" {
		return nil
	}
	data, err := json.MarshalIndent(diskModelsCache{
		FetchedAt: fetchedAt.UTC().Format(time.RFC3339Nano),
		Models:    mods,
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.cachePath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(r.cachePath, data, 0o600)
}
