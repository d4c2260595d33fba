package vector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/shared"
	"golang.org/x/sync/errgroup"
)

// layerMetadataKey tags stores created here with their layer.
const layerMetadataKey = "layer"

// filenameLookups bounds concurrent file metadata requests.
const filenameLookups = 4

// OpenAIAdapter talks to the OpenAI vector store and files APIs.
type OpenAIAdapter struct {
	client openai.Client
	logger *slog.Logger
}

// NewOpenAIAdapter wraps an SDK client.
func NewOpenAIAdapter(client openai.Client, logger *slog.Logger) *OpenAIAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIAdapter{client: client, logger: logger}
}

func (a *OpenAIAdapter) ListStores(ctx context.Context) ([]StoreInfo, error) {
	var out []StoreInfo
	iter := a.client.VectorStores.ListAutoPaging(ctx, openai.VectorStoreListParams{Limit: openai.Int(100)})
	for iter.Next() {
		out = append(out, storeInfoFromSDK(iter.Current()))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list vector stores: %w", err)
	}
	return out, nil
}

func (a *OpenAIAdapter) ListFiles(ctx context.Context, storeID string) ([]FileInfo, error) {
	var out []FileInfo
	iter := a.client.VectorStores.Files.ListAutoPaging(ctx, storeID, openai.VectorStoreFileListParams{Limit: openai.Int(100)})
	for iter.Next() {
		f := iter.Current()
		out = append(out, FileInfo{
			FileID:    f.ID,
			StoreID:   storeID,
			Filename:  f.ID,
			Bytes:     f.UsageBytes,
			Status:    fileStatus(string(f.Status)),
			CreatedAt: unixTime(f.CreatedAt),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list files of %s: %w", storeID, mapNotFound(err))
	}

	// Vector store files carry no name; resolve them from the files API.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(filenameLookups)
	for i := range out {
		g.Go(func() error {
			obj, err := a.client.Files.Get(gctx, out[i].FileID)
			if err != nil {
				a.logger.Debug("vector.filename_lookup_failed", "file_id", out[i].FileID, "error", err)
				return nil
			}
			out[i].Filename = obj.Filename
			if out[i].Bytes == 0 {
				out[i].Bytes = obj.Bytes
			}
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

func (a *OpenAIAdapter) CreateStore(ctx context.Context, layer Layer, name string) (StoreInfo, error) {
	vs, err := a.client.VectorStores.New(ctx, openai.VectorStoreNewParams{
		Name:     openai.String(name),
		Metadata: shared.Metadata{layerMetadataKey: string(layer)},
	})
	if err != nil {
		return StoreInfo{}, fmt.Errorf("create vector store: %w", err)
	}
	info := storeInfoFromSDK(*vs)
	info.Layer = layer
	return info, nil
}

func (a *OpenAIAdapter) DeleteStore(ctx context.Context, storeID string) error {
	if _, err := a.client.VectorStores.Delete(ctx, storeID); err != nil {
		return fmt.Errorf("delete vector store %s: %w", storeID, mapNotFound(err))
	}
	return nil
}

func (a *OpenAIAdapter) AddFile(ctx context.Context, storeID string, up Upload) (FileInfo, error) {
	obj, err := a.client.Files.New(ctx, openai.FileNewParams{
		File:    openai.File(up.Reader, up.Filename, "application/octet-stream"),
		Purpose: openai.FilePurposeAssistants,
	})
	if err != nil {
		return FileInfo{}, fmt.Errorf("upload %s: %w", up.Filename, err)
	}
	vf, err := a.client.VectorStores.Files.New(ctx, storeID, openai.VectorStoreFileNewParams{FileID: obj.ID})
	if err != nil {
		return FileInfo{}, fmt.Errorf("attach %s to %s: %w", obj.ID, storeID, mapNotFound(err))
	}
	return FileInfo{
		FileID:    obj.ID,
		StoreID:   storeID,
		Filename:  obj.Filename,
		Bytes:     obj.Bytes,
		Status:    fileStatus(string(vf.Status)),
		CreatedAt: unixTime(obj.CreatedAt),
	}, nil
}

func (a *OpenAIAdapter) RemoveFile(ctx context.Context, storeID, fileID string) error {
	if _, err := a.client.VectorStores.Files.Delete(ctx, storeID, fileID); err != nil {
		return fmt.Errorf("remove %s from %s: %w", fileID, storeID, mapNotFound(err))
	}
	return nil
}

func (a *OpenAIAdapter) Search(ctx context.Context, storeID, query string, limit int) ([]SearchResult, error) {
	params := openai.VectorStoreSearchParams{
		Query: openai.VectorStoreSearchParamsQueryUnion{OfString: openai.String(query)},
	}
	if limit > 0 {
		params.MaxNumResults = openai.Int(int64(limit))
	}
	page, err := a.client.VectorStores.Search(ctx, storeID, params)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", storeID, mapNotFound(err))
	}
	out := make([]SearchResult, 0, len(page.Data))
	for _, hit := range page.Data {
		var text []string
		for _, c := range hit.Content {
			if c.Text != "" {
				text = append(text, c.Text)
			}
		}
		out = append(out, SearchResult{
			StoreID:  storeID,
			FileID:   hit.FileID,
			Filename: hit.Filename,
			Text:     strings.Join(text, "\n"),
			Score:    hit.Score,
		})
	}
	return out, nil
}

func storeInfoFromSDK(vs openai.VectorStore) StoreInfo {
	// Stores created elsewhere carry no layer; the service resolves it.
	var layer Layer
	if l, err := ParseLayer(vs.Metadata[layerMetadataKey]); err == nil {
		layer = l
	}
	name := vs.Name
	if name == "" {
		name = vs.ID
	}
	updated := vs.LastActiveAt
	if updated == 0 {
		updated = vs.CreatedAt
	}
	return StoreInfo{
		ID:         vs.ID,
		Layer:      layer,
		Name:       name,
		FilesCount: vs.FileCounts.Total,
		SizeBytes:  vs.UsageBytes,
		UpdatedAt:  unixTime(updated),
	}
}

func fileStatus(s string) string {
	switch s {
	case "completed":
		return StatusReady
	case "failed", "cancelled":
		return StatusError
	default:
		return StatusInProgress
	}
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func mapNotFound(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", ErrUnknownStore, err)
	}
	return err
}
