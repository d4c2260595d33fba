// Package vector manages the layered vector stores used by file_search.
//
// L1 stores are predefined and read-only, L2 stores belong to the user and L3
// stores are scoped to a single conversation. Searches visit L3 first, then
// L2, then L1.
package vector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Layer is a vector store tier.
type Layer string

const (
	L1 Layer = "L1"
	L2 Layer = "L2"
	L3 Layer = "L3"
)

var (
	// ErrReadOnly is returned when mutating an L1 store.
	ErrReadOnly = errors.New("vector store is read-only")
	// ErrUnknownStore is returned for a store id the adapter does not know.
	ErrUnknownStore = errors.New("unknown vector store")
)

// ParseLayer accepts "L1", "l2", "3" and similar spellings.
func ParseLayer(s string) (Layer, error) {
	switch strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "L") {
	case "1":
		return L1, nil
	case "2":
		return L2, nil
	case "3":
		return L3, nil
	}
	return "", fmt.Errorf("unknown layer %q", s)
}

// rank orders layers for search, lower first.
func (l Layer) rank() int {
	switch l {
	case L3:
		return 0
	case L2:
		return 1
	case L1:
		return 2
	default:
		return 3
	}
}

// File statuses.
const (
	StatusInProgress = "in_progress"
	StatusReady      = "ready"
	StatusError      = "error"
)

// StoreInfo describes a vector store.
type StoreInfo struct {
	ID         string    `json:"id"`
	Layer      Layer     `json:"layer"`
	Name       string    `json:"name"`
	FilesCount int64     `json:"files_count"`
	SizeBytes  int64     `json:"size_bytes"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// FileInfo describes a file attached to a vector store.
type FileInfo struct {
	FileID    string    `json:"file_id"`
	StoreID   string    `json:"store_id"`
	Filename  string    `json:"filename"`
	Bytes     int64     `json:"bytes"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchResult is one hit of a vector search.
type SearchResult struct {
	StoreID  string  `json:"store_id"`
	Layer    Layer   `json:"layer"`
	FileID   string  `json:"file_id"`
	Filename string  `json:"filename"`
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
}

// Upload is a file to add to a store.
type Upload struct {
	Filename string
	Size     int64
	Reader   io.Reader
}

// Adapter is a vector store backend.
type Adapter interface {
	ListStores(ctx context.Context) ([]StoreInfo, error)
	ListFiles(ctx context.Context, storeID string) ([]FileInfo, error)
	CreateStore(ctx context.Context, layer Layer, name string) (StoreInfo, error)
	DeleteStore(ctx context.Context, storeID string) error
	AddFile(ctx context.Context, storeID string, up Upload) (FileInfo, error)
	RemoveFile(ctx context.Context, storeID, fileID string) error
	Search(ctx context.Context, storeID, query string, limit int) ([]SearchResult, error)
}
