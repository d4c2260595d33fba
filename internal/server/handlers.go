package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/n0madic/go-elements/internal/config"
	"github.com/n0madic/go-elements/internal/models"
	"github.com/n0madic/go-elements/internal/store"
	"github.com/n0madic/go-elements/internal/vector"
)

type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
}

type listResponse[T any] struct {
	Object string `json:"object"`
	Data   []T    `json:"data"`
}

func newList[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Object: "list", Data: items}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", status, "error", message)
	}
	writeJSON(w, status, errorResponse{Error: errorDetail{Message: message}})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	return true
}

// --- Conversations ---

type createConversationRequest struct {
	Title     string `json:"title"`
	L3StoreID string `json:"l3_store_id"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit := store.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	convs, err := s.deps.Store.ListConversations(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newList(convs))
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	conv, err := s.deps.Store.CreateConversation(r.Context(), strings.TrimSpace(req.Title), strings.TrimSpace(req.L3StoreID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.loadConversation(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.loadConversation(w, r)
	if !ok {
		return
	}
	if err := s.deps.Store.DeleteConversation(r.Context(), conv.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.loadConversation(w, r)
	if !ok {
		return
	}
	msgs, err := s.deps.Store.ListMessages(r.Context(), conv.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newList(msgs))
}

func (s *Server) loadConversation(w http.ResponseWriter, r *http.Request) (*store.Conversation, bool) {
	conv, err := s.deps.Store.GetConversation(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return conv, true
}

// --- Vector stores ---

type createVectorStoreRequest struct {
	Name  string `json:"name"`
	Layer string `json:"layer"`
}

func (s *Server) vectors(w http.ResponseWriter) (*vector.Service, bool) {
	if s.deps.Vectors == nil {
		writeError(w, http.StatusServiceUnavailable, "vector stores are disabled")
		return nil, false
	}
	return s.deps.Vectors, true
}

func writeVectorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vector.ErrReadOnly):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, vector.ErrUnknownStore):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleListVectorStores(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.vectors(w)
	if !ok {
		return
	}
	stores, err := svc.ListStores(r.Context())
	if err != nil {
		writeVectorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(stores))
}

func (s *Server) handleCreateVectorStore(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.vectors(w)
	if !ok {
		return
	}
	var req createVectorStoreRequest
	if !decodeBody(w, r, &req) {
		return
	}
	layer := vector.L2
	if strings.TrimSpace(req.Layer) != "" {
		parsed, err := vector.ParseLayer(req.Layer)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		layer = parsed
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	info, err := svc.CreateStore(r.Context(), layer, req.Name)
	if err != nil {
		writeVectorError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleDeleteVectorStore(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.vectors(w)
	if !ok {
		return
	}
	if err := svc.DeleteStore(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeVectorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListVectorFiles(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.vectors(w)
	if !ok {
		return
	}
	files, err := svc.ListFiles(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeVectorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(files))
}

// handleAddVectorFile streams the multipart "file" field to the store.
func (s *Server) handleAddVectorFile(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.vectors(w)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart/form-data body")
		return
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			writeError(w, http.StatusBadRequest, `missing "file" field`)
			return
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if part.FormName() != "file" || part.FileName() == "" {
			_ = part.Close()
			continue
		}
		info, err := svc.AddFile(r.Context(), chi.URLParam(r, "id"), vector.Upload{
			Filename: part.FileName(),
			Reader:   part,
		})
		_ = part.Close()
		if err != nil {
			writeVectorError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, info)
		return
	}
}

func (s *Server) handleRemoveVectorFile(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.vectors(w)
	if !ok {
		return
	}
	if err := svc.RemoveFile(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "fileID")); err != nil {
		writeVectorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncVectorStores(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.vectors(w)
	if !ok {
		return
	}
	stores, err := svc.SyncAll(r.Context())
	if err != nil {
		writeVectorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(stores))
}

// handleSearchVectorStores searches ?q= across ?store= ids (comma separated,
// all stores when absent), at most ?limit= results.
func (s *Server) handleSearchVectorStores(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.vectors(w)
	if !ok {
		return
	}
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit := 10
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	results, err := svc.Search(r.Context(), query, config.SplitList(q.Get("store")), limit)
	if err != nil {
		writeVectorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(results))
}

// --- Models ---

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	if s.deps.Models == nil {
		writeJSON(w, http.StatusOK, newList(models.FallbackModels()))
		return
	}
	writeJSON(w, http.StatusOK, newList(s.deps.Models.List(r.Context())))
}
