package server

import (
	"net/http"

	"github.com/n0madic/go-elements/internal/limits"
	"github.com/n0madic/go-elements/internal/models"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type keyHealthResponse struct {
	Key        models.Health          `json:"key"`
	RateLimits *limits.StoredSnapshot `json:"rate_limits,omitempty"`
}

func (s *Server) handleKeyHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.CheckKey == nil {
		writeError(w, http.StatusServiceUnavailable, "key check is not configured")
		return
	}
	resp := keyHealthResponse{Key: s.deps.CheckKey(r.Context())}
	if s.deps.Limits != nil {
		resp.RateLimits = s.deps.Limits.Load()
	}
	writeJSON(w, http.StatusOK, resp)
}
