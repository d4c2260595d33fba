// Package server exposes conversations, vector stores and models over HTTP
// and relays streamed replies to clients as server-sent events.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/n0madic/go-elements/internal/config"
	"github.com/n0madic/go-elements/internal/conversation"
	"github.com/n0madic/go-elements/internal/limits"
	"github.com/n0madic/go-elements/internal/logging"
	"github.com/n0madic/go-elements/internal/models"
	"github.com/n0madic/go-elements/internal/store"
	"github.com/n0madic/go-elements/internal/vector"
)

// maxBodyBytes limits the size of incoming JSON bodies.
const maxBodyBytes = 10 * 1024 * 1024 // 10 MB

// maxUploadBytes limits a single vector store upload.
const maxUploadBytes = 512 << 20

// Deps are the services behind the routes. Vectors, Models, Limits and
// CheckKey may be nil; their routes then answer 503.
type Deps struct {
	Store         *store.Store
	Conversations *conversation.Service
	Vectors       *vector.Service
	Models        *models.Registry
	Limits        *limits.Recorder
	CheckKey      func(ctx context.Context) models.Health
	Logger        *slog.Logger
}

// Server is the relay HTTP server.
type Server struct {
	Config *config.Config
	deps   Deps
	logger *slog.Logger

	router     chi.Router
	httpServer *http.Server
	cancelBg   context.CancelFunc
}

// New creates a server with all routes registered.
func New(cfg *config.Config, deps Deps) *Server {
	logger := logging.OrDefault(deps.Logger)
	s := &Server{Config: cfg, deps: deps, logger: logger}
	s.router = s.buildRouter()
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      600 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))
	r.Use(corsMiddleware)
	r.Use(authMiddleware(s.Config.AccessToken))

	r.Get("/", s.handleHealth)
	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", s.handleChat)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", s.handleListConversations)
			r.Post("/", s.handleCreateConversation)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetConversation)
				r.Delete("/", s.handleDeleteConversation)
				r.Get("/messages", s.handleListMessages)
			})
		})

		r.Route("/vector-stores", func(r chi.Router) {
			r.Get("/", s.handleListVectorStores)
			r.Post("/", s.handleCreateVectorStore)
			r.Post("/sync", s.handleSyncVectorStores)
			r.Get("/search", s.handleSearchVectorStores)
			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", s.handleDeleteVectorStore)
				r.Get("/files", s.handleListVectorFiles)
				r.Post("/files", s.handleAddVectorFile)
				r.Delete("/files/{fileID}", s.handleRemoveVectorFile)
			})
		})

		r.Get("/models", s.handleListModels)
		r.Get("/health/key", s.handleKeyHealth)
	})
	return r
}

// ServeHTTP delegates to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Addr is the listen address.
func (s *Server) Addr() string { return s.httpServer.Addr }

// ListenAndServe prefetches the model list and starts the server.
func (s *Server) ListenAndServe() error {
	if s.deps.Models != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancelBg = cancel
		go func() {
			s.deps.Models.List(ctx)
		}()
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBg != nil {
		s.cancelBg()
	}
	return s.httpServer.Shutdown(ctx)
}
