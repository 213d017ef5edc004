package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/strata-lab/strata/pkg/config"
	"github.com/strata-lab/strata/pkg/identity"
	"github.com/strata-lab/strata/pkg/ingest"
	"github.com/strata-lab/strata/pkg/log"
	"github.com/strata-lab/strata/pkg/storage"
	"github.com/strata-lab/strata/pkg/token"
	"github.com/strata-lab/strata/pkg/upload"
)

// Server is the HTTP surface: authentication on /api/auth, ingestion and
// queries on /api/upload and /api/v1.
type Server struct {
	store    storage.Store
	tokens   *token.Service
	router   *ingest.Router
	uploads  *upload.Manager
	resolver *identity.Resolver
	cfg      *config.Config
	logger   zerolog.Logger

	http *http.Server

	mu        sync.Mutex
	listening bool
}

// NewServer creates the API server
func NewServer(store storage.Store, tokens *token.Service, router *ingest.Router,
	uploads *upload.Manager, resolver *identity.Resolver, cfg *config.Config) *Server {
	s := &Server{
		store:    store,
		tokens:   tokens,
		router:   router,
		uploads:  uploads,
		resolver: resolver,
		cfg:      cfg,
		logger:   log.WithComponent("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/login", s.instrument("auth.login", s.handleLogin))
		r.Post("/refresh", s.instrument("auth.refresh", s.handleRefresh))
		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Post("/logout", s.instrument("auth.logout", s.handleLogout))
			r.Get("/me", s.instrument("auth.me", s.handleMe))
		})
		r.Group(func(r chi.Router) {
			r.Use(s.optionalAuth)
			r.Get("/status", s.instrument("auth.status", s.handleAuthStatus))
		})
	})

	r.Route("/api/upload", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/upload", s.instrument("upload.whole", s.handleWholeFileUpload))
		r.Post("/initiate-chunked", s.instrument("upload.initiate_chunked", s.handleInitiateChunked))
		r.Post("/chunk", s.instrument("upload.chunk", s.handleChunk))
		r.Post("/complete-chunked", s.instrument("upload.complete_chunked", s.handleCompleteChunked))
		r.Post("/initiate", s.instrument("upload.remote", s.handleRemoteIngest))
		r.Get("/status/{jobID}", s.instrument("upload.status", s.handleJobStatus))
		r.Get("/resume/{jobID}", s.instrument("upload.resume", s.handleResumeInfo))
		r.Post("/cancel/{jobID}", s.instrument("upload.cancel", s.handleCancel))
		r.Get("/jobs", s.instrument("upload.jobs", s.handleListJobs))
		r.Get("/supported-sources", s.instrument("upload.sources", s.handleSupportedSources))
		r.Get("/limits", s.instrument("upload.limits", s.handleLimits))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.optionalAuth)
		r.Get("/datasets/{identifier}", s.instrument("datasets.get", s.handleGetDataset))
		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Get("/datasets", s.instrument("datasets.list", s.handleListDatasets))
			r.Delete("/datasets/{identifier}", s.instrument("datasets.delete", s.handleDeleteDataset))
		})
	})

	s.http = &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start binds the listener and serves; it blocks until the listener
// fails or Stop runs. The bound socket is what the health probe reports.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	s.setListening(true)
	defer s.setListening(false)

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("API server listening")
	err = s.http.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully drains in-flight requests
func (s *Server) Stop(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.setListening(false)
	return err
}

func (s *Server) setListening(v bool) {
	s.mu.Lock()
	s.listening = v
	s.mu.Unlock()
}

// Healthy is the API server's health probe: nil while the listener holds
// its socket.
func (s *Server) Healthy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.listening {
		return fmt.Errorf("listener is not bound")
	}
	return nil
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}
