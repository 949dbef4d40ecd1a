package api

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gofiber/fiber/v2"

	"github.com/javi11/nzbstream/internal/coordinator"
	"github.com/javi11/nzbstream/internal/extractcache"
	"github.com/javi11/nzbstream/internal/manifest"
	"github.com/javi11/nzbstream/internal/mount"
	"github.com/javi11/nzbstream/internal/nntp"
	"github.com/javi11/nzbstream/internal/streamcheck"
	"github.com/javi11/nzbstream/internal/streamer"
)

// maxManifestBytes bounds uploaded manifest size.
const maxManifestBytes = 32 * 1024 * 1024

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Store       mount.Store
	Manifests   *manifest.Cache
	Checker     *streamcheck.Checker
	Streams     *streamer.Service
	Coordinator *coordinator.Coordinator
	Cache       *extractcache.Manager
	Pool        nntp.Manager
}

// Server is the HTTP edge.
type Server struct {
	app   *fiber.App
	deps  Deps
	log   *slog.Logger
	ready atomic.Bool
}

// NewServer builds the fiber app and registers all routes.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps: deps,
		log:  slog.Default().With("component", "api"),
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "nzbstream",
		BodyLimit:             maxManifestBytes,
		DisableStartupMessage: true,
		StreamRequestBody:     true,
	})
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.app.Get("/healthz", s.handleHealth)

	apiGroup := s.app.Group("/api")
	apiGroup.Post("/mounts", s.handleCreateMount)
	apiGroup.Get("/mounts", s.handleListMounts)
	apiGroup.Get("/mounts/:id", s.handleGetMount)
	apiGroup.Delete("/mounts/:id", s.handleDeleteMount)
	apiGroup.Post("/mounts/:id/extract", s.handleStartExtraction)
	apiGroup.Post("/mounts/:id/cancel", s.handleCancelExtraction)

	s.app.Get("/stream/:id", s.handleStream)
}

// App exposes the underlying fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves HTTP on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.SetReady(true)
	s.log.Info("HTTP server listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown drains connections and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.SetReady(false)
	return s.app.ShutdownWithContext(ctx)
}

// SetReady flips the readiness flag reported by the health endpoint.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// IsReady reports whether the server accepts work.
func (s *Server) IsReady() bool {
	return s.ready.Load()
}

type healthResponse struct {
	Ready          bool  `json:"ready"`
	PoolAvailable  bool  `json:"pool_available"`
	PoolProviders  int   `json:"pool_providers"`
	ProviderErrors int64 `json:"provider_errors"`
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	resp := healthResponse{Ready: s.IsReady()}
	if s.deps.Pool != nil && s.deps.Pool.HasPool() {
		if stats, err := s.deps.Pool.Stats(); err == nil {
			resp.PoolAvailable = true
			resp.PoolProviders = len(stats.Providers)
			for _, ps := range stats.Providers {
				resp.ProviderErrors += ps.Errors
			}
		}
	}
	if !resp.Ready {
		return RespondServiceUnavailable(c, "Server is starting", "")
	}
	return RespondSuccess(c, resp)
}
