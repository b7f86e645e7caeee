// Package server exposes zones over HTTP.
//
// The server holds the only strong reference to the zones it creates; a
// DELETE drops it and the zone is reclaimed by the garbage collector. Zone
// definitions and call history are kept in SQLite so a restarted server
// recreates its zones.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-zones/zone"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Server wraps the chi router and the zones it owns.
type Server struct {
	router *chi.Mux
	store  *Store
	log    *zap.Logger
	zones  map[string]*zone.Zone
	cfg    Config
	mu     sync.RWMutex
}

// New creates a server. A nil store disables persistence.
func New(cfg Config, store *Store, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		router: chi.NewRouter(),
		store:  store,
		log:    log.Named("server"),
		zones:  make(map[string]*zone.Zone),
		cfg:    cfg,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metricsMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Route("/v1/zones", func(r chi.Router) {
		r.Post("/", s.handleCreateZone)
		r.Get("/", s.handleListZones)
		r.Get("/{id}", s.handleGetZone)
		r.Delete("/{id}", s.handleDeleteZone)
		r.Post("/{id}/execute", s.handleExecute)
		r.Post("/{id}/broadcast", s.handleBroadcast)
		r.Post("/{id}/eval", s.handleEval)
		r.Get("/{id}/calls", s.handleListCalls)
	})
}

// Router returns the chi router.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Restore recreates the zones recorded in the store.
func (s *Server) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	records, err := s.store.ListZones(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if _, err := s.createZone(rec.ID, rec.Workers, rec.ModuleRoot); err != nil {
			return fmt.Errorf("restore zone %q: %w", rec.ID, err)
		}
		s.log.Info("zone restored", zap.String("zone", rec.ID), zap.Int("workers", rec.Workers))
	}
	return nil
}

// createZone creates a zone and takes the server's reference to it.
func (s *Server) createZone(id string, workers int, root string) (*zone.Zone, error) {
	z, err := zone.Create(zone.Settings{
		ID:         id,
		Workers:    workers,
		ModuleRoot: root,
		Logger:     s.log,
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.zones[id] = z
	s.mu.Unlock()
	return z, nil
}

// lookup returns a zone held by the server, or any other live zone with id.
func (s *Server) lookup(id string) *zone.Zone {
	s.mu.RLock()
	z, ok := s.zones[id]
	s.mu.RUnlock()
	if ok {
		return z
	}
	return zone.Get(id)
}

func (s *Server) release(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.zones[id]
	delete(s.zones, id)
	return ok
}

func (s *Server) held() []*zone.Zone {
	s.mu.RLock()
	out := make([]*zone.Zone, 0, len(s.zones))
	for _, z := range s.zones {
		out = append(out, z)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Run serves HTTP on the configured address until ctx is canceled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", zap.String("addr", s.cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.log.Info("shutting down")
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.log.Info("server stopped")
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
