// Package httpapi exposes the latest reading, live subscriptions over
// websocket and read-only history over HTTP.
package httpapi

import (
	"context"
	"net"
	"net/http"
	"time"

	"codeberg.org/mutker/spacenose/internal/errors"
	"codeberg.org/mutker/spacenose/internal/logger"
	"codeberg.org/mutker/spacenose/internal/metrics"
	"codeberg.org/mutker/spacenose/internal/reading"
	"codeberg.org/mutker/spacenose/internal/registry"
	"codeberg.org/mutker/spacenose/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const readHeaderTimeout = 5 * time.Second

// Latest is the read side of the latest-value cache.
type Latest interface {
	Peek() (reading.Reading, bool)
	Payload() ([]byte, bool)
}

// Subscriptions is the registry as seen by websocket handlers.
type Subscriptions interface {
	Register(ctx context.Context, ch registry.Channel) (string, error)
	Unregister(id string)
	Len() int
}

// History answers read-only queries over persisted readings.
type History interface {
	Recent(ctx context.Context, limit int) ([]storage.Record, error)
	Since(ctx context.Context, t time.Time) ([]storage.Record, error)
	Range(ctx context.Context, start, end time.Time) ([]storage.Record, error)
	ByID(ctx context.Context, id int64) (storage.Record, error)
	Latest(ctx context.Context) (storage.Record, bool, error)
	Count(ctx context.Context) (int64, error)
}

// Options wires the server's collaborators. History may be nil when
// persistence is disabled.
type Options struct {
	Latest        Latest
	Subscriptions Subscriptions
	History       History
	Log           logger.Logger
}

// Server exposes the HTTP transport.
type Server struct {
	router chi.Router
	srv    *http.Server
	log    logger.Logger
}

func NewServer(opts Options) *Server {
	if opts.Log == nil {
		opts.Log = logger.Default()
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(opts.Log))
	router.Use(metrics.HTTPMiddleware)

	h := &handler{
		latest:        opts.Latest,
		subscriptions: opts.Subscriptions,
		history:       opts.History,
		log:           opts.Log,
	}
	registerRoutes(router, h)

	return &Server{
		router: router,
		srv: &http.Server{
			Handler:           router,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		log: opts.Log,
	}
}

// Router returns the configured chi router for reuse in tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Serve accepts connections on l until Shutdown is called. After Shutdown it
// closes l and returns nil at once.
func (s *Server) Serve(l net.Listener) error {
	s.log.Info().Str("address", l.Addr().String()).Msg("HTTP server listening")

	if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.New().Wrap(ErrServe, err)
	}
	return nil
}

// ListenAndServe binds addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.New().Wrap(ErrServe, err)
	}
	return s.Serve(l)
}

// Shutdown stops accepting requests and waits for active ones. Hijacked
// websocket connections are not tracked here; they end when the registry
// closes their channels.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return errors.New().Wrap(ErrShutdown, err)
	}
	return nil
}

func requestLogger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("HTTP request")
		})
	}
}
