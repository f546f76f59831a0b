// Package server is the development server: it serves the build directory,
// pushes live reload messages to connected browsers when outputs change and
// shows build failures as an in-page overlay.
package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"

	"github.com/conneroisu/kiln/internal/build"
	"github.com/conneroisu/kiln/internal/config"
	"github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/logging"
	"github.com/conneroisu/kiln/internal/watcher"
	"github.com/conneroisu/kiln/internal/websocket"
)

const broadcastTimeout = 2 * time.Second

// Options carries the collaborators of a Server. Zero values get defaults.
type Options struct {
	Fs       afero.Fs
	Metrics  *build.Metrics
	Recorder *build.Recorder
	Logger   logging.Logger
}

// Server serves the build directory with live reload.
type Server struct {
	config    *config.Config
	fs        afero.Fs
	buildDir  string
	router    chi.Router
	ws        *websocket.Manager
	metrics   *build.Metrics
	recorder  *build.Recorder
	collector *errors.ErrorCollector
	logger    logging.Logger

	serverMutex  sync.RWMutex
	httpServer   *http.Server
	listener     net.Listener
	watcher      *watcher.FileWatcher
	shutdownOnce sync.Once
	started      time.Time
}

// New creates a server for cfg. It does not bind until Start.
func New(cfg *config.Config, opts Options) *Server {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Metrics == nil {
		opts.Metrics = build.NewMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}

	logger := opts.Logger.WithComponent("server")

	s := &Server{
		config:    cfg,
		fs:        opts.Fs,
		buildDir:  cfg.Paths.Build,
		ws:        websocket.NewManager(logger),
		metrics:   opts.Metrics,
		recorder:  opts.Recorder,
		collector: errors.NewErrorCollector(),
		logger:    logger,
	}

	if s.recorder != nil {
		s.recorder.AddCallback(s.ReportResult)
	}

	s.router = s.routes()

	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))

	r.Route("/__kiln", func(r chi.Router) {
		r.Handle("/ws", s.ws)
		r.Get("/reload.js", handleReloadScript)
		r.Get("/status", s.handleStatus)
	})

	r.Handle("/*", s.staticHandler())

	return r
}

// Handler returns the server's router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug(r.Context(), "HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}

// Start binds the configured address, watches the build directory and
// serves until ctx is cancelled. It returns once the server has shut down.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Address(), err)
	}

	if err := s.watchOutput(ctx); err != nil {
		_ = listener.Close()

		return err
	}

	s.serverMutex.Lock()
	s.listener = listener
	s.started = time.Now()
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := s.httpServer
	s.serverMutex.Unlock()

	s.logger.Info(ctx, "Development server listening", "url", "http://"+listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return s.Shutdown(shutdownCtx)
	}
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.serverMutex.RLock()
	defer s.serverMutex.RUnlock()

	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

func (s *Server) watchOutput(ctx context.Context) error {
	if err := s.fs.MkdirAll(s.buildDir, 0o755); err != nil {
		return errors.NewIOError(s.buildDir, "create build directory", err)
	}

	fw, err := watcher.NewFileWatcher(s.config.Watch.Debounce, s.logger)
	if err != nil {
		return err
	}
	fw.AddFilter(watcher.NoTempFilter)

	if err := fw.AddRecursive(s.buildDir); err != nil {
		_ = fw.Stop()

		return fmt.Errorf("watch build directory: %w", err)
	}

	if err := fw.Start(ctx); err != nil {
		_ = fw.Stop()

		return err
	}

	s.serverMutex.Lock()
	s.watcher = fw
	s.serverMutex.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case batch := <-fw.Events():
				if err := s.NotifyClients(ctx, s.relativeToBuild(watcher.Paths(batch))); err != nil {
					s.logger.Warn(ctx, err, "Failed to notify browsers")
				}
			}
		}
	}()

	return nil
}

func (s *Server) relativeToBuild(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		rel, err := filepath.Rel(s.buildDir, p)
		if err != nil {
			rel = p
		}
		out = append(out, filepath.ToSlash(rel))
	}

	return out
}

// ReloadKind picks the reload message for a set of changed outputs: css when
// every changed file is a stylesheet or source map, reload otherwise.
func ReloadKind(paths []string) websocket.MessageType {
	css := false
	for _, p := range paths {
		switch path.Ext(p) {
		case ".css":
			css = true
		case ".map":
		default:
			return websocket.MessageReload
		}
	}

	if !css {
		return websocket.MessageReload
	}

	return websocket.MessageCSS
}

// NotifyClients tells every connected browser that paths changed.
func (s *Server) NotifyClients(ctx context.Context, paths []string) error {
	kind := ReloadKind(paths)

	ctx, cancel := context.WithTimeout(ctx, broadcastTimeout)
	defer cancel()

	if err := s.ws.Broadcast(ctx, websocket.Message{Type: kind, Paths: paths}); err != nil {
		return err
	}

	s.metrics.ObserveReload(string(kind))
	s.logger.Debug(ctx, "Notified browsers", "kind", kind, "paths", len(paths), "clients", s.ws.ClientCount())

	return nil
}

// ReportResult pushes a build failure overlay, or clears it once the task
// succeeds again.
func (s *Server) ReportResult(result build.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), broadcastTimeout)
	defer cancel()

	if result.Error != nil {
		s.collector.Record(result.Task, result.Error)
		_ = s.ws.Broadcast(ctx, websocket.Message{
			Type:  websocket.MessageError,
			Task:  result.Task,
			Error: result.Error.Error(),
		})

		return
	}

	if s.collector.Record(result.Task, nil) {
		_ = s.ws.Broadcast(ctx, websocket.Message{Type: websocket.MessageClear, Task: result.Task})
	}
}

// Errors returns the outstanding task failures.
func (s *Server) Errors() []errors.Entry {
	return s.collector.All()
}

// Shutdown stops the output watcher, closes browser connections and stops
// the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.serverMutex.RLock()
		fw := s.watcher
		server := s.httpServer
		s.serverMutex.RUnlock()

		if fw != nil {
			_ = fw.Stop()
		}

		if err := s.ws.Shutdown(ctx); err != nil {
			s.logger.Warn(ctx, err, "WebSocket shutdown incomplete")
		}

		if server != nil {
			shutdownErr = server.Shutdown(ctx)
		}
	})

	return shutdownErr
}

// isHTML reports whether name is served as an HTML page.
func isHTML(name string) bool {
	ext := strings.ToLower(path.Ext(name))

	return ext == ".html" || ext == ".htm"
}
