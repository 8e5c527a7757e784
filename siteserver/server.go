// Package siteserver serves the built documentation site that capture pages
// are loaded from. Demo routes are directories with an index.html; unknown
// extension-less paths fall back to the site root index.html so the
// client-side router can resolve them.
package siteserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Config for the site server.
type Config struct {
	Dir    string // built site, usually _site
	Port   int    // 0 picks a free port
	Logger *slog.Logger
}

// Server is a static file server for the built site.
type Server struct {
	cfg    Config
	files  http.Handler
	router chi.Router

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// New builds the router. Nothing is bound until Start.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:   cfg,
		files: http.FileServer(http.Dir(cfg.Dir)),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.GetHead)
	r.Use(requestLogger(cfg.Logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok"))
	})
	r.Get("/*", s.serveSite)
	s.router = r
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start binds the port and serves in the background. A bind failure is
// returned; later serve errors are logged.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("siteserver: already started")
	}
	if _, err := os.Stat(s.cfg.Dir); err != nil {
		return fmt.Errorf("siteserver: site dir: %w", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("siteserver: listen: %w", err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.cfg.Logger.Info("siteserver: listening", "addr", ln.Addr().String(), "dir", s.cfg.Dir)

	srv := s.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.cfg.Logger.Error("siteserver: serve", "error", err)
		}
	}()
	return nil
}

// URL is the base address pages should be loaded from. Empty before Start.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	port := s.ln.Addr().(*net.TCPAddr).Port
	return fmt.Sprintf("http://localhost:%d", port)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("siteserver: shutdown: %w", err)
	}
	return nil
}

func (s *Server) serveSite(w http.ResponseWriter, r *http.Request) {
	name := path.Clean("/" + r.URL.Path)
	full := filepath.Join(s.cfg.Dir, filepath.FromSlash(name))

	if fi, err := os.Stat(full); err == nil {
		if !fi.IsDir() || exists(filepath.Join(full, "index.html")) {
			s.files.ServeHTTP(w, r)
			return
		}
	}
	if path.Ext(name) == "" {
		s.serveIndex(w, r)
		return
	}
	http.NotFound(w, r)
}

// serveIndex writes the root index.html without FileServer's redirects.
func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	f, err := os.Open(filepath.Join(s.cfg.Dir, "index.html"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		http.Error(w, "stat index", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	http.ServeContent(w, r, "index.html", fi.ModTime(), f)
}

func exists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}
