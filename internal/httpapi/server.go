// Package httpapi exposes the job service over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/MimeLyc/contentpipe/internal/service"
	"github.com/MimeLyc/contentpipe/pkg/icron"
)

type scheduleStatus interface {
	Status(now time.Time) (*icron.TriggerInfo, error)
}

type Server struct {
	svc     *service.Service
	sweeper scheduleStatus

	// streamInterval paces snapshots when no change broker is configured
	// and keep-alive comments otherwise.
	streamInterval time.Duration

	uiEnabled   bool
	uiStaticDir string

	mux    *http.ServeMux
	server *http.Server
}

type Option func(*Server)

func WithUI(staticDir string, enabled bool) Option {
	return func(s *Server) {
		s.uiStaticDir = staticDir
		s.uiEnabled = enabled
	}
}

// WithSweeper reports the recovery schedule on /api/status.
func WithSweeper(sweeper scheduleStatus) Option {
	return func(s *Server) {
		s.sweeper = sweeper
	}
}

func WithStreamInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.streamInterval = d
		}
	}
}

func NewServer(svc *service.Service, opts ...Option) *Server {
	s := &Server{
		svc:            svc,
		streamInterval: 15 * time.Second,
		mux:            http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/jobs", s.handleListJobs)
	s.mux.HandleFunc("/api/jobs/", s.handleJobRoutes)
	s.mux.HandleFunc("/api/briefs/", s.handleBriefRoutes)
	s.mux.HandleFunc("/", s.handleStatic)
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if !s.uiEnabled || s.uiStaticDir == "" {
		http.NotFound(w, r)
		return
	}

	rel := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
	indexPath := filepath.Join(s.uiStaticDir, "index.html")

	if rel == "" || !strings.Contains(filepath.Base(rel), ".") {
		http.ServeFile(w, r, indexPath)
		return
	}

	filePath := filepath.Join(s.uiStaticDir, rel)
	if _, err := os.Stat(filePath); err != nil {
		// unknown asset paths fall back to the dashboard index
		http.ServeFile(w, r, indexPath)
		return
	}
	http.ServeFile(w, r, filePath)
}
