// Package httpserver serves the gateway's downstream HTTP surface: the
// fragmented-MP4 video stream, a couple of static pages, and Prometheus
// exposition. It follows the same listen/accept/graceful-shutdown shape as
// the teacher's internal/rtmp/server.Server, adapted from a raw TCP accept
// loop to net/http.
package httpserver

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jcharest/foscam-gateway/internal/foscam/session"
	"github.com/jcharest/foscam-gateway/internal/foscam/stream"
	"github.com/jcharest/foscam-gateway/internal/logger"
)

//go:embed static/index.html static/favicon.ico
var staticFS embed.FS

// copyChunkSize bounds how much remuxed output is buffered per
// GetVideoStreamData call before it is flushed to the client.
const copyChunkSize = 64 * 1024

// streamPollInterval is how often the handler retries GetVideoStreamData
// after it returns zero bytes without a subscriber error.
const streamPollInterval = 10 * time.Millisecond

// Config holds the server's wiring dependencies.
type Config struct {
	ListenAddr   string
	Session      *session.Session
	PipeCapacity int
	BuildWorker  stream.WorkerFactory
}

// Server serves the gateway's HTTP surface over one net/http.Server.
type Server struct {
	cfg Config
	log *slog.Logger

	httpSrv *http.Server

	mu      sync.Mutex
	started bool
}

// New constructs an unstarted Server.
func New(cfg Config) *Server {
	s := &Server{cfg: cfg, log: logger.Logger().With("component", "httpserver")}

	mux := http.NewServeMux()
	mux.HandleFunc("/video_stream", s.handleVideoStream)
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/favicon.ico", s.handleFavicon)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpSrv = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return s
}

// Start begins serving in a background goroutine. It is safe to call only
// once.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("httpserver already started")
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server exited", "error", err)
		}
	}()
	s.log.Info("http server listening", "addr", s.cfg.ListenAddr)
	return nil
}

// Stop gracefully shuts the HTTP server down, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// handleVideoStream creates a subscriber stream for the duration of the
// request, copies its fragmented MP4 output to the client, and tears the
// subscriber down when the client disconnects.
func (s *Server) handleVideoStream(w http.ResponseWriter, r *http.Request) {
	sub, err := stream.New(s.cfg.Session, s.cfg.PipeCapacity, s.cfg.BuildWorker)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	log := logger.WithSubscriber(s.log, sub.ID())
	log.Info("video stream opened", "remote", r.RemoteAddr)
	defer log.Info("video stream closed")

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, copyChunkSize)
	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n := sub.GetVideoStreamData(buf)
		if n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(streamPollInterval):
			}
			continue
		}
		if _, err := w.Write(buf[:n]); err != nil {
			log.Warn("video stream write failed, client likely disconnected", "error", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.serveStatic(w, "static/index.html", "text/html; charset=utf-8")
}

func (s *Server) handleFavicon(w http.ResponseWriter, r *http.Request) {
	s.serveStatic(w, "static/favicon.ico", "image/x-icon")
}

func (s *Server) serveStatic(w http.ResponseWriter, name, contentType string) {
	data, err := staticFS.ReadFile(name)
	if err != nil {
		http.Error(w, fmt.Sprintf("embedded asset missing: %s", name), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(data)
}
