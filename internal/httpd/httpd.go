// Package httpd serves the public HTTP surface of the room: the socket
// upgrade, the distributable config, the flattened canvas, per-layer
// snapshots, and the static client bundle.
package httpd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kanreisa/reichat-server/internal/metrics"
	"github.com/kanreisa/reichat-server/internal/room"
	"github.com/kanreisa/reichat-server/internal/session"
)

// Server is the public listener.
type Server struct {
	log       zerolog.Logger
	engine    *room.Engine
	hub       *session.Hub
	clientDir string

	srv      *http.Server
	listener net.Listener
}

// New builds the public server. clientDir empty disables static serving.
func New(log zerolog.Logger, engine *room.Engine, hub *session.Hub, clientDir string) *Server {
	return &Server{
		log:       log.With().Str("component", "httpd").Logger(),
		engine:    engine,
		hub:       hub,
		clientDir: clientDir,
	}
}

// Start binds the listener. A bind failure is fatal for the process.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpd: listen %s: %w", addr, err)
	}
	s.listener = listener
	s.srv = &http.Server{
		Handler:        s,
		ReadTimeout:    10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("serve failed")
		}
	}()
	s.log.Info().Str("addr", addr).Msg("listening")
	return nil
}

// Shutdown stops the listener; the sockets already upgraded belong to the
// session hub and drain separately.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// ServeHTTP routes the fixed surface. Every response, the socket upgrade
// excepted, carries the no-cache and nosniff headers.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/stream" && r.Method == http.MethodGet {
		s.hub.HandleStream(w, r)
		return
	}

	h := w.Header()
	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Server", "reichat-server/"+s.engine.Config().Version.Server)
	h.Set("Accept-Ranges", "none")

	switch r.Method {
	case http.MethodOptions:
		h.Set("Allow", "HEAD, GET, OPTIONS")
		w.WriteHeader(http.StatusOK)
		metrics.HTTPRequests.WithLabelValues("options", "200").Inc()
		return
	case http.MethodGet, http.MethodHead:
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		metrics.HTTPRequests.WithLabelValues("other", "405").Inc()
		return
	}

	switch {
	case r.URL.Path == "/config":
		s.handleConfig(w, r)
	case r.URL.Path == "/canvas":
		s.handleCanvas(w, r)
	case strings.HasPrefix(r.URL.Path, "/layers/"):
		s.handleLayer(w, r)
	default:
		s.handleStatic(w, r)
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	body, err := json.Marshal(s.engine.Config())
	if err != nil {
		s.fail(w, "config", err)
		return
	}
	s.respond(w, r, "config", "application/json; charset=utf-8", body)
}

func (s *Server) handleCanvas(w http.ResponseWriter, r *http.Request) {
	body, err := s.engine.FlattenPNG()
	if err != nil {
		s.fail(w, "canvas", err)
		return
	}
	s.respond(w, r, "canvas", "image/png", body)
}

func (s *Server) handleLayer(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/layers/"))
	if err != nil || n < 0 {
		s.notFound(w, "layer")
		return
	}
	body, err := s.engine.LayerPNG(n)
	if errors.Is(err, room.ErrNoLayer) {
		s.notFound(w, "layer")
		return
	}
	if err != nil {
		s.fail(w, "layer", err)
		return
	}
	s.respond(w, r, "layer", "image/png", body)
}

// handleStatic serves the client bundle from clientDir. The path is cleaned
// and pinned under the root; directories resolve to their index.html.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if s.clientDir == "" {
		s.notFound(w, "static")
		return
	}

	clean := path.Clean("/" + r.URL.Path)
	name := filepath.Join(s.clientDir, filepath.FromSlash(clean))

	info, err := os.Stat(name)
	if err == nil && info.IsDir() {
		name = filepath.Join(name, "index.html")
		info, err = os.Stat(name)
	}
	if err != nil || info.IsDir() {
		s.notFound(w, "static")
		return
	}

	body, err := os.ReadFile(name)
	if err != nil {
		s.fail(w, "static", err)
		return
	}

	ctype := mime.TypeByExtension(filepath.Ext(name))
	if ctype == "" {
		ctype = http.DetectContentType(body)
	}
	s.respond(w, r, "static", ctype, body)
}

// respond writes one complete response; HEAD gets the headers and length
// without the body.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, handler, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
	metrics.HTTPRequests.WithLabelValues(handler, "200").Inc()
}

func (s *Server) notFound(w http.ResponseWriter, handler string) {
	w.WriteHeader(http.StatusNotFound)
	metrics.HTTPRequests.WithLabelValues(handler, "404").Inc()
}

func (s *Server) fail(w http.ResponseWriter, handler string, err error) {
	s.log.Error().Err(err).Str("handler", handler).Msg("request failed")
	w.WriteHeader(http.StatusInternalServerError)
	metrics.HTTPRequests.WithLabelValues(handler, "500").Inc()
}
