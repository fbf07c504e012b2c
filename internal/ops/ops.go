// Package ops is the operational listener, kept off the public surface:
// Prometheus metrics and a JSON health check.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/kanreisa/reichat-server/internal/room"
)

// Server serves /metrics and /healthz on its own listener.
type Server struct {
	log        zerolog.Logger
	engine     *room.Engine
	brokerMode string
	brokerUp   func() bool
	started    time.Time

	srv *http.Server
}

// New builds the ops server. brokerUp may be nil when no broker is
// configured.
func New(log zerolog.Logger, engine *room.Engine, brokerMode string, brokerUp func() bool) *Server {
	return &Server{
		log:        log.With().Str("component", "ops").Logger(),
		engine:     engine,
		brokerMode: brokerMode,
		brokerUp:   brokerUp,
		started:    time.Now(),
	}
}

// Start binds the ops listener. A bind failure is fatal for the process.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ops: listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.srv = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("serve failed")
		}
	}()
	s.log.Info().Str("addr", addr).Msg("ops listening")
	return nil
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var rssMB float64
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if memInfo, err := proc.MemoryInfo(); err == nil {
			rssMB = float64(memInfo.RSS) / 1024 / 1024
		}
	}

	brokerConnected := false
	if s.brokerUp != nil {
		brokerConnected = s.brokerUp()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"uptimeSeconds": time.Since(s.started).Seconds(),
		"rssMB":         rssMB,
		"room":          s.engine.Stats(),
		"broker": map[string]any{
			"mode":      s.brokerMode,
			"connected": brokerConnected,
		},
	})
}
