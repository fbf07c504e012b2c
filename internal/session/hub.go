package session

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/kanreisa/reichat-server/internal/metrics"
	"github.com/kanreisa/reichat-server/internal/protocol"
	"github.com/kanreisa/reichat-server/internal/room"
)

// ForwardedXFF is the only recognized forwardedHeaderType value. Any other
// value silently falls back to the socket peer address.
const ForwardedXFF = "XFF"

// Hub upgrades sockets, tracks live sessions, and routes decoded events to
// the engine. Unknown and malformed events are dropped without a reply.
type Hub struct {
	log      zerolog.Logger
	engine   *room.Engine
	trustXFF bool

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool

	wg sync.WaitGroup
}

// NewHub wires a hub to the engine. forwardedHeaderType selects how remote
// addresses are resolved for logging and roster records.
func NewHub(log zerolog.Logger, engine *room.Engine, forwardedHeaderType string) *Hub {
	return &Hub{
		log:      log.With().Str("component", "session").Logger(),
		engine:   engine,
		trustXFF: forwardedHeaderType == ForwardedXFF,
		sessions: make(map[*Session]struct{}),
	}
}

// HandleStream upgrades GET /stream. Refused with 503 once shutdown began.
func (h *Hub) HandleStream(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.log.Debug().Err(err).Str("remoteAddr", r.RemoteAddr).Msg("upgrade failed")
		return
	}
	metrics.ConnectionsTotal.Inc()

	s := newSession(h, conn, h.clientAddr(r))

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.sessions[s] = struct{}{}
	h.mu.Unlock()

	h.engine.Attach(s)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		s.writePump()
	}()
	go func() {
		defer h.wg.Done()
		s.readPump()
	}()
}

// drop is called by the read pump when a socket dies.
func (h *Hub) drop(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s]
	delete(h.sessions, s)
	h.mu.Unlock()
	if ok {
		h.engine.Detach(s)
	}
}

// route decodes one inbound frame and hands it to the engine. The engine
// drops events from sockets that have not bound.
func (h *Hub) route(s *Session, msg []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		h.log.Debug().Err(err).Str("remoteAddr", s.addr).Msg("malformed frame")
		return
	}

	switch env.Type {
	case protocol.EventClient:
		h.engine.Bind(s, env.Data)
	case protocol.EventPaint:
		h.engine.Paint(s, env.Data)
	case protocol.EventStroke:
		h.engine.Stroke(s, env.Data)
	case protocol.EventPointer:
		h.engine.Pointer(s, env.Data)
	case protocol.EventChat:
		h.engine.Chat(s, env.Data)
	default:
		h.log.Debug().Str("type", env.Type).Msg("unknown event type")
	}
}

// clientAddr resolves the address recorded for a socket. With XFF enabled
// the first X-Forwarded-For entry wins when present.
func (h *Hub) clientAddr(r *http.Request) string {
	if h.trustXFF {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if first, _, ok := strings.Cut(fwd, ","); ok {
				return strings.TrimSpace(first)
			}
			return strings.TrimSpace(fwd)
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// Shutdown stops accepting upgrades, closes every session with a close
// frame, and waits for the pumps to exit.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.shutdown()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
