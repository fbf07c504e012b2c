// Package session owns the server side of each WebSocket: the HTTP upgrade,
// the read/write pumps, the bounded outbound queue with its reliable/volatile
// split, and the decode-and-route step that feeds inbound events to the room
// engine.
package session

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/kanreisa/reichat-server/internal/metrics"
)

const (
	// Time allowed to write one frame to the peer.
	writeWait = 5 * time.Second

	// Read deadline, refreshed on any inbound data. Dead connections are
	// detected within this window.
	pongWait = 30 * time.Second

	// Ping interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Outbound queue depth. Reliable events finding it full mean the client
	// cannot keep up; the session is closed rather than stalling the engine.
	sendQueueSize = 256
)

// Session is one attached socket. It implements the engine's Conn: Send
// queues reliably (a full queue closes the session as a slow consumer),
// TrySend drops when full, Kick force-closes.
type Session struct {
	hub  *Hub
	log  zerolog.Logger
	conn net.Conn
	addr string

	send      chan []byte
	goaway    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(hub *Hub, conn net.Conn, addr string) *Session {
	return &Session{
		hub:  hub,
		log:  hub.log.With().Str("remoteAddr", addr).Logger(),
		conn: conn,
		addr: addr,

		send:   make(chan []byte, sendQueueSize),
		goaway: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// RemoteAddr implements room.Conn.
func (s *Session) RemoteAddr() string { return s.addr }

// Send queues a reliable frame. A full queue means the client has fallen a
// whole buffer behind on paint/chat/roster traffic; it is disconnected and
// can rebind with its uuid/pin.
func (s *Session) Send(frame []byte) {
	select {
	case <-s.closed:
		return
	default:
	}
	select {
	case s.send <- frame:
	default:
		metrics.SlowSocketsClosed.Inc()
		s.log.Warn().Msg("send queue full, closing slow socket")
		s.close()
	}
}

// TrySend queues a volatile frame, reporting false when the queue is full.
func (s *Session) TrySend(frame []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Kick force-closes the socket. The read pump notices and detaches the
// session from the engine.
func (s *Session) Kick() { s.close() }

// shutdown asks the write pump to deliver a going-away close frame and then
// shut the socket down. The frame goes through the pump so it never
// interleaves with a frame already being written. Sessions whose pump has
// exited are closed already and ignore the signal.
func (s *Session) shutdown() {
	select {
	case s.goaway <- struct{}{}:
	default:
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.closed:
			return
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(s.conn, ws.OpText, frame); err != nil {
				s.log.Debug().Err(err).Msg("socket write failed")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(s.conn, ws.OpPing, nil); err != nil {
				s.log.Debug().Err(err).Msg("socket ping failed")
				return
			}
		case <-s.goaway:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = ws.WriteFrame(s.conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "server shutting down")))
			return
		}
	}
}

func (s *Session) readPump() {
	defer func() {
		s.close()
		s.hub.drop(s)
	}()

	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		msg, op, err := wsutil.ReadClientData(s.conn)
		if err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			s.hub.route(s, msg)
		case ws.OpClose:
			return
		}
	}
}
