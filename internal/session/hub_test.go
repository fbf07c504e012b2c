package session

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanreisa/reichat-server/internal/canvas"
	"github.com/kanreisa/reichat-server/internal/protocol"
	"github.com/kanreisa/reichat-server/internal/room"
)

func testHub(t *testing.T) (*Hub, *room.Engine, string) {
	t.Helper()
	engine := room.New(zerolog.Nop(), "hub-server", protocol.ConfigInfo{
		Title:        "PaintChat",
		CanvasWidth:  32,
		CanvasHeight: 24,
		LayerCount:   2,
		Version:      protocol.VersionInfo{Server: "2.3.0"},
	})
	engine.Start()
	hub := NewHub(zerolog.Nop(), engine, "")

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleStream))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
		srv.Close()
		_ = engine.Shutdown(ctx)
	})
	return hub, engine, "ws" + strings.TrimPrefix(srv.URL, "http")
}

type wsClient struct {
	conn net.Conn
	rw   io.ReadWriter
}

func dialWS(t *testing.T, url string) *wsClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, br, _, err := ws.DefaultDialer.Dial(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return &wsClient{
		conn: conn,
		rw: struct {
			io.Reader
			io.Writer
		}{r, conn},
	}
}

func (c *wsClient) send(t *testing.T, typ string, data any) {
	t.Helper()
	frame, err := protocol.Encode(typ, data)
	require.NoError(t, err)
	require.NoError(t, wsutil.WriteClientMessage(c.conn, ws.OpText, frame))
}

func (c *wsClient) next(t *testing.T) protocol.Envelope {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	data, err := wsutil.ReadServerText(c.rw)
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

// until reads events until one of the wanted type arrives.
func (c *wsClient) until(t *testing.T, typ string) json.RawMessage {
	t.Helper()
	for i := 0; i < 32; i++ {
		env := c.next(t)
		if env.Type == typ {
			return env.Data
		}
	}
	t.Fatalf("no %q event arrived", typ)
	return nil
}

func (c *wsClient) bind(t *testing.T, name string) protocol.BindReply {
	t.Helper()
	c.send(t, protocol.EventClient, protocol.BindRequest{Name: name})
	var reply protocol.BindReply
	require.NoError(t, json.Unmarshal(c.until(t, protocol.EventClient), &reply))
	return reply
}

func TestStreamGreetingAndBind(t *testing.T) {
	_, _, url := testHub(t)
	c := dialWS(t, url)

	env := c.next(t)
	require.Equal(t, protocol.EventServer, env.Type)
	var ref protocol.ServerRef
	require.NoError(t, json.Unmarshal(env.Data, &ref))
	assert.Equal(t, "hub-server", ref.ID)

	env = c.next(t)
	require.Equal(t, protocol.EventConfig, env.Type)
	var info protocol.ConfigInfo
	require.NoError(t, json.Unmarshal(env.Data, &info))
	assert.Equal(t, 32, info.CanvasWidth)

	reply := c.bind(t, "alice")
	assert.Len(t, reply.UUID, 36)
	assert.NotEmpty(t, reply.Pin)

	var line protocol.Chat
	require.NoError(t, json.Unmarshal(c.until(t, protocol.EventChat), &line))
	assert.Equal(t, "! alice has join.", line.Message)

	var online []protocol.DistClient
	require.NoError(t, json.Unmarshal(c.until(t, protocol.EventClients), &online))
	require.Len(t, online, 1)
	assert.Equal(t, "alice", online[0].Name)
}

func TestPaintFanout(t *testing.T) {
	_, _, url := testHub(t)

	a := dialWS(t, url)
	a.bind(t, "a")
	b := dialWS(t, url)
	b.bind(t, "b")

	// a learns about b before painting so ordering stays deterministic.
	for {
		var online []protocol.DistClient
		require.NoError(t, json.Unmarshal(a.until(t, protocol.EventClients), &online))
		if len(online) == 2 {
			break
		}
	}

	pix := make([]byte, 2*2*4)
	for i := 0; i < len(pix); i += 4 {
		pix[i], pix[i+3] = 255, 255
	}
	blob, err := canvas.EncodePix(pix, 2, 2)
	require.NoError(t, err)

	a.send(t, protocol.EventPaint, protocol.Paint{
		LayerNumber: 0, Mode: protocol.ModeNormal, X: 3, Y: 4, Data: blob,
	})

	a.until(t, protocol.EventPainted)

	var p protocol.Paint
	require.NoError(t, json.Unmarshal(b.until(t, protocol.EventPaint), &p))
	require.NotNil(t, p.Client)
	assert.Equal(t, "a", p.Client.Name)
	assert.Equal(t, 3, p.X)
	assert.Equal(t, 4, p.Y)
}

func TestInvalidEventsAreDroppedSilently(t *testing.T) {
	_, _, url := testHub(t)
	c := dialWS(t, url)
	c.bind(t, "a")
	c.until(t, protocol.EventClients)

	// None of these may produce a reply or a disconnect.
	c.send(t, protocol.EventChat, map[string]any{"message": "   "})
	c.send(t, protocol.EventChat, map[string]any{"message": strings.Repeat("x", 257)})
	c.send(t, "bogus", map[string]any{"x": 1})
	require.NoError(t, wsutil.WriteClientMessage(c.conn, ws.OpText, []byte("not json")))

	c.send(t, protocol.EventChat, map[string]any{"message": "hello"})
	var line protocol.Chat
	require.NoError(t, json.Unmarshal(c.until(t, protocol.EventChat), &line))
	assert.Equal(t, "hello", line.Message)
}

func TestRebindKicksOldSocket(t *testing.T) {
	_, _, url := testHub(t)

	c1 := dialWS(t, url)
	reply := c1.bind(t, "a")

	c2 := dialWS(t, url)
	c2.send(t, protocol.EventClient, protocol.BindRequest{UUID: reply.UUID, Pin: reply.Pin, Name: "a2"})
	var reply2 protocol.BindReply
	require.NoError(t, json.Unmarshal(c2.until(t, protocol.EventClient), &reply2))
	assert.Equal(t, reply.UUID, reply2.UUID)
	assert.Equal(t, "a2", reply2.Name)

	// The first socket was taken over and closes.
	require.NoError(t, c1.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, err := wsutil.ReadServerText(c1.rw); err != nil {
			break
		}
	}
}

func TestPinMismatchMintsFreshIdentity(t *testing.T) {
	_, _, url := testHub(t)

	c1 := dialWS(t, url)
	reply := c1.bind(t, "a")

	c2 := dialWS(t, url)
	c2.send(t, protocol.EventClient, protocol.BindRequest{UUID: reply.UUID, Pin: "wrong", Name: "c"})
	var reply2 protocol.BindReply
	require.NoError(t, json.Unmarshal(c2.until(t, protocol.EventClient), &reply2))
	assert.NotEqual(t, reply.UUID, reply2.UUID)

	// The original socket keeps its identity.
	c1.send(t, protocol.EventChat, map[string]any{"message": "still here"})
	var line protocol.Chat
	for {
		require.NoError(t, json.Unmarshal(c1.until(t, protocol.EventChat), &line))
		if line.Client != nil {
			break
		}
	}
	assert.Equal(t, reply.UUID, line.Client.UUID)
}

func TestShutdownDeliversCloseFrame(t *testing.T) {
	hub, _, url := testHub(t)
	c := dialWS(t, url)
	c.bind(t, "a")

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- hub.Shutdown(ctx)
	}()

	// The going-away frame arrives as a proper close frame, after any
	// frames still queued on the session.
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var closed wsutil.ClosedError
	for {
		_, err := wsutil.ReadServerText(c.rw)
		if err == nil {
			continue
		}
		require.ErrorAs(t, err, &closed)
		break
	}
	assert.Equal(t, ws.StatusGoingAway, closed.Code)
	require.NoError(t, <-done)
}

func TestReliableSendClosesSlowSocket(t *testing.T) {
	hub := &Hub{log: zerolog.Nop(), sessions: make(map[*Session]struct{})}
	p1, p2 := net.Pipe()
	defer p1.Close()
	defer p2.Close()

	s := newSession(hub, p1, "10.0.0.1")
	frame := []byte(`{"type":"chat"}`)

	// No write pump runs, so the queue fills and the next reliable send
	// trips the slow-consumer close.
	for i := 0; i < sendQueueSize; i++ {
		s.Send(frame)
	}
	select {
	case <-s.closed:
		t.Fatal("session closed before the queue overflowed")
	default:
	}

	s.Send(frame)
	select {
	case <-s.closed:
	default:
		t.Fatal("slow socket was not closed")
	}
	assert.False(t, s.TrySend(frame))
}

func TestVolatileTrySendDropsWithoutClosing(t *testing.T) {
	hub := &Hub{log: zerolog.Nop(), sessions: make(map[*Session]struct{})}
	p1, p2 := net.Pipe()
	defer p1.Close()
	defer p2.Close()

	s := newSession(hub, p1, "10.0.0.1")
	frame := []byte(`{"type":"pointer"}`)

	for i := 0; i < sendQueueSize; i++ {
		require.True(t, s.TrySend(frame))
	}
	assert.False(t, s.TrySend(frame))
	select {
	case <-s.closed:
		t.Fatal("volatile overflow must not close the session")
	default:
	}
}

func TestClientAddrResolution(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	plain := &Hub{}
	assert.Equal(t, "192.0.2.10", plain.clientAddr(req))

	xff := &Hub{trustXFF: true}
	assert.Equal(t, "203.0.113.7", xff.clientAddr(req))

	noHeader := httptest.NewRequest(http.MethodGet, "/stream", nil)
	noHeader.RemoteAddr = "192.0.2.11:6666"
	assert.Equal(t, "192.0.2.11", xff.clientAddr(noHeader))
}
