package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanreisa/reichat-server/internal/canvas"
	"github.com/kanreisa/reichat-server/internal/protocol"
	"github.com/kanreisa/reichat-server/internal/room"
)

type remotePaint struct {
	client protocol.Client
	paint  protocol.Paint
	pix    []byte
	pw, ph int
}

type fakeHandler struct {
	mu       sync.Mutex
	remotes  []string
	paints   []remotePaint
	strokes  []protocol.Stroke
	pointers []protocol.Pointer
	chats    []protocol.Chat
	systems  []string
	provides map[string][]protocol.Client
	collects int
	pruned   [][]string
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{provides: make(map[string][]protocol.Client)}
}

func (h *fakeHandler) RemotePaint(client protocol.Client, p protocol.Paint, pix []byte, pw, ph int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paints = append(h.paints, remotePaint{client, p, pix, pw, ph})
}

func (h *fakeHandler) RemoteStroke(_ protocol.Client, s protocol.Stroke) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.strokes = append(h.strokes, s)
}

func (h *fakeHandler) RemotePointer(_ protocol.Client, p protocol.Pointer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pointers = append(h.pointers, p)
}

func (h *fakeHandler) RemoteChat(_ protocol.Client, c protocol.Chat) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chats = append(h.chats, c)
}

func (h *fakeHandler) RemoteSystem(message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.systems = append(h.systems, message)
}

func (h *fakeHandler) RemoteProvide(serverID string, clients []protocol.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.provides[serverID] = clients
}

func (h *fakeHandler) RemoteCollect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.collects++
}

func (h *fakeHandler) PruneServers(ids []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruned = append(h.pruned, ids)
}

func (h *fakeHandler) RemoteServers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.remotes
}

func (h *fakeHandler) systemCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.systems)
}

func (h *fakeHandler) collectCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.collects
}

func (h *fakeHandler) providedBy(serverID string) []protocol.Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.provides[serverID]
}

func (h *fakeHandler) prunedOnce() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.pruned) == 0 {
		return nil
	}
	return h.pruned[0]
}

// quiet timings keep the presence and liveness loops out of a test's way.
func quietPeer(t *testing.T, bus *MemBus, serverID string, h Handler) *Peer {
	t.Helper()
	return startPeer(t, bus, serverID, h, time.Hour, time.Hour, time.Hour)
}

func startPeer(t *testing.T, bus *MemBus, serverID string, h Handler, settle, ping, pong time.Duration) *Peer {
	t.Helper()
	conn := bus.Conn()
	p := NewPeer(PeerOptions{
		ServerID:     serverID,
		Conn:         conn,
		Handler:      h,
		Log:          zerolog.Nop(),
		SettleDelay:  settle,
		PingInterval: ping,
		PongWindow:   pong,
	})
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		p.Close()
		_ = conn.Close()
	})
	return p
}

func TestLoopbackSuppressed(t *testing.T) {
	bus := NewMemBus()
	ha := newFakeHandler()
	hb := newFakeHandler()
	pa := quietPeer(t, bus, "s1", ha)
	quietPeer(t, bus, "s2", hb)

	pa.System("hello")

	require.Eventually(t, func() bool { return hb.systemCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, ha.systemCount())
}

func TestSettlePublishesCollect(t *testing.T) {
	bus := NewMemBus()
	ha := newFakeHandler()
	hb := newFakeHandler()
	startPeer(t, bus, "s1", ha, 10*time.Millisecond, time.Hour, time.Hour)
	quietPeer(t, bus, "s2", hb)

	require.Eventually(t, func() bool { return hb.collectCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, ha.collectCount())
}

func TestProvideCarriesFullRecords(t *testing.T) {
	bus := NewMemBus()
	ha := newFakeHandler()
	hb := newFakeHandler()
	pa := quietPeer(t, bus, "s1", ha)
	quietPeer(t, bus, "s2", hb)

	clients := []protocol.Client{{UUID: "u1", Pin: "secret", Name: "a", IsOnline: true, ServerID: "s1"}}
	pa.Provide(clients)

	require.Eventually(t, func() bool { return hb.providedBy("s1") != nil }, 2*time.Second, 5*time.Millisecond)
	got := hb.providedBy("s1")
	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0].UUID)
	assert.Equal(t, "secret", got[0].Pin)
	assert.True(t, got[0].IsOnline)
}

func TestProvideWireFormat(t *testing.T) {
	bus := NewMemBus()
	pa := quietPeer(t, bus, "s1", newFakeHandler())

	tap := bus.Conn()
	var (
		mu      sync.Mutex
		payload []byte
	)
	require.NoError(t, tap.Subscribe(context.Background(), []string{protocol.ChannelProvide}, func(_ string, p []byte) {
		mu.Lock()
		defer mu.Unlock()
		payload = p
	}))
	defer tap.Close()

	pa.Provide([]protocol.Client{{UUID: "u1", Name: "a", ServerID: "s1"}})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return payload != nil
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	var f protocol.Frame
	require.NoError(t, json.Unmarshal(payload, &f))
	assert.Equal(t, "s1", f.Server.ID)
	assert.Equal(t, protocol.TargetClients, f.Target)
	var clients []protocol.Client
	require.NoError(t, json.Unmarshal(f.Body, &clients))
	require.Len(t, clients, 1)
}

func TestPaintRoutingDecodesPatch(t *testing.T) {
	bus := NewMemBus()
	ha := newFakeHandler()
	hb := newFakeHandler()
	pa := quietPeer(t, bus, "s1", ha)
	quietPeer(t, bus, "s2", hb)

	pix := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	blob, err := canvas.EncodePix(pix, 2, 1)
	require.NoError(t, err)
	sender := protocol.Client{UUID: "u1", Name: "a", ServerID: "s1"}
	pa.Paint(sender, protocol.Paint{LayerNumber: 1, Mode: protocol.ModeNormal, X: 4, Y: 5, Data: blob})

	require.Eventually(t, func() bool {
		hb.mu.Lock()
		defer hb.mu.Unlock()
		return len(hb.paints) == 1
	}, 2*time.Second, 5*time.Millisecond)

	hb.mu.Lock()
	defer hb.mu.Unlock()
	got := hb.paints[0]
	assert.Equal(t, "u1", got.client.UUID)
	assert.Equal(t, 1, got.paint.LayerNumber)
	assert.Equal(t, 4, got.paint.X)
	assert.Equal(t, pix, got.pix)
	assert.Equal(t, 2, got.pw)
	assert.Equal(t, 1, got.ph)
}

func TestUndecodablePatchDropped(t *testing.T) {
	bus := NewMemBus()
	ha := newFakeHandler()
	hb := newFakeHandler()
	pa := quietPeer(t, bus, "s1", ha)
	quietPeer(t, bus, "s2", hb)

	sender := protocol.Client{UUID: "u1", Name: "a", ServerID: "s1"}
	pa.Paint(sender, protocol.Paint{LayerNumber: 0, Mode: protocol.ModeNormal, Data: []byte("junk")})
	pa.Chat(sender, protocol.Chat{Message: "marker", Time: 1})

	require.Eventually(t, func() bool {
		hb.mu.Lock()
		defer hb.mu.Unlock()
		return len(hb.chats) == 1
	}, 2*time.Second, 5*time.Millisecond)

	hb.mu.Lock()
	defer hb.mu.Unlock()
	assert.Empty(t, hb.paints)
}

func TestPingAnsweredWithPong(t *testing.T) {
	bus := NewMemBus()
	ha := newFakeHandler()
	ha.remotes = []string{"s2"}
	hb := newFakeHandler()

	// s1 pings fast; s2 never pings (no remotes) but answers.
	startPeer(t, bus, "s1", ha, time.Hour, 50*time.Millisecond, 40*time.Millisecond)
	quietPeer(t, bus, "s2", hb)

	// Several full ping/pong cycles must pass without a prune.
	time.Sleep(400 * time.Millisecond)
	assert.Nil(t, ha.prunedOnce())
}

func TestSilentServerPruned(t *testing.T) {
	bus := NewMemBus()
	ha := newFakeHandler()
	ha.remotes = []string{"s2"}

	startPeer(t, bus, "s1", ha, time.Hour, 50*time.Millisecond, 40*time.Millisecond)
	// No s2 on the bus at all: every window times out.

	require.Eventually(t, func() bool { return ha.prunedOnce() != nil }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"s2"}, ha.prunedOnce())
}

// Two engines on one bus: a client binding on the first server must appear
// in the roster pushed to the second server's local sockets.
func TestTwoServerJoin(t *testing.T) {
	bus := NewMemBus()
	info := protocol.ConfigInfo{Title: "PaintChat", CanvasWidth: 20, CanvasHeight: 20, LayerCount: 1}

	e1 := room.New(zerolog.Nop(), "s1", info)
	e2 := room.New(zerolog.Nop(), "s2", info)
	p1 := quietPeer(t, bus, "s1", e1)
	p2 := quietPeer(t, bus, "s2", e2)
	e1.SetPublisher(p1)
	e2.SetPublisher(p2)
	e1.Start()
	e2.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e1.Shutdown(ctx)
		_ = e2.Shutdown(ctx)
	})

	observer := newObsConn()
	e2.Attach(observer)

	binder := newObsConn()
	e1.Attach(binder)
	e1.Bind(binder, []byte(`{"name":"alice"}`))

	require.Eventually(t, func() bool {
		for _, c := range observer.lastClients(t) {
			if c.Name == "alice" && c.ServerID == "s1" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, e2.Stats().ClientsOnline)
}

// A server that stops answering pings is declared dead and its clients
// disappear from the surviving server's roster.
func TestDeadServerClientsPruned(t *testing.T) {
	bus := NewMemBus()
	info := protocol.ConfigInfo{Title: "PaintChat", CanvasWidth: 20, CanvasHeight: 20, LayerCount: 1}

	e1 := room.New(zerolog.Nop(), "s1", info)
	e2 := room.New(zerolog.Nop(), "s2", info)
	p1 := startPeer(t, bus, "s1", e1, time.Hour, 60*time.Millisecond, 40*time.Millisecond)
	p2conn := bus.Conn()
	p2 := NewPeer(PeerOptions{
		ServerID: "s2", Conn: p2conn, Handler: e2, Log: zerolog.Nop(),
		SettleDelay: time.Hour, PingInterval: time.Hour, PongWindow: time.Hour,
	})
	require.NoError(t, p2.Start(context.Background()))
	e1.SetPublisher(p1)
	e2.SetPublisher(p2)
	e1.Start()
	e2.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e1.Shutdown(ctx)
		_ = e2.Shutdown(ctx)
	})

	observer := newObsConn()
	e1.Attach(observer)

	binder := newObsConn()
	e2.Attach(binder)
	e2.Bind(binder, []byte(`{"name":"bob"}`))

	require.Eventually(t, func() bool { return e1.Stats().ClientsOnline == 1 }, 3*time.Second, 10*time.Millisecond)

	// s2 goes silent.
	p2.Close()
	_ = p2conn.Close()

	require.Eventually(t, func() bool { return e1.Stats().ClientsTotal == 0 }, 3*time.Second, 10*time.Millisecond)
	for _, c := range observer.lastClients(t) {
		if c.Name == "bob" {
			t.Fatal("pruned client still in roster broadcast")
		}
	}
}

// obsConn is a minimal room.Conn that records frames.
type obsConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func newObsConn() *obsConn { return &obsConn{} }

func (c *obsConn) Send(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
}

func (c *obsConn) TrySend(frame []byte) bool {
	c.Send(frame)
	return true
}

func (c *obsConn) Kick() {}

func (c *obsConn) RemoteAddr() string { return "test" }

func (c *obsConn) lastClients(t *testing.T) []protocol.DistClient {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.DistClient
	for _, f := range c.frames {
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(f, &env))
		if env.Type != protocol.EventClients {
			continue
		}
		out = nil
		require.NoError(t, json.Unmarshal(env.Data, &out))
	}
	return out
}
