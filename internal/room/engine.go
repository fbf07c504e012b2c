// Package room implements the paint room engine: the authoritative canvas,
// the client roster, and the fan-out of real-time events to local sockets
// and peer servers.
//
// All room state is owned by a single engine goroutine. Socket and broker
// goroutines hand work to it through a task queue; reads needed outside the
// loop (HTTP snapshots, stats) go through synchronous calls that copy data
// out. Slow operations (PNG encode/decode) always run on the caller's
// goroutine, never inside the loop.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kanreisa/reichat-server/internal/canvas"
	"github.com/kanreisa/reichat-server/internal/metrics"
	"github.com/kanreisa/reichat-server/internal/protocol"
)

var (
	// ErrStopped is returned by engine calls made after Shutdown.
	ErrStopped = errors.New("room: engine stopped")
	// ErrNoLayer is returned for layer indexes outside the canvas.
	ErrNoLayer = errors.New("room: no such layer")
)

// Conn is the engine's view of one attached socket. Send must not block the
// engine: implementations enqueue and force-close themselves when the buffer
// is full. TrySend drops instead and reports whether the frame was queued.
type Conn interface {
	Send(frame []byte)
	TrySend(frame []byte) bool
	Kick()
	RemoteAddr() string
}

// Publisher forwards locally originated events to peer servers. Calls are
// made from the engine goroutine and must not block; implementations enqueue
// onto their own writer. A nil Publisher means single-host mode.
type Publisher interface {
	Paint(client protocol.Client, p protocol.Paint)
	Stroke(client protocol.Client, s protocol.Stroke)
	Pointer(client protocol.Client, p protocol.Pointer)
	Chat(client protocol.Client, c protocol.Chat)
	System(message string)
	Provide(clients []protocol.Client)
}

// Stats is a point-in-time snapshot of room state for the ops surface.
type Stats struct {
	ServerID      string `json:"serverId"`
	ClientsTotal  int    `json:"clientsTotal"`
	ClientsOnline int    `json:"clientsOnline"`
	ClientsLocal  int    `json:"clientsLocal"`
	Sockets       int    `json:"sockets"`
	RemoteServers int    `json:"remoteServers"`
}

const taskQueueSize = 256

// Engine is the arbiter of one room. Construct with New, wire the publisher
// and layer observers, then Start. Everything prefixed Remote is the broker
// inbound path and never republishes.
type Engine struct {
	log    zerolog.Logger
	id     string
	info   protocol.ConfigInfo
	bounds protocol.Bounds

	canvas *canvas.Canvas
	roster *roster

	attached map[Conn]struct{}
	bound    map[Conn]string

	pub Publisher
	now func() time.Time

	tasks    chan func()
	stopc    chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	painted []byte
}

// New builds an engine for a room with the given identity and distributable
// config. The canvas starts blank; RestoreLayer fills it from a snapshot.
func New(log zerolog.Logger, serverID string, info protocol.ConfigInfo) *Engine {
	painted, _ := protocol.Encode(protocol.EventPainted, nil)
	return &Engine{
		log:    log.With().Str("component", "engine").Logger(),
		id:     serverID,
		info:   info,
		bounds: protocol.Bounds{Width: info.CanvasWidth, Height: info.CanvasHeight, LayerCount: info.LayerCount},

		canvas: canvas.New(info.CanvasWidth, info.CanvasHeight, info.LayerCount),
		roster: newRoster(),

		attached: make(map[Conn]struct{}),
		bound:    make(map[Conn]string),

		now: time.Now,

		tasks:   make(chan func(), taskQueueSize),
		stopc:   make(chan struct{}),
		done:    make(chan struct{}),
		painted: painted,
	}
}

// SetPublisher wires the broker outbound path. Must be called before Start.
func (e *Engine) SetPublisher(p Publisher) { e.pub = p }

// ServerID returns the instance id carried in every published frame.
func (e *Engine) ServerID() string { return e.id }

// Config returns the distributable room configuration.
func (e *Engine) Config() protocol.ConfigInfo { return e.info }

// Bounds returns the dimensions inbound payloads are validated against.
func (e *Engine) Bounds() protocol.Bounds { return e.bounds }

// OnLayerChange registers fn to run on the engine goroutine whenever a local
// edit mutates a layer. Must be called before Start.
func (e *Engine) OnLayerChange(fn func(n int)) {
	for _, l := range e.canvas.Layers() {
		n := l.Index()
		l.OnChange(func(*canvas.Layer) { fn(n) })
	}
}

// OnLayerUpdate registers fn for edits replicated from peer servers. Must be
// called before Start.
func (e *Engine) OnLayerUpdate(fn func(n int)) {
	for _, l := range e.canvas.Layers() {
		n := l.Index()
		l.OnUpdate(func(*canvas.Layer) { fn(n) })
	}
}

// Start launches the engine goroutine.
func (e *Engine) Start() {
	go e.loop()
}

// Shutdown stops the loop after draining queued tasks and kicks every
// attached socket. Safe to call more than once.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stopc) })
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) loop() {
	defer close(e.done)
	for {
		select {
		case fn := <-e.tasks:
			fn()
		case <-e.stopc:
			for n := len(e.tasks); n > 0; n-- {
				(<-e.tasks)()
			}
			for conn := range e.attached {
				conn.Kick()
			}
			e.log.Info().Msg("engine stopped")
			return
		}
	}
}

// post hands fn to the engine goroutine. Returns false once the engine has
// stopped; the work is silently dropped in that case.
func (e *Engine) post(fn func()) bool {
	select {
	case e.tasks <- fn:
		return true
	case <-e.done:
		return false
	}
}

// call posts fn and waits for it to finish. Returns false if the engine
// stopped before fn could run.
func (e *Engine) call(fn func()) bool {
	ran := make(chan struct{})
	if !e.post(func() { fn(); close(ran) }) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-e.done:
		return false
	}
}

// Attach registers a socket and greets it with the server identity and the
// room config. The socket receives fan-out from this point on, but inbound
// events are dropped until it binds.
func (e *Engine) Attach(conn Conn) {
	e.post(func() {
		e.attached[conn] = struct{}{}
		metrics.SocketsConnected.Set(float64(len(e.attached)))
		if f, err := protocol.Encode(protocol.EventServer, protocol.ServerRef{ID: e.id}); err == nil {
			conn.Send(f)
		}
		if f, err := protocol.Encode(protocol.EventConfig, e.info); err == nil {
			conn.Send(f)
		}
	})
}

// Detach unregisters a socket. If it was bound, the client record is marked
// offline (kept for rebind), a leave line is chatted, and the roster is
// rebroadcast. A socket that lost its identity to a takeover detaches
// quietly.
func (e *Engine) Detach(conn Conn) {
	e.post(func() {
		if _, ok := e.attached[conn]; !ok {
			return
		}
		delete(e.attached, conn)
		metrics.SocketsConnected.Set(float64(len(e.attached)))

		uuid, ok := e.bound[conn]
		if !ok {
			return
		}
		delete(e.bound, conn)
		cur, ok := e.roster.socket(uuid)
		if !ok || cur != conn {
			return
		}
		rec, ok := e.roster.get(uuid)
		e.roster.markOffline(uuid)
		if ok {
			e.log.Info().Str("uuid", uuid).Str("name", rec.Name).Msg("client left")
			e.systemChat("! " + rec.Name + " has left.")
			if e.pub != nil {
				e.pub.System("! " + rec.Name + " has left.")
			}
		}
		e.broadcastClients()
		if e.pub != nil {
			e.pub.Provide(e.roster.localClients(e.id))
		}
	})
}

// Bind handles a client event: re-attach when the presented uuid/pin pair
// matches a known record, otherwise mint a fresh identity. The binder alone
// receives the client reply with its pin.
func (e *Engine) Bind(conn Conn, data json.RawMessage) {
	req, ok := protocol.ParseBind(data)
	if !ok {
		metrics.EventsRejected.WithLabelValues(protocol.EventClient).Inc()
		return
	}
	e.post(func() { e.doBind(conn, req) })
}

func (e *Engine) doBind(conn Conn, req protocol.BindRequest) {
	if _, ok := e.attached[conn]; !ok {
		return
	}
	prev, hadPrev := e.bound[conn]

	rec, rebound := e.roster.bind(req, conn.RemoteAddr(), e.id)
	// A later client event on the same socket abandons whatever identity it
	// held, unless the bind landed on the same uuid. Compare against the
	// bind outcome, not the request: a wrong pin mints a fresh uuid even
	// when the request named the old one.
	if hadPrev && prev != rec.UUID {
		e.roster.markOffline(prev)
	}
	if old, ok := e.roster.socket(rec.UUID); ok && old != conn {
		old.Kick()
		delete(e.bound, old)
	}
	e.roster.attach(rec.UUID, conn)
	e.bound[conn] = rec.UUID

	if f, err := protocol.Encode(protocol.EventClient, protocol.BindReply{UUID: rec.UUID, Name: rec.Name, Pin: rec.Pin}); err == nil {
		conn.Send(f)
	}

	e.log.Info().
		Str("uuid", rec.UUID).
		Str("name", rec.Name).
		Str("remoteAddr", rec.RemoteAddr).
		Bool("rebound", rebound).
		Msg("client bound")

	e.systemChat("! " + rec.Name + " has join.")
	e.broadcastClients()
	if e.pub != nil {
		e.pub.System("! " + rec.Name + " has join.")
		e.pub.Provide(e.roster.localClients(e.id))
	}
}

// Paint validates and applies a pixel patch from a local socket. The patch
// blob is decoded before the task is posted so the loop never runs the
// codec.
func (e *Engine) Paint(conn Conn, data json.RawMessage) {
	p, ok := protocol.ParsePaint(data, e.bounds)
	if !ok {
		metrics.EventsRejected.WithLabelValues(protocol.EventPaint).Inc()
		return
	}
	pix, pw, ph, err := canvas.DecodePix(p.Data)
	if err != nil {
		metrics.EventsRejected.WithLabelValues(protocol.EventPaint).Inc()
		return
	}
	e.post(func() { e.doPaint(conn, p, pix, pw, ph) })
}

func (e *Engine) doPaint(conn Conn, p protocol.Paint, pix []byte, pw, ph int) {
	rec, ok := e.senderOf(conn)
	if !ok {
		return
	}
	layer, ok := e.canvas.Layer(p.LayerNumber)
	if !ok {
		return
	}
	layer.Write(pix, p.X, p.Y, pw, ph)
	metrics.EventsTotal.WithLabelValues(protocol.EventPaint, "local").Inc()

	dist := rec.Dist()
	p.Client = &dist
	if f, err := protocol.Encode(protocol.EventPaint, p); err == nil {
		e.fanout(f, conn)
	}
	conn.Send(e.painted)

	if e.pub != nil {
		pp := p
		pp.Client = nil
		e.pub.Paint(*rec, pp)
	}
	layer.EmitChange()
}

// Stroke fans out a transient brush path. Volatile: receivers with a full
// buffer miss it.
func (e *Engine) Stroke(conn Conn, data json.RawMessage) {
	s, ok := protocol.ParseStroke(data, e.bounds)
	if !ok {
		metrics.EventsRejected.WithLabelValues(protocol.EventStroke).Inc()
		return
	}
	e.post(func() { e.doStroke(conn, s) })
}

func (e *Engine) doStroke(conn Conn, s protocol.Stroke) {
	rec, ok := e.senderOf(conn)
	if !ok {
		return
	}
	metrics.EventsTotal.WithLabelValues(protocol.EventStroke, "local").Inc()
	dist := rec.Dist()
	s.Client = &dist
	if f, err := protocol.Encode(protocol.EventStroke, s); err == nil {
		e.fanoutVolatile(f, conn, protocol.EventStroke)
	}
	if e.pub != nil {
		ss := s
		ss.Client = nil
		e.pub.Stroke(*rec, ss)
	}
}

// Pointer fans out a cursor position. Volatile like Stroke.
func (e *Engine) Pointer(conn Conn, data json.RawMessage) {
	p, ok := protocol.ParsePointer(data, e.bounds)
	if !ok {
		metrics.EventsRejected.WithLabelValues(protocol.EventPointer).Inc()
		return
	}
	e.post(func() { e.doPointer(conn, p) })
}

func (e *Engine) doPointer(conn Conn, p protocol.Pointer) {
	rec, ok := e.senderOf(conn)
	if !ok {
		return
	}
	metrics.EventsTotal.WithLabelValues(protocol.EventPointer, "local").Inc()
	dist := rec.Dist()
	p.Client = &dist
	if f, err := protocol.Encode(protocol.EventPointer, p); err == nil {
		e.fanoutVolatile(f, conn, protocol.EventPointer)
	}
	if e.pub != nil {
		pp := p
		pp.Client = nil
		e.pub.Pointer(*rec, pp)
	}
}

// Chat fans out a chat line to every local socket, the sender included.
func (e *Engine) Chat(conn Conn, data json.RawMessage) {
	c, ok := protocol.ParseChat(data)
	if !ok {
		metrics.EventsRejected.WithLabelValues(protocol.EventChat).Inc()
		return
	}
	e.post(func() { e.doChat(conn, c) })
}

func (e *Engine) doChat(conn Conn, c protocol.Chat) {
	rec, ok := e.senderOf(conn)
	if !ok {
		return
	}
	metrics.EventsTotal.WithLabelValues(protocol.EventChat, "local").Inc()
	if c.Time == 0 {
		c.Time = e.now().UnixMilli()
	}
	dist := rec.Dist()
	c.Client = &dist
	if f, err := protocol.Encode(protocol.EventChat, c); err == nil {
		e.fanout(f, nil)
	}
	if e.pub != nil {
		cc := c
		cc.Client = nil
		e.pub.Chat(*rec, cc)
	}
}

// senderOf resolves the roster record behind a bound socket. Events from
// unbound sockets resolve to nothing and are dropped.
func (e *Engine) senderOf(conn Conn) (*protocol.Client, bool) {
	uuid, ok := e.bound[conn]
	if !ok {
		return nil, false
	}
	return e.roster.get(uuid)
}

// RemotePaint applies a patch replicated from a peer server and fans it out
// locally. Raises the layer's update signal, never change: the originating
// server persists, replicas only converge.
func (e *Engine) RemotePaint(client protocol.Client, p protocol.Paint, pix []byte, pw, ph int) {
	e.post(func() {
		layer, ok := e.canvas.Layer(p.LayerNumber)
		if !ok {
			return
		}
		layer.Write(pix, p.X, p.Y, pw, ph)
		metrics.EventsTotal.WithLabelValues(protocol.EventPaint, "remote").Inc()
		dist := client.Dist()
		p.Client = &dist
		if f, err := protocol.Encode(protocol.EventPaint, p); err == nil {
			e.fanout(f, nil)
		}
		layer.EmitUpdate()
	})
}

// RemoteStroke fans out a peer's stroke hint to local sockets.
func (e *Engine) RemoteStroke(client protocol.Client, s protocol.Stroke) {
	e.post(func() {
		metrics.EventsTotal.WithLabelValues(protocol.EventStroke, "remote").Inc()
		dist := client.Dist()
		s.Client = &dist
		if f, err := protocol.Encode(protocol.EventStroke, s); err == nil {
			e.fanoutVolatile(f, nil, protocol.EventStroke)
		}
	})
}

// RemotePointer fans out a peer's pointer hint to local sockets.
func (e *Engine) RemotePointer(client protocol.Client, p protocol.Pointer) {
	e.post(func() {
		metrics.EventsTotal.WithLabelValues(protocol.EventPointer, "remote").Inc()
		dist := client.Dist()
		p.Client = &dist
		if f, err := protocol.Encode(protocol.EventPointer, p); err == nil {
			e.fanoutVolatile(f, nil, protocol.EventPointer)
		}
	})
}

// RemoteChat fans out a peer's chat line to local sockets.
func (e *Engine) RemoteChat(client protocol.Client, c protocol.Chat) {
	e.post(func() {
		metrics.EventsTotal.WithLabelValues(protocol.EventChat, "remote").Inc()
		if c.Time == 0 {
			c.Time = e.now().UnixMilli()
		}
		dist := client.Dist()
		c.Client = &dist
		if f, err := protocol.Encode(protocol.EventChat, c); err == nil {
			e.fanout(f, nil)
		}
	})
}

// RemoteSystem fans out a peer's server-generated chat line.
func (e *Engine) RemoteSystem(message string) {
	e.post(func() {
		e.systemChat(message)
	})
}

// RemoteProvide merges a peer's authoritative client list into the roster.
// Any local socket whose uuid the peer now claims is kicked: the client
// rebound elsewhere and this socket is stale.
func (e *Engine) RemoteProvide(serverID string, clients []protocol.Client) {
	e.post(func() {
		kicked := e.roster.reconcile(serverID, clients)
		for _, conn := range kicked {
			delete(e.bound, conn)
			conn.Kick()
		}
		e.log.Debug().
			Str("peer", serverID).
			Int("clients", len(clients)).
			Int("kicked", len(kicked)).
			Msg("roster reconciled")
		e.broadcastClients()
	})
}

// RemoteCollect answers a peer's roster demand by publishing this server's
// locally hosted clients.
func (e *Engine) RemoteCollect() {
	e.post(func() {
		if e.pub != nil {
			e.pub.Provide(e.roster.localClients(e.id))
		}
	})
}

// PruneServers drops every client hosted on the given dead server ids and
// rebroadcasts the roster.
func (e *Engine) PruneServers(ids []string) {
	if len(ids) == 0 {
		return
	}
	e.post(func() {
		removed := e.roster.pruneServers(ids)
		e.log.Warn().Strs("servers", ids).Int("clients", removed).Msg("pruned dead servers")
		if removed > 0 {
			e.broadcastClients()
		}
	})
}

// RemoteServers lists the peer server ids currently represented in the
// roster. Used by the liveness loop to know whom to expect a pong from.
func (e *Engine) RemoteServers() []string {
	var ids []string
	e.call(func() { ids = e.roster.remoteServers(e.id) })
	return ids
}

// Stats snapshots the room counters. Zero value after shutdown.
func (e *Engine) Stats() Stats {
	var st Stats
	e.call(func() {
		st.ServerID = e.id
		st.ClientsTotal, st.ClientsOnline, st.ClientsLocal = e.roster.counts(e.id)
		st.Sockets = len(e.attached)
		st.RemoteServers = len(e.roster.remoteServers(e.id))
	})
	return st
}

// systemChat fans out a server-generated chat line locally. Publishing to
// peers is the caller's concern.
func (e *Engine) systemChat(message string) {
	c := protocol.Chat{Message: message, Time: e.now().UnixMilli()}
	if f, err := protocol.Encode(protocol.EventChat, c); err == nil {
		e.fanout(f, nil)
	}
}

// broadcastClients pushes the current online roster to every local socket.
func (e *Engine) broadcastClients() {
	online := e.roster.snapshotOnline()
	metrics.ClientsOnline.Set(float64(len(online)))
	if f, err := protocol.Encode(protocol.EventClients, online); err == nil {
		e.fanout(f, nil)
	}
}

func (e *Engine) fanout(frame []byte, except Conn) {
	for conn := range e.attached {
		if conn != except {
			conn.Send(frame)
		}
	}
}

func (e *Engine) fanoutVolatile(frame []byte, except Conn, event string) {
	for conn := range e.attached {
		if conn == except {
			continue
		}
		if !conn.TrySend(frame) {
			metrics.VolatileDropped.WithLabelValues(event).Inc()
		}
	}
}

// LayerPNG returns the encoded snapshot of layer n, reusing the cache when
// it still matches the buffer. The encode runs outside the loop against a
// copy; the result is only cached if no edit landed in between.
func (e *Engine) LayerPNG(n int) ([]byte, error) {
	var (
		found  bool
		cached []byte
		pix    []byte
		rev    uint64
	)
	ok := e.call(func() {
		layer, exists := e.canvas.Layer(n)
		if !exists {
			return
		}
		found = true
		if b, hit := layer.Cached(); hit {
			cached = b
			return
		}
		pix = layer.CopyPix()
		rev = layer.Revision()
	})
	if !ok {
		return nil, ErrStopped
	}
	if !found {
		return nil, ErrNoLayer
	}
	if cached != nil {
		return cached, nil
	}

	encoded, err := canvas.EncodePix(pix, e.bounds.Width, e.bounds.Height)
	if err != nil {
		return nil, err
	}
	e.call(func() {
		if layer, exists := e.canvas.Layer(n); exists {
			layer.SetCache(encoded, rev)
		}
	})
	return encoded, nil
}

// FlattenPNG composites every layer over an opaque white base and encodes
// the result. Not cached: the composition changes with any layer.
func (e *Engine) FlattenPNG() ([]byte, error) {
	var bufs [][]byte
	ok := e.call(func() {
		layers := e.canvas.Layers()
		bufs = make([][]byte, len(layers))
		for i, l := range layers {
			bufs[i] = l.CopyPix()
		}
	})
	if !ok {
		return nil, ErrStopped
	}
	flat := canvas.FlattenPix(bufs, e.bounds.Width, e.bounds.Height)
	return canvas.EncodePix(flat, e.bounds.Width, e.bounds.Height)
}

// RestoreLayer replaces layer n's buffer with a loaded snapshot and kicks
// every attached socket so clients re-sync from the restored state.
func (e *Engine) RestoreLayer(n int, pix []byte) error {
	var err error
	ok := e.call(func() {
		layer, exists := e.canvas.Layer(n)
		if !exists {
			err = ErrNoLayer
			return
		}
		if rerr := layer.Replace(pix); rerr != nil {
			err = rerr
			return
		}
		for conn := range e.attached {
			conn.Kick()
		}
	})
	if !ok {
		return ErrStopped
	}
	return err
}
