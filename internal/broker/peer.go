package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kanreisa/reichat-server/internal/canvas"
	"github.com/kanreisa/reichat-server/internal/metrics"
	"github.com/kanreisa/reichat-server/internal/protocol"
)

// Handler receives decoded inter-server frames. The room engine implements
// it; every call posts to the engine's own goroutine, so handlers return
// quickly.
type Handler interface {
	RemotePaint(client protocol.Client, p protocol.Paint, pix []byte, pw, ph int)
	RemoteStroke(client protocol.Client, s protocol.Stroke)
	RemotePointer(client protocol.Client, p protocol.Pointer)
	RemoteChat(client protocol.Client, c protocol.Chat)
	RemoteSystem(message string)
	RemoteProvide(serverID string, clients []protocol.Client)
	RemoteCollect()
	PruneServers(ids []string)
	RemoteServers() []string
}

// Timing of the presence and liveness protocol.
const (
	defaultSettleDelay  = 3 * time.Second
	defaultPingInterval = 10 * time.Second
	defaultPongWindow   = 6 * time.Second

	publishTimeout = 5 * time.Second
	outQueueSize   = 256
)

// PeerOptions configures a Peer. The duration fields exist for tests and
// default to the protocol values when zero.
type PeerOptions struct {
	ServerID string
	Conn     Conn
	Handler  Handler
	Log      zerolog.Logger

	SettleDelay  time.Duration
	PingInterval time.Duration
	PongWindow   time.Duration
}

// Peer speaks the inter-server protocol over a broker Conn. It subscribes to
// the room channels, routes inbound frames to the Handler (dropping its own
// loopback deliveries), republishes nothing, and runs the presence bootstrap
// and the ping/pong liveness loop. It also implements the engine's Publisher
// for the outbound path.
//
// The Peer borrows the Conn; closing the Conn is the owner's job so the
// snapshot store can keep using it.
type Peer struct {
	log      zerolog.Logger
	conn     Conn
	handler  Handler
	serverID string

	settleDelay  time.Duration
	pingInterval time.Duration
	pongWindow   time.Duration

	outc   chan outFrame
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	collecting bool
	pongs      map[string]bool
}

type outFrame struct {
	channel string
	payload []byte
}

// NewPeer builds a peer; call Start to begin coordinating.
func NewPeer(opts PeerOptions) *Peer {
	p := &Peer{
		log:          opts.Log.With().Str("component", "peer").Logger(),
		conn:         opts.Conn,
		handler:      opts.Handler,
		serverID:     opts.ServerID,
		settleDelay:  opts.SettleDelay,
		pingInterval: opts.PingInterval,
		pongWindow:   opts.PongWindow,
		outc:         make(chan outFrame, outQueueSize),
	}
	if p.settleDelay == 0 {
		p.settleDelay = defaultSettleDelay
	}
	if p.pingInterval == 0 {
		p.pingInterval = defaultPingInterval
	}
	if p.pongWindow == 0 {
		p.pongWindow = defaultPongWindow
	}
	return p
}

var peerChannels = []string{
	protocol.ChannelCollect,
	protocol.ChannelProvide,
	protocol.ChannelPing,
	protocol.ChannelPong,
	protocol.ChannelSystem,
	protocol.ChannelChat,
	protocol.ChannelPaint,
	protocol.ChannelStroke,
	protocol.ChannelPointer,
}

// Start subscribes to the room channels and launches the writer, the
// presence bootstrap, and the liveness loop.
func (p *Peer) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)
	if err := p.conn.Subscribe(p.ctx, peerChannels, p.handle); err != nil {
		p.cancel()
		return err
	}

	p.wg.Add(3)
	go p.writeLoop()
	go p.settle()
	go p.livenessLoop()

	metrics.BrokerConnected.Set(1)
	p.log.Info().Str("serverId", p.serverID).Msg("broker peer started")
	return nil
}

// Close stops the loops. The underlying Conn stays open.
func (p *Peer) Close() {
	p.cancel()
	p.wg.Wait()
	metrics.BrokerConnected.Set(0)
}

// settle waits out the bootstrap delay and demands every peer's roster.
func (p *Peer) settle() {
	defer p.wg.Done()
	select {
	case <-p.ctx.Done():
		return
	case <-time.After(p.settleDelay):
	}
	p.publish(protocol.ChannelCollect, protocol.Frame{Target: protocol.TargetClients})
}

func (p *Peer) writeLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case f := <-p.outc:
			ctx, cancel := context.WithTimeout(p.ctx, publishTimeout)
			err := p.conn.Publish(ctx, f.channel, f.payload)
			cancel()
			if err != nil {
				p.log.Error().Err(err).Str("channel", f.channel).Msg("broker publish failed")
				continue
			}
			metrics.BrokerFrames.WithLabelValues("out", f.channel).Inc()
		}
	}
}

// livenessLoop pings the room whenever remote servers are present and prunes
// every previously known server that misses the pong window.
func (p *Peer) livenessLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}

		expected := p.handler.RemoteServers()
		if len(expected) == 0 {
			continue
		}

		p.mu.Lock()
		p.collecting = true
		p.pongs = make(map[string]bool, len(expected))
		p.mu.Unlock()

		p.publish(protocol.ChannelPing, protocol.Frame{})

		select {
		case <-p.ctx.Done():
			return
		case <-time.After(p.pongWindow):
		}

		p.mu.Lock()
		heard := p.pongs
		p.collecting = false
		p.pongs = nil
		p.mu.Unlock()

		var dead []string
		for _, id := range expected {
			if !heard[id] {
				dead = append(dead, id)
			}
		}
		if len(dead) > 0 {
			p.log.Warn().Strs("servers", dead).Msg("peers missed pong window")
			metrics.ServersPruned.Add(float64(len(dead)))
			p.handler.PruneServers(dead)
		}
	}
}

// handle routes one inbound frame. Frames without an origin and frames this
// server published itself are dropped.
func (p *Peer) handle(channel string, payload []byte) {
	var f protocol.Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		p.log.Debug().Err(err).Str("channel", channel).Msg("malformed broker frame")
		return
	}
	if f.Server.ID == "" || f.Server.ID == p.serverID {
		return
	}
	metrics.BrokerFrames.WithLabelValues("in", channel).Inc()

	switch channel {
	case protocol.ChannelCollect:
		if f.Target != protocol.TargetClients {
			return
		}
		p.handler.RemoteCollect()

	case protocol.ChannelProvide:
		if f.Target != protocol.TargetClients {
			return
		}
		var clients []protocol.Client
		if err := json.Unmarshal(f.Body, &clients); err != nil {
			return
		}
		p.handler.RemoteProvide(f.Server.ID, clients)

	case protocol.ChannelPing:
		p.publish(protocol.ChannelPong, protocol.Frame{})

	case protocol.ChannelPong:
		p.mu.Lock()
		if p.collecting {
			p.pongs[f.Server.ID] = true
		}
		p.mu.Unlock()

	case protocol.ChannelSystem:
		var message string
		if err := json.Unmarshal(f.Body, &message); err != nil {
			return
		}
		p.handler.RemoteSystem(message)

	case protocol.ChannelChat:
		if f.Client == nil {
			return
		}
		var c protocol.Chat
		if err := json.Unmarshal(f.Body, &c); err != nil {
			return
		}
		p.handler.RemoteChat(*f.Client, c)

	case protocol.ChannelPaint:
		if f.Client == nil {
			return
		}
		var v protocol.Paint
		if err := json.Unmarshal(f.Body, &v); err != nil {
			return
		}
		pix, pw, ph, err := canvas.DecodePix(v.Data)
		if err != nil {
			p.log.Warn().Err(err).Str("peer", f.Server.ID).Msg("undecodable replicated patch")
			return
		}
		p.handler.RemotePaint(*f.Client, v, pix, pw, ph)

	case protocol.ChannelStroke:
		if f.Client == nil {
			return
		}
		var s protocol.Stroke
		if err := json.Unmarshal(f.Body, &s); err != nil {
			return
		}
		p.handler.RemoteStroke(*f.Client, s)

	case protocol.ChannelPointer:
		if f.Client == nil {
			return
		}
		var v protocol.Pointer
		if err := json.Unmarshal(f.Body, &v); err != nil {
			return
		}
		p.handler.RemotePointer(*f.Client, v)
	}
}

// publish stamps the frame with this server's id and enqueues it. Never
// blocks: if the writer is saturated the frame is dropped with a warning.
func (p *Peer) publish(channel string, f protocol.Frame) {
	f.Server = protocol.ServerRef{ID: p.serverID}
	payload, err := json.Marshal(f)
	if err != nil {
		p.log.Error().Err(err).Str("channel", channel).Msg("frame marshal failed")
		return
	}
	select {
	case p.outc <- outFrame{channel: channel, payload: payload}:
	default:
		p.log.Warn().Str("channel", channel).Msg("broker outbound queue full, frame dropped")
	}
}

func (p *Peer) publishBody(channel string, client *protocol.Client, body any) {
	f, err := protocol.NewFrame(p.serverID, client, body)
	if err != nil {
		p.log.Error().Err(err).Str("channel", channel).Msg("frame body marshal failed")
		return
	}
	p.publish(channel, f)
}

// Paint implements the engine's Publisher.
func (p *Peer) Paint(client protocol.Client, v protocol.Paint) {
	p.publishBody(protocol.ChannelPaint, &client, v)
}

// Stroke implements the engine's Publisher.
func (p *Peer) Stroke(client protocol.Client, s protocol.Stroke) {
	p.publishBody(protocol.ChannelStroke, &client, s)
}

// Pointer implements the engine's Publisher.
func (p *Peer) Pointer(client protocol.Client, v protocol.Pointer) {
	p.publishBody(protocol.ChannelPointer, &client, v)
}

// Chat implements the engine's Publisher.
func (p *Peer) Chat(client protocol.Client, c protocol.Chat) {
	p.publishBody(protocol.ChannelChat, &client, c)
}

// System implements the engine's Publisher.
func (p *Peer) System(message string) {
	p.publishBody(protocol.ChannelSystem, nil, message)
}

// Provide implements the engine's Publisher: the authoritative list of
// clients hosted on this server, full records included so peers can rebind
// them.
func (p *Peer) Provide(clients []protocol.Client) {
	body, err := json.Marshal(clients)
	if err != nil {
		p.log.Error().Err(err).Msg("provide marshal failed")
		return
	}
	p.publish(protocol.ChannelProvide, protocol.Frame{Target: protocol.TargetClients, Body: body})
}
