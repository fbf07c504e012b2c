package broker

import (
	"context"
	"errors"
	"sync"
)

// MemBus is an in-process broker used by tests: every connection's publish
// is delivered to every subscriber, the publisher's own included, in order.
// Deliveries happen on a per-subscriber goroutine so publishing never blocks
// on a slow handler.
type MemBus struct {
	mu     sync.Mutex
	subs   []*memSub
	kv     map[string][]byte
	closed bool
}

type memSub struct {
	channels map[string]bool
	deliver  chan memDelivery
}

type memDelivery struct {
	channel string
	payload []byte
}

// NewMemBus returns an empty bus.
func NewMemBus() *MemBus {
	return &MemBus{kv: make(map[string][]byte)}
}

// Conn returns a new connection to the bus.
func (b *MemBus) Conn() *MemConn {
	return &MemConn{bus: b}
}

// MemConn is one connection to a MemBus.
type MemConn struct {
	bus *MemBus

	mu     sync.Mutex
	sub    *memSub
	closed bool
}

func (c *MemConn) Publish(_ context.Context, channel string, payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)

	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("broker: bus closed")
	}
	for _, sub := range b.subs {
		if !sub.channels[channel] {
			continue
		}
		select {
		case sub.deliver <- memDelivery{channel: channel, payload: cp}:
		default:
			// Test subscriber fell 256 messages behind; drop like a
			// real broker with a bounded buffer would.
		}
	}
	return nil
}

func (c *MemConn) Subscribe(ctx context.Context, channels []string, fn func(channel string, payload []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		return errors.New("broker: Subscribe called twice")
	}

	sub := &memSub{
		channels: make(map[string]bool, len(channels)),
		deliver:  make(chan memDelivery, 256),
	}
	for _, ch := range channels {
		sub.channels[ch] = true
	}
	c.sub = sub

	c.bus.mu.Lock()
	c.bus.subs = append(c.bus.subs, sub)
	c.bus.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-sub.deliver:
				if !ok {
					return
				}
				fn(d.channel, d.payload)
			}
		}
	}()
	return nil
}

func (c *MemConn) Get(_ context.Context, key string) ([]byte, error) {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	val, ok := c.bus.kv[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(val))
	copy(cp, val)
	return cp, nil
}

func (c *MemConn) Set(_ context.Context, key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	c.bus.kv[key] = cp
	return nil
}

func (c *MemConn) Ping(context.Context) error { return nil }

func (c *MemConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.sub == nil {
		return nil
	}

	b := c.bus
	b.mu.Lock()
	for i, sub := range b.subs {
		if sub == c.sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	close(c.sub.deliver)
	c.sub = nil
	return nil
}
