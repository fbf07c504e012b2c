package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSOptions configures the NATS backend.
type NATSOptions struct {
	URL       string
	KeyPrefix string
	Log       zerolog.Logger
}

// NATS implements Conn over a NATS server: channels map to core subjects
// under the room prefix, keys to a JetStream key/value bucket. The bucket is
// created lazily so a deployment that never persists snapshots does not need
// JetStream at all.
type NATS struct {
	nc     *nats.Conn
	prefix string
	bucket string
	log    zerolog.Logger

	kvOnce sync.Once
	kv     nats.KeyValue
	kvErr  error

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATS connects with unlimited reconnects, matching how the rest of the
// room tolerates broker outages: log and keep serving single-host.
func NewNATS(opts NATSOptions) (*NATS, error) {
	log := opts.Log.With().Str("component", "nats").Logger()
	nc, err := nats.Connect(opts.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("nats error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATS{
		nc:     nc,
		prefix: subjectPrefix(opts.KeyPrefix),
		bucket: bucketName(opts.KeyPrefix),
		log:    log,
	}, nil
}

// subjectPrefix normalizes the configured room prefix into a NATS subject
// prefix ending in a single dot.
func subjectPrefix(prefix string) string {
	p := strings.Trim(prefix, ".:")
	if p == "" {
		p = "reichat"
	}
	return p + "."
}

// bucketName derives a JetStream bucket name from the room prefix. Bucket
// names are restricted to [A-Za-z0-9_-].
func bucketName(prefix string) string {
	p := strings.Trim(prefix, ".:")
	if p == "" {
		p = "reichat"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '-'
		}
	}, p)
}

// kvKey maps a logical key to a valid KV key (no colons in NATS keys).
func kvKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}

func (n *NATS) keyValue() (nats.KeyValue, error) {
	n.kvOnce.Do(func() {
		js, err := n.nc.JetStream()
		if err != nil {
			n.kvErr = fmt.Errorf("jetstream: %w", err)
			return
		}
		kv, err := js.KeyValue(n.bucket)
		if errors.Is(err, nats.ErrBucketNotFound) {
			kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: n.bucket})
		}
		if err != nil {
			n.kvErr = fmt.Errorf("key/value bucket %s: %w", n.bucket, err)
			return
		}
		n.kv = kv
	})
	return n.kv, n.kvErr
}

func (n *NATS) Publish(_ context.Context, channel string, payload []byte) error {
	return n.nc.Publish(n.prefix+channel, payload)
}

func (n *NATS) Subscribe(_ context.Context, channels []string, fn func(channel string, payload []byte)) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.subs) > 0 {
		return errors.New("broker: Subscribe called twice")
	}
	for _, ch := range channels {
		subject := n.prefix + ch
		sub, err := n.nc.Subscribe(subject, func(msg *nats.Msg) {
			fn(strings.TrimPrefix(msg.Subject, n.prefix), msg.Data)
		})
		if err != nil {
			return fmt.Errorf("nats subscribe %s: %w", subject, err)
		}
		n.subs = append(n.subs, sub)
	}
	return nil
}

func (n *NATS) Get(_ context.Context, key string) ([]byte, error) {
	kv, err := n.keyValue()
	if err != nil {
		return nil, err
	}
	entry, err := kv.Get(kvKey(key))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry.Value(), nil
}

func (n *NATS) Set(_ context.Context, key string, value []byte) error {
	kv, err := n.keyValue()
	if err != nil {
		return err
	}
	_, err = kv.Put(kvKey(key), value)
	return err
}

func (n *NATS) Ping(_ context.Context) error {
	if !n.nc.IsConnected() {
		return errors.New("broker: nats not connected")
	}
	return nil
}

func (n *NATS) Close() error {
	n.mu.Lock()
	for _, sub := range n.subs {
		_ = sub.Unsubscribe()
	}
	n.subs = nil
	n.mu.Unlock()
	n.nc.Close()
	return nil
}
