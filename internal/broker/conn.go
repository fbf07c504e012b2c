// Package broker abstracts the pub/sub and key/value service that links
// server instances into one room. Two backends exist: Redis (pub/sub plus
// plain keys) and NATS (core subjects plus a JetStream key/value bucket).
// Channel and key names are logical; each backend applies the configured
// room prefix before anything hits the wire.
package broker

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("broker: key not found")

// Conn is one session against the coordination broker.
//
// Subscribe registers a single handler for a set of channels and may be
// called at most once per Conn; fn runs on the connection's receive
// goroutine and must not block for long. Deliveries include the
// connection's own publishes; loopback suppression is the subscriber's
// job, keyed on the server id inside the frame.
type Conn interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels []string, fn func(channel string, payload []byte)) error
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Ping(ctx context.Context) error
	Close() error
}
