package store

import (
	"context"
	"errors"
	"strconv"

	"github.com/kanreisa/reichat-server/internal/broker"
)

// KV persists each layer under the broker key layer:<n>. The broker
// connection applies the configured room prefix, so every server of the room
// reads and writes the same keys.
type KV struct {
	conn broker.Conn
}

// NewKV wraps an existing broker connection; the store borrows it and never
// closes it.
func NewKV(conn broker.Conn) *KV {
	return &KV{conn: conn}
}

func key(n int) string {
	return "layer:" + strconv.Itoa(n)
}

func (k *KV) Load(ctx context.Context, n int) ([]byte, error) {
	data, err := k.conn.Get(ctx, key(n))
	if errors.Is(err, broker.ErrNotFound) {
		return nil, ErrNotFound
	}
	return data, err
}

func (k *KV) Save(ctx context.Context, n int, data []byte) error {
	return k.conn.Set(ctx, key(n), data)
}
