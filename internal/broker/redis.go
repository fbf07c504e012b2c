package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisOptions configures the Redis backend.
type RedisOptions struct {
	Host      string
	Port      int
	Password  string
	KeyPrefix string
	Log       zerolog.Logger
}

// Redis implements Conn over a Redis server: channels map to Redis pub/sub
// channels, keys to plain string values. This is the backend the redis*
// config options select.
type Redis struct {
	rdb    *redis.Client
	prefix string
	log    zerolog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

// NewRedis connects and verifies the link with a ping.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Password: opts.Password,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{
		rdb:    rdb,
		prefix: opts.KeyPrefix,
		log:    opts.Log.With().Str("component", "redis").Logger(),
	}, nil
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.rdb.Publish(ctx, r.prefix+channel, payload).Err()
}

func (r *Redis) Subscribe(ctx context.Context, channels []string, fn func(channel string, payload []byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub != nil {
		return errors.New("broker: Subscribe called twice")
	}

	full := make([]string, len(channels))
	for i, ch := range channels {
		full[i] = r.prefix + ch
	}
	ps := r.rdb.Subscribe(ctx, full...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	r.pubsub = ps

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				fn(strings.TrimPrefix(msg.Channel, r.prefix), []byte(msg.Payload))
			}
		}
	}()
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.rdb.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return val, err
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	return r.rdb.Set(ctx, r.prefix+key, value, 0).Err()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	r.mu.Lock()
	if r.pubsub != nil {
		_ = r.pubsub.Close()
	}
	r.mu.Unlock()
	r.wg.Wait()
	return r.rdb.Close()
}
