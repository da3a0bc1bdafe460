package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// channelPrefix namespaces room channels on a shared Redis.
const channelPrefix = "collabtext:room:"

// Redis fans messages out through Redis pub/sub, one channel per room.
type Redis struct {
	rdb *redis.Client
	log *zap.Logger

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
}

var _ Broker = (*Redis)(nil)

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr string, log *zap.Logger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("broker: connect redis %s: %w", addr, err)
	}
	return &Redis{rdb: rdb, log: log.Named("broker"), subs: make(map[*redis.PubSub]struct{})}, nil
}

func (r *Redis) Publish(ctx context.Context, room string, msg []byte) error {
	if err := r.rdb.Publish(ctx, channelPrefix+room, msg).Err(); err != nil {
		return fmt.Errorf("broker: publish %q: %w", room, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, room string, fn func([]byte)) (func(), error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	pubsub := r.rdb.Subscribe(ctx, channelPrefix+room)
	// Wait for confirmation so nothing published after Subscribe returns is lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("broker: subscribe %q: %w", room, err)
	}

	r.mu.Lock()
	r.subs[pubsub] = struct{}{}
	r.mu.Unlock()

	ch := pubsub.Channel()
	go func() {
		for msg := range ch {
			fn([]byte(msg.Payload))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, pubsub)
			r.mu.Unlock()
			if err := pubsub.Close(); err != nil {
				r.log.Debug("closing subscription", zap.String("room", room), zap.Error(err))
			}
		})
	}, nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	r.closed = true
	subs := r.subs
	r.subs = make(map[*redis.PubSub]struct{})
	r.mu.Unlock()

	for pubsub := range subs {
		_ = pubsub.Close()
	}
	return r.rdb.Close()
}
