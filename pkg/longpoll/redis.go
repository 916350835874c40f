package longpoll

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel used by relays.
const DefaultChannel = "pairtalk:appends"

// RedisRelay shares append notifications between replicas over Redis
// pub/sub.
type RedisRelay struct {
	*fanout
	client  redis.UniversalClient
	channel string

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisRelay creates a relay bound to broker. Start must be called to
// receive peer notifications.
func NewRedisRelay(client redis.UniversalClient, broker *Broker, channel string) *RedisRelay {
	if channel == "" {
		channel = DefaultChannel
	}
	r := &RedisRelay{client: client, channel: channel}
	r.fanout = newFanout(broker, r, 0)
	return r
}

// Publish sends one payload to the channel.
func (r *RedisRelay) Publish(ctx context.Context, payload []byte) error {
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing to redis: %w", err)
	}
	return nil
}

// Start subscribes to the channel and applies peer notifications until
// Close is called.
func (r *RedisRelay) Start(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribing to %s: %w", r.channel, err)
	}

	r.mu.Lock()
	r.pubsub = pubsub
	r.done = make(chan struct{})
	r.mu.Unlock()

	go func() {
		defer close(r.done)
		for msg := range pubsub.Channel() {
			r.receive([]byte(msg.Payload))
		}
	}()
	return nil
}

// Close stops receiving and flushes queued publishes.
func (r *RedisRelay) Close() error {
	r.mu.Lock()
	pubsub, done := r.pubsub, r.done
	r.pubsub = nil
	r.mu.Unlock()

	var err error
	if pubsub != nil {
		if cerr := pubsub.Close(); cerr != nil && !errors.Is(cerr, redis.ErrClosed) {
			err = cerr
		}
		<-done
	}
	r.fanout.stop()
	return err
}
