package logbus

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"
)

// RedisTransport publishes and pattern-subscribes over Redis/Valkey pub/sub.
type RedisTransport struct {
	client *redis.Client
}

// NewRedisTransport parses a redis:// or rediss:// URI.
func NewRedisTransport(uri string) (*RedisTransport, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("parse log bus uri: %w", err)
	}
	return &RedisTransport{client: redis.NewClient(opts)}, nil
}

// NewRedisTransportFromClient wraps an existing client.
func NewRedisTransportFromClient(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

// Client exposes the underlying client so leases can share the connection pool.
func (t *RedisTransport) Client() *redis.Client {
	return t.client
}

func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	return t.client.Publish(ctx, channel, payload).Err()
}

func (t *RedisTransport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *RedisTransport) Subscribe(ctx context.Context, patterns []string) (Subscription, error) {
	ps := t.client.PSubscribe(ctx, patterns...)
	// The first reply confirms the subscription or surfaces the dial error.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("psubscribe: %w", err)
	}
	sub := &redisSubscription{ps: ps, out: make(chan Message, 64)}
	go sub.read(ctx)
	return sub, nil
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}

type redisSubscription struct {
	ps  *redis.PubSub
	out chan Message
}

func (s *redisSubscription) read(ctx context.Context) {
	defer close(s.out)
	for {
		msg, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		select {
		case s.out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.out
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}
