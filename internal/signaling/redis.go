package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisPubSub maps topics onto Redis PUBLISH/SUBSCRIBE channels, so every
// relay instance sharing the Redis server sees the same rooms.
type RedisPubSub struct {
	client *redis.Client
	log    *slog.Logger
}

func NewRedisPubSub(client *redis.Client, log *slog.Logger) *RedisPubSub {
	if log == nil {
		log = slog.Default()
	}
	return &RedisPubSub{client: client, log: log}
}

func (p *RedisPubSub) Publish(ctx context.Context, topic string, data []byte) error {
	if err := p.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (p *RedisPubSub) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := p.client.Subscribe(ctx, topic)

	// Wait for the subscription confirmation so no message published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan []byte, subscriptionBuffer),
		done: make(chan struct{}),
	}
	go sub.pump(ps.Channel())

	p.log.Debug("subscribed", slog.String("topic", topic))
	return sub, nil
}

type redisSubscription struct {
	ps        *redis.PubSub
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisSubscription) pump(in <-chan *redis.Message) {
	defer close(s.out)
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
