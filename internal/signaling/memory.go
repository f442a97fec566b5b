package signaling

import (
	"context"
	"log/slog"
	"sync"
)

const subscriptionBuffer = 64

// Hub is an in-process PubSub. A full subscriber buffer drops the message
// for that subscriber only.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*hubSubscription]struct{}
	closed bool
	log    *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		topics: make(map[string]map[*hubSubscription]struct{}),
		log:    log,
	}
}

func (h *Hub) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return ErrClosed
	}

	for sub := range h.topics[topic] {
		msg := append([]byte(nil), data...)
		select {
		case sub.out <- msg:
		default:
			h.log.Debug("dropping message for slow subscriber", slog.String("topic", topic))
		}
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}

	sub := &hubSubscription{
		hub:   h,
		topic: topic,
		out:   make(chan []byte, subscriptionBuffer),
	}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*hubSubscription]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub, nil
}

// Subscribers returns the number of live subscriptions on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for topic, subs := range h.topics {
		for sub := range subs {
			sub.closeLocked()
		}
		delete(h.topics, topic)
	}
}

type hubSubscription struct {
	hub    *Hub
	topic  string
	out    chan []byte
	closed bool
}

func (s *hubSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *hubSubscription) Close() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()

	if subs, ok := s.hub.topics[s.topic]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.hub.topics, s.topic)
		}
	}
	s.closeLocked()
	return nil
}

func (s *hubSubscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.out)
}
