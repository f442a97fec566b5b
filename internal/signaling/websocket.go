package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/immxrtalbeast/meshconf/lib/logger/sl"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	topicsPath = "/ws/topics/"
)

// WSPubSub talks to the relay server: one WebSocket per subscribed topic,
// every text frame written is broadcast to the topic and every frame read is
// a message published on it.
type WSPubSub struct {
	baseURL string
	dialer  *websocket.Dialer
	log     *slog.Logger

	mu   sync.Mutex
	subs map[string][]*wsSubscription
}

func NewWSPubSub(baseURL string, log *slog.Logger) *WSPubSub {
	if log == nil {
		log = slog.Default()
	}
	return &WSPubSub{
		baseURL: strings.TrimRight(baseURL, "/"),
		dialer:  websocket.DefaultDialer,
		log:     log,
		subs:    make(map[string][]*wsSubscription),
	}
}

func (p *WSPubSub) topicURL(topic string) string {
	return p.baseURL + topicsPath + url.PathEscape(topic)
}

func (p *WSPubSub) dial(ctx context.Context, topic string) (*websocket.Conn, error) {
	conn, _, err := p.dialer.DialContext(ctx, p.topicURL(topic), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay for %s: %w", topic, err)
	}
	return conn, nil
}

func (p *WSPubSub) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	conn, err := p.dial(ctx, topic)
	if err != nil {
		return nil, err
	}

	sub := &wsSubscription{
		owner: p,
		topic: topic,
		conn:  conn,
		out:   make(chan []byte, subscriptionBuffer),
		done:  make(chan struct{}),
	}

	p.mu.Lock()
	p.subs[topic] = append(p.subs[topic], sub)
	p.mu.Unlock()

	go sub.readPump()
	return sub, nil
}

// Publish writes on an existing subscription's socket when there is one and
// falls back to a short-lived connection otherwise.
func (p *WSPubSub) Publish(ctx context.Context, topic string, data []byte) error {
	p.mu.Lock()
	var sub *wsSubscription
	if subs := p.subs[topic]; len(subs) > 0 {
		sub = subs[0]
	}
	p.mu.Unlock()

	if sub != nil {
		return sub.write(data)
	}

	conn, err := p.dial(ctx, topic)
	if err != nil {
		return err
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}

func (p *WSPubSub) unregister(sub *wsSubscription) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subs[sub.topic]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(p.subs, sub.topic)
		return
	}
	p.subs[sub.topic] = subs
}

type wsSubscription struct {
	owner *WSPubSub
	topic string
	conn  *websocket.Conn

	writeMu   sync.Mutex
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *wsSubscription) readPump() {
	defer func() {
		s.owner.unregister(s)
		close(s.out)
		_ = s.conn.Close()
	}()

	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPingHandler(func(appData string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.owner.log.Warn("relay connection lost", slog.String("topic", s.topic), sl.Err(err))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		select {
		case s.out <- data:
		case <-s.done:
			return
		}
	}
}

func (s *wsSubscription) write(data []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", s.topic, err)
	}
	return nil
}

func (s *wsSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *wsSubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	return nil
}
