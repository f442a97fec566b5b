package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/immxrtalbeast/meshconf/internal/domain"
	"github.com/immxrtalbeast/meshconf/lib/logger/sl"
)

// Channel is one participant's view of a room topic. It stamps outgoing
// envelopes with the local peer id and delivers only envelopes meant for it.
type Channel struct {
	pubsub  PubSub
	topic   string
	localID string
	sub     Subscription
	log     *slog.Logger

	out       chan domain.Envelope
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open subscribes to the room topic. The subscription is live when Open
// returns, so a Join published afterwards cannot race the subscribe.
func Open(ctx context.Context, ps PubSub, roomCode, localID string, log *slog.Logger) (*Channel, error) {
	const op = "signaling.channel.open"
	if log == nil {
		log = slog.Default()
	}

	topic := Topic(roomCode)
	sub, err := ps.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	c := &Channel{
		pubsub:  ps,
		topic:   topic,
		localID: localID,
		sub:     sub,
		log:     log.With(slog.String("topic", topic), slog.String("local_peer", localID)),
		out:     make(chan domain.Envelope, subscriptionBuffer),
		done:    make(chan struct{}),
	}

	c.wg.Add(1)
	go c.run()
	return c, nil
}

// Envelopes yields accepted envelopes and is closed when the channel ends.
func (c *Channel) Envelopes() <-chan domain.Envelope {
	return c.out
}

func (c *Channel) Topic() string {
	return c.topic
}

// Publish sends env with From set to the local peer.
func (c *Channel) Publish(ctx context.Context, env domain.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	env.From = c.localID
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode %s envelope: %w", env.Kind, err)
	}
	return c.pubsub.Publish(ctx, c.topic, data)
}

// Close stops delivery and releases the subscription.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.sub.Close()
		c.wg.Wait()
	})
	return err
}

func (c *Channel) run() {
	defer c.wg.Done()
	defer close(c.out)

	for {
		select {
		case data, ok := <-c.sub.Messages():
			if !ok {
				return
			}
			env, err := domain.DecodeEnvelope(data)
			if err != nil {
				c.log.Warn("dropping malformed envelope", sl.Err(err))
				continue
			}
			if !Accepts(env, c.localID) {
				continue
			}
			select {
			case c.out <- env:
			case <-c.done:
				return
			}
		case <-c.done:
			return
		}
	}
}

// Accepts applies the addressing rules: own envelopes are ignored and
// addressed envelopes must name localID as recipient.
func Accepts(env domain.Envelope, localID string) bool {
	if env.From == localID {
		return false
	}
	if env.Kind.Addressed() && env.To != localID {
		return false
	}
	return true
}
