// Package signaling carries signaling envelopes over a topic-scoped
// broadcast publish/subscribe transport.
package signaling

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("signaling: closed")

const topicPrefix = "meeting:"

// PubSub is an at-least-once broadcast transport. Every subscriber of a
// topic, possibly including the publisher itself, receives each message.
type PubSub interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// Subscription delivers raw messages until closed. Messages is closed once
// the subscription ends for any reason.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Topic returns the pub/sub topic of a room.
func Topic(roomCode string) string {
	return topicPrefix + roomCode
}
