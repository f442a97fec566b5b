package domain

import "time"

type ConnectionState string

const (
	StateNegotiating ConnectionState = "negotiating"
	StateConnected   ConnectionState = "connected"
	StateFailed      ConnectionState = "failed"
	StateClosed      ConnectionState = "closed"
)

// CanTransition reports whether a peer session may move from s to next.
func (s ConnectionState) CanTransition(next ConnectionState) bool {
	if next == StateClosed {
		return s != StateClosed
	}
	switch s {
	case StateNegotiating:
		return next == StateConnected || next == StateFailed
	case StateConnected:
		return next == StateFailed
	case StateFailed:
		return next == StateNegotiating
	}
	return false
}

// Peer is a read-only view of one remote participant.
type Peer struct {
	ID          string          `json:"id"`
	DisplayName string          `json:"display_name"`
	State       ConnectionState `json:"state"`
	AudioTrack  string          `json:"audio_track,omitempty"`
	VideoTrack  string          `json:"video_track,omitempty"`
	Since       time.Time       `json:"since"`
}

type PeerEventType string

const (
	PeerAdded   PeerEventType = "added"
	PeerRemoved PeerEventType = "removed"
	PeerUpdated PeerEventType = "updated"
)

type PeerEvent struct {
	Type PeerEventType `json:"type"`
	Peer Peer          `json:"peer"`
}
