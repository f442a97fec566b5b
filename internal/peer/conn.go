package peer

import "github.com/pion/webrtc/v3"

// Sender is the outgoing slot of one track on a connection.
type Sender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
	Track() webrtc.TrackLocal
}

// RemoteTrack is inbound media from the remote participant.
type RemoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
}

// Conn is the media transport of one peer session. Callbacks are invoked
// asynchronously, never from inside a Conn method.
type Conn interface {
	CreateOffer(restart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	SignalingState() webrtc.SignalingState
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (Sender, error)

	OnICECandidate(fn func(candidate webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(state webrtc.PeerConnectionState))
	OnTrack(fn func(track RemoteTrack))

	Close() error
}

type ConnFactory interface {
	NewConn() (Conn, error)
}
