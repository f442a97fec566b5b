// Package peertest provides an in-memory Conn that follows the signaling
// state rules of a real peer connection without any network I/O.
package peertest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/immxrtalbeast/meshconf/internal/peer"
	"github.com/pion/webrtc/v3"
)

var ErrClosed = errors.New("fake conn closed")

type Sender struct {
	mu    sync.Mutex
	track webrtc.TrackLocal
}

func (s *Sender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = track
	return nil
}

func (s *Sender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

type RemoteTrack struct {
	TrackID   string
	TrackKind webrtc.RTPCodecType
}

func (t RemoteTrack) ID() string                { return t.TrackID }
func (t RemoteTrack) Kind() webrtc.RTPCodecType { return t.TrackKind }

// Conn is a fake peer.Conn. Callbacks fire only when a test calls the
// Emit or SetState helpers.
type Conn struct {
	Name string

	mu         sync.Mutex
	signaling  webrtc.SignalingState
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	offers     int
	restarts   int
	candidates []webrtc.ICECandidateInit
	senders    []*Sender
	closed     bool

	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(peer.RemoteTrack)
}

func NewConn(name string) *Conn {
	return &Conn{Name: name, signaling: webrtc.SignalingStateStable}
}

func (c *Conn) CreateOffer(restart bool) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	c.offers++
	if restart {
		c.restarts++
	}
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("offer %s #%d tracks=%d restart=%t", c.Name, c.offers, len(c.senders), restart),
	}, nil
}

func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if c.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer in state %s", c.signaling)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer " + c.Name}, nil
}

func (c *Conn) SetLocalDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if c.signaling != webrtc.SignalingStateStable {
			return fmt.Errorf("set local offer in state %s", c.signaling)
		}
		c.signaling = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		if c.signaling != webrtc.SignalingStateHaveRemoteOffer {
			return fmt.Errorf("set local answer in state %s", c.signaling)
		}
		c.signaling = webrtc.SignalingStateStable
	case webrtc.SDPTypeRollback:
		if c.signaling == webrtc.SignalingStateStable {
			return fmt.Errorf("rollback in state %s", c.signaling)
		}
		if c.signaling == webrtc.SignalingStateHaveRemoteOffer {
			c.remote = nil
		}
		c.signaling = webrtc.SignalingStateStable
		return nil
	default:
		return fmt.Errorf("unsupported local description %s", desc.Type)
	}
	d := desc
	c.local = &d
	return nil
}

func (c *Conn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if c.signaling != webrtc.SignalingStateStable {
			return fmt.Errorf("set remote offer in state %s", c.signaling)
		}
		c.signaling = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if c.signaling != webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("set remote answer in state %s", c.signaling)
		}
		c.signaling = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("unsupported remote description %s", desc.Type)
	}
	d := desc
	c.remote = &d
	return nil
}

func (c *Conn) RemoteDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *Conn) LocalDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *Conn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signaling
}

func (c *Conn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.remote == nil {
		return errors.New("candidate before remote description")
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *Conn) AddTrack(track webrtc.TrackLocal) (peer.Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	s := &Sender{track: track}
	c.senders = append(c.senders, s)
	return s, nil
}

func (c *Conn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCandidate = fn
}

func (c *Conn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *Conn) OnTrack(fn func(peer.RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.signaling = webrtc.SignalingStateClosed
	return nil
}

// EmitCandidate raises a locally gathered candidate.
func (c *Conn) EmitCandidate(candidate string) {
	c.mu.Lock()
	fn := c.onCandidate
	c.mu.Unlock()
	if fn != nil {
		fn(webrtc.ICECandidateInit{Candidate: candidate})
	}
}

// SetState raises a connection state change.
func (c *Conn) SetState(state webrtc.PeerConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// EmitTrack raises an inbound track.
func (c *Conn) EmitTrack(id string, kind webrtc.RTPCodecType) {
	c.mu.Lock()
	fn := c.onTrack
	c.mu.Unlock()
	if fn != nil {
		fn(RemoteTrack{TrackID: id, TrackKind: kind})
	}
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Offers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

func (c *Conn) Restarts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restarts
}

func (c *Conn) Candidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

// Senders returns the outgoing senders in the order tracks were added.
func (c *Conn) Senders() []*Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Sender(nil), c.senders...)
}

// Factory hands out fake Conns and remembers them in creation order.
type Factory struct {
	Err error

	mu    sync.Mutex
	conns []*Conn
}

func (f *Factory) NewConn() (peer.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c := NewConn(fmt.Sprintf("conn-%d", len(f.conns)+1))
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *Factory) Conns() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Conn(nil), f.conns...)
}

// Last returns the most recently created Conn, or nil.
func (f *Factory) Last() *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}
