package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/immxrtalbeast/meshconf/internal/domain"
	"github.com/immxrtalbeast/meshconf/lib/logger/sl"
	"github.com/pion/webrtc/v3"
)

var (
	ErrSessionClosed     = errors.New("peer session closed")
	ErrOfferIgnored      = errors.New("colliding offer ignored")
	ErrUnexpectedAnswer  = errors.New("answer without a pending offer")
	ErrInvalidTransition = errors.New("invalid connection state transition")
	ErrNegotiationBusy   = errors.New("negotiation already in flight")
)

// maxPendingCandidates bounds candidates held until a remote description arrives.
const maxPendingCandidates = 128

// Session is the negotiation state of one remote participant. All methods
// are safe for concurrent use; at most one description exchange is in flight
// because every description change runs under the session lock.
type Session struct {
	remoteID string
	conn     Conn
	log      *slog.Logger

	mu          sync.Mutex
	displayName string
	state       domain.ConnectionState
	since       time.Time
	audioSender Sender
	videoSender Sender
	remoteAudio RemoteTrack
	remoteVideo RemoteTrack
	pending     []webrtc.ICECandidateInit
	// held are local candidates gathered for a description that has not
	// been published yet.
	held        []webrtc.ICECandidateInit
	announced   bool
	makingOffer bool
	// queuedOffer is set when a local change needs another offer once the
	// current exchange settles.
	queuedOffer bool
	restarts    int
	onChange    func(*Session)
}

func NewSession(remoteID, displayName string, conn Conn, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		remoteID:    remoteID,
		displayName: displayName,
		conn:        conn,
		log:         log.With(slog.String("peer", remoteID)),
		state:       domain.StateNegotiating,
		since:       time.Now(),
	}
}

func (s *Session) ID() string {
	return s.remoteID
}

// Conn exposes the underlying transport, mainly for callback wiring.
func (s *Session) Conn() Conn {
	return s.conn
}

func (s *Session) DisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayName
}

// SetDisplayName fills in the name once it becomes known. An empty name
// never overwrites a known one.
func (s *Session) SetDisplayName(name string) {
	s.mu.Lock()
	if name == "" || name == s.displayName {
		s.mu.Unlock()
		return
	}
	s.displayName = name
	s.mu.Unlock()
	s.changed()
}

func (s *Session) State() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Since is when the session entered its current state.
func (s *Session) Since() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.since
}

func (s *Session) Snapshot() domain.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() domain.Peer {
	p := domain.Peer{
		ID:          s.remoteID,
		DisplayName: s.displayName,
		State:       s.state,
		Since:       s.since,
	}
	if s.remoteAudio != nil {
		p.AudioTrack = s.remoteAudio.ID()
	}
	if s.remoteVideo != nil {
		p.VideoTrack = s.remoteVideo.ID()
	}
	return p
}

// Transition moves the session to next. Moving to the current state is a no-op.
func (s *Session) Transition(next domain.ConnectionState) error {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return nil
	}
	if !s.state.CanTransition(next) {
		prev := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, next)
	}
	s.log.Debug("connection state changed", slog.String("from", string(s.state)), slog.String("to", string(next)))
	s.state = next
	s.since = time.Now()
	if next == domain.StateConnected {
		s.restarts = 0
	}
	s.mu.Unlock()

	s.changed()
	return nil
}

// AttachTracks adds the local outgoing tracks. Either may be nil.
func (s *Session) AttachTracks(audio, video webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == domain.StateClosed {
		return ErrSessionClosed
	}

	if audio != nil && s.audioSender == nil {
		sender, err := s.conn.AddTrack(audio)
		if err != nil {
			return fmt.Errorf("failed to add audio track: %w", err)
		}
		s.audioSender = sender
	}
	if video != nil && s.videoSender == nil {
		sender, err := s.conn.AddTrack(video)
		if err != nil {
			return fmt.Errorf("failed to add video track: %w", err)
		}
		s.videoSender = sender
	}
	return nil
}

// SetVideoTrack swaps the outgoing video in place when a video sender
// exists. Otherwise it adds the track and reports that a new offer is needed.
// A nil track clears the outgoing video without renegotiation.
func (s *Session) SetVideoTrack(track webrtc.TrackLocal) (renegotiate bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == domain.StateClosed {
		return false, ErrSessionClosed
	}

	if s.videoSender != nil {
		if s.videoSender.Track() == track {
			return false, nil
		}
		if err := s.videoSender.ReplaceTrack(track); err != nil {
			return false, fmt.Errorf("failed to replace video track: %w", err)
		}
		return false, nil
	}

	if track == nil {
		return false, nil
	}

	sender, err := s.conn.AddTrack(track)
	if err != nil {
		return false, fmt.Errorf("failed to add video track: %w", err)
	}
	s.videoSender = sender
	return true, nil
}

// VideoTrack is the track currently sent to this peer.
func (s *Session) VideoTrack() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.videoSender == nil {
		return nil
	}
	return s.videoSender.Track()
}

// CreateOffer creates and applies a local offer. A restart offer requests
// fresh ICE credentials and supersedes an unanswered local offer. A regular
// offer while another exchange is open is queued and ErrNegotiationBusy is
// returned; the queued offer is released by the answer that settles it.
func (s *Session) CreateOffer(restart bool) (webrtc.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == domain.StateClosed {
		return webrtc.SessionDescription{}, ErrSessionClosed
	}

	switch s.conn.SignalingState() {
	case webrtc.SignalingStateStable:
	case webrtc.SignalingStateHaveLocalOffer:
		if !restart {
			s.queuedOffer = true
			return webrtc.SessionDescription{}, ErrNegotiationBusy
		}
		if err := s.conn.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("failed to roll back stale offer: %w", err)
		}
	default:
		s.queuedOffer = true
		return webrtc.SessionDescription{}, ErrNegotiationBusy
	}

	s.makingOffer = true
	defer func() { s.makingOffer = false }()

	offer, err := s.conn.CreateOffer(restart)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	s.announced = false
	if err := s.conn.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local offer: %w", err)
	}
	s.queuedOffer = false
	return offer, nil
}

// ApplyOffer answers a remote offer. On a collision with our own offer the
// polite side rolls back and answers; the impolite side keeps its offer and
// returns ErrOfferIgnored. The returned flag reports whether a local offer
// was rolled back and must be sent again.
func (s *Session) ApplyOffer(offer webrtc.SessionDescription, polite bool) (webrtc.SessionDescription, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == domain.StateClosed {
		return webrtc.SessionDescription{}, false, ErrSessionClosed
	}

	collision := s.makingOffer || s.conn.SignalingState() != webrtc.SignalingStateStable
	if collision {
		if !polite {
			return webrtc.SessionDescription{}, false, ErrOfferIgnored
		}
		if err := s.conn.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return webrtc.SessionDescription{}, false, fmt.Errorf("failed to roll back local offer: %w", err)
		}
		s.queuedOffer = true
	}

	if err := s.conn.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, false, fmt.Errorf("failed to set remote offer: %w", err)
	}
	s.flushPendingLocked()

	answer, err := s.conn.CreateAnswer()
	if err != nil {
		return webrtc.SessionDescription{}, false, fmt.Errorf("failed to create answer: %w", err)
	}
	s.announced = false
	if err := s.conn.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, false, fmt.Errorf("failed to set local answer: %w", err)
	}

	reoffer := s.queuedOffer
	s.queuedOffer = false
	return answer, reoffer, nil
}

// ApplyAnswer completes a local offer. The returned flag reports whether a
// change was queued during the exchange and a new offer is due.
func (s *Session) ApplyAnswer(answer webrtc.SessionDescription) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == domain.StateClosed {
		return false, ErrSessionClosed
	}
	if s.conn.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return false, ErrUnexpectedAnswer
	}

	if err := s.conn.SetRemoteDescription(answer); err != nil {
		return false, fmt.Errorf("failed to set remote answer: %w", err)
	}
	s.flushPendingLocked()

	reoffer := s.queuedOffer
	s.queuedOffer = false
	return reoffer, nil
}

// AddCandidate applies a remote candidate, or holds it until the remote
// description is set.
func (s *Session) AddCandidate(candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == domain.StateClosed {
		return ErrSessionClosed
	}

	if s.conn.RemoteDescription() == nil {
		if len(s.pending) >= maxPendingCandidates {
			s.pending = s.pending[1:]
		}
		s.pending = append(s.pending, candidate)
		return nil
	}

	if err := s.conn.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add candidate: %w", err)
	}
	return nil
}

// HoldLocalCandidate keeps a locally gathered candidate until the local
// description it belongs to is published. It reports false when the
// candidate can be sent right away. Candidates of a closed session are
// swallowed.
func (s *Session) HoldLocalCandidate(candidate webrtc.ICECandidateInit) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == domain.StateClosed {
		return true
	}
	if s.announced {
		return false
	}
	if len(s.held) >= maxPendingCandidates {
		s.held = s.held[1:]
	}
	s.held = append(s.held, candidate)
	return true
}

// DescriptionSent marks the current local description as published and
// returns the candidates held back until then.
func (s *Session) DescriptionSent() []webrtc.ICECandidateInit {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.announced = true
	held := s.held
	s.held = nil
	return held
}

// PendingCandidates is the number of candidates waiting for a remote description.
func (s *Session) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Session) flushPendingLocked() {
	for _, c := range s.pending {
		if err := s.conn.AddICECandidate(c); err != nil {
			s.log.Warn("dropping buffered candidate", sl.Err(err))
		}
	}
	s.pending = nil
}

// SetRemoteTrack records inbound media, replacing any previous track of the
// same kind.
func (s *Session) SetRemoteTrack(track RemoteTrack) {
	s.mu.Lock()
	if s.state == domain.StateClosed {
		s.mu.Unlock()
		return
	}
	switch track.Kind() {
	case webrtc.RTPCodecTypeAudio:
		s.remoteAudio = track
	case webrtc.RTPCodecTypeVideo:
		s.remoteVideo = track
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.changed()
}

// ClearRemoteTracks drops the inbound media references.
func (s *Session) ClearRemoteTracks() {
	s.mu.Lock()
	if s.remoteAudio == nil && s.remoteVideo == nil {
		s.mu.Unlock()
		return
	}
	s.remoteAudio, s.remoteVideo = nil, nil
	s.mu.Unlock()
	s.changed()
}

func (s *Session) RemoteTracks() (audio, video RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteAudio, s.remoteVideo
}

// BeginRestart counts an ICE restart attempt and moves a failed session back
// to negotiating. It reports false once max attempts have been used.
func (s *Session) BeginRestart(max int) bool {
	s.mu.Lock()
	if s.state == domain.StateClosed || s.restarts >= max {
		s.mu.Unlock()
		return false
	}
	s.restarts++
	attempt := s.restarts
	moved := false
	if s.state == domain.StateFailed {
		s.state = domain.StateNegotiating
		moved = true
	}
	s.since = time.Now()
	s.mu.Unlock()

	s.log.Info("restarting ice", slog.Int("attempt", attempt))
	if moved {
		s.changed()
	}
	return true
}

// Close releases the connection. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == domain.StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = domain.StateClosed
	s.since = time.Now()
	s.remoteAudio, s.remoteVideo = nil, nil
	s.pending = nil
	s.held = nil
	s.mu.Unlock()

	err := s.conn.Close()
	s.changed()
	return err
}

func (s *Session) setOnChange(fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

func (s *Session) changed() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}
