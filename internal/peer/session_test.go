package peer_test

import (
	"testing"

	"github.com/immxrtalbeast/meshconf/internal/domain"
	"github.com/immxrtalbeast/meshconf/internal/peer"
	"github.com/immxrtalbeast/meshconf/internal/peer/peertest"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTrack(t *testing.T, id string, kind webrtc.RTPCodecType) webrtc.TrackLocal {
	t.Helper()
	mime := webrtc.MimeTypeOpus
	if kind == webrtc.RTPCodecTypeVideo {
		mime = webrtc.MimeTypeVP8
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "stream")
	require.NoError(t, err)
	return track
}

// exchange delivers an offer from one session and its answer back.
func exchange(t *testing.T, offerer, answerer *peer.Session) {
	t.Helper()
	offer, err := offerer.CreateOffer(false)
	require.NoError(t, err)
	answer, _, err := answerer.ApplyOffer(offer, true)
	require.NoError(t, err)
	_, err = offerer.ApplyAnswer(answer)
	require.NoError(t, err)
}

func TestOfferAnswerExchange(t *testing.T) {
	a := peer.NewSession("b", "Bob", peertest.NewConn("a"), nil)
	b := peer.NewSession("a", "Alice", peertest.NewConn("b"), nil)

	exchange(t, a, b)

	assert.Equal(t, webrtc.SignalingStateStable, a.Conn().SignalingState())
	assert.Equal(t, webrtc.SignalingStateStable, b.Conn().SignalingState())
	assert.Equal(t, domain.StateNegotiating, a.State())
}

func TestAnswerWithoutOfferIsRejected(t *testing.T) {
	s := peer.NewSession("b", "", peertest.NewConn("a"), nil)

	_, err := s.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "x"})
	assert.ErrorIs(t, err, peer.ErrUnexpectedAnswer)
	assert.Equal(t, webrtc.SignalingStateStable, s.Conn().SignalingState())
}

func TestGlareImpoliteIgnoresPoliteRollsBack(t *testing.T) {
	low := peer.NewSession("zed", "", peertest.NewConn("low"), nil)
	high := peer.NewSession("amy", "", peertest.NewConn("high"), nil)

	lowOffer, err := low.CreateOffer(false)
	require.NoError(t, err)
	highOffer, err := high.CreateOffer(false)
	require.NoError(t, err)

	// The impolite side keeps its own offer.
	_, _, err = high.ApplyOffer(lowOffer, false)
	assert.ErrorIs(t, err, peer.ErrOfferIgnored)
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, high.Conn().SignalingState())

	// The polite side rolls back, answers and asks to offer again.
	answer, reoffer, err := low.ApplyOffer(highOffer, true)
	require.NoError(t, err)
	assert.True(t, reoffer)

	_, err = high.ApplyAnswer(answer)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SignalingStateStable, low.Conn().SignalingState())
	assert.Equal(t, webrtc.SignalingStateStable, high.Conn().SignalingState())
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	conn := peertest.NewConn("a")
	s := peer.NewSession("b", "", conn, nil)

	require.NoError(t, s.AddCandidate(webrtc.ICECandidateInit{Candidate: "c1"}))
	require.NoError(t, s.AddCandidate(webrtc.ICECandidateInit{Candidate: "c2"}))
	assert.Equal(t, 2, s.PendingCandidates())
	assert.Empty(t, conn.Candidates())

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote"}
	_, _, err := s.ApplyOffer(offer, true)
	require.NoError(t, err)

	assert.Zero(t, s.PendingCandidates())
	require.Len(t, conn.Candidates(), 2)
	assert.Equal(t, "c1", conn.Candidates()[0].Candidate)

	require.NoError(t, s.AddCandidate(webrtc.ICECandidateInit{Candidate: "c3"}))
	assert.Len(t, conn.Candidates(), 3)
}

func TestLocalCandidatesHeldUntilDescriptionSent(t *testing.T) {
	conn := peertest.NewConn("a")
	s := peer.NewSession("b", "", conn, nil)

	_, err := s.CreateOffer(false)
	require.NoError(t, err)
	assert.True(t, s.HoldLocalCandidate(webrtc.ICECandidateInit{Candidate: "c1"}))
	assert.True(t, s.HoldLocalCandidate(webrtc.ICECandidateInit{Candidate: "c2"}))

	held := s.DescriptionSent()
	require.Len(t, held, 2)
	assert.Equal(t, "c1", held[0].Candidate)
	assert.False(t, s.HoldLocalCandidate(webrtc.ICECandidateInit{Candidate: "c3"}))
	assert.Empty(t, s.DescriptionSent())

	// A restart offer gathers for new credentials and holds again.
	_, err = s.CreateOffer(true)
	require.NoError(t, err)
	assert.True(t, s.HoldLocalCandidate(webrtc.ICECandidateInit{Candidate: "c4"}))

	require.NoError(t, s.Close())
	assert.True(t, s.HoldLocalCandidate(webrtc.ICECandidateInit{Candidate: "c5"}))
	assert.Empty(t, s.DescriptionSent())
}

func TestSetVideoTrackReplacesInPlace(t *testing.T) {
	conn := peertest.NewConn("a")
	s := peer.NewSession("b", "", conn, nil)

	camera := newTrack(t, "camera", webrtc.RTPCodecTypeVideo)
	screen := newTrack(t, "screen", webrtc.RTPCodecTypeVideo)
	require.NoError(t, s.AttachTracks(newTrack(t, "mic", webrtc.RTPCodecTypeAudio), camera))
	require.Len(t, conn.Senders(), 2)

	renegotiate, err := s.SetVideoTrack(screen)
	require.NoError(t, err)
	assert.False(t, renegotiate)
	assert.Same(t, screen, s.VideoTrack())
	assert.Len(t, conn.Senders(), 2)

	renegotiate, err = s.SetVideoTrack(camera)
	require.NoError(t, err)
	assert.False(t, renegotiate)
	assert.Same(t, camera, s.VideoTrack())
}

func TestSetVideoTrackAddsWhenNoVideoSender(t *testing.T) {
	conn := peertest.NewConn("a")
	s := peer.NewSession("b", "", conn, nil)
	require.NoError(t, s.AttachTracks(newTrack(t, "mic", webrtc.RTPCodecTypeAudio), nil))

	renegotiate, err := s.SetVideoTrack(nil)
	require.NoError(t, err)
	assert.False(t, renegotiate)

	screen := newTrack(t, "screen", webrtc.RTPCodecTypeVideo)
	renegotiate, err = s.SetVideoTrack(screen)
	require.NoError(t, err)
	assert.True(t, renegotiate)
	assert.Len(t, conn.Senders(), 2)

	// Stopping the share keeps the sender and clears its track.
	renegotiate, err = s.SetVideoTrack(nil)
	require.NoError(t, err)
	assert.False(t, renegotiate)
	assert.Nil(t, s.VideoTrack())
}

func TestOfferWhileBusyIsQueuedUntilAnswer(t *testing.T) {
	a := peer.NewSession("b", "", peertest.NewConn("a"), nil)
	b := peer.NewSession("a", "", peertest.NewConn("b"), nil)

	offer, err := a.CreateOffer(false)
	require.NoError(t, err)

	_, err = a.CreateOffer(false)
	assert.ErrorIs(t, err, peer.ErrNegotiationBusy)

	answer, _, err := b.ApplyOffer(offer, true)
	require.NoError(t, err)
	reoffer, err := a.ApplyAnswer(answer)
	require.NoError(t, err)
	assert.True(t, reoffer)
}

func TestRestartOfferSupersedesPendingOffer(t *testing.T) {
	conn := peertest.NewConn("a")
	s := peer.NewSession("b", "", conn, nil)

	_, err := s.CreateOffer(false)
	require.NoError(t, err)

	offer, err := s.CreateOffer(true)
	require.NoError(t, err)
	assert.Contains(t, offer.SDP, "restart=true")
	assert.Equal(t, 1, conn.Restarts())
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, conn.SignalingState())
}

func TestTransitionsAndRestartLimit(t *testing.T) {
	s := peer.NewSession("b", "", peertest.NewConn("a"), nil)

	require.NoError(t, s.Transition(domain.StateConnected))
	assert.ErrorIs(t, s.Transition(domain.StateNegotiating), peer.ErrInvalidTransition)

	require.NoError(t, s.Transition(domain.StateFailed))
	assert.True(t, s.BeginRestart(1))
	assert.Equal(t, domain.StateNegotiating, s.State())

	require.NoError(t, s.Transition(domain.StateFailed))
	assert.False(t, s.BeginRestart(1))
	assert.Equal(t, domain.StateFailed, s.State())
}

func TestRemoteTracksReplacedPerKindAndClearedOnClose(t *testing.T) {
	conn := peertest.NewConn("a")
	s := peer.NewSession("b", "Bob", conn, nil)

	s.SetRemoteTrack(peertest.RemoteTrack{TrackID: "v1", TrackKind: webrtc.RTPCodecTypeVideo})
	s.SetRemoteTrack(peertest.RemoteTrack{TrackID: "a1", TrackKind: webrtc.RTPCodecTypeAudio})
	s.SetRemoteTrack(peertest.RemoteTrack{TrackID: "v2", TrackKind: webrtc.RTPCodecTypeVideo})

	snap := s.Snapshot()
	assert.Equal(t, "a1", snap.AudioTrack)
	assert.Equal(t, "v2", snap.VideoTrack)
	assert.Equal(t, "Bob", snap.DisplayName)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, conn.Closed())

	snap = s.Snapshot()
	assert.Equal(t, domain.StateClosed, snap.State)
	assert.Empty(t, snap.VideoTrack)

	_, err := s.CreateOffer(false)
	assert.ErrorIs(t, err, peer.ErrSessionClosed)
}
