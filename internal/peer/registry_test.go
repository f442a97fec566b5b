package peer_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/immxrtalbeast/meshconf/internal/config"
	"github.com/immxrtalbeast/meshconf/internal/domain"
	"github.com/immxrtalbeast/meshconf/internal/media"
	"github.com/immxrtalbeast/meshconf/internal/peer"
	"github.com/immxrtalbeast/meshconf/internal/peer/peertest"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(factory *peertest.Factory) *peer.Registry {
	return peer.NewRegistry(func(remoteID, displayName string) (*peer.Session, error) {
		conn, err := factory.NewConn()
		if err != nil {
			return nil, err
		}
		return peer.NewSession(remoteID, displayName, conn, nil), nil
	}, nil)
}

func nextEvent(t *testing.T, r *peer.Registry) domain.PeerEvent {
	t.Helper()
	select {
	case ev := <-r.Events():
		return ev
	default:
		t.Fatal("expected a peer event")
	}
	return domain.PeerEvent{}
}

func TestRegistryGetOrCreateIsUnique(t *testing.T) {
	factory := &peertest.Factory{}
	r := newRegistry(factory)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := r.GetOrCreate("bob", "Bob")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, r.Len())
	assert.Len(t, factory.Conns(), 1)
}

func TestRegistryEventsAndRemove(t *testing.T) {
	factory := &peertest.Factory{}
	r := newRegistry(factory)

	s, created, err := r.GetOrCreate("bob", "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.PeerAdded, nextEvent(t, r).Type)

	_, created, err = r.GetOrCreate("bob", "Bob")
	require.NoError(t, err)
	assert.False(t, created)
	ev := nextEvent(t, r)
	assert.Equal(t, domain.PeerUpdated, ev.Type)
	assert.Equal(t, "Bob", ev.Peer.DisplayName)

	require.NoError(t, s.Transition(domain.StateConnected))
	assert.Equal(t, domain.StateConnected, nextEvent(t, r).Peer.State)

	assert.True(t, r.Remove("bob"))
	assert.False(t, r.Remove("bob"))
	ev = nextEvent(t, r)
	assert.Equal(t, domain.PeerRemoved, ev.Type)
	assert.Equal(t, domain.StateClosed, ev.Peer.State)
	assert.True(t, factory.Last().Closed())

	_, ok := r.Get("bob")
	assert.False(t, ok)
}

func TestRegistryPeersSortedAndClose(t *testing.T) {
	factory := &peertest.Factory{}
	r := newRegistry(factory)

	for _, id := range []string{"carol", "alice", "bob"} {
		_, _, err := r.GetOrCreate(id, id)
		require.NoError(t, err)
	}

	peers := r.Peers()
	require.Len(t, peers, 3)
	assert.Equal(t, "alice", peers[0].ID)
	assert.Equal(t, "carol", peers[2].ID)

	r.Close()
	r.Close()
	assert.Zero(t, r.Len())
	for _, c := range factory.Conns() {
		assert.True(t, c.Closed())
	}

	_, _, err := r.GetOrCreate("dave", "")
	assert.ErrorIs(t, err, peer.ErrRegistryClosed)

	for range r.Events() {
	}
}

func TestRegistryFactoryError(t *testing.T) {
	boom := errors.New("no transport")
	r := newRegistry(&peertest.Factory{Err: boom})

	_, _, err := r.GetOrCreate("bob", "")
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, r.Len())
}

func TestConfigurationForceRelay(t *testing.T) {
	cfg := peer.Configuration(config.WebRTCConfig{
		STUNServers: []string{"stun:stun.example.org:3478"},
		TURNServer:  "turn:turn.example.org:3478",
		TURNUser:    "user",
		TURNPass:    "pass",
		ForceRelay:  true,
	})

	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{"turn:turn.example.org:3478"}, cfg.ICEServers[0].URLs)
	assert.Equal(t, "pass", cfg.ICEServers[0].Credential)
	assert.Equal(t, webrtc.ICETransportPolicyRelay, cfg.ICETransportPolicy)

	cfg = peer.Configuration(config.WebRTCConfig{STUNServers: []string{"stun:a", "stun:b"}})
	assert.Len(t, cfg.ICEServers, 2)
	assert.Equal(t, webrtc.ICETransportPolicyAll, cfg.ICETransportPolicy)
}

func TestPionFactoryBuildsConn(t *testing.T) {
	factory, err := peer.NewPionFactory(config.WebRTCConfig{})
	require.NoError(t, err)

	conn, err := factory.NewConn()
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, webrtc.SignalingStateStable, conn.SignalingState())
	assert.Nil(t, conn.RemoteDescription())
}

func TestPionConnsDeliverSyntheticMedia(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}
	factory, err := peer.NewPionFactory(config.WebRTCConfig{})
	require.NoError(t, err)

	aConn, err := factory.NewConn()
	require.NoError(t, err)
	bConn, err := factory.NewConn()
	require.NoError(t, err)
	a := peer.NewSession("b", "Bob", aConn, nil)
	b := peer.NewSession("a", "Alice", bConn, nil)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	audio, video, err := media.SyntheticDevices{Microphone: true, Camera: true}.
		RequestUserMedia(context.Background(), media.Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		audio.Stop()
		video.Stop()
	})
	require.NoError(t, a.AttachTracks(audio.Local(), video.Local()))

	aConn.OnICECandidate(func(c webrtc.ICECandidateInit) { _ = b.AddCandidate(c) })
	bConn.OnICECandidate(func(c webrtc.ICECandidateInit) { _ = a.AddCandidate(c) })
	bConn.OnTrack(b.SetRemoteTrack)

	offer, err := a.CreateOffer(false)
	require.NoError(t, err)
	answer, _, err := b.ApplyOffer(offer, true)
	require.NoError(t, err)
	_, err = a.ApplyAnswer(answer)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		remoteAudio, remoteVideo := b.RemoteTracks()
		return remoteAudio != nil && remoteVideo != nil
	}, 10*time.Second, 50*time.Millisecond)

	snap := b.Snapshot()
	assert.Equal(t, audio.ID(), snap.AudioTrack)
	assert.Equal(t, video.ID(), snap.VideoTrack)
}
