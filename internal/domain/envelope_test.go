package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelopeKeepsAddressing(t *testing.T) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	raw, err := NewOfferEnvelope("a", "b", offer, "Alice", true).Encode()
	require.NoError(t, err)

	env, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, KindOffer, env.Kind)
	assert.Equal(t, "a", env.From)
	assert.Equal(t, "b", env.To)

	desc, err := env.Description()
	require.NoError(t, err)
	assert.Equal(t, offer, desc.SDP)
	assert.Equal(t, "Alice", desc.DisplayName)
	assert.True(t, desc.Restart)
}

func TestValidateRejectsMissingFields(t *testing.T) {
	cases := map[string]Envelope{
		"unknown kind":       {Kind: "chat", From: "a"},
		"missing sender":     NewJoinEnvelope("", "Alice"),
		"join without name":  NewJoinEnvelope("a", ""),
		"offer without to":   NewOfferEnvelope("a", "", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}, "", false),
		"offer without sdp":  NewOfferEnvelope("a", "b", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer}, "", false),
		"answer typed offer": NewAnswerEnvelope("a", "b", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}),
		"empty candidate":    NewCandidateEnvelope("a", "b", webrtc.ICECandidateInit{}),
		"garbage payload":    {Kind: KindCandidate, From: "a", To: "b", Payload: json.RawMessage(`"nope"`)},
		"no payload":         {Kind: KindAnswer, From: "a", To: "b"},
	}

	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, env.Validate(), ErrMalformedEnvelope)
		})
	}
}

func TestLeaveNeedsNoPayload(t *testing.T) {
	assert.NoError(t, NewLeaveEnvelope("a").Validate())
}

func TestDecodeEnvelopeRejectsInvalidJSON(t *testing.T) {
	_, err := DecodeEnvelope([]byte("{"))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestConnectionStateTransitions(t *testing.T) {
	assert.True(t, StateNegotiating.CanTransition(StateConnected))
	assert.True(t, StateConnected.CanTransition(StateFailed))
	assert.True(t, StateFailed.CanTransition(StateNegotiating))
	assert.True(t, StateConnected.CanTransition(StateClosed))
	assert.False(t, StateConnected.CanTransition(StateNegotiating))
	assert.False(t, StateFailed.CanTransition(StateConnected))
	assert.False(t, StateClosed.CanTransition(StateClosed))
	assert.False(t, StateClosed.CanTransition(StateNegotiating))
}

func TestRoomLifecycle(t *testing.T) {
	room := NewRoom("Standup", "owner-1", time.Time{})
	assert.Len(t, room.Code, RoomCodeLength)
	assert.Equal(t, RoomStatusLive, room.Status)
	assert.True(t, room.IsJoinable())

	room.End()
	assert.False(t, room.IsJoinable())
	assert.False(t, room.EndedAt.IsZero())
	assert.Equal(t, "ABC123", NormalizeRoomCode("  abc123 "))
}
