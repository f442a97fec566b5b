package domain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v3"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

type Kind string

const (
	KindJoin      Kind = "join"
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
	KindLeave     Kind = "leave"
)

// Addressed reports whether envelopes of this kind carry a recipient.
func (k Kind) Addressed() bool {
	switch k {
	case KindOffer, KindAnswer, KindCandidate:
		return true
	}
	return false
}

func (k Kind) valid() bool {
	switch k {
	case KindJoin, KindOffer, KindAnswer, KindCandidate, KindLeave:
		return true
	}
	return false
}

// Envelope is a signaling message published on a room topic. Join and Leave
// are broadcast; Offer, Answer and Candidate are addressed to one peer.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type JoinPayload struct {
	DisplayName string `json:"display_name"`
}

// DescriptionPayload carries an offer or answer. DisplayName lets the
// receiver name a peer whose join it never saw.
type DescriptionPayload struct {
	SDP         webrtc.SessionDescription `json:"sdp"`
	DisplayName string                    `json:"display_name,omitempty"`
	Restart     bool                      `json:"restart,omitempty"`
}

type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

func NewJoinEnvelope(from, displayName string) Envelope {
	return newEnvelope(KindJoin, from, "", JoinPayload{DisplayName: displayName})
}

func NewLeaveEnvelope(from string) Envelope {
	return Envelope{Kind: KindLeave, From: from}
}

func NewOfferEnvelope(from, to string, sdp webrtc.SessionDescription, displayName string, restart bool) Envelope {
	return newEnvelope(KindOffer, from, to, DescriptionPayload{SDP: sdp, DisplayName: displayName, Restart: restart})
}

func NewAnswerEnvelope(from, to string, sdp webrtc.SessionDescription) Envelope {
	return newEnvelope(KindAnswer, from, to, DescriptionPayload{SDP: sdp})
}

func NewCandidateEnvelope(from, to string, candidate webrtc.ICECandidateInit) Envelope {
	return newEnvelope(KindCandidate, from, to, CandidatePayload{Candidate: candidate})
}

func newEnvelope(kind Kind, from, to string, payload any) Envelope {
	raw, _ := json.Marshal(payload)
	return Envelope{Kind: kind, From: from, To: to, Payload: raw}
}

// Encode serializes the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses and validates a wire message.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks the envelope carries every field its kind requires.
func (e Envelope) Validate() error {
	if !e.Kind.valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedEnvelope, e.Kind)
	}
	if e.From == "" {
		return fmt.Errorf("%w: missing sender", ErrMalformedEnvelope)
	}
	if e.Kind.Addressed() && e.To == "" {
		return fmt.Errorf("%w: %s without recipient", ErrMalformedEnvelope, e.Kind)
	}

	switch e.Kind {
	case KindJoin:
		_, err := e.Join()
		return err
	case KindOffer, KindAnswer:
		_, err := e.Description()
		return err
	case KindCandidate:
		_, err := e.Candidate()
		return err
	}
	return nil
}

func (e Envelope) Join() (JoinPayload, error) {
	var p JoinPayload
	if err := e.decode(&p); err != nil {
		return p, err
	}
	if p.DisplayName == "" {
		return p, fmt.Errorf("%w: join without display name", ErrMalformedEnvelope)
	}
	return p, nil
}

func (e Envelope) Description() (DescriptionPayload, error) {
	var p DescriptionPayload
	if err := e.decode(&p); err != nil {
		return p, err
	}
	if p.SDP.SDP == "" {
		return p, fmt.Errorf("%w: %s without sdp", ErrMalformedEnvelope, e.Kind)
	}
	want := webrtc.SDPTypeOffer
	if e.Kind == KindAnswer {
		want = webrtc.SDPTypeAnswer
	}
	if p.SDP.Type != want {
		return p, fmt.Errorf("%w: %s carries %s description", ErrMalformedEnvelope, e.Kind, p.SDP.Type)
	}
	return p, nil
}

func (e Envelope) Candidate() (webrtc.ICECandidateInit, error) {
	var p CandidatePayload
	if err := e.decode(&p); err != nil {
		return p.Candidate, err
	}
	if p.Candidate.Candidate == "" {
		return p.Candidate, fmt.Errorf("%w: empty candidate", ErrMalformedEnvelope)
	}
	return p.Candidate, nil
}

func (e Envelope) decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrMalformedEnvelope, e.Kind)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return nil
}
