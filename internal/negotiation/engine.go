package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/immxrtalbeast/meshconf/internal/config"
	"github.com/immxrtalbeast/meshconf/internal/domain"
	"github.com/immxrtalbeast/meshconf/internal/media"
	"github.com/immxrtalbeast/meshconf/internal/peer"
	"github.com/immxrtalbeast/meshconf/lib/logger/sl"
	"github.com/pion/webrtc/v3"
)

var ErrMalformed = errors.New("malformed signaling message")

// Publisher sends envelopes to the room topic.
type Publisher interface {
	Publish(ctx context.Context, env domain.Envelope) error
}

// LocalMedia is the source of the tracks sent to every peer.
type LocalMedia interface {
	Tracks() (audio, video media.Track)
}

// Engine reacts to signaling envelopes and keeps one negotiated session per
// remote participant.
type Engine struct {
	ctx         context.Context
	localID     string
	displayName string
	pub         Publisher
	media       LocalMedia
	factory     peer.ConnFactory
	cfg         config.NegotiationConfig
	log         *slog.Logger
	registry    *peer.Registry

	// trackMu orders session creation against outgoing video changes so a
	// new session starts from the latest track set.
	trackMu sync.Mutex

	hookMu         sync.Mutex
	onPublishError func(error)
}

// New builds an engine. ctx bounds publishes raised from transport callbacks.
func New(
	ctx context.Context,
	localID string,
	displayName string,
	pub Publisher,
	localMedia LocalMedia,
	factory peer.ConnFactory,
	cfg config.NegotiationConfig,
	log *slog.Logger,
) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		ctx:         ctx,
		localID:     localID,
		displayName: displayName,
		pub:         pub,
		media:       localMedia,
		factory:     factory,
		cfg:         cfg,
		log:         log,
	}
	e.registry = peer.NewRegistry(e.newSession, log)
	return e
}

func (e *Engine) Registry() *peer.Registry {
	return e.registry
}

func (e *Engine) Peers() []domain.Peer {
	return e.registry.Peers()
}

func (e *Engine) Events() <-chan domain.PeerEvent {
	return e.registry.Events()
}

// OnPublishError registers fn for publish failures that happen while the
// engine is running. fn must not block.
func (e *Engine) OnPublishError(fn func(error)) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.onPublishError = fn
}

func (e *Engine) publish(ctx context.Context, env domain.Envelope) error {
	err := e.pub.Publish(ctx, env)
	if err == nil || ctx.Err() != nil || e.ctx.Err() != nil {
		return err
	}

	e.hookMu.Lock()
	fn := e.onPublishError
	e.hookMu.Unlock()
	if fn != nil {
		fn(err)
	}
	return err
}

// Close tears down every peer session.
func (e *Engine) Close() {
	e.registry.Close()
}

// Handle applies one envelope addressed to this participant.
func (e *Engine) Handle(ctx context.Context, env domain.Envelope) error {
	switch env.Kind {
	case domain.KindJoin:
		return e.onJoin(ctx, env)
	case domain.KindOffer:
		return e.onOffer(ctx, env)
	case domain.KindAnswer:
		return e.onAnswer(ctx, env)
	case domain.KindCandidate:
		return e.onCandidate(env)
	case domain.KindLeave:
		e.onLeave(env)
		return nil
	}
	return fmt.Errorf("%w: unknown kind %q", ErrMalformed, env.Kind)
}

// onJoin makes the existing participant the initiator towards a newcomer.
func (e *Engine) onJoin(ctx context.Context, env domain.Envelope) error {
	const op = "negotiation.engine.onJoin"
	log := e.log.With(slog.String("op", op), slog.String("peer", env.From))

	join, err := env.Join()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	s, created, err := e.getOrCreate(env.From, join.DisplayName)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !created {
		log.Debug("join from known peer ignored")
		return nil
	}

	log.Info("participant joined", slog.String("display_name", join.DisplayName))
	return e.sendOffer(ctx, s, false)
}

func (e *Engine) onOffer(ctx context.Context, env domain.Envelope) error {
	const op = "negotiation.engine.onOffer"
	log := e.log.With(slog.String("op", op), slog.String("peer", env.From))

	desc, err := env.Description()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	s, _, err := e.getOrCreate(env.From, desc.DisplayName)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	answer, reoffer, err := s.ApplyOffer(desc.SDP, e.polite(env.From))
	if errors.Is(err, peer.ErrOfferIgnored) {
		log.Debug("colliding offer ignored")
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := e.publish(ctx, domain.NewAnswerEnvelope(e.localID, env.From, answer)); err != nil {
		return fmt.Errorf("%s: publish answer: %w", op, err)
	}
	e.releaseCandidates(s)
	if desc.Restart {
		log.Info("answered ice restart")
	}

	if reoffer {
		return e.sendOffer(ctx, s, false)
	}
	return nil
}

func (e *Engine) onAnswer(ctx context.Context, env domain.Envelope) error {
	const op = "negotiation.engine.onAnswer"

	desc, err := env.Description()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	s, ok := e.registry.Get(env.From)
	if !ok {
		return fmt.Errorf("%s: %w: unknown peer %s", op, peer.ErrUnexpectedAnswer, env.From)
	}
	s.SetDisplayName(desc.DisplayName)

	reoffer, err := s.ApplyAnswer(desc.SDP)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if reoffer {
		return e.sendOffer(ctx, s, false)
	}
	return nil
}

func (e *Engine) onCandidate(env domain.Envelope) error {
	const op = "negotiation.engine.onCandidate"

	candidate, err := env.Candidate()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	s, ok := e.registry.Get(env.From)
	if !ok {
		e.log.Debug("candidate from unknown peer dropped", slog.String("op", op), slog.String("peer", env.From))
		return nil
	}
	if err := s.AddCandidate(candidate); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (e *Engine) onLeave(env domain.Envelope) {
	if e.registry.Remove(env.From) {
		e.log.Info("participant left", slog.String("peer", env.From))
	}
}

// polite reports whether this side yields on an offer collision with remoteID.
func (e *Engine) polite(remoteID string) bool {
	return e.localID < remoteID
}

func (e *Engine) getOrCreate(remoteID, displayName string) (*peer.Session, bool, error) {
	e.trackMu.Lock()
	defer e.trackMu.Unlock()
	return e.registry.GetOrCreate(remoteID, displayName)
}

// newSession runs under trackMu via getOrCreate.
func (e *Engine) newSession(remoteID, displayName string) (*peer.Session, error) {
	conn, err := e.factory.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to open connection to %s: %w", remoteID, err)
	}

	s := peer.NewSession(remoteID, displayName, conn, e.log)

	audio, video := e.media.Tracks()
	if err := s.AttachTracks(trackLocal(audio), trackLocal(video)); err != nil {
		_ = s.Close()
		return nil, err
	}

	conn.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		if s.HoldLocalCandidate(candidate) {
			return
		}
		e.publishCandidate(remoteID, candidate)
	})
	conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.connectionStateChanged(s, state)
	})
	conn.OnTrack(func(track peer.RemoteTrack) {
		s.SetRemoteTrack(track)
	})

	return s, nil
}

func (e *Engine) sendOffer(ctx context.Context, s *peer.Session, restart bool) error {
	offer, err := s.CreateOffer(restart)
	if errors.Is(err, peer.ErrNegotiationBusy) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := e.publish(ctx, domain.NewOfferEnvelope(e.localID, s.ID(), offer, e.displayName, restart)); err != nil {
		return err
	}
	e.releaseCandidates(s)
	return nil
}

// releaseCandidates publishes the candidates gathered before the local
// description reached the peer.
func (e *Engine) releaseCandidates(s *peer.Session) {
	for _, candidate := range s.DescriptionSent() {
		e.publishCandidate(s.ID(), candidate)
	}
}

func (e *Engine) publishCandidate(remoteID string, candidate webrtc.ICECandidateInit) {
	if err := e.publish(e.ctx, domain.NewCandidateEnvelope(e.localID, remoteID, candidate)); err != nil {
		e.log.Warn("failed to publish candidate", slog.String("peer", remoteID), sl.Err(err))
	}
}

// UpdateVideo sends video to every peer: in place where a video sender
// exists, otherwise by adding the track and renegotiating.
func (e *Engine) UpdateVideo(video media.Track) {
	const op = "negotiation.engine.updateVideo"
	log := e.log.With(slog.String("op", op))

	e.trackMu.Lock()
	defer e.trackMu.Unlock()

	local := trackLocal(video)
	e.registry.ForEach(func(s *peer.Session) {
		renegotiate, err := s.SetVideoTrack(local)
		if err != nil {
			log.Warn("failed to update video", slog.String("peer", s.ID()), sl.Err(err))
			return
		}
		if !renegotiate {
			return
		}
		if err := e.sendOffer(e.ctx, s, false); err != nil {
			log.Warn("failed to renegotiate", slog.String("peer", s.ID()), sl.Err(err))
		}
	})
}

func (e *Engine) connectionStateChanged(s *peer.Session, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if err := s.Transition(domain.StateConnected); err != nil {
			e.log.Debug("connected state ignored", slog.String("peer", s.ID()), sl.Err(err))
		}
	case webrtc.PeerConnectionStateFailed:
		e.fail(s, "transport failed")
	}
}

// fail marks the session failed and starts an ICE restart while attempts
// remain. Without attempts left the remote media is released.
func (e *Engine) fail(s *peer.Session, reason string) {
	log := e.log.With(slog.String("peer", s.ID()), slog.String("reason", reason))

	if err := s.Transition(domain.StateFailed); err != nil {
		log.Debug("failure ignored", sl.Err(err))
		return
	}

	if s.BeginRestart(e.cfg.RestartAttempts) {
		if err := e.sendOffer(e.ctx, s, true); err != nil {
			log.Warn("failed to send restart offer", sl.Err(err))
		}
		return
	}

	log.Warn("peer connection failed")
	s.ClearRemoteTracks()
}

// Tick fails sessions stuck negotiating past the timeout and removes
// sessions that stayed failed past the grace period.
func (e *Engine) Tick(now time.Time) {
	e.registry.ForEach(func(s *peer.Session) {
		elapsed := now.Sub(s.Since())
		switch s.State() {
		case domain.StateNegotiating:
			if e.cfg.Timeout > 0 && elapsed > e.cfg.Timeout {
				e.fail(s, "negotiation timed out")
			}
		case domain.StateFailed:
			if e.cfg.FailedGrace > 0 && elapsed > e.cfg.FailedGrace {
				e.log.Info("removing failed peer", slog.String("peer", s.ID()))
				e.registry.Remove(s.ID())
			}
		}
	})
}

// RunWatchdog calls Tick on every watchdog interval until ctx is done.
func (e *Engine) RunWatchdog(ctx context.Context) {
	if e.cfg.WatchdogInterval <= 0 {
		return
	}
	ticker := time.NewTicker(e.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.Tick(now)
		}
	}
}

func trackLocal(t media.Track) webrtc.TrackLocal {
	if t == nil {
		return nil
	}
	return t.Local()
}
