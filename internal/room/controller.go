package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/immxrtalbeast/meshconf/internal/config"
	"github.com/immxrtalbeast/meshconf/internal/domain"
	"github.com/immxrtalbeast/meshconf/internal/media"
	"github.com/immxrtalbeast/meshconf/internal/negotiation"
	"github.com/immxrtalbeast/meshconf/internal/peer"
	"github.com/immxrtalbeast/meshconf/internal/repository"
	"github.com/immxrtalbeast/meshconf/internal/signaling"
	"github.com/immxrtalbeast/meshconf/lib/logger/sl"
)

var (
	ErrSignaling           = errors.New("signaling unavailable")
	ErrDisplayNameRequired = errors.New("display name is required")
	ErrRoomEnded           = errors.New("room has ended")
	ErrAlreadyJoined       = errors.New("already joined a room")
	ErrNotJoined           = errors.New("not joined")

	errSubscriptionEnded = errors.New("room subscription ended")
)

const errorsBuffer = 4

type Options struct {
	Negotiation  config.NegotiationConfig
	EndWhenEmpty bool
}

// Controller runs one local participant's visit to a room.
type Controller struct {
	pubsub  signaling.PubSub
	rooms   repository.RoomRepository
	devices media.Devices
	factory peer.ConnFactory
	opts    Options
	log     *slog.Logger

	mu      sync.Mutex
	current *visit

	errs chan error
}

// visit is the state of one join, discarded on leave.
type visit struct {
	localID     string
	roomCode    string
	displayName string
	media       *media.Session
	channel     *signaling.Channel
	engine      *negotiation.Engine
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func NewController(
	pubsub signaling.PubSub,
	rooms repository.RoomRepository,
	devices media.Devices,
	factory peer.ConnFactory,
	opts Options,
	log *slog.Logger,
) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		pubsub:  pubsub,
		rooms:   rooms,
		devices: devices,
		factory: factory,
		opts:    opts,
		log:     log,
		errs:    make(chan error, errorsBuffer),
	}
}

// Errors reports room-level failures that ended a visit without a call to
// Leave, such as lost signaling. The visit is already torn down when the
// error is delivered and Join may be retried.
func (c *Controller) Errors() <-chan error {
	return c.errs
}

// Join enters roomCode as displayName. It returns once the Join envelope is
// published; peers connect in the background.
func (c *Controller) Join(ctx context.Context, roomCode, displayName string) error {
	const op = "room.controller.join"

	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return ErrDisplayNameRequired
	}
	roomCode = domain.NormalizeRoomCode(roomCode)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		return ErrAlreadyJoined
	}

	room, err := c.rooms.GetByCode(ctx, roomCode)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !room.IsJoinable() {
		return fmt.Errorf("%s: %w", op, ErrRoomEnded)
	}

	localID := uuid.NewString()
	log := c.log.With(
		slog.String("op", op),
		slog.String("room", roomCode),
		slog.String("local_peer", localID),
	)

	localMedia := media.NewSession(c.devices, c.log)
	if err := localMedia.Acquire(ctx); err != nil {
		log.Error("failed to acquire media", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	channel, err := signaling.Open(ctx, c.pubsub, roomCode, localID, c.log)
	if err != nil {
		localMedia.Stop()
		log.Error("failed to subscribe", sl.Err(err))
		return fmt.Errorf("%s: %w: %v", op, ErrSignaling, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	v := &visit{
		localID:     localID,
		roomCode:    roomCode,
		displayName: displayName,
		media:       localMedia,
		channel:     channel,
		cancel:      cancel,
	}
	v.engine = negotiation.New(runCtx, localID, displayName, channel, localMedia, c.factory, c.opts.Negotiation, c.log)
	v.engine.OnPublishError(func(err error) {
		go c.signalingLost(v, err)
	})
	localMedia.OnVideoChanged(v.engine.UpdateVideo)

	v.wg.Add(2)
	go func() {
		defer v.wg.Done()
		c.dispatch(runCtx, v)
	}()
	go func() {
		defer v.wg.Done()
		v.engine.RunWatchdog(runCtx)
	}()

	if err := channel.Publish(ctx, domain.NewJoinEnvelope(localID, displayName)); err != nil {
		log.Error("failed to announce join", sl.Err(err))
		_ = c.teardown(context.Background(), v, false)
		return fmt.Errorf("%s: %w: %v", op, ErrSignaling, err)
	}

	c.current = v
	log.Info("joined room", slog.String("display_name", displayName))
	return nil
}

func (c *Controller) dispatch(ctx context.Context, v *visit) {
	const op = "room.controller.dispatch"
	log := c.log.With(slog.String("op", op), slog.String("room", v.roomCode))

	envelopes := v.channel.Envelopes()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-envelopes:
			if !ok {
				if ctx.Err() == nil {
					go c.signalingLost(v, errSubscriptionEnded)
				}
				return
			}
			if err := v.engine.Handle(ctx, env); err != nil {
				log.Warn("envelope dropped",
					slog.String("kind", string(env.Kind)),
					slog.String("peer", env.From),
					sl.Err(err),
				)
			}
		}
	}
}

// signalingLost ends v after its channel broke. It is a no-op once v is no
// longer the current visit.
func (c *Controller) signalingLost(v *visit, cause error) {
	const op = "room.controller.signalingLost"

	c.mu.Lock()
	if c.current != v {
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.mu.Unlock()

	c.log.Error("signaling lost, leaving room",
		slog.String("op", op),
		slog.String("room", v.roomCode),
		slog.String("local_peer", v.localID),
		sl.Err(cause),
	)
	_ = c.teardown(context.Background(), v, false)

	select {
	case c.errs <- fmt.Errorf("%s: %w: %v", op, ErrSignaling, cause):
	default:
		c.log.Warn("room error dropped", slog.String("op", op))
	}
}

// Leave announces the departure and releases every resource of the visit.
// Teardown runs to completion even when the announcement fails.
func (c *Controller) Leave(ctx context.Context) error {
	c.mu.Lock()
	v := c.current
	c.current = nil
	c.mu.Unlock()

	if v == nil {
		return ErrNotJoined
	}
	return c.teardown(ctx, v, true)
}

func (c *Controller) teardown(ctx context.Context, v *visit, announce bool) error {
	const op = "room.controller.leave"
	log := c.log.With(slog.String("op", op), slog.String("room", v.roomCode), slog.String("local_peer", v.localID))

	v.cancel()
	v.wg.Wait()

	var errs []error
	if announce {
		if err := v.channel.Publish(ctx, domain.NewLeaveEnvelope(v.localID)); err != nil {
			log.Warn("failed to announce leave", sl.Err(err))
			errs = append(errs, fmt.Errorf("%w: %v", ErrSignaling, err))
		}
	}

	lastOut := v.engine.Registry().Len() == 0

	v.media.OnVideoChanged(nil)
	v.engine.Close()
	v.media.Stop()
	if err := v.channel.Close(); err != nil {
		log.Warn("failed to unsubscribe", sl.Err(err))
	}

	if announce && lastOut && c.opts.EndWhenEmpty {
		if err := c.rooms.MarkEnded(ctx, v.roomCode); err != nil {
			log.Warn("failed to mark room ended", sl.Err(err))
			errs = append(errs, err)
		} else {
			log.Info("room ended")
		}
	}

	log.Info("left room")
	return errors.Join(errs...)
}

func (c *Controller) active() (*visit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, ErrNotJoined
	}
	return c.current, nil
}

func (c *Controller) LocalID() string {
	v, err := c.active()
	if err != nil {
		return ""
	}
	return v.localID
}

// Participants is a snapshot of the other participants.
func (c *Controller) Participants() []domain.Peer {
	v, err := c.active()
	if err != nil {
		return nil
	}
	return v.engine.Peers()
}

// Events delivers participant changes for the current visit. The channel
// is closed on leave; it is nil when not joined.
func (c *Controller) Events() <-chan domain.PeerEvent {
	v, err := c.active()
	if err != nil {
		return nil
	}
	return v.engine.Events()
}

func (c *Controller) SetMicEnabled(enabled bool) error {
	v, err := c.active()
	if err != nil {
		return err
	}
	return v.media.SetMicEnabled(enabled)
}

func (c *Controller) SetCameraEnabled(enabled bool) error {
	v, err := c.active()
	if err != nil {
		return err
	}
	return v.media.SetCameraEnabled(enabled)
}

// StartScreenShare replaces the outgoing video of every peer with a screen
// capture. A cancelled capture keeps the camera and is not room-fatal.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	v, err := c.active()
	if err != nil {
		return err
	}
	return v.media.StartScreenShare(ctx)
}

func (c *Controller) StopScreenShare() error {
	v, err := c.active()
	if err != nil {
		return err
	}
	return v.media.StopScreenShare()
}

func (c *Controller) Sharing() bool {
	v, err := c.active()
	if err != nil {
		return false
	}
	return v.media.Sharing()
}
