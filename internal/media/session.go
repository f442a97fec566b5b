package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/immxrtalbeast/meshconf/lib/logger/sl"
)

// VideoChangedFunc receives the new outgoing video track, nil when there is
// none. It runs while the change is being applied, so a later change cannot
// overtake it.
type VideoChangedFunc func(video Track)

// Session owns the local participant's capture tracks. The outgoing video
// track is the screen track while sharing and the camera track otherwise.
type Session struct {
	devices Devices
	log     *slog.Logger

	// changeMu serializes track-set changes together with their broadcast.
	changeMu sync.Mutex

	mu             sync.RWMutex
	acquired       bool
	audio          Track
	camera         Track
	screen         Track
	onVideoChanged VideoChangedFunc
}

func NewSession(devices Devices, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{devices: devices, log: log}
}

// OnVideoChanged registers the hook raised on every outgoing video change.
func (s *Session) OnVideoChanged(fn VideoChangedFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onVideoChanged = fn
}

// Acquire requests camera and microphone, falling back to audio only.
// Without any track it returns ErrNoMedia.
func (s *Session) Acquire(ctx context.Context) error {
	const op = "media.session.acquire"
	log := s.log.With(slog.String("op", op))

	s.changeMu.Lock()
	defer s.changeMu.Unlock()

	if s.isAcquired() {
		return ErrAlreadyAcquired
	}

	audio, video, err := s.devices.RequestUserMedia(ctx, Constraints{Audio: true, Video: true})
	if err != nil {
		log.Warn("camera and microphone unavailable, retrying audio only", sl.Err(err))

		var audioErr error
		audio, _, audioErr = s.devices.RequestUserMedia(ctx, Constraints{Audio: true})
		if audioErr != nil {
			return fmt.Errorf("%s: %w: %v; audio only: %v", op, ErrNoMedia, err, audioErr)
		}
		video = nil
	}
	if audio == nil && video == nil {
		return fmt.Errorf("%s: %w", op, ErrNoMedia)
	}

	s.mu.Lock()
	s.acquired = true
	s.audio = audio
	s.camera = video
	s.mu.Unlock()

	log.Info("capture acquired", slog.Bool("audio", audio != nil), slog.Bool("video", video != nil))
	return nil
}

func (s *Session) isAcquired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.acquired
}

// Tracks returns the audio track and the active outgoing video track.
func (s *Session) Tracks() (audio, video Track) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audio, s.activeVideoLocked()
}

func (s *Session) ActiveVideo() Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeVideoLocked()
}

func (s *Session) activeVideoLocked() Track {
	if s.screen != nil {
		return s.screen
	}
	return s.camera
}

func (s *Session) Sharing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.screen != nil
}

// SetMicEnabled mutes or unmutes the microphone in place.
func (s *Session) SetMicEnabled(enabled bool) error {
	s.mu.RLock()
	audio := s.audio
	s.mu.RUnlock()

	if audio == nil {
		return fmt.Errorf("%w: microphone", ErrNoTrack)
	}
	audio.SetEnabled(enabled)
	return nil
}

// SetCameraEnabled turns the camera track on or off in place.
func (s *Session) SetCameraEnabled(enabled bool) error {
	s.mu.RLock()
	camera := s.camera
	s.mu.RUnlock()

	if camera == nil {
		return fmt.Errorf("%w: camera", ErrNoTrack)
	}
	camera.SetEnabled(enabled)
	return nil
}

// StartScreenShare makes a screen capture the outgoing video track. A
// cancelled or failed request leaves the camera active.
func (s *Session) StartScreenShare(ctx context.Context) error {
	const op = "media.session.startScreenShare"
	log := s.log.With(slog.String("op", op))

	s.changeMu.Lock()
	defer s.changeMu.Unlock()

	if !s.isAcquired() {
		return ErrNotAcquired
	}
	if s.Sharing() {
		return nil
	}

	screen, err := s.devices.RequestScreen(ctx)
	if err != nil {
		log.Warn("screen capture not started", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	s.screen = screen
	s.mu.Unlock()

	log.Info("screen share started", slog.String("track", screen.ID()))
	s.notifyLocked(screen)

	go s.watchScreen(screen)
	return nil
}

// StopScreenShare releases the screen track and reverts to the camera, or
// to no video when there is no camera.
func (s *Session) StopScreenShare() error {
	s.changeMu.Lock()
	defer s.changeMu.Unlock()

	s.mu.Lock()
	screen := s.screen
	s.screen = nil
	camera := s.camera
	s.mu.Unlock()

	if screen == nil {
		return nil
	}
	screen.Stop()

	s.log.Info("screen share stopped", slog.String("track", screen.ID()))
	s.notifyLocked(camera)
	return nil
}

// watchScreen reverts to the camera when the capture ends on its own, for
// example when the user stops sharing from the system UI.
func (s *Session) watchScreen(screen Track) {
	<-screen.Ended()

	s.changeMu.Lock()
	defer s.changeMu.Unlock()

	s.mu.Lock()
	if s.screen != screen {
		s.mu.Unlock()
		return
	}
	s.screen = nil
	camera := s.camera
	s.mu.Unlock()

	s.log.Info("screen capture ended", slog.String("track", screen.ID()))
	s.notifyLocked(camera)
}

func (s *Session) notifyLocked(video Track) {
	s.mu.RLock()
	fn := s.onVideoChanged
	s.mu.RUnlock()

	if fn != nil {
		fn(video)
	}
}

// Stop releases every capture device. No video change is raised.
func (s *Session) Stop() {
	s.changeMu.Lock()
	defer s.changeMu.Unlock()

	s.mu.Lock()
	tracks := []Track{s.audio, s.camera, s.screen}
	s.audio, s.camera, s.screen = nil, nil, nil
	s.acquired = false
	s.mu.Unlock()

	for _, t := range tracks {
		if t != nil {
			t.Stop()
		}
	}
}

// Active reports whether any capture track is still held.
func (s *Session) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audio != nil || s.camera != nil || s.screen != nil
}
