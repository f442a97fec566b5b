package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNoMedia           = errors.New("media: no usable capture device")
	ErrDeviceUnavailable = errors.New("media: capture device unavailable")
	ErrScreenCancelled   = errors.New("media: screen capture cancelled")
	ErrNotAcquired       = errors.New("media: session not acquired")
	ErrAlreadyAcquired   = errors.New("media: session already acquired")
	ErrNoTrack           = errors.New("media: no such track")
)

type Constraints struct {
	Audio bool
	Video bool
}

// Devices is the capture device API. RequestUserMedia fails as a whole when
// any requested kind is unavailable.
type Devices interface {
	RequestUserMedia(ctx context.Context, c Constraints) (audio, video Track, err error)
	RequestScreen(ctx context.Context) (Track, error)
}

const (
	audioFrameInterval = 20 * time.Millisecond
	videoFrameInterval = time.Second / 30
)

var (
	// silentOpusFrame is a single 20ms Opus packet of silence.
	silentOpusFrame = []byte{0xf8, 0xff, 0xfe}
	// blankVP8Frame is a VP8 key frame header for a 16x16 picture.
	blankVP8Frame = []byte{0x10, 0x00, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00}
)

// SyntheticDevices produces sample tracks without real hardware behind
// them, for headless participants. Every track generates silent audio or
// blank video frames until it is stopped.
type SyntheticDevices struct {
	Microphone bool
	Camera     bool
	Screen     bool
	StreamID   string
}

func (d SyntheticDevices) streamID() string {
	if d.StreamID != "" {
		return d.StreamID
	}
	return "synthetic"
}

func (d SyntheticDevices) RequestUserMedia(ctx context.Context, c Constraints) (Track, Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if c.Audio && !d.Microphone {
		return nil, nil, fmt.Errorf("%w: microphone", ErrDeviceUnavailable)
	}
	if c.Video && !d.Camera {
		return nil, nil, fmt.Errorf("%w: camera", ErrDeviceUnavailable)
	}

	var audio, video Track
	if c.Audio {
		t, err := NewSampleTrack(SourceMicrophone, "audio-"+uuid.NewString(), d.streamID())
		if err != nil {
			return nil, nil, err
		}
		t.Generate(silentOpusFrame, audioFrameInterval)
		audio = t
	}
	if c.Video {
		t, err := NewSampleTrack(SourceCamera, "camera-"+uuid.NewString(), d.streamID())
		if err != nil {
			if audio != nil {
				audio.Stop()
			}
			return nil, nil, err
		}
		t.Generate(blankVP8Frame, videoFrameInterval)
		video = t
	}
	return audio, video, nil
}

func (d SyntheticDevices) RequestScreen(ctx context.Context) (Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !d.Screen {
		return nil, ErrScreenCancelled
	}
	t, err := NewSampleTrack(SourceScreen, "screen-"+uuid.NewString(), d.streamID())
	if err != nil {
		return nil, err
	}
	t.Generate(blankVP8Frame, videoFrameInterval)
	return t, nil
}
