package media

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
)

type Source string

const (
	SourceMicrophone Source = "microphone"
	SourceCamera     Source = "camera"
	SourceScreen     Source = "screen"
)

// Track is an outgoing capture track. Disabling a track mutes it in place;
// it stays attached to every peer connection.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Source() Source
	Enabled() bool
	SetEnabled(enabled bool)
	// Stop releases the capture device. Ended is closed once stopped.
	Stop()
	Ended() <-chan struct{}
	Local() webrtc.TrackLocal
}

// SampleTrack is a Track backed by a pion TrackLocalStaticSample.
type SampleTrack struct {
	local   *webrtc.TrackLocalStaticSample
	source  Source
	enabled atomic.Bool

	samples atomic.Uint64

	generateOnce sync.Once
	stopOnce     sync.Once
	ended        chan struct{}
}

func NewSampleTrack(source Source, id, streamID string) (*SampleTrack, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	if source == SourceMicrophone {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}

	local, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", source, err)
	}

	t := &SampleTrack{
		local:  local,
		source: source,
		ended:  make(chan struct{}),
	}
	t.enabled.Store(true)
	return t, nil
}

func (t *SampleTrack) ID() string                { return t.local.ID() }
func (t *SampleTrack) Kind() webrtc.RTPCodecType { return t.local.Kind() }
func (t *SampleTrack) Source() Source            { return t.source }
func (t *SampleTrack) Enabled() bool             { return t.enabled.Load() }
func (t *SampleTrack) SetEnabled(enabled bool)   { t.enabled.Store(enabled) }
func (t *SampleTrack) Ended() <-chan struct{}    { return t.ended }
func (t *SampleTrack) Local() webrtc.TrackLocal  { return t.local }

func (t *SampleTrack) Stop() {
	t.stopOnce.Do(func() {
		close(t.ended)
	})
}

// WriteSample forwards a captured sample. Samples of a disabled or stopped
// track are discarded.
func (t *SampleTrack) WriteSample(sample pionmedia.Sample) error {
	select {
	case <-t.ended:
		return nil
	default:
	}
	if !t.enabled.Load() {
		return nil
	}
	if err := t.local.WriteSample(sample); err != nil {
		return err
	}
	t.samples.Add(1)
	return nil
}

// SamplesWritten counts samples forwarded to the peer connections.
func (t *SampleTrack) SamplesWritten() uint64 {
	return t.samples.Load()
}

// Generate writes frame once per interval until the track is stopped.
// Disabling the track pauses the output. Only the first call has an effect.
func (t *SampleTrack) Generate(frame []byte, interval time.Duration) {
	t.generateOnce.Do(func() {
		go t.generate(frame, interval)
	})
}

func (t *SampleTrack) generate(frame []byte, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ended:
			return
		case <-ticker.C:
			// Unbound tracks and closed transports drop samples.
			_ = t.WriteSample(pionmedia.Sample{Data: frame, Duration: interval})
		}
	}
}
