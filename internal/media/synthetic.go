// Package media provides local media sources for the call client. The
// synthetic source generates placeholder audio and video so a call can be
// placed from environments without capture devices.
package media

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/eduease/call-relay/internal/call"
)

const (
	audioFrameInterval = 20 * time.Millisecond
	videoFrameInterval = time.Second / 15
)

// opusSilence is a minimal Opus frame decoding to silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticSource builds track pairs fed by generator goroutines.
type SyntheticSource struct {
	log *slog.Logger
}

func NewSyntheticSource(logger *slog.Logger) *SyntheticSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyntheticSource{log: logger}
}

// Acquire builds one audio and one video track and starts their generators.
// It never blocks on hardware, so ctx is only honored at entry.
func (s *SyntheticSource) Acquire(ctx context.Context) (call.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "synthetic",
	)
	if err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", "synthetic",
	)
	if err != nil {
		return nil, err
	}

	m := &SyntheticMedia{
		log:   s.log,
		audio: audio,
		video: video,
		stop:  make(chan struct{}),
	}
	m.audioOn.Store(true)
	m.videoOn.Store(true)

	go m.generate(audio, audioFrameInterval, &m.audioOn, opusSilence)
	go m.generate(video, videoFrameInterval, &m.videoOn, videoFramePayload())
	return m, nil
}

// SyntheticMedia is an acquired synthetic track pair. Disabling a direction
// pauses its generator; the track itself stays negotiated.
type SyntheticMedia struct {
	log   *slog.Logger
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	audioOn atomic.Bool
	videoOn atomic.Bool

	closeOnce sync.Once
	stop      chan struct{}
}

func (m *SyntheticMedia) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{m.audio, m.video}
}

func (m *SyntheticMedia) SetAudioEnabled(enabled bool) { m.audioOn.Store(enabled) }

func (m *SyntheticMedia) SetVideoEnabled(enabled bool) { m.videoOn.Store(enabled) }

// Close stops both generators. Safe to call more than once.
func (m *SyntheticMedia) Close() error {
	m.closeOnce.Do(func() { close(m.stop) })
	return nil
}

func (m *SyntheticMedia) generate(track *webrtc.TrackLocalStaticSample, interval time.Duration, enabled *atomic.Bool, payload []byte) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if !enabled.Load() {
				continue
			}
			err := track.WriteSample(media.Sample{Data: payload, Duration: interval})
			if err != nil {
				m.log.Debug("sample write failed", "track", track.ID(), "err", err)
			}
		}
	}
}

// videoFramePayload is an arbitrary byte pattern standing in for an encoded
// frame. The packetizer does not inspect it.
func videoFramePayload() []byte {
	frame := make([]byte, 1200)
	for i := range frame {
		frame[i] = byte(i)
	}
	return frame
}
