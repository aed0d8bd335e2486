// Package media acquires and releases local capture devices and hands their
// tracks to the negotiation layer. Mute and camera-off are implemented as a
// per-kind gate consulted by the track pump: frames keep being read but are
// not written out, so toggling never renegotiates the connection.
package media

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/drivelink/callkit/shared"
)

// Kind selects the audio or video half of a stream.
type Kind string

const (
	Audio Kind = "audio"
	Video Kind = "video"
)

// Constraints describes the capture a call wants. Video false means
// voice-only: the camera is never touched.
type Constraints struct {
	Audio        bool
	Video        bool
	SampleRate   int
	ChannelCount int
	Width        int
	Height       int
	VideoBitRate int
}

// Stream is an acquired set of local capture tracks. Close stops every
// track and is idempotent.
type Stream interface {
	AudioTracks() []mediadevices.Track
	VideoTracks() []mediadevices.Track
	SetEnabled(kind Kind, enabled bool)
	Enabled(kind Kind) bool
	Close()
}

// DeviceGateway acquires local capture devices. Failures map onto
// shared.ErrPermissionDenied, shared.ErrDeviceNotFound and
// shared.ErrDeviceUnavailable.
type DeviceGateway interface {
	Acquire(ctx context.Context, want Constraints) (Stream, error)
}

type deviceStream struct {
	ms mediadevices.MediaStream

	mu      sync.Mutex
	enabled map[Kind]bool

	closeOnce sync.Once
}

var _ Stream = (*deviceStream)(nil)

func (s *deviceStream) AudioTracks() []mediadevices.Track {
	return s.ms.GetAudioTracks()
}

func (s *deviceStream) VideoTracks() []mediadevices.Track {
	return s.ms.GetVideoTracks()
}

func (s *deviceStream) SetEnabled(kind Kind, enabled bool) {
	s.mu.Lock()
	s.enabled[kind] = enabled
	s.mu.Unlock()
}

func (s *deviceStream) Enabled(kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled[kind]
}

func (s *deviceStream) Close() {
	s.closeOnce.Do(func() {
		for _, track := range s.ms.GetTracks() {
			_ = track.Close()
		}
	})
}

// Devices is the mediadevices-backed DeviceGateway.
type Devices struct {
	logger shared.LoggerAdapter
}

var _ DeviceGateway = (*Devices)(nil)

func NewDevices(logger shared.LoggerAdapter) *Devices {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &Devices{logger: logger}
}

func (d *Devices) Acquire(ctx context.Context, want Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !want.Audio && !want.Video {
		return nil, fmt.Errorf("%w: nothing to capture", shared.ErrDeviceNotFound)
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("creating opus params: %w", err)
	}
	selectorOpts := []mediadevices.CodecSelectorOption{
		mediadevices.WithAudioEncoders(&opusParams),
	}
	if want.Video {
		vpxParams, err := vpx.NewVP8Params()
		if err != nil {
			return nil, fmt.Errorf("creating vp8 params: %w", err)
		}
		if want.VideoBitRate > 0 {
			vpxParams.BitRate = want.VideoBitRate
		}
		selectorOpts = append(selectorOpts, mediadevices.WithVideoEncoders(&vpxParams))
	}

	constraints := mediadevices.MediaStreamConstraints{
		Codec: mediadevices.NewCodecSelector(selectorOpts...),
	}
	if want.Audio {
		constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {
			if want.SampleRate > 0 {
				c.SampleRate = prop.Int(want.SampleRate)
			}
			if want.ChannelCount > 0 {
				c.ChannelCount = prop.Int(want.ChannelCount)
			}
			c.SampleSize = prop.Int(16)
		}
	}
	if want.Video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			if want.Width > 0 {
				c.Width = prop.Int(want.Width)
			}
			if want.Height > 0 {
				c.Height = prop.Int(want.Height)
			}
		}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, classifyAcquireError(err)
	}
	d.logger.Info("capture devices acquired",
		zap.Bool("audio", want.Audio),
		zap.Bool("video", want.Video),
		zap.Int("tracks", len(ms.GetTracks())),
	)
	return &deviceStream{
		ms:      ms,
		enabled: map[Kind]bool{Audio: true, Video: true},
	}, nil
}

// classifyAcquireError maps driver errors onto the gateway taxonomy. The
// underlying drivers report failures as plain strings, so matching is by
// substring.
func classifyAcquireError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "not allowed"):
		return fmt.Errorf("%w: %v", shared.ErrPermissionDenied, err)
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no such") ||
		strings.Contains(msg, "failed to find"):
		return fmt.Errorf("%w: %v", shared.ErrDeviceNotFound, err)
	default:
		return fmt.Errorf("%w: %v", shared.ErrDeviceUnavailable, err)
	}
}

// KindOf maps a pion codec type onto the gateway's track kind.
func KindOf(t webrtc.RTPCodecType) Kind {
	if t == webrtc.RTPCodecTypeVideo {
		return Video
	}
	return Audio
}
