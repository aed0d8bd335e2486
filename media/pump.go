package media

import (
	"context"
	"io"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/drivelink/callkit/shared"
)

// Gate reports whether a track kind is currently enabled. Stream satisfies
// it; the pump consults it before every write so mute/camera-off take
// effect immediately without touching the capture device.
type Gate interface {
	Enabled(kind Kind) bool
}

// PumpTrack forwards encoded frames from a capture track into an outbound
// webrtc track until the source ends or ctx is cancelled. Frames read while
// the gate is closed are dropped.
func PumpTrack(
	ctx context.Context,
	logger shared.LoggerAdapter,
	dst *webrtc.TrackLocalStaticSample,
	src mediadevices.Track,
	gate Gate,
	kind Kind,
	frameDuration time.Duration,
) {
	reader, err := src.NewEncodedReader(dst.Codec().MimeType)
	if err != nil {
		logger.Error("creating encoded track reader", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		buf, release, err := reader.Read()
		if err != nil {
			if err == io.EOF {
				release()
				return
			}
			logger.Error("reading from capture track", err)
			release()
			continue
		}
		if buf.Samples == 0 || !gate.Enabled(kind) {
			release()
			continue
		}
		err = dst.WriteSample(media.Sample{
			Data:     buf.Data[:],
			Duration: frameDuration,
		})
		release()
		if err != nil {
			logger.Error("writing sample to outbound track", err)
			continue
		}
	}
}
