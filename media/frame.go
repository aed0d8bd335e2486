package media

import "time"

// Frame pacing for outbound tracks.
const (
	AudioFrameDuration = 20 * time.Millisecond
	VideoFrameDuration = 33 * time.Millisecond
)

// FrameDurationFor returns the pacing interval used for a track kind.
func FrameDurationFor(kind Kind) time.Duration {
	if kind == Video {
		return VideoFrameDuration
	}
	return AudioFrameDuration
}
