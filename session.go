package callkit

import (
	"time"

	"github.com/google/uuid"
)

// Status is the call state on one participant's side.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusCalling   Status = "calling"
	StatusIncoming  Status = "incoming"
	StatusConnected Status = "connected"
	// StatusEnded is transient: it holds just long enough for the UI to
	// show "call ended", then reverts to idle.
	StatusEnded Status = "ended"
)

// CallMode selects voice-only or voice+video. Both run the same state
// machine.
type CallMode string

const (
	ModeVoice CallMode = "voice"
	ModeVideo CallMode = "video"
)

// CallSession is the ephemeral per-side record of one call attempt. It lives
// in memory only; a new attempt gets a new session. At most one non-idle
// session exists per controller.
type CallSession struct {
	ID          uuid.UUID
	Status      Status
	LocalUserID string
	Remote      Participant
	Mode        CallMode
	IsMuted     bool
	IsCameraOff bool
	ConnectedAt time.Time
	EndedAt     time.Time

	// The caller's initial offer, buffered between the incoming
	// notification and the user's accept/decline decision. Scoped to this
	// session and cleared on every exit transition.
	pendingOffer string
}

func newIdleSession(localUserID string) *CallSession {
	return &CallSession{
		ID:          uuid.New(),
		Status:      StatusIdle,
		LocalUserID: localUserID,
		Mode:        ModeVoice,
	}
}

func (s *CallSession) active() bool {
	return s.Status != StatusIdle
}

// Duration reports how long the call has been connected, zero before the
// transport is established. For an ended call it is the final duration.
func (s *CallSession) Duration(now time.Time) time.Duration {
	if s.ConnectedAt.IsZero() {
		return 0
	}
	if !s.EndedAt.IsZero() {
		return s.EndedAt.Sub(s.ConnectedAt)
	}
	return now.Sub(s.ConnectedAt)
}
