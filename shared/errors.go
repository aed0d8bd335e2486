package shared

import "errors"

// Failure taxonomy for a call attempt. These are handled inside the
// controller: surfaced as a notice to the UI and followed by a full
// teardown back to idle. Nothing is retried automatically.
var (
	ErrPermissionDenied  = errors.New("media permission denied")
	ErrDeviceNotFound    = errors.New("media device not found")
	ErrDeviceUnavailable = errors.New("media device unavailable")
	ErrNegotiationFailed = errors.New("negotiation failed")
	ErrBusy              = errors.New("remote party is busy")
)

// Guard errors returned by the controller's public surface.
var (
	ErrNoLogger         = errors.New("no logger provided")
	ErrNoChannel        = errors.New("no signal channel provided")
	ErrNoDeviceGateway  = errors.New("no device gateway provided")
	ErrControllerClosed = errors.New("controller closed")
	ErrChannelClosed    = errors.New("signal channel closed")
	ErrAlreadyStarted   = errors.New("controller already started")
	ErrNotStarted       = errors.New("controller not started")
	ErrCallInProgress   = errors.New("a call is already in progress")
	ErrNoIncomingCall   = errors.New("no incoming call to answer")
	ErrNoActiveCall     = errors.New("no active call")
	ErrNotVideoCall     = errors.New("not a video call")
	ErrHandlerSet       = errors.New("handler already set")
	ErrNoAPIKey         = errors.New("no API key provided")
)
