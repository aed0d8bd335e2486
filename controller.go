package callkit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/drivelink/callkit/media"
	"github.com/drivelink/callkit/relay"
	"github.com/drivelink/callkit/shared"
)

// NoticeKind classifies the transient, user-visible events the controller
// surfaces. Failures are never propagated to the UI as errors mid-call;
// they arrive here and the session is already back on its way to idle.
type NoticeKind string

const (
	NoticeIncomingCall      NoticeKind = "incoming-call"
	NoticeCallConnected     NoticeKind = "call-connected"
	NoticeCallEnded         NoticeKind = "call-ended"
	NoticePermissionDenied  NoticeKind = "permission-denied"
	NoticeDeviceUnavailable NoticeKind = "device-unavailable"
	NoticeNegotiationFailed NoticeKind = "negotiation-failed"
	NoticeBusy              NoticeKind = "busy"
	NoticeNoAnswer          NoticeKind = "no-answer"
	NoticeMissedCall        NoticeKind = "missed-call"
)

type Notice struct {
	Kind        NoticeKind
	Participant Participant
	Err         error
}

type NoticeHandler func(Notice)

// LocalStreamHandler is the binding point for the local preview surface.
// It is invoked with the acquired stream when a call attempt begins and
// with nil when the session tears down.
type LocalStreamHandler func(media.Stream)

// RemoteTrackHandler is the binding point for remote playback surfaces.
type RemoteTrackHandler func(*webrtc.TrackRemote)

// CallController owns the call state machine. It orchestrates the device
// gateway, the negotiator and the relay channel, and exposes the surface
// the UI consumes. All methods are safe for concurrent use.
type CallController struct {
	logger    shared.LoggerAdapter
	cfg       Config
	self      Participant
	channel   relay.Channel
	devices   media.DeviceGateway
	negotiate NegotiatorFactory

	onNotice NoticeHandler
	onLocal  LocalStreamHandler
	onRemote RemoteTrackHandler

	mu      sync.Mutex
	started bool
	closed  bool
	sess    *CallSession
	adapter Negotiator
	stream  media.Stream
	// gen invalidates timers and adapter loops that belong to a previous
	// session; it is bumped on every teardown.
	gen         uint64
	ringTimer   *time.Timer
	lingerTimer *time.Timer

	cancelSub func()
}

// NewCallController wires a controller for self against the given relay
// channel and device gateway. Handlers are registered before Start.
func NewCallController(
	logger shared.LoggerAdapter,
	cfg Config,
	self Participant,
	channel relay.Channel,
	devices media.DeviceGateway,
) (*CallController, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if self.UserID == "" {
		return nil, fmt.Errorf("no local user ID provided")
	}
	if channel == nil {
		return nil, shared.ErrNoChannel
	}
	if devices == nil {
		return nil, shared.ErrNoDeviceGateway
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &CallController{
		logger:    logger.With(zap.String("user_id", self.UserID)),
		cfg:       cfg,
		self:      self,
		channel:   channel,
		devices:   devices,
		negotiate: NewPeerAdapter,
		sess:      newIdleSession(self.UserID),
	}, nil
}

// SetNegotiatorFactory swaps the negotiation engine. Must be called before
// Start.
func (c *CallController) SetNegotiatorFactory(f NegotiatorFactory) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return shared.ErrAlreadyStarted
	}
	if f == nil {
		return errors.New("factory is required")
	}
	c.negotiate = f
	return nil
}

func (c *CallController) RegisterNoticeHandler(h NoticeHandler) error {
	return c.register(func() { c.onNotice = h }, h == nil, c.onNotice != nil)
}

func (c *CallController) RegisterLocalStreamHandler(h LocalStreamHandler) error {
	return c.register(func() { c.onLocal = h }, h == nil, c.onLocal != nil)
}

func (c *CallController) RegisterRemoteTrackHandler(h RemoteTrackHandler) error {
	return c.register(func() { c.onRemote = h }, h == nil, c.onRemote != nil)
}

func (c *CallController) register(set func(), isNil, isSet bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return shared.ErrAlreadyStarted
	}
	if isNil {
		return errors.New("handler is required")
	}
	if isSet {
		return shared.ErrHandlerSet
	}
	set()
	return nil
}

// Start opens the controller's inbox on the relay and begins dispatching
// inbound signals.
func (c *CallController) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return shared.ErrControllerClosed
	}
	if c.started {
		return shared.ErrAlreadyStarted
	}
	inbox, cancel, err := c.channel.Subscribe(c.self.UserID)
	if err != nil {
		return fmt.Errorf("subscribing to relay inbox: %w", err)
	}
	c.cancelSub = cancel
	c.started = true
	go c.dispatchLoop(inbox)
	c.logger.Info("call controller started")
	return nil
}

// Close tears down any active call and detaches from the relay.
func (c *CallController) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancelSub
	c.cancelSub = nil
	if c.sess.active() && c.sess.Status != StatusEnded {
		c.publish(c.sess.Remote.UserID, SignalMessage{Type: SignalEndCall})
	}
	c.teardownLocked(false)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.clearLocalBinding()
	c.logger.Info("call controller closed")
	return nil
}

// StartCall originates a call to target. Media is acquired first; the offer
// is produced by the negotiator and published to the target's inbox. The
// session rings in calling until the remote answers, declines, or the ring
// timeout expires.
func (c *CallController) StartCall(ctx context.Context, target Participant, mode CallMode) error {
	c.mu.Lock()
	if err := c.operable(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.sess.active() {
		c.mu.Unlock()
		return shared.ErrCallInProgress
	}
	if target.UserID == "" || target.UserID == c.self.UserID {
		c.mu.Unlock()
		return fmt.Errorf("invalid call target %q", target.UserID)
	}
	if mode == "" {
		mode = ModeVoice
	}

	stream, err := c.devices.Acquire(ctx, c.cfg.MediaConstraints(mode))
	if err != nil {
		c.mu.Unlock()
		c.notify(deviceNotice(err))
		return err
	}
	adapter, err := c.negotiate(c.logger, c.cfg.WebRTC(), true, stream)
	if err != nil {
		stream.Close()
		c.mu.Unlock()
		err = fmt.Errorf("%w: %v", shared.ErrNegotiationFailed, err)
		c.notify(Notice{Kind: NoticeNegotiationFailed, Participant: target, Err: err})
		return err
	}

	sess := newIdleSession(c.self.UserID)
	sess.Status = StatusCalling
	sess.Remote = target
	sess.Mode = mode
	c.sess = sess
	c.stream = stream
	c.adapter = adapter
	c.armRingTimer()
	gen := c.gen
	go c.adapterLoop(gen, adapter, target, true)
	c.mu.Unlock()

	if c.onLocal != nil {
		c.onLocal(stream)
	}
	c.logger.Info("call started",
		zap.String("target", target.UserID),
		zap.String("mode", string(mode)),
	)
	return nil
}

// AcceptCall answers the ringing incoming call: acquires media, creates the
// responder-side negotiator and feeds it the buffered offer. The session
// reaches connected only when the transport reports it.
func (c *CallController) AcceptCall(ctx context.Context) error {
	c.mu.Lock()
	if err := c.operable(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.sess.Status != StatusIncoming {
		c.mu.Unlock()
		return shared.ErrNoIncomingCall
	}
	offer := c.sess.pendingOffer
	remote := c.sess.Remote
	mode := c.sess.Mode

	stream, err := c.devices.Acquire(ctx, c.cfg.MediaConstraints(mode))
	if err != nil {
		c.publish(remote.UserID, SignalMessage{Type: SignalEndCall})
		c.teardownLocked(false)
		c.mu.Unlock()
		c.clearLocalBinding()
		c.notify(deviceNotice(err))
		return err
	}
	adapter, err := c.negotiate(c.logger, c.cfg.WebRTC(), false, stream)
	if err == nil {
		err = adapter.ApplyRemoteDescription(offer)
		if err != nil {
			_ = adapter.Close()
		}
	}
	if err != nil {
		stream.Close()
		c.publish(remote.UserID, SignalMessage{Type: SignalEndCall})
		c.teardownLocked(false)
		c.mu.Unlock()
		c.clearLocalBinding()
		err = fmt.Errorf("%w: %v", shared.ErrNegotiationFailed, err)
		c.notify(Notice{Kind: NoticeNegotiationFailed, Participant: remote, Err: err})
		return err
	}

	c.sess.pendingOffer = ""
	c.stream = stream
	c.adapter = adapter
	// The ring timer keeps running: it now bounds negotiation instead of
	// the user's decision, and the connect event stops it.
	gen := c.gen
	go c.adapterLoop(gen, adapter, remote, false)
	c.mu.Unlock()

	if c.onLocal != nil {
		c.onLocal(stream)
	}
	c.logger.Info("call accepted", zap.String("caller", remote.UserID))
	return nil
}

// DeclineCall rejects the ringing incoming call. No media was ever
// acquired on this side; the caller is told the call is over.
func (c *CallController) DeclineCall() error {
	c.mu.Lock()
	if err := c.operable(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.sess.Status != StatusIncoming {
		c.mu.Unlock()
		return shared.ErrNoIncomingCall
	}
	remote := c.sess.Remote
	c.publish(remote.UserID, SignalMessage{Type: SignalEndCall})
	c.teardownLocked(false)
	c.mu.Unlock()

	c.logger.Info("call declined", zap.String("caller", remote.UserID))
	return nil
}

// EndCall hangs up the active call. Calling it with no call in progress is
// a no-op, so a local hangup racing a remote end-call never double-releases
// anything.
func (c *CallController) EndCall() error {
	c.mu.Lock()
	if c.closed || !c.sess.active() || c.sess.Status == StatusEnded {
		c.mu.Unlock()
		return nil
	}
	remote := c.sess.Remote
	c.publish(remote.UserID, SignalMessage{Type: SignalEndCall})
	c.teardownLocked(true)
	c.mu.Unlock()

	c.clearLocalBinding()
	c.logger.Info("call ended", zap.String("remote", remote.UserID))
	return nil
}

// ToggleMute flips the local audio track's enabled flag without
// renegotiating. Returns the new muted state.
func (c *CallController) ToggleMute() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return false, shared.ErrNoActiveCall
	}
	c.sess.IsMuted = !c.sess.IsMuted
	c.stream.SetEnabled(media.Audio, !c.sess.IsMuted)
	return c.sess.IsMuted, nil
}

// ToggleCamera flips the local video track's enabled flag without
// renegotiating. Returns the new camera-off state.
func (c *CallController) ToggleCamera() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return false, shared.ErrNoActiveCall
	}
	if c.sess.Mode != ModeVideo {
		return false, shared.ErrNotVideoCall
	}
	c.sess.IsCameraOff = !c.sess.IsCameraOff
	c.stream.SetEnabled(media.Video, !c.sess.IsCameraOff)
	return c.sess.IsCameraOff, nil
}

// Status reports the current call state.
func (c *CallController) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.Status
}

// Session returns a copy of the current call session.
func (c *CallController) Session() CallSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := *c.sess
	s.pendingOffer = ""
	return s
}

// RemoteParticipant reports who the other side is, zero while idle.
func (c *CallController) RemoteParticipant() Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.Remote
}

func (c *CallController) IsMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.IsMuted
}

func (c *CallController) IsCameraOff() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.IsCameraOff
}

// Duration reports how long the current call has been connected.
func (c *CallController) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.Duration(time.Now())
}

func (c *CallController) operable() error {
	if c.closed {
		return shared.ErrControllerClosed
	}
	if !c.started {
		return shared.ErrNotStarted
	}
	return nil
}

func (c *CallController) dispatchLoop(inbox <-chan relay.Envelope) {
	for env := range inbox {
		c.handleSignal(env)
	}
	c.logger.Debug("relay inbox closed")
}

func (c *CallController) handleSignal(env relay.Envelope) {
	msg, err := DecodeSignal(env.Data)
	if err != nil {
		c.logger.Warn("discarding invalid signal", zap.Error(err), zap.String("from", env.From))
		return
	}
	switch msg.Type {
	case SignalOffer:
		c.handleOffer(msg)
	case SignalAnswer:
		c.handleAnswer(msg)
	case SignalCandidate:
		c.handleCandidate(msg)
	case SignalEndCall:
		c.handleEndCall()
	case SignalBusy:
		c.handleBusy()
	}
}

func (c *CallController) handleOffer(msg SignalMessage) {
	caller := *msg.Caller
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.sess.active() {
		// Busy: the existing session is left untouched and the second
		// caller is told explicitly instead of ringing out.
		c.publish(caller.UserID, SignalMessage{Type: SignalBusy})
		c.mu.Unlock()
		c.logger.Info("rejected offer while busy", zap.String("caller", caller.UserID))
		return
	}
	mode := msg.Mode
	if mode == "" {
		mode = ModeVoice
	}
	c.sess = newIdleSession(c.self.UserID)
	c.sess.Status = StatusIncoming
	c.sess.Remote = caller
	c.sess.Mode = mode
	c.sess.pendingOffer = msg.Payload
	c.armRingTimer()
	c.mu.Unlock()

	c.notify(Notice{Kind: NoticeIncomingCall, Participant: caller})
	c.logger.Info("incoming call",
		zap.String("caller", caller.UserID),
		zap.String("mode", string(mode)),
	)
}

func (c *CallController) handleAnswer(msg SignalMessage) {
	c.mu.Lock()
	if c.sess.Status != StatusCalling || c.adapter == nil {
		c.mu.Unlock()
		c.logger.Debug("ignoring answer outside calling state")
		return
	}
	adapter := c.adapter
	remote := c.sess.Remote
	c.mu.Unlock()

	if err := adapter.ApplyRemoteDescription(msg.Payload); err != nil {
		c.logger.Error("applying remote answer", err)
		c.abortCall(remote, err)
	}
}

func (c *CallController) handleCandidate(msg SignalMessage) {
	c.mu.Lock()
	adapter := c.adapter
	c.mu.Unlock()
	if adapter == nil {
		return
	}
	if err := adapter.ApplyRemoteCandidate(msg.Payload); err != nil {
		c.logger.Warn("applying remote candidate failed", zap.Error(err))
	}
}

func (c *CallController) handleEndCall() {
	c.mu.Lock()
	if !c.sess.active() || c.sess.Status == StatusEnded {
		c.mu.Unlock()
		return
	}
	remote := c.sess.Remote
	wasIncoming := c.sess.Status == StatusIncoming
	// No reply: the remote initiated this and already knows.
	c.teardownLocked(!wasIncoming)
	c.mu.Unlock()

	c.clearLocalBinding()
	c.notify(Notice{Kind: NoticeCallEnded, Participant: remote})
	c.logger.Info("remote ended the call", zap.String("remote", remote.UserID))
}

func (c *CallController) handleBusy() {
	c.mu.Lock()
	if c.sess.Status != StatusCalling {
		c.mu.Unlock()
		return
	}
	remote := c.sess.Remote
	c.teardownLocked(true)
	c.mu.Unlock()

	c.clearLocalBinding()
	c.notify(Notice{Kind: NoticeBusy, Participant: remote, Err: shared.ErrBusy})
	c.logger.Info("remote is busy", zap.String("remote", remote.UserID))
}

// adapterLoop consumes one negotiator's events until its channel closes.
// Every action checks that the session generation still matches, so events
// from a torn-down adapter can never touch a newer session.
func (c *CallController) adapterLoop(gen uint64, adapter Negotiator, remote Participant, isInitiator bool) {
	for ev := range adapter.Events() {
		switch ev.Kind {
		case AdapterSignal:
			c.mu.Lock()
			if c.gen != gen {
				c.mu.Unlock()
				continue
			}
			msg := SignalMessage{Type: SignalAnswer, Payload: ev.Payload}
			if isInitiator {
				msg = SignalMessage{
					Type:    SignalOffer,
					Payload: ev.Payload,
					Caller:  &c.self,
					Mode:    c.sess.Mode,
				}
			}
			c.publish(remote.UserID, msg)
			c.mu.Unlock()

		case AdapterTrack:
			c.mu.Lock()
			stale := c.gen != gen
			c.mu.Unlock()
			if stale {
				continue
			}
			if c.onRemote != nil {
				c.onRemote(ev.Track)
			}

		case AdapterConnected:
			c.mu.Lock()
			if c.gen != gen {
				c.mu.Unlock()
				continue
			}
			c.stopRingTimer()
			c.sess.Status = StatusConnected
			c.sess.ConnectedAt = time.Now()
			c.mu.Unlock()
			c.notify(Notice{Kind: NoticeCallConnected, Participant: remote})
			c.logger.Info("call connected", zap.String("remote", remote.UserID))

		case AdapterFailed:
			c.mu.Lock()
			if c.gen != gen {
				c.mu.Unlock()
				continue
			}
			c.publish(remote.UserID, SignalMessage{Type: SignalEndCall})
			c.teardownLocked(true)
			c.mu.Unlock()
			c.clearLocalBinding()
			c.notify(Notice{Kind: NoticeNegotiationFailed, Participant: remote, Err: ev.Err})
			c.logger.Error("transport failed", ev.Err, zap.String("remote", remote.UserID))

		case AdapterClosed:
			c.mu.Lock()
			if c.gen != gen {
				c.mu.Unlock()
				continue
			}
			// The transport died without an end-call signal (peer
			// crashed or network dropped). Same teardown, nothing to
			// publish.
			c.teardownLocked(true)
			c.mu.Unlock()
			c.clearLocalBinding()
			c.notify(Notice{Kind: NoticeCallEnded, Participant: remote})
			c.logger.Info("transport closed", zap.String("remote", remote.UserID))
		}
	}
}

// abortCall tears down after a local negotiation failure and informs the
// remote side.
func (c *CallController) abortCall(remote Participant, cause error) {
	c.mu.Lock()
	if !c.sess.active() || c.sess.Status == StatusEnded {
		c.mu.Unlock()
		return
	}
	c.publish(remote.UserID, SignalMessage{Type: SignalEndCall})
	c.teardownLocked(true)
	c.mu.Unlock()

	c.clearLocalBinding()
	c.notify(Notice{
		Kind:        NoticeNegotiationFailed,
		Participant: remote,
		Err:         fmt.Errorf("%w: %v", shared.ErrNegotiationFailed, cause),
	})
}

// teardownLocked releases the adapter and media stream and moves the
// session out of its active state. With linger the session shows ended
// briefly before reverting to idle; without it the reset is immediate.
// Caller holds c.mu.
func (c *CallController) teardownLocked(linger bool) {
	c.gen++
	c.stopRingTimer()
	if c.lingerTimer != nil {
		c.lingerTimer.Stop()
		c.lingerTimer = nil
	}
	if c.adapter != nil {
		if err := c.adapter.Close(); err != nil {
			c.logger.Warn("closing adapter failed", zap.Error(err))
		}
		c.adapter = nil
	}
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
	c.sess.pendingOffer = ""

	if !linger || c.cfg.EndedLinger == 0 {
		c.sess = newIdleSession(c.self.UserID)
		return
	}
	c.sess.Status = StatusEnded
	c.sess.EndedAt = time.Now()
	gen := c.gen
	c.lingerTimer = time.AfterFunc(time.Duration(c.cfg.EndedLinger), func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen == gen && c.sess.Status == StatusEnded {
			c.sess = newIdleSession(c.self.UserID)
		}
	})
}

func (c *CallController) armRingTimer() {
	c.stopRingTimer()
	gen := c.gen
	c.ringTimer = time.AfterFunc(time.Duration(c.cfg.RingTimeout), func() {
		c.ringExpired(gen)
	})
}

func (c *CallController) stopRingTimer() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

// ringExpired cancels a call attempt nobody answered: the caller side hangs
// up and releases its media, the callee side stops ringing and records a
// missed call.
func (c *CallController) ringExpired(gen uint64) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	remote := c.sess.Remote
	switch c.sess.Status {
	case StatusCalling:
		c.publish(remote.UserID, SignalMessage{Type: SignalEndCall})
		c.teardownLocked(true)
		c.mu.Unlock()
		c.clearLocalBinding()
		c.notify(Notice{Kind: NoticeNoAnswer, Participant: remote})
		c.logger.Info("no answer", zap.String("remote", remote.UserID))
	case StatusIncoming:
		c.teardownLocked(false)
		c.mu.Unlock()
		c.notify(Notice{Kind: NoticeMissedCall, Participant: remote})
		c.logger.Info("missed call", zap.String("caller", remote.UserID))
	default:
		c.mu.Unlock()
	}
}

// publish encodes and fires a signal at target's inbox. Failures are
// logged, not propagated: the relay is fire-and-forget.
func (c *CallController) publish(target string, msg SignalMessage) {
	data, err := msg.Encode()
	if err != nil {
		c.logger.Error("encoding outbound signal", err, zap.String("type", string(msg.Type)))
		return
	}
	if err := c.channel.Publish(target, data); err != nil {
		c.logger.Warn("publishing signal failed",
			zap.Error(err),
			zap.String("type", string(msg.Type)),
			zap.String("target", target),
		)
	}
}

func (c *CallController) notify(n Notice) {
	if c.onNotice != nil {
		c.onNotice(n)
	}
}

func (c *CallController) clearLocalBinding() {
	if c.onLocal != nil {
		c.onLocal(nil)
	}
}

func deviceNotice(err error) Notice {
	kind := NoticeDeviceUnavailable
	if errors.Is(err, shared.ErrPermissionDenied) {
		kind = NoticePermissionDenied
	}
	return Notice{Kind: kind, Err: err}
}
