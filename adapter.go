package callkit

import (
	"context"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/drivelink/callkit/media"
	"github.com/drivelink/callkit/shared"
)

// AdapterEventKind enumerates what a negotiator can report back to the
// controller.
type AdapterEventKind int

const (
	// AdapterSignal carries a negotiation blob that must be relayed to
	// the remote peer.
	AdapterSignal AdapterEventKind = iota
	// AdapterTrack announces remote media to bind to a playback surface.
	AdapterTrack
	// AdapterConnected fires once when the transport is fully
	// established.
	AdapterConnected
	// AdapterFailed reports a negotiation or transport failure; the
	// controller always follows it with a full teardown.
	AdapterFailed
	// AdapterClosed reports that the transport was torn down.
	AdapterClosed
)

// AdapterEvent is one message from the negotiator to the controller. Which
// fields are set depends on Kind.
type AdapterEvent struct {
	Kind    AdapterEventKind
	Payload string
	Track   *webrtc.TrackRemote
	Err     error
}

// Negotiator turns local media plus remote signaling blobs into a live
// bidirectional media stream. Swapping the implementation must not change
// controller behavior; the controller consumes this contract only.
type Negotiator interface {
	Events() <-chan AdapterEvent
	ApplyRemoteDescription(payload string) error
	ApplyRemoteCandidate(payload string) error
	Close() error
}

// NegotiatorFactory builds a Negotiator for one call attempt. isInitiator
// chooses the offer/answer role.
type NegotiatorFactory func(logger shared.LoggerAdapter, cfg webrtc.Configuration, isInitiator bool, local media.Stream) (Negotiator, error)

const adapterEventDepth = 32

// PeerAdapter is the pion-backed Negotiator. Negotiation is one
// consolidated exchange: the local description is published only after
// candidate gathering completes, so the relay's lack of cross-message
// ordering can never deliver a candidate ahead of the description it
// belongs to.
type PeerAdapter struct {
	logger      shared.LoggerAdapter
	pc          *webrtc.PeerConnection
	isInitiator bool

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	events    chan AdapterEvent
	closed    bool
	connected bool
}

var _ Negotiator = (*PeerAdapter)(nil)

// NewPeerAdapter creates the transport for one call attempt, wires the
// local capture tracks into it, and, when initiating, starts producing the
// offer immediately.
func NewPeerAdapter(logger shared.LoggerAdapter, cfg webrtc.Configuration, isInitiator bool, local media.Stream) (Negotiator, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &PeerAdapter{
		logger:      logger,
		pc:          pc,
		isInitiator: isInitiator,
		ctx:         ctx,
		cancel:      cancel,
		events:      make(chan AdapterEvent, adapterEventDepth),
	}

	if err := a.addLocalTracks(local); err != nil {
		cancel()
		_ = pc.Close()
		return nil, err
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		a.logger.Info("remote track received",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType),
		)
		a.emit(AdapterEvent{Kind: AdapterTrack, Track: track})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		a.logger.Debug("peer connection state changed", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateConnected:
			a.mu.Lock()
			already := a.connected
			a.connected = true
			a.mu.Unlock()
			if !already {
				a.emit(AdapterEvent{Kind: AdapterConnected})
			}
		case webrtc.PeerConnectionStateFailed:
			a.emit(AdapterEvent{Kind: AdapterFailed, Err: shared.ErrNegotiationFailed})
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			a.emit(AdapterEvent{Kind: AdapterClosed})
		}
	})

	if isInitiator {
		go a.produceOffer()
	}
	return a, nil
}

func (a *PeerAdapter) addLocalTracks(local media.Stream) error {
	if local == nil {
		return nil
	}
	for _, src := range local.AudioTracks() {
		out, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		}, "audio", "callkit")
		if err != nil {
			return fmt.Errorf("creating local audio track: %w", err)
		}
		if _, err := a.pc.AddTrack(out); err != nil {
			return fmt.Errorf("adding audio track: %w", err)
		}
		go media.PumpTrack(a.ctx, a.logger, out, src, local, media.Audio, media.FrameDurationFor(media.Audio))
	}
	for _, src := range local.VideoTracks() {
		out, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, "video", "callkit")
		if err != nil {
			return fmt.Errorf("creating local video track: %w", err)
		}
		if _, err := a.pc.AddTrack(out); err != nil {
			return fmt.Errorf("adding video track: %w", err)
		}
		go media.PumpTrack(a.ctx, a.logger, out, src, local, media.Video, media.FrameDurationFor(media.Video))
	}
	return nil
}

func (a *PeerAdapter) Events() <-chan AdapterEvent {
	return a.events
}

// ApplyRemoteDescription feeds the remote offer or answer into the
// transport. On the responder side, applying an offer also starts producing
// the answer.
func (a *PeerAdapter) ApplyRemoteDescription(payload string) error {
	var desc webrtc.SessionDescription
	if err := sonic.Unmarshal([]byte(payload), &desc); err != nil {
		return fmt.Errorf("decoding remote description: %w", err)
	}
	if err := a.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("applying remote description: %w", err)
	}
	if !a.isInitiator && desc.Type == webrtc.SDPTypeOffer {
		go a.produceAnswer()
	}
	return nil
}

func (a *PeerAdapter) ApplyRemoteCandidate(payload string) error {
	var init webrtc.ICECandidateInit
	if err := sonic.Unmarshal([]byte(payload), &init); err != nil {
		return fmt.Errorf("decoding remote candidate: %w", err)
	}
	if err := a.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("applying remote candidate: %w", err)
	}
	return nil
}

func (a *PeerAdapter) produceOffer() {
	offer, err := a.pc.CreateOffer(nil)
	if err != nil {
		a.fail(fmt.Errorf("creating offer: %w", err))
		return
	}
	a.publishLocalDescription(offer)
}

func (a *PeerAdapter) produceAnswer() {
	answer, err := a.pc.CreateAnswer(nil)
	if err != nil {
		a.fail(fmt.Errorf("creating answer: %w", err))
		return
	}
	a.publishLocalDescription(answer)
}

func (a *PeerAdapter) publishLocalDescription(desc webrtc.SessionDescription) {
	gathered := webrtc.GatheringCompletePromise(a.pc)
	if err := a.pc.SetLocalDescription(desc); err != nil {
		a.fail(fmt.Errorf("setting local description: %w", err))
		return
	}
	select {
	case <-gathered:
	case <-a.ctx.Done():
		return
	}
	local := a.pc.LocalDescription()
	if local == nil {
		a.fail(fmt.Errorf("no local description after gathering"))
		return
	}
	blob, err := sonic.Marshal(local)
	if err != nil {
		a.fail(fmt.Errorf("encoding local description: %w", err))
		return
	}
	a.emit(AdapterEvent{Kind: AdapterSignal, Payload: string(blob)})
}

func (a *PeerAdapter) fail(err error) {
	a.logger.Error("negotiation failed", err)
	a.emit(AdapterEvent{Kind: AdapterFailed, Err: fmt.Errorf("%w: %v", shared.ErrNegotiationFailed, err)})
}

func (a *PeerAdapter) emit(ev AdapterEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.events <- ev:
	default:
		a.logger.Warn("adapter event queue full, dropping event", zap.Int("kind", int(ev.Kind)))
	}
}

// Close tears the transport down. Idempotent; no events are delivered after
// it returns.
func (a *PeerAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.events)
	a.mu.Unlock()

	a.cancel()
	if err := a.pc.Close(); err != nil {
		return fmt.Errorf("closing peer connection: %w", err)
	}
	return nil
}
