package callkit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivelink/callkit/media"
	"github.com/drivelink/callkit/relay"
	"github.com/drivelink/callkit/shared"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeStream struct {
	mu      sync.Mutex
	enabled map[media.Kind]bool
	closes  int
}

func newFakeStream() *fakeStream {
	return &fakeStream{enabled: map[media.Kind]bool{media.Audio: true, media.Video: true}}
}

func (s *fakeStream) AudioTracks() []mediadevices.Track { return nil }
func (s *fakeStream) VideoTracks() []mediadevices.Track { return nil }

func (s *fakeStream) SetEnabled(kind media.Kind, enabled bool) {
	s.mu.Lock()
	s.enabled[kind] = enabled
	s.mu.Unlock()
}

func (s *fakeStream) Enabled(kind media.Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled[kind]
}

func (s *fakeStream) Close() {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
}

func (s *fakeStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type fakeGateway struct {
	mu       sync.Mutex
	err      error
	acquired []*fakeStream
}

func (g *fakeGateway) Acquire(_ context.Context, _ media.Constraints) (media.Stream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	s := newFakeStream()
	g.acquired = append(g.acquired, s)
	return s, nil
}

func (g *fakeGateway) acquireCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.acquired)
}

func (g *fakeGateway) lastStream() *fakeStream {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.acquired) == 0 {
		return nil
	}
	return g.acquired[len(g.acquired)-1]
}

type fakeAdapter struct {
	mu          sync.Mutex
	events      chan AdapterEvent
	applied     []string
	candidates  []string
	closed      bool
	isInitiator bool
}

func (a *fakeAdapter) Events() <-chan AdapterEvent { return a.events }

func (a *fakeAdapter) ApplyRemoteDescription(payload string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, payload)
	return nil
}

func (a *fakeAdapter) ApplyRemoteCandidate(payload string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.candidates = append(a.candidates, payload)
	return nil
}

func (a *fakeAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	return nil
}

// push delivers an event unless the adapter has been torn down.
func (a *fakeAdapter) push(ev AdapterEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.events <- ev
}

func (a *fakeAdapter) appliedPayloads() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.applied...)
}

type fakeEngine struct {
	mu       sync.Mutex
	adapters []*fakeAdapter
}

func (e *fakeEngine) factory(_ shared.LoggerAdapter, _ webrtc.Configuration, isInitiator bool, _ media.Stream) (Negotiator, error) {
	a := &fakeAdapter{events: make(chan AdapterEvent, 8), isInitiator: isInitiator}
	e.mu.Lock()
	e.adapters = append(e.adapters, a)
	e.mu.Unlock()
	return a, nil
}

func (e *fakeEngine) adapter(i int) *fakeAdapter {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i >= len(e.adapters) {
		return nil
	}
	return e.adapters[i]
}

func (e *fakeEngine) last() *fakeAdapter {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.adapters) == 0 {
		return nil
	}
	return e.adapters[len(e.adapters)-1]
}

type noticeRec struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *noticeRec) handle(n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *noticeRec) has(kind NoticeKind) bool {
	return r.count(kind) > 0
}

func (r *noticeRec) count(kind NoticeKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, notice := range r.notices {
		if notice.Kind == kind {
			n++
		}
	}
	return n
}

type peer struct {
	ctrl    *CallController
	gateway *fakeGateway
	engine  *fakeEngine
	notices *noticeRec
	who     Participant
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RingTimeout = Duration(500 * time.Millisecond)
	cfg.EndedLinger = Duration(200 * time.Millisecond)
	return cfg
}

func newPeer(t *testing.T, broker relay.Channel, userID string) *peer {
	t.Helper()
	p := &peer{
		gateway: &fakeGateway{},
		engine:  &fakeEngine{},
		notices: &noticeRec{},
		who:     Participant{UserID: userID, Name: userID},
	}
	ctrl, err := NewCallController(shared.NewNopLogger(), testConfig(), p.who, broker, p.gateway)
	require.NoError(t, err)
	require.NoError(t, ctrl.SetNegotiatorFactory(p.engine.factory))
	require.NoError(t, ctrl.RegisterNoticeHandler(p.notices.handle))
	require.NoError(t, ctrl.Start())
	t.Cleanup(func() { _ = ctrl.Close() })
	p.ctrl = ctrl
	return p
}

func waitStatus(t *testing.T, c *CallController, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Status() == want }, waitFor, tick,
		"expected status %s, have %s", want, c.Status())
}

// connect drives a full accepted call between two peers and leaves both
// sides connected.
func connect(t *testing.T, caller, callee *peer) (callerAdapter, calleeAdapter *fakeAdapter) {
	t.Helper()
	require.NoError(t, caller.ctrl.StartCall(context.Background(), callee.who, ModeVoice))
	callerAdapter = caller.engine.last()
	require.NotNil(t, callerAdapter)
	callerAdapter.push(AdapterEvent{Kind: AdapterSignal, Payload: "offer-sdp"})

	waitStatus(t, callee.ctrl, StatusIncoming)
	require.NoError(t, callee.ctrl.AcceptCall(context.Background()))
	calleeAdapter = callee.engine.last()
	require.NotNil(t, calleeAdapter)
	assert.Equal(t, []string{"offer-sdp"}, calleeAdapter.appliedPayloads())

	calleeAdapter.push(AdapterEvent{Kind: AdapterSignal, Payload: "answer-sdp"})
	require.Eventually(t, func() bool {
		applied := callerAdapter.appliedPayloads()
		return len(applied) == 1 && applied[0] == "answer-sdp"
	}, waitFor, tick)

	callerAdapter.push(AdapterEvent{Kind: AdapterConnected})
	calleeAdapter.push(AdapterEvent{Kind: AdapterConnected})
	waitStatus(t, caller.ctrl, StatusConnected)
	waitStatus(t, callee.ctrl, StatusConnected)
	return callerAdapter, calleeAdapter
}

func TestCallAcceptedBothSidesConnect(t *testing.T) {
	broker := relay.NewMemory(shared.NewNopLogger())
	alice := newPeer(t, broker.Sender("alice"), "alice")
	bob := newPeer(t, broker.Sender("bob"), "bob")

	require.NoError(t, alice.ctrl.StartCall(context.Background(), bob.who, ModeVoice))
	assert.Equal(t, StatusCalling, alice.ctrl.Status())

	callerAdapter := alice.engine.adapter(0)
	require.NotNil(t, callerAdapter)
	callerAdapter.push(AdapterEvent{Kind: AdapterSignal, Payload: "offer-sdp"})

	waitStatus(t, bob.ctrl, StatusIncoming)
	assert.True(t, bob.notices.has(NoticeIncomingCall))
	assert.Equal(t, "alice", bob.ctrl.RemoteParticipant().UserID)

	require.NoError(t, bob.ctrl.AcceptCall(context.Background()))
	calleeAdapter := bob.engine.adapter(0)
	require.NotNil(t, calleeAdapter)
	calleeAdapter.push(AdapterEvent{Kind: AdapterSignal, Payload: "answer-sdp"})

	require.Eventually(t, func() bool {
		return len(callerAdapter.appliedPayloads()) == 1
	}, waitFor, tick)

	// The duration clock must not start at accept: until the transport
	// reports connect, neither side is connected.
	assert.NotEqual(t, StatusConnected, alice.ctrl.Status())
	assert.NotEqual(t, StatusConnected, bob.ctrl.Status())
	assert.Zero(t, bob.ctrl.Session().ConnectedAt)

	callerAdapter.push(AdapterEvent{Kind: AdapterConnected})
	calleeAdapter.push(AdapterEvent{Kind: AdapterConnected})
	waitStatus(t, alice.ctrl, StatusConnected)
	waitStatus(t, bob.ctrl, StatusConnected)
	assert.False(t, alice.ctrl.Session().ConnectedAt.IsZero())
	assert.True(t, alice.notices.has(NoticeCallConnected))
}

func TestCallDeclined(t *testing.T) {
	broker := relay.NewMemory(shared.NewNopLogger())
	alice := newPeer(t, broker.Sender("alice"), "alice")
	bob := newPeer(t, broker.Sender("bob"), "bob")

	require.NoError(t, alice.ctrl.StartCall(context.Background(), bob.who, ModeVoice))
	alice.engine.adapter(0).push(AdapterEvent{Kind: AdapterSignal, Payload: "offer-sdp"})
	waitStatus(t, bob.ctrl, StatusIncoming)

	require.NoError(t, bob.ctrl.DeclineCall())
	assert.Equal(t, StatusIdle, bob.ctrl.Status())
	// Declining never touches the callee's devices.
	assert.Zero(t, bob.gateway.acquireCount())

	waitStatus(t, alice.ctrl, StatusIdle)
	assert.True(t, alice.notices.has(NoticeCallEnded))
	assert.Equal(t, 1, alice.gateway.lastStream().closeCount())
}

func TestOfferWhileBusyLeavesSessionUntouched(t *testing.T) {
	broker := relay.NewMemory(shared.NewNopLogger())
	alice := newPeer(t, broker.Sender("alice"), "alice")
	bob := newPeer(t, broker.Sender("bob"), "bob")
	carol := newPeer(t, broker.Sender("carol"), "carol")

	connect(t, alice, bob)

	require.NoError(t, carol.ctrl.StartCall(context.Background(), bob.who, ModeVoice))
	carol.engine.adapter(0).push(AdapterEvent{Kind: AdapterSignal, Payload: "offer-sdp-2"})

	waitStatus(t, carol.ctrl, StatusIdle)
	assert.True(t, carol.notices.has(NoticeBusy))

	// The existing call is unaffected and bob never rang a second time.
	assert.Equal(t, StatusConnected, bob.ctrl.Status())
	assert.Equal(t, "alice", bob.ctrl.RemoteParticipant().UserID)
	assert.Equal(t, 1, bob.notices.count(NoticeIncomingCall))
}

func TestPermissionDeniedNeverSignals(t *testing.T) {
	counting := &countingChannel{Channel: relay.NewMemory(shared.NewNopLogger())}
	alice := newPeer(t, counting, "alice")
	alice.gateway.err = shared.ErrPermissionDenied

	err := alice.ctrl.StartCall(context.Background(), Participant{UserID: "bob"}, ModeVideo)
	require.ErrorIs(t, err, shared.ErrPermissionDenied)
	assert.Equal(t, StatusIdle, alice.ctrl.Status())
	assert.True(t, alice.notices.has(NoticePermissionDenied))
	assert.Zero(t, counting.count())
}

func TestToggleMuteDoesNotRenegotiate(t *testing.T) {
	broker := relay.NewMemory(shared.NewNopLogger())
	alice := newPeer(t, broker.Sender("alice"), "alice")
	bob := newPeer(t, broker.Sender("bob"), "bob")
	connect(t, alice, bob)

	muted, err := alice.ctrl.ToggleMute()
	require.NoError(t, err)
	assert.True(t, muted)
	assert.False(t, alice.gateway.lastStream().Enabled(media.Audio))

	muted, err = alice.ctrl.ToggleMute()
	require.NoError(t, err)
	assert.False(t, muted)
	assert.True(t, alice.gateway.lastStream().Enabled(media.Audio))

	// Toggling is local only: both sides stay connected.
	assert.Equal(t, StatusConnected, alice.ctrl.Status())
	assert.Equal(t, StatusConnected, bob.ctrl.Status())
}

func TestToggleCameraRequiresVideoCall(t *testing.T) {
	broker := relay.NewMemory(shared.NewNopLogger())
	alice := newPeer(t, broker.Sender("alice"), "alice")
	bob := newPeer(t, broker.Sender("bob"), "bob")
	connect(t, alice, bob)

	_, err := alice.ctrl.ToggleCamera()
	assert.ErrorIs(t, err, shared.ErrNotVideoCall)
}

func TestEndCallIsIdempotent(t *testing.T) {
	broker := relay.NewMemory(shared.NewNopLogger())
	alice := newPeer(t, broker.Sender("alice"), "alice")
	bob := newPeer(t, broker.Sender("bob"), "bob")
	connect(t, alice, bob)

	require.NoError(t, alice.ctrl.EndCall())
	require.NoError(t, alice.ctrl.EndCall())
	assert.Equal(t, 1, alice.gateway.lastStream().closeCount())

	assert.Equal(t, StatusEnded, alice.ctrl.Status())
	waitStatus(t, alice.ctrl, StatusIdle)
	waitStatus(t, bob.ctrl, StatusIdle)
	assert.True(t, bob.notices.has(NoticeCallEnded))
	assert.Equal(t, 1, bob.gateway.lastStream().closeCount())
}

func TestRemoteEndCallRacingLocalEnd(t *testing.T) {
	broker := relay.NewMemory(shared.NewNopLogger())
	alice := newPeer(t, broker.Sender("alice"), "alice")
	bob := newPeer(t, broker.Sender("bob"), "bob")
	connect(t, alice, bob)

	require.NoError(t, bob.ctrl.EndCall())
	require.NoError(t, alice.ctrl.EndCall())
	waitStatus(t, alice.ctrl, StatusIdle)
	waitStatus(t, bob.ctrl, StatusIdle)
	assert.Equal(t, 1, alice.gateway.lastStream().closeCount())
	assert.Equal(t, 1, bob.gateway.lastStream().closeCount())
}

func TestRingTimeoutReleasesCallerMedia(t *testing.T) {
	broker := relay.NewMemory(shared.NewNopLogger())
	alice := newPeer(t, broker.Sender("alice"), "alice")

	// Nobody is subscribed as bob: the offer vanishes, exactly like an
	// offline callee.
	require.NoError(t, alice.ctrl.StartCall(context.Background(), Participant{UserID: "bob"}, ModeVoice))
	alice.engine.adapter(0).push(AdapterEvent{Kind: AdapterSignal, Payload: "offer-sdp"})

	waitStatus(t, alice.ctrl, StatusIdle)
	assert.True(t, alice.notices.has(NoticeNoAnswer))
	assert.Equal(t, 1, alice.gateway.lastStream().closeCount())
}

func TestUnansweredIncomingBecomesMissedCall(t *testing.T) {
	broker := relay.NewMemory(shared.NewNopLogger())
	bob := newPeer(t, broker.Sender("bob"), "bob")

	// The offer is injected directly so there is no caller-side ring timer
	// racing bob's: the caller has silently gone away.
	offer := SignalMessage{
		Type:    SignalOffer,
		Payload: "offer-sdp",
		Caller:  &Participant{UserID: "alice", Name: "alice"},
		Mode:    ModeVoice,
	}
	data, err := offer.Encode()
	require.NoError(t, err)
	require.NoError(t, broker.Publish("bob", data))
	waitStatus(t, bob.ctrl, StatusIncoming)

	waitStatus(t, bob.ctrl, StatusIdle)
	assert.True(t, bob.notices.has(NoticeMissedCall))
	assert.Zero(t, bob.gateway.acquireCount())
}

func TestAdapterFailureTearsDownToIdle(t *testing.T) {
	broker := relay.NewMemory(shared.NewNopLogger())
	alice := newPeer(t, broker.Sender("alice"), "alice")
	bob := newPeer(t, broker.Sender("bob"), "bob")
	callerAdapter, _ := connect(t, alice, bob)

	callerAdapter.push(AdapterEvent{Kind: AdapterFailed, Err: shared.ErrNegotiationFailed})
	waitStatus(t, alice.ctrl, StatusIdle)
	assert.True(t, alice.notices.has(NoticeNegotiationFailed))
	assert.Equal(t, 1, alice.gateway.lastStream().closeCount())

	// The failing side hangs up, so the peer converges to idle too.
	waitStatus(t, bob.ctrl, StatusIdle)
}

func TestStartCallWhileActiveRejected(t *testing.T) {
	broker := relay.NewMemory(shared.NewNopLogger())
	alice := newPeer(t, broker.Sender("alice"), "alice")
	bob := newPeer(t, broker.Sender("bob"), "bob")
	connect(t, alice, bob)

	err := alice.ctrl.StartCall(context.Background(), Participant{UserID: "carol"}, ModeVoice)
	assert.ErrorIs(t, err, shared.ErrCallInProgress)
	assert.Equal(t, 1, alice.gateway.acquireCount())
}

func TestAcceptWithoutIncomingRejected(t *testing.T) {
	broker := relay.NewMemory(shared.NewNopLogger())
	alice := newPeer(t, broker.Sender("alice"), "alice")

	assert.ErrorIs(t, alice.ctrl.AcceptCall(context.Background()), shared.ErrNoIncomingCall)
	assert.ErrorIs(t, alice.ctrl.DeclineCall(), shared.ErrNoIncomingCall)
}

func TestAcquireReleaseAlwaysPaired(t *testing.T) {
	broker := relay.NewMemory(shared.NewNopLogger())
	alice := newPeer(t, broker.Sender("alice"), "alice")
	bob := newPeer(t, broker.Sender("bob"), "bob")

	connect(t, alice, bob)
	require.NoError(t, alice.ctrl.EndCall())
	waitStatus(t, alice.ctrl, StatusIdle)
	waitStatus(t, bob.ctrl, StatusIdle)

	connect(t, alice, bob)
	require.NoError(t, bob.ctrl.EndCall())
	waitStatus(t, alice.ctrl, StatusIdle)
	waitStatus(t, bob.ctrl, StatusIdle)

	for _, p := range []*peer{alice, bob} {
		p.gateway.mu.Lock()
		streams := append([]*fakeStream(nil), p.gateway.acquired...)
		p.gateway.mu.Unlock()
		require.Len(t, streams, 2)
		for _, s := range streams {
			assert.Equal(t, 1, s.closeCount())
		}
	}
}

type countingChannel struct {
	relay.Channel
	mu sync.Mutex
	n  int
}

func (c *countingChannel) Publish(target string, data []byte) error {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	return c.Channel.Publish(target, data)
}

func (c *countingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
