package call

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/videoroom/internal/config"
	"github.com/wilsonzlin/videoroom/internal/media"
	"github.com/wilsonzlin/videoroom/internal/metrics"
	"github.com/wilsonzlin/videoroom/internal/negotiator"
	"github.com/wilsonzlin/videoroom/internal/signaling"
)

const (
	selfPeerID   = "peer-self"
	remotePeerID = "peer-remote"
	remotePartID = "bob_1700000000000_abcdefghi"
)

// fakeChannel is a Channel whose inbound events are pushed by the test.
type fakeChannel struct {
	connectErr   error
	blockConnect bool
	entered      chan struct{}

	mu     sync.Mutex
	sent   []signaling.Message
	closed bool

	events chan signaling.Event
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan signaling.Event, 32), entered: make(chan struct{})}
}

func (c *fakeChannel) Connect(ctx context.Context) error {
	close(c.entered)
	if c.blockConnect {
		<-ctx.Done()
		return ctx.Err()
	}
	if c.connectErr != nil {
		return c.connectErr
	}
	c.events <- signaling.Event{Kind: signaling.EventConnected, TransportPeerID: selfPeerID}
	return nil
}

func (c *fakeChannel) Send(ctx context.Context, msg signaling.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return signaling.ErrClosed
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) Events() <-chan signaling.Event { return c.events }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) sentTypes() []signaling.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []signaling.Type
	for _, m := range c.sent {
		out = append(out, m.Type)
	}
	return out
}

func (c *fakeChannel) sentOf(typ signaling.Type) []signaling.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []signaling.Message
	for _, m := range c.sent {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeChannel) deliver(msg signaling.Message) {
	c.events <- signaling.Event{Kind: signaling.EventMessage, Message: msg}
}

// stubTransport accepts every negotiation step and lets the test drive the
// connection state through its handlers.
type stubTransport struct {
	h negotiator.Handlers

	mu      sync.Mutex
	remote  bool
	kinds   []webrtc.RTPCodecType
	current map[webrtc.RTPCodecType]webrtc.TrackLocal
	closed  bool
}

func (t *stubTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (t *stubTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (t *stubTransport) SetLocalDescription(webrtc.SessionDescription) error { return nil }

func (t *stubTransport) SetRemoteDescription(webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remote = true
	return nil
}

func (t *stubTransport) Rollback() error { return nil }

func (t *stubTransport) HasRemoteDescription() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

func (t *stubTransport) AddICECandidate(webrtc.ICECandidateInit) error { return nil }

func (t *stubTransport) AddTrack(track webrtc.TrackLocal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.kinds = append(t.kinds, track.Kind())
	t.current[track.Kind()] = track
	return nil
}

func (t *stubTransport) AddRecvOnly(webrtc.RTPCodecType) error { return nil }

func (t *stubTransport) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.current[kind]; !ok {
		return negotiator.ErrNoSender
	}
	t.current[kind] = track
	return nil
}

func (t *stubTransport) sending(kind webrtc.RTPCodecType) webrtc.TrackLocal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current[kind]
}

func (t *stubTransport) SignalingState() webrtc.SignalingState { return webrtc.SignalingStateStable }

func (t *stubTransport) ConnectionState() webrtc.PeerConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return webrtc.PeerConnectionStateClosed
	}
	return webrtc.PeerConnectionStateNew
}

func (t *stubTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

type stubFactory struct {
	mu      sync.Mutex
	created []*stubTransport
}

func (f *stubFactory) NewTransport(h negotiator.Handlers) (negotiator.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &stubTransport{h: h, current: map[webrtc.RTPCodecType]webrtc.TrackLocal{}}
	f.created = append(f.created, t)
	return t, nil
}

func (f *stubFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *stubFactory) last(t *testing.T) *stubTransport {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		t.Fatalf("no transport created")
	}
	return f.created[len(f.created)-1]
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool {
	return !t.stopped.Swap(true)
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) timer(t *testing.T, i int) *fakeTimer {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 {
		i += len(c.timers)
	}
	if i < 0 || i >= len(c.timers) {
		t.Fatalf("timer %d of %d", i, len(c.timers))
	}
	return c.timers[i]
}

func (c *fakeClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

type harness struct {
	o        *Orchestrator
	ch       *fakeChannel
	factory  *stubFactory
	capturer *media.SyntheticCapturer
	clock    *fakeClock
	metrics  *metrics.Metrics
	statuses chan StatusChange
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		ch:       newFakeChannel(),
		factory:  &stubFactory{},
		capturer: &media.SyntheticCapturer{},
		clock:    &fakeClock{now: time.Unix(1_700_000_000, 0)},
		metrics:  metrics.New(),
		statuses: make(chan StatusChange, 64),
	}
	opts := Options{
		Config: config.Config{
			RoomID:             "room1",
			UserID:             "alice",
			UserName:           "Alice",
			Video:              true,
			Media:              config.DefaultMediaBounds,
			NegotiationTimeout: 30 * time.Second,
			GlarePolicy:        config.GlarePolicyNone,
		},
		Capturer:   h.capturer,
		Transports: h.factory,
		Dial:       func(signaling.Params) (signaling.Channel, error) { return h.ch, nil },
		Metrics:    h.metrics,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:        h.clock.Now,
		AfterFunc:  h.clock.AfterFunc,
	}
	if mutate != nil {
		mutate(&opts)
	}
	o, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	o.OnStatus(func(c StatusChange) { h.statuses <- c })
	t.Cleanup(o.End)
	h.o = o
	return h
}

func (h *harness) expectStatus(t *testing.T, want Status) StatusChange {
	t.Helper()
	select {
	case c := <-h.statuses:
		if c.Status != want {
			t.Fatalf("status=%q (detail %q), want %q", c.Status, c.Detail, want)
		}
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for status %q (current %q)", want, h.o.Status())
	}
	return StatusChange{}
}

func (h *harness) expectNoStatus(t *testing.T) {
	t.Helper()
	select {
	case c := <-h.statuses:
		t.Fatalf("unexpected status %q (detail %q)", c.Status, c.Detail)
	case <-time.After(100 * time.Millisecond):
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.expectStatus(t, StatusConnecting)
	h.expectStatus(t, StatusWaiting)
}

// connect runs the offerer path up to a connected transport.
func (h *harness) connect(t *testing.T) *stubTransport {
	t.Helper()
	h.ch.deliver(signaling.Message{Type: signaling.TypeParticipantJoined, ParticipantID: remotePartID, TransportPeerID: remotePeerID})
	h.expectStatus(t, StatusConnectingPeer)
	tr := h.factory.last(t)
	tr.h.OnConnectionState(webrtc.PeerConnectionStateConnected)
	h.expectStatus(t, StatusConnected)
	return tr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStart_JoinsAndWaits(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	if got := h.o.Lifecycle(); got != LifecycleActive {
		t.Fatalf("lifecycle=%s, want active", got)
	}
	joins := h.ch.sentOf(signaling.TypeJoin)
	if len(joins) != 1 {
		t.Fatalf("join messages=%d, want 1", len(joins))
	}
	if joins[0].RoomID != "room1" || joins[0].ParticipantID != h.o.Session().ParticipantID {
		t.Fatalf("join=%+v, want room1/%s", joins[0], h.o.Session().ParticipantID)
	}
	if h.o.LocalMedia() == nil || h.o.LocalMedia().Video() == nil || h.o.LocalMedia().Audio() == nil {
		t.Fatalf("local media missing tracks")
	}
	if got := h.clock.timer(t, -1).d; got != 30*time.Second {
		t.Fatalf("watchdog=%s, want 30s", got)
	}

	// A second Start is a no-op.
	if err := h.o.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if got := len(h.ch.sentOf(signaling.TypeJoin)); got != 1 {
		t.Fatalf("join messages after second Start=%d, want 1", got)
	}
}

func TestParticipantJoined_OffersAndConnects(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	tr := h.connect(t)

	offers := h.ch.sentOf(signaling.TypeOffer)
	if len(offers) != 1 {
		t.Fatalf("offers=%d, want 1", len(offers))
	}
	if offers[0].ParticipantID != h.o.Session().ParticipantID {
		t.Fatalf("offer participantId=%q, want %q", offers[0].ParticipantID, h.o.Session().ParticipantID)
	}
	if len(tr.kinds) != 2 {
		t.Fatalf("transport tracks=%v, want audio and video", tr.kinds)
	}
	if got := h.o.CallStartedAt(); !got.Equal(h.clock.Now()) {
		t.Fatalf("CallStartedAt=%v, want %v", got, h.clock.Now())
	}
	h.clock.Advance(5 * time.Second)
	if got := h.o.Duration(); got != 5*time.Second {
		t.Fatalf("Duration=%s, want 5s", got)
	}
	if !h.clock.timer(t, -1).stopped.Load() {
		t.Fatalf("watchdog still armed after connect")
	}
	if got := h.metrics.Get(metrics.CallConnected); got != 1 {
		t.Fatalf("connected metric=%d, want 1", got)
	}
}

func TestOffer_SendsAnswer(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	idx := uint16(0)
	h.ch.deliver(signaling.Message{
		Type:            signaling.TypeCandidate,
		Candidate:       &signaling.Candidate{Candidate: "candidate:1 1 udp 1 10.0.0.2 5000 typ host", SDPMLineIndex: &idx},
		ParticipantID:   remotePartID,
		TransportPeerID: remotePeerID,
	})
	h.ch.deliver(signaling.Message{
		Type:            signaling.TypeOffer,
		SDP:             &signaling.SessionDescription{Type: "offer", SDP: "v=0 remote"},
		ParticipantID:   remotePartID,
		TransportPeerID: remotePeerID,
	})
	h.expectStatus(t, StatusConnectingPeer)

	waitFor(t, "answer", func() bool { return len(h.ch.sentOf(signaling.TypeAnswer)) == 1 })
	if got := h.metrics.Get(metrics.CallOffersReceived); got != 1 {
		t.Fatalf("offers received=%d, want 1", got)
	}
}

func TestSelfMessagesDiscarded(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.ch.deliver(signaling.Message{Type: signaling.TypeParticipantJoined, ParticipantID: h.o.Session().ParticipantID, TransportPeerID: selfPeerID})
	h.ch.deliver(signaling.Message{
		Type:            signaling.TypeOffer,
		SDP:             &signaling.SessionDescription{Type: "offer", SDP: "v=0 echo"},
		ParticipantID:   h.o.Session().ParticipantID,
		TransportPeerID: selfPeerID,
	})

	waitFor(t, "discards", func() bool { return h.metrics.Get(metrics.CallSelfDiscarded) == 2 })
	h.expectNoStatus(t)
	if got := h.ch.sentTypes(); len(got) != 1 || got[0] != signaling.TypeJoin {
		t.Fatalf("sent=%v, want only join", got)
	}
}

func TestWatchdog_FailsStuckNegotiation(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.ch.deliver(signaling.Message{Type: signaling.TypeParticipantJoined, ParticipantID: remotePartID, TransportPeerID: remotePeerID})
	h.expectStatus(t, StatusConnectingPeer)

	// The timer armed on entering waiting was replaced and must be ignored.
	h.clock.timer(t, 0).f()
	h.expectNoStatus(t)

	h.clock.timer(t, -1).f()
	c := h.expectStatus(t, StatusFailed)
	if c.Detail != DetailConnectionTimeout {
		t.Fatalf("detail=%q, want %q", c.Detail, DetailConnectionTimeout)
	}
	if !errors.Is(h.o.LastError(), ErrNegotiationTimeout) {
		t.Fatalf("LastError=%v, want ErrNegotiationTimeout", h.o.LastError())
	}
	if got := h.metrics.Get(metrics.CallWatchdogFired); got != 1 {
		t.Fatalf("watchdog metric=%d, want 1", got)
	}
}

func TestWatchdog_IgnoredAfterConnect(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.connect(t)

	h.clock.timer(t, -1).f()
	h.expectNoStatus(t)
	if got := h.o.Status(); got != StatusConnected {
		t.Fatalf("status=%q, want connected", got)
	}
}

func TestTransportStates(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	tr := h.connect(t)

	tr.h.OnConnectionState(webrtc.PeerConnectionStateDisconnected)
	h.expectStatus(t, StatusDisconnected)

	tr.h.OnConnectionState(webrtc.PeerConnectionStateConnected)
	h.expectStatus(t, StatusConnected)

	tr.h.OnConnectionState(webrtc.PeerConnectionStateFailed)
	c := h.expectStatus(t, StatusFailed)
	if c.Detail != DetailTransportFailed || !errors.Is(c.Err, ErrTransportFailure) {
		t.Fatalf("change=%+v, want transport failure", c)
	}
}

func TestParticipantLeft_ReturnsToWaiting(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	tr := h.connect(t)
	timers := h.clock.count()

	h.ch.deliver(signaling.Message{Type: signaling.TypeParticipantLeft, ParticipantID: remotePartID, TransportPeerID: remotePeerID})
	h.expectStatus(t, StatusWaiting)

	if !h.o.CallStartedAt().IsZero() {
		t.Fatalf("CallStartedAt not cleared")
	}
	if h.clock.count() != timers+1 {
		t.Fatalf("watchdog not re-armed")
	}
	waitFor(t, "transport closed", func() bool { return tr.ConnectionState() == webrtc.PeerConnectionStateClosed })

	// A new participant starts a fresh negotiation.
	h.connect(t)
}

func TestSignalingDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.ch.events <- signaling.Event{Kind: signaling.EventDisconnected, Err: io.EOF}
	h.expectStatus(t, StatusDisconnected)
}

func TestSignalingErrorKeepsStatus(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.ch.events <- signaling.Event{
		Kind:    signaling.EventError,
		Message: signaling.Message{Type: signaling.TypeError, Code: "rate_limited", Message: "too many messages"},
		Err:     errors.New("relay error"),
	}
	c := h.expectStatus(t, StatusWaiting)
	if c.Detail != "too many messages" {
		t.Fatalf("detail=%q, want relay message", c.Detail)
	}
}

func TestStart_MediaFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.capturer.FailVideo = true
	h.capturer.FailAudio = true

	err := h.o.Start(context.Background())
	if !errors.Is(err, media.ErrMediaAccess) {
		t.Fatalf("Start err=%v, want ErrMediaAccess", err)
	}
	h.expectStatus(t, StatusConnecting)
	c := h.expectStatus(t, StatusError)
	if c.Detail != media.AccessErrorMessage {
		t.Fatalf("detail=%q, want %q", c.Detail, media.AccessErrorMessage)
	}
	if got := h.o.Lifecycle(); got != LifecycleClosed {
		t.Fatalf("lifecycle=%s, want closed", got)
	}
	if h.ch.isClosed() || len(h.ch.sentTypes()) != 0 {
		t.Fatalf("signaling was used after media failure")
	}
	select {
	case <-h.o.Done():
	default:
		t.Fatalf("Done not closed after failed Start")
	}
}

func TestStart_AudioOnlyFallback(t *testing.T) {
	h := newHarness(t, nil)
	h.capturer.FailVideo = true
	h.start(t)

	if h.o.LocalMedia().Video() != nil {
		t.Fatalf("video track present after fallback")
	}
	if h.o.ToggleVideo() {
		t.Fatalf("ToggleVideo without camera returned true")
	}
}

func TestStart_ConnectFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.ch.connectErr = errors.New("dial refused")

	if err := h.o.Start(context.Background()); err == nil {
		t.Fatalf("Start succeeded, want error")
	}
	h.expectStatus(t, StatusConnecting)
	c := h.expectStatus(t, StatusError)
	if c.Detail != DetailConnectFailed {
		t.Fatalf("detail=%q, want %q", c.Detail, DetailConnectFailed)
	}
	if !errors.Is(h.o.LastError(), signaling.ErrConnect) {
		t.Fatalf("LastError=%v, want ErrConnect", h.o.LastError())
	}
	if !h.ch.isClosed() {
		t.Fatalf("channel not closed")
	}
	for _, tr := range h.capturer.Issued() {
		if !tr.Stopped() {
			t.Fatalf("track %s not released", tr.ID())
		}
	}
}

func TestEnd_DuringStart(t *testing.T) {
	h := newHarness(t, nil)
	h.ch.blockConnect = true

	errCh := make(chan error, 1)
	go func() { errCh <- h.o.Start(context.Background()) }()

	select {
	case <-h.ch.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("Start never reached Connect")
	}
	h.o.End()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrEnded) {
			t.Fatalf("Start err=%v, want ErrEnded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Start did not return after End")
	}
	if got := h.o.Lifecycle(); got != LifecycleClosed {
		t.Fatalf("lifecycle=%s, want closed", got)
	}
	for _, tr := range h.capturer.Issued() {
		if !tr.Stopped() {
			t.Fatalf("track %s not released", tr.ID())
		}
	}
}

func TestEnd_Idempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	tr := h.connect(t)

	h.o.End()
	h.expectStatus(t, StatusDisconnected)
	if got := tr.ConnectionState(); got != webrtc.PeerConnectionStateClosed {
		t.Fatalf("transport state=%s after End, want closed", got)
	}
	h.o.End()
	h.expectNoStatus(t)

	select {
	case <-h.o.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("event loop did not exit")
	}
	if !h.ch.isClosed() {
		t.Fatalf("channel not closed")
	}
	for _, tr := range h.capturer.Issued() {
		if !tr.Stopped() {
			t.Fatalf("track %s not released", tr.ID())
		}
	}
	if h.o.LocalMedia() != nil || !h.o.CallStartedAt().IsZero() {
		t.Fatalf("state not cleared after End")
	}
	if err := h.o.Start(context.Background()); err != nil {
		t.Fatalf("Start after End: %v", err)
	}
	if got := h.o.Lifecycle(); got != LifecycleClosed {
		t.Fatalf("lifecycle after restart attempt=%s, want closed", got)
	}
	if err := h.o.SendMessage(context.Background(), "hi"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("SendMessage after End err=%v, want ErrNotActive", err)
	}
}

func TestEnd_FromEveryState(t *testing.T) {
	for _, tc := range []struct {
		name  string
		setup func(t *testing.T, h *harness)
		want  Status
	}{
		{
			name:  "waiting",
			setup: func(t *testing.T, h *harness) {},
			want:  StatusWaiting,
		},
		{
			name: "waiting after peer left",
			setup: func(t *testing.T, h *harness) {
				h.connect(t)
				h.ch.deliver(signaling.Message{Type: signaling.TypeParticipantLeft, ParticipantID: remotePartID, TransportPeerID: remotePeerID})
				h.expectStatus(t, StatusWaiting)
			},
			want: StatusWaiting,
		},
		{
			name: "connecting-peer",
			setup: func(t *testing.T, h *harness) {
				h.ch.deliver(signaling.Message{Type: signaling.TypeParticipantJoined, ParticipantID: remotePartID, TransportPeerID: remotePeerID})
				h.expectStatus(t, StatusConnectingPeer)
			},
			want: StatusConnectingPeer,
		},
		{
			name: "failed transport",
			setup: func(t *testing.T, h *harness) {
				tr := h.connect(t)
				tr.h.OnConnectionState(webrtc.PeerConnectionStateFailed)
				h.expectStatus(t, StatusFailed)
			},
			want: StatusFailed,
		},
		{
			name: "failed by timeout",
			setup: func(t *testing.T, h *harness) {
				h.clock.timer(t, -1).f()
				h.expectStatus(t, StatusFailed)
			},
			want: StatusFailed,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.start(t)
			tc.setup(t, h)
			if got := h.o.Status(); got != tc.want {
				t.Fatalf("status before End=%q, want %q", got, tc.want)
			}
			bundle := h.o.LocalMedia()

			h.o.End()
			h.expectStatus(t, StatusDisconnected)

			if got := bundle.Active(); got != 0 {
				t.Fatalf("active tracks=%d after End, want 0", got)
			}
			h.factory.mu.Lock()
			transports := append([]*stubTransport(nil), h.factory.created...)
			h.factory.mu.Unlock()
			for i, tr := range transports {
				if got := tr.ConnectionState(); got != webrtc.PeerConnectionStateClosed {
					t.Fatalf("transport %d state=%s after End, want closed", i, got)
				}
			}
			for i := 0; i < h.clock.count(); i++ {
				if !h.clock.timer(t, i).stopped.Load() {
					t.Fatalf("watchdog timer %d still armed after End", i)
				}
			}
			if got := h.o.Lifecycle(); got != LifecycleClosed {
				t.Fatalf("lifecycle=%s, want closed", got)
			}
		})
	}
}

// recordHook runs fn the first time a record with message msg is logged.
type recordHook struct {
	msg  string
	fn   func()
	once *sync.Once
}

func (h recordHook) Enabled(context.Context, slog.Level) bool { return true }

func (h recordHook) Handle(_ context.Context, r slog.Record) error {
	if r.Message == h.msg {
		h.once.Do(h.fn)
	}
	return nil
}

func (h recordHook) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h recordHook) WithGroup(string) slog.Handler      { return h }

func TestEnd_AfterChannelJoinedDuringStart(t *testing.T) {
	var h *harness
	h = newHarness(t, func(o *Options) {
		o.Logger = slog.New(recordHook{
			msg:  "joined signaling channel",
			fn:   func() { h.o.End() },
			once: &sync.Once{},
		})
	})

	err := h.o.Start(context.Background())
	if !errors.Is(err, ErrEnded) {
		t.Fatalf("Start err=%v, want ErrEnded", err)
	}
	if got := h.o.Status(); got != StatusDisconnected {
		t.Fatalf("status=%q after End, want disconnected", got)
	}
	if got := h.o.Lifecycle(); got != LifecycleClosed {
		t.Fatalf("lifecycle=%s, want closed", got)
	}
	if h.clock.count() == 0 {
		t.Fatalf("no watchdog armed")
	}
	for i := 0; i < h.clock.count(); i++ {
		if !h.clock.timer(t, i).stopped.Load() {
			t.Fatalf("watchdog timer %d still armed after End", i)
		}
	}
	if got := len(h.ch.sentOf(signaling.TypeJoin)); got != 0 {
		t.Fatalf("join sent after End")
	}

	// The last status delivered to subscribers is the terminal one.
	var last StatusChange
drain:
	for {
		select {
		case c := <-h.statuses:
			last = c
		case <-time.After(100 * time.Millisecond):
			break drain
		}
	}
	if last.Status != StatusDisconnected {
		t.Fatalf("last delivered status=%q, want disconnected", last.Status)
	}
}

func TestWatchdog_FailsWhileWaiting(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	// Nobody joins; the timer armed on entering waiting fires.
	h.clock.timer(t, -1).f()
	c := h.expectStatus(t, StatusFailed)
	if c.Detail != DetailConnectionTimeout {
		t.Fatalf("detail=%q, want %q", c.Detail, DetailConnectionTimeout)
	}
	if !errors.Is(h.o.LastError(), ErrNegotiationTimeout) {
		t.Fatalf("LastError=%v, want ErrNegotiationTimeout", h.o.LastError())
	}
	if h.factory.count() != 0 {
		t.Fatalf("transports=%d, want 0", h.factory.count())
	}
}

func TestStaleTransportEventAfterParticipantLeft(t *testing.T) {
	h := newHarness(t, nil)
	gate := make(chan struct{})
	blocked := make(chan struct{})
	h.o.OnMessage(func(m signaling.ChatMessage) {
		if m.Text == "hold" {
			close(blocked)
			<-gate
		}
	})
	h.start(t)
	tr := h.connect(t)

	h.o.mu.Lock()
	neg := h.o.neg
	h.o.mu.Unlock()

	// Park the event loop so the transport event stays buffered.
	h.ch.deliver(signaling.Message{
		Type:            signaling.TypeChatMessage,
		Chat:            &signaling.ChatMessage{ID: "m1", Sender: "bob", Text: "hold", Timestamp: 1},
		ParticipantID:   remotePartID,
		TransportPeerID: remotePeerID,
	})
	<-blocked
	tr.h.OnConnectionState(webrtc.PeerConnectionStateDisconnected)
	tr.h.OnConnectionState(webrtc.PeerConnectionStateConnected)
	var stale negotiator.Event
	for i := 0; i < 2; i++ {
		select {
		case stale = <-neg.Events():
		case <-time.After(time.Second):
			t.Fatalf("no transport event buffered")
		}
	}
	if stale.Kind != negotiator.EventConnected {
		t.Fatalf("buffered event=%v, want connected", stale.Kind)
	}
	close(gate)

	h.ch.deliver(signaling.Message{Type: signaling.TypeParticipantLeft, ParticipantID: remotePartID, TransportPeerID: remotePeerID})
	h.expectStatus(t, StatusWaiting)

	h.o.handleNegotiatorEvent(neg, stale)
	h.expectNoStatus(t)
	if got := h.o.Status(); got != StatusWaiting {
		t.Fatalf("status=%q, want waiting", got)
	}
	if !h.o.CallStartedAt().IsZero() {
		t.Fatalf("CallStartedAt set by a stale event")
	}
}

func TestToggles_DoNotSignal(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.connect(t)
	before := len(h.ch.sentTypes())

	if h.o.ToggleVideo() {
		t.Fatalf("first ToggleVideo returned true")
	}
	if h.o.VideoEnabled() {
		t.Fatalf("video still enabled")
	}
	if !h.o.ToggleVideo() || !h.o.VideoEnabled() {
		t.Fatalf("second ToggleVideo did not re-enable")
	}
	if h.o.ToggleAudio() || h.o.AudioEnabled() {
		t.Fatalf("ToggleAudio did not disable")
	}
	if got := len(h.ch.sentTypes()); got != before {
		t.Fatalf("toggles sent %d messages", got-before)
	}
	if h.factory.count() != 1 {
		t.Fatalf("toggles created transports")
	}
}

func TestChat(t *testing.T) {
	h := newHarness(t, nil)
	received := make(chan signaling.ChatMessage, 4)
	h.o.OnMessage(func(m signaling.ChatMessage) { received <- m })
	h.start(t)

	if err := h.o.SendMessage(context.Background(), "   "); err != nil {
		t.Fatalf("blank SendMessage: %v", err)
	}
	if err := h.o.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	local := <-received
	if local.Sender != "Alice" || local.Text != "hello" || local.ID == "" {
		t.Fatalf("local=%+v", local)
	}
	if local.Timestamp != h.clock.Now().UnixMilli() {
		t.Fatalf("timestamp=%d, want %d", local.Timestamp, h.clock.Now().UnixMilli())
	}
	sent := h.ch.sentOf(signaling.TypeChatMessage)
	if len(sent) != 1 || sent[0].Chat.ID != local.ID {
		t.Fatalf("sent chats=%+v, want one with id %s", sent, local.ID)
	}

	// The relay echo of our own message is dropped; the peer's is kept.
	echo := signaling.Chat(local, h.o.Session().ParticipantID)
	echo.TransportPeerID = selfPeerID
	h.ch.deliver(echo)
	remote := signaling.Chat(signaling.ChatMessage{ID: "r1", Sender: "Bob", Text: "hi", Timestamp: 1}, remotePartID)
	remote.TransportPeerID = remotePeerID
	h.ch.deliver(remote)

	select {
	case got := <-received:
		if got.ID != "r1" {
			t.Fatalf("received %+v, want remote message r1", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("remote chat not delivered")
	}
	msgs := h.o.Messages()
	if len(msgs) != 2 || msgs[0].ID != local.ID || msgs[1].ID != "r1" {
		t.Fatalf("messages=%+v, want local then remote", msgs)
	}
}

func TestChat_DefaultSender(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Config.UserName = "" })
	h.start(t)

	if err := h.o.SendMessage(context.Background(), "hi"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got := h.o.Messages()[0].Sender; got != config.DefaultUserName {
		t.Fatalf("sender=%q, want %q", got, config.DefaultUserName)
	}
}

func TestShareScreen_ReplacesAndRestoresCamera(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	tr := h.connect(t)
	camera := h.o.LocalMedia().Video()

	if err := h.o.ShareScreen(context.Background()); err != nil {
		t.Fatalf("ShareScreen: %v", err)
	}
	if !h.o.Sharing() {
		t.Fatalf("Sharing=false after ShareScreen")
	}
	screen := h.o.LocalMedia().Screen()
	if got := tr.sending(webrtc.RTPCodecTypeVideo); got != screen.Local() {
		t.Fatalf("video sender not switched to screen")
	}

	if err := h.o.StopShareScreen(); err != nil {
		t.Fatalf("StopShareScreen: %v", err)
	}
	if h.o.Sharing() || !screen.Stopped() {
		t.Fatalf("screen share still active")
	}
	if got := tr.sending(webrtc.RTPCodecTypeVideo); got != camera.Local() {
		t.Fatalf("video sender not restored to camera")
	}
}

func TestShareScreen_SourceEndedRestoresCamera(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	tr := h.connect(t)
	camera := h.o.LocalMedia().Video()

	if err := h.o.ShareScreen(context.Background()); err != nil {
		t.Fatalf("ShareScreen: %v", err)
	}
	screen, ok := h.o.LocalMedia().Screen().(*media.SyntheticTrack)
	if !ok {
		t.Fatalf("screen is %T, want synthetic", h.o.LocalMedia().Screen())
	}
	screen.End()

	waitFor(t, "camera restored", func() bool { return tr.sending(webrtc.RTPCodecTypeVideo) == camera.Local() })
	if h.o.Sharing() {
		t.Fatalf("Sharing=true after source ended")
	}
}

func TestShareScreen_Errors(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.o.ShareScreen(context.Background()); !errors.Is(err, ErrNotActive) {
		t.Fatalf("ShareScreen before Start err=%v, want ErrNotActive", err)
	}

	h.start(t)
	h.capturer.FailDisplay = true
	if err := h.o.ShareScreen(context.Background()); !errors.Is(err, media.ErrSyntheticDenied) {
		t.Fatalf("ShareScreen err=%v, want ErrSyntheticDenied", err)
	}
	if h.o.Sharing() {
		t.Fatalf("Sharing=true after failed share")
	}
}

func TestShareScreen_WithoutTransportUsedByNextOffer(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	if err := h.o.ShareScreen(context.Background()); err != nil {
		t.Fatalf("ShareScreen: %v", err)
	}
	tr := h.connect(t)
	if got := tr.sending(webrtc.RTPCodecTypeVideo); got != h.o.LocalMedia().Screen().Local() {
		t.Fatalf("new transport does not send the screen")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{Config: config.Config{RoomID: "r", UserID: "u"}}); err == nil {
		t.Fatalf("New without transports succeeded")
	}
	if _, err := New(Options{Transports: &stubFactory{}, Config: config.Config{UserID: "u"}}); err == nil {
		t.Fatalf("New without room succeeded")
	}
	if _, err := New(Options{Transports: &stubFactory{}, Config: config.Config{RoomID: "r"}}); err == nil {
		t.Fatalf("New without user succeeded")
	}
}
