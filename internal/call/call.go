// Package call orchestrates one two-party call: local media, the signaling
// channel, the peer negotiator, the connection watchdog and chat.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/videoroom/internal/config"
	"github.com/wilsonzlin/videoroom/internal/identity"
	"github.com/wilsonzlin/videoroom/internal/media"
	"github.com/wilsonzlin/videoroom/internal/metrics"
	"github.com/wilsonzlin/videoroom/internal/negotiator"
	"github.com/wilsonzlin/videoroom/internal/signaling"
)

const (
	DetailConnectionTimeout = "Connection timeout. Please try refreshing the page."
	DetailConnectFailed     = "Connection failed. Please try again."
	DetailTransportFailed   = "Peer connection failed."
)

var (
	ErrNegotiationTimeout = errors.New("call: negotiation timed out")
	ErrTransportFailure   = errors.New("call: peer transport failed")
	// ErrEnded is returned by operations attempted after End, and by a Start
	// that was overtaken by End.
	ErrEnded     = errors.New("call: ended")
	ErrNotActive = errors.New("call: not active")
)

type Status string

const (
	StatusConnecting     Status = "connecting"
	StatusWaiting        Status = "waiting"
	StatusConnectingPeer Status = "connecting-peer"
	StatusConnected      Status = "connected"
	StatusDisconnected   Status = "disconnected"
	StatusFailed         Status = "failed"
	StatusError          Status = "error"
)

type Lifecycle int

const (
	LifecycleIdle Lifecycle = iota
	LifecycleStarting
	LifecycleActive
	LifecycleClosing
	LifecycleClosed
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleIdle:
		return "idle"
	case LifecycleStarting:
		return "starting"
	case LifecycleActive:
		return "active"
	case LifecycleClosing:
		return "closing"
	case LifecycleClosed:
		return "closed"
	default:
		return fmt.Sprintf("Lifecycle(%d)", int(l))
	}
}

// StatusChange is delivered to OnStatus subscribers.
type StatusChange struct {
	Status Status
	Detail string
	Err    error

	seq uint64
}

// Timer is the part of *time.Timer the watchdog needs.
type Timer interface {
	Stop() bool
}

type Options struct {
	Config config.Config

	Capturer media.Capturer
	Preview  media.PreviewSink
	// Transports creates peer transports. Required.
	Transports negotiator.TransportFactory
	// Dial builds the signaling channel. Defaults to a websocket client for
	// Config.SignalingURL.
	Dial func(p signaling.Params) (signaling.Channel, error)

	Identity identity.Generator
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// Now and AfterFunc replace the wall clock and time.AfterFunc.
	Now       func() time.Time
	AfterFunc func(d time.Duration, f func()) Timer
}

// Orchestrator is one call attempt. It is started once and ended once.
type Orchestrator struct {
	opts     Options
	cfg      config.Config
	log      *slog.Logger
	acquirer *media.Acquirer
	session  identity.Session
	metrics  *metrics.Metrics

	mu            sync.Mutex
	lifecycle     Lifecycle
	status        Status
	detail        string
	lastErr       error
	bundle        *media.Bundle
	channel       signaling.Channel
	neg           *negotiator.Negotiator
	remoteTracks  []*webrtc.TrackRemote
	callStartedAt time.Time
	messages      []signaling.ChatMessage
	statusSeq     uint64

	notifyMu    sync.Mutex
	notifiedSeq uint64
	statusSubs  []func(StatusChange)
	messageSubs []func(signaling.ChatMessage)
	trackSubs   []func(*webrtc.TrackRemote)

	watchdog    Timer
	watchdogGen uint64
	timeouts    chan uint64

	startCancel context.CancelFunc
	loopCtx     context.Context
	loopCancel  context.CancelFunc
	loopDone    chan struct{}
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Transports == nil {
		return nil, errors.New("call: transport factory is required")
	}
	cfg := opts.Config
	if cfg.RoomID == "" {
		return nil, errors.New("call: room id is required")
	}
	session, err := opts.Identity.New(cfg.UserID)
	if err != nil {
		return nil, err
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = config.DefaultNegotiationTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("room", cfg.RoomID, "participant_id", session.ParticipantID)

	o := &Orchestrator{
		opts:    opts,
		cfg:     cfg,
		log:     logger,
		session: session,
		metrics: opts.Metrics,
		acquirer: &media.Acquirer{
			Capturer: opts.Capturer,
			Bounds:   cfg.Media,
			NoVideo:  !cfg.Video,
			Preview:  opts.Preview,
			Logger:   logger,
		},
		lifecycle: LifecycleIdle,
		timeouts:  make(chan uint64, 4),
		loopDone:  make(chan struct{}),
	}
	o.loopCtx, o.loopCancel = context.WithCancel(context.Background())
	if o.opts.Dial == nil {
		o.opts.Dial = o.dialWebsocket
	}
	return o, nil
}

func (o *Orchestrator) dialWebsocket(p signaling.Params) (signaling.Channel, error) {
	return signaling.NewClient(signaling.ClientConfig{
		URL:             o.cfg.SignalingURL,
		Params:          p,
		ConnectTimeout:  o.cfg.SignalingConnectTimeout,
		IdleTimeout:     o.cfg.SignalingWSIdleTimeout,
		MaxMessageBytes: o.cfg.MaxSignalingMessageBytes,
		Logger:          o.log,
	})
}

// Start acquires media, connects to the room and waits for a peer. Calling it
// again, or after End, does nothing. A Start overtaken by End returns
// ErrEnded after releasing whatever it had acquired.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.lifecycle != LifecycleIdle {
		o.mu.Unlock()
		return nil
	}
	o.lifecycle = LifecycleStarting
	ctx, cancel := context.WithCancel(ctx)
	o.startCancel = cancel
	o.mu.Unlock()
	defer cancel()

	o.transition(StatusConnecting, "", nil)

	bundle, err := o.acquirer.Acquire(ctx)
	if err != nil {
		if o.Lifecycle() != LifecycleStarting {
			return ErrEnded
		}
		o.abortStart(media.AccessErrorMessage, err)
		return err
	}
	o.mu.Lock()
	if o.lifecycle != LifecycleStarting {
		o.mu.Unlock()
		_ = o.acquirer.Release(bundle)
		return ErrEnded
	}
	o.bundle = bundle
	o.mu.Unlock()

	ch, err := o.opts.Dial(signaling.Params{
		RoomID:        o.cfg.RoomID,
		ParticipantID: o.session.ParticipantID,
		UserID:        o.session.UserID,
	})
	if err == nil {
		err = ch.Connect(ctx)
		if err != nil {
			_ = ch.Close()
		}
	}
	if err != nil {
		if o.Lifecycle() != LifecycleStarting {
			return ErrEnded
		}
		o.abortStart(DetailConnectFailed, fmt.Errorf("%w: %v", signaling.ErrConnect, err))
		return err
	}

	neg, err := negotiator.New(negotiator.Config{
		Factory:       o.opts.Transports,
		Sender:        ch,
		ParticipantID: o.session.ParticipantID,
		LocalTracks:   func() []webrtc.TrackLocal { return outgoingTracks(bundle) },
		Glare:         o.cfg.GlarePolicy,
		Logger:        o.log,
	})
	if err != nil {
		_ = ch.Close()
		o.abortStart(err.Error(), err)
		return err
	}

	o.mu.Lock()
	if o.lifecycle != LifecycleStarting {
		o.mu.Unlock()
		_ = neg.Close()
		_ = ch.Close()
		return ErrEnded
	}
	o.channel = ch
	o.neg = neg
	o.lifecycle = LifecycleActive
	o.startCancel = nil
	// Waiting is entered before the join goes out so a fast peer's offer
	// cannot be overwritten by it.
	change, changed := o.setStatusLocked(StatusWaiting, "", nil)
	o.armWatchdogLocked()
	o.mu.Unlock()

	if changed {
		o.notifyStatus(change)
	}
	go o.run(ch, neg)

	o.log.Info("joined signaling channel",
		"audio", bundle.Audio() != nil,
		"video", bundle.Video() != nil,
	)

	if err := ch.Send(ctx, signaling.Join(o.cfg.RoomID, o.session.ParticipantID)); err != nil {
		if o.Lifecycle() != LifecycleActive {
			return ErrEnded
		}
		o.fail(StatusError, DetailConnectFailed, fmt.Errorf("%w: send join: %v", signaling.ErrConnect, err))
		return err
	}
	return nil
}

// abortStart reports a Start failure and releases what Start acquired. The
// orchestrator ends up Closed with the failure status kept.
func (o *Orchestrator) abortStart(detail string, err error) {
	o.mu.Lock()
	if o.lifecycle != LifecycleStarting {
		o.mu.Unlock()
		return
	}
	o.lifecycle = LifecycleClosed
	bundle := o.bundle
	o.bundle = nil
	o.startCancel = nil
	change, changed := o.setStatusLocked(StatusError, detail, err)
	o.mu.Unlock()

	o.log.Warn("call start failed", "err", err)
	o.loopCancel()
	close(o.loopDone)
	_ = o.acquirer.Release(bundle)
	if changed {
		o.notifyStatus(change)
	}
}

// End tears the call down. It is idempotent and the orchestrator cannot be
// restarted afterwards.
func (o *Orchestrator) End() {
	o.mu.Lock()
	switch o.lifecycle {
	case LifecycleClosing, LifecycleClosed:
		o.mu.Unlock()
		return
	}
	started := o.lifecycle == LifecycleActive
	o.lifecycle = LifecycleClosing
	if o.startCancel != nil {
		o.startCancel()
		o.startCancel = nil
	}
	o.stopWatchdogLocked()
	bundle, ch, neg := o.bundle, o.channel, o.neg
	o.bundle, o.channel, o.neg = nil, nil, nil
	o.mu.Unlock()

	o.loopCancel()
	if neg != nil {
		_ = neg.Close()
	}
	if ch != nil {
		_ = ch.Close()
	}
	if err := o.acquirer.Release(bundle); err != nil {
		o.log.Warn("failed to release local media", "err", err)
	}
	if !started {
		close(o.loopDone)
	}

	o.mu.Lock()
	o.lifecycle = LifecycleClosed
	o.remoteTracks = nil
	o.callStartedAt = time.Time{}
	change, changed := o.setStatusLocked(StatusDisconnected, "", nil)
	o.mu.Unlock()
	if changed {
		o.notifyStatus(change)
	}
	o.log.Info("call ended")
}

// Done is closed once the event loop has exited after End or a failed Start.
func (o *Orchestrator) Done() <-chan struct{} { return o.loopDone }

func (o *Orchestrator) Lifecycle() Lifecycle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lifecycle
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Detail is the human-readable text attached to the latest status or error.
func (o *Orchestrator) Detail() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.detail
}

// LastError returns the most recent failure, wrapping one of the package
// sentinels, media.ErrMediaAccess or signaling.ErrConnect.
func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// OnStatus subscribes fn to status changes. fn must not block.
func (o *Orchestrator) OnStatus(fn func(StatusChange)) {
	o.mu.Lock()
	o.statusSubs = append(o.statusSubs, fn)
	o.mu.Unlock()
}

// OnRemoteTrack subscribes fn to remote tracks as they arrive.
func (o *Orchestrator) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	o.mu.Lock()
	o.trackSubs = append(o.trackSubs, fn)
	o.mu.Unlock()
}

func (o *Orchestrator) RemoteTracks() []*webrtc.TrackRemote {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), o.remoteTracks...)
}

func (o *Orchestrator) Session() identity.Session { return o.session }

// CallStartedAt is when the current peer first reached connected, or the
// zero time.
func (o *Orchestrator) CallStartedAt() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.callStartedAt
}

func (o *Orchestrator) Duration() time.Duration {
	o.mu.Lock()
	started := o.callStartedAt
	o.mu.Unlock()
	if started.IsZero() {
		return 0
	}
	return o.opts.Now().Sub(started)
}

// LocalMedia returns the local bundle, or nil before media is acquired and
// after End.
func (o *Orchestrator) LocalMedia() *media.Bundle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bundle
}

func (o *Orchestrator) transition(s Status, detail string, err error) {
	o.mu.Lock()
	change, changed := o.setStatusLocked(s, detail, err)
	o.mu.Unlock()
	if changed {
		o.notifyStatus(change)
	}
}

// fail records a terminal status while the call is active.
func (o *Orchestrator) fail(s Status, detail string, err error) {
	o.mu.Lock()
	if o.lifecycle != LifecycleActive {
		o.mu.Unlock()
		return
	}
	o.stopWatchdogLocked()
	change, changed := o.setStatusLocked(s, detail, err)
	o.mu.Unlock()
	o.log.Warn("call failed", "status", string(s), "err", err)
	if changed {
		o.notifyStatus(change)
	}
}

func (o *Orchestrator) setStatusLocked(s Status, detail string, err error) (StatusChange, bool) {
	if err != nil {
		o.lastErr = err
	}
	if o.status == s && o.detail == detail && err == nil {
		return StatusChange{}, false
	}
	o.status = s
	o.detail = detail
	o.statusSeq++
	return StatusChange{Status: s, Detail: detail, Err: err, seq: o.statusSeq}, true
}

// notifyStatus delivers change unless a later change was already delivered.
func (o *Orchestrator) notifyStatus(change StatusChange) {
	o.notifyMu.Lock()
	if change.seq <= o.notifiedSeq {
		o.notifyMu.Unlock()
		return
	}
	o.notifiedSeq = change.seq
	o.notifyMu.Unlock()

	o.mu.Lock()
	subs := append(([]func(StatusChange))(nil), o.statusSubs...)
	o.mu.Unlock()
	o.log.Debug("status", "status", string(change.Status), "detail", change.Detail)
	for _, fn := range subs {
		fn(change)
	}
}

// outgoingTracks lists what a new transport should send: the microphone and
// either the screen share or the camera.
func outgoingTracks(b *media.Bundle) []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	if a := b.Audio(); a != nil && !a.Stopped() {
		out = append(out, a.Local())
	}
	video := b.Screen()
	if video == nil || video.Stopped() {
		video = b.Video()
	}
	if video != nil && !video.Stopped() {
		out = append(out, video.Local())
	}
	return out
}
