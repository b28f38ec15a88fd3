// Package negotiator drives one peer transport through the offer/answer
// exchange: it creates transports, attaches local tracks, queues remote
// candidates until a remote description exists and reports connection state.
package negotiator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/videoroom/internal/config"
	"github.com/wilsonzlin/videoroom/internal/signaling"
)

var ErrClosed = errors.New("negotiator: closed")

const eventBuffer = 32

// Peer identifies the author of a signaling message.
type Peer struct {
	TransportPeerID string
	ParticipantID   string
}

// PeerOf returns the sender identity stamped on m.
func PeerOf(m signaling.Message) Peer {
	return Peer{TransportPeerID: m.TransportPeerID, ParticipantID: m.ParticipantID}
}

type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventFailed
	EventRemoteTrack
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventFailed:
		return "failed"
	case EventRemoteTrack:
		return "remote-track"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

type Event struct {
	Kind  EventKind
	Peer  Peer
	Track *webrtc.TrackRemote

	attempt *attempt
}

// Sender broadcasts a message to the room. signaling.Channel satisfies it.
type Sender interface {
	Send(ctx context.Context, msg signaling.Message) error
}

type Config struct {
	Factory TransportFactory
	Sender  Sender
	// ParticipantID is stamped on every outgoing message.
	ParticipantID string
	// LocalTracks returns the outgoing tracks for a new transport.
	LocalTracks func() []webrtc.TrackLocal
	Glare       config.GlarePolicy
	Logger      *slog.Logger
}

// attempt is one transport and what was learned about it.
type attempt struct {
	t         Transport
	remote    Peer
	connected bool
}

type Negotiator struct {
	cfg Config
	log *slog.Logger

	mu              sync.Mutex
	transportPeerID string
	current         *attempt
	pending         []webrtc.ICECandidateInit
	closed          bool

	ctx       context.Context
	cancel    context.CancelFunc
	events    chan Event
	closeOnce sync.Once
}

func New(cfg Config) (*Negotiator, error) {
	if cfg.Factory == nil {
		return nil, errors.New("negotiator: transport factory is required")
	}
	if cfg.Sender == nil {
		return nil, errors.New("negotiator: sender is required")
	}
	if cfg.Glare == "" {
		cfg.Glare = config.GlarePolicyNone
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Negotiator{
		cfg:    cfg,
		log:    logger.With("component", "negotiator", "participant_id", cfg.ParticipantID),
		ctx:    ctx,
		cancel: cancel,
		events: make(chan Event, eventBuffer),
	}, nil
}

// Events delivers connection and remote-track events. The channel is never
// closed; consumers stop reading once they are done with the negotiator.
func (n *Negotiator) Events() <-chan Event { return n.events }

// SetTransportPeerID records the relay-assigned id used for self-discard.
func (n *Negotiator) SetTransportPeerID(id string) {
	n.mu.Lock()
	n.transportPeerID = id
	n.mu.Unlock()
}

// IsSelf reports whether p is this participant.
func (n *Negotiator) IsSelf(p Peer) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.isSelfLocked(p)
}

func (n *Negotiator) isSelfLocked(p Peer) bool {
	if p.TransportPeerID != "" && p.TransportPeerID == n.transportPeerID {
		return true
	}
	return p.ParticipantID != "" && p.ParticipantID == n.cfg.ParticipantID
}

// Current reports whether ev came from the transport still held. Events of a
// transport dropped by Reset or a newer negotiation may still be buffered.
func (n *Negotiator) Current(ev Event) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.closed && ev.attempt != nil && ev.attempt == n.current
}

// HasTransport reports whether a transport is currently held.
func (n *Negotiator) HasTransport() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current != nil
}

// Pending returns the number of queued remote candidates.
func (n *Negotiator) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Call starts a negotiation as the offerer, replacing any existing transport.
func (n *Negotiator) Call(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	old := n.detachLocked()
	defer closeTransport(old)
	defer n.mu.Unlock()

	a, err := n.newAttemptLocked(true)
	if err != nil {
		return err
	}

	offer, err := a.t.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := a.t.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	if err := n.cfg.Sender.Send(ctx, signaling.Offer(offer, n.cfg.ParticipantID)); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	n.log.Info("offer sent")
	return nil
}

// HandleOffer answers a remote offer, creating a transport if none is usable.
// Offers arriving after a remote description was applied are ignored.
func (n *Negotiator) HandleOffer(ctx context.Context, desc webrtc.SessionDescription, from Peer) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	if n.isSelfLocked(from) {
		n.mu.Unlock()
		return nil
	}

	var old Transport
	defer func() { closeTransport(old) }()
	defer n.mu.Unlock()

	a := n.current
	if a == nil || a.t.ConnectionState() == webrtc.PeerConnectionStateClosed {
		// Candidates that arrived ahead of this offer belong to it; only a
		// replaced transport takes its queue with it.
		if a != nil {
			old = n.detachLocked()
		}
		var err error
		if a, err = n.newAttemptLocked(false); err != nil {
			return err
		}
	}
	log := n.log.With("from", from.TransportPeerID)

	if a.t.HasRemoteDescription() {
		log.Debug("ignoring offer: remote description already set")
		return nil
	}

	if a.t.SignalingState() == webrtc.SignalingStateHaveLocalOffer && n.cfg.Glare == config.GlarePolicyPolite {
		if n.transportPeerID <= from.TransportPeerID {
			log.Info("offer collision: keeping local offer")
			return nil
		}
		log.Info("offer collision: rolling back local offer")
		if err := a.t.Rollback(); err != nil {
			return fmt.Errorf("rollback local offer: %w", err)
		}
	}

	if err := a.t.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	a.remote = from

	answer, err := a.t.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := a.t.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	if err := n.cfg.Sender.Send(ctx, signaling.Answer(answer, n.cfg.ParticipantID)); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	log.Info("answer sent")

	n.drainLocked(a)
	return nil
}

// HandleAnswer applies a remote answer if no remote description is set yet.
func (n *Negotiator) HandleAnswer(ctx context.Context, desc webrtc.SessionDescription, from Peer) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if n.isSelfLocked(from) {
		return nil
	}

	a := n.current
	if a == nil {
		n.log.Debug("ignoring answer: no transport", "from", from.TransportPeerID)
		return nil
	}
	if a.t.HasRemoteDescription() {
		n.log.Debug("ignoring answer: remote description already set", "from", from.TransportPeerID)
		return nil
	}
	if err := a.t.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	a.remote = from
	n.drainLocked(a)
	return nil
}

// HandleCandidate applies c now if a remote description is set, otherwise
// queues it. Failures to apply are logged, not returned.
func (n *Negotiator) HandleCandidate(ctx context.Context, c webrtc.ICECandidateInit, from Peer) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if n.isSelfLocked(from) {
		return nil
	}

	a := n.current
	if a == nil || !a.t.HasRemoteDescription() {
		n.pending = append(n.pending, c)
		return nil
	}
	if err := a.t.AddICECandidate(c); err != nil {
		n.log.Warn("failed to add remote candidate", "err", err)
	}
	return nil
}

// Reset drops the transport and queued candidates after the remote
// participant left.
func (n *Negotiator) Reset() {
	n.mu.Lock()
	old := n.detachLocked()
	n.mu.Unlock()
	closeTransport(old)
}

// ReplaceVideo swaps the outgoing video track without renegotiating. With no
// transport it is a no-op; the next transport picks up LocalTracks.
func (n *Negotiator) ReplaceVideo(track webrtc.TrackLocal) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if n.current == nil {
		return nil
	}
	return n.current.t.ReplaceTrack(webrtc.RTPCodecTypeVideo, track)
}

func (n *Negotiator) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		old := n.detachLocked()
		n.mu.Unlock()
		n.cancel()
		err = closeTransport(old)
	})
	return err
}

func (n *Negotiator) detachLocked() Transport {
	n.pending = nil
	if n.current == nil {
		return nil
	}
	t := n.current.t
	n.current = nil
	return t
}

func closeTransport(t Transport) error {
	if t == nil {
		return nil
	}
	return t.Close()
}

// newAttemptLocked creates a transport with the local tracks attached. An
// offerer also adds receive-only transceivers for kinds it does not send so
// the remote side's media is still negotiated.
func (n *Negotiator) newAttemptLocked(offerer bool) (*attempt, error) {
	a := &attempt{}
	t, err := n.cfg.Factory.NewTransport(Handlers{
		OnCandidate:       func(c webrtc.ICECandidateInit) { n.onCandidate(a, c) },
		OnTrack:           func(tr *webrtc.TrackRemote) { n.onTrack(a, tr) },
		OnConnectionState: func(s webrtc.PeerConnectionState) { n.onConnectionState(a, s) },
	})
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	a.t = t

	sending := map[webrtc.RTPCodecType]bool{}
	if n.cfg.LocalTracks != nil {
		for _, track := range n.cfg.LocalTracks() {
			if err := t.AddTrack(track); err != nil {
				_ = t.Close()
				return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
			}
			sending[track.Kind()] = true
		}
	}
	if offerer {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if sending[kind] {
				continue
			}
			if err := t.AddRecvOnly(kind); err != nil {
				_ = t.Close()
				return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
			}
		}
	}

	n.current = a
	return a, nil
}

func (n *Negotiator) drainLocked(a *attempt) {
	queued := n.pending
	n.pending = nil
	for _, c := range queued {
		if err := a.t.AddICECandidate(c); err != nil {
			n.log.Warn("failed to add queued candidate", "err", err)
		}
	}
	if len(queued) > 0 {
		n.log.Debug("drained queued candidates", "count", len(queued))
	}
}

func (n *Negotiator) onCandidate(a *attempt, c webrtc.ICECandidateInit) {
	n.mu.Lock()
	live := !n.closed && n.current == a
	n.mu.Unlock()
	if !live {
		return
	}
	if err := n.cfg.Sender.Send(n.ctx, signaling.CandidateMessage(c, n.cfg.ParticipantID)); err != nil {
		n.log.Debug("failed to send candidate", "err", err)
	}
}

func (n *Negotiator) onTrack(a *attempt, tr *webrtc.TrackRemote) {
	n.mu.Lock()
	if n.closed || n.current != a {
		n.mu.Unlock()
		return
	}
	remote := a.remote
	first := !a.connected
	a.connected = true
	n.mu.Unlock()

	n.log.Info("remote track", "kind", tr.Kind().String(), "codec", tr.Codec().MimeType)
	n.emit(Event{Kind: EventRemoteTrack, Peer: remote, Track: tr, attempt: a})
	if first {
		n.emit(Event{Kind: EventConnected, Peer: remote, attempt: a})
	}
}

func (n *Negotiator) onConnectionState(a *attempt, s webrtc.PeerConnectionState) {
	n.mu.Lock()
	if n.closed || n.current != a {
		n.mu.Unlock()
		return
	}
	remote := a.remote
	var ev *Event
	switch s {
	case webrtc.PeerConnectionStateConnected:
		if !a.connected {
			a.connected = true
			ev = &Event{Kind: EventConnected, Peer: remote, attempt: a}
		}
	case webrtc.PeerConnectionStateDisconnected:
		a.connected = false
		ev = &Event{Kind: EventDisconnected, Peer: remote, attempt: a}
	case webrtc.PeerConnectionStateFailed:
		a.connected = false
		ev = &Event{Kind: EventFailed, Peer: remote, attempt: a}
	}
	n.mu.Unlock()

	n.log.Debug("transport state", "state", s.String())
	if ev != nil {
		n.emit(*ev)
	}
}

func (n *Negotiator) emit(ev Event) {
	select {
	case n.events <- ev:
	case <-n.ctx.Done():
	}
}
