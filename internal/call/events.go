package call

import (
	"errors"
	"log/slog"
	"time"

	"github.com/wilsonzlin/videoroom/internal/metrics"
	"github.com/wilsonzlin/videoroom/internal/negotiator"
	"github.com/wilsonzlin/videoroom/internal/signaling"
)

// run serializes channel events, negotiator events and watchdog expiry.
func (o *Orchestrator) run(ch signaling.Channel, neg *negotiator.Negotiator) {
	defer close(o.loopDone)

	chEvents := ch.Events()
	negEvents := neg.Events()
	for {
		select {
		case <-o.loopCtx.Done():
			return
		case ev, ok := <-chEvents:
			if !ok {
				chEvents = nil
				continue
			}
			o.handleChannelEvent(neg, ev)
		case ev := <-negEvents:
			o.handleNegotiatorEvent(neg, ev)
		case gen := <-o.timeouts:
			o.handleWatchdog(gen)
		}
	}
}

func (o *Orchestrator) active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lifecycle == LifecycleActive
}

func (o *Orchestrator) handleChannelEvent(neg *negotiator.Negotiator, ev signaling.Event) {
	if !o.active() {
		return
	}
	switch ev.Kind {
	case signaling.EventConnected:
		neg.SetTransportPeerID(ev.TransportPeerID)
		o.log.Debug("signaling identity", "transport_peer_id", ev.TransportPeerID)
	case signaling.EventMessage:
		o.handleMessage(neg, ev.Message)
	case signaling.EventError:
		// Relay errors annotate the status without changing it.
		o.mu.Lock()
		change, changed := o.setStatusLocked(o.status, ev.Message.Message, ev.Err)
		o.mu.Unlock()
		o.log.Warn("signaling error", "code", ev.Message.Code, "err", ev.Err)
		if changed {
			o.notifyStatus(change)
		}
	case signaling.EventDisconnected:
		o.fail(StatusDisconnected, "", nil)
	}
}

func (o *Orchestrator) handleMessage(neg *negotiator.Negotiator, msg signaling.Message) {
	from := negotiator.PeerOf(msg)
	if msg.Type.IsPeerMessage() || msg.Type == signaling.TypeParticipantJoined || msg.Type == signaling.TypeParticipantLeft {
		if neg.IsSelf(from) {
			o.metrics.Inc(metrics.CallSelfDiscarded)
			return
		}
	}
	ctx := o.loopCtx
	log := o.log.With("type", string(msg.Type), "from", from.TransportPeerID)

	switch msg.Type {
	case signaling.TypeParticipantJoined:
		log.Info("participant joined", "remote_participant_id", from.ParticipantID)
		o.beginNegotiation()
		if err := neg.Call(ctx); err != nil {
			o.negotiationError(log, err)
			return
		}
		o.metrics.Inc(metrics.CallOffersSent)

	case signaling.TypeOffer:
		o.metrics.Inc(metrics.CallOffersReceived)
		desc, err := msg.SDP.ToPion()
		if err != nil {
			log.Warn("dropping offer", "err", err)
			return
		}
		o.beginNegotiation()
		if err := neg.HandleOffer(ctx, desc, from); err != nil {
			o.negotiationError(log, err)
		}

	case signaling.TypeAnswer:
		o.metrics.Inc(metrics.CallAnswersReceived)
		desc, err := msg.SDP.ToPion()
		if err != nil {
			log.Warn("dropping answer", "err", err)
			return
		}
		if err := neg.HandleAnswer(ctx, desc, from); err != nil {
			o.negotiationError(log, err)
		}

	case signaling.TypeCandidate:
		o.metrics.Inc(metrics.CallCandidatesRecv)
		if err := neg.HandleCandidate(ctx, msg.Candidate.ToPion(), from); err != nil {
			o.negotiationError(log, err)
		}

	case signaling.TypeChatMessage:
		o.metrics.Inc(metrics.CallChatReceived)
		o.appendMessage(*msg.Chat)

	case signaling.TypeParticipantLeft:
		log.Info("participant left", "remote_participant_id", from.ParticipantID)
		neg.Reset()
		o.mu.Lock()
		if o.lifecycle != LifecycleActive {
			o.mu.Unlock()
			return
		}
		o.remoteTracks = nil
		o.callStartedAt = time.Time{}
		change, changed := o.setStatusLocked(StatusWaiting, "", nil)
		o.armWatchdogLocked()
		o.mu.Unlock()
		if changed {
			o.notifyStatus(change)
		}
	}
}

// beginNegotiation moves to connecting-peer and restarts the watchdog.
func (o *Orchestrator) beginNegotiation() {
	o.mu.Lock()
	if o.lifecycle != LifecycleActive {
		o.mu.Unlock()
		return
	}
	change, changed := o.setStatusLocked(StatusConnectingPeer, "", nil)
	o.armWatchdogLocked()
	o.mu.Unlock()
	if changed {
		o.notifyStatus(change)
	}
}

// negotiationError records err without changing the status; the watchdog
// bounds how long a stuck negotiation can last.
func (o *Orchestrator) negotiationError(log *slog.Logger, err error) {
	if errors.Is(err, negotiator.ErrClosed) {
		return
	}
	o.metrics.Inc(metrics.CallNegotiationError)
	o.mu.Lock()
	o.lastErr = err
	o.mu.Unlock()
	log.Warn("negotiation step failed", "err", err)
}

func (o *Orchestrator) handleNegotiatorEvent(neg *negotiator.Negotiator, ev negotiator.Event) {
	if !neg.Current(ev) {
		o.log.Debug("dropping event from replaced transport", "event", ev.Kind.String())
		return
	}
	switch ev.Kind {
	case negotiator.EventConnected:
		o.mu.Lock()
		if o.lifecycle != LifecycleActive {
			o.mu.Unlock()
			return
		}
		o.stopWatchdogLocked()
		if o.callStartedAt.IsZero() {
			o.callStartedAt = o.opts.Now()
		}
		change, changed := o.setStatusLocked(StatusConnected, "", nil)
		o.mu.Unlock()
		o.metrics.Inc(metrics.CallConnected)
		o.log.Info("peer connected", "remote", ev.Peer.TransportPeerID)
		if changed {
			o.notifyStatus(change)
		}

	case negotiator.EventDisconnected:
		if o.active() {
			o.transition(StatusDisconnected, "", nil)
		}

	case negotiator.EventFailed:
		o.fail(StatusFailed, DetailTransportFailed, ErrTransportFailure)

	case negotiator.EventRemoteTrack:
		o.mu.Lock()
		if o.lifecycle != LifecycleActive {
			o.mu.Unlock()
			return
		}
		o.remoteTracks = append(o.remoteTracks, ev.Track)
		subs := append(o.trackSubs[:0:0], o.trackSubs...)
		o.mu.Unlock()
		for _, fn := range subs {
			fn(ev.Track)
		}
	}
}
