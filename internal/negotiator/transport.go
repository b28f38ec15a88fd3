package negotiator

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ErrNoSender means the transport carries no outgoing track of the
// requested kind.
var ErrNoSender = errors.New("negotiator: no sender for track kind")

// Handlers receive transport callbacks. They run on pion goroutines.
type Handlers struct {
	OnCandidate       func(webrtc.ICECandidateInit)
	OnTrack           func(*webrtc.TrackRemote)
	OnConnectionState func(webrtc.PeerConnectionState)
}

// Transport is the subset of a peer connection the negotiator drives.
type Transport interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// Rollback discards an outstanding local offer.
	Rollback() error
	HasRemoteDescription() bool
	AddICECandidate(webrtc.ICECandidateInit) error

	AddTrack(webrtc.TrackLocal) error
	// AddRecvOnly adds a receive-only transceiver so an offer still asks for
	// media of kind when there is no local track for it.
	AddRecvOnly(kind webrtc.RTPCodecType) error
	ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error

	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	Close() error
}

type TransportFactory interface {
	NewTransport(h Handlers) (Transport, error)
}

// PionFactory creates transports backed by pion peer connections.
type PionFactory struct {
	API           *webrtc.API
	Configuration webrtc.Configuration
}

func (f *PionFactory) NewTransport(h Handlers) (Transport, error) {
	api := f.API
	if api == nil {
		api = webrtc.NewAPI()
	}
	pc, err := api.NewPeerConnection(f.Configuration)
	if err != nil {
		return nil, err
	}

	t := &pionTransport{pc: pc, senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender)}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil || h.OnCandidate == nil {
			return
		}
		h.OnCandidate(c.ToJSON())
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if h.OnTrack != nil {
			h.OnTrack(track)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if h.OnConnectionState != nil {
			h.OnConnectionState(state)
		}
	})
	return t, nil
}

type pionTransport struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	senders map[webrtc.RTPCodecType]*webrtc.RTPSender
}

func (t *pionTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

func (t *pionTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *pionTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(desc)
}

func (t *pionTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

func (t *pionTransport) Rollback() error {
	return t.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (t *pionTransport) HasRemoteDescription() bool {
	return t.pc.RemoteDescription() != nil
}

func (t *pionTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(c)
}

func (t *pionTransport) AddTrack(track webrtc.TrackLocal) error {
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.senders[track.Kind()] = sender
	t.mu.Unlock()

	// RTCP must be read for interceptors (NACK, reports) to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (t *pionTransport) AddRecvOnly(kind webrtc.RTPCodecType) error {
	_, err := t.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (t *pionTransport) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	t.mu.Lock()
	sender := t.senders[kind]
	t.mu.Unlock()
	if sender == nil {
		return ErrNoSender
	}
	return sender.ReplaceTrack(track)
}

func (t *pionTransport) SignalingState() webrtc.SignalingState {
	return t.pc.SignalingState()
}

func (t *pionTransport) ConnectionState() webrtc.PeerConnectionState {
	return t.pc.ConnectionState()
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}
