package metrics

import "sync"

// Counter names shared by the relay and the call agent.
const (
	RelayConnectionsAccepted = "relay_connections_accepted"
	RelayConnectionsRejected = "relay_connections_rejected"
	RelayRoomFull            = "relay_room_full"
	RelayMessagesForwarded   = "relay_messages_forwarded"
	RelayMessagesInvalid     = "relay_messages_invalid"
	RelayRateLimited         = "relay_rate_limited"
	RelayParticipantsJoined  = "relay_participants_joined"
	RelayParticipantsLeft    = "relay_participants_left"

	CallOffersSent       = "call_offers_sent"
	CallOffersReceived   = "call_offers_received"
	CallAnswersReceived  = "call_answers_received"
	CallCandidatesRecv   = "call_candidates_received"
	CallSelfDiscarded    = "call_self_messages_discarded"
	CallChatSent         = "call_chat_sent"
	CallChatReceived     = "call_chat_received"
	CallNegotiationError = "call_negotiation_errors"
	CallWatchdogFired    = "call_watchdog_fired"
	CallConnected        = "call_connected"

	HTTPRequests = "http_requests"
	HTTPPanics   = "http_panics"
)

// Metrics is a concurrency-safe counter registry. A nil *Metrics discards
// every update, so components can take one optionally.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot copies every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
