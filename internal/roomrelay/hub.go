package roomrelay

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/videoroom/internal/config"
	"github.com/wilsonzlin/videoroom/internal/metrics"
	"github.com/wilsonzlin/videoroom/internal/signaling"
)

const (
	wsWriteWait = 1 * time.Second

	codeBadMessage  = "bad_message"
	codeNotJoined   = "not_joined"
	codeRoomFull    = "room_full"
	codeRateLimited = "rate_limited"
	codeShutdown    = "shutting_down"
)

type Config struct {
	MaxMessageBytes   int64
	MessagesPerSecond int
	// MaxParticipants caps connections per room. Zero means unlimited.
	MaxParticipants int
	PingInterval    time.Duration
	IdleTimeout     time.Duration
	// AllowAnyOrigin skips the same-host Origin check.
	AllowAnyOrigin bool
}

func FromConfig(cfg config.Config) Config {
	return Config{
		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		MaxParticipants:   cfg.MaxRoomParticipants,
		PingInterval:      cfg.SignalingWSPingInterval,
		IdleTimeout:       cfg.SignalingWSIdleTimeout,
		AllowAnyOrigin:    cfg.Mode == config.ModeDev,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = config.DefaultMaxSignalingMessageBytes
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = config.DefaultSignalingWSIdleTimeout
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.IdleTimeout {
		c.PingInterval = c.IdleTimeout / 3
	}
	return c
}

// Hub serves GET /ws.
type Hub struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	upgrader websocket.Upgrader
	newID    func() string

	mu     sync.Mutex
	rooms  map[string]map[string]*member
	closed bool
}

func New(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &Hub{
		cfg:     cfg.withDefaults(),
		log:     logger.With("component", "roomrelay"),
		metrics: m,
		newID:   uuid.NewString,
		rooms:   make(map[string]map[string]*member),
	}
	if h.cfg.AllowAnyOrigin {
		h.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	return h
}

// RoomStatus describes one room for status endpoints. Members counts
// connections; Joined counts those that sent join.
type RoomStatus struct {
	ID      string `json:"roomId"`
	Members int    `json:"members"`
	Joined  int    `json:"joined"`
	Full    bool   `json:"full"`
}

// Snapshot reports every room with at least one connection, sorted by id.
func (h *Hub) Snapshot() []RoomStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]RoomStatus, 0, len(h.rooms))
	for id := range h.rooms {
		out = append(out, h.roomStatusLocked(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Room reports one room. ok is false when nobody is connected to it.
func (h *Hub) Room(roomID string) (RoomStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[roomID]; !ok {
		return RoomStatus{}, false
	}
	return h.roomStatusLocked(roomID), true
}

func (h *Hub) roomStatusLocked(roomID string) RoomStatus {
	room := h.rooms[roomID]
	st := RoomStatus{ID: roomID, Members: len(room)}
	for _, m := range room {
		if m.participantID != "" {
			st.Joined++
		}
	}
	st.Full = h.cfg.MaxParticipants > 0 && st.Members >= h.cfg.MaxParticipants
	return st
}

// Rooms returns the ids of rooms with at least one connection.
func (h *Hub) Rooms() []string {
	snap := h.Snapshot()
	ids := make([]string, len(snap))
	for i, r := range snap {
		ids[i] = r.ID
	}
	return ids
}

// Members returns the number of connections in roomID, joined or not.
func (h *Hub) Members(roomID string) int {
	st, _ := h.Room(roomID)
	return st.Members
}

// Accepting reports whether new connections are admitted.
func (h *Hub) Accepting() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed
}

// MaxParticipants is the per-room capacity, zero meaning unlimited.
func (h *Hub) MaxParticipants() int { return h.cfg.MaxParticipants }

// Close disconnects every member and rejects new connections. Upgraded
// connections are not tracked by http.Server, so Shutdown alone leaves them
// open.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*member
	for _, room := range h.rooms {
		for _, m := range room {
			all = append(all, m)
		}
	}
	h.mu.Unlock()

	for _, m := range all {
		m.close(websocket.CloseGoingAway, "relay shutting down")
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	roomID := strings.TrimSpace(q.Get("roomId"))
	sessionID := strings.TrimSpace(q.Get("sessionId"))
	if roomID == "" || sessionID == "" {
		h.metrics.Inc(metrics.RelayConnectionsRejected)
		http.Error(w, "roomId and sessionId are required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.metrics.Inc(metrics.RelayConnectionsRejected)
		return
	}
	defer conn.Close()

	m := &member{
		id:        h.newID(),
		roomID:    roomID,
		sessionID: sessionID,
		userID:    strings.TrimSpace(q.Get("userId")),
		conn:      conn,
		done:      make(chan struct{}),
	}
	if h.cfg.MessagesPerSecond > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), h.cfg.MessagesPerSecond)
	}
	log := h.log.With("room", roomID, "transport_peer_id", m.id, "remote_addr", r.RemoteAddr)

	if code, reason := h.admit(m); code != "" {
		h.metrics.Inc(metrics.RelayConnectionsRejected)
		if code == codeRoomFull {
			h.metrics.Inc(metrics.RelayRoomFull)
		}
		log.Info("relay connection rejected", "code", code)
		m.fail(code, reason, websocket.CloseTryAgainLater, reason)
		return
	}
	defer h.leave(m, log)

	h.metrics.Inc(metrics.RelayConnectionsAccepted)
	log.Info("relay connection accepted", "session_id", sessionID, "user_id", m.userID)

	if err := m.send(signaling.Message{Type: signaling.TypeWelcome, TransportPeerID: m.id}); err != nil {
		return
	}

	conn.SetReadLimit(h.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
	})
	go m.pingLoop(h.cfg.PingInterval)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				h.metrics.Inc(metrics.RelayMessagesInvalid)
				m.fail(codeBadMessage, "message too large", websocket.CloseMessageTooBig, "message too large")
			case isTimeout(err):
				log.Info("relay connection idle")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))

		if m.limiter != nil && !m.limiter.Allow() {
			h.metrics.Inc(metrics.RelayRateLimited)
			_ = m.sendError(codeRateLimited, "too many messages")
			continue
		}
		if msgType != websocket.TextMessage {
			h.metrics.Inc(metrics.RelayMessagesInvalid)
			_ = m.sendError(codeBadMessage, "expected text message")
			continue
		}
		msg, err := signaling.Parse(data)
		if err != nil {
			h.metrics.Inc(metrics.RelayMessagesInvalid)
			log.Debug("invalid relay message", "err", err)
			_ = m.sendError(codeBadMessage, "invalid message")
			continue
		}
		h.handle(m, msg, log)
	}
}

func (h *Hub) admit(m *member) (code, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return codeShutdown, "relay shutting down"
	}
	room := h.rooms[m.roomID]
	if h.cfg.MaxParticipants > 0 && len(room) >= h.cfg.MaxParticipants {
		return codeRoomFull, "room is full"
	}
	if room == nil {
		room = make(map[string]*member)
		h.rooms[m.roomID] = room
	}
	room[m.id] = m
	return "", ""
}

func (h *Hub) handle(m *member, msg signaling.Message, log *slog.Logger) {
	switch {
	case msg.Type == signaling.TypeJoin:
		if msg.RoomID != m.roomID {
			h.metrics.Inc(metrics.RelayMessagesInvalid)
			_ = m.sendError(codeBadMessage, "join roomId does not match connection")
			return
		}
		others, ok := h.join(m, msg.ParticipantID)
		if !ok {
			return
		}
		h.metrics.Inc(metrics.RelayParticipantsJoined)
		log.Info("participant joined", "participant_id", msg.ParticipantID)
		h.broadcast(others, signaling.Message{
			Type:            signaling.TypeParticipantJoined,
			ParticipantID:   msg.ParticipantID,
			TransportPeerID: m.id,
		})

	case msg.Type.IsPeerMessage():
		participantID, members := h.joinedMembers(m)
		if participantID == "" {
			_ = m.sendError(codeNotJoined, "join the room first")
			return
		}
		msg.TransportPeerID = m.id
		msg.ParticipantID = participantID
		h.broadcast(members, msg)
		h.metrics.Inc(metrics.RelayMessagesForwarded)

	default:
		h.metrics.Inc(metrics.RelayMessagesInvalid)
		_ = m.sendError(codeBadMessage, "unexpected message type "+string(msg.Type))
	}
}

// join marks m joined and returns the other joined members. A repeated join
// is ignored.
func (h *Hub) join(m *member, participantID string) ([]*member, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m.participantID != "" {
		return nil, false
	}
	m.participantID = participantID
	var others []*member
	for _, other := range h.rooms[m.roomID] {
		if other != m && other.participantID != "" {
			others = append(others, other)
		}
	}
	return others, true
}

// joinedMembers returns m's participant id (empty until it joined) and every
// joined member of its room, m included.
func (h *Hub) joinedMembers(m *member) (string, []*member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m.participantID == "" {
		return "", nil
	}
	var members []*member
	for _, other := range h.rooms[m.roomID] {
		if other.participantID != "" {
			members = append(members, other)
		}
	}
	return m.participantID, members
}

func (h *Hub) leave(m *member, log *slog.Logger) {
	close(m.done)

	h.mu.Lock()
	room := h.rooms[m.roomID]
	delete(room, m.id)
	if len(room) == 0 {
		delete(h.rooms, m.roomID)
	}
	participantID := m.participantID
	var others []*member
	if participantID != "" {
		for _, other := range room {
			if other.participantID != "" {
				others = append(others, other)
			}
		}
	}
	h.mu.Unlock()

	log.Info("relay connection closed")
	if participantID == "" {
		return
	}
	h.metrics.Inc(metrics.RelayParticipantsLeft)
	h.broadcast(others, signaling.Message{
		Type:            signaling.TypeParticipantLeft,
		ParticipantID:   participantID,
		TransportPeerID: m.id,
	})
}

func (h *Hub) broadcast(members []*member, msg signaling.Message) {
	for _, m := range members {
		if err := m.send(msg); err != nil {
			h.log.Debug("relay send failed", "transport_peer_id", m.id, "type", string(msg.Type), "err", err)
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
