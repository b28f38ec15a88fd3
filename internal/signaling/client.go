package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 1 * time.Second

	DefaultConnectTimeout  = 20 * time.Second
	DefaultMaxMessageBytes = int64(64 * 1024)

	eventBuffer = 64
)

type ClientConfig struct {
	URL    string
	Params Params

	// ConnectTimeout bounds dialing plus the relay handshake.
	ConnectTimeout time.Duration
	// IdleTimeout closes the connection when nothing (not even a ping) was
	// received for this long. Zero disables it.
	IdleTimeout     time.Duration
	MaxMessageBytes int64

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Client is a Channel backed by a gorilla/websocket connection.
type Client struct {
	cfg    ClientConfig
	log    *slog.Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	peerID  string
	started bool
	closed  bool
	// gone is set once the read loop has exited.
	gone bool

	writeMu sync.Mutex

	events    chan Event
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ Channel = (*Client)(nil)

func NewClient(cfg ClientConfig) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("signaling: invalid url %q: %w", cfg.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("signaling: invalid url %q: scheme must be ws or wss", cfg.URL)
	}
	if cfg.Params.RoomID == "" || cfg.Params.ParticipantID == "" {
		return nil, errors.New("signaling: room id and participant id are required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	return &Client{
		cfg:    cfg,
		log:    logger.With("component", "signaling", "room", cfg.Params.RoomID),
		dialer: dialer,
		events: make(chan Event, eventBuffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// TransportPeerID returns the id the relay assigned on connect.
func (c *Client) TransportPeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("roomId", c.cfg.Params.RoomID)
	q.Set("sessionId", c.cfg.Params.ParticipantID)
	if c.cfg.Params.UserID != "" {
		q.Set("userId", c.cfg.Params.UserID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the relay and waits for its welcome message. Any failure is
// wrapped in ErrConnect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return errors.New("signaling: already connected")
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	target, err := c.dialURL()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}

	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	conn.SetReadLimit(c.cfg.MaxMessageBytes)

	welcome, err := readWelcome(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.peerID = welcome.TransportPeerID
	c.started = true
	c.mu.Unlock()

	c.installKeepalive(conn)
	c.log.Debug("signaling connected", "transport_peer_id", welcome.TransportPeerID)

	c.events <- Event{Kind: EventConnected, TransportPeerID: welcome.TransportPeerID}
	go c.readLoop(conn)
	return nil
}

func readWelcome(ctx context.Context, conn *websocket.Conn) (Message, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	if msgType != websocket.TextMessage {
		return Message{}, errors.New("expected text message")
	}
	msg, err := Parse(data)
	if err != nil {
		return Message{}, err
	}
	switch msg.Type {
	case TypeWelcome:
		return msg, nil
	case TypeError:
		return Message{}, fmt.Errorf("relay rejected connection: %s: %s", msg.Code, msg.Message)
	default:
		return Message{}, fmt.Errorf("expected welcome, got %q", msg.Type)
	}
}

func (c *Client) installKeepalive(conn *websocket.Conn) {
	if c.cfg.IdleTimeout <= 0 {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer close(c.done)
	defer close(c.events)

	var readErr error
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		if c.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		}
		if msgType != websocket.TextMessage {
			c.log.Warn("dropping non-text signaling frame", "type", msgType)
			continue
		}
		msg, err := Parse(data)
		if err != nil {
			c.log.Warn("dropping invalid signaling message", "err", err)
			continue
		}

		ev := Event{Kind: EventMessage, Message: msg}
		if msg.Type == TypeError {
			ev = Event{Kind: EventError, Message: msg, Err: fmt.Errorf("signaling: relay error %s: %s", msg.Code, msg.Message)}
		}
		if !c.emit(ev) {
			return
		}
	}

	c.mu.Lock()
	closedByUs := c.closed
	c.gone = true
	c.mu.Unlock()
	if closedByUs {
		return
	}
	c.log.Info("signaling disconnected", "err", readErr)
	c.emit(Event{Kind: EventDisconnected, Err: readErr})
}

// emit delivers ev unless the client is closed first.
func (c *Client) emit(ev Event) bool {
	select {
	case <-c.stop:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	case <-c.stop:
		return false
	}
}

func (c *Client) Send(ctx context.Context, msg Message) error {
	data, err := Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	closed := c.closed || c.gone
	c.mu.Unlock()
	if closed || conn == nil {
		return ErrClosed
	}

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("signaling: send %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		started := c.started
		c.mu.Unlock()
		close(c.stop)

		if !started {
			close(c.events)
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(wsWriteWait))
		_ = conn.Close()
		<-c.done
	})
	return nil
}
