package roomrelay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/videoroom/internal/signaling"
)

type member struct {
	id        string
	roomID    string
	sessionID string
	userID    string

	// participantID is set by the join message; guarded by Hub.mu.
	participantID string

	conn    *websocket.Conn
	writeMu sync.Mutex
	limiter *rate.Limiter

	done      chan struct{}
	closeOnce sync.Once
}

func (m *member) send(msg signaling.Message) error {
	data, err := signaling.Marshal(msg)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = m.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return m.conn.WriteMessage(websocket.TextMessage, data)
}

func (m *member) sendError(code, message string) error {
	return m.send(signaling.Message{Type: signaling.TypeError, Code: code, Message: message})
}

// fail reports an error message to the client and closes the connection.
func (m *member) fail(code, message string, closeCode int, reason string) {
	_ = m.sendError(code, message)
	m.close(closeCode, reason)
}

func (m *member) close(code int, reason string) {
	m.closeOnce.Do(func() {
		m.writeMu.Lock()
		_ = m.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
		m.writeMu.Unlock()
		_ = m.conn.Close()
	})
}

func (m *member) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.writeMu.Lock()
			err := m.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			m.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
